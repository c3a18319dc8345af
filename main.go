// Package main is the entry point for the actiondrive CLI, which serves
// the action execution engine's HTTP API and provides operator tooling for
// audit trail verification and replay.
package main

import (
	"log"

	"github.com/evalgo/actiondrive/cli"
)

// main executes the root command and exits non-zero on failure.
func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
