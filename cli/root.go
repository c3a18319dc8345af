// Package cli provides the main command-line interface and HTTP server for
// the action execution engine. This package orchestrates the complete
// application lifecycle including configuration management, cluster
// initialization, HTTP server setup, and graceful shutdown handling.
//
// The package implements a production-ready HTTP API server with:
//   - Flexible configuration via files, environment variables, and command-line flags
//   - Sharded cluster scheduler initialization with per-shard browser sessions
//   - RESTful API endpoints for action contract execution
//   - JWT-based authentication and authorization
//   - Graceful shutdown with proper resource cleanup
//
// Architecture Overview:
//
//	CLI → Configuration → Cluster (shards of Orchestrator) → HTTP Server → API Routes
package cli

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/evalgo/actiondrive/api"
	"github.com/evalgo/actiondrive/cluster"
	"github.com/evalgo/actiondrive/config"
	"github.com/evalgo/actiondrive/driver/dockerdriver"
	"github.com/evalgo/actiondrive/guard"
	"github.com/evalgo/actiondrive/security"
	"github.com/evalgo/actiondrive/session"
)

// cfgFile holds the path to the configuration file specified via command-line
// flag.
//
// Configuration File Search Order (when cfgFile is empty):
//  1. $HOME/.actiondrive.yaml
//  2. ./.actiondrive.yaml
//
// Supported Formats: YAML, JSON, TOML, Properties.
var cfgFile string

// RootCmd defines the main CLI command for the action execution engine.
//
// Command Structure:
//
//	actiondrive serve [flags]
//	  ├── --config: Configuration file path
//	  ├── --port: HTTP server port
//	  ├── --shard-count: number of cluster shards
//	  ├── --browser-image: Docker image used for headless browser containers
//	  └── --jwt-secret: JWT signing secret
var RootCmd = &cobra.Command{
	Use:   "actiondrive",
	Short: "a deterministic multi-tenant browser action execution engine",
	Long: `actiondrive

A production-ready HTTP API server for executing content-addressable browser
action contracts against a pool of isolated, sharded browser sessions, with:
- Idempotent, audited, hash-chained execution
- Per-tenant quotas, circuit breakers, and token budget enforcement
- A sharded cluster scheduler with per-node admission control

Configuration can be provided via command-line flags, environment variables,
or YAML configuration files with automatic precedence handling.`,
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.actiondrive.yaml)")

	serveCmd.Flags().String("port", "8080", "HTTP server port")
	serveCmd.Flags().Int("shard-count", 4, "number of cluster shards")
	serveCmd.Flags().String("browser-image", "chromedp/headless-shell:latest", "Docker image for headless browser containers")
	serveCmd.Flags().String("artifact-root", "/var/lib/actiondrive/artifacts", "root directory for uploaded/captured artifacts")
	serveCmd.Flags().String("audit-root", "/var/lib/actiondrive/audit", "root directory for the hash-chained audit trail")
	serveCmd.Flags().String("jwt-secret", "", "JWT signing secret")

	viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("cluster.shard_count", serveCmd.Flags().Lookup("shard-count"))
	viper.BindPFlag("driver.image", serveCmd.Flags().Lookup("browser-image"))
	viper.BindPFlag("artifact.root_dir", serveCmd.Flags().Lookup("artifact-root"))
	viper.BindPFlag("audit.root_dir", serveCmd.Flags().Lookup("audit-root"))
	viper.BindPFlag("jwt.secret", serveCmd.Flags().Lookup("jwt-secret"))

	RootCmd.AddCommand(serveCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".actiondrive")
	}

	viper.SetEnvPrefix("ACTIONDRIVE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

// serveCmd starts the HTTP API server backed by a sharded cluster of
// browser-session-backed orchestrators.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start the action execution HTTP API server",
	Run:   runServer,
}

// runServer initializes the cluster, wires the HTTP API, and runs it until
// an interrupt or termination signal is received.
//
// Startup Sequence:
//  1. Load configuration from all sources (flags, env vars, config file)
//  2. Construct a driver.Launcher (one headless browser container per session)
//  3. Build one fully wired execution node per shard (session pool, artifact
//     store, audit trail, quota manager, circuit breaker)
//  4. Initialize the cluster's dispatch loop and per-node admission monitors
//  5. Set up the Echo HTTP server with the action execution routes
//  6. Wait for SIGINT/SIGTERM, then drain the cluster and shut the server down
func runServer(cmd *cobra.Command, args []string) {
	engineCfg := config.LoadEngineConfig("ACTIONDRIVE")
	engineCfg.Cluster.ShardCount = viper.GetInt("cluster.shard_count")
	engineCfg.Driver.Image = viper.GetString("driver.image")
	engineCfg.Artifact.RootDir = viper.GetString("artifact.root_dir")
	engineCfg.Audit.RootDir = viper.GetString("audit.root_dir")
	jwtSecret := viper.GetString("jwt.secret")
	if jwtSecret == "" {
		log.Fatal("jwt.secret (or ACTIONDRIVE_JWT_SECRET / --jwt-secret) must be set")
	}

	launcher, err := dockerdriver.NewLauncher(dockerdriver.Config{
		Image:             engineCfg.Driver.Image,
		DebugPortHost:     engineCfg.Driver.DebugPortHost,
		ContainerStopWait: engineCfg.Driver.ContainerStopWait,
		StartupTimeout:    engineCfg.Driver.StartupTimeout,
	})
	if err != nil {
		log.Fatalf("failed to initialize browser launcher: %v", err)
	}

	buildCfg := cluster.DefaultBuildConfig()
	buildCfg.ShardCount = engineCfg.Cluster.ShardCount
	buildCfg.ArtifactRootDir = engineCfg.Artifact.RootDir
	buildCfg.AuditRootDir = engineCfg.Audit.RootDir
	buildCfg.AuditSigningKey = engineCfg.Audit.SigningKey
	buildCfg.DefaultQuota.MaxConcurrentSessions = engineCfg.Quota.MaxConcurrentSessions
	buildCfg.DefaultQuota.MaxActionsPerMinute = engineCfg.Quota.MaxActionsPerMinute
	buildCfg.DefaultQuota.MaxArtifactBytes = engineCfg.Quota.MaxArtifactBytes
	buildCfg.DefaultQuota.MaxStepTokens = engineCfg.Quota.MaxStepTokens
	buildCfg.DefaultQuota.MaxStateDeltaTokens = engineCfg.Quota.MaxStateDeltaTokens
	buildCfg.DefaultQuota.MaxNetworkSummaryTokens = engineCfg.Quota.MaxNetworkSummaryTokens
	buildCfg.DefaultQuota.MaxMetadataTokens = engineCfg.Quota.MaxMetadataTokens
	buildCfg.SessionConfig = session.DefaultConfig()
	buildCfg.SessionConfig.MaxTotalSessions = engineCfg.Session.MaxTotalSessions
	buildCfg.SessionConfig.MaxPooledContexts = engineCfg.Session.MaxPooledContexts
	buildCfg.SessionConfig.DefaultTimeout = engineCfg.Session.NavigationTimeout
	buildCfg.SessionConfig.SessionLeaseTTL = engineCfg.Session.SessionIdleTimeout
	buildCfg.MonitorInterval = engineCfg.Cluster.MonitorInterval

	nodes, err := cluster.BuildEngineNodes(launcher, buildCfg)
	if err != nil {
		log.Fatalf("failed to build cluster nodes: %v", err)
	}

	schedulerCfg := cluster.DefaultSchedulerConfig()
	schedulerCfg.ShardCount = engineCfg.Cluster.ShardCount
	schedulerCfg.LightWeight = engineCfg.Cluster.LightWeight
	schedulerCfg.HeavyWeight = engineCfg.Cluster.HeavyWeight
	schedulerCfg.DispatchInterval = engineCfg.Cluster.DispatchInterval
	schedulerCfg.MonitorInterval = engineCfg.Cluster.MonitorInterval

	slo := cluster.DefaultNodeAdmissionSLO()
	slo.MaxInflightActions = engineCfg.Cluster.MaxInflightPerShard
	slo.MaxLoopLagP95Ms = float64(engineCfg.Cluster.MaxDispatchLagMS)
	slo.MaxFDCount = engineCfg.Cluster.MaxFDPerShard
	slo.MaxRSSMB = float64(engineCfg.Cluster.MaxRSSMB)

	shardedCluster := cluster.New(nodes, schedulerCfg, slo)

	ctx, cancelInit := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancelInit()
	if err := shardedCluster.Initialize(ctx); err != nil {
		log.Fatalf("failed to initialize cluster: %v", err)
	}

	jwtService := security.NewJWTService(jwtSecret)

	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	handlers := &api.EngineHandlers{
		Cluster:   shardedCluster,
		JWT:       jwtService,
		JWTSecret: jwtSecret,
		Policies:  map[string]guard.SecurityPolicy{},
	}
	api.SetupEngineRoutes(e, handlers)

	port := viper.GetString("port")
	go func() {
		log.Printf("actiondrive server starting on port %s with %d shards", port, engineCfg.Cluster.ShardCount)
		if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}
	if err := shardedCluster.Close(shutdownCtx); err != nil {
		log.Printf("cluster shutdown error: %v", err)
	}
}
