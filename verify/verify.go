// Package verify evaluates a contract's VerificationRules against the
// freshly-extracted StructuredState, the network event ring, and (for
// FILE_EXISTS) the local filesystem.
package verify

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/evalgo/actiondrive/contract"
	"github.com/evalgo/actiondrive/driver"
	"github.com/evalgo/actiondrive/netobserve"
	"github.com/evalgo/actiondrive/state"
)

// Failure is one rule violation.
type Failure struct {
	RuleType string
	Severity string
	Code     string
	Detail   string
}

// Report is the outcome of evaluating a set of rules: it passes only when
// no hard-severity rule failed.
type Report struct {
	Passed   bool
	Failures []Failure
}

// Engine evaluates VerificationRules against a page, a network observer,
// and a StructuredState.
type Engine struct {
	page    driver.Page
	network *netobserve.Observer
}

// New builds an Engine bound to page and network.
func New(page driver.Page, network *netobserve.Observer) *Engine {
	return &Engine{page: page, network: network}
}

func payloadString(payload map[string]interface{}, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func payloadInt(payload map[string]interface{}, key string, fallback int) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

func payloadBool(payload map[string]interface{}, key string, fallback bool) bool {
	if v, ok := payload[key].(bool); ok {
		return v
	}
	return fallback
}

func fail(rule contract.VerificationRule, code, detail string) *Failure {
	return &Failure{RuleType: string(rule.RuleType), Severity: rule.Severity, Code: code, Detail: detail}
}

func (e *Engine) assertElementPresent(rule contract.VerificationRule, st *state.StructuredState) *Failure {
	eid := payloadString(rule.Payload, "eid")
	for _, el := range st.InteractiveElements {
		if el.EID == eid {
			return nil
		}
	}
	return fail(rule, "ELEMENT_NOT_PRESENT", fmt.Sprintf("Element '%s' not found", eid))
}

func (e *Engine) assertTextState(ctx context.Context, rule contract.VerificationRule) *Failure {
	selector := payloadString(rule.Payload, "selector")
	expected := payloadString(rule.Payload, "expected")
	mode := rule.Payload["mode"]
	modeStr := "contains"
	if s, ok := mode.(string); ok && s != "" {
		modeStr = s
	}

	text, err := e.page.Locator(selector).TextContent(ctx)
	if err != nil {
		return fail(rule, "TEXT_STATE_MISMATCH", fmt.Sprintf("selector=%s, error=%v", selector, err))
	}

	var matched bool
	if modeStr == "contains" {
		matched = strings.Contains(text, expected)
	} else {
		matched = text == expected
	}
	if matched {
		return nil
	}
	return fail(rule, "TEXT_STATE_MISMATCH", fmt.Sprintf("selector=%s, expected=%s, actual=%s", selector, expected, text))
}

func (e *Engine) assertAttributeState(ctx context.Context, rule contract.VerificationRule) *Failure {
	selector := payloadString(rule.Payload, "selector")
	attr := payloadString(rule.Payload, "attribute")
	expected := fmt.Sprintf("%v", rule.Payload["expected"])

	actual, err := e.page.Locator(selector).GetAttribute(ctx, attr)
	if err != nil {
		return fail(rule, "ATTRIBUTE_STATE_MISMATCH", fmt.Sprintf("selector=%s, attr=%s, error=%v", selector, attr, err))
	}
	if actual == expected {
		return nil
	}
	return fail(rule, "ATTRIBUTE_STATE_MISMATCH", fmt.Sprintf("selector=%s, attr=%s, expected=%s, actual=%s", selector, attr, expected, actual))
}

func (e *Engine) assertNetworkStatus(rule contract.VerificationRule) *Failure {
	statusMin := payloadInt(rule.Payload, "status_min", 200)
	statusMax := payloadInt(rule.Payload, "status_max", 299)
	urlPattern := payloadString(rule.Payload, "url_pattern")
	sinceSeq := payloadInt(rule.Payload, "since_seq", 0)

	var regex *regexp.Regexp
	if urlPattern != "" {
		regex = regexp.MustCompile(urlPattern)
	}

	for _, evt := range e.network.EventsSince(sinceSeq) {
		if evt.Kind != driver.NetworkEventResponse {
			continue
		}
		if regex != nil && !regex.MatchString(evt.URL) {
			continue
		}
		if evt.HasStatus && evt.Status >= statusMin && evt.Status <= statusMax {
			return nil
		}
	}
	return fail(rule, "NETWORK_STATUS_MISMATCH", fmt.Sprintf("No response with status between %d and %d", statusMin, statusMax))
}

func (e *Engine) assertJSONField(rule contract.VerificationRule) *Failure {
	routeKey := payloadString(rule.Payload, "route_key")
	requireNoSilentFailure := payloadBool(rule.Payload, "require_no_silent_failure", true)
	if !requireNoSilentFailure {
		return nil
	}

	sinceSeq := payloadInt(rule.Payload, "since_seq", 0)
	for _, evt := range e.network.EventsSince(sinceSeq) {
		if evt.Kind == driver.NetworkEventResponse && evt.RouteKey == routeKey && evt.SilentFailure {
			return fail(rule, "JSON_FIELD_FAILURE_SIGNAL", fmt.Sprintf("Silent failure signal detected for route_key=%s", routeKey))
		}
	}
	return nil
}

func (e *Engine) assertFileExists(rule contract.VerificationRule) *Failure {
	path := payloadString(rule.Payload, "path")
	minSize := payloadInt(rule.Payload, "min_size", 1)

	info, err := os.Stat(path)
	if err != nil {
		return fail(rule, "FILE_NOT_FOUND", path)
	}
	if int(info.Size()) < minSize {
		return fail(rule, "FILE_TOO_SMALL", fmt.Sprintf("size=%d, min_size=%d", info.Size(), minSize))
	}
	return nil
}

func (e *Engine) assertURLPattern(rule contract.VerificationRule) *Failure {
	pattern := payloadString(rule.Payload, "pattern")
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return fail(rule, "URL_PATTERN_MISMATCH", fmt.Sprintf("invalid pattern=%s", pattern))
	}
	url := e.page.URL()
	if regex.MatchString(url) {
		return nil
	}
	return fail(rule, "URL_PATTERN_MISMATCH", fmt.Sprintf("pattern=%s, url=%s", pattern, url))
}

func (e *Engine) assertInvariant(rule contract.VerificationRule, st *state.StructuredState) *Failure {
	invariant := payloadString(rule.Payload, "name")
	if invariant == "no_visible_errors" && len(st.VisibleErrors) > 0 {
		return fail(rule, "INVARIANT_VIOLATION", "visible_errors_present")
	}
	return nil
}

// Verify evaluates rules against st, returning a Report that passes only if
// no hard-severity rule failed.
func (e *Engine) Verify(ctx context.Context, rules []contract.VerificationRule, st *state.StructuredState) Report {
	var failures []Failure

	for _, rule := range rules {
		var failure *Failure

		switch rule.RuleType {
		case contract.RuleElementPresent:
			failure = e.assertElementPresent(rule, st)
		case contract.RuleTextState:
			failure = e.assertTextState(ctx, rule)
		case contract.RuleAttributeState:
			failure = e.assertAttributeState(ctx, rule)
		case contract.RuleNetworkStatus:
			failure = e.assertNetworkStatus(rule)
		case contract.RuleJSONField:
			failure = e.assertJSONField(rule)
		case contract.RuleFileExists:
			failure = e.assertFileExists(rule)
		case contract.RuleURLPattern:
			failure = e.assertURLPattern(rule)
		case contract.RuleInvariant:
			failure = e.assertInvariant(rule, st)
		}

		if failure != nil {
			failures = append(failures, *failure)
		}
	}

	passed := true
	for _, f := range failures {
		if f.Severity == "hard" {
			passed = false
			break
		}
	}

	return Report{Passed: passed, Failures: failures}
}
