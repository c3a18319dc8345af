// Package engine drives a single action contract through its full
// lifecycle: pre-state extraction, precondition verification, a bounded
// retry loop around dispatch/wait/post-state/verification, and delta and
// network summary reporting on success.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/evalgo/actiondrive/artifact"
	"github.com/evalgo/actiondrive/contract"
	"github.com/evalgo/actiondrive/delta"
	"github.com/evalgo/actiondrive/driver"
	"github.com/evalgo/actiondrive/extractor"
	"github.com/evalgo/actiondrive/navigator"
	"github.com/evalgo/actiondrive/state"
	"github.com/evalgo/actiondrive/telemetry"
	"github.com/evalgo/actiondrive/verify"
	"github.com/evalgo/actiondrive/wait"
)

const (
	failureMissingPostActionGuard = "MISSING_POST_ACTION_GUARD"
	failurePreconditionFailed     = "PRECONDITION_FAILED"
	failurePostconditionFailed    = "POSTCONDITION_FAILED"
	failureActionExecutionFailed  = "ACTION_EXECUTION_FAILED"
	failureWaitTimeout            = "WAIT_TIMEOUT"
	failureRetryExhausted         = "RETRY_EXHAUSTED"
)

// Engine executes one ActionContract at a time against a single page,
// wiring together target binding, waiting, state extraction, verification
// and delta computation.
type Engine struct {
	page              driver.Page
	nav               *navigator.Navigator
	waiter            *wait.Manager
	verifier          *verify.Engine
	extractor         *extractor.Extractor
	deltaTracker      *delta.Tracker
	artifacts         *artifact.Manager
	runtimeTelemetry  *telemetry.RuntimeTelemetryBuffer
}

// New builds an Engine. runtimeTelemetry may be nil if console/pageerror
// capture isn't wired for this page.
func New(
	page driver.Page,
	nav *navigator.Navigator,
	waiter *wait.Manager,
	verifier *verify.Engine,
	ext *extractor.Extractor,
	deltaTracker *delta.Tracker,
	artifacts *artifact.Manager,
	runtimeTelemetry *telemetry.RuntimeTelemetryBuffer,
) *Engine {
	return &Engine{
		page:             page,
		nav:              nav,
		waiter:           waiter,
		verifier:         verifier,
		extractor:        ext,
		deltaTracker:     deltaTracker,
		artifacts:        artifacts,
		runtimeTelemetry: runtimeTelemetry,
	}
}

func strPtr(s string) *string { return &s }

func escalationPtr(m contract.EscalationMode) *contract.EscalationMode { return &m }

func hasPostActionGuard(c contract.ActionContract) bool {
	return len(c.WaitConditions) > 0 || len(c.ExpectedPostconditions) > 0 || len(c.VerificationRules) > 0
}

// dispatchAction performs the side-effecting half of an attempt: it
// resolves and acts on the action's target, returning any artifacts the
// action produced (an upload's staged record, or a completed download).
func (e *Engine) dispatchAction(ctx context.Context, c contract.ActionContract, st *state.StructuredState, workflowID, actionID string) ([]artifact.Record, error) {
	spec := c.ActionSpec
	timeout := time.Duration(c.Timeout.ExecuteTimeoutMs) * time.Millisecond

	switch spec.ActionType {
	case contract.ActionNavigate:
		if spec.URL == "" {
			return nil, fmt.Errorf("engine: NAVIGATE requires url")
		}
		return nil, e.page.Goto(ctx, spec.URL, timeout)

	case contract.ActionWaitOnly:
		return nil, nil

	case contract.ActionCustomJSRestricted:
		if spec.JSExpression == "" {
			return nil, fmt.Errorf("engine: CUSTOM_JS_RESTRICTED requires js_expression")
		}
		_, err := e.page.Evaluate(ctx, spec.JSExpression, spec.JSArgument)
		return nil, err
	}

	target, err := e.nav.BindTarget(spec, st)
	if err != nil {
		return nil, fmt.Errorf("engine: bind target: %w", err)
	}
	locator := e.nav.LocatorForTarget(target, st)

	switch spec.ActionType {
	case contract.ActionClick:
		return nil, locator.Click(ctx)

	case contract.ActionTypeText:
		return nil, locator.Fill(ctx, spec.Text)

	case contract.ActionSelect:
		return nil, locator.SelectOption(ctx, spec.SelectValue)

	case contract.ActionUpload:
		if spec.UploadArtifactID == "" {
			return nil, fmt.Errorf("engine: UPLOAD requires upload_artifact_id")
		}
		record, ok := e.artifacts.GetRecord(spec.UploadArtifactID)
		if !ok {
			return nil, fmt.Errorf("engine: unknown upload artifact: %s", spec.UploadArtifactID)
		}
		if err := e.page.SetInputFiles(ctx, target.Selector, []string{record.Path}); err != nil {
			return nil, err
		}
		return []artifact.Record{record}, nil

	case contract.ActionDownloadTrigger:
		download, err := e.page.ExpectDownload(ctx, func() error {
			return locator.Click(ctx)
		}, timeout)
		if err != nil {
			return nil, err
		}
		record, err := e.artifacts.SaveDownload(ctx, workflowID, actionID, download)
		if err != nil {
			return nil, err
		}
		return []artifact.Record{record}, nil
	}

	return nil, fmt.Errorf("engine: unsupported action type: %s", spec.ActionType)
}

func artifactMaps(records []artifact.Record) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(records))
	for _, r := range records {
		out = append(out, map[string]interface{}{
			"artifact_id": r.ArtifactID,
			"workflow_id": r.WorkflowID,
			"action_id":   r.ActionID,
			"path":        r.Path,
			"mime":        r.Mime,
			"size":        r.Size,
			"sha256":      r.SHA256,
		})
	}
	return out
}

func downloadPaths(records []artifact.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Path)
	}
	return out
}

func failuresToMaps(failures []verify.Failure) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(failures))
	for _, f := range failures {
		out = append(out, map[string]interface{}{
			"rule_type": f.RuleType,
			"severity":  f.Severity,
			"code":      f.Code,
			"detail":    f.Detail,
		})
	}
	return out
}

func networkSummaryMap(s state.NetworkSummaryState) map[string]interface{} {
	return map[string]interface{}{
		"since_seq":       s.SinceSeq,
		"total_requests":  s.TotalRequests,
		"total_responses": s.TotalResponses,
		"total_failures":  s.TotalFailures,
		"failures":        s.Failures,
	}
}

func runtimeEventMaps(events []telemetry.RuntimeEvent) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(events))
	for _, e := range events {
		out = append(out, map[string]interface{}{
			"seq":     e.Seq,
			"ts":      e.Ts,
			"kind":    e.Kind,
			"message": e.Message,
		})
	}
	return out
}

// Execute attempts contract once through to success, terminal failure, or
// exhausted retries, returning a fully populated ActionExecutionResult.
func (e *Engine) Execute(ctx context.Context, c contract.ActionContract, workflowID string) (*contract.ActionExecutionResult, error) {
	actionID, err := c.ActionID()
	if err != nil {
		return nil, fmt.Errorf("engine: action id: %w", err)
	}

	tel := telemetry.New()
	tel.Event("action_start", map[string]interface{}{"action_id": actionID, "intent": c.Intent})

	if c.ActionSpec.ActionType != contract.ActionWaitOnly && !hasPostActionGuard(c) {
		return &contract.ActionExecutionResult{
			ActionID:           actionID,
			Success:            false,
			FailureCode:        strPtr(failureMissingPostActionGuard),
			Attempts:           1,
			VerificationPassed: false,
			Metadata: map[string]interface{}{
				"detail": "Non-wait action requires wait_conditions or verification rules",
			},
		}, nil
	}

	previousState, err := e.extractor.Extract(ctx, "", nil)
	if err != nil {
		return nil, fmt.Errorf("engine: pre-state extraction: %w", err)
	}
	tel.Event("pre_state_extracted", map[string]interface{}{"state_id": previousState.StateID})

	preconditions := e.verifier.Verify(ctx, c.Preconditions, previousState)
	if !preconditions.Passed {
		tel.Event("preconditions_failed", map[string]interface{}{"count": len(preconditions.Failures)})
		return &contract.ActionExecutionResult{
			ActionID:           actionID,
			Success:            false,
			FailureCode:        strPtr(failurePreconditionFailed),
			Attempts:           1,
			VerificationPassed: false,
			PreStateID:         strPtr(previousState.StateID),
			PostStateID:        strPtr(previousState.StateID),
			Telemetry:          tel.Snapshot(),
			Metadata:           map[string]interface{}{"precondition_failures": failuresToMaps(preconditions.Failures)},
		}, nil
	}

	attempts := 0
	backoffMs := c.Retry.InitialBackoffMs

	for attempts < c.Retry.MaxAttempts {
		attempts++
		tel.Event("attempt_start", map[string]interface{}{"attempt": attempts})

		actionSeq := e.extractor.NetworkSequence()
		runtimeSeq := 0
		if e.runtimeTelemetry != nil {
			runtimeSeq = e.runtimeTelemetry.Sequence()
		}

		var dispatchedArtifacts []artifact.Record
		var dispatchErr error
		outcomes, waitErr := e.waiter.ExecuteWithConditions(ctx, func() error {
			dispatchedArtifacts, dispatchErr = e.dispatchAction(ctx, c, previousState, workflowID, actionID)
			return dispatchErr
		}, c.WaitConditions, wait.ModeAll)

		if waitErr == nil {
			for _, o := range outcomes {
				if !o.Satisfied {
					waitErr = fmt.Errorf("engine: %s", failureWaitTimeout)
					break
				}
			}
		}

		if waitErr != nil {
			failureCode := failureActionExecutionFailed
			if dispatchErr == nil {
				failureCode = failureWaitTimeout
			}
			tel.Event("attempt_error", map[string]interface{}{"attempt": attempts, "error": waitErr.Error(), "failure_code": failureCode})

			retryable := c.Retry.IsRetryable(failureCode)
			if !retryable || attempts >= c.Retry.MaxAttempts {
				escalation := c.Escalation.OnNonRetryable
				if retryable {
					failureCode = failureRetryExhausted
					escalation = c.Escalation.OnExhaustedRetries
				}
				return &contract.ActionExecutionResult{
					ActionID:           actionID,
					Success:            false,
					FailureCode:        strPtr(failureCode),
					Attempts:           attempts,
					Escalation:         escalationPtr(escalation),
					VerificationPassed: false,
					PreStateID:         strPtr(previousState.StateID),
					PostStateID:        strPtr(previousState.StateID),
					Telemetry:          tel.Snapshot(),
					Metadata:           map[string]interface{}{"exception": waitErr.Error()},
				}, nil
			}
			if err := sleepBackoff(ctx, backoffMs); err != nil {
				return nil, err
			}
			backoffMs = c.Retry.NextBackoffMs(backoffMs)
			continue
		}

		tel.Event("action_dispatched", map[string]interface{}{"attempt": attempts})
		tel.Event("wait_conditions_satisfied", map[string]interface{}{"attempt": attempts, "count": len(c.WaitConditions)})

		postState, err := e.extractor.Extract(ctx, previousState.StateID, downloadPaths(dispatchedArtifacts))
		if err != nil {
			return nil, fmt.Errorf("engine: post-state extraction: %w", err)
		}
		tel.Event("post_state_extracted", map[string]interface{}{"state_id": postState.StateID})

		combinedRules := make([]contract.VerificationRule, 0, len(c.ExpectedPostconditions)+len(c.VerificationRules))
		combinedRules = append(combinedRules, c.ExpectedPostconditions...)
		combinedRules = append(combinedRules, c.VerificationRules...)
		verification := e.verifier.Verify(ctx, combinedRules, postState)

		if verification.Passed {
			d := e.deltaTracker.Diff(previousState, postState)
			networkSummary := e.extractor.NetworkSummarySince(actionSeq)

			tel.Event("verification_passed", map[string]interface{}{"attempt": attempts})

			var runtimeEvents []map[string]interface{}
			if e.runtimeTelemetry != nil {
				runtimeEvents = runtimeEventMaps(e.runtimeTelemetry.EventsSince(runtimeSeq))
			}

			return &contract.ActionExecutionResult{
				ActionID:           actionID,
				Success:            true,
				Attempts:           attempts,
				VerificationPassed: true,
				PreStateID:         strPtr(previousState.StateID),
				PostStateID:        strPtr(postState.StateID),
				StateDelta:         d.ToDict(),
				NetworkSummary:     networkSummaryMap(networkSummary),
				Telemetry:          tel.Snapshot(),
				Artifacts:          artifactMaps(dispatchedArtifacts),
				Metadata: map[string]interface{}{
					"runtime_events": runtimeEvents,
					"guard_summary": map[string]interface{}{
						"wait_conditions":    len(c.WaitConditions),
						"verification_rules": len(combinedRules),
					},
				},
			}, nil
		}

		tel.Event("verification_failed", map[string]interface{}{"attempt": attempts})
		failureCode := failurePostconditionFailed
		retryable := c.Retry.IsRetryable(failureCode)
		if !retryable || attempts >= c.Retry.MaxAttempts {
			escalation := c.Escalation.OnNonRetryable
			if retryable {
				failureCode = failureRetryExhausted
				escalation = c.Escalation.OnExhaustedRetries
			}
			return &contract.ActionExecutionResult{
				ActionID:           actionID,
				Success:            false,
				FailureCode:        strPtr(failureCode),
				Attempts:           attempts,
				Escalation:         escalationPtr(escalation),
				VerificationPassed: false,
				PreStateID:         strPtr(previousState.StateID),
				PostStateID:        strPtr(postState.StateID),
				Telemetry:          tel.Snapshot(),
				Metadata:           map[string]interface{}{"verification_failures": failuresToMaps(verification.Failures)},
			}, nil
		}

		if err := sleepBackoff(ctx, backoffMs); err != nil {
			return nil, err
		}
		backoffMs = c.Retry.NextBackoffMs(backoffMs)
	}

	return &contract.ActionExecutionResult{
		ActionID:           actionID,
		Success:            false,
		FailureCode:        strPtr(failureRetryExhausted),
		Attempts:           attempts,
		Escalation:         escalationPtr(c.Escalation.OnExhaustedRetries),
		VerificationPassed: false,
		PreStateID:         strPtr(previousState.StateID),
		PostStateID:        strPtr(previousState.StateID),
		Telemetry:          tel.Snapshot(),
	}, nil
}

// sleepBackoff sleeps for ms milliseconds, returning ctx.Err() early if ctx
// is cancelled first.
func sleepBackoff(ctx context.Context, ms int) error {
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
