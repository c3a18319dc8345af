// Package orchestrator wires every core component into the single-node
// execution pipeline a Temporal-style Activity calls once per action: an
// in-memory idempotency ledger guarded by a lock, an audit-backed fallback
// for cross-process idempotency, contract validation, quota/session/circuit
// admission, the action engine itself, and token-budget enforcement on the
// way back out.
package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/evalgo/actiondrive/artifact"
	"github.com/evalgo/actiondrive/audit"
	"github.com/evalgo/actiondrive/budget"
	"github.com/evalgo/actiondrive/circuit"
	"github.com/evalgo/actiondrive/contract"
	"github.com/evalgo/actiondrive/controlplane/replaylog"
	"github.com/evalgo/actiondrive/delta"
	"github.com/evalgo/actiondrive/engine"
	"github.com/evalgo/actiondrive/extractor"
	"github.com/evalgo/actiondrive/guard"
	"github.com/evalgo/actiondrive/navigator"
	"github.com/evalgo/actiondrive/quota"
	"github.com/evalgo/actiondrive/session"
	"github.com/evalgo/actiondrive/verify"
	"github.com/evalgo/actiondrive/wait"
)

// Config bounds the orchestrator's own behavior: where artifacts and audit
// records land, and the chaos policy (if any) handed to every wait manager
// it builds.
type Config struct {
	ArtifactRootDir string
	AuditRootDir    string
	AuditSigningKey string
	DefaultQuota    quota.TenantQuota
	WaitChaosPolicy *wait.ChaosPolicy
}

// DefaultConfig mirrors the original predator_v2 module's default directory
// layout.
func DefaultConfig() Config {
	return Config{
		ArtifactRootDir: "/tmp/actiondrive-artifacts",
		AuditRootDir:    "/tmp/actiondrive-audit",
		DefaultQuota:    quota.DefaultTenantQuota(),
	}
}

// Orchestrator is one node's single-process executor: it owns a session
// manager, an artifact manager, an audit trail, a quota manager, a circuit
// breaker, and a token budget manager, and drives one ActionContract at a
// time through validation, admission, the action engine, and budget
// enforcement. Named orchestrator (not "predator", the original's internal
// nickname) since it names what the type does.
type Orchestrator struct {
	sessions  *session.Manager
	artifacts *artifact.Manager
	auditLog  *audit.Trail
	quotaMgr  *quota.Manager
	breaker   *circuit.Breaker
	budgetMgr *budget.Manager
	validator *guard.ContractValidator
	replay    *replaylog.Cache

	chaosPolicy *wait.ChaosPolicy

	log *logrus.Entry

	mu     sync.Mutex
	ledger map[string]*contract.ActionExecutionResult
}

// New builds an Orchestrator. replay may be nil. When it is set, every
// audited result is also written to it; ExecuteContract does not read it
// back, so idempotency rests on the in-memory ledger and the audit trail.
func New(
	sessions *session.Manager,
	artifacts *artifact.Manager,
	auditLog *audit.Trail,
	quotaMgr *quota.Manager,
	breaker *circuit.Breaker,
	replay *replaylog.Cache,
	cfg Config,
) *Orchestrator {
	return &Orchestrator{
		sessions:    sessions,
		artifacts:   artifacts,
		auditLog:    auditLog,
		quotaMgr:    quotaMgr,
		breaker:     breaker,
		budgetMgr:   budget.NewManager(budget.DefaultHardLimitTokens),
		validator:   guard.NewContractValidator(),
		replay:      replay,
		chaosPolicy: cfg.WaitChaosPolicy,
		log:         logrus.WithField("component", "orchestrator"),
		ledger:      make(map[string]*contract.ActionExecutionResult),
	}
}

func domainFromURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func strPtr(s string) *string { return &s }

func failureResult(actionID, code, detail string) *contract.ActionExecutionResult {
	r := contract.NewResult(actionID)
	r.Success = false
	r.FailureCode = strPtr(code)
	r.Metadata = map[string]interface{}{"detail": detail}
	return r
}

// auditAndCache appends result to the audit trail, caches it in the
// in-memory ledger, and persists it to the replay cache if one is
// configured, then returns result unchanged.
func (o *Orchestrator) auditAndCache(tenantID, workflowID, actionID, canonicalContractJSON string, result *contract.ActionExecutionResult) *contract.ActionExecutionResult {
	o.mu.Lock()
	o.ledger[actionID] = result
	o.mu.Unlock()

	failureCode := ""
	if result.FailureCode != nil {
		failureCode = *result.FailureCode
	}
	preStateID, postStateID := "", ""
	if result.PreStateID != nil {
		preStateID = *result.PreStateID
	}
	if result.PostStateID != nil {
		postStateID = *result.PostStateID
	}

	record, err := o.auditLog.Append(tenantID, workflowID, actionID, canonicalContractJSON, audit.Result{
		Success:        result.Success,
		FailureCode:    failureCode,
		PreStateID:     preStateID,
		PostStateID:    postStateID,
		StateDelta:     result.StateDelta,
		NetworkSummary: result.NetworkSummary,
		Artifacts:      result.Artifacts,
		Telemetry:      result.Telemetry,
		Metadata:       result.Metadata,
	})
	if err != nil {
		o.log.WithError(err).WithFields(logrus.Fields{"tenant_id": tenantID, "workflow_id": workflowID, "action_id": actionID}).Error("audit append failed")
	} else if o.replay != nil {
		_ = o.replay.Put(replaylog.Entry{
			TenantID:       tenantID,
			WorkflowID:     workflowID,
			ActionID:       actionID,
			IdempotencyKey: actionID,
			RecordID:       record.RecordID,
			Result:         resultToPayload(result),
			CachedAt:       time.Now(),
		})
	}

	o.log.WithFields(logrus.Fields{
		"tenant_id":    tenantID,
		"workflow_id":  workflowID,
		"action_id":    actionID,
		"success":      result.Success,
		"failure_code": failureCode,
	}).Info("action_result")

	return result
}

// RegisterUploadArtifact registers sourcePath as an upload artifact for
// workflowID, checking and committing tenantID's artifact-bytes quota.
func (o *Orchestrator) RegisterUploadArtifact(ctx context.Context, tenantID, workflowID, actionID, sourcePath string) (artifact.Record, error) {
	record, err := o.artifacts.RegisterExistingUpload(ctx, workflowID, actionID, sourcePath)
	if err != nil {
		return artifact.Record{}, err
	}
	decision := o.quotaMgr.CheckArtifactQuota(tenantID, record.Size)
	if !decision.Allowed {
		return artifact.Record{}, fmt.Errorf("%s: %s", decision.Code, decision.Detail)
	}
	if err := o.quotaMgr.RegisterArtifactBytes(tenantID, record.Size); err != nil {
		return artifact.Record{}, err
	}
	return record, nil
}

// ExecuteContract is the thirteen-step admission-and-execution pipeline: it
// validates and dedupes the contract, checks quotas, acquires a session,
// evaluates security and circuit-breaker policy, hands off to the action
// engine, then enforces the tenant's token budget on the way out. The
// returned result and any internal error are never both nil; an error here
// means the pipeline itself broke (e.g. audit I/O), not that the action
// failed — action failure is reported through the result's FailureCode.
func (o *Orchestrator) ExecuteContract(ctx context.Context, tenantID, workflowID string, policy guard.SecurityPolicy, c contract.ActionContract) (*contract.ActionExecutionResult, error) {
	actionID, err := c.ActionID()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: action id: %w", err)
	}
	canonicalJSON, err := c.CanonicalJSON()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: canonical json: %w", err)
	}
	tenantQuota := o.quotaMgr.QuotaFor(tenantID)

	o.mu.Lock()
	if cached, ok := o.ledger[actionID]; ok {
		o.mu.Unlock()
		return cached, nil
	}
	o.mu.Unlock()

	// Cross-process idempotency fallback: a prior process may already have
	// executed and audited this exact action.
	if existing, ok, err := o.auditLog.GetRecordByAction(tenantID, workflowID, actionID); err == nil && ok {
		restored := &contract.ActionExecutionResult{
			ActionID:           existing.ActionID,
			Success:            existing.Success,
			Attempts:           1,
			VerificationPassed: existing.Success,
			PreStateID:         nilOnEmptyPtr(existing.PreStateID),
			PostStateID:        nilOnEmptyPtr(existing.PostStateID),
			StateDelta:         existing.StateDelta,
			NetworkSummary:     existing.NetworkSummary,
			Telemetry:          existing.Telemetry,
			Artifacts:          existing.Artifacts,
			Metadata:           existing.Metadata,
		}
		if existing.FailureCode != "" {
			restored.FailureCode = strPtr(existing.FailureCode)
		}
		o.mu.Lock()
		o.ledger[actionID] = restored
		o.mu.Unlock()
		return restored, nil
	}

	validation := o.validator.Validate(c)
	if !validation.Allowed {
		return o.auditAndCache(tenantID, workflowID, actionID, canonicalJSON, failureResult(actionID, validation.Code, validation.Reason)), nil
	}

	if !o.sessions.HasSession(workflowID) {
		activeSessions := o.sessions.ActiveSessionCountForTenant(tenantID)
		decision := o.quotaMgr.CheckSessionQuota(tenantID, activeSessions)
		if !decision.Allowed {
			return o.auditAndCache(tenantID, workflowID, actionID, canonicalJSON, failureResult(actionID, decision.Code, decision.Detail)), nil
		}
	}

	rateDecision := o.quotaMgr.CheckActionRate(tenantID, time.Now())
	if !rateDecision.Allowed {
		return o.auditAndCache(tenantID, workflowID, actionID, canonicalJSON, failureResult(actionID, rateDecision.Code, rateDecision.Detail)), nil
	}
	if err := o.quotaMgr.RegisterAction(tenantID, time.Now()); err != nil {
		return nil, fmt.Errorf("orchestrator: register action: %w", err)
	}

	sess, err := o.sessions.GetOrCreateSession(ctx, tenantID, workflowID, policy)
	if err != nil {
		code := "GLOBAL_SESSION_LIMIT"
		if err == session.ErrLeaseNotAcquired {
			code = "SESSION_LEASE_NOT_ACQUIRED"
		}
		return o.auditAndCache(tenantID, workflowID, actionID, canonicalJSON, failureResult(actionID, code, "session allocation failed")), nil
	}

	currentURL := "about:blank"
	if u := sess.Page.URL(); u != "" {
		currentURL = u
	}
	navigationTarget := c.ActionSpec.URL

	if navigationTarget != "" {
		navDecision := sess.SecurityLayer.EvaluateNavigation(navigationTarget)
		if !navDecision.Allowed {
			return o.auditAndCache(tenantID, workflowID, actionID, canonicalJSON, failureResult(actionID, "SECURITY_DOMAIN_BLOCK", navDecision.Reason)), nil
		}
	}

	actionDomain := domainFromURL(navigationTarget)
	if actionDomain == "" {
		actionDomain = domainFromURL(currentURL)
	}
	if actionDomain != "" {
		circuitDecision := o.breaker.Allow(actionDomain, tenantID, time.Now())
		if !circuitDecision.Allowed {
			return o.auditAndCache(tenantID, workflowID, actionID, canonicalJSON, failureResult(actionID, circuitDecision.Code, circuitDecision.Detail)), nil
		}
	}

	actionDecision := sess.SecurityLayer.EvaluateAction(c.ActionSpec, currentURL, c.Metadata)
	if !actionDecision.Allowed {
		code := "SECURITY_APPROVAL_REQUIRED"
		if c.ActionSpec.ActionType == contract.ActionCustomJSRestricted {
			code = "SECURITY_JS_BLOCKED"
		}
		return o.auditAndCache(tenantID, workflowID, actionID, canonicalJSON, failureResult(actionID, code, actionDecision.Reason)), nil
	}

	var waiter *wait.Manager
	if o.chaosPolicy != nil {
		waiter = wait.NewWithChaos(sess.Page, *o.chaosPolicy)
	} else {
		waiter = wait.New(sess.Page)
	}
	nav := navigator.New(sess.Page)
	ext := extractor.New(sess.Page, sess.NetworkObserver, nil)
	verifier := verify.New(sess.Page, sess.NetworkObserver)
	deltaTracker := delta.New()

	eng := engine.New(sess.Page, nav, waiter, verifier, ext, deltaTracker, o.artifacts, sess.RuntimeTelemetry)

	result, err := eng.Execute(ctx, c, workflowID)
	if err != nil {
		return o.auditAndCache(tenantID, workflowID, actionID, canonicalJSON, failureResult(actionID, "ACTION_EXECUTION_FAILED", err.Error())), nil
	}

	if actionDomain != "" {
		if result.Success {
			o.breaker.RecordSuccess(actionDomain, tenantID)
		} else {
			o.breaker.RecordFailure(actionDomain, tenantID, time.Now())
		}
	}

	result = o.applyBudget(result, tenantQuota)

	if len(result.Artifacts) > 0 {
		var bytesAdded int64
		for _, a := range result.Artifacts {
			if sz, ok := a["size"].(int64); ok {
				bytesAdded += sz
			} else if sz, ok := a["size"].(float64); ok {
				bytesAdded += int64(sz)
			}
		}
		artifactDecision := o.quotaMgr.CheckArtifactQuota(tenantID, bytesAdded)
		if artifactDecision.Allowed {
			_ = o.quotaMgr.RegisterArtifactBytes(tenantID, bytesAdded)
		} else {
			result = &contract.ActionExecutionResult{
				ActionID:           result.ActionID,
				Success:            false,
				FailureCode:        strPtr(artifactDecision.Code),
				Attempts:           result.Attempts,
				Escalation:         result.Escalation,
				VerificationPassed: false,
				PreStateID:         result.PreStateID,
				PostStateID:        result.PostStateID,
				StateDelta:         result.StateDelta,
				NetworkSummary:     result.NetworkSummary,
				Telemetry:          result.Telemetry,
				Artifacts:          result.Artifacts,
				Metadata:           map[string]interface{}{"detail": artifactDecision.Detail},
			}
		}
	}

	return o.auditAndCache(tenantID, workflowID, actionID, canonicalJSON, result), nil
}

// applyBudget trims result's payload to tenantQuota's per-step token
// ceilings, collapsing it to a minimal BUDGET_EXCEEDED envelope if it still
// doesn't fit after every trim step.
func (o *Orchestrator) applyBudget(result *contract.ActionExecutionResult, tenantQuota quota.TenantQuota) *contract.ActionExecutionResult {
	payload := resultToPayload(result)
	componentBudgets := budget.ComponentBudgets{
		MaxStateDeltaTokens:     tenantQuota.MaxStateDeltaTokens,
		MaxNetworkSummaryTokens: tenantQuota.MaxNetworkSummaryTokens,
		MaxMetadataTokens:       tenantQuota.MaxMetadataTokens,
	}
	budgeted, outcome, err := o.budgetMgr.Enforce(payload, tenantQuota.MaxStepTokens, &componentBudgets)
	if err != nil {
		o.log.WithError(err).Warn("budget enforcement failed, returning unbudgeted result")
		return result
	}

	if !outcome.Allowed {
		escalation := interface{}(nil)
		if result.Escalation != nil {
			escalation = string(*result.Escalation)
		}
		budgeted = map[string]interface{}{
			"action_id":           result.ActionID,
			"success":             false,
			"failure_code":        "BUDGET_EXCEEDED",
			"attempts":            result.Attempts,
			"escalation":          escalation,
			"verification_passed": false,
			"pre_state_id":        ptrOrNil(result.PreStateID),
			"post_state_id":       ptrOrNil(result.PostStateID),
			"state_delta":         map[string]interface{}{},
			"network_summary":     map[string]interface{}{},
			"telemetry":           map[string]interface{}{"budget_tokens": outcome.TotalTokens},
			"artifacts":           result.Artifacts,
			"metadata":            map[string]interface{}{"budget_notes": outcome.Notes},
		}
	}

	if md, ok := budgeted["metadata"].(map[string]interface{}); ok {
		md["budget"] = map[string]interface{}{
			"tokens":  outcome.TotalTokens,
			"trimmed": outcome.Trimmed,
			"notes":   outcome.Notes,
			"limit":   tenantQuota.MaxStepTokens,
		}
	}

	return payloadToResult(budgeted)
}

// SetTenantQuota overrides tenantID's quota for every subsequent
// ExecuteContract call.
func (o *Orchestrator) SetTenantQuota(tenantID string, q quota.TenantQuota) error {
	return o.quotaMgr.SetQuota(tenantID, q)
}

// VerifyAuditChain replays tenantID/workflowID's audit log and confirms its
// hash chain and signatures are intact.
func (o *Orchestrator) VerifyAuditChain(tenantID, workflowID string) (bool, string, error) {
	return o.auditLog.VerifyChain(tenantID, workflowID)
}

// GetReplayTrace returns every audit record for tenantID/workflowID in
// append order.
func (o *Orchestrator) GetReplayTrace(tenantID, workflowID string) ([]audit.Record, error) {
	return o.auditLog.ListRecords(tenantID, workflowID)
}

// OpenTab opens a new tab at url for workflowID's session and makes it the
// active page.
func (o *Orchestrator) OpenTab(ctx context.Context, tenantID, workflowID string, policy guard.SecurityPolicy, rawURL string) (string, error) {
	sess, err := o.sessions.GetOrCreateSession(ctx, tenantID, workflowID, policy)
	if err != nil {
		return "", err
	}
	decision := sess.SecurityLayer.EvaluateNavigation(rawURL)
	if !decision.Allowed {
		return "", fmt.Errorf("%s", decision.Reason)
	}

	sess.NetworkObserver.Detach()
	sess.RuntimeTelemetry.Detach()
	tabID, err := sess.Tabs.OpenTab(ctx, rawURL)
	if err != nil {
		return "", err
	}
	page, err := sess.Tabs.GetPage(tabID)
	if err != nil {
		return "", err
	}
	sess.Page = page
	sess.NetworkObserver.Attach(page)
	sess.RuntimeTelemetry.Attach(page)
	return tabID, nil
}

// SwitchTab makes tabID the active page of workflowID's session.
func (o *Orchestrator) SwitchTab(ctx context.Context, workflowID, tabID string) error {
	sess, err := o.sessions.GetSession(workflowID)
	if err != nil {
		return err
	}
	sess.NetworkObserver.Detach()
	sess.RuntimeTelemetry.Detach()
	if err := sess.Tabs.SetActiveTab(tabID); err != nil {
		return err
	}
	page, err := sess.Tabs.GetPage(tabID)
	if err != nil {
		return err
	}
	sess.Page = page
	sess.NetworkObserver.Attach(page)
	sess.RuntimeTelemetry.Attach(page)
	return nil
}

// ListTabs returns workflowID's session's open tabs, or an empty slice if
// it has no session.
func (o *Orchestrator) ListTabs(ctx context.Context, workflowID string) []interface{} {
	sess, err := o.sessions.GetSession(workflowID)
	if err != nil {
		return nil
	}
	infos := sess.Tabs.ListTabs(ctx)
	out := make([]interface{}, 0, len(infos))
	for _, info := range infos {
		out = append(out, map[string]interface{}{
			"tab_id": info.TabID,
			"url":    info.URL,
			"active": info.IsActive,
		})
	}
	return out
}

// CloseWorkflowSession tears down workflowID's active session, if any.
func (o *Orchestrator) CloseWorkflowSession(ctx context.Context, workflowID string) {
	o.sessions.CloseSession(ctx, workflowID)
}

// GetHealth reports this node's active-session count and aggregate
// circuit-breaker health; the idle pooled-context count is not included.
func (o *Orchestrator) GetHealth() circuit.EngineHealth {
	snapshot := o.breaker.Snapshot(time.Now())
	return circuit.HealthMonitor{}.Evaluate(o.sessions.TotalActiveSessions(), snapshot)
}

func nilOnEmptyPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func ptrOrNil(p *string) interface{} {
	if p == nil {
		return nil
	}
	return *p
}
