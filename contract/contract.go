// Package contract defines the action contract model: the content-addressed,
// canonically-serializable description of a single browser action and the
// policies that govern how it is attempted, waited on, verified and retried.
package contract

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf16"
)

// ActionType enumerates the kinds of browser actions a contract can describe.
type ActionType string

const (
	ActionNavigate            ActionType = "navigate"
	ActionClick               ActionType = "click"
	ActionTypeText             ActionType = "type"
	ActionSelect              ActionType = "select"
	ActionUpload              ActionType = "upload"
	ActionDownloadTrigger     ActionType = "download_trigger"
	ActionWaitOnly            ActionType = "wait_only"
	ActionCustomJSRestricted  ActionType = "custom_js_restricted"
)

// VerificationRuleType enumerates the kinds of postcondition/invariant checks
// the verification engine understands.
type VerificationRuleType string

const (
	RuleElementPresent   VerificationRuleType = "element_present"
	RuleTextState        VerificationRuleType = "text_state"
	RuleAttributeState   VerificationRuleType = "attribute_state"
	RuleNetworkStatus    VerificationRuleType = "network_status"
	RuleJSONField        VerificationRuleType = "json_field"
	RuleFileExists       VerificationRuleType = "file_exists"
	RuleURLPattern       VerificationRuleType = "url_pattern"
	RuleInvariant        VerificationRuleType = "invariant"
)

// EscalationMode enumerates what happens when an action cannot be made to succeed.
type EscalationMode string

const (
	EscalationRetryRebind    EscalationMode = "retry_rebind"
	EscalationVisionFallback EscalationMode = "vision_fallback"
	EscalationHumanReview    EscalationMode = "human_review"
	EscalationFailWorkflow   EscalationMode = "fail_workflow"
)

// RetryPolicy controls the attempt loop's exponential backoff.
type RetryPolicy struct {
	MaxAttempts            int      `json:"max_attempts"`
	InitialBackoffMs       int      `json:"initial_backoff_ms"`
	MaxBackoffMs           int      `json:"max_backoff_ms"`
	Multiplier             float64  `json:"multiplier"`
	RetryableFailureCodes  []string `json:"retryable_failure_codes"`
}

// DefaultRetryPolicy mirrors the original's dataclass defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:      2,
		InitialBackoffMs: 250,
		MaxBackoffMs:     2000,
		Multiplier:       2.0,
		RetryableFailureCodes: []string{
			"ACTION_EXECUTION_FAILED",
			"WAIT_TIMEOUT",
			"TARGET_BIND_FAILED",
		},
	}
}

// NextBackoffMs computes the next backoff, capped at MaxBackoffMs.
func (p RetryPolicy) NextBackoffMs(current int) int {
	next := int(float64(current) * p.Multiplier)
	if next > p.MaxBackoffMs {
		return p.MaxBackoffMs
	}
	if next < p.InitialBackoffMs {
		return p.InitialBackoffMs
	}
	return next
}

// IsRetryable reports whether failureCode is in the policy's retryable set.
func (p RetryPolicy) IsRetryable(failureCode string) bool {
	for _, c := range p.RetryableFailureCodes {
		if c == failureCode {
			return true
		}
	}
	return false
}

// TimeoutPolicy bounds each phase of a single attempt.
type TimeoutPolicy struct {
	TotalTimeoutMs   int `json:"total_timeout_ms"`
	BindTimeoutMs    int `json:"bind_timeout_ms"`
	ExecuteTimeoutMs int `json:"execute_timeout_ms"`
	WaitTimeoutMs    int `json:"wait_timeout_ms"`
	VerifyTimeoutMs  int `json:"verify_timeout_ms"`
}

// DefaultTimeoutPolicy mirrors the original's dataclass defaults.
func DefaultTimeoutPolicy() TimeoutPolicy {
	return TimeoutPolicy{
		TotalTimeoutMs:   30000,
		BindTimeoutMs:    5000,
		ExecuteTimeoutMs: 10000,
		WaitTimeoutMs:    10000,
		VerifyTimeoutMs:  5000,
	}
}

// EscalationPolicy decides what to do when retries are exhausted or a
// failure is flagged non-retryable.
type EscalationPolicy struct {
	OnExhaustedRetries EscalationMode `json:"on_exhausted_retries"`
	OnNonRetryable      EscalationMode `json:"on_non_retryable"`
}

// DefaultEscalationPolicy mirrors the original's dataclass defaults.
func DefaultEscalationPolicy() EscalationPolicy {
	return EscalationPolicy{
		OnExhaustedRetries: EscalationFailWorkflow,
		OnNonRetryable:      EscalationHumanReview,
	}
}

// ActionSpec is the concrete instruction for a single action: what to click,
// type, navigate to, or evaluate.
type ActionSpec struct {
	ActionType          ActionType  `json:"action_type"`
	TargetEID           string      `json:"target_eid,omitempty"`
	TargetFID           string      `json:"target_fid,omitempty"`
	Selector            string      `json:"selector,omitempty"`
	SelectorCandidates  []string    `json:"selector_candidates,omitempty"`
	Text                string      `json:"text,omitempty"`
	URL                 string      `json:"url,omitempty"`
	SelectValue         string      `json:"select_value,omitempty"`
	UploadArtifactID    string      `json:"upload_artifact_id,omitempty"`
	JSExpression        string      `json:"js_expression,omitempty"`
	JSArgument          interface{} `json:"js_argument,omitempty"`
}

// DefaultActionSpec is a WAIT_ONLY action, matching the field default on
// ActionContract.action_spec in the original.
func DefaultActionSpec() ActionSpec {
	return ActionSpec{ActionType: ActionWaitOnly}
}

// VerificationRule is a single precondition, postcondition, or invariant
// check attached to a contract.
type VerificationRule struct {
	RuleType VerificationRuleType   `json:"rule_type"`
	Severity string                 `json:"severity"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
}

// NewVerificationRule builds a rule with the "hard" severity default.
func NewVerificationRule(ruleType VerificationRuleType, payload map[string]interface{}) VerificationRule {
	return VerificationRule{RuleType: ruleType, Severity: "hard", Payload: payload}
}

// WaitCondition describes one condition the wait manager can pre-arm before
// an action is dispatched.
type WaitCondition struct {
	Kind      string                 `json:"kind"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	TimeoutMs *int                   `json:"timeout_ms,omitempty"`
}

// ActionContract is the canonical, content-addressable description of one
// step within a workflow run.
type ActionContract struct {
	WorkflowID              string             `json:"workflow_id"`
	RunID                   string             `json:"run_id"`
	StepIndex               int                `json:"step_index"`
	Intent                  string             `json:"intent"`
	Preconditions           []VerificationRule `json:"preconditions,omitempty"`
	ActionSpec              ActionSpec         `json:"action_spec"`
	ExpectedPostconditions  []VerificationRule `json:"expected_postconditions,omitempty"`
	VerificationRules       []VerificationRule `json:"verification_rules,omitempty"`
	WaitConditions          []WaitCondition    `json:"wait_conditions,omitempty"`
	Timeout                 TimeoutPolicy      `json:"timeout"`
	Retry                   RetryPolicy        `json:"retry"`
	Escalation              EscalationPolicy   `json:"escalation"`
	Metadata                map[string]interface{} `json:"metadata,omitempty"`
}

// New builds an ActionContract with the same defaults the original dataclass
// applies to optional fields.
func New(workflowID, runID string, stepIndex int, intent string) ActionContract {
	return ActionContract{
		WorkflowID: workflowID,
		RunID:      runID,
		StepIndex:  stepIndex,
		Intent:     intent,
		ActionSpec: DefaultActionSpec(),
		Timeout:    DefaultTimeoutPolicy(),
		Retry:      DefaultRetryPolicy(),
		Escalation: DefaultEscalationPolicy(),
	}
}

// CanonicalJSON renders the contract as canonical JSON: sorted keys, no
// insignificant whitespace, ASCII-only (matching Python's
// json.dumps(..., sort_keys=True, separators=(",", ":"), ensure_ascii=True)).
func (c ActionContract) CanonicalJSON() (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("contract: marshal: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("contract: normalize: %w", err)
	}
	var buf []byte
	buf, err = canonicalize(generic, buf)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// canonicalize writes value in deterministic, compact, ASCII-escaped JSON.
// encoding/json.Marshal on map[string]interface{} already sorts object keys,
// but we walk explicitly so nested maps produced by interface{} decoding are
// guaranteed sorted too, and so we can apply ensure_ascii-style \uXXXX
// escaping (Marshal's SetEscapeHTML only covers HTML metacharacters).
func canonicalize(v interface{}, buf []byte) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return append(buf, "null"...), nil
	case bool:
		if val {
			return append(buf, "true"...), nil
		}
		return append(buf, "false"...), nil
	case string:
		return appendASCIIString(buf, val), nil
	case float64:
		enc, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return append(buf, enc...), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendASCIIString(buf, k)
			buf = append(buf, ':')
			var err error
			buf, err = canonicalize(val[k], buf)
			if err != nil {
				return nil, err
			}
		}
		buf = append(buf, '}')
		return buf, nil
	case []interface{}:
		buf = append(buf, '[')
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			buf, err = canonicalize(item, buf)
			if err != nil {
				return nil, err
			}
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return nil, fmt.Errorf("contract: unsupported canonical value type %T", v)
	}
}

// appendASCIIString writes s as a JSON string literal, escaping every
// non-ASCII rune as \uXXXX (surrogate pairs for runes above the BMP) to
// match Python's json.dumps(ensure_ascii=True) byte-for-byte, including its
// short escapes for backspace (\b) and form feed (\f).
func appendASCIIString(buf []byte, s string) []byte {
	buf = append(buf, '"')
	for _, r := range s {
		switch r {
		case '"':
			buf = append(buf, '\\', '"')
		case '\\':
			buf = append(buf, '\\', '\\')
		case '\n':
			buf = append(buf, '\\', 'n')
		case '\r':
			buf = append(buf, '\\', 'r')
		case '\t':
			buf = append(buf, '\\', 't')
		case '\b':
			buf = append(buf, '\\', 'b')
		case '\f':
			buf = append(buf, '\\', 'f')
		default:
			if r < 0x20 {
				buf = append(buf, []byte(fmt.Sprintf(`\u%04x`, r))...)
			} else if r < 0x80 {
				buf = append(buf, byte(r))
			} else if r <= 0xFFFF {
				buf = append(buf, []byte(fmt.Sprintf(`\u%04x`, r))...)
			} else {
				r1, r2 := utf16.EncodeRune(r)
				buf = append(buf, []byte(fmt.Sprintf(`\u%04x\u%04x`, r1, r2))...)
			}
		}
	}
	return append(buf, '"')
}

// ActionID computes the content address of the contract: "act_" followed by
// the first 24 hex characters of the sha256 of its canonical JSON.
func (c ActionContract) ActionID() (string, error) {
	canon, err := c.CanonicalJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canon))
	return "act_" + fmt.Sprintf("%x", sum)[:24], nil
}

// ActionExecutionResult is the terminal outcome of attempting an action:
// success/failure, the failure taxonomy code if any, how many attempts it
// took, and the state/network/telemetry evidence gathered along the way.
type ActionExecutionResult struct {
	ActionID            string                 `json:"action_id"`
	Success              bool                   `json:"success"`
	FailureCode          *string                `json:"failure_code,omitempty"`
	Attempts             int                    `json:"attempts"`
	Escalation           *EscalationMode        `json:"escalation,omitempty"`
	VerificationPassed   bool                   `json:"verification_passed"`
	PreStateID           *string                `json:"pre_state_id,omitempty"`
	PostStateID          *string                `json:"post_state_id,omitempty"`
	StateDelta           map[string]interface{} `json:"state_delta,omitempty"`
	NetworkSummary       map[string]interface{} `json:"network_summary,omitempty"`
	Telemetry            map[string]interface{} `json:"telemetry,omitempty"`
	Artifacts            []map[string]interface{} `json:"artifacts,omitempty"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`
}

// NewResult builds a result defaulting Attempts to 1, matching the original
// dataclass default.
func NewResult(actionID string) *ActionExecutionResult {
	return &ActionExecutionResult{ActionID: actionID, Attempts: 1}
}

