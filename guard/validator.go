package guard

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/evalgo/actiondrive/contract"
)

// ContractValidationDecision is the outcome of validating a contract's
// shape before it is ever dispatched to a page. Code carries the
// INVALID_CONTRACT / INVALID_ACTION_SPEC / INVALID_WAIT_CONDITION taxonomy,
// mirroring the original's ContractValidationDecision.code.
type ContractValidationDecision struct {
	Allowed bool
	Code    string
	Reason  string
}

// ContractValidator rejects malformed or over-broad contracts before they
// reach the engine.
type ContractValidator struct {
	MaxSelectorLength     int
	MaxSelectorCandidates int
	MaxTextLength         int
	MaxJSExpressionLength int
}

// broadSelectors are selectors considered too broad to safely bind a single
// element against, matched after whitespace-collapsing and lowercasing.
var broadSelectors = map[string]bool{
	"*":        true,
	"body *":   true,
	"html *":   true,
	"body>*":   true,
	"html>*":   true,
	"body > *": true,
	"html > *": true,
}

// NewContractValidator builds a validator with the original's default
// bounds.
func NewContractValidator() *ContractValidator {
	return &ContractValidator{
		MaxSelectorLength:     256,
		MaxSelectorCandidates: 8,
		MaxTextLength:         4096,
		MaxJSExpressionLength: 512,
	}
}

// normalizeSelector collapses internal whitespace runs to single spaces and
// lowercases, matching the original's " ".join(selector.split()).lower().
func normalizeSelector(selector string) string {
	return strings.ToLower(strings.Join(strings.Fields(selector), " "))
}

func (v *ContractValidator) validateSelector(selector string) *ContractValidationDecision {
	normalized := normalizeSelector(selector)
	if normalized == "" {
		return invalidActionSpec("empty selector")
	}
	if len(selector) > v.MaxSelectorLength {
		return invalidActionSpec("selector exceeds max length")
	}
	if broadSelectors[normalized] {
		return invalidActionSpec("selector too broad")
	}
	return nil
}

func (v *ContractValidator) validateURL(rawURL string) *ContractValidationDecision {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return invalidActionSpec("url must use http/https")
	}
	if u.Host == "" {
		return invalidActionSpec("url missing host")
	}
	return nil
}

// Validate checks c's shape against the validator's bounds, returning the
// first violation found (matching the original's fail-fast validate()).
func (v *ContractValidator) Validate(c contract.ActionContract) ContractValidationDecision {
	if c.StepIndex < 0 {
		return invalidContract("step_index must be >= 0")
	}

	if approved, ok := c.Metadata["high_risk_approved"]; ok {
		if _, isBool := approved.(bool); !isBool {
			return invalidContract("high_risk_approved must be boolean")
		}
	}

	spec := c.ActionSpec
	if spec.Selector != "" {
		if d := v.validateSelector(spec.Selector); d != nil {
			return *d
		}
	}

	if len(spec.SelectorCandidates) > v.MaxSelectorCandidates {
		return invalidActionSpec("too many selector_candidates")
	}
	for _, cand := range spec.SelectorCandidates {
		if d := v.validateSelector(cand); d != nil {
			return *d
		}
	}

	if spec.Text != "" && len(spec.Text) > v.MaxTextLength {
		return invalidActionSpec("text exceeds max length")
	}

	if spec.URL != "" {
		if d := v.validateURL(spec.URL); d != nil {
			return *d
		}
	}

	if spec.ActionType == contract.ActionNavigate && spec.URL == "" {
		return invalidActionSpec("navigate action requires url")
	}

	if spec.ActionType == contract.ActionUpload && spec.UploadArtifactID == "" {
		return invalidActionSpec("upload action requires upload_artifact_id")
	}

	if spec.JSExpression != "" && len(spec.JSExpression) > v.MaxJSExpressionLength {
		return invalidActionSpec("js_expression exceeds max length")
	}

	validWaitKinds := map[string]bool{"selector": true, "response": true, "function": true, "url": true}
	for _, wc := range c.WaitConditions {
		if !validWaitKinds[wc.Kind] {
			return invalidWaitCondition(fmt.Sprintf("unsupported wait kind=%s", wc.Kind))
		}
		timeout := 0
		if wc.TimeoutMs != nil {
			timeout = *wc.TimeoutMs
		}
		if timeout < 0 {
			return invalidWaitCondition("wait timeout must be >= 0")
		}
	}

	return ContractValidationDecision{Allowed: true, Code: "OK"}
}

func invalidContract(detail string) ContractValidationDecision {
	return ContractValidationDecision{Allowed: false, Code: "INVALID_CONTRACT", Reason: detail}
}

func invalidActionSpec(detail string) *ContractValidationDecision {
	return &ContractValidationDecision{Allowed: false, Code: "INVALID_ACTION_SPEC", Reason: detail}
}

func invalidWaitCondition(detail string) ContractValidationDecision {
	return ContractValidationDecision{Allowed: false, Code: "INVALID_WAIT_CONDITION", Reason: detail}
}
