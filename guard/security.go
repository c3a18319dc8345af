// Package guard holds the action-level safety net: domain allow/deny
// policy, contract shape validation, and prompt-injection redaction of
// extracted page text. Named guard (not security) to avoid colliding with
// this repository's existing JWT/OIDC security package, which governs API
// auth rather than in-workflow action safety.
package guard

import (
	"net/url"
	"strings"

	"github.com/evalgo/actiondrive/contract"
)

// SecurityPolicy bounds what domains and action kinds a workflow run may
// touch.
type SecurityPolicy struct {
	AllowDomains        []string
	DenyDomains         []string
	AllowCustomJS       bool
	HighRiskActions     []contract.ActionType
	RateLimitPerMinute  int
}

// DefaultSecurityPolicy mirrors the original's dataclass defaults.
func DefaultSecurityPolicy(allowDomains []string) SecurityPolicy {
	return SecurityPolicy{
		AllowDomains: allowDomains,
		HighRiskActions: []contract.ActionType{
			contract.ActionCustomJSRestricted,
			contract.ActionUpload,
			contract.ActionDownloadTrigger,
		},
		RateLimitPerMinute: 120,
	}
}

// SecurityDecision is the outcome of a SecurityLayer evaluation.
type SecurityDecision struct {
	Allowed bool
	Reason  string
}

// SecurityLayer enforces a SecurityPolicy against navigation targets and
// action specs.
type SecurityLayer struct {
	policy SecurityPolicy
}

// NewSecurityLayer builds a SecurityLayer bound to policy.
func NewSecurityLayer(policy SecurityPolicy) *SecurityLayer {
	return &SecurityLayer{policy: policy}
}

func domainAllowed(policy SecurityPolicy, host string) bool {
	for _, deny := range policy.DenyDomains {
		if host == deny || strings.HasSuffix(host, "."+deny) {
			return false
		}
	}
	if len(policy.AllowDomains) == 0 {
		return false
	}
	for _, allow := range policy.AllowDomains {
		if host == allow || strings.HasSuffix(host, "."+allow) {
			return true
		}
	}
	return false
}

// EvaluateNavigation checks whether targetURL's host is allowed to be
// navigated to.
func (s *SecurityLayer) EvaluateNavigation(targetURL string) SecurityDecision {
	u, err := url.Parse(targetURL)
	if err != nil || u.Host == "" {
		return SecurityDecision{Allowed: false, Reason: "invalid navigation url"}
	}
	if !domainAllowed(s.policy, u.Hostname()) {
		return SecurityDecision{Allowed: false, Reason: "domain not allowed: " + u.Hostname()}
	}
	return SecurityDecision{Allowed: true}
}

// EvaluateAction checks whether spec is permitted under the current page
// URL and metadata, including the high-risk-action approval flag.
func (s *SecurityLayer) EvaluateAction(spec contract.ActionSpec, currentURL string, metadata map[string]interface{}) SecurityDecision {
	// NAVIGATE's target domain is checked by EvaluateNavigation separately;
	// checking the current page's domain here would incorrectly block the
	// very navigation meant to reach a newly-allowed domain.
	if spec.ActionType != contract.ActionNavigate {
		if u, err := url.Parse(currentURL); err == nil && u.Host != "" {
			if !domainAllowed(s.policy, u.Hostname()) {
				return SecurityDecision{Allowed: false, Reason: "current page domain not allowed: " + u.Hostname()}
			}
		}
	}

	if isHighRisk(s.policy, spec.ActionType) {
		approved, _ := metadata["high_risk_approved"].(bool)
		if !approved {
			return SecurityDecision{Allowed: false, Reason: "high risk action requires high_risk_approved metadata"}
		}
	}

	if spec.ActionType == contract.ActionCustomJSRestricted && !s.policy.AllowCustomJS {
		return SecurityDecision{Allowed: false, Reason: "custom js execution disabled by policy"}
	}

	return SecurityDecision{Allowed: true}
}

func isHighRisk(policy SecurityPolicy, t contract.ActionType) bool {
	for _, h := range policy.HighRiskActions {
		if h == t {
			return true
		}
	}
	return false
}
