// Package state defines the structured-state model produced by the state
// extractor: a bounded, content-addressed snapshot of a page's interactive
// surface, forms, visible errors and network health.
package state

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// FrameState describes one frame within a page.
type FrameState struct {
	FID    string `json:"fid"`
	URL    string `json:"url"`
	Origin string `json:"origin"`
	Depth  int    `json:"depth"`
}

// InteractiveElementState is one bounded, content-addressed interactive
// element (button, link, input, ...) found within a frame.
type InteractiveElementState struct {
	EID              string    `json:"eid"`
	FID              string    `json:"fid"`
	Role             string    `json:"role"`
	NameShort        string    `json:"name_short"`
	ElementType      string    `json:"element_type"`
	Enabled          bool      `json:"enabled"`
	Visible          bool      `json:"visible"`
	Required         bool      `json:"required"`
	Checked          *bool     `json:"checked,omitempty"`
	ValueHint        string    `json:"value_hint,omitempty"`
	BBoxNorm         [4]float64 `json:"bbox_norm"`
	SelectorHintID   string    `json:"selector_hint_id"`
	StabilityScore   float64   `json:"stability_score"`
	SelectorHints    []string  `json:"selector_hints,omitempty"`
}

// ToModelDict projects the element into the wire shape consumed by clients,
// remapping ElementType to "type" as the original's to_model_dict does.
func (e InteractiveElementState) ToModelDict() map[string]interface{} {
	return map[string]interface{}{
		"eid":              e.EID,
		"fid":              e.FID,
		"role":             e.Role,
		"name_short":       e.NameShort,
		"type":             e.ElementType,
		"enabled":          e.Enabled,
		"visible":          e.Visible,
		"required":         e.Required,
		"checked":          e.Checked,
		"value_hint":       e.ValueHint,
		"bbox_norm":        e.BBoxNorm,
		"selector_hint_id": e.SelectorHintID,
		"stability_score":  e.StabilityScore,
	}
}

// FormState describes one form and the fields it contains.
type FormState struct {
	FormID          string   `json:"form_id"`
	FID             string   `json:"fid"`
	FieldEIDs       []string `json:"field_eids"`
	RequiredMissing []string `json:"required_missing"`
	SubmitEID       string   `json:"submit_eid,omitempty"`
	ValidationState string   `json:"validation_state"`
}

// VisibleErrorState describes a visible error/alert element on the page.
type VisibleErrorState struct {
	EID     string `json:"eid"`
	FID     string `json:"fid"`
	Text    string `json:"text"`
	Source  string `json:"source"`
}

// NetworkFailureState describes one failed or silently-failed network
// request captured since a given sequence number.
type NetworkFailureState struct {
	Seq            int    `json:"seq"`
	RouteKey       string `json:"route_key"`
	Status         *int   `json:"status,omitempty"`
	StatusClass    string `json:"status_class,omitempty"`
	SilentFailure  bool   `json:"silent_failure"`
	ErrorSignature string `json:"error_signature,omitempty"`
}

// NetworkSummaryState is a bounded summary of network activity since a
// given sequence number.
type NetworkSummaryState struct {
	SinceSeq       int                   `json:"since_seq"`
	TotalRequests  int                   `json:"total_requests"`
	TotalResponses int                   `json:"total_responses"`
	TotalFailures  int                   `json:"total_failures"`
	Failures       []NetworkFailureState `json:"failures"`
}

// StructuredState is a full, bounded, content-addressed snapshot of a page.
type StructuredState struct {
	StateID           string                     `json:"state_id"`
	PrevStateID       string                     `json:"prev_state_id,omitempty"`
	URL               string                     `json:"url"`
	PagePhase         string                     `json:"page_phase"`
	FrameSummary      []FrameState               `json:"frame_summary"`
	InteractiveElements []InteractiveElementState `json:"interactive_elements"`
	Forms             []FormState                `json:"forms"`
	VisibleErrors     []VisibleErrorState        `json:"visible_errors"`
	NetworkSummary    NetworkSummaryState        `json:"network_summary"`
	Downloads         []string                   `json:"downloads"`
	StateHashes       map[string]string          `json:"state_hashes"`
	BudgetStats       map[string]interface{}     `json:"budget_stats"`
}

// ToModelDict projects the state into the wire shape consumed by clients.
func (s StructuredState) ToModelDict() map[string]interface{} {
	elements := make([]map[string]interface{}, 0, len(s.InteractiveElements))
	for _, e := range s.InteractiveElements {
		elements = append(elements, e.ToModelDict())
	}
	return map[string]interface{}{
		"state_id":             s.StateID,
		"prev_state_id":        s.PrevStateID,
		"url":                  s.URL,
		"page_phase":           s.PagePhase,
		"frame_summary":        s.FrameSummary,
		"interactive_elements": elements,
		"forms":                s.Forms,
		"visible_errors":       s.VisibleErrors,
		"network_summary":      s.NetworkSummary,
		"downloads":            s.Downloads,
		"state_hashes":         s.StateHashes,
		"budget_stats":         s.BudgetStats,
	}
}

// StateDelta describes the bounded, section-capped difference between two
// consecutive structured states.
type StateDelta struct {
	PrevStateID       string                   `json:"prev_state_id,omitempty"`
	NewStateID        string                   `json:"new_state_id"`
	ChangedSections   []string                 `json:"changed_sections"`
	SectionHashChanges map[string][2]string    `json:"section_hash_changes"`
	ElementOps        []map[string]interface{} `json:"element_ops"`
	FormOps           []map[string]interface{} `json:"form_ops"`
	ErrorOps          []map[string]interface{} `json:"error_ops"`
	NetworkDelta      map[string]interface{}   `json:"network_delta"`
	TokenEstimate     int                      `json:"token_estimate"`
}

// ToDict returns the delta's plain-map projection, mirroring the original's
// StateDelta.to_dict().
func (d StateDelta) ToDict() map[string]interface{} {
	return map[string]interface{}{
		"prev_state_id":        d.PrevStateID,
		"new_state_id":         d.NewStateID,
		"changed_sections":     d.ChangedSections,
		"section_hash_changes": d.SectionHashChanges,
		"element_ops":          d.ElementOps,
		"form_ops":             d.FormOps,
		"error_ops":            d.ErrorOps,
		"network_delta":        d.NetworkDelta,
		"token_estimate":       d.TokenEstimate,
	}
}

// StableHash computes a deterministic, content-addressed hash of payload:
// blake2b-96 (12-byte digest) of its canonical JSON, hex-encoded. Using
// blake2b over sha256 matches the original's choice of a short, fast,
// keyless digest for non-security-critical content addressing.
func StableHash(payload interface{}) (string, error) {
	canon, err := canonicalJSON(payload)
	if err != nil {
		return "", err
	}
	h, err := blake2b.New(12, nil)
	if err != nil {
		return "", fmt.Errorf("state: blake2b: %w", err)
	}
	h.Write([]byte(canon))
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// EstimateTokens estimates a token count for payload as
// max(1, len(canonical_json)/4), matching the original's crude estimator.
func EstimateTokens(payload interface{}) (int, error) {
	canon, err := canonicalJSON(payload)
	if err != nil {
		return 0, err
	}
	n := len(canon) / 4
	if n < 1 {
		n = 1
	}
	return n, nil
}

// canonicalJSON renders payload as compact, sorted-key JSON. It is kept
// separate from contract.ActionContract.CanonicalJSON so the state package
// has no dependency on the contract package, and the two differ in string
// escaping: here strings and keys are encoded by encoding/json, so non-ASCII
// characters are written as raw UTF-8 (not \u-escaped) while <, >, & are
// \u-escaped.
func canonicalJSON(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", err
	}
	var buf []byte
	buf, err = appendCanonical(generic, buf)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func appendCanonical(v interface{}, buf []byte) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return append(buf, "null"...), nil
	case bool:
		if val {
			return append(buf, "true"...), nil
		}
		return append(buf, "false"...), nil
	case string:
		enc, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return append(buf, enc...), nil
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
			kenc, _ := json.Marshal(k)
			buf = append(buf, kenc...)
			buf = append(buf, ':')
			var err error
			buf, err = appendCanonical(val[k], buf)
			if err != nil {
				return nil, err
			}
		}
		return append(buf, '}'), nil
	case []interface{}:
		buf = append(buf, '[')
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			buf, err = appendCanonical(item, buf)
			if err != nil {
				return nil, err
			}
		}
		return append(buf, ']'), nil
	default:
		return nil, fmt.Errorf("state: unsupported canonical value type %T", v)
	}
}

// computeStateID derives a state_id from a set of section hashes, matching
// the original's `"s_" + stable_hash(section_hashes)`.
func computeStateID(sectionHashes map[string]string) (string, error) {
	h, err := StableHash(sectionHashes)
	if err != nil {
		return "", err
	}
	return "s_" + h, nil
}

// ComputeStateID is computeStateID exported for extractor packages outside
// this one that need to derive a state_id from their own section hashes.
func ComputeStateID(sectionHashes map[string]string) (string, error) {
	return computeStateID(sectionHashes)
}

// sha256Hex is kept for callers that want a stronger (non-content-address)
// fingerprint, e.g. artifact files; not used for state_id derivation.
func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum)
}
