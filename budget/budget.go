// Package budget enforces a hard token ceiling on the result payload an
// action reports back to a caller, trimming the heaviest optional fields in
// a fixed, deterministic order until the payload fits — or, failing that,
// compresses the payload's telemetry/metadata down to their bare essentials
// as a last resort rather than ever dropping the pass/fail signal itself.
package budget

import (
	"strconv"

	"github.com/evalgo/actiondrive/state"
)

// ComponentBudgets caps three payload sections independently, checked
// before the overall hard limit.
type ComponentBudgets struct {
	MaxStateDeltaTokens     int
	MaxNetworkSummaryTokens int
	MaxMetadataTokens       int
}

// DefaultComponentBudgets mirrors the original dataclass's field defaults.
func DefaultComponentBudgets() ComponentBudgets {
	return ComponentBudgets{
		MaxStateDeltaTokens:     500,
		MaxNetworkSummaryTokens: 250,
		MaxMetadataTokens:       250,
	}
}

// DefaultHardLimitTokens is the overall payload ceiling applied when no
// override is given to Enforce.
const DefaultHardLimitTokens = 1_200

// Outcome reports what Enforce did to a payload.
type Outcome struct {
	Allowed     bool
	TotalTokens int
	Trimmed     bool
	Notes       []string
}

// Manager enforces a hard token limit on result payloads.
type Manager struct {
	hardLimitTokens int
}

// NewManager returns a Manager enforcing hardLimitTokens by default.
func NewManager(hardLimitTokens int) *Manager {
	return &Manager{hardLimitTokens: hardLimitTokens}
}

// HardLimitTokens returns the manager's configured default limit.
func (m *Manager) HardLimitTokens() int { return m.hardLimitTokens }

func asMap(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

func asSlice(v interface{}) ([]interface{}, bool) {
	s, ok := v.([]interface{})
	return s, ok
}

func componentTokens(payload map[string]interface{}, key string) int {
	v, ok := payload[key]
	if !ok {
		return 0
	}
	n, err := state.EstimateTokens(map[string]interface{}{key: v})
	if err != nil {
		return 0
	}
	return n
}

func trimRuntimeEventsTo(payload map[string]interface{}, cap int, notes *[]string) {
	metadata, ok := asMap(payload["metadata"])
	if !ok {
		return
	}
	events, ok := asSlice(metadata["runtime_events"])
	if !ok || len(events) <= cap {
		return
	}
	metadata["runtime_events"] = events[:cap]
	*notes = append(*notes, noteTrimmed("runtime_events", cap))
}

func trimMetadataToMinimal(payload map[string]interface{}, notes *[]string) {
	metadata, ok := asMap(payload["metadata"])
	if !ok {
		return
	}
	minimal := map[string]interface{}{}
	if guardSummary, ok := asMap(metadata["guard_summary"]); ok {
		minimal["guard_summary"] = guardSummary
	}
	payload["metadata"] = minimal
	*notes = append(*notes, "compressed_metadata_minimal")
}

func trimNetworkFailuresTo(payload map[string]interface{}, cap int, notes *[]string) {
	summary, ok := asMap(payload["network_summary"])
	if !ok {
		return
	}
	failures, ok := asSlice(summary["failures"])
	if !ok || len(failures) <= cap {
		return
	}
	summary["failures"] = failures[:cap]
	*notes = append(*notes, noteTrimmed("network_failures", cap))
}

func trimNetworkToMinimal(payload map[string]interface{}, notes *[]string) {
	summary, ok := asMap(payload["network_summary"])
	if !ok {
		return
	}
	payload["network_summary"] = map[string]interface{}{
		"total_requests":  orZero(summary["total_requests"]),
		"total_responses": orZero(summary["total_responses"]),
		"total_failures":  orZero(summary["total_failures"]),
		"failures":        []interface{}{},
	}
	*notes = append(*notes, "compressed_network_summary_minimal")
}

func orZero(v interface{}) interface{} {
	if v == nil {
		return 0
	}
	return v
}

var stateDeltaOpsKeys = []string{"element_ops", "form_ops", "error_ops"}

func trimStateDeltaOpsTo(payload map[string]interface{}, cap int, notes *[]string) {
	delta, ok := asMap(payload["state_delta"])
	if !ok {
		return
	}
	for _, key := range stateDeltaOpsKeys {
		ops, ok := asSlice(delta[key])
		if !ok || len(ops) <= cap {
			continue
		}
		delta[key] = ops[:cap]
		*notes = append(*notes, noteTrimmed(key, cap))
	}
}

func trimStateDeltaToMinimal(payload map[string]interface{}, notes *[]string) {
	delta, ok := asMap(payload["state_delta"])
	if !ok {
		return
	}
	payload["state_delta"] = map[string]interface{}{
		"from_state_id":    delta["from_state_id"],
		"to_state_id":      delta["to_state_id"],
		"changed_sections": orEmptySlice(delta["changed_sections"]),
		"section_hashes":   orEmptyMap(delta["section_hashes"]),
		"element_ops":      []interface{}{},
		"form_ops":         []interface{}{},
		"error_ops":        []interface{}{},
		"network_delta":    map[string]interface{}{},
	}
	*notes = append(*notes, "compressed_state_delta_minimal")
}

func orEmptySlice(v interface{}) interface{} {
	if v == nil {
		return []interface{}{}
	}
	return v
}

func orEmptyMap(v interface{}) interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	return v
}

func noteTrimmed(what string, cap int) string {
	return "trimmed_" + what + "_to_" + strconv.Itoa(cap)
}

func enforceComponentBudgets(payload map[string]interface{}, budgets ComponentBudgets, notes *[]string) {
	if componentTokens(payload, "metadata") > budgets.MaxMetadataTokens {
		trimRuntimeEventsTo(payload, 10, notes)
	}
	if componentTokens(payload, "metadata") > budgets.MaxMetadataTokens {
		trimRuntimeEventsTo(payload, 5, notes)
	}
	if componentTokens(payload, "metadata") > budgets.MaxMetadataTokens {
		trimMetadataToMinimal(payload, notes)
	}

	if componentTokens(payload, "network_summary") > budgets.MaxNetworkSummaryTokens {
		trimNetworkFailuresTo(payload, 8, notes)
	}
	if componentTokens(payload, "network_summary") > budgets.MaxNetworkSummaryTokens {
		trimNetworkFailuresTo(payload, 4, notes)
	}
	if componentTokens(payload, "network_summary") > budgets.MaxNetworkSummaryTokens {
		trimNetworkToMinimal(payload, notes)
	}

	if componentTokens(payload, "state_delta") > budgets.MaxStateDeltaTokens {
		trimStateDeltaOpsTo(payload, 12, notes)
	}
	if componentTokens(payload, "state_delta") > budgets.MaxStateDeltaTokens {
		trimStateDeltaOpsTo(payload, 6, notes)
	}
	if componentTokens(payload, "state_delta") > budgets.MaxStateDeltaTokens {
		trimStateDeltaToMinimal(payload, notes)
	}
}

// Enforce trims payload in place — component budgets first, then the
// overall hard limit via a fixed cascade (runtime events, then network
// failures, then state-delta ops) — and, if it still doesn't fit,
// compresses metadata/telemetry to their bare essentials as a final,
// signal-preserving step. hardLimitTokens/componentBudgets of zero/nil use
// the manager's configured defaults.
func (m *Manager) Enforce(payload map[string]interface{}, hardLimitTokens int, componentBudgets *ComponentBudgets) (map[string]interface{}, Outcome, error) {
	limit := m.hardLimitTokens
	if hardLimitTokens > 0 {
		limit = hardLimitTokens
	}
	budgets := DefaultComponentBudgets()
	if componentBudgets != nil {
		budgets = *componentBudgets
	}

	var notes []string
	enforceComponentBudgets(payload, budgets, &notes)

	total, err := state.EstimateTokens(payload)
	if err != nil {
		return payload, Outcome{}, err
	}
	if total <= limit {
		return payload, Outcome{Allowed: true, TotalTokens: total, Trimmed: len(notes) > 0, Notes: notes}, nil
	}

	trimRuntimeEventsTo(payload, 10, &notes)
	if total, err = state.EstimateTokens(payload); err != nil {
		return payload, Outcome{}, err
	}
	if total <= limit {
		return payload, Outcome{Allowed: true, TotalTokens: total, Trimmed: true, Notes: notes}, nil
	}

	trimNetworkFailuresTo(payload, 8, &notes)
	if total, err = state.EstimateTokens(payload); err != nil {
		return payload, Outcome{}, err
	}
	if total <= limit {
		return payload, Outcome{Allowed: true, TotalTokens: total, Trimmed: true, Notes: notes}, nil
	}

	trimStateDeltaOpsTo(payload, 12, &notes)
	if total, err = state.EstimateTokens(payload); err != nil {
		return payload, Outcome{}, err
	}
	if total <= limit {
		return payload, Outcome{Allowed: true, TotalTokens: total, Trimmed: true, Notes: notes}, nil
	}

	if _, ok := asMap(payload["metadata"]); ok {
		payload["metadata"] = map[string]interface{}{
			"budget_truncated": true,
			"notes":            append([]string{}, notes...),
		}
		notes = append(notes, "dropped_metadata_payload")
	}
	if telemetry, ok := asMap(payload["telemetry"]); ok {
		payload["telemetry"] = map[string]interface{}{
			"elapsed_ms": telemetry["elapsed_ms"],
			"counters":   orEmptyMap(telemetry["counters"]),
		}
		notes = append(notes, "compressed_telemetry")
	}

	if total, err = state.EstimateTokens(payload); err != nil {
		return payload, Outcome{}, err
	}
	return payload, Outcome{Allowed: total <= limit, TotalTokens: total, Trimmed: true, Notes: notes}, nil
}
