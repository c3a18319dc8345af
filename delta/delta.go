// Package delta computes bounded, section-capped differences between two
// consecutive structured states so action results can report "what changed"
// without re-shipping the whole page snapshot.
package delta

import (
	"sort"

	"github.com/evalgo/actiondrive/state"
)

// Tracker diffs structured states, capping the number of ops emitted per
// section so a single noisy page never blows the token budget on its own.
type Tracker struct {
	maxOpsPerSection int
}

// DefaultMaxOpsPerSection mirrors the original's DeltaStateTracker default.
const DefaultMaxOpsPerSection = 24

// New builds a Tracker with the default per-section op cap.
func New() *Tracker {
	return &Tracker{maxOpsPerSection: DefaultMaxOpsPerSection}
}

// networkSummaryMap projects a NetworkSummaryState into the wire shape the
// original embeds verbatim as network_delta (the full network_summary
// model dump, not a reduced projection).
func networkSummaryMap(s state.NetworkSummaryState) map[string]interface{} {
	return map[string]interface{}{
		"since_seq":       s.SinceSeq,
		"total_requests":  s.TotalRequests,
		"total_responses": s.TotalResponses,
		"total_failures":  s.TotalFailures,
		"failures":        s.Failures,
	}
}

// NewWithCap builds a Tracker with a custom per-section op cap.
func NewWithCap(maxOpsPerSection int) *Tracker {
	return &Tracker{maxOpsPerSection: maxOpsPerSection}
}

// Diff computes the delta between previous and current. When previous is
// nil, it returns a "full_state" replace delta covering every section,
// matching the original's bootstrap behavior for the first state in a run.
func (t *Tracker) Diff(previous, current *state.StructuredState) state.StateDelta {
	if previous == nil {
		return t.fullStateDelta(current)
	}

	changed := t.changedSections(previous, current)
	d := state.StateDelta{
		PrevStateID:        previous.StateID,
		NewStateID:         current.StateID,
		ChangedSections:    changed,
		SectionHashChanges: map[string][2]string{},
		ElementOps:         []map[string]interface{}{},
		FormOps:            []map[string]interface{}{},
		ErrorOps:           []map[string]interface{}{},
		NetworkDelta:       map[string]interface{}{},
	}

	for _, section := range changed {
		d.SectionHashChanges[section] = [2]string{
			previous.StateHashes[section],
			current.StateHashes[section],
		}
	}

	if contains(changed, "interactive_elements") {
		d.ElementOps = t.diffElements(previous.InteractiveElements, current.InteractiveElements)
	}
	if contains(changed, "forms") {
		d.FormOps = t.diffForms(previous.Forms, current.Forms)
	}
	if contains(changed, "visible_errors") {
		d.ErrorOps = t.diffErrors(previous.VisibleErrors, current.VisibleErrors)
	}
	if contains(changed, "network_summary") {
		d.NetworkDelta = networkSummaryMap(current.NetworkSummary)
	}

	tokens, _ := state.EstimateTokens(d.ToDict())
	d.TokenEstimate = tokens
	return d
}

func (t *Tracker) fullStateDelta(current *state.StructuredState) state.StateDelta {
	elementItems := capItems(toGenericSlice(current.InteractiveElements), t.maxOpsPerSection)
	formItems := capItems(toGenericSlice(current.Forms), t.maxOpsPerSection)
	errorItems := capItems(toGenericSlice(current.VisibleErrors), t.maxOpsPerSection)

	d := state.StateDelta{
		NewStateID:      current.StateID,
		ChangedSections: []string{"full_state"},
		ElementOps: []map[string]interface{}{
			{"op": "replace", "count": len(current.InteractiveElements), "items": elementItems},
		},
		FormOps: []map[string]interface{}{
			{"op": "replace", "count": len(current.Forms), "items": formItems},
		},
		ErrorOps: []map[string]interface{}{
			{"op": "replace", "count": len(current.VisibleErrors), "items": errorItems},
		},
		NetworkDelta: networkSummaryMap(current.NetworkSummary),
	}
	tokens, _ := state.EstimateTokens(d.ToDict())
	d.TokenEstimate = tokens
	return d
}

func (t *Tracker) changedSections(previous, current *state.StructuredState) []string {
	keys := make(map[string]struct{})
	for k := range previous.StateHashes {
		keys[k] = struct{}{}
	}
	for k := range current.StateHashes {
		keys[k] = struct{}{}
	}
	var changed []string
	for k := range keys {
		if previous.StateHashes[k] != current.StateHashes[k] {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// diffElements computes sorted add/remove/update ops between two element
// sets keyed by EID, capped at maxOpsPerSection.
func (t *Tracker) diffElements(prev, curr []state.InteractiveElementState) []map[string]interface{} {
	prevByID := make(map[string]state.InteractiveElementState, len(prev))
	for _, e := range prev {
		prevByID[e.EID] = e
	}
	currByID := make(map[string]state.InteractiveElementState, len(curr))
	for _, e := range curr {
		currByID[e.EID] = e
	}

	var ops []map[string]interface{}
	for id, c := range currByID {
		if p, ok := prevByID[id]; !ok {
			ops = append(ops, map[string]interface{}{"op": "add", "eid": id, "item": c.ToModelDict()})
		} else if !elementsEqual(p, c) {
			ops = append(ops, map[string]interface{}{"op": "update", "eid": id, "item": c.ToModelDict()})
		}
	}
	for id := range prevByID {
		if _, ok := currByID[id]; !ok {
			ops = append(ops, map[string]interface{}{"op": "remove", "eid": id})
		}
	}
	sort.Slice(ops, func(i, j int) bool { return opKey(ops[i]) < opKey(ops[j]) })
	return capOps(ops, t.maxOpsPerSection)
}

func (t *Tracker) diffForms(prev, curr []state.FormState) []map[string]interface{} {
	prevByID := make(map[string]state.FormState, len(prev))
	for _, f := range prev {
		prevByID[f.FormID] = f
	}
	currByID := make(map[string]state.FormState, len(curr))
	for _, f := range curr {
		currByID[f.FormID] = f
	}

	var ops []map[string]interface{}
	for id, c := range currByID {
		if p, ok := prevByID[id]; !ok {
			ops = append(ops, map[string]interface{}{"op": "add", "form_id": id, "item": c})
		} else if p.ValidationState != c.ValidationState || len(p.RequiredMissing) != len(c.RequiredMissing) {
			ops = append(ops, map[string]interface{}{"op": "update", "form_id": id, "item": c})
		}
	}
	for id := range prevByID {
		if _, ok := currByID[id]; !ok {
			ops = append(ops, map[string]interface{}{"op": "remove", "form_id": id})
		}
	}
	sort.Slice(ops, func(i, j int) bool { return opKey(ops[i]) < opKey(ops[j]) })
	return capOps(ops, t.maxOpsPerSection)
}

func (t *Tracker) diffErrors(prev, curr []state.VisibleErrorState) []map[string]interface{} {
	prevByID := make(map[string]state.VisibleErrorState, len(prev))
	for _, e := range prev {
		prevByID[e.EID] = e
	}
	currByID := make(map[string]state.VisibleErrorState, len(curr))
	for _, e := range curr {
		currByID[e.EID] = e
	}

	var ops []map[string]interface{}
	for id, c := range currByID {
		if _, ok := prevByID[id]; !ok {
			ops = append(ops, map[string]interface{}{"op": "add", "eid": id, "item": c})
		}
	}
	for id := range prevByID {
		if _, ok := currByID[id]; !ok {
			ops = append(ops, map[string]interface{}{"op": "remove", "eid": id})
		}
	}
	sort.Slice(ops, func(i, j int) bool { return opKey(ops[i]) < opKey(ops[j]) })
	return capOps(ops, t.maxOpsPerSection)
}

func elementsEqual(a, b state.InteractiveElementState) bool {
	return a.Enabled == b.Enabled &&
		a.Visible == b.Visible &&
		a.ValueHint == b.ValueHint &&
		a.NameShort == b.NameShort
}

func opKey(op map[string]interface{}) string {
	for _, k := range []string{"eid", "form_id"} {
		if v, ok := op[k].(string); ok {
			return v
		}
	}
	return ""
}

func capOps(ops []map[string]interface{}, max int) []map[string]interface{} {
	if len(ops) > max {
		return ops[:max]
	}
	if ops == nil {
		return []map[string]interface{}{}
	}
	return ops
}

func capItems(items []interface{}, max int) []interface{} {
	if len(items) > max {
		return items[:max]
	}
	return items
}

func toGenericSlice[T any](items []T) []interface{} {
	out := make([]interface{}, len(items))
	for i, v := range items {
		out[i] = v
	}
	return out
}

func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}
