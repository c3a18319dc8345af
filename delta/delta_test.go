package delta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgo/actiondrive/state"
)

func sampleState(hash string, elements []state.InteractiveElementState) *state.StructuredState {
	return &state.StructuredState{
		StateID:             "s_" + hash,
		InteractiveElements: elements,
		Forms:               []state.FormState{},
		VisibleErrors:        []state.VisibleErrorState{},
		NetworkSummary:       state.NetworkSummaryState{},
		StateHashes: map[string]string{
			"interactive_elements": hash,
			"forms":                "f0",
			"visible_errors":       "e0",
			"network_summary":      "n0",
		},
	}
}

func TestTracker_Diff_NilPreviousReturnsFullState(t *testing.T) {
	tr := New()
	curr := sampleState("h1", []state.InteractiveElementState{{EID: "e1"}})
	d := tr.Diff(nil, curr)

	require.Equal(t, []string{"full_state"}, d.ChangedSections)
	require.Len(t, d.ElementOps, 1)
	assert.Equal(t, "replace", d.ElementOps[0]["op"])
	assert.Equal(t, 1, d.ElementOps[0]["count"])
}

func TestTracker_Diff_NoChangeYieldsNoSections(t *testing.T) {
	tr := New()
	prev := sampleState("h1", []state.InteractiveElementState{{EID: "e1"}})
	curr := sampleState("h1", []state.InteractiveElementState{{EID: "e1"}})
	d := tr.Diff(prev, curr)

	assert.Empty(t, d.ChangedSections)
	assert.Empty(t, d.ElementOps)
}

func TestTracker_Diff_AddedElementYieldsAddOp(t *testing.T) {
	tr := New()
	prev := sampleState("h1", []state.InteractiveElementState{{EID: "e1"}})
	curr := sampleState("h2", []state.InteractiveElementState{{EID: "e1"}, {EID: "e2"}})
	d := tr.Diff(prev, curr)

	require.Contains(t, d.ChangedSections, "interactive_elements")
	require.Len(t, d.ElementOps, 1)
	assert.Equal(t, "add", d.ElementOps[0]["op"])
	assert.Equal(t, "e2", d.ElementOps[0]["eid"])
}

func TestTracker_Diff_RemovedElementYieldsRemoveOp(t *testing.T) {
	tr := New()
	prev := sampleState("h1", []state.InteractiveElementState{{EID: "e1"}, {EID: "e2"}})
	curr := sampleState("h2", []state.InteractiveElementState{{EID: "e1"}})
	d := tr.Diff(prev, curr)

	require.Len(t, d.ElementOps, 1)
	assert.Equal(t, "remove", d.ElementOps[0]["op"])
	assert.Equal(t, "e2", d.ElementOps[0]["eid"])
}

func TestTracker_Diff_CapsOpsAtMaxPerSection(t *testing.T) {
	tr := NewWithCap(2)
	var elems []state.InteractiveElementState
	for i := 0; i < 5; i++ {
		elems = append(elems, state.InteractiveElementState{EID: string(rune('a' + i))})
	}
	curr := sampleState("hN", elems)
	d := tr.Diff(nil, curr)
	items, ok := d.ElementOps[0]["items"].([]interface{})
	require.True(t, ok)
	assert.LessOrEqual(t, len(items), 2)
}
