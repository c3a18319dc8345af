package contract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionContract_ActionIDDeterministic(t *testing.T) {
	c1 := New("wf-1", "run-1", 0, "click submit")
	c1.ActionSpec = ActionSpec{ActionType: ActionClick, Selector: "#submit"}

	c2 := New("wf-1", "run-1", 0, "click submit")
	c2.ActionSpec = ActionSpec{ActionType: ActionClick, Selector: "#submit"}

	id1, err := c1.ActionID()
	require.NoError(t, err)
	id2, err := c2.ActionID()
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Len(t, id1, len("act_")+24)
	assert.True(t, strings.HasPrefix(id1, "act_"))
}

func TestActionContract_ActionIDChangesWithContent(t *testing.T) {
	base := New("wf-1", "run-1", 0, "click submit")
	base.ActionSpec = ActionSpec{ActionType: ActionClick, Selector: "#submit"}

	changed := base
	changed.ActionSpec.Selector = "#cancel"

	idBase, err := base.ActionID()
	require.NoError(t, err)
	idChanged, err := changed.ActionID()
	require.NoError(t, err)

	assert.NotEqual(t, idBase, idChanged)
}

func TestActionContract_CanonicalJSONSortsKeysAndEscapesNonASCII(t *testing.T) {
	c := New("wf-1", "run-1", 0, "naviguer")
	c.Metadata = map[string]interface{}{"bravo": 1, "alpha": "cafeé"}

	canon, err := c.CanonicalJSON()
	require.NoError(t, err)

	indexAlpha := strings.Index(canon, `"alpha"`)
	indexBravo := strings.Index(canon, `"bravo"`)
	require.NotEqual(t, -1, indexAlpha)
	require.NotEqual(t, -1, indexBravo)
	assert.Less(t, indexAlpha, indexBravo)

	assert.Contains(t, canon, "u00e9")
	assert.NotContains(t, canon, " ")
}

func TestActionContract_CanonicalJSONEscapesBackspaceAndFormFeed(t *testing.T) {
	c := New("wf-1", "run-1", 0, "naviguer")
	c.Metadata = map[string]interface{}{"note": "a\bb\fc"}

	canon, err := c.CanonicalJSON()
	require.NoError(t, err)

	assert.Contains(t, canon, `a\bb\fc`)
}

func TestRetryPolicy_NextBackoffCapsAtMax(t *testing.T) {
	p := DefaultRetryPolicy()
	next := p.NextBackoffMs(p.MaxBackoffMs)
	assert.Equal(t, p.MaxBackoffMs, next)
}

func TestRetryPolicy_IsRetryable(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.True(t, p.IsRetryable("WAIT_TIMEOUT"))
	assert.False(t, p.IsRetryable("BUDGET_EXCEEDED"))
}
