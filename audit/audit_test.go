package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrail_Append_ChainsRecordsByHash(t *testing.T) {
	trail, err := NewTrail(t.TempDir(), "")
	require.NoError(t, err)

	first, err := trail.Append("tenant-a", "wf-1", "act-1", `{"intent":"click"}`, Result{Success: true})
	require.NoError(t, err)
	assert.Equal(t, "", first.PreviousRecordHash)
	assert.NotEmpty(t, first.RecordHash)

	second, err := trail.Append("tenant-a", "wf-1", "act-2", `{"intent":"fill"}`, Result{Success: true})
	require.NoError(t, err)
	assert.Equal(t, first.RecordHash, second.PreviousRecordHash)
}

func TestTrail_ListRecords_ReturnsInAppendOrder(t *testing.T) {
	trail, err := NewTrail(t.TempDir(), "")
	require.NoError(t, err)

	_, err = trail.Append("tenant-a", "wf-1", "act-1", `{}`, Result{Success: true})
	require.NoError(t, err)
	_, err = trail.Append("tenant-a", "wf-1", "act-2", `{}`, Result{Success: false, FailureCode: "timeout"})
	require.NoError(t, err)

	records, err := trail.ListRecords("tenant-a", "wf-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "act-1", records[0].ActionID)
	assert.Equal(t, "act-2", records[1].ActionID)
	assert.Equal(t, "timeout", records[1].FailureCode)
}

func TestTrail_GetRecordByAction_FindsMatch(t *testing.T) {
	trail, err := NewTrail(t.TempDir(), "")
	require.NoError(t, err)

	_, err = trail.Append("tenant-a", "wf-1", "act-1", `{}`, Result{Success: true})
	require.NoError(t, err)

	record, found, err := trail.GetRecordByAction("tenant-a", "wf-1", "act-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "act-1", record.ActionID)

	_, found, err = trail.GetRecordByAction("tenant-a", "wf-1", "act-missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTrail_VerifyChain_DetectsIntactChain(t *testing.T) {
	trail, err := NewTrail(t.TempDir(), "signing-secret")
	require.NoError(t, err)

	_, err = trail.Append("tenant-a", "wf-1", "act-1", `{}`, Result{Success: true})
	require.NoError(t, err)
	_, err = trail.Append("tenant-a", "wf-1", "act-2", `{}`, Result{Success: true})
	require.NoError(t, err)

	ok, reason, err := trail.VerifyChain("tenant-a", "wf-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ok", reason)
}

func TestTrail_VerifyChain_RejectsWrongSigningKey(t *testing.T) {
	dir := t.TempDir()
	trail, err := NewTrail(dir, "signing-secret")
	require.NoError(t, err)

	_, err = trail.Append("tenant-a", "wf-1", "act-1", `{}`, Result{Success: true})
	require.NoError(t, err)

	records, err := trail.ListRecords("tenant-a", "wf-1")
	require.NoError(t, err)
	require.Len(t, records, 1)

	tampered, err := NewTrail(dir, "wrong-secret")
	require.NoError(t, err)
	ok, reason, err := tampered.VerifyChain("tenant-a", "wf-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "signature_mismatch")
}
