package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStableHash_Deterministic(t *testing.T) {
	payload := map[string]interface{}{"b": 2, "a": 1}
	h1, err := StableHash(payload)
	require.NoError(t, err)
	h2, err := StableHash(map[string]interface{}{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 24) // 12 bytes hex-encoded
}

func TestStableHash_ChangesWithContent(t *testing.T) {
	h1, err := StableHash(map[string]interface{}{"a": 1})
	require.NoError(t, err)
	h2, err := StableHash(map[string]interface{}{"a": 2})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestEstimateTokens_FloorsAtOne(t *testing.T) {
	n, err := EstimateTokens(map[string]interface{}{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
}

func TestEstimateTokens_GrowsWithPayloadSize(t *testing.T) {
	small, err := EstimateTokens(map[string]interface{}{"a": 1})
	require.NoError(t, err)
	big, err := EstimateTokens(map[string]interface{}{"a": 1, "b": "a very long string value indeed, much longer"})
	require.NoError(t, err)
	assert.Greater(t, big, small)
}

func TestComputeStateID_PrefixedAndDeterministic(t *testing.T) {
	hashes := map[string]string{"elements": "abc", "forms": "def"}
	id1, err := computeStateID(hashes)
	require.NoError(t, err)
	id2, err := computeStateID(map[string]string{"forms": "def", "elements": "abc"})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.True(t, len(id1) > 2 && id1[:2] == "s_")
}
