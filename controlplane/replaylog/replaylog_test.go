package replaylog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replaylog.db")
	c, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCache_PutAndGet_RoundTrips(t *testing.T) {
	c := openTestCache(t)
	e := Entry{
		TenantID:       "tenant-a",
		WorkflowID:     "wf-1",
		ActionID:       "act-1",
		IdempotencyKey: "idem-1",
		RecordID:       "ar_abc123",
		Result:         map[string]interface{}{"success": true},
		CachedAt:       time.Now(),
	}
	require.NoError(t, c.Put(e))

	got, found, err := c.Get("tenant-a", "idem-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "wf-1", got.WorkflowID)
	assert.Equal(t, "ar_abc123", got.RecordID)
}

func TestCache_Get_MissingKeyReturnsNotFound(t *testing.T) {
	c := openTestCache(t)
	_, found, err := c.Get("tenant-a", "does-not-exist")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCache_ReplayTrace_FiltersByWorkflow(t *testing.T) {
	c := openTestCache(t)
	require.NoError(t, c.Put(Entry{TenantID: "tenant-a", WorkflowID: "wf-1", IdempotencyKey: "k1", CachedAt: time.Now()}))
	require.NoError(t, c.Put(Entry{TenantID: "tenant-a", WorkflowID: "wf-2", IdempotencyKey: "k2", CachedAt: time.Now()}))
	require.NoError(t, c.Put(Entry{TenantID: "tenant-b", WorkflowID: "wf-1", IdempotencyKey: "k3", CachedAt: time.Now()}))

	trace, err := c.ReplayTrace("tenant-a", "wf-1")
	require.NoError(t, err)
	require.Len(t, trace, 1)
	assert.Equal(t, "k1", trace[0].IdempotencyKey)
}

func TestCache_PurgeWorkflow_RemovesOnlyThatWorkflow(t *testing.T) {
	c := openTestCache(t)
	require.NoError(t, c.Put(Entry{TenantID: "tenant-a", WorkflowID: "wf-1", IdempotencyKey: "k1", CachedAt: time.Now()}))
	require.NoError(t, c.Put(Entry{TenantID: "tenant-a", WorkflowID: "wf-2", IdempotencyKey: "k2", CachedAt: time.Now()}))

	require.NoError(t, c.PurgeWorkflow("tenant-a", "wf-1"))

	_, found, err := c.Get("tenant-a", "k1")
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = c.Get("tenant-a", "k2")
	require.NoError(t, err)
	assert.True(t, found)
}
