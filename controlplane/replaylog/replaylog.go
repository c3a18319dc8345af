// Package replaylog caches the outcome of executed actions, keyed by their
// idempotency key, in a local bbolt database so a repeated request for the
// same action (a client retry after a dropped response, or an explicit
// replay-trace lookup) can be answered without re-scanning a tenant's audit
// trail.
package replaylog

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Entry is one cached action outcome.
type Entry struct {
	TenantID     string                 `json:"tenant_id"`
	WorkflowID   string                 `json:"workflow_id"`
	ActionID     string                 `json:"action_id"`
	IdempotencyKey string               `json:"idempotency_key"`
	RecordID     string                 `json:"record_id"`
	Result       map[string]interface{} `json:"result"`
	CachedAt     time.Time              `json:"cached_at"`
}

var bucketName = []byte("replay_entries")

// Cache is a bbolt-backed store of replay entries, one bucket shared across
// all tenants and workflows with keys namespaced by idempotency key.
type Cache struct {
	db *bolt.DB
}

// Open opens or creates the bbolt database at path.
func Open(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("replaylog: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("replaylog: create bucket: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

func entryKey(tenantID, idempotencyKey string) []byte {
	return []byte(tenantID + "::" + idempotencyKey)
}

// Put records an entry under its idempotency key, overwriting any prior
// entry for the same tenant and key.
func (c *Cache) Put(e Entry) error {
	if e.CachedAt.IsZero() {
		return fmt.Errorf("replaylog: entry missing CachedAt")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("replaylog: marshal entry: %w", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.Put(entryKey(e.TenantID, e.IdempotencyKey), data)
	})
}

// Get looks up the cached entry for a tenant's idempotency key.
func (c *Cache) Get(tenantID, idempotencyKey string) (Entry, bool, error) {
	var e Entry
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		data := b.Get(entryKey(tenantID, idempotencyKey))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &e)
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("replaylog: get: %w", err)
	}
	return e, found, nil
}

// ReplayTrace returns every cached entry for a given workflow, in no
// particular order, for use by an operator-facing replay-trace lookup.
func (c *Cache) ReplayTrace(tenantID, workflowID string) ([]Entry, error) {
	var entries []Entry
	prefix := []byte(tenantID + "::")
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		cur := b.Cursor()
		for k, v := cur.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cur.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.WorkflowID == workflowID {
				entries = append(entries, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replaylog: replay trace: %w", err)
	}
	return entries, nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// PurgeWorkflow deletes every cached entry belonging to a workflow.
func (c *Cache) PurgeWorkflow(tenantID, workflowID string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		cur := b.Cursor()
		prefix := []byte(tenantID + "::")
		var toDelete [][]byte
		for k, v := cur.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cur.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.WorkflowID == workflowID {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
		}
		for _, key := range toDelete {
			if err := b.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}
