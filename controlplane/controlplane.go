// Package controlplane is the shared, SQLite-backed state store that lets
// several engine nodes coordinate tenant quotas, session leases, and circuit
// breaker state as one cluster instead of each node tracking its own. It
// implements session.LeaseStore, quota.Store, and circuit.Store so any of
// those packages can be handed a *Store in place of their local in-memory
// bookkeeping.
package controlplane

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/evalgo/actiondrive/circuit"
	"github.com/evalgo/actiondrive/quota"
)

// Store is a SQLite-backed control-plane store shared across engine nodes.
type Store struct {
	db      *sql.DB
	mu      sync.RWMutex
	ownerID string
}

// Open opens (creating if needed) the SQLite database at path in WAL mode
// and migrates its schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=FULL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("controlplane: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, ownerID: ownerID()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func ownerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tenant_quota (
			tenant_id TEXT PRIMARY KEY,
			quota_json TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS action_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id TEXT NOT NULL,
			ts INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_action_events_tenant_ts ON action_events (tenant_id, ts)`,
		`CREATE TABLE IF NOT EXISTS artifact_usage (
			tenant_id TEXT PRIMARY KEY,
			bytes_used INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS session_lease (
			workflow_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_lease_tenant ON session_lease (tenant_id)`,
		`CREATE TABLE IF NOT EXISTS circuit_state (
			circuit_key TEXT PRIMARY KEY,
			domain TEXT NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			opened_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS circuit_failures (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			circuit_key TEXT NOT NULL,
			ts INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_circuit_failures_key_ts ON circuit_failures (circuit_key, ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("controlplane: migrate: %w", err)
		}
	}
	return nil
}

// ---- quota.Store ----

func (s *Store) SetQuota(tenantID string, q quota.TenantQuota) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(q)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO tenant_quota (tenant_id, quota_json) VALUES (?, ?)
		 ON CONFLICT(tenant_id) DO UPDATE SET quota_json = excluded.quota_json`,
		tenantID, string(data),
	)
	return err
}

func (s *Store) GetQuota(tenantID string) (quota.TenantQuota, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var raw string
	err := s.db.QueryRow(`SELECT quota_json FROM tenant_quota WHERE tenant_id = ?`, tenantID).Scan(&raw)
	if err == sql.ErrNoRows {
		return quota.TenantQuota{}, false, nil
	}
	if err != nil {
		return quota.TenantQuota{}, false, err
	}
	var q quota.TenantQuota
	if err := json.Unmarshal([]byte(raw), &q); err != nil {
		return quota.TenantQuota{}, false, err
	}
	return q, true, nil
}

func (s *Store) CountRecentActions(tenantID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM action_events WHERE tenant_id = ? AND ts > ?`,
		tenantID, since.UnixNano(),
	).Scan(&n)
	return n, err
}

func (s *Store) RegisterAction(tenantID string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO action_events (tenant_id, ts) VALUES (?, ?)`, tenantID, ts.UnixNano())
	return err
}

func (s *Store) PruneActionEvents(before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM action_events WHERE ts < ?`, before.UnixNano())
	return err
}

func (s *Store) GetArtifactBytes(tenantID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	err := s.db.QueryRow(`SELECT bytes_used FROM artifact_usage WHERE tenant_id = ?`, tenantID).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

func (s *Store) AddArtifactBytes(tenantID string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO artifact_usage (tenant_id, bytes_used) VALUES (?, ?)
		 ON CONFLICT(tenant_id) DO UPDATE SET bytes_used = bytes_used + excluded.bytes_used`,
		tenantID, delta,
	)
	return err
}

// ---- session.LeaseStore ----

// OwnerID identifies this process as a lease owner.
func (s *Store) OwnerID() string { return s.ownerID }

func (s *Store) AcquireSessionLease(tenantID, workflowID, ownerID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if _, err := s.db.Exec(`DELETE FROM session_lease WHERE workflow_id = ? AND expires_at < ?`, workflowID, now.UnixNano()); err != nil {
		return false, err
	}

	res, err := s.db.Exec(
		`INSERT INTO session_lease (workflow_id, tenant_id, owner_id, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(workflow_id) DO UPDATE SET owner_id = excluded.owner_id, expires_at = excluded.expires_at
		 WHERE session_lease.owner_id = excluded.owner_id`,
		workflowID, tenantID, ownerID, now.Add(ttl).UnixNano(),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}

	var existingOwner string
	err = s.db.QueryRow(`SELECT owner_id FROM session_lease WHERE workflow_id = ?`, workflowID).Scan(&existingOwner)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return existingOwner == ownerID, nil
}

func (s *Store) HeartbeatSessionLease(workflowID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		`UPDATE session_lease SET expires_at = ? WHERE workflow_id = ? AND owner_id = ?`,
		time.Now().Add(30*time.Second).UnixNano(), workflowID, ownerID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("controlplane: no lease held by %s for workflow %s", ownerID, workflowID)
	}
	return nil
}

func (s *Store) ReleaseSessionLease(workflowID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM session_lease WHERE workflow_id = ? AND owner_id = ?`, workflowID, ownerID)
	return err
}

func (s *Store) CountActiveSessions(tenantID string, ttl time.Duration) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM session_lease WHERE tenant_id = ? AND expires_at >= ?`,
		tenantID, time.Now().UnixNano(),
	).Scan(&n)
	return n, err
}

func (s *Store) CountAllActiveSessions(ttl time.Duration) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM session_lease WHERE expires_at >= ?`,
		time.Now().UnixNano(),
	).Scan(&n)
	return n, err
}

// ---- circuit.Store ----

func circuitKey(domain, tenantID string) string {
	if tenantID != "" {
		return tenantID + "::" + domain
	}
	return domain
}

func (s *Store) GetCircuit(domain, tenantID string) (circuit.State, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var state string
	var openedAtNano sql.NullInt64
	err := s.db.QueryRow(
		`SELECT state, opened_at FROM circuit_state WHERE circuit_key = ?`,
		circuitKey(domain, tenantID),
	).Scan(&state, &openedAtNano)
	if err == sql.ErrNoRows {
		return circuit.StateClosed, time.Time{}, nil
	}
	if err != nil {
		return circuit.StateClosed, time.Time{}, err
	}
	var openedAt time.Time
	if openedAtNano.Valid {
		openedAt = time.Unix(0, openedAtNano.Int64)
	}
	return circuit.State(state), openedAt, nil
}

func (s *Store) SetCircuit(domain, tenantID string, state circuit.State, openedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var openedAtNano interface{}
	if !openedAt.IsZero() {
		openedAtNano = openedAt.UnixNano()
	}
	_, err := s.db.Exec(
		`INSERT INTO circuit_state (circuit_key, domain, tenant_id, state, opened_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(circuit_key) DO UPDATE SET state = excluded.state, opened_at = excluded.opened_at`,
		circuitKey(domain, tenantID), domain, tenantID, string(state), openedAtNano,
	)
	return err
}

func (s *Store) AddCircuitFailure(domain, tenantID string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO circuit_failures (circuit_key, ts) VALUES (?, ?)`,
		circuitKey(domain, tenantID), ts.UnixNano(),
	)
	return err
}

func (s *Store) PruneCircuitFailures(domain, tenantID string, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`DELETE FROM circuit_failures WHERE circuit_key = ? AND ts < ?`,
		circuitKey(domain, tenantID), before.UnixNano(),
	)
	return err
}

func (s *Store) CountCircuitFailures(domain, tenantID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM circuit_failures WHERE circuit_key = ? AND ts > ?`,
		circuitKey(domain, tenantID), since.UnixNano(),
	).Scan(&n)
	return n, err
}

func (s *Store) ClearCircuitFailures(domain, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM circuit_failures WHERE circuit_key = ?`, circuitKey(domain, tenantID))
	return err
}

func (s *Store) ListCircuitDomains() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT circuit_key FROM circuit_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var domains []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}
