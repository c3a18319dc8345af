// Package quota enforces per-tenant resource limits: concurrent session
// count, action rate over a sliding 60-second window, and cumulative
// artifact bytes. The in-process Manager keeps its sliding windows in
// memory; quota/distributed swaps the same Store interface for a
// Redis-backed implementation so the limits hold across a cluster of
// engine nodes sharing one tenant.
package quota

import (
	"fmt"
	"sync"
	"time"
)

// TenantQuota bounds one tenant's resource consumption.
type TenantQuota struct {
	MaxConcurrentSessions   int
	MaxActionsPerMinute     int
	MaxArtifactBytes        int64
	MaxStepTokens           int
	MaxStateDeltaTokens     int
	MaxNetworkSummaryTokens int
	MaxMetadataTokens       int
}

// DefaultTenantQuota mirrors the original dataclass's field defaults.
func DefaultTenantQuota() TenantQuota {
	return TenantQuota{
		MaxConcurrentSessions:   10,
		MaxActionsPerMinute:     120,
		MaxArtifactBytes:        512 * 1024 * 1024,
		MaxStepTokens:           1_200,
		MaxStateDeltaTokens:     500,
		MaxNetworkSummaryTokens: 250,
		MaxMetadataTokens:       250,
	}
}

// Decision is the outcome of one quota check.
type Decision struct {
	Allowed bool
	Code    string
	Detail  string
}

func allow() Decision { return Decision{Allowed: true, Code: "OK"} }

// Store lets a Manager delegate its sliding windows and quota overrides to
// a shared backend (quota/distributed implements this against Redis) so
// several engine nodes enforce one tenant's limits consistently. A Manager
// built with a nil Store keeps everything in local memory instead.
type Store interface {
	SetQuota(tenantID string, q TenantQuota) error
	GetQuota(tenantID string) (TenantQuota, bool, error)
	CountRecentActions(tenantID string, since time.Time) (int, error)
	RegisterAction(tenantID string, ts time.Time) error
	PruneActionEvents(before time.Time) error
	GetArtifactBytes(tenantID string) (int64, error)
	AddArtifactBytes(tenantID string, delta int64) error
}

// Manager tracks per-tenant quotas and consumption, either in local memory
// or, when store is set, delegated to a shared backend. actionWindow holds
// a sliding window of action timestamps per tenant, trimmed lazily on each
// check; artifactBytes is a running total per tenant.
type Manager struct {
	defaultQuota TenantQuota
	store        Store

	mu            sync.Mutex
	quotas        map[string]TenantQuota
	actionWindow  map[string][]time.Time
	artifactBytes map[string]int64
}

// NewManager returns a Manager applying defaultQuota to any tenant that has
// not been given an explicit quota via SetQuota. A nil store keeps all
// state local to this process.
func NewManager(defaultQuota TenantQuota, store Store) *Manager {
	return &Manager{
		defaultQuota:  defaultQuota,
		store:         store,
		quotas:        make(map[string]TenantQuota),
		actionWindow:  make(map[string][]time.Time),
		artifactBytes: make(map[string]int64),
	}
}

// SetQuota overrides tenantID's quota.
func (m *Manager) SetQuota(tenantID string, q TenantQuota) error {
	if m.store != nil {
		return m.store.SetQuota(tenantID, q)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotas[tenantID] = q
	return nil
}

// QuotaFor returns tenantID's configured quota, or the manager's default.
func (m *Manager) QuotaFor(tenantID string) TenantQuota {
	if m.store != nil {
		if q, ok, err := m.store.GetQuota(tenantID); err == nil && ok {
			return q
		}
		return m.defaultQuota
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.quotas[tenantID]; ok {
		return q
	}
	return m.defaultQuota
}

// CheckSessionQuota rejects tenantID if activeSessions has already reached
// its concurrent session limit.
func (m *Manager) CheckSessionQuota(tenantID string, activeSessions int) Decision {
	q := m.QuotaFor(tenantID)
	if activeSessions >= q.MaxConcurrentSessions {
		return Decision{
			Allowed: false,
			Code:    "QUOTA_SESSION_LIMIT",
			Detail:  fmt.Sprintf("active_sessions=%d, max=%d", activeSessions, q.MaxConcurrentSessions),
		}
	}
	return allow()
}

// CheckActionRate rejects tenantID if it has already issued
// max-actions-per-minute actions within the trailing 60-second window
// ending at now.
func (m *Manager) CheckActionRate(tenantID string, now time.Time) Decision {
	q := m.QuotaFor(tenantID)

	var count int
	if m.store != nil {
		n, err := m.store.CountRecentActions(tenantID, now.Add(-60*time.Second))
		if err != nil {
			return allow()
		}
		count = n
	} else {
		m.mu.Lock()
		window := trimWindow(m.actionWindow[tenantID], now)
		m.actionWindow[tenantID] = window
		count = len(window)
		m.mu.Unlock()
	}

	if count >= q.MaxActionsPerMinute {
		return Decision{
			Allowed: false,
			Code:    "QUOTA_ACTION_RATE",
			Detail:  fmt.Sprintf("count_60s=%d, max=%d", count, q.MaxActionsPerMinute),
		}
	}
	return allow()
}

func trimWindow(window []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-60 * time.Second)
	i := 0
	for i < len(window) && window[i].Before(cutoff) {
		i++
	}
	return window[i:]
}

// RegisterAction records one action at timestamp now against tenantID's
// rate window.
func (m *Manager) RegisterAction(tenantID string, now time.Time) error {
	if m.store != nil {
		if err := m.store.RegisterAction(tenantID, now); err != nil {
			return err
		}
		return m.store.PruneActionEvents(now.Add(-1 * time.Hour))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actionWindow[tenantID] = append(m.actionWindow[tenantID], now)
	return nil
}

// CheckArtifactQuota rejects tenantID if adding additionalBytes would push
// its cumulative artifact usage past the quota.
func (m *Manager) CheckArtifactQuota(tenantID string, additionalBytes int64) Decision {
	q := m.QuotaFor(tenantID)
	if additionalBytes < 0 {
		additionalBytes = 0
	}

	var current int64
	if m.store != nil {
		c, err := m.store.GetArtifactBytes(tenantID)
		if err != nil {
			return allow()
		}
		current = c
	} else {
		m.mu.Lock()
		current = m.artifactBytes[tenantID]
		m.mu.Unlock()
	}

	projected := current + additionalBytes
	if projected > q.MaxArtifactBytes {
		return Decision{
			Allowed: false,
			Code:    "QUOTA_ARTIFACT_BYTES",
			Detail:  fmt.Sprintf("projected=%d, max=%d", projected, q.MaxArtifactBytes),
		}
	}
	return allow()
}

// RegisterArtifactBytes adds sizeBytes to tenantID's running artifact
// usage total.
func (m *Manager) RegisterArtifactBytes(tenantID string, sizeBytes int64) error {
	if sizeBytes < 0 {
		sizeBytes = 0
	}
	if m.store != nil {
		return m.store.AddArtifactBytes(tenantID, sizeBytes)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifactBytes[tenantID] += sizeBytes
	return nil
}
