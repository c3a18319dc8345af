// Package circuit is the per-domain circuit breaker and the engine-wide
// health rollup built on top of it: once a domain accumulates enough
// recent failures it trips open and further actions against it are
// rejected until a cooldown elapses, at which point it turns half-open and
// lets actions through again until the breaker fully resets or re-trips.
package circuit

import (
	"sync"
	"time"
)

// State is one of the three circuit states a domain can be in.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Decision is the outcome of asking whether an action against a domain
// should be allowed right now.
type Decision struct {
	Allowed bool
	State   State
	Code    string
	Detail  string
}

// DomainSnapshot summarizes one domain's circuit for health reporting.
type DomainSnapshot struct {
	State          State
	RecentFailures int
	OpenedAt       time.Time
}

// Store lets a Breaker delegate circuit state to a shared backend (the
// controlplane package's SQLite store implements this) instead of local
// memory, so a tripped circuit is visible to every engine node sharing a
// tenant's traffic. Declared here rather than imported to avoid a
// dependency cycle with controlplane, the same pattern session.LeaseStore
// uses.
type Store interface {
	GetCircuit(domain, tenantID string) (state State, openedAt time.Time, err error)
	SetCircuit(domain, tenantID string, state State, openedAt time.Time) error
	AddCircuitFailure(domain, tenantID string, ts time.Time) error
	PruneCircuitFailures(domain, tenantID string, before time.Time) error
	CountCircuitFailures(domain, tenantID string, since time.Time) (int, error)
	ClearCircuitFailures(domain, tenantID string) error
	ListCircuitDomains() ([]string, error)
}

type circuitRecord struct {
	state          State
	openedAt       time.Time
	recentFailures []time.Time
}

// Breaker trips a domain open after failureThreshold failures within
// failureWindow, and lets one half-open probe through after openInterval
// has elapsed since the trip.
type Breaker struct {
	failureThreshold int
	failureWindow    time.Duration
	openInterval     time.Duration
	store            Store

	mu       sync.Mutex
	circuits map[string]*circuitRecord
}

// DefaultFailureThreshold, DefaultFailureWindow, and DefaultOpenInterval
// mirror the original's dataclass field defaults.
const (
	DefaultFailureThreshold = 5
	DefaultFailureWindow    = 120 * time.Second
	DefaultOpenInterval     = 60 * time.Second
)

// NewBreaker returns a Breaker with the given thresholds. A nil store keeps
// all circuit state local to this process.
func NewBreaker(failureThreshold int, failureWindow, openInterval time.Duration, store Store) *Breaker {
	return &Breaker{
		failureThreshold: failureThreshold,
		failureWindow:    failureWindow,
		openInterval:     openInterval,
		store:            store,
		circuits:         make(map[string]*circuitRecord),
	}
}

func key(domain, tenantID string) string {
	if tenantID != "" {
		return tenantID + "::" + domain
	}
	return domain
}

func (b *Breaker) prune(rec *circuitRecord, now time.Time) {
	cutoff := now.Add(-b.failureWindow)
	i := 0
	for i < len(rec.recentFailures) && rec.recentFailures[i].Before(cutoff) {
		i++
	}
	rec.recentFailures = rec.recentFailures[i:]
}

func (b *Breaker) get(k string) *circuitRecord {
	rec, ok := b.circuits[k]
	if !ok {
		rec = &circuitRecord{state: StateClosed}
		b.circuits[k] = rec
	}
	return rec
}

// Allow checks whether an action against domain (optionally scoped to
// tenantID) may proceed right now. An open circuit that has been open for
// at least openInterval transitions to half-open and allows this call
// through as a probe. Later calls are allowed too while the circuit stays
// half-open, until RecordSuccess closes it or RecordFailure re-opens it.
func (b *Breaker) Allow(domain, tenantID string, now time.Time) Decision {
	if b.store != nil {
		return b.allowStore(domain, tenantID, now)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.get(key(domain, tenantID))

	if rec.state == StateOpen {
		if now.Sub(rec.openedAt) >= b.openInterval {
			rec.state = StateHalfOpen
			return Decision{Allowed: true, State: StateHalfOpen, Code: "CIRCUIT_HALF_OPEN"}
		}
		return Decision{Allowed: false, State: StateOpen, Code: "CIRCUIT_OPEN", Detail: "domain temporarily blocked"}
	}
	return Decision{Allowed: true, State: rec.state, Code: "OK"}
}

func (b *Breaker) allowStore(domain, tenantID string, now time.Time) Decision {
	state, openedAt, err := b.store.GetCircuit(domain, tenantID)
	if err != nil {
		return Decision{Allowed: true, State: StateClosed, Code: "OK"}
	}

	if state == StateOpen {
		if now.Sub(openedAt) >= b.openInterval {
			_ = b.store.SetCircuit(domain, tenantID, StateHalfOpen, openedAt)
			return Decision{Allowed: true, State: StateHalfOpen, Code: "CIRCUIT_HALF_OPEN"}
		}
		return Decision{Allowed: false, State: StateOpen, Code: "CIRCUIT_OPEN", Detail: "domain temporarily blocked"}
	}
	return Decision{Allowed: true, State: state, Code: "OK"}
}

// RecordFailure records one failure against domain at now, tripping the
// circuit open if the trailing window has reached the failure threshold,
// or immediately re-tripping a half-open probe that itself failed.
func (b *Breaker) RecordFailure(domain, tenantID string, now time.Time) State {
	if b.store != nil {
		return b.recordFailureStore(domain, tenantID, now)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.get(key(domain, tenantID))
	b.prune(rec, now)
	rec.recentFailures = append(rec.recentFailures, now)

	if len(rec.recentFailures) >= b.failureThreshold {
		rec.state = StateOpen
		rec.openedAt = now
	} else if rec.state == StateHalfOpen {
		rec.state = StateOpen
		rec.openedAt = now
	}
	return rec.state
}

func (b *Breaker) recordFailureStore(domain, tenantID string, now time.Time) State {
	state, _, err := b.store.GetCircuit(domain, tenantID)
	if err != nil {
		state = StateClosed
	}
	_ = b.store.AddCircuitFailure(domain, tenantID, now)
	_ = b.store.PruneCircuitFailures(domain, tenantID, now.Add(-b.failureWindow))

	count, err := b.store.CountCircuitFailures(domain, tenantID, now.Add(-b.failureWindow))
	if err != nil {
		return state
	}

	if count >= b.failureThreshold || state == StateHalfOpen {
		_ = b.store.SetCircuit(domain, tenantID, StateOpen, now)
		return StateOpen
	}
	return state
}

// RecordSuccess closes a half-open circuit after its probe succeeded;
// otherwise it leaves the circuit's state untouched.
func (b *Breaker) RecordSuccess(domain, tenantID string) State {
	if b.store != nil {
		return b.recordSuccessStore(domain, tenantID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.get(key(domain, tenantID))
	if rec.state == StateHalfOpen {
		rec.state = StateClosed
		rec.recentFailures = nil
	}
	return rec.state
}

func (b *Breaker) recordSuccessStore(domain, tenantID string) State {
	state, _, err := b.store.GetCircuit(domain, tenantID)
	if err != nil {
		return StateClosed
	}
	if state == StateHalfOpen {
		_ = b.store.SetCircuit(domain, tenantID, StateClosed, time.Time{})
		_ = b.store.ClearCircuitFailures(domain, tenantID)
		return StateClosed
	}
	return state
}

// Snapshot returns every known domain's current circuit summary, keyed by
// the same domain/tenant key Allow/RecordFailure use.
func (b *Breaker) Snapshot(now time.Time) map[string]DomainSnapshot {
	if b.store != nil {
		return b.snapshotStore(now)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]DomainSnapshot, len(b.circuits))
	for k, rec := range b.circuits {
		b.prune(rec, now)
		out[k] = DomainSnapshot{
			State:          rec.state,
			RecentFailures: len(rec.recentFailures),
			OpenedAt:       rec.openedAt,
		}
	}
	return out
}

func (b *Breaker) snapshotStore(now time.Time) map[string]DomainSnapshot {
	domains, err := b.store.ListCircuitDomains()
	if err != nil {
		return nil
	}
	out := make(map[string]DomainSnapshot, len(domains))
	for _, domain := range domains {
		state, openedAt, err := b.store.GetCircuit(domain, "")
		if err != nil {
			continue
		}
		count, err := b.store.CountCircuitFailures(domain, "", now.Add(-b.failureWindow))
		if err != nil {
			count = 0
		}
		out[domain] = DomainSnapshot{State: state, RecentFailures: count, OpenedAt: openedAt}
	}
	return out
}

// EngineHealth is the engine-wide health rollup HealthMonitor produces.
type EngineHealth struct {
	Status         string
	ActiveSessions int
	OpenCircuits   int
	Circuits       map[string]DomainSnapshot
}

// HealthMonitor turns a circuit snapshot and session count into a coarse
// status: healthy with no open circuits, degraded with some, unhealthy past
// five simultaneously open.
type HealthMonitor struct{}

// Evaluate computes the engine's current health.
func (HealthMonitor) Evaluate(activeSessions int, snapshot map[string]DomainSnapshot) EngineHealth {
	open := 0
	for _, s := range snapshot {
		if s.State == StateOpen {
			open++
		}
	}
	status := "healthy"
	if open > 0 {
		status = "degraded"
	}
	if open > 5 {
		status = "unhealthy"
	}
	return EngineHealth{
		Status:         status,
		ActiveSessions: activeSessions,
		OpenCircuits:   open,
		Circuits:       snapshot,
	}
}
