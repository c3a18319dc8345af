// Package session manages the pool of browser contexts a workflow run
// borrows from: a prewarmed pool, a global admission slot per total session
// count, reset-vs-retire policy on release, and an optional control-plane
// lease for clustered deployments.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/evalgo/actiondrive/driver"
	"github.com/evalgo/actiondrive/guard"
	"github.com/evalgo/actiondrive/netobserve"
	"github.com/evalgo/actiondrive/tabs"
	"github.com/evalgo/actiondrive/telemetry"
)

// Config bounds the session manager's pool sizing and lifecycle behavior.
type Config struct {
	Headless                bool
	ViewportWidth           int
	ViewportHeight          int
	DefaultTimeout          time.Duration
	MaxTotalSessions        int
	SessionAcquireTimeout   time.Duration
	PrewarmedContexts       int
	MaxPooledContexts       int
	MaxContextReuses        int
	MaxContextAge           time.Duration
	ServiceWorkersBlocked   bool
	SessionLeaseTTL         time.Duration
	ExtraChromiumArgs       []string
}

// DefaultConfig mirrors the original's dataclass defaults.
func DefaultConfig() Config {
	return Config{
		Headless:              true,
		ViewportWidth:         1440,
		ViewportHeight:        900,
		DefaultTimeout:        20 * time.Second,
		MaxTotalSessions:      200,
		SessionAcquireTimeout: 300 * time.Second,
		PrewarmedContexts:     8,
		MaxPooledContexts:     64,
		MaxContextReuses:      50,
		MaxContextAge:         1800 * time.Second,
		ServiceWorkersBlocked: true,
		SessionLeaseTTL:       300 * time.Second,
		ExtraChromiumArgs: []string{
			"--disable-background-networking",
			"--disable-renderer-backgrounding",
			"--disable-background-timer-throttling",
			"--disable-breakpad",
			"--disable-component-update",
			"--disable-features=Translate,BackForwardCache",
		},
	}
}

// LeaseStore is the subset of the control-plane store a session manager
// needs to coordinate session ownership across a cluster. A nil LeaseStore
// means single-node, in-memory accounting only.
type LeaseStore interface {
	OwnerID() string
	AcquireSessionLease(tenantID, workflowID, ownerID string, ttl time.Duration) (bool, error)
	HeartbeatSessionLease(workflowID, ownerID string) error
	ReleaseSessionLease(workflowID, ownerID string) error
	CountActiveSessions(tenantID string, ttl time.Duration) (int, error)
	CountAllActiveSessions(ttl time.Duration) (int, error)
}

// PooledContext is one browser context held in the idle pool, or currently
// checked out to a tenant.
type PooledContext struct {
	Context   driver.BrowserContext
	TenantID  string
	CreatedAt time.Time
	UseCount  int
}

// BrowserSession is everything a single workflow run's action engine needs
// to operate one page.
type BrowserSession struct {
	TenantID         string
	WorkflowID       string
	Context          driver.BrowserContext
	Tabs             *tabs.Manager
	Page             driver.Page
	NetworkObserver  *netobserve.Observer
	RuntimeTelemetry *telemetry.RuntimeTelemetryBuffer
	SecurityLayer    *guard.SecurityLayer
	pooled           *PooledContext
}

// ErrGlobalSessionLimit is returned when no session slot becomes available
// within the configured acquire timeout.
var ErrGlobalSessionLimit = errors.New("GLOBAL_SESSION_LIMIT")

// ErrLeaseNotAcquired is returned when a control-plane lease could not be
// acquired for a new session.
var ErrLeaseNotAcquired = errors.New("SESSION_LEASE_NOT_ACQUIRED")

// Manager owns one driver.Browser and the pool of contexts borrowed from it.
type Manager struct {
	config   Config
	launcher driver.Launcher
	store    LeaseStore
	ownerID  string

	mu       sync.Mutex
	browser  driver.Browser
	sessions map[string]*BrowserSession
	pool     []*PooledContext

	slots chan struct{}
}

// New builds a Manager. A nil store means single-node accounting.
func New(launcher driver.Launcher, config Config, store LeaseStore) *Manager {
	ownerID := "local-owner"
	if store != nil {
		ownerID = store.OwnerID()
	}
	return &Manager{
		config:   config,
		launcher: launcher,
		store:    store,
		ownerID:  ownerID,
		sessions: make(map[string]*BrowserSession),
		slots:    make(chan struct{}, config.MaxTotalSessions),
	}
}

func (m *Manager) contextOptions() driver.ContextOptions {
	return driver.ContextOptions{
		ViewportWidth:       m.config.ViewportWidth,
		ViewportHeight:      m.config.ViewportHeight,
		Headless:            m.config.Headless,
		DefaultTimeout:      m.config.DefaultTimeout,
		ExtraArgs:           m.config.ExtraChromiumArgs,
		BlockServiceWorkers: m.config.ServiceWorkersBlocked,
	}
}

// Initialize launches the browser and prewarms the context pool. Safe to
// call more than once; subsequent calls are no-ops.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browser != nil {
		return nil
	}

	browser, err := m.launcher.Launch(ctx, m.contextOptions())
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	m.browser = browser
	return m.prewarmPoolLocked(ctx)
}

func (m *Manager) prewarmPoolLocked(ctx context.Context) error {
	target := m.config.PrewarmedContexts
	if target > m.config.MaxPooledContexts {
		target = m.config.MaxPooledContexts
	}
	if target < 0 {
		target = 0
	}
	for len(m.pool) < target {
		bctx, err := m.newContextLocked(ctx)
		if err != nil {
			return err
		}
		m.pool = append(m.pool, &PooledContext{Context: bctx, CreatedAt: time.Now()})
	}
	return nil
}

func (m *Manager) newContextLocked(ctx context.Context) (driver.BrowserContext, error) {
	if m.browser == nil {
		return nil, errors.New("browser not initialized")
	}
	return m.browser.NewContext(ctx, m.contextOptions())
}

func (m *Manager) acquireContext(ctx context.Context, tenantID string) (*PooledContext, error) {
	m.mu.Lock()
	for i, pooled := range m.pool {
		if pooled.TenantID != "" && pooled.TenantID != tenantID {
			continue
		}
		m.pool = append(m.pool[:i], m.pool[i+1:]...)
		pooled.TenantID = tenantID
		pooled.UseCount++
		m.mu.Unlock()
		return pooled, nil
	}
	m.mu.Unlock()

	m.mu.Lock()
	bctx, err := m.newContextLocked(ctx)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &PooledContext{Context: bctx, TenantID: tenantID, CreatedAt: time.Now(), UseCount: 1}, nil
}

func (m *Manager) acquireSessionSlot(ctx context.Context) error {
	timeout := m.config.SessionAcquireTimeout
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m.slots <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrGlobalSessionLimit
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) releaseSessionSlot() {
	select {
	case <-m.slots:
	default:
	}
}

func (m *Manager) resetContext(ctx context.Context, bctx driver.BrowserContext) bool {
	_ = bctx.ClearPermissions(ctx)
	_ = bctx.ClearCookies(ctx)

	pages := bctx.Pages()
	var primary driver.Page
	if len(pages) == 0 {
		p, err := bctx.NewPage(ctx)
		if err != nil {
			return false
		}
		primary = p
	} else {
		primary = pages[0]
		for _, extra := range pages[1:] {
			_ = extra.Close(ctx)
		}
	}

	if err := primary.Goto(ctx, "about:blank", m.config.DefaultTimeout); err != nil {
		_ = primary.Close(ctx)
		replacement, newErr := bctx.NewPage(ctx)
		if newErr != nil {
			return false
		}
		primary = replacement
		if err := primary.Goto(ctx, "about:blank", m.config.DefaultTimeout); err != nil {
			return false
		}
	}

	const clearStorageScript = `() => {
		try { localStorage.clear(); } catch (_) {}
		try { sessionStorage.clear(); } catch (_) {}
	}`
	_, _ = primary.Evaluate(ctx, clearStorageScript, nil)

	return true
}

func (m *Manager) shouldRetire(pooled *PooledContext) bool {
	age := time.Since(pooled.CreatedAt)
	if pooled.UseCount >= m.config.MaxContextReuses {
		return true
	}
	if age >= m.config.MaxContextAge {
		return true
	}
	return false
}

func (m *Manager) releaseContext(ctx context.Context, pooled *PooledContext) {
	if m.shouldRetire(pooled) {
		_ = pooled.Context.Close(ctx)
		return
	}

	if !m.resetContext(ctx, pooled.Context) {
		_ = pooled.Context.Close(ctx)
		return
	}

	m.mu.Lock()
	full := len(m.pool) >= m.config.MaxPooledContexts
	if !full {
		pooled.TenantID = ""
		m.pool = append(m.pool, pooled)
	}
	m.mu.Unlock()

	if full {
		_ = pooled.Context.Close(ctx)
	}
}

// Close closes every active session, the idle pool, and the browser.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	workflowIDs := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		workflowIDs = append(workflowIDs, id)
	}
	m.mu.Unlock()

	for _, id := range workflowIDs {
		m.CloseSession(ctx, id)
	}

	m.mu.Lock()
	pool := m.pool
	m.pool = nil
	browser := m.browser
	m.browser = nil
	m.mu.Unlock()

	for _, pooled := range pool {
		_ = pooled.Context.Close(ctx)
	}
	if browser != nil {
		return browser.Close(ctx)
	}
	return nil
}

// GetOrCreateSession returns the existing session for workflowID, or
// acquires a slot, a pooled context, and wires a new BrowserSession.
func (m *Manager) GetOrCreateSession(ctx context.Context, tenantID, workflowID string, policy guard.SecurityPolicy) (*BrowserSession, error) {
	m.mu.Lock()
	if existing, ok := m.sessions[workflowID]; ok {
		m.mu.Unlock()
		if m.store != nil {
			_ = m.store.HeartbeatSessionLease(workflowID, m.ownerID)
		}
		return existing, nil
	}
	m.mu.Unlock()

	if err := m.acquireSessionSlot(ctx); err != nil {
		return nil, err
	}

	leaseAcquired := false
	if m.store != nil {
		acquired, err := m.store.AcquireSessionLease(tenantID, workflowID, m.ownerID, m.config.SessionLeaseTTL)
		if err != nil || !acquired {
			m.releaseSessionSlot()
			return nil, ErrLeaseNotAcquired
		}
		leaseAcquired = true
	}

	session, err := m.buildSession(ctx, tenantID, workflowID, policy)
	if err != nil {
		if leaseAcquired {
			_ = m.store.ReleaseSessionLease(workflowID, m.ownerID)
		}
		m.releaseSessionSlot()
		return nil, err
	}

	m.mu.Lock()
	m.sessions[workflowID] = session
	m.mu.Unlock()
	return session, nil
}

func (m *Manager) buildSession(ctx context.Context, tenantID, workflowID string, policy guard.SecurityPolicy) (*BrowserSession, error) {
	m.mu.Lock()
	needsInit := m.browser == nil
	m.mu.Unlock()
	if needsInit {
		if err := m.Initialize(ctx); err != nil {
			return nil, err
		}
	}

	pooled, err := m.acquireContext(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("acquire context: %w", err)
	}

	pages := pooled.Context.Pages()
	var page driver.Page
	if len(pages) > 0 {
		page = pages[0]
	} else {
		page, err = pooled.Context.NewPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("new page: %w", err)
		}
	}

	tabManager := tabs.New(pooled.Context, page)

	netObserver := netobserve.New()
	netObserver.Attach(page)

	runtimeTelemetry := telemetry.NewRuntimeBuffer()
	runtimeTelemetry.Attach(page)

	return &BrowserSession{
		TenantID:         tenantID,
		WorkflowID:       workflowID,
		Context:          pooled.Context,
		Tabs:             tabManager,
		Page:             page,
		NetworkObserver:  netObserver,
		RuntimeTelemetry: runtimeTelemetry,
		SecurityLayer:    guard.NewSecurityLayer(policy),
		pooled:           pooled,
	}, nil
}

// CloseSession releases workflowID's session's resources and slot. A no-op
// if the session does not exist.
func (m *Manager) CloseSession(ctx context.Context, workflowID string) {
	m.mu.Lock()
	session, ok := m.sessions[workflowID]
	if ok {
		delete(m.sessions, workflowID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	session.RuntimeTelemetry.Detach()
	session.NetworkObserver.Detach()
	m.releaseContext(ctx, session.pooled)
	m.releaseSessionSlot()
	if m.store != nil {
		_ = m.store.ReleaseSessionLease(workflowID, m.ownerID)
	}
}

// ActiveSessionCountForTenant returns how many sessions tenantID currently
// holds, consulting the control-plane store if present.
func (m *Manager) ActiveSessionCountForTenant(tenantID string) int {
	if m.store != nil {
		n, err := m.store.CountActiveSessions(tenantID, m.config.SessionLeaseTTL)
		if err == nil {
			return n
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, s := range m.sessions {
		if s.TenantID == tenantID {
			count++
		}
	}
	return count
}

// HasSession reports whether workflowID has an active session.
func (m *Manager) HasSession(workflowID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[workflowID]
	return ok
}

// GetSession returns workflowID's session, heartbeating its lease if a
// control-plane store is configured.
func (m *Manager) GetSession(workflowID string) (*BrowserSession, error) {
	m.mu.Lock()
	session, ok := m.sessions[workflowID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown workflow session: %s", workflowID)
	}
	if m.store != nil {
		_ = m.store.HeartbeatSessionLease(workflowID, m.ownerID)
	}
	return session, nil
}

// TotalActiveSessions returns the number of active sessions across the
// cluster if a control-plane store is configured, else this node's count.
func (m *Manager) TotalActiveSessions() int {
	if m.store != nil {
		n, err := m.store.CountAllActiveSessions(m.config.SessionLeaseTTL)
		if err == nil {
			return n
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// PooledContextCount returns the number of idle contexts in the pool.
func (m *Manager) PooledContextCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pool)
}
