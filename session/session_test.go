package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgo/actiondrive/driver"
	"github.com/evalgo/actiondrive/guard"
)

type fakePage struct {
	url    string
	closed bool
}

func (f *fakePage) ID() string                               { return "page" }
func (f *fakePage) URL() string                               { return f.url }
func (f *fakePage) Title(ctx context.Context) (string, error) { return "", nil }
func (f *fakePage) MainFrame() driver.Frame                   { return nil }
func (f *fakePage) Frames() []driver.Frame                    { return nil }
func (f *fakePage) Locator(selector string) driver.Locator    { return nil }
func (f *fakePage) Evaluate(ctx context.Context, expr string, arg interface{}) (interface{}, error) {
	return nil, nil
}
func (f *fakePage) Goto(ctx context.Context, url string, timeout time.Duration) error {
	f.url = url
	return nil
}
func (f *fakePage) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	return nil
}
func (f *fakePage) WaitForURL(ctx context.Context, pattern string, timeout time.Duration) error {
	return nil
}
func (f *fakePage) WaitForFunction(ctx context.Context, expression string, timeout time.Duration) error {
	return nil
}
func (f *fakePage) ExpectDownload(ctx context.Context, trigger func() error, timeout time.Duration) (driver.Download, error) {
	return nil, nil
}
func (f *fakePage) SetInputFiles(ctx context.Context, selector string, paths []string) error {
	return nil
}
func (f *fakePage) OnRequest(fn func(driver.NetworkEvent)) func()       { return func() {} }
func (f *fakePage) OnResponse(fn func(driver.NetworkEvent)) func()     { return func() {} }
func (f *fakePage) OnRequestFailed(fn func(driver.NetworkEvent)) func() { return func() {} }
func (f *fakePage) OnConsole(fn func(driver.ConsoleEvent)) func()       { return func() {} }
func (f *fakePage) OnPageError(fn func(driver.ConsoleEvent)) func()     { return func() {} }
func (f *fakePage) Close(ctx context.Context) error                    { f.closed = true; return nil }

type fakeBrowserContext struct {
	pages  []driver.Page
	closed bool
}

func (c *fakeBrowserContext) ID() string { return "ctx" }
func (c *fakeBrowserContext) NewPage(ctx context.Context) (driver.Page, error) {
	p := &fakePage{}
	c.pages = append(c.pages, p)
	return p, nil
}
func (c *fakeBrowserContext) Pages() []driver.Page                   { return c.pages }
func (c *fakeBrowserContext) ClearCookies(ctx context.Context) error { return nil }
func (c *fakeBrowserContext) ClearPermissions(ctx context.Context) error { return nil }
func (c *fakeBrowserContext) GrantPermissions(ctx context.Context, permissions []string, origin string) error {
	return nil
}
func (c *fakeBrowserContext) Close(ctx context.Context) error { c.closed = true; return nil }

type fakeBrowser struct {
	contexts []*fakeBrowserContext
	closed   bool
}

func (b *fakeBrowser) NewContext(ctx context.Context, opts driver.ContextOptions) (driver.BrowserContext, error) {
	c := &fakeBrowserContext{}
	b.contexts = append(b.contexts, c)
	return c, nil
}
func (b *fakeBrowser) Close(ctx context.Context) error { b.closed = true; return nil }

type fakeLauncher struct {
	browser *fakeBrowser
}

func (l *fakeLauncher) Launch(ctx context.Context, opts driver.ContextOptions) (driver.Browser, error) {
	return l.browser, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PrewarmedContexts = 1
	cfg.MaxPooledContexts = 2
	cfg.MaxTotalSessions = 2
	cfg.SessionAcquireTimeout = 50 * time.Millisecond
	return cfg
}

func TestManager_GetOrCreateSession_BuildsNewSession(t *testing.T) {
	launcher := &fakeLauncher{browser: &fakeBrowser{}}
	m := New(launcher, testConfig(), nil)

	session, err := m.GetOrCreateSession(context.Background(), "tenant-a", "wf-1", guard.DefaultSecurityPolicy([]string{"example.com"}))
	require.NoError(t, err)
	assert.Equal(t, "wf-1", session.WorkflowID)
	assert.True(t, m.HasSession("wf-1"))
}

func TestManager_GetOrCreateSession_ReturnsExistingSession(t *testing.T) {
	launcher := &fakeLauncher{browser: &fakeBrowser{}}
	m := New(launcher, testConfig(), nil)

	first, err := m.GetOrCreateSession(context.Background(), "tenant-a", "wf-1", guard.SecurityPolicy{})
	require.NoError(t, err)
	second, err := m.GetOrCreateSession(context.Background(), "tenant-a", "wf-1", guard.SecurityPolicy{})
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestManager_GetOrCreateSession_RespectsSlotLimit(t *testing.T) {
	launcher := &fakeLauncher{browser: &fakeBrowser{}}
	cfg := testConfig()
	cfg.MaxTotalSessions = 1
	m := New(launcher, cfg, nil)

	_, err := m.GetOrCreateSession(context.Background(), "tenant-a", "wf-1", guard.SecurityPolicy{})
	require.NoError(t, err)

	_, err = m.GetOrCreateSession(context.Background(), "tenant-b", "wf-2", guard.SecurityPolicy{})
	assert.ErrorIs(t, err, ErrGlobalSessionLimit)
}

func TestManager_CloseSession_ReleasesSlotForReuse(t *testing.T) {
	launcher := &fakeLauncher{browser: &fakeBrowser{}}
	cfg := testConfig()
	cfg.MaxTotalSessions = 1
	m := New(launcher, cfg, nil)

	_, err := m.GetOrCreateSession(context.Background(), "tenant-a", "wf-1", guard.SecurityPolicy{})
	require.NoError(t, err)

	m.CloseSession(context.Background(), "wf-1")
	assert.False(t, m.HasSession("wf-1"))

	_, err = m.GetOrCreateSession(context.Background(), "tenant-b", "wf-2", guard.SecurityPolicy{})
	assert.NoError(t, err)
}

func TestManager_ShouldRetire_AgeAndReuseBounds(t *testing.T) {
	m := &Manager{config: Config{MaxContextReuses: 5, MaxContextAge: time.Hour}}
	assert.True(t, m.shouldRetire(&PooledContext{UseCount: 5, CreatedAt: time.Now()}))
	assert.False(t, m.shouldRetire(&PooledContext{UseCount: 1, CreatedAt: time.Now()}))
}

func TestManager_PooledContextCount_ReflectsPrewarm(t *testing.T) {
	launcher := &fakeLauncher{browser: &fakeBrowser{}}
	cfg := testConfig()
	m := New(launcher, cfg, nil)
	require.NoError(t, m.Initialize(context.Background()))
	assert.Equal(t, 1, m.PooledContextCount())
}
