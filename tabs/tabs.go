// Package tabs tracks the set of open pages within one browser context and
// which one is active, closing over driver.Page/BrowserContext so a
// workflow can open/list/switch tabs without reaching into the driver
// directly.
package tabs

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/evalgo/actiondrive/driver"
)

// Info describes one open tab.
type Info struct {
	TabID    string
	URL      string
	Title    string
	IsActive bool
}

// Manager tracks pages opened within a single BrowserContext, keyed by a
// stable tab id.
//
// The original assigns tab ids from hash(id(page)), relying on CPython
// object identity; Go objects have no comparable address-derived hash
// exposed without unsafe, so tab ids are minted from google/uuid instead.
type Manager struct {
	context driver.BrowserContext

	mu           sync.Mutex
	pages        map[string]driver.Page
	order        []string
	activeTabID  string
}

// New registers initialPage as the first tab and makes it active.
func New(ctxt driver.BrowserContext, initialPage driver.Page) *Manager {
	m := &Manager{context: ctxt, pages: make(map[string]driver.Page)}
	m.activeTabID = m.registerPage(initialPage)
	return m
}

func (m *Manager) registerPage(page driver.Page) string {
	tabID := fmt.Sprintf("tab_%s", uuid.NewString())
	m.pages[tabID] = page
	m.order = append(m.order, tabID)
	return tabID
}

// OpenTab opens a new page in the context, navigates to url, makes it
// active, and returns its tab id.
func (m *Manager) OpenTab(ctx context.Context, url string) (string, error) {
	page, err := m.context.NewPage(ctx)
	if err != nil {
		return "", fmt.Errorf("open tab: %w", err)
	}

	m.mu.Lock()
	tabID := m.registerPage(page)
	m.mu.Unlock()

	if err := page.Goto(ctx, url, 0); err != nil {
		return "", fmt.Errorf("open tab: goto %s: %w", url, err)
	}

	m.mu.Lock()
	m.activeTabID = tabID
	m.mu.Unlock()

	return tabID, nil
}

// ListTabIDs returns tab ids in registration order.
func (m *Manager) ListTabIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	return ids
}

// GetPage returns the page for tabID, or the active tab's page if tabID is
// empty.
func (m *Manager) GetPage(tabID string) (driver.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := tabID
	if key == "" {
		key = m.activeTabID
	}
	page, ok := m.pages[key]
	if !ok {
		return nil, fmt.Errorf("unknown tab_id: %s", key)
	}
	return page, nil
}

// SetActiveTab switches the active tab to tabID.
func (m *Manager) SetActiveTab(tabID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pages[tabID]; !ok {
		return fmt.Errorf("unknown tab_id: %s", tabID)
	}
	m.activeTabID = tabID
	return nil
}

// ActiveTabID returns the currently active tab id.
func (m *Manager) ActiveTabID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeTabID
}

// ListTabs returns Info for every open tab, sorted by tab id for
// deterministic ordering (registration order is preserved separately via
// ListTabIDs for callers that care).
func (m *Manager) ListTabs(ctx context.Context) []Info {
	m.mu.Lock()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	active := m.activeTabID
	pages := make(map[string]driver.Page, len(m.pages))
	for k, v := range m.pages {
		pages[k] = v
	}
	m.mu.Unlock()

	sort.Strings(ids)

	tabs := make([]Info, 0, len(ids))
	for _, id := range ids {
		page := pages[id]
		title, err := page.Title(ctx)
		if err != nil {
			title = ""
		}
		tabs = append(tabs, Info{
			TabID:    id,
			URL:      page.URL(),
			Title:    title,
			IsActive: id == active,
		})
	}
	return tabs
}
