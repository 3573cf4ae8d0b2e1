// Package tabs tracks the pages a session has open and which one is active.
//
// A Manager is either empty or has exactly one active tab. Closing the active
// tab while others remain selects its nearest neighbour: the previous tab
// when the closed tab was last, otherwise the next one.
package tabs

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/navchain/pkg/driver"
	"github.com/xkilldash9x/navchain/pkg/errs"
)

// Tab pairs a page with the last document response observed for it.
type Tab struct {
	Page     driver.Page
	Response *driver.Response
}

// Manager owns a session's tabs.
type Manager struct {
	mu     sync.Mutex
	drv    driver.Driver
	logger *zap.Logger
	tabs   []*Tab
	active int
}

// NewManager returns an empty manager creating pages through drv.
func NewManager(drv driver.Driver, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{drv: drv, logger: logger.Named("tabs"), active: -1}
}

// Open creates a page, appends it and makes it active.
func (m *Manager) Open(ctx context.Context) (*Tab, error) {
	page, err := m.drv.CreatePage(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &Tab{Page: page}
	m.tabs = append(m.tabs, t)
	m.active = len(m.tabs) - 1
	m.logger.Debug("Tab opened.", zap.String("page", page.ID()), zap.Int("index", m.active))
	return t, nil
}

// Count returns the number of open tabs.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tabs)
}

// Active returns the active tab, or nil when none are open.
func (m *Manager) Active() *Tab {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active < 0 {
		return nil
	}
	return m.tabs[m.active]
}

// ActiveIndex returns the active index, or -1 when none are open.
func (m *Manager) ActiveIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Tabs returns a snapshot of the open tabs in order.
func (m *Manager) Tabs() []*Tab {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.tabs)
}

// SetResponse records resp on the active tab.
func (m *Manager) SetResponse(resp *driver.Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active >= 0 {
		m.tabs[m.active].Response = resp
	}
}

// normalize must be called with m.mu held. Negative indexes count from the
// end, so -1 is the last tab.
func (m *Manager) normalize(op string, index int) (int, error) {
	i := index
	if i < 0 {
		i += len(m.tabs)
	}
	if i < 0 || i >= len(m.tabs) {
		return 0, errs.Newf(errs.KindNotFound, op, "tab index %d out of bounds for %d tabs", index, len(m.tabs))
	}
	return i, nil
}

// Switch makes the tab at index active.
func (m *Manager) Switch(index int) (*Tab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, err := m.normalize("tab.switch", index)
	if err != nil {
		return nil, err
	}
	m.active = i
	return m.tabs[i], nil
}

// CloseActive closes the active tab. It fails with NotFound when no tab is
// open.
func (m *Manager) CloseActive(ctx context.Context) error {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()
	if active < 0 {
		return errs.New(errs.KindNotFound, "tab.close", "no tab is open")
	}
	return m.Close(ctx, active)
}

// Close closes the tab at index. The page is closed before any bookkeeping
// changes, so a driver failure leaves the manager untouched.
func (m *Manager) Close(ctx context.Context, index int) error {
	m.mu.Lock()
	i, err := m.normalize("tab.close", index)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	target := m.tabs[i]
	m.mu.Unlock()

	if err := m.drv.ClosePage(ctx, target.Page); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	i = slices.Index(m.tabs, target)
	if i < 0 {
		return nil
	}

	keep := m.active
	if keep == i && len(m.tabs) > 1 {
		if i == len(m.tabs)-1 {
			keep = i - 1
		} else {
			keep = i + 1
		}
	}
	var next *Tab
	if keep >= 0 && keep != i {
		next = m.tabs[keep]
	}

	m.tabs = slices.Delete(m.tabs, i, i+1)
	m.active = slices.Index(m.tabs, next)
	m.logger.Debug("Tab closed.", zap.String("page", target.Page.ID()), zap.Int("active", m.active))
	return nil
}

// CloseAll closes every tab, newest first, and stops at the first failure.
func (m *Manager) CloseAll(ctx context.Context) error {
	for m.Count() > 0 {
		if err := m.Close(ctx, -1); err != nil {
			return err
		}
	}
	return nil
}
