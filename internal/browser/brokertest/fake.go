// Package brokertest provides an in-memory Broker fake for component tests.
// It shares the real lock table so ownership rules match the Chrome broker
// exactly.
package brokertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"postpilot/internal/browser"
)

// Tab is the fake's view of one open tab.
type Tab struct {
	ID         string
	URL        string
	Responsive bool // false makes Evaluate fail, like a hung page
}

// Fake implements browser.Broker in memory. Tests script behavior through
// the exported hooks and inspect recorded calls.
type Fake struct {
	mu    sync.Mutex
	locks *browser.LockTable
	tabs  map[string]*Tab
	seq   int

	// Hooks. Nil hooks fall back to benign defaults.
	CreateErr            error
	NavigateErr          error
	EvaluateFunc         func(tabID, expr string, out any) error
	HTMLFunc             func(tabID string) (string, error)
	WaitForURLChangeFunc func(tabID string, timeout time.Duration) (string, error)
	ImportCookiesErr     error
	ExportCookiesErr     error

	createCalls []browser.CreateOptions
	closedTabs  []string
	imports     map[string][]string // tabID -> cookie paths loaded
	exports     map[string][]string // tabID -> cookie paths written
}

// New returns an empty fake broker.
func New() *Fake {
	return &Fake{
		locks:   browser.NewLockTable(),
		tabs:    make(map[string]*Tab),
		imports: make(map[string][]string),
		exports: make(map[string][]string),
	}
}

// CreateTab opens a deterministic-id tab, locking it when requested.
func (f *Fake) CreateTab(_ context.Context, opts browser.CreateOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.createCalls = append(f.createCalls, opts)
	if f.CreateErr != nil {
		return "", f.CreateErr
	}

	f.seq++
	tabID := fmt.Sprintf("tab-%d", f.seq)
	f.tabs[tabID] = &Tab{ID: tabID, URL: opts.URL, Responsive: true}
	if opts.Owner != browser.OwnerNone {
		if err := f.locks.Lock(tabID, opts.Owner); err != nil {
			delete(f.tabs, tabID)
			return "", err
		}
	}
	return tabID, nil
}

// CloseTab removes the tab and releases its lock.
func (f *Fake) CloseTab(_ context.Context, tabID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tabs[tabID]; ok {
		delete(f.tabs, tabID)
		f.closedTabs = append(f.closedTabs, tabID)
	}
	f.locks.Drop(tabID)
	return nil
}

// HasTab reports whether the fake still holds tabID.
func (f *Fake) HasTab(tabID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tabs[tabID]
	return ok
}

// Tabs snapshots the open tabs.
func (f *Fake) Tabs() []browser.TabInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	infos := make([]browser.TabInfo, 0, len(f.tabs))
	for id, tab := range f.tabs {
		owner, acquiredAt := f.lockOwner(id)
		infos = append(infos, browser.TabInfo{
			ID:         id,
			URL:        tab.URL,
			Owner:      owner,
			AcquiredAt: acquiredAt,
		})
	}
	return infos
}

func (f *Fake) lockOwner(tabID string) (browser.Owner, time.Time) {
	return f.locks.Owner(tabID)
}

// Lock claims tabID for owner.
func (f *Fake) Lock(tabID string, owner browser.Owner) error {
	if !f.HasTab(tabID) {
		return fmt.Errorf("unknown tab %s", tabID)
	}
	return f.locks.Lock(tabID, owner)
}

// Unlock releases owner's lock on tabID.
func (f *Fake) Unlock(tabID string, owner browser.Owner) error {
	return f.locks.Unlock(tabID, owner)
}

// Owner reports the lock state of tabID.
func (f *Fake) Owner(tabID string) (browser.Owner, time.Time, bool) {
	if !f.HasTab(tabID) {
		return browser.OwnerNone, time.Time{}, false
	}
	owner, acquiredAt := f.locks.Owner(tabID)
	return owner, acquiredAt, true
}

// Navigate records the new URL.
func (f *Fake) Navigate(_ context.Context, tabID, url string) error {
	if f.NavigateErr != nil {
		return f.NavigateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tab, ok := f.tabs[tabID]
	if !ok {
		return fmt.Errorf("unknown tab %s", tabID)
	}
	tab.URL = url
	return nil
}

// Evaluate answers via the hook, or with simple defaults: unresponsive tabs
// error, numeric outs receive 2 (the health probe answer).
func (f *Fake) Evaluate(_ context.Context, tabID, expr string, out any) error {
	f.mu.Lock()
	tab, ok := f.tabs[tabID]
	responsive := ok && tab.Responsive
	f.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown tab %s", tabID)
	}
	if f.EvaluateFunc != nil {
		return f.EvaluateFunc(tabID, expr, out)
	}
	if !responsive {
		return fmt.Errorf("tab %s evaluation timed out", tabID)
	}
	switch v := out.(type) {
	case *int:
		*v = 2
	case *float64:
		*v = 2
	case nil:
	}
	return nil
}

// HTML answers via the hook, or with a minimal document wrapping the tab URL.
func (f *Fake) HTML(_ context.Context, tabID string) (string, error) {
	f.mu.Lock()
	tab, ok := f.tabs[tabID]
	f.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown tab %s", tabID)
	}
	if f.HTMLFunc != nil {
		return f.HTMLFunc(tabID)
	}
	return "<html><body data-url=\"" + tab.URL + "\"></body></html>", nil
}

// CurrentURL returns the tab's scripted URL.
func (f *Fake) CurrentURL(_ context.Context, tabID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tab, ok := f.tabs[tabID]
	if !ok {
		return "", fmt.Errorf("unknown tab %s", tabID)
	}
	return tab.URL, nil
}

// WaitForURLChange polls the scripted URL until it moves or timeout.
func (f *Fake) WaitForURLChange(ctx context.Context, tabID string, timeout time.Duration) (string, error) {
	if f.WaitForURLChangeFunc != nil {
		return f.WaitForURLChangeFunc(tabID, timeout)
	}

	start, err := f.CurrentURL(ctx, tabID)
	if err != nil {
		return "", err
	}
	deadline := time.After(timeout)
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			return "", fmt.Errorf("tab %s url unchanged after %s", tabID, timeout)
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			url, err := f.CurrentURL(ctx, tabID)
			if err != nil {
				return "", err
			}
			if url != start {
				return url, nil
			}
		}
	}
}

// SetUploadFiles is recorded implicitly via Evaluate hooks; the fake accepts
// any selector.
func (f *Fake) SetUploadFiles(_ context.Context, tabID, _ string, _ []string) error {
	if !f.HasTab(tabID) {
		return fmt.Errorf("unknown tab %s", tabID)
	}
	return nil
}

// ExportCookies records the write target.
func (f *Fake) ExportCookies(_ context.Context, tabID, path string) error {
	if f.ExportCookiesErr != nil {
		return f.ExportCookiesErr
	}
	if !f.HasTab(tabID) {
		return fmt.Errorf("unknown tab %s", tabID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exports[tabID] = append(f.exports[tabID], path)
	return nil
}

// ImportCookies records the cookie file loaded into the tab.
func (f *Fake) ImportCookies(_ context.Context, tabID, path string) error {
	if f.ImportCookiesErr != nil {
		return f.ImportCookiesErr
	}
	if !f.HasTab(tabID) {
		return fmt.Errorf("unknown tab %s", tabID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imports[tabID] = append(f.imports[tabID], path)
	return nil
}

// Close drops everything.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := range f.tabs {
		delete(f.tabs, id)
		f.locks.Drop(id)
	}
	return nil
}

// --- test scripting helpers ---

// SetURL moves a tab to url, waking WaitForURLChange pollers.
func (f *Fake) SetURL(tabID, url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tab, ok := f.tabs[tabID]; ok {
		tab.URL = url
	}
}

// SetResponsive toggles whether Evaluate succeeds for the tab.
func (f *Fake) SetResponsive(tabID string, responsive bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tab, ok := f.tabs[tabID]; ok {
		tab.Responsive = responsive
	}
}

// KillTab simulates a crashed tab: it disappears without a clean close.
func (f *Fake) KillTab(tabID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tabs, tabID)
}

// CreateCalls returns every CreateTab invocation.
func (f *Fake) CreateCalls() []browser.CreateOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]browser.CreateOptions(nil), f.createCalls...)
}

// ClosedTabs returns the ids passed to CloseTab, in order.
func (f *Fake) ClosedTabs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closedTabs...)
}

// Imports returns the cookie files loaded into tabID.
func (f *Fake) Imports(tabID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.imports[tabID]...)
}

// Exports returns the cookie files written from tabID.
func (f *Fake) Exports(tabID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.exports[tabID]...)
}

// OpenTabCount reports how many tabs are open.
func (f *Fake) OpenTabCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tabs)
}

var _ browser.Broker = (*Fake)(nil)
