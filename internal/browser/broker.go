// Package browser owns every Chrome tab the orchestration core touches. The
// Broker contract is the only way components create, lock, script and close
// tabs; platform plugins never reach chromedp directly.
package browser

import (
	"context"
	"time"
)

// Owner names the component holding a tab lock. A tab has at most one owner
// at any moment.
type Owner string

const (
	OwnerNone     Owner = ""
	OwnerUpload   Owner = "upload"
	OwnerLogin    Owner = "login"
	OwnerMessage  Owner = "message"
	OwnerValidate Owner = "validate"
)

// CreateOptions configures a new tab. When Owner is set the tab is created
// already locked, so no other component can grab it between creation and
// first use.
type CreateOptions struct {
	URL   string
	Owner Owner
}

// TabInfo is a point-in-time snapshot of one managed tab.
type TabInfo struct {
	ID         string
	URL        string
	Owner      Owner
	AcquiredAt time.Time
	LastUsed   time.Time
}

// Broker is the tab-lifecycle contract between the orchestration components
// and the underlying Chrome process.
type Broker interface {
	// CreateTab opens a tab at opts.URL, locking it atomically when
	// opts.Owner is set, and returns the tab id.
	CreateTab(ctx context.Context, opts CreateOptions) (string, error)
	// CloseTab destroys the tab and releases any lock on it. Closing an
	// unknown tab is a no-op.
	CloseTab(ctx context.Context, tabID string) error
	// HasTab reports whether the broker still manages tabID.
	HasTab(tabID string) bool
	// Tabs snapshots every managed tab.
	Tabs() []TabInfo

	// Lock claims the tab for owner. Locking a tab already held by a
	// different owner fails; re-locking by the same owner is a no-op.
	Lock(tabID string, owner Owner) error
	// Unlock releases a lock held by owner. Unlocking an unlocked tab is a
	// no-op; unlocking someone else's lock fails.
	Unlock(tabID string, owner Owner) error
	// Owner reports the current lock holder (OwnerNone when unlocked) and
	// when the lock was acquired. ok is false for unknown tabs.
	Owner(tabID string) (owner Owner, acquiredAt time.Time, ok bool)

	// Navigate loads url in the tab.
	Navigate(ctx context.Context, tabID, url string) error
	// Evaluate runs a script in the tab and decodes its (awaited) result
	// into out. Pass nil to discard the result.
	Evaluate(ctx context.Context, tabID, expr string, out any) error
	// HTML returns the tab's current document markup.
	HTML(ctx context.Context, tabID string) (string, error)
	// CurrentURL returns the tab's location.
	CurrentURL(ctx context.Context, tabID string) (string, error)
	// WaitForURLChange blocks until the tab navigates away from its current
	// URL, the timeout passes, or ctx is cancelled.
	WaitForURLChange(ctx context.Context, tabID string, timeout time.Duration) (string, error)
	// SetUploadFiles attaches local files to a file input in the tab.
	SetUploadFiles(ctx context.Context, tabID, selector string, files []string) error

	// ExportCookies persists the tab's session cookies to path as JSON.
	ExportCookies(ctx context.Context, tabID, path string) error
	// ImportCookies loads a JSON cookie file into the tab's session.
	ImportCookies(ctx context.Context, tabID, path string) error

	// Close destroys every tab and the Chrome process.
	Close() error
}
