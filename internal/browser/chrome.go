package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"

	"postpilot/internal/async"
	"postpilot/internal/logging"
)

const (
	orphanTabTTL    = 30 * time.Minute
	reaperInterval  = 1 * time.Minute
	urlPollBackstop = 2 * time.Second
)

// Chrome is the chromedp-backed Broker. It manages a single shared Chrome
// process and multiplexes tabs over it. Call Close to terminate Chrome on
// shutdown.
type Chrome struct {
	cfg    Config
	logger logging.Logger
	locks  *LockTable

	mu          sync.Mutex
	tabs        map[string]*tab
	allocCtx    context.Context
	allocCancel context.CancelFunc
	stopReaper  context.CancelFunc
}

type tab struct {
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	lastUsed time.Time
	lastURL  string
}

// NewChrome returns a broker over a lazily started Chrome process.
func NewChrome(cfg Config, logger logging.Logger) *Chrome {
	c := &Chrome{
		cfg:    cfg,
		logger: logging.OrNop(logger),
		locks:  NewLockTable(),
		tabs:   make(map[string]*tab),
	}
	reaperCtx, reaperCancel := context.WithCancel(context.Background())
	c.stopReaper = reaperCancel
	async.Go(c.logger, "browser-tab-reaper", func() { c.reapLoop(reaperCtx) })
	return c
}

// ensureAllocator lazily starts the shared Chrome process. Must be called
// with c.mu held.
func (c *Chrome) ensureAllocator() error {
	if c.allocCtx != nil && c.allocCtx.Err() == nil {
		return nil
	}
	// Previous allocator dead (Chrome crashed or first call) — recreate.
	if c.allocCancel != nil {
		c.allocCancel()
	}

	baseCtx := context.Background()

	if rawCDPURL := strings.TrimSpace(c.cfg.CDPURL); rawCDPURL != "" {
		cdpURL, err := resolveCDPURL(baseCtx, rawCDPURL)
		if err != nil {
			return fmt.Errorf("resolve cdp_url %q: %w", rawCDPURL, err)
		}
		c.allocCtx, c.allocCancel = chromedp.NewRemoteAllocator(baseCtx, cdpURL)
		return nil
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", c.cfg.Headless),
		chromedp.Flag("disable-gpu", c.cfg.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-backgrounding-occluded-windows", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
	)
	if path := strings.TrimSpace(c.cfg.ChromePath); path != "" {
		opts = append(opts, chromedp.ExecPath(path))
	}
	if dir := strings.TrimSpace(c.cfg.UserDataDir); dir != "" {
		userDataDir := filepath.Join(dir, "shared")
		if err := os.MkdirAll(userDataDir, 0o755); err == nil {
			opts = append(opts, chromedp.UserDataDir(userDataDir))
		}
	}
	c.allocCtx, c.allocCancel = chromedp.NewExecAllocator(baseCtx, opts...)
	return nil
}

// resetAllocator tears down the current Chrome process so the next
// ensureAllocator call starts a fresh one. Must be called with c.mu held.
func (c *Chrome) resetAllocator() {
	// Every existing tab died with the process.
	for id, t := range c.tabs {
		t.close()
		delete(c.tabs, id)
		c.locks.Drop(id)
	}
	if c.allocCancel != nil {
		c.allocCancel()
		c.allocCancel = nil
		c.allocCtx = nil
	}
}

// newTab opens a tab in the shared Chrome. Must be called with c.mu held.
func (c *Chrome) newTab() (*tab, error) {
	if err := c.ensureAllocator(); err != nil {
		return nil, err
	}

	ctx, cancel := chromedp.NewContext(c.allocCtx)
	if err := chromedp.Run(ctx, chromedp.Navigate("about:blank")); err != nil {
		cancel()
		return nil, err
	}

	return &tab{
		ctx:      ctx,
		cancel:   cancel,
		lastUsed: time.Now(),
		lastURL:  "about:blank",
	}, nil
}

// CreateTab opens a tab, locks it for opts.Owner before anything else can
// see it, then navigates to opts.URL.
func (c *Chrome) CreateTab(ctx context.Context, opts CreateOptions) (string, error) {
	c.mu.Lock()
	t, err := c.newTab()
	if err != nil {
		// Chrome may have crashed — reset and retry once.
		c.logger.Warn("tab creation failed (%v), restarting Chrome", err)
		c.resetAllocator()
		t, err = c.newTab()
		if err != nil {
			c.mu.Unlock()
			return "", err
		}
	}
	tabID := uuid.New().String()
	c.tabs[tabID] = t
	if opts.Owner != OwnerNone {
		if err := c.locks.Lock(tabID, opts.Owner); err != nil {
			// Fresh id; only a programming error can land here.
			delete(c.tabs, tabID)
			t.close()
			c.mu.Unlock()
			return "", err
		}
	}
	c.mu.Unlock()

	if opts.URL != "" {
		if err := c.Navigate(ctx, tabID, opts.URL); err != nil {
			_ = c.CloseTab(context.Background(), tabID)
			return "", err
		}
	}
	return tabID, nil
}

// CloseTab destroys the tab and releases its lock. Unknown tabs are a no-op.
func (c *Chrome) CloseTab(_ context.Context, tabID string) error {
	c.mu.Lock()
	t, ok := c.tabs[tabID]
	if ok {
		delete(c.tabs, tabID)
	}
	c.locks.Drop(tabID)
	c.mu.Unlock()

	if ok {
		t.close()
	}
	return nil
}

// HasTab reports whether the broker still manages tabID with a live context.
func (c *Chrome) HasTab(tabID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tabs[tabID]
	return ok && t.ctx.Err() == nil
}

// Tabs snapshots every managed tab.
func (c *Chrome) Tabs() []TabInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	infos := make([]TabInfo, 0, len(c.tabs))
	for id, t := range c.tabs {
		owner, acquiredAt := c.locks.Owner(id)
		t.mu.Lock()
		info := TabInfo{
			ID:         id,
			URL:        t.lastURL,
			Owner:      owner,
			AcquiredAt: acquiredAt,
			LastUsed:   t.lastUsed,
		}
		t.mu.Unlock()
		infos = append(infos, info)
	}
	return infos
}

// Lock claims the tab for owner.
func (c *Chrome) Lock(tabID string, owner Owner) error {
	if !c.HasTab(tabID) {
		return fmt.Errorf("unknown tab %s", tabID)
	}
	return c.locks.Lock(tabID, owner)
}

// Unlock releases owner's lock.
func (c *Chrome) Unlock(tabID string, owner Owner) error {
	return c.locks.Unlock(tabID, owner)
}

// Owner reports the lock state of tabID.
func (c *Chrome) Owner(tabID string) (Owner, time.Time, bool) {
	c.mu.Lock()
	_, ok := c.tabs[tabID]
	c.mu.Unlock()
	if !ok {
		return OwnerNone, time.Time{}, false
	}
	owner, acquiredAt := c.locks.Owner(tabID)
	return owner, acquiredAt, true
}

func (c *Chrome) tab(tabID string) (*tab, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tabs[tabID]
	if !ok {
		return nil, fmt.Errorf("unknown tab %s", tabID)
	}
	if t.ctx.Err() != nil {
		return nil, fmt.Errorf("tab %s is dead: %w", tabID, t.ctx.Err())
	}
	return t, nil
}

// Navigate loads url in the tab.
func (c *Chrome) Navigate(ctx context.Context, tabID, url string) error {
	t, err := c.tab(tabID)
	if err != nil {
		return err
	}
	if err := t.withRunContext(ctx, c.cfg.evalTimeoutOrDefault(), func(runCtx context.Context) error {
		return chromedp.Run(runCtx, chromedp.Navigate(url))
	}); err != nil {
		return fmt.Errorf("navigate tab %s: %w", tabID, err)
	}
	t.setLastURL(url)
	return nil
}

// Evaluate runs expr in the tab, awaiting promises, and decodes the result
// into out when non-nil.
func (c *Chrome) Evaluate(ctx context.Context, tabID, expr string, out any) error {
	t, err := c.tab(tabID)
	if err != nil {
		return err
	}
	awaited := func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}
	return t.withRunContext(ctx, c.cfg.evalTimeoutOrDefault(), func(runCtx context.Context) error {
		if out == nil {
			return chromedp.Run(runCtx, chromedp.Evaluate(expr, nil, awaited))
		}
		return chromedp.Run(runCtx, chromedp.Evaluate(expr, out, awaited))
	})
}

// HTML returns the tab's full document markup.
func (c *Chrome) HTML(ctx context.Context, tabID string) (string, error) {
	t, err := c.tab(tabID)
	if err != nil {
		return "", err
	}
	var html string
	err = t.withRunContext(ctx, c.cfg.evalTimeoutOrDefault(), func(runCtx context.Context) error {
		return chromedp.Run(runCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	})
	return html, err
}

// CurrentURL returns the tab's live location.
func (c *Chrome) CurrentURL(ctx context.Context, tabID string) (string, error) {
	t, err := c.tab(tabID)
	if err != nil {
		return "", err
	}
	var url string
	err = t.withRunContext(ctx, c.cfg.probeTimeoutOrDefault(), func(runCtx context.Context) error {
		return chromedp.Run(runCtx, chromedp.Location(&url))
	})
	if err != nil {
		return "", err
	}
	t.setLastURL(url)
	return url, nil
}

// WaitForURLChange blocks until the tab leaves its current URL. Navigation
// events cover full loads; a slow poll backstops SPA history moves the
// events miss.
func (c *Chrome) WaitForURLChange(ctx context.Context, tabID string, timeout time.Duration) (string, error) {
	t, err := c.tab(tabID)
	if err != nil {
		return "", err
	}

	startURL, err := c.CurrentURL(ctx, tabID)
	if err != nil {
		return "", err
	}

	navigated := make(chan string, 1)
	report := func(url string) {
		if url != "" && url != startURL {
			select {
			case navigated <- url:
			default:
			}
		}
	}

	listenCtx, stopListen := context.WithCancel(t.ctx)
	defer stopListen()
	chromedp.ListenTarget(listenCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *page.EventFrameNavigated:
			if e.Frame != nil && e.Frame.ParentID == "" {
				report(e.Frame.URL)
			}
		case *page.EventNavigatedWithinDocument:
			report(e.URL)
		}
	})

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(urlPollBackstop)
	defer poll.Stop()

	for {
		select {
		case url := <-navigated:
			t.setLastURL(url)
			return url, nil
		case <-poll.C:
			url, err := c.CurrentURL(ctx, tabID)
			if err != nil {
				return "", err
			}
			if url != startURL {
				return url, nil
			}
		case <-deadline.C:
			return "", fmt.Errorf("tab %s url unchanged after %s", tabID, timeout)
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.ctx.Done():
			return "", fmt.Errorf("tab %s closed while waiting: %w", tabID, t.ctx.Err())
		}
	}
}

// SetUploadFiles attaches local files to the file input matching selector.
func (c *Chrome) SetUploadFiles(ctx context.Context, tabID, selector string, files []string) error {
	t, err := c.tab(tabID)
	if err != nil {
		return err
	}
	return t.withRunContext(ctx, c.cfg.evalTimeoutOrDefault(), func(runCtx context.Context) error {
		return chromedp.Run(runCtx, chromedp.SetUploadFiles(selector, files, chromedp.ByQuery))
	})
}

// ExportCookies writes the tab's cookies to path as JSON. The file carries
// live credentials and is created owner-readable only.
func (c *Chrome) ExportCookies(ctx context.Context, tabID, path string) error {
	t, err := c.tab(tabID)
	if err != nil {
		return err
	}
	var cookies []*network.Cookie
	err = t.withRunContext(ctx, c.cfg.evalTimeoutOrDefault(), func(runCtx context.Context) error {
		return chromedp.Run(runCtx, chromedp.ActionFunc(func(actionCtx context.Context) error {
			var getErr error
			cookies, getErr = storage.GetCookies().Do(actionCtx)
			return getErr
		}))
	})
	if err != nil {
		return fmt.Errorf("read cookies from tab %s: %w", tabID, err)
	}

	data, err := json.MarshalIndent(cookies, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ImportCookies loads a JSON cookie file into the tab's session.
func (c *Chrome) ImportCookies(ctx context.Context, tabID, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read cookie file: %w", err)
	}
	var params []*network.CookieParam
	if err := json.Unmarshal(data, &params); err != nil {
		return fmt.Errorf("parse cookie file %s: %w", filepath.Base(path), err)
	}
	if len(params) == 0 {
		return fmt.Errorf("cookie file %s holds no cookies", filepath.Base(path))
	}

	t, err := c.tab(tabID)
	if err != nil {
		return err
	}
	return t.withRunContext(ctx, c.cfg.evalTimeoutOrDefault(), func(runCtx context.Context) error {
		return chromedp.Run(runCtx, chromedp.ActionFunc(func(actionCtx context.Context) error {
			return storage.SetCookies(params).Do(actionCtx)
		}))
	})
}

// Close destroys every tab and the Chrome process.
func (c *Chrome) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopReaper != nil {
		c.stopReaper()
		c.stopReaper = nil
	}
	for id, t := range c.tabs {
		t.close()
		delete(c.tabs, id)
		c.locks.Drop(id)
	}
	if c.allocCancel != nil {
		c.allocCancel()
		c.allocCancel = nil
		c.allocCtx = nil
	}
	return nil
}

func (c *Chrome) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reapOrphans()
		}
	}
}

// reapOrphans closes dead tabs and unlocked tabs idle past the TTL. Locked
// tabs belong to a component and are never reaped from under it.
func (c *Chrome) reapOrphans() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, t := range c.tabs {
		owner, _ := c.locks.Owner(id)
		t.mu.Lock()
		idle := time.Since(t.lastUsed)
		dead := t.ctx.Err() != nil
		t.mu.Unlock()

		if dead || (owner == OwnerNone && idle >= orphanTabTTL) {
			c.logger.Info("reaping tab %s (dead=%t idle=%s)", id, dead, idle.Truncate(time.Second))
			t.close()
			delete(c.tabs, id)
			c.locks.Drop(id)
		}
	}
}

func (t *tab) close() {
	if t == nil {
		return
	}
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *tab) setLastURL(url string) {
	t.mu.Lock()
	t.lastURL = url
	t.mu.Unlock()
}

func (t *tab) withRunContext(callCtx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if t == nil {
		return fmt.Errorf("browser tab is nil")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastUsed = time.Now()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	runCtx, cancel := context.WithTimeout(t.ctx, timeout)
	defer cancel()
	if callCtx != nil {
		done := callCtx.Done()
		if done != nil {
			go func() {
				select {
				case <-done:
					cancel()
				case <-runCtx.Done():
				}
			}()
		}
	}
	return fn(runCtx)
}
