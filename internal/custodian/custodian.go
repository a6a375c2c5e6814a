// Package custodian owns the long-lived message tabs: one per monitored
// account, locked to the message subsystem, health-checked on a timer and
// re-created when the page hangs or the session bounces to a login screen.
package custodian

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"postpilot/internal/browser"
	"postpilot/internal/errors"
	"postpilot/internal/logging"
	"postpilot/internal/metrics"
	"postpilot/internal/platform"
	"postpilot/internal/plugin"
)

// Config tunes tab health monitoring and repair.
type Config struct {
	HealthInterval   time.Duration // cadence of per-tab health passes
	MaxRetries       int           // repair budget before giving up on an account
	RecreateCooldown time.Duration // pause between cleanup and re-create during repair
	ReadyTimeout     time.Duration // total budget for the platform readiness probe
	ReadyPoll        time.Duration // poll cadence while waiting for readiness
	ProbeErrorDelay  time.Duration // pause after a probe error before re-polling
	ProbeTimeout     time.Duration // responsiveness probe budget
}

func (c Config) withDefaults() Config {
	if c.HealthInterval <= 0 {
		c.HealthInterval = 60 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RecreateCooldown <= 0 {
		c.RecreateCooldown = 5 * time.Second
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 30 * time.Second
	}
	if c.ReadyPoll <= 0 {
		c.ReadyPoll = time.Second
	}
	if c.ProbeErrorDelay <= 0 {
		c.ProbeErrorDelay = 2 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 3 * time.Second
	}
	return c
}

// MessagePlugins resolves message plugins; *plugin.Registry satisfies it.
type MessagePlugins interface {
	Message(p platform.Platform) (plugin.MessagePlugin, error)
}

// Record is a point-in-time snapshot of one managed message tab.
type Record struct {
	AccountKey        string
	TabID             string
	Platform          platform.Platform
	AccountID         string
	CookieFile        string
	CreatedAt         time.Time
	LastHealthCheckAt time.Time
	RetryCount        int
}

type managedTab struct {
	Record
	healthTimer clockwork.Timer
}

// Custodian maps account keys to message tabs and keeps those tabs alive.
// Mutations go through a per-key slot so ensure, repair and cleanup for the
// same account never interleave.
type Custodian struct {
	broker  browser.Broker
	plugins MessagePlugins
	cfg     Config
	logger  logging.Logger
	metrics *metrics.Metrics
	clock   clockwork.Clock

	mu     sync.Mutex
	tabs   map[string]*managedTab
	busy   map[string]chan struct{}
	closed bool
}

// New returns a custodian over broker. A nil clock uses the real one.
func New(broker browser.Broker, plugins MessagePlugins, cfg Config, logger logging.Logger, m *metrics.Metrics, clock clockwork.Clock) *Custodian {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Custodian{
		broker:  broker,
		plugins: plugins,
		cfg:     cfg.withDefaults(),
		logger:  logging.OrNop(logger),
		metrics: m,
		clock:   clock,
		tabs:    make(map[string]*managedTab),
		busy:    make(map[string]chan struct{}),
	}
}

// EnsureMessageTab returns the account's message tab, reusing a healthy
// incumbent or building a fresh one: create locked, import the session
// cookies, open the message workspace, wait for the platform readiness
// probe, then start the health monitor.
func (c *Custodian) EnsureMessageTab(ctx context.Context, p platform.Platform, accountID, cookieFile string) (string, error) {
	key := platform.AccountKey(p, accountID)
	release, err := c.acquireKey(ctx, key)
	if err != nil {
		return "", err
	}
	defer release()
	return c.ensureHeld(ctx, key, p, accountID, cookieFile, 0)
}

// ensureHeld does the real work of EnsureMessageTab. The caller must hold
// the key's slot. retryCount seeds the new record so repair attempts stay
// visible across re-creation.
func (c *Custodian) ensureHeld(ctx context.Context, key string, p platform.Platform, accountID, cookieFile string, retryCount int) (string, error) {
	c.mu.Lock()
	existing := c.tabs[key]
	c.mu.Unlock()

	if existing != nil {
		healthy, reason := c.tabHealth(ctx, existing.TabID)
		if healthy {
			return existing.TabID, nil
		}
		c.logger.Info("message tab %s for %s unhealthy (%s), recycling", existing.TabID, key, reason)
		c.cleanupHeld(ctx, key)
	}

	plug, err := c.plugins.Message(p)
	if err != nil {
		return "", err
	}
	messageURL := plug.MessageURL()
	if messageURL == "" {
		messageURL = platform.DefaultEndpoints(p).Message
	}

	tabID, err := c.broker.CreateTab(ctx, browser.CreateOptions{Owner: browser.OwnerMessage})
	if err != nil {
		return "", fmt.Errorf("create message tab for %s: %w", key, err)
	}
	if err := c.broker.ImportCookies(ctx, tabID, cookieFile); err != nil {
		_ = c.broker.CloseTab(ctx, tabID)
		return "", fmt.Errorf("load session into message tab for %s: %w", key, err)
	}
	if err := c.broker.Navigate(ctx, tabID, messageURL); err != nil {
		_ = c.broker.CloseTab(ctx, tabID)
		return "", fmt.Errorf("open message workspace for %s: %w", key, err)
	}
	if err := c.waitReady(ctx, plug, tabID); err != nil {
		_ = c.broker.CloseTab(ctx, tabID)
		return "", err
	}

	rec := &managedTab{Record: Record{
		AccountKey: key,
		TabID:      tabID,
		Platform:   p,
		AccountID:  accountID,
		CookieFile: cookieFile,
		CreatedAt:  c.clock.Now(),
		RetryCount: retryCount,
	}}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = c.broker.CloseTab(ctx, tabID)
		return "", fmt.Errorf("custodian is shut down")
	}
	c.tabs[key] = rec
	c.armHealthTimerLocked(rec, key)
	count := len(c.tabs)
	c.mu.Unlock()

	c.metrics.SetMessageTabs(count)
	c.logger.Info("message tab %s ready for %s", tabID, key)
	return tabID, nil
}

// waitReady polls the plugin's readiness probe until the workspace is
// usable. Plugins without a probe are ready as soon as the page loads.
func (c *Custodian) waitReady(ctx context.Context, plug plugin.MessagePlugin, tabID string) error {
	prober, ok := plug.(plugin.ReadinessProber)
	if !ok {
		return nil
	}
	deadline := c.clock.Now().Add(c.cfg.ReadyTimeout)
	for {
		probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
		ready, err := prober.CheckReady(probeCtx, tabID)
		cancel()
		if err == nil && ready {
			return nil
		}

		wait := c.cfg.ReadyPoll
		if err != nil {
			c.logger.Debug("readiness probe on tab %s: %v", tabID, err)
			wait = c.cfg.ProbeErrorDelay
		}
		if c.clock.Now().After(deadline) {
			return &errors.TimeoutError{Phase: "readiness", Limit: c.cfg.ReadyTimeout, Err: err}
		}
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// IsHealthy reports whether tabID passes every health clause: the broker
// still knows it, the message lock is held, the page answers a trivial
// script within the probe budget, and it has not bounced to a login screen.
func (c *Custodian) IsHealthy(ctx context.Context, tabID string) bool {
	healthy, _ := c.tabHealth(ctx, tabID)
	return healthy
}

func (c *Custodian) tabHealth(ctx context.Context, tabID string) (bool, string) {
	if !c.broker.HasTab(tabID) {
		return false, "tab no longer exists"
	}
	owner, _, ok := c.broker.Owner(tabID)
	if !ok || owner != browser.OwnerMessage {
		return false, fmt.Sprintf("lock owner is %q", owner)
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()
	var probe int
	if err := c.broker.Evaluate(probeCtx, tabID, "1+1", &probe); err != nil {
		return false, fmt.Sprintf("unresponsive: %v", err)
	}

	url, err := c.broker.CurrentURL(ctx, tabID)
	if err != nil {
		return false, fmt.Sprintf("url unavailable: %v", err)
	}
	if strings.Contains(strings.ToLower(url), "login") {
		return false, "redirected to login page"
	}
	return true, ""
}

// healthPass is the periodic monitor body for one account key. Failures
// consume the retry budget; within budget the tab is cleaned up and rebuilt
// after a cooldown, past it the account is dropped and the next ensure call
// starts over.
func (c *Custodian) healthPass(key string) {
	ctx := context.Background()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, inFlight := c.busy[key]; inFlight {
		// An ensure or cleanup is already working on this account; check
		// again next interval.
		if rec := c.tabs[key]; rec != nil {
			c.armHealthTimerLocked(rec, key)
		}
		c.mu.Unlock()
		return
	}
	rec := c.tabs[key]
	if rec == nil {
		c.mu.Unlock()
		return
	}
	c.busy[key] = make(chan struct{})
	tabID := rec.TabID
	c.mu.Unlock()
	defer c.releaseKey(key)

	healthy, reason := c.tabHealth(ctx, tabID)

	c.mu.Lock()
	rec = c.tabs[key]
	if rec == nil || rec.TabID != tabID {
		c.mu.Unlock()
		return
	}
	rec.LastHealthCheckAt = c.clock.Now()
	if healthy {
		rec.RetryCount = 0
		c.armHealthTimerLocked(rec, key)
		c.mu.Unlock()
		return
	}
	retry := rec.RetryCount + 1
	p, accountID, cookieFile := rec.Platform, rec.AccountID, rec.CookieFile
	c.mu.Unlock()

	c.logger.Warn("message tab %s for %s failed health check (%s), repair %d/%d",
		tabID, key, reason, retry, c.cfg.MaxRetries)

	if retry > c.cfg.MaxRetries {
		c.cleanupHeld(ctx, key)
		c.metrics.IncTabRepair("abandoned")
		c.logger.Error("giving up on message tab for %s after %d failed repairs", key, c.cfg.MaxRetries)
		return
	}

	c.cleanupHeld(ctx, key)
	if err := c.sleep(ctx, c.cfg.RecreateCooldown); err != nil {
		return
	}
	if _, err := c.ensureHeld(ctx, key, p, accountID, cookieFile, retry); err != nil {
		c.metrics.IncTabRepair("recreate_failed")
		c.logger.Error("re-create message tab for %s: %v", key, err)
		return
	}
	c.metrics.IncTabRepair("recreated")
}

// armHealthTimerLocked schedules the next health pass. Must be called with
// c.mu held; the previous timer, if any, is replaced.
func (c *Custodian) armHealthTimerLocked(rec *managedTab, key string) {
	if rec.healthTimer != nil {
		rec.healthTimer.Stop()
	}
	rec.healthTimer = c.clock.AfterFunc(c.cfg.HealthInterval, func() {
		c.healthPass(key)
	})
}

// Cleanup retires the account's message tab: the health timer stops first,
// then the tab is closed and the mapping removed. Cleaning an unknown key is
// a no-op.
func (c *Custodian) Cleanup(ctx context.Context, accountKey string) error {
	release, err := c.acquireKey(ctx, accountKey)
	if err != nil {
		return err
	}
	defer release()
	c.cleanupHeld(ctx, accountKey)
	return nil
}

// cleanupHeld removes the mapping and closes the tab. The caller must hold
// the key's slot (or be the shutdown path).
func (c *Custodian) cleanupHeld(ctx context.Context, key string) {
	c.mu.Lock()
	rec := c.tabs[key]
	if rec == nil {
		c.mu.Unlock()
		return
	}
	delete(c.tabs, key)
	if rec.healthTimer != nil {
		rec.healthTimer.Stop()
	}
	count := len(c.tabs)
	c.mu.Unlock()

	c.metrics.SetMessageTabs(count)
	if err := c.broker.CloseTab(ctx, rec.TabID); err != nil {
		c.logger.Warn("close message tab %s for %s: %v", rec.TabID, key, err)
	}
}

// TabFor returns the tab currently mapped to accountKey, if any.
func (c *Custodian) TabFor(accountKey string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.tabs[accountKey]; ok {
		return rec.TabID, true
	}
	return "", false
}

// Records snapshots every managed tab for status reporting.
func (c *Custodian) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, 0, len(c.tabs))
	for _, rec := range c.tabs {
		out = append(out, rec.Record)
	}
	return out
}

// Count reports how many message tabs are managed.
func (c *Custodian) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tabs)
}

// Shutdown stops every health monitor and closes every managed tab. The
// custodian rejects further work afterwards.
func (c *Custodian) Shutdown(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	recs := make([]*managedTab, 0, len(c.tabs))
	for key, rec := range c.tabs {
		if rec.healthTimer != nil {
			rec.healthTimer.Stop()
		}
		recs = append(recs, rec)
		delete(c.tabs, key)
	}
	c.mu.Unlock()

	for _, rec := range recs {
		if err := c.broker.CloseTab(ctx, rec.TabID); err != nil {
			c.logger.Warn("close message tab %s for %s: %v", rec.TabID, rec.AccountKey, err)
		}
	}
	c.metrics.SetMessageTabs(0)
	c.logger.Info("custodian shut down, %d message tabs closed", len(recs))
}

// acquireKey claims the per-account slot, waiting for any in-flight ensure,
// repair or cleanup on the same key to finish first.
func (c *Custodian) acquireKey(ctx context.Context, key string) (func(), error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, fmt.Errorf("custodian is shut down")
		}
		slot, inFlight := c.busy[key]
		if !inFlight {
			c.busy[key] = make(chan struct{})
			c.mu.Unlock()
			var once sync.Once
			return func() { once.Do(func() { c.releaseKey(key) }) }, nil
		}
		c.mu.Unlock()

		select {
		case <-slot:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Custodian) releaseKey(key string) {
	c.mu.Lock()
	if slot, ok := c.busy[key]; ok {
		delete(c.busy, key)
		close(slot)
	}
	c.mu.Unlock()
}

func (c *Custodian) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clock.After(d):
		return nil
	}
}
