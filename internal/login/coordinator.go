// Package login coordinates QR-code logins: one pending attempt per user, a
// short-lived login tab per attempt, and a background processor that waits
// for the scan, captures the session and hands the account to the rest of
// the system.
package login

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"postpilot/internal/async"
	"postpilot/internal/browser"
	"postpilot/internal/errors"
	"postpilot/internal/logging"
	"postpilot/internal/metrics"
	"postpilot/internal/platform"
	"postpilot/internal/plugin"
	"postpilot/internal/store"
)

// Status is the lifecycle state of one login attempt.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the attempt has finished, one way or another.
func (s Status) Terminal() bool { return s != StatusPending }

// Record tracks one QR login attempt, keyed by the operator-chosen user id.
type Record struct {
	UserID     string
	Platform   platform.Platform
	Status     Status
	StartedAt  time.Time
	EndedAt    time.Time
	TabID      string
	QRCodeURL  string
	CookieFile string
	AccountID  string
	Nickname   string
	Avatar     string
	Error      string
}

type loginRecord struct {
	Record
	cancel context.CancelFunc
}

// Config tunes login processing and record retention.
type Config struct {
	CookieDir      string        // destination directory for captured sessions
	ProcessTimeout time.Duration // QR scan budget for one attempt
	RecordTTL      time.Duration // terminal records older than this are reaped
	BatchGap       time.Duration // pause between batch login starts
	BatchWait      time.Duration // default WaitForBatchComplete budget
	BatchPoll      time.Duration // WaitForBatchComplete poll cadence
}

func (c Config) withDefaults() Config {
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = 5 * time.Minute
	}
	if c.RecordTTL <= 0 {
		c.RecordTTL = 24 * time.Hour
	}
	if c.BatchGap <= 0 {
		c.BatchGap = time.Second
	}
	if c.BatchWait <= 0 {
		c.BatchWait = 5 * time.Minute
	}
	if c.BatchPoll <= 0 {
		c.BatchPoll = 5 * time.Second
	}
	return c
}

// LoginPlugins resolves login plugins; *plugin.Registry satisfies it.
type LoginPlugins interface {
	Login(p platform.Platform) (plugin.LoginPlugin, error)
}

// CookieRotator receives the fresh cookie after a successful login; the sync
// scheduler satisfies it. A NotFoundError simply means the account has no
// sync task yet.
type CookieRotator interface {
	UpdateTaskCookie(accountKey, cookieFile, reason string) error
}

// Coordinator owns the login-record table and the per-attempt background
// processors.
type Coordinator struct {
	broker   browser.Broker
	plugins  LoginPlugins
	accounts store.AccountStore
	rotator  CookieRotator
	cfg      Config
	logger   logging.Logger
	metrics  *metrics.Metrics
	clock    clockwork.Clock

	mu      sync.Mutex
	records map[string]*loginRecord
	closed  bool
}

// New builds a coordinator. rotator may be nil when no scheduler runs. A nil
// clock uses the real one.
func New(broker browser.Broker, plugins LoginPlugins, accounts store.AccountStore, rotator CookieRotator, cfg Config, logger logging.Logger, m *metrics.Metrics, clock clockwork.Clock) *Coordinator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Coordinator{
		broker:   broker,
		plugins:  plugins,
		accounts: accounts,
		rotator:  rotator,
		cfg:      cfg.withDefaults(),
		logger:   logging.OrNop(logger),
		metrics:  m,
		clock:    clock,
		records:  make(map[string]*loginRecord),
	}
}

// StartLogin opens a login tab, extracts the QR code and returns. The scan
// itself is handled by a background processor; callers poll Status. At most
// one pending attempt may exist per user.
func (c *Coordinator) StartLogin(ctx context.Context, p platform.Platform, userID string) (Record, error) {
	if userID == "" {
		return Record{}, &errors.ValidationError{Field: "userId", Reason: "must not be empty"}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Record{}, fmt.Errorf("login coordinator is shut down")
	}
	if existing, ok := c.records[userID]; ok && existing.Status == StatusPending {
		c.mu.Unlock()
		return Record{}, &errors.ValidationError{Field: "userId", Reason: fmt.Sprintf("login already pending for %s", userID)}
	}
	c.mu.Unlock()

	plug, err := c.plugins.Login(p)
	if err != nil {
		return Record{}, err
	}

	tabID, err := c.broker.CreateTab(ctx, browser.CreateOptions{URL: plug.LoginURL(), Owner: browser.OwnerLogin})
	if err != nil {
		return Record{}, fmt.Errorf("create login tab for %s: %w", userID, err)
	}

	started, err := plug.StartLogin(ctx, plugin.StartLoginParams{TabID: tabID, UserID: userID})
	if err != nil {
		_ = c.broker.CloseTab(ctx, tabID)
		return Record{}, fmt.Errorf("start login for %s on %s: %w", userID, p, err)
	}

	procCtx, cancel := context.WithTimeout(context.Background(), c.cfg.ProcessTimeout)
	rec := &loginRecord{
		Record: Record{
			UserID:    userID,
			Platform:  p,
			Status:    StatusPending,
			StartedAt: c.clock.Now(),
			TabID:     tabID,
			QRCodeURL: started.QRCodeURL,
		},
		cancel: cancel,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		_ = c.broker.CloseTab(ctx, tabID)
		return Record{}, fmt.Errorf("login coordinator is shut down")
	}
	c.records[userID] = rec
	snapshot := rec.Record
	c.mu.Unlock()

	c.metrics.IncPendingLogins()
	c.logger.Info("login started for %s on %s, tab %s", userID, p, tabID)

	async.Go(c.logger, "login-processor", func() {
		defer cancel()
		c.process(procCtx, plug, p, userID, tabID)
	})

	return snapshot, nil
}

// process waits for the QR scan, captures the session and finalizes the
// record. The login tab is closed on every exit path.
func (c *Coordinator) process(ctx context.Context, plug plugin.LoginPlugin, p platform.Platform, userID, tabID string) {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.broker.CloseTab(closeCtx, tabID); err != nil {
			c.logger.Warn("close login tab %s for %s: %v", tabID, userID, err)
		}
	}()

	cookieFile := filepath.Join(c.cfg.CookieDir, fmt.Sprintf("%s_%s_%d.json", p, userID, c.clock.Now().Unix()))
	result, err := plug.ProcessLogin(ctx, plugin.ProcessLoginParams{TabID: tabID, UserID: userID, CookieFile: cookieFile})
	if err != nil {
		if c.finalize(userID, StatusFailed, func(rec *Record) {
			rec.Error = err.Error()
		}) {
			c.logger.Warn("login for %s on %s failed: %v", userID, p, err)
		}
		return
	}

	accountID := result.AccountID
	if accountID == "" {
		accountID = userID
	}
	if !c.finalize(userID, StatusCompleted, func(rec *Record) {
		rec.CookieFile = cookieFile
		rec.AccountID = accountID
		rec.Nickname = result.Nickname
		rec.Avatar = result.Avatar
	}) {
		return // cancelled while we were waiting
	}

	c.logger.Info("login completed for %s on %s, account %s", userID, p, accountID)
	c.adoptAccount(ctx, p, accountID, cookieFile)
}

// adoptAccount persists the fresh session and rotates any existing sync
// task's cookie so a quarantined account recovers without operator action.
func (c *Coordinator) adoptAccount(ctx context.Context, p platform.Platform, accountID, cookieFile string) {
	if c.accounts != nil {
		if _, err := c.accounts.Upsert(ctx, store.AccountRecord{
			Platform:      p,
			Name:          accountID,
			CookieFile:    cookieFile,
			Status:        store.AccountStatusValid,
			LastCheckedAt: c.clock.Now(),
		}); err != nil {
			c.logger.Error("persist account %s/%s after login: %v", p, accountID, err)
		}
	}
	if c.rotator != nil {
		key := platform.AccountKey(p, accountID)
		if err := c.rotator.UpdateTaskCookie(key, cookieFile, "login"); err != nil {
			var nfe *errors.NotFoundError
			if stderrors.As(err, &nfe) {
				return // no sync task for this account yet
			}
			c.logger.Warn("rotate sync cookie for %s: %v", key, err)
		}
	}
}

// finalize moves a pending record into a terminal state. It reports false
// when the record was already terminal (e.g. cancelled first).
func (c *Coordinator) finalize(userID string, status Status, mutate func(*Record)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[userID]
	if !ok || rec.Status != StatusPending {
		return false
	}
	rec.Status = status
	rec.EndedAt = c.clock.Now()
	if mutate != nil {
		mutate(&rec.Record)
	}
	c.metrics.DecPendingLogins()
	return true
}

// CancelLogin aborts a pending attempt. The background processor observes
// the cancellation and leaves the record untouched.
func (c *Coordinator) CancelLogin(ctx context.Context, userID string) error {
	c.mu.Lock()
	rec, ok := c.records[userID]
	if !ok {
		c.mu.Unlock()
		return &errors.NotFoundError{Resource: "login", Key: userID}
	}
	if rec.Status != StatusPending {
		c.mu.Unlock()
		return &errors.ValidationError{Field: "userId", Reason: fmt.Sprintf("login for %s is already %s", userID, rec.Status)}
	}
	rec.Status = StatusCancelled
	rec.EndedAt = c.clock.Now()
	cancel := rec.cancel
	tabID := rec.TabID
	p := rec.Platform
	c.mu.Unlock()

	c.metrics.DecPendingLogins()
	if cancel != nil {
		cancel()
	}
	if plug, err := c.plugins.Login(p); err == nil {
		if err := plug.CancelLogin(ctx, tabID); err != nil {
			c.logger.Debug("plugin cancel for %s: %v", userID, err)
		}
	}
	c.logger.Info("login cancelled for %s", userID)
	return nil
}

// Status returns a copy of the user's latest login record.
func (c *Coordinator) Status(userID string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.records[userID]; ok {
		return rec.Record, true
	}
	return Record{}, false
}

// Records snapshots every login record for status endpoints.
func (c *Coordinator) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, rec.Record)
	}
	return out
}

// Sweep deletes terminal records older than the TTL, counting from EndedAt
// (StartedAt when the end was never stamped). It returns how many were
// removed.
func (c *Coordinator) Sweep() int {
	cutoff := c.clock.Now().Add(-c.cfg.RecordTTL)

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for userID, rec := range c.records {
		if !rec.Status.Terminal() {
			continue
		}
		ended := rec.EndedAt
		if ended.IsZero() {
			ended = rec.StartedAt
		}
		if ended.Before(cutoff) {
			delete(c.records, userID)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Info("login janitor removed %d stale records", removed)
	}
	return removed
}

// Close cancels every pending attempt and rejects further starts. The
// background processors close their own tabs.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	var cancels []context.CancelFunc
	for _, rec := range c.records {
		if rec.Status == StatusPending && rec.cancel != nil {
			cancels = append(cancels, rec.cancel)
		}
	}
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}
