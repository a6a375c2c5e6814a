package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"postpilot/internal/async"
	"postpilot/internal/errors"
	"postpilot/internal/logging"
	"postpilot/internal/platform"
	"postpilot/internal/plugin"
)

// Stable operator-facing messages for the plugin start reasons.
const (
	MsgValidationFailed      = "账号已失效，请重新登录"
	MsgAlreadyMonitoring     = "账号已在监听中"
	MsgScriptInjectionFailed = "监听脚本启动失败，请重试"
)

func reasonMessage(reason string) string {
	switch reason {
	case plugin.MonitorReasonValidationFailed:
		return MsgValidationFailed
	case plugin.MonitorReasonAlreadyMonitoring:
		return MsgAlreadyMonitoring
	case plugin.MonitorReasonScriptInjectionFailed:
		return MsgScriptInjectionFailed
	}
	return reason
}

// AccountRef names one monitorable account and its session.
type AccountRef struct {
	Platform   platform.Platform
	AccountID  string
	CookieFile string
}

// Key returns the canonical account key.
func (r AccountRef) Key() string { return platform.AccountKey(r.Platform, r.AccountID) }

// MonitorState is the live record of one monitored account.
type MonitorState struct {
	AccountKey string
	Platform   platform.Platform
	AccountID  string
	CookieFile string
	TabID      string
	StartedAt  time.Time
}

// StartOutcome reports one start attempt. Message carries the mapped
// operator-facing text when the platform script declined.
type StartOutcome struct {
	AccountKey  string
	Platform    platform.Platform
	AccountID   string
	Started     bool
	Reason      string
	Message     string
	NewMessages int
}

// BatchRequest drives BatchStart. Empty Accounts means discover candidates
// from the message subsystem. SyncConcurrency and SyncTimeout, when positive,
// override the configured phase-1 bounds for this batch only.
type BatchRequest struct {
	Accounts        []AccountRef
	WithSync        bool
	SyncConcurrency int
	SyncTimeout     time.Duration
}

// BatchResult aggregates a batch start. The three counters partition the
// attempted accounts.
type BatchResult struct {
	SuccessCount          int
	FailedCount           int
	ValidationFailedCount int
	TotalNewMessages      int
	Outcomes              []StartOutcome
}

// Config tunes the two batch phases.
type Config struct {
	SyncConcurrency int           // phase-1 parallel sync bound
	SyncTimeout     time.Duration // phase-1 per-account budget
	StartGap        time.Duration // pause between serial starts
}

func (c Config) withDefaults() Config {
	if c.SyncConcurrency <= 0 {
		c.SyncConcurrency = 5
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = 30 * time.Second
	}
	if c.StartGap <= 0 {
		c.StartGap = time.Second
	}
	return c
}

// MessagePlugins resolves message plugins; *plugin.Registry satisfies it.
type MessagePlugins interface {
	Message(p platform.Platform) (plugin.MessagePlugin, error)
}

// TabCustodian is the slice of the custodian the orchestrator drives: a
// healthy locked tab on start, release on stop.
type TabCustodian interface {
	EnsureMessageTab(ctx context.Context, p platform.Platform, accountID, cookieFile string) (string, error)
	Cleanup(ctx context.Context, accountKey string) error
}

// Syncer runs phase-1 syncs; the message service satisfies it.
type Syncer interface {
	SyncAccount(ctx context.Context, p platform.Platform, accountID, cookieFile string) (*plugin.SyncResult, error)
}

// AccountSource lists candidates for auto-discovery; the message service
// satisfies it.
type AccountSource interface {
	MonitorableAccounts(ctx context.Context) ([]AccountRef, error)
}

// Orchestrator starts and stops per-account message listeners and keeps the
// authoritative table of what is being monitored.
type Orchestrator struct {
	plugins MessagePlugins
	tabs    TabCustodian
	syncer  Syncer
	source  AccountSource
	cfg     Config
	logger  logging.Logger
	clock   clockwork.Clock

	mu     sync.Mutex
	active map[string]*MonitorState
}

// New builds an orchestrator. syncer and source may be nil when the message
// service is not wired; BatchStart then skips sync and rejects discovery. A
// nil clock uses the real one.
func New(plugins MessagePlugins, tabs TabCustodian, syncer Syncer, source AccountSource, cfg Config, logger logging.Logger, clock clockwork.Clock) *Orchestrator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Orchestrator{
		plugins: plugins,
		tabs:    tabs,
		syncer:  syncer,
		source:  source,
		cfg:     cfg.withDefaults(),
		logger:  logging.OrNop(logger),
		clock:   clock,
		active:  make(map[string]*MonitorState),
	}
}

// StartSingle begins monitoring one account: ensure the message tab, then
// hand it to the platform's monitoring script. A declined start is a normal
// outcome; the error return covers bad input and infrastructure failures.
func (o *Orchestrator) StartSingle(ctx context.Context, ref AccountRef) (StartOutcome, error) {
	if !ref.Platform.IsValid() {
		return StartOutcome{}, &errors.ValidationError{Field: "platform", Reason: fmt.Sprintf("unknown platform %q", ref.Platform)}
	}
	if ref.AccountID == "" {
		return StartOutcome{}, &errors.ValidationError{Field: "accountId", Reason: "must not be empty"}
	}

	key := ref.Key()
	outcome := StartOutcome{AccountKey: key, Platform: ref.Platform, AccountID: ref.AccountID}

	o.mu.Lock()
	if _, exists := o.active[key]; exists {
		o.mu.Unlock()
		outcome.Reason = plugin.MonitorReasonAlreadyMonitoring
		outcome.Message = MsgAlreadyMonitoring
		return outcome, nil
	}
	o.mu.Unlock()

	plug, err := o.plugins.Message(ref.Platform)
	if err != nil {
		return outcome, err
	}

	tabID, err := o.tabs.EnsureMessageTab(ctx, ref.Platform, ref.AccountID, ref.CookieFile)
	if err != nil {
		return outcome, fmt.Errorf("prepare message tab for %s: %w", key, err)
	}

	result, err := plug.StartMonitoring(ctx, plugin.MonitorParams{TabID: tabID, AccountKey: key})
	if err != nil {
		return outcome, fmt.Errorf("start monitoring script for %s: %w", key, err)
	}
	if !result.Started {
		outcome.Reason = result.Reason
		outcome.Message = reasonMessage(result.Reason)
		o.logger.Warn("monitoring declined for %s: %s", key, outcome.Message)
		return outcome, nil
	}

	o.mu.Lock()
	o.active[key] = &MonitorState{
		AccountKey: key,
		Platform:   ref.Platform,
		AccountID:  ref.AccountID,
		CookieFile: ref.CookieFile,
		TabID:      tabID,
		StartedAt:  o.clock.Now(),
	}
	o.mu.Unlock()

	outcome.Started = true
	o.logger.Info("monitoring started for %s on tab %s", key, tabID)
	return outcome, nil
}

// BatchStart optionally syncs the accounts in parallel, then starts their
// listeners serially with a gap so the target sites never see a burst.
func (o *Orchestrator) BatchStart(ctx context.Context, req BatchRequest) (BatchResult, error) {
	accounts := req.Accounts
	if len(accounts) == 0 {
		if o.source == nil {
			return BatchResult{}, &errors.ValidationError{Field: "accounts", Reason: "no accounts given and discovery is unavailable"}
		}
		discovered, err := o.source.MonitorableAccounts(ctx)
		if err != nil {
			return BatchResult{}, fmt.Errorf("discover monitorable accounts: %w", err)
		}
		accounts = discovered
		o.logger.Info("batch start discovered %d monitorable accounts", len(accounts))
	}
	if len(accounts) == 0 {
		return BatchResult{}, nil
	}

	var counts map[string]int
	if req.WithSync && o.syncer != nil {
		counts = o.syncPhase(ctx, accounts, req)
	}

	result := BatchResult{Outcomes: make([]StartOutcome, 0, len(accounts))}
	for i, ref := range accounts {
		if i > 0 {
			if !async.Sleep(ctx, o.cfg.StartGap) {
				return result, ctx.Err()
			}
		}

		outcome, err := o.StartSingle(ctx, ref)
		if err != nil {
			outcome.AccountKey = ref.Key()
			outcome.Platform = ref.Platform
			outcome.AccountID = ref.AccountID
			outcome.Message = err.Error()
			o.logger.Warn("batch start for %s: %v", ref.Key(), err)
		}
		outcome.NewMessages = counts[outcome.AccountKey]
		result.TotalNewMessages += outcome.NewMessages

		switch {
		case outcome.Started:
			result.SuccessCount++
		case outcome.Reason == plugin.MonitorReasonValidationFailed:
			result.ValidationFailedCount++
		default:
			result.FailedCount++
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}

	o.logger.Info("batch start finished: %d ok, %d failed, %d need re-login",
		result.SuccessCount, result.FailedCount, result.ValidationFailedCount)
	return result, nil
}

// syncPhase pulls messages for every account with bounded parallelism. Sync
// failures are logged and yield a zero count; they never abort the batch.
func (o *Orchestrator) syncPhase(ctx context.Context, accounts []AccountRef, req BatchRequest) map[string]int {
	limit := o.cfg.SyncConcurrency
	if req.SyncConcurrency > 0 {
		limit = req.SyncConcurrency
	}
	budget := o.cfg.SyncTimeout
	if req.SyncTimeout > 0 {
		budget = req.SyncTimeout
	}

	counts := make(map[string]int, len(accounts))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, ref := range accounts {
		ref := ref
		g.Go(func() error {
			syncCtx, cancel := context.WithTimeout(ctx, budget)
			defer cancel()

			result, err := o.syncer.SyncAccount(syncCtx, ref.Platform, ref.AccountID, ref.CookieFile)
			if err != nil {
				o.logger.Warn("pre-monitoring sync for %s: %v", ref.Key(), err)
				return nil // keep syncing the rest
			}
			mu.Lock()
			counts[ref.Key()] = result.NewMessages
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return counts
}

// Stop ends monitoring for one account and releases its message tab.
func (o *Orchestrator) Stop(ctx context.Context, accountKey string) error {
	o.mu.Lock()
	st, ok := o.active[accountKey]
	if !ok {
		o.mu.Unlock()
		return &errors.NotFoundError{Resource: "monitor", Key: accountKey}
	}
	delete(o.active, accountKey)
	o.mu.Unlock()

	if plug, err := o.plugins.Message(st.Platform); err == nil {
		if err := plug.StopMonitoring(ctx, accountKey); err != nil {
			o.logger.Warn("stop monitoring script for %s: %v", accountKey, err)
		}
	}
	if err := o.tabs.Cleanup(ctx, accountKey); err != nil {
		o.logger.Warn("release message tab for %s: %v", accountKey, err)
	}
	o.logger.Info("monitoring stopped for %s", accountKey)
	return nil
}

// StopAll stops every monitored account and reports how many were stopped.
func (o *Orchestrator) StopAll(ctx context.Context) int {
	o.mu.Lock()
	keys := make([]string, 0, len(o.active))
	for key := range o.active {
		keys = append(keys, key)
	}
	o.mu.Unlock()
	sort.Strings(keys)

	stopped := 0
	for _, key := range keys {
		if err := o.Stop(ctx, key); err == nil {
			stopped++
		}
	}
	return stopped
}

// IsMonitoring reports whether the account has a live listener.
func (o *Orchestrator) IsMonitoring(accountKey string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[accountKey]
	return ok
}

// Status snapshots the monitored accounts, sorted by key.
func (o *Orchestrator) Status() []MonitorState {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]MonitorState, 0, len(o.active))
	for _, st := range o.active {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountKey < out[j].AccountKey })
	return out
}
