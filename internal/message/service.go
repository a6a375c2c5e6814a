// Package message is the engine glue over the message stores, the plugin
// registry and the tab custodian: single and batch syncs, directed sends,
// inbox queries and the compatibility entry that registers scheduler tasks.
package message

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"postpilot/internal/errors"
	"postpilot/internal/logging"
	"postpilot/internal/metrics"
	"postpilot/internal/platform"
	"postpilot/internal/plugin"
	"postpilot/internal/scheduler"
	"postpilot/internal/store"
)

// Plugins resolves message plugins; *plugin.Registry satisfies it.
type Plugins interface {
	Message(p platform.Platform) (plugin.MessagePlugin, error)
}

// Tabs is the custodian slice the service needs: healthy tabs for syncs and
// lookups for directed sends.
type Tabs interface {
	EnsureMessageTab(ctx context.Context, p platform.Platform, accountID, cookieFile string) (string, error)
	TabFor(accountKey string) (string, bool)
}

// TaskRegistrar registers recurring sync tasks; the scheduler satisfies it.
type TaskRegistrar interface {
	AddTask(p platform.Platform, accountID, cookieFile string, opts scheduler.TaskOptions) (string, error)
}

// Config tunes batch fan-out and the account lookup cache.
type Config struct {
	SyncConcurrency  int           // parallel batch syncs
	SyncTimeout      time.Duration // per-account budget inside a batch
	AccountCacheSize int
	AccountCacheTTL  time.Duration
}

func (c Config) withDefaults() Config {
	if c.SyncConcurrency <= 0 {
		c.SyncConcurrency = 5
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = 30 * time.Second
	}
	if c.AccountCacheSize <= 0 {
		c.AccountCacheSize = 256
	}
	if c.AccountCacheTTL <= 0 {
		c.AccountCacheTTL = 5 * time.Minute
	}
	return c
}

// accountEntry is one cached account-store lookup.
type accountEntry struct {
	rec      store.AccountRecord
	storedAt time.Time
}

// Service owns the message workflows. All methods are safe for concurrent
// use; state lives in the stores and the custodian.
type Service struct {
	plugins  Plugins
	tabs     Tabs
	messages store.MessageStore
	accounts store.AccountStore
	sched    TaskRegistrar
	cfg      Config
	logger   logging.Logger
	metrics  *metrics.Metrics
	clock    clockwork.Clock
	cache    *lru.Cache[string, accountEntry]
}

// New builds the service. sched may be nil when no scheduler is wired;
// StartScheduler then fails. A nil clock uses the real one.
func New(plugins Plugins, tabs Tabs, messages store.MessageStore, accounts store.AccountStore, sched TaskRegistrar, cfg Config, logger logging.Logger, m *metrics.Metrics, clock clockwork.Clock) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	cfg = cfg.withDefaults()
	cache, err := lru.New[string, accountEntry](cfg.AccountCacheSize)
	if err != nil {
		cache = nil // only reachable with a non-positive size, guarded above
	}
	return &Service{
		plugins:  plugins,
		tabs:     tabs,
		messages: messages,
		accounts: accounts,
		sched:    sched,
		cfg:      cfg,
		logger:   logging.OrNop(logger),
		metrics:  m,
		clock:    clock,
		cache:    cache,
	}
}

// SyncAccount pulls new threads and messages for one account. An empty
// cookieFile falls back to the stored account record.
func (s *Service) SyncAccount(ctx context.Context, p platform.Platform, accountID, cookieFile string) (*plugin.SyncResult, error) {
	if !p.IsValid() {
		return nil, &errors.ValidationError{Field: "platform", Reason: fmt.Sprintf("unknown platform %q", p)}
	}
	if accountID == "" {
		return nil, &errors.ValidationError{Field: "accountId", Reason: "must not be empty"}
	}
	if cookieFile == "" {
		rec, err := s.resolveAccount(ctx, p, accountID)
		if err != nil {
			return nil, fmt.Errorf("resolve cookie for %s: %w", platform.AccountKey(p, accountID), err)
		}
		cookieFile = rec.CookieFile
	}

	start := s.clock.Now()
	tabID, err := s.tabs.EnsureMessageTab(ctx, p, accountID, cookieFile)
	if err != nil {
		s.metrics.ObserveSyncDuration(string(p), "failure", s.clock.Since(start))
		s.metrics.IncSyncFailure(string(p), "ensure_tab")
		return nil, fmt.Errorf("ensure message tab for %s: %w", platform.AccountKey(p, accountID), err)
	}

	result, err := s.SyncTab(ctx, p, accountID, tabID, false)
	if err != nil {
		s.metrics.ObserveSyncDuration(string(p), "failure", s.clock.Since(start))
		s.metrics.IncSyncFailure(string(p), "sync")
		return nil, err
	}
	s.metrics.ObserveSyncDuration(string(p), "success", s.clock.Since(start))
	return result, nil
}

// SyncTab runs a sync against an already-prepared tab and persists what it
// extracted. The scheduler calls this with the tab it ensured itself.
func (s *Service) SyncTab(ctx context.Context, p platform.Platform, accountID, tabID string, fullSync bool) (*plugin.SyncResult, error) {
	plug, err := s.plugins.Message(p)
	if err != nil {
		return nil, err
	}

	result, err := plug.SyncMessages(ctx, plugin.SyncParams{TabID: tabID, AccountID: accountID, FullSync: fullSync})
	if err != nil {
		return nil, fmt.Errorf("sync messages for %s: %w", platform.AccountKey(p, accountID), err)
	}
	if result == nil {
		result = &plugin.SyncResult{}
	}

	inserted, err := s.persistSync(ctx, p, accountID, result)
	if err != nil {
		return nil, fmt.Errorf("persist sync for %s: %w", platform.AccountKey(p, accountID), err)
	}
	// The store deduplicates on message id, so its insert count is what the
	// sync counters accumulate.
	result.NewMessages = inserted

	s.logger.Info("synced %s: %d threads, %d new messages",
		platform.AccountKey(p, accountID), len(result.Threads), inserted)
	return result, nil
}

// persistSync writes threads, messages and the advanced cursor. Returns how
// many message rows were actually new.
func (s *Service) persistSync(ctx context.Context, p platform.Platform, accountID string, result *plugin.SyncResult) (int, error) {
	now := s.clock.Now()
	threads := make([]store.ThreadRecord, 0, len(result.Threads))
	var msgs []store.MessageRecord
	var newestID string
	var newestAt time.Time

	for _, t := range result.Threads {
		lastAt := time.Time{}
		for _, m := range t.Messages {
			msgs = append(msgs, store.MessageRecord{
				ID:        m.MessageID,
				ThreadID:  t.ThreadID,
				Platform:  p,
				AccountID: accountID,
				SenderID:  m.SenderID,
				Content:   m.Content,
				Type:      m.Type,
				IsSelf:    m.IsSelf,
				Read:      m.IsSelf, // own messages never count as unread
				SentAt:    m.SentAt,
			})
			if m.SentAt.After(lastAt) {
				lastAt = m.SentAt
			}
			if m.SentAt.After(newestAt) {
				newestAt = m.SentAt
				newestID = m.MessageID
			}
		}
		if lastAt.IsZero() {
			lastAt = now
		}
		threads = append(threads, store.ThreadRecord{
			ID:            t.ThreadID,
			Platform:      p,
			AccountID:     accountID,
			PeerID:        t.PeerID,
			PeerName:      t.PeerName,
			PeerAvatar:    t.PeerAvatar,
			Unread:        t.Unread,
			LastMessageAt: lastAt,
			UpdatedAt:     now,
		})
	}

	if len(threads) > 0 {
		if err := s.messages.UpsertThreads(ctx, threads); err != nil {
			return 0, err
		}
	}
	inserted := 0
	if len(msgs) > 0 {
		n, err := s.messages.InsertMessages(ctx, msgs)
		if err != nil {
			return 0, err
		}
		inserted = n
	}

	cur, err := s.messages.Cursor(ctx, p, accountID)
	if err != nil {
		cur = store.SyncCursor{}
	}
	cur.Platform = p
	cur.AccountID = accountID
	cur.LastSyncAt = now
	if newestID != "" {
		cur.LastMessageID = newestID
	}
	if err := s.messages.SaveCursor(ctx, cur); err != nil {
		return inserted, err
	}
	return inserted, nil
}

// SyncRequest names one account inside a batch sync.
type SyncRequest struct {
	Platform   platform.Platform
	AccountID  string
	CookieFile string
}

// SyncOutcome is one account's share of a batch sync.
type SyncOutcome struct {
	Platform    platform.Platform
	AccountID   string
	Success     bool
	Threads     int
	NewMessages int
	Error       string
}

// SyncBatch fans the requests out with bounded parallelism and a per-account
// timeout. A failed account never aborts the rest.
func (s *Service) SyncBatch(ctx context.Context, reqs []SyncRequest) []SyncOutcome {
	outcomes := make([]SyncOutcome, len(reqs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.SyncConcurrency)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			syncCtx, cancel := context.WithTimeout(ctx, s.cfg.SyncTimeout)
			defer cancel()

			out := SyncOutcome{Platform: req.Platform, AccountID: req.AccountID}
			result, err := s.SyncAccount(syncCtx, req.Platform, req.AccountID, req.CookieFile)
			if err != nil {
				out.Error = err.Error()
				s.logger.Warn("batch sync %s: %v", platform.AccountKey(req.Platform, req.AccountID), err)
			} else {
				out.Success = true
				out.Threads = len(result.Threads)
				out.NewMessages = result.NewMessages
			}
			outcomes[i] = out
			return nil // per-account failures stay in the outcome
		})
	}
	_ = g.Wait()
	return outcomes
}

// SendRequest delivers one outbound message. TabID may be empty when the
// account has a custodian-managed message tab; ThreadID is optional, the
// platform script can locate the conversation by PeerID.
type SendRequest struct {
	Platform  platform.Platform
	TabID     string
	AccountID string
	ThreadID  string
	PeerID    string
	Content   string
	Type      string // text, image; empty means text
}

// Send delivers the message through the platform's workspace tab and, when
// the thread is known, records the outbound row.
func (s *Service) Send(ctx context.Context, req SendRequest) (*plugin.SendResult, error) {
	if !req.Platform.IsValid() {
		return nil, &errors.ValidationError{Field: "platform", Reason: fmt.Sprintf("unknown platform %q", req.Platform)}
	}
	if req.Content == "" {
		return nil, &errors.ValidationError{Field: "content", Reason: "must not be empty"}
	}
	if req.ThreadID == "" && req.PeerID == "" {
		return nil, &errors.ValidationError{Field: "userName", Reason: "either a thread id or a peer is required"}
	}
	if req.Type == "" {
		req.Type = "text"
	}

	tabID := req.TabID
	if tabID == "" {
		if req.AccountID == "" {
			return nil, &errors.ValidationError{Field: "tabId", Reason: "a tab id or an account id is required"}
		}
		key := platform.AccountKey(req.Platform, req.AccountID)
		id, ok := s.tabs.TabFor(key)
		if !ok {
			return nil, &errors.NotFoundError{Resource: "message tab", Key: key}
		}
		tabID = id
	}

	plug, err := s.plugins.Message(req.Platform)
	if err != nil {
		return nil, err
	}
	result, err := plug.SendMessage(ctx, plugin.SendParams{
		TabID:     tabID,
		AccountID: req.AccountID,
		ThreadID:  req.ThreadID,
		PeerID:    req.PeerID,
		Content:   req.Content,
		Type:      req.Type,
	})
	if err != nil {
		return nil, fmt.Errorf("send message on %s: %w", req.Platform, err)
	}

	if result != nil && result.Delivered && req.ThreadID != "" {
		id := result.MessageID
		if id == "" {
			id = uuid.NewString()
		}
		_, err := s.messages.InsertMessages(ctx, []store.MessageRecord{{
			ID:        id,
			ThreadID:  req.ThreadID,
			Platform:  req.Platform,
			AccountID: req.AccountID,
			SenderID:  req.AccountID,
			Content:   req.Content,
			Type:      req.Type,
			IsSelf:    true,
			Read:      true,
			SentAt:    s.clock.Now(),
		}})
		if err != nil {
			s.logger.Warn("record outbound message in thread %s: %v", req.ThreadID, err)
		}
	}
	return result, nil
}

// StartScheduler registers a recurring sync task for the account. The
// caller-supplied cookie path is authoritative; the account store is only
// consulted when it is empty.
func (s *Service) StartScheduler(ctx context.Context, p platform.Platform, accountID, cookieFile string, opts scheduler.TaskOptions) (string, error) {
	if s.sched == nil {
		return "", fmt.Errorf("sync scheduler not attached")
	}
	if cookieFile == "" {
		rec, err := s.resolveAccount(ctx, p, accountID)
		if err != nil {
			return "", fmt.Errorf("resolve cookie for %s: %w", platform.AccountKey(p, accountID), err)
		}
		cookieFile = rec.CookieFile
	}
	return s.sched.AddTask(p, accountID, cookieFile, opts)
}

// resolveAccount looks the account up in the store through a TTL'd LRU, so
// batch flows do not hammer the accounts table.
func (s *Service) resolveAccount(ctx context.Context, p platform.Platform, accountID string) (store.AccountRecord, error) {
	key := platform.AccountKey(p, accountID)
	if s.cache != nil {
		if entry, ok := s.cache.Get(key); ok {
			if s.clock.Since(entry.storedAt) < s.cfg.AccountCacheTTL {
				return entry.rec, nil
			}
			s.cache.Remove(key)
		}
	}

	if s.accounts == nil {
		return store.AccountRecord{}, &errors.NotFoundError{Resource: "account", Key: key}
	}
	rec, err := s.accounts.GetByName(ctx, p, accountID)
	if err != nil {
		return store.AccountRecord{}, err
	}
	if s.cache != nil {
		s.cache.Add(key, accountEntry{rec: rec, storedAt: s.clock.Now()})
	}
	return rec, nil
}
