// Package scheduler runs recurring message syncs, one task per account.
// Tasks back off exponentially on consecutive failures and are quarantined
// (status=error, disabled) once the failure budget is spent; rotating the
// account cookie lifts the quarantine.
package scheduler

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"postpilot/internal/async"
	"postpilot/internal/errors"
	"postpilot/internal/logging"
	"postpilot/internal/metrics"
	"postpilot/internal/platform"
	"postpilot/internal/plugin"
)

// Config tunes dispatch and failure handling.
type Config struct {
	TickInterval         time.Duration // master tick cadence
	DefaultSyncInterval  time.Duration // per-task interval when the task does not set one
	MaxConcurrent        int           // running-task gate
	GateRetryDelay       time.Duration // re-arm delay when the gate is full
	BackoffMultiplier    float64       // delay growth per consecutive error
	MaxBackoff           time.Duration // delay ceiling
	MaxConsecutiveErrors int           // quarantine threshold
	StopDrainTimeout     time.Duration // how long Stop waits for running syncs
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.DefaultSyncInterval <= 0 {
		c.DefaultSyncInterval = 5 * time.Minute
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.GateRetryDelay <= 0 {
		c.GateRetryDelay = 30 * time.Second
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = 2
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Minute
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = 3
	}
	if c.StopDrainTimeout <= 0 {
		c.StopDrainTimeout = 30 * time.Second
	}
	return c
}

// SyncOptions selects how much history a sync pass pulls. Scheduled runs are
// always incremental.
type SyncOptions struct {
	FullSync bool
}

// SyncFunc performs one message sync against an already-prepared tab.
type SyncFunc func(ctx context.Context, p platform.Platform, accountID, tabID string, opts SyncOptions) (*plugin.SyncResult, error)

// TabProvider supplies healthy message tabs; the custodian satisfies it.
type TabProvider interface {
	EnsureMessageTab(ctx context.Context, p platform.Platform, accountID, cookieFile string) (string, error)
}

// Scheduler owns the task set, a 30 s master tick and one deferred timer per
// task. At most one timer exists per task; arming a new one cancels the old.
type Scheduler struct {
	tabs    TabProvider
	syncFn  SyncFunc
	cfg     Config
	logger  logging.Logger
	metrics *metrics.Metrics
	clock   clockwork.Clock

	mu        sync.Mutex
	tasks     map[string]*SyncTask       // task ID -> task
	byAccount map[string]string          // account key -> task ID
	timers    map[string]clockwork.Timer // task ID -> pending run
	running   map[string]time.Time       // task ID -> start time
	ticker    clockwork.Ticker
	tickDone  chan struct{}
	isRunning bool
}

// New builds a stopped scheduler. A nil clock uses the real one.
func New(tabs TabProvider, syncFn SyncFunc, cfg Config, logger logging.Logger, m *metrics.Metrics, clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		tabs:      tabs,
		syncFn:    syncFn,
		cfg:       cfg.withDefaults(),
		logger:    logging.OrNop(logger),
		metrics:   m,
		clock:     clock,
		tasks:     make(map[string]*SyncTask),
		byAccount: make(map[string]string),
		timers:    make(map[string]clockwork.Timer),
		running:   make(map[string]time.Time),
	}
}

// Start arms the master tick and schedules every enabled task. Safe to call
// once; later calls are no-ops until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	s.ticker = s.clock.NewTicker(s.cfg.TickInterval)
	s.tickDone = make(chan struct{})
	armed := 0
	for _, task := range s.tasks {
		if task.Status == StatusStopped {
			task.Status = StatusPending
		}
		if task.Enabled && task.Status == StatusPending {
			s.armTimerLocked(task, s.delayFor(task))
			armed++
		}
	}
	ticker, done := s.ticker, s.tickDone
	s.mu.Unlock()

	async.Go(s.logger, "scheduler-tick", func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.Chan():
				s.dispatchReady()
			}
		}
	})
	async.Go(s.logger, "scheduler-ctx", func() {
		<-ctx.Done()
		s.Stop()
	})

	s.logger.Info("sync scheduler started, %d of %d tasks armed", armed, len(s.tasks))
	return nil
}

// Stop cancels every timer and waits up to the drain timeout for running
// syncs to finish. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.ticker.Stop()
	close(s.tickDone)
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	for _, task := range s.tasks {
		if task.Status == StatusPending {
			task.Status = StatusStopped
		}
	}
	s.mu.Unlock()

	deadline := s.clock.Now().Add(s.cfg.StopDrainTimeout)
	for {
		s.mu.Lock()
		pending := len(s.running)
		s.mu.Unlock()
		if pending == 0 {
			break
		}
		if s.clock.Now().After(deadline) {
			s.logger.Warn("sync scheduler stopping with %d syncs still running", pending)
			break
		}
		s.clock.Sleep(50 * time.Millisecond)
	}
	s.logger.Info("sync scheduler stopped")
}

// AddTask registers a sync task for the account. Adding an account that
// already has a task keeps the existing task; a changed cookie path counts as
// a rotation, which also lifts any quarantine.
func (s *Scheduler) AddTask(p platform.Platform, accountID, cookieFile string, opts TaskOptions) (string, error) {
	if accountID == "" {
		return "", &errors.ValidationError{Field: "accountId", Reason: "must not be empty"}
	}
	if cookieFile == "" {
		return "", &errors.ValidationError{Field: "cookieFile", Reason: "must not be empty"}
	}

	key := platform.AccountKey(p, accountID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byAccount[key]; ok {
		task := s.tasks[id]
		if task.CurrentCookieFile != cookieFile {
			s.rotateCookieLocked(task, cookieFile, "task re-added")
		}
		return id, nil
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = s.cfg.DefaultSyncInterval
	}
	priority := opts.Priority
	if priority == 0 {
		priority = 5
	}
	if priority < 1 {
		priority = 1
	}
	if priority > 10 {
		priority = 10
	}

	task := &SyncTask{
		ID:                uuid.NewString(),
		Platform:          p,
		AccountID:         accountID,
		CurrentCookieFile: cookieFile,
		LastCookieUpdate:  s.clock.Now(),
		CookieUpdateCount: 1,
		SyncInterval:      interval,
		Enabled:           true,
		Priority:          priority,
		Status:            StatusPending,
	}
	s.tasks[task.ID] = task
	s.byAccount[key] = task.ID
	if s.isRunning {
		s.armTimerLocked(task, s.delayFor(task))
	}
	s.logger.Info("sync task added for %s (interval %s, priority %d)", key, interval, priority)
	return task.ID, nil
}

// RemoveTask drops the account's task and cancels its timer. A run already
// in flight finishes but records nothing.
func (s *Scheduler) RemoveTask(accountKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byAccount[accountKey]
	if !ok {
		return &errors.NotFoundError{Resource: "sync task", Key: accountKey}
	}
	if timer := s.timers[id]; timer != nil {
		timer.Stop()
		delete(s.timers, id)
	}
	delete(s.tasks, id)
	delete(s.byAccount, accountKey)
	s.metrics.SetQuarantinedTasks(s.quarantinedLocked())
	s.logger.Info("sync task removed for %s", accountKey)
	return nil
}

// PauseTask disables the task and cancels its timer.
func (s *Scheduler) PauseTask(accountKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byAccount[accountKey]
	if !ok {
		return &errors.NotFoundError{Resource: "sync task", Key: accountKey}
	}
	task := s.tasks[id]
	task.Enabled = false
	if task.Status != StatusRunning {
		task.Status = StatusPaused
	}
	if timer := s.timers[id]; timer != nil {
		timer.Stop()
		delete(s.timers, id)
	}
	return nil
}

// ResumeTask re-enables a paused task. Accumulated consecutive errors still
// apply to the next delay.
func (s *Scheduler) ResumeTask(accountKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byAccount[accountKey]
	if !ok {
		return &errors.NotFoundError{Resource: "sync task", Key: accountKey}
	}
	task := s.tasks[id]
	task.Enabled = true
	if task.Status != StatusRunning {
		task.Status = StatusPending
	}
	if s.isRunning && task.Status == StatusPending {
		s.armTimerLocked(task, s.delayFor(task))
	}
	return nil
}

// UpdateTaskCookie swaps the task's cookie file, clears its error state and
// re-arms it. This is the recovery path out of quarantine.
func (s *Scheduler) UpdateTaskCookie(accountKey, cookieFile, reason string) error {
	if cookieFile == "" {
		return &errors.ValidationError{Field: "cookieFile", Reason: "must not be empty"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byAccount[accountKey]
	if !ok {
		return &errors.NotFoundError{Resource: "sync task", Key: accountKey}
	}
	s.rotateCookieLocked(s.tasks[id], cookieFile, reason)
	return nil
}

// rotateCookieLocked applies a cookie rotation: fresh file, error state
// cleared, quarantine lifted. Must be called with s.mu held. Tasks mid-run
// keep running; their finish path arms the next timer.
func (s *Scheduler) rotateCookieLocked(task *SyncTask, cookieFile, reason string) {
	task.CurrentCookieFile = cookieFile
	task.LastCookieUpdate = s.clock.Now()
	task.CookieUpdateCount++
	task.ConsecutiveErrors = 0
	task.LastError = ""
	task.Enabled = true
	if task.Status != StatusRunning {
		task.Status = StatusPending
	}
	s.metrics.SetQuarantinedTasks(s.quarantinedLocked())
	if s.isRunning && task.Status == StatusPending {
		s.armTimerLocked(task, s.delayFor(task))
	}
	s.logger.Info("cookie rotated for %s (%s), update #%d", task.AccountKey(), reason, task.CookieUpdateCount)
}

// TaskSnapshot returns a copy of the account's task.
func (s *Scheduler) TaskSnapshot(accountKey string) (SyncTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byAccount[accountKey]
	if !ok {
		return SyncTask{}, false
	}
	return *s.tasks[id], true
}

// Tasks returns copies of every task, ordered by account key.
func (s *Scheduler) Tasks() []SyncTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SyncTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, *task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountKey() < out[j].AccountKey() })
	return out
}

// Stats aggregates the task set.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Running:      s.isRunning,
		TotalTasks:   len(s.tasks),
		RunningTasks: len(s.running),
	}
	for _, task := range s.tasks {
		if task.Enabled {
			st.EnabledTasks++
		}
		if task.Status == StatusError && !task.Enabled {
			st.QuarantinedTasks++
		}
		st.TotalSyncs += task.SyncCount
		st.TotalErrors += task.ErrorCount
		st.TotalMessages += task.TotalMessages
	}
	return st
}

// dispatchReady is the master tick body: it launches enabled pending tasks
// whose timer has gone missing. Tasks with a live timer are left to it.
func (s *Scheduler) dispatchReady() {
	s.mu.Lock()
	var ready []string
	for id, task := range s.tasks {
		if !s.isRunning || !task.Enabled || task.Status != StatusPending {
			continue
		}
		if _, busy := s.running[id]; busy {
			continue
		}
		if _, armed := s.timers[id]; armed {
			continue
		}
		ready = append(ready, id)
	}
	s.mu.Unlock()

	for _, id := range ready {
		id := id
		async.Go(s.logger, "sync-task", func() { s.runTask(id) })
	}
}

// runTask executes one sync attempt end to end.
func (s *Scheduler) runTask(id string) {
	task, ok := s.startTask(id)
	if !ok {
		return
	}

	ctx := context.Background()
	start := s.clock.Now()
	reason := "sync"
	var result *plugin.SyncResult

	tabID, err := s.tabs.EnsureMessageTab(ctx, task.Platform, task.AccountID, task.CurrentCookieFile)
	if err != nil {
		reason = "ensure_tab"
		err = fmt.Errorf("ensure message tab for %s: %w", task.AccountKey(), err)
	} else {
		result, err = s.syncFn(ctx, task.Platform, task.AccountID, tabID, SyncOptions{})
	}

	s.finishTask(id, result, err, reason, s.clock.Since(start))
}

// startTask moves the task into the running set, enforcing the overlap guard
// and the concurrency gate. Gate-deferred tasks are re-armed, not dropped.
func (s *Scheduler) startTask(id string) (*SyncTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task := s.tasks[id]
	if task == nil || !s.isRunning || !task.Enabled {
		return nil, false
	}
	if task.Status == StatusPaused || task.Status == StatusError {
		return nil, false
	}
	if _, busy := s.running[id]; busy {
		return nil, false
	}
	if timer := s.timers[id]; timer != nil {
		timer.Stop()
		delete(s.timers, id)
	}
	if len(s.running) >= s.cfg.MaxConcurrent {
		s.logger.Debug("sync gate full (%d running), deferring %s", len(s.running), task.AccountKey())
		s.armTimerLocked(task, s.cfg.GateRetryDelay)
		return nil, false
	}

	task.Status = StatusRunning
	s.running[id] = s.clock.Now()
	s.metrics.IncRunningSyncs()
	snapshot := *task
	return &snapshot, true
}

// finishTask records a run's outcome and arms the next one.
func (s *Scheduler) finishTask(id string, result *plugin.SyncResult, err error, reason string, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.running[id]; busy {
		delete(s.running, id)
		s.metrics.DecRunningSyncs()
	}
	task := s.tasks[id]
	if task == nil {
		return
	}

	task.LastSyncAt = s.clock.Now()
	name := string(task.Platform)

	if err == nil {
		task.Status = StatusPending
		task.ConsecutiveErrors = 0
		task.LastError = ""
		task.SyncCount++
		ms := float64(elapsed.Milliseconds())
		task.AvgSyncDurationMs += (ms - task.AvgSyncDurationMs) / float64(task.SyncCount)
		if result != nil {
			task.NewMessagesLastSync = result.NewMessages
			task.TotalMessages += result.NewMessages
		}
		s.metrics.ObserveSyncDuration(name, "success", elapsed)
	} else {
		task.ErrorCount++
		task.ConsecutiveErrors++
		task.LastError = err.Error()
		s.metrics.ObserveSyncDuration(name, "failure", elapsed)
		s.metrics.IncSyncFailure(name, reason)

		if task.ConsecutiveErrors >= s.cfg.MaxConsecutiveErrors {
			task.Status = StatusError
			task.Enabled = false
			s.metrics.SetQuarantinedTasks(s.quarantinedLocked())
			s.logger.Error("quarantining %s after %d consecutive sync failures: %v",
				task.AccountKey(), task.ConsecutiveErrors, err)
			return
		}
		task.Status = StatusPending
		s.logger.Warn("sync %s failed (%d/%d consecutive): %v",
			task.AccountKey(), task.ConsecutiveErrors, s.cfg.MaxConsecutiveErrors, err)
	}

	if !s.isRunning {
		if task.Status == StatusPending {
			task.Status = StatusStopped
		}
		return
	}
	if task.Enabled && task.Status == StatusPending {
		s.armTimerLocked(task, s.delayFor(task))
	}
}

// armTimerLocked schedules the task's next run, replacing any pending timer.
// Must be called with s.mu held.
func (s *Scheduler) armTimerLocked(task *SyncTask, delay time.Duration) {
	if timer := s.timers[task.ID]; timer != nil {
		timer.Stop()
	}
	task.NextSyncAt = s.clock.Now().Add(delay)
	id := task.ID
	s.timers[id] = s.clock.AfterFunc(delay, func() {
		defer async.Recover(s.logger, "sync-task")
		s.runTask(id)
	})
}

// delayFor computes the next-run delay: interval scaled by the backoff
// multiplier per consecutive error, capped at the ceiling.
func (s *Scheduler) delayFor(task *SyncTask) time.Duration {
	interval := task.SyncInterval
	if interval <= 0 {
		interval = s.cfg.DefaultSyncInterval
	}
	delay := interval
	if task.ConsecutiveErrors > 0 {
		delay = time.Duration(float64(interval) * math.Pow(s.cfg.BackoffMultiplier, float64(task.ConsecutiveErrors)))
	}
	if delay > s.cfg.MaxBackoff {
		delay = s.cfg.MaxBackoff
	}
	return delay
}

func (s *Scheduler) quarantinedLocked() int {
	n := 0
	for _, task := range s.tasks {
		if task.Status == StatusError && !task.Enabled {
			n++
		}
	}
	return n
}
