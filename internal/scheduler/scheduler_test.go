package scheduler

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"postpilot/internal/errors"
	"postpilot/internal/platform"
	"postpilot/internal/plugin"
)

func fastConfig() Config {
	return Config{
		TickInterval:         10 * time.Millisecond,
		DefaultSyncInterval:  10 * time.Millisecond,
		MaxConcurrent:        5,
		GateRetryDelay:       5 * time.Millisecond,
		BackoffMultiplier:    1, // keep failing tests fast
		MaxBackoff:           time.Minute,
		MaxConsecutiveErrors: 3,
		StopDrainTimeout:     time.Second,
	}
}

type tabProviderStub struct {
	mu     sync.Mutex
	err    error
	calls  int
	cookie string // last cookie file seen
}

func (s *tabProviderStub) EnsureMessageTab(_ context.Context, _ platform.Platform, _, cookieFile string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.cookie = cookieFile
	if s.err != nil {
		return "", s.err
	}
	return "tab-1", nil
}

func (s *tabProviderStub) lastCookie() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cookie
}

// syncStub is a scriptable SyncFunc that tracks concurrency.
type syncStub struct {
	mu          sync.Mutex
	err         error
	newMessages int
	block       time.Duration
	calls       int
	inFlight    int
	maxInFlight int
}

func (s *syncStub) fn(context.Context, platform.Platform, string, string, SyncOptions) (*plugin.SyncResult, error) {
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	block, err, n := s.block, s.err, s.newMessages
	s.mu.Unlock()

	if block > 0 {
		time.Sleep(block)
	}

	s.mu.Lock()
	s.inFlight--
	s.calls++
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return &plugin.SyncResult{NewMessages: n}, nil
}

func (s *syncStub) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *syncStub) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *syncStub) peakConcurrency() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}

func newScheduler(t *testing.T, cfg Config, tabs *tabProviderStub, sync *syncStub) *Scheduler {
	t.Helper()
	sched := New(tabs, sync.fn, cfg, nil, nil, nil)
	t.Cleanup(sched.Stop)
	return sched
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAddTaskDefaults(t *testing.T) {
	sched := newScheduler(t, fastConfig(), &tabProviderStub{}, &syncStub{})

	id, err := sched.AddTask(platform.WeChat, "alice", "a.json", TaskOptions{Priority: 42})
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if id == "" {
		t.Fatal("AddTask returned empty id")
	}

	task, ok := sched.TaskSnapshot(platform.AccountKey(platform.WeChat, "alice"))
	if !ok {
		t.Fatal("TaskSnapshot: task missing")
	}
	if !task.Enabled || task.Status != StatusPending {
		t.Errorf("task state = enabled=%t status=%s, want enabled pending", task.Enabled, task.Status)
	}
	if task.CookieUpdateCount != 1 {
		t.Errorf("CookieUpdateCount = %d, want 1", task.CookieUpdateCount)
	}
	if task.Priority != 10 {
		t.Errorf("Priority = %d, want clamped to 10", task.Priority)
	}
	if task.SyncInterval != fastConfig().DefaultSyncInterval {
		t.Errorf("SyncInterval = %s, want default %s", task.SyncInterval, fastConfig().DefaultSyncInterval)
	}
}

func TestAddTaskValidation(t *testing.T) {
	sched := newScheduler(t, fastConfig(), &tabProviderStub{}, &syncStub{})

	var verr *errors.ValidationError
	if _, err := sched.AddTask(platform.WeChat, "", "a.json", TaskOptions{}); !stderrors.As(err, &verr) {
		t.Errorf("empty accountID: got %v, want ValidationError", err)
	}
	if _, err := sched.AddTask(platform.WeChat, "alice", "", TaskOptions{}); !stderrors.As(err, &verr) {
		t.Errorf("empty cookie file: got %v, want ValidationError", err)
	}
}

func TestAddTaskDuplicateKeepsTask(t *testing.T) {
	sched := newScheduler(t, fastConfig(), &tabProviderStub{}, &syncStub{})
	key := platform.AccountKey(platform.WeChat, "alice")

	first, err := sched.AddTask(platform.WeChat, "alice", "a.json", TaskOptions{})
	if err != nil {
		t.Fatalf("first AddTask: %v", err)
	}

	// Same cookie: pure no-op.
	second, err := sched.AddTask(platform.WeChat, "alice", "a.json", TaskOptions{})
	if err != nil {
		t.Fatalf("second AddTask: %v", err)
	}
	if second != first {
		t.Errorf("duplicate add returned new id %q, want %q", second, first)
	}
	task, _ := sched.TaskSnapshot(key)
	if task.CookieUpdateCount != 1 {
		t.Errorf("CookieUpdateCount after same-cookie re-add = %d, want 1", task.CookieUpdateCount)
	}

	// Changed cookie: counts as a rotation.
	if _, err := sched.AddTask(platform.WeChat, "alice", "b.json", TaskOptions{}); err != nil {
		t.Fatalf("re-add with new cookie: %v", err)
	}
	task, _ = sched.TaskSnapshot(key)
	if task.CurrentCookieFile != "b.json" || task.CookieUpdateCount != 2 {
		t.Errorf("after rotation: cookie=%q count=%d, want b.json count 2", task.CurrentCookieFile, task.CookieUpdateCount)
	}
}

func TestRemoveTaskRoundTrip(t *testing.T) {
	sched := newScheduler(t, fastConfig(), &tabProviderStub{}, &syncStub{})
	key := platform.AccountKey(platform.WeChat, "alice")

	if _, err := sched.AddTask(platform.WeChat, "alice", "a.json", TaskOptions{}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := sched.RemoveTask(key); err != nil {
		t.Fatalf("RemoveTask: %v", err)
	}
	if _, ok := sched.TaskSnapshot(key); ok {
		t.Error("task still visible after remove")
	}

	var nfe *errors.NotFoundError
	if err := sched.RemoveTask(key); !stderrors.As(err, &nfe) {
		t.Errorf("second remove: got %v, want NotFoundError", err)
	}
	if n := sched.Stats().TotalTasks; n != 0 {
		t.Errorf("TotalTasks = %d, want 0", n)
	}
}

func TestSyncSuccessUpdatesCounters(t *testing.T) {
	tabs := &tabProviderStub{}
	syncs := &syncStub{newMessages: 3}
	sched := newScheduler(t, fastConfig(), tabs, syncs)
	key := platform.AccountKey(platform.WeChat, "alice")

	if _, err := sched.AddTask(platform.WeChat, "alice", "a.json", TaskOptions{}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 2*time.Second, "two completed syncs", func() bool {
		task, _ := sched.TaskSnapshot(key)
		return task.SyncCount >= 2
	})

	task, _ := sched.TaskSnapshot(key)
	if task.ConsecutiveErrors != 0 || task.LastError != "" {
		t.Errorf("error state = %d/%q, want clean", task.ConsecutiveErrors, task.LastError)
	}
	if task.NewMessagesLastSync != 3 {
		t.Errorf("NewMessagesLastSync = %d, want 3", task.NewMessagesLastSync)
	}
	if task.TotalMessages != task.SyncCount*3 {
		t.Errorf("TotalMessages = %d, want %d", task.TotalMessages, task.SyncCount*3)
	}
	if task.NextSyncAt.IsZero() || task.LastSyncAt.IsZero() {
		t.Error("sync timestamps not maintained")
	}
	if tabs.lastCookie() != "a.json" {
		t.Errorf("custodian saw cookie %q, want a.json", tabs.lastCookie())
	}
}

func TestQuarantineAfterConsecutiveFailures(t *testing.T) {
	syncs := &syncStub{err: stderrors.New("platform script exploded")}
	sched := newScheduler(t, fastConfig(), &tabProviderStub{}, syncs)
	key := platform.AccountKey(platform.WeChat, "alice")

	if _, err := sched.AddTask(platform.WeChat, "alice", "a.json", TaskOptions{}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 2*time.Second, "quarantine", func() bool {
		task, _ := sched.TaskSnapshot(key)
		return task.Status == StatusError && !task.Enabled
	})

	task, _ := sched.TaskSnapshot(key)
	if task.ConsecutiveErrors != 3 || task.ErrorCount != 3 {
		t.Errorf("errors = %d consecutive / %d total, want 3/3", task.ConsecutiveErrors, task.ErrorCount)
	}
	if task.LastError == "" {
		t.Error("LastError not recorded")
	}
	if got := sched.Stats().QuarantinedTasks; got != 1 {
		t.Errorf("QuarantinedTasks = %d, want 1", got)
	}

	// No timer may fire for a quarantined task.
	frozen := syncs.callCount()
	time.Sleep(60 * time.Millisecond)
	if syncs.callCount() != frozen {
		t.Errorf("quarantined task kept syncing: %d -> %d calls", frozen, syncs.callCount())
	}
}

func TestCookieRotationRecoversQuarantine(t *testing.T) {
	tabs := &tabProviderStub{}
	syncs := &syncStub{err: stderrors.New("session expired")}
	sched := newScheduler(t, fastConfig(), tabs, syncs)
	key := platform.AccountKey(platform.WeChat, "alice")

	if _, err := sched.AddTask(platform.WeChat, "alice", "old.json", TaskOptions{}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, "quarantine", func() bool {
		task, _ := sched.TaskSnapshot(key)
		return task.Status == StatusError && !task.Enabled
	})

	syncs.setErr(nil)
	if err := sched.UpdateTaskCookie(key, "new.json", "manual refresh"); err != nil {
		t.Fatalf("UpdateTaskCookie: %v", err)
	}

	task, _ := sched.TaskSnapshot(key)
	if task.Status != StatusPending || !task.Enabled {
		t.Errorf("state after rotation = %s/enabled=%t, want pending/enabled", task.Status, task.Enabled)
	}
	if task.ConsecutiveErrors != 0 || task.LastError != "" {
		t.Errorf("error state after rotation = %d/%q, want cleared", task.ConsecutiveErrors, task.LastError)
	}
	if task.CookieUpdateCount != 2 {
		t.Errorf("CookieUpdateCount = %d, want 2", task.CookieUpdateCount)
	}
	if task.NextSyncAt.IsZero() {
		t.Error("no timer armed after rotation")
	}

	waitFor(t, 2*time.Second, "first sync after recovery", func() bool {
		task, _ := sched.TaskSnapshot(key)
		return task.SyncCount >= 1
	})
	if tabs.lastCookie() != "new.json" {
		t.Errorf("sync ran with cookie %q, want new.json", tabs.lastCookie())
	}
}

func TestNoSelfOverlap(t *testing.T) {
	syncs := &syncStub{block: 25 * time.Millisecond}
	sched := newScheduler(t, fastConfig(), &tabProviderStub{}, syncs)

	if _, err := sched.AddTask(platform.WeChat, "alice", "a.json", TaskOptions{Interval: 5 * time.Millisecond}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 2*time.Second, "three completed runs", func() bool {
		return syncs.callCount() >= 3
	})
	if peak := syncs.peakConcurrency(); peak > 1 {
		t.Errorf("task overlapped itself: peak concurrency %d", peak)
	}
}

func TestConcurrencyGateDefers(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxConcurrent = 1
	syncs := &syncStub{block: 20 * time.Millisecond}
	sched := newScheduler(t, cfg, &tabProviderStub{}, syncs)

	if _, err := sched.AddTask(platform.WeChat, "alice", "a.json", TaskOptions{}); err != nil {
		t.Fatalf("AddTask alice: %v", err)
	}
	if _, err := sched.AddTask(platform.WeChat, "bob", "b.json", TaskOptions{}); err != nil {
		t.Fatalf("AddTask bob: %v", err)
	}
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 2*time.Second, "both accounts synced", func() bool {
		alice, _ := sched.TaskSnapshot(platform.AccountKey(platform.WeChat, "alice"))
		bob, _ := sched.TaskSnapshot(platform.AccountKey(platform.WeChat, "bob"))
		return alice.SyncCount >= 1 && bob.SyncCount >= 1
	})
	if peak := syncs.peakConcurrency(); peak > 1 {
		t.Errorf("gate admitted %d concurrent syncs, want at most 1", peak)
	}
}

func TestPauseResume(t *testing.T) {
	syncs := &syncStub{}
	sched := newScheduler(t, fastConfig(), &tabProviderStub{}, syncs)
	key := platform.AccountKey(platform.WeChat, "alice")

	if _, err := sched.AddTask(platform.WeChat, "alice", "a.json", TaskOptions{}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, "first sync", func() bool { return syncs.callCount() >= 1 })

	if err := sched.PauseTask(key); err != nil {
		t.Fatalf("PauseTask: %v", err)
	}
	waitFor(t, time.Second, "task to settle", func() bool {
		task, _ := sched.TaskSnapshot(key)
		return task.Status == StatusPaused
	})

	frozen := syncs.callCount()
	time.Sleep(50 * time.Millisecond)
	if syncs.callCount() != frozen {
		t.Errorf("paused task kept syncing: %d -> %d", frozen, syncs.callCount())
	}

	if err := sched.ResumeTask(key); err != nil {
		t.Fatalf("ResumeTask: %v", err)
	}
	waitFor(t, 2*time.Second, "sync after resume", func() bool {
		return syncs.callCount() > frozen
	})
}

func TestStopDrainsRunningSync(t *testing.T) {
	syncs := &syncStub{block: 30 * time.Millisecond}
	sched := newScheduler(t, fastConfig(), &tabProviderStub{}, syncs)
	key := platform.AccountKey(platform.WeChat, "alice")

	if _, err := sched.AddTask(platform.WeChat, "alice", "a.json", TaskOptions{Interval: 5 * time.Millisecond}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, "a sync to be in flight", func() bool {
		return sched.Stats().RunningTasks > 0
	})

	sched.Stop()

	if stats := sched.Stats(); stats.Running || stats.RunningTasks != 0 {
		t.Errorf("after Stop: running=%t inflight=%d, want stopped and drained", stats.Running, stats.RunningTasks)
	}
	task, _ := sched.TaskSnapshot(key)
	if task.Status != StatusStopped {
		t.Errorf("task status after Stop = %s, want stopped", task.Status)
	}

	frozen := syncs.callCount()
	time.Sleep(50 * time.Millisecond)
	if syncs.callCount() != frozen {
		t.Errorf("syncs continued after Stop: %d -> %d", frozen, syncs.callCount())
	}
}

func TestEnsureTabFailureCountsAgainstTask(t *testing.T) {
	tabs := &tabProviderStub{err: stderrors.New("chrome crashed")}
	sched := newScheduler(t, fastConfig(), tabs, &syncStub{})
	key := platform.AccountKey(platform.WeChat, "alice")

	if _, err := sched.AddTask(platform.WeChat, "alice", "a.json", TaskOptions{}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 2*time.Second, "tab failures to quarantine the task", func() bool {
		task, _ := sched.TaskSnapshot(key)
		return task.Status == StatusError
	})
	task, _ := sched.TaskSnapshot(key)
	if task.SyncCount != 0 {
		t.Errorf("SyncCount = %d, want 0 when the tab never came up", task.SyncCount)
	}
}

func TestDelayBackoff(t *testing.T) {
	cfg := Config{
		DefaultSyncInterval:  2 * time.Minute,
		BackoffMultiplier:    2,
		MaxBackoff:           30 * time.Minute,
		MaxConsecutiveErrors: 3,
	}
	sched := New(&tabProviderStub{}, (&syncStub{}).fn, cfg, nil, nil, nil)

	cases := []struct {
		name     string
		interval time.Duration
		errs     int
		want     time.Duration
	}{
		{"healthy", time.Minute, 0, time.Minute},
		{"one error doubles", time.Minute, 1, 2 * time.Minute},
		{"two errors quadruple", time.Minute, 2, 4 * time.Minute},
		{"capped at ceiling", time.Minute, 10, 30 * time.Minute},
		{"zero interval uses default", 0, 0, 2 * time.Minute},
	}
	for _, tc := range cases {
		task := &SyncTask{SyncInterval: tc.interval, ConsecutiveErrors: tc.errs}
		if got := sched.delayFor(task); got != tc.want {
			t.Errorf("%s: delay = %s, want %s", tc.name, got, tc.want)
		}
	}
}
