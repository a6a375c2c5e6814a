package custodian

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"postpilot/internal/browser"
	"postpilot/internal/browser/brokertest"
	"postpilot/internal/platform"
	"postpilot/internal/plugin"
	"postpilot/internal/plugin/plugintest"
)

// fastConfig keeps timer-driven tests quick on the real clock.
func fastConfig() Config {
	return Config{
		HealthInterval:   20 * time.Millisecond,
		MaxRetries:       3,
		RecreateCooldown: time.Millisecond,
		ReadyTimeout:     time.Second,
		ReadyPoll:        time.Millisecond,
		ProbeErrorDelay:  time.Millisecond,
		ProbeTimeout:     100 * time.Millisecond,
	}
}

type pluginSet struct {
	mu      sync.Mutex
	plugins map[platform.Platform]plugin.MessagePlugin
}

func (s *pluginSet) Message(p platform.Platform) (plugin.MessagePlugin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if plug, ok := s.plugins[p]; ok {
		return plug, nil
	}
	return nil, fmt.Errorf("no message plugin for %s", p)
}

func newFixture(t *testing.T, cfg Config) (*Custodian, *brokertest.Fake, *plugintest.Fake) {
	t.Helper()
	fake := plugintest.NewFake(plugin.KindMessage, platform.WeChat)
	plugins := &pluginSet{plugins: map[platform.Platform]plugin.MessagePlugin{platform.WeChat: fake}}
	broker := brokertest.New()
	cust := New(broker, plugins, cfg, nil, nil, nil)
	t.Cleanup(func() { cust.Shutdown(context.Background()) })
	return cust, broker, fake
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

func TestEnsureMessageTabCreatesLockedTab(t *testing.T) {
	cust, broker, fake := newFixture(t, fastConfig())

	tabID, err := cust.EnsureMessageTab(context.Background(), platform.WeChat, "alice", "/cookies/wechat_alice.json")
	if err != nil {
		t.Fatalf("EnsureMessageTab: %v", err)
	}

	owner, _, ok := broker.Owner(tabID)
	if !ok || owner != browser.OwnerMessage {
		t.Errorf("tab owner = %q, want %q", owner, browser.OwnerMessage)
	}
	url, _ := broker.CurrentURL(context.Background(), tabID)
	if url != fake.MessageURL() {
		t.Errorf("tab url = %q, want message workspace %q", url, fake.MessageURL())
	}
	imports := broker.Imports(tabID)
	if len(imports) != 1 || imports[0] != "/cookies/wechat_alice.json" {
		t.Errorf("cookie imports = %v, want the account cookie file", imports)
	}
	if got, ok := cust.TabFor(platform.AccountKey(platform.WeChat, "alice")); !ok || got != tabID {
		t.Errorf("TabFor = %q/%t, want %q", got, ok, tabID)
	}
}

func TestEnsureMessageTabReusesHealthyTab(t *testing.T) {
	cust, broker, _ := newFixture(t, fastConfig())
	ctx := context.Background()

	first, err := cust.EnsureMessageTab(ctx, platform.WeChat, "alice", "cookie.json")
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	second, err := cust.EnsureMessageTab(ctx, platform.WeChat, "alice", "cookie.json")
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if first != second {
		t.Errorf("second ensure returned %q, want incumbent %q", second, first)
	}
	if calls := len(broker.CreateCalls()); calls != 1 {
		t.Errorf("CreateTab called %d times, want 1", calls)
	}
}

func TestEnsureMessageTabReplacesUnhealthyTab(t *testing.T) {
	cfg := fastConfig()
	cfg.HealthInterval = time.Hour // keep the monitor out of this test
	cust, broker, _ := newFixture(t, cfg)
	ctx := context.Background()

	first, err := cust.EnsureMessageTab(ctx, platform.WeChat, "alice", "cookie.json")
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	broker.SetResponsive(first, false)

	second, err := cust.EnsureMessageTab(ctx, platform.WeChat, "alice", "cookie.json")
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if second == first {
		t.Fatalf("ensure kept unhealthy tab %q", first)
	}
	closed := broker.ClosedTabs()
	if len(closed) != 1 || closed[0] != first {
		t.Errorf("closed tabs = %v, want stale %q closed", closed, first)
	}
}

func TestEnsureMessageTabTreatsLoginRedirectAsUnhealthy(t *testing.T) {
	cfg := fastConfig()
	cfg.HealthInterval = time.Hour
	cust, broker, _ := newFixture(t, cfg)
	ctx := context.Background()

	first, err := cust.EnsureMessageTab(ctx, platform.WeChat, "alice", "cookie.json")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	broker.SetURL(first, "https://channels.weixin.qq.com/login.html")

	second, err := cust.EnsureMessageTab(ctx, platform.WeChat, "alice", "cookie.json")
	if err != nil {
		t.Fatalf("ensure after redirect: %v", err)
	}
	if second == first {
		t.Errorf("ensure kept tab stuck on login page")
	}
}

func TestEnsureMessageTabWaitsForReadiness(t *testing.T) {
	cust, _, fake := newFixture(t, fastConfig())

	var mu sync.Mutex
	probes := 0
	fake.CheckReadyFunc = func(context.Context, string) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		probes++
		return probes >= 3, nil
	}

	if _, err := cust.EnsureMessageTab(context.Background(), platform.WeChat, "alice", "cookie.json"); err != nil {
		t.Fatalf("EnsureMessageTab: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if probes < 3 {
		t.Errorf("readiness probed %d times, want at least 3", probes)
	}
}

func TestEnsureMessageTabReadinessTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.ReadyTimeout = 10 * time.Millisecond
	cust, broker, fake := newFixture(t, cfg)

	fake.CheckReadyFunc = func(context.Context, string) (bool, error) { return false, nil }

	_, err := cust.EnsureMessageTab(context.Background(), platform.WeChat, "alice", "cookie.json")
	if err == nil {
		t.Fatal("expected readiness timeout error")
	}
	if broker.OpenTabCount() != 0 {
		t.Errorf("tab leaked after readiness timeout: %d open", broker.OpenTabCount())
	}
	if cust.Count() != 0 {
		t.Errorf("custodian kept a mapping after failed ensure")
	}
}

func TestHealthMonitorRepairsTab(t *testing.T) {
	cfg := fastConfig()
	cfg.HealthInterval = 50 * time.Millisecond
	cust, broker, _ := newFixture(t, cfg)
	ctx := context.Background()
	key := platform.AccountKey(platform.WeChat, "alice")

	first, err := cust.EnsureMessageTab(ctx, platform.WeChat, "alice", "cookie.json")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	broker.SetResponsive(first, false)

	waitFor(t, 2*time.Second, "tab repair", func() bool {
		tab, ok := cust.TabFor(key)
		return ok && tab != first
	})

	// The repair attempt stays visible on the record until the next healthy
	// pass clears it.
	recs := cust.Records()
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if recs[0].RetryCount != 1 {
		t.Errorf("retry count after repair = %d, want 1", recs[0].RetryCount)
	}

	waitFor(t, 2*time.Second, "retry count reset", func() bool {
		recs := cust.Records()
		return len(recs) == 1 && recs[0].RetryCount == 0
	})
}

func TestHealthMonitorGivesUpPastBudget(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 1
	cust, broker, _ := newFixture(t, cfg)
	ctx := context.Background()
	key := platform.AccountKey(platform.WeChat, "alice")

	// Every tab the custodian builds hangs, so each health pass fails.
	broker.EvaluateFunc = func(tabID, expr string, out any) error {
		return fmt.Errorf("tab %s evaluation timed out", tabID)
	}

	if _, err := cust.EnsureMessageTab(ctx, platform.WeChat, "alice", "cookie.json"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	waitFor(t, 2*time.Second, "custodian to abandon the account", func() bool {
		_, ok := cust.TabFor(key)
		return !ok && broker.OpenTabCount() == 0
	})
	if cust.Count() != 0 {
		t.Errorf("custodian still tracks %d tabs", cust.Count())
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	cust, broker, _ := newFixture(t, fastConfig())
	ctx := context.Background()
	key := platform.AccountKey(platform.WeChat, "alice")

	tabID, err := cust.EnsureMessageTab(ctx, platform.WeChat, "alice", "cookie.json")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	if err := cust.Cleanup(ctx, key); err != nil {
		t.Fatalf("first cleanup: %v", err)
	}
	if err := cust.Cleanup(ctx, key); err != nil {
		t.Fatalf("second cleanup: %v", err)
	}

	if _, ok := cust.TabFor(key); ok {
		t.Errorf("mapping survived cleanup")
	}
	closed := broker.ClosedTabs()
	if len(closed) != 1 || closed[0] != tabID {
		t.Errorf("closed tabs = %v, want exactly one close of %q", closed, tabID)
	}
}

func TestShutdownClosesEveryTab(t *testing.T) {
	cust, broker, _ := newFixture(t, fastConfig())
	ctx := context.Background()

	if _, err := cust.EnsureMessageTab(ctx, platform.WeChat, "alice", "a.json"); err != nil {
		t.Fatalf("ensure alice: %v", err)
	}
	if _, err := cust.EnsureMessageTab(ctx, platform.WeChat, "bob", "b.json"); err != nil {
		t.Fatalf("ensure bob: %v", err)
	}

	cust.Shutdown(ctx)

	if broker.OpenTabCount() != 0 {
		t.Errorf("open tabs after shutdown = %d, want 0", broker.OpenTabCount())
	}
	if _, err := cust.EnsureMessageTab(ctx, platform.WeChat, "carol", "c.json"); err == nil {
		t.Errorf("ensure after shutdown should fail")
	}
}

func TestIsHealthyClauses(t *testing.T) {
	cfg := fastConfig()
	cfg.HealthInterval = time.Hour
	cust, broker, _ := newFixture(t, cfg)
	ctx := context.Background()

	if cust.IsHealthy(ctx, "no-such-tab") {
		t.Errorf("unknown tab reported healthy")
	}

	uploadTab, err := broker.CreateTab(ctx, browser.CreateOptions{URL: "https://example.com", Owner: browser.OwnerUpload})
	if err != nil {
		t.Fatalf("create upload tab: %v", err)
	}
	if cust.IsHealthy(ctx, uploadTab) {
		t.Errorf("tab locked by upload reported healthy for message use")
	}

	msgTab, err := cust.EnsureMessageTab(ctx, platform.WeChat, "alice", "cookie.json")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !cust.IsHealthy(ctx, msgTab) {
		t.Errorf("fresh message tab reported unhealthy")
	}

	broker.SetResponsive(msgTab, false)
	if cust.IsHealthy(ctx, msgTab) {
		t.Errorf("unresponsive tab reported healthy")
	}
	broker.SetResponsive(msgTab, true)

	broker.SetURL(msgTab, "https://channels.weixin.qq.com/login.html")
	if cust.IsHealthy(ctx, msgTab) {
		t.Errorf("tab on login page reported healthy")
	}
}
