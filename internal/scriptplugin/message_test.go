package scriptplugin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"postpilot/internal/browser/brokertest"
	apperrors "postpilot/internal/errors"
	"postpilot/internal/platform"
	"postpilot/internal/plugin"
)

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

type sinkRecorder struct {
	mu     sync.Mutex
	events []plugin.MessageEvent
}

func (s *sinkRecorder) Publish(ev plugin.MessageEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *sinkRecorder) all() []plugin.MessageEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]plugin.MessageEvent(nil), s.events...)
}

// messageManifest tags each script body with a marker so Evaluate hooks can
// tell which operation is running from the wrapped expression.
func messageManifest(t *testing.T, dir string) *Manifest {
	t.Helper()
	return &Manifest{
		Platform:  "douyin",
		Readiness: Readiness{Present: "div.chat-list", Absent: "div.login-mask"},
		Monitor:   MonitorSpec{DrainInterval: Duration(3 * time.Millisecond)},
		Scripts: ScriptSet{
			Sync:           writeFile(t, dir, "sync.js", "return collect(params); // __sync__"),
			Send:           writeFile(t, dir, "send.js", "return deliver(params); // __send__"),
			MonitorInstall: writeFile(t, dir, "monitor_install.js", "return install(params); // __install__"),
			MonitorDrain:   writeFile(t, dir, "monitor_drain.js", "return drain(params); // __drain__"),
			MonitorStop:    writeFile(t, dir, "monitor_stop.js", "return uninstall(params); // __stop__"),
		},
	}
}

func TestSyncMessagesMapsThreads(t *testing.T) {
	m := messageManifest(t, t.TempDir())
	broker := brokertest.New()
	set := NewSet(m, Deps{Broker: broker})
	if set.message == nil {
		t.Fatal("message capability not built from the manifest")
	}
	tabID := openTab(t, broker, m.Endpoints().Message)

	var gotExpr string
	broker.EvaluateFunc = func(_, expr string, out any) error {
		gotExpr = expr
		*(out.(*string)) = `{
			"threads": [{
				"threadId": "t-1", "peerId": "p-1", "peerName": "客户甲",
				"peerAvatar": "https://img/1.png", "unread": 2,
				"messages": [
					{"messageId":"m-1","senderId":"p-1","content":"在吗","sentAt":1718000000000},
					{"messageId":"m-2","senderId":"me","content":"在的","isSelf":true,"sentAt":0}
				]
			}],
			"newMessages": 2
		}`
		return nil
	}

	res, err := set.message.SyncMessages(context.Background(), plugin.SyncParams{TabID: tabID, AccountID: "acct-1", FullSync: true})
	if err != nil {
		t.Fatalf("SyncMessages: %v", err)
	}
	if res.NewMessages != 2 || len(res.Threads) != 1 {
		t.Fatalf("result = %+v", res)
	}
	th := res.Threads[0]
	if th.ThreadID != "t-1" || th.PeerName != "客户甲" || th.Unread != 2 {
		t.Errorf("thread = %+v", th)
	}
	if len(th.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(th.Messages))
	}
	first, second := th.Messages[0], th.Messages[1]
	if !first.SentAt.Equal(time.UnixMilli(1718000000000)) {
		t.Errorf("sentAt = %s, want the epoch-ms timestamp", first.SentAt)
	}
	if first.Type != "text" {
		t.Errorf("type = %q, want the text default", first.Type)
	}
	if !second.IsSelf || second.SentAt.IsZero() {
		t.Errorf("own message = %+v, want isSelf with a clock fallback time", second)
	}
	if !strings.Contains(gotExpr, `"fullSync":true`) {
		t.Error("sync script params missing fullSync")
	}
}

func TestSendMessageDelivers(t *testing.T) {
	m := messageManifest(t, t.TempDir())
	broker := brokertest.New()
	set := NewSet(m, Deps{Broker: broker})
	tabID := openTab(t, broker, m.Endpoints().Message)

	var gotExpr string
	broker.EvaluateFunc = func(_, expr string, out any) error {
		gotExpr = expr
		*(out.(*string)) = `{"delivered":true,"messageId":"m-99"}`
		return nil
	}

	res, err := set.message.SendMessage(context.Background(), plugin.SendParams{
		TabID:     tabID,
		AccountID: "acct-1",
		ThreadID:  "t-1",
		Content:   "收到",
		Type:      "text",
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !res.Delivered || res.MessageID != "m-99" {
		t.Errorf("result = %+v", res)
	}
	if !strings.Contains(gotExpr, `"content":"收到"`) {
		t.Error("send script params missing the content")
	}
}

func TestSendMessageWithoutScriptUnavailable(t *testing.T) {
	m := messageManifest(t, t.TempDir())
	m.Scripts.Send = ""
	broker := brokertest.New()
	set := NewSet(m, Deps{Broker: broker})
	tabID := openTab(t, broker, m.Endpoints().Message)

	_, err := set.message.SendMessage(context.Background(), plugin.SendParams{TabID: tabID, ThreadID: "t-1", Content: "hi"})
	var unavailable *apperrors.PluginUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("SendMessage without a script = %v, want PluginUnavailableError", err)
	}
}

func TestCheckReadyAgainstSelectors(t *testing.T) {
	m := messageManifest(t, t.TempDir())
	broker := brokertest.New()
	set := NewSet(m, Deps{Broker: broker})
	tabID := openTab(t, broker, m.Endpoints().Message)

	cases := []struct {
		name string
		html string
		want bool
	}{
		{"workspace rendered", `<html><div class="chat-list"></div></html>`, true},
		{"still loading", `<html><div class="spinner"></div></html>`, false},
		{"login mask over the workspace", `<html><div class="chat-list"></div><div class="login-mask"></div></html>`, false},
	}
	for _, tc := range cases {
		broker.HTMLFunc = func(string) (string, error) { return tc.html, nil }
		ready, err := set.message.CheckReady(context.Background(), tabID)
		if err != nil {
			t.Fatalf("%s: CheckReady: %v", tc.name, err)
		}
		if ready != tc.want {
			t.Errorf("%s: ready = %v, want %v", tc.name, ready, tc.want)
		}
	}

	m.Readiness = Readiness{}
	ready, err := set.message.CheckReady(context.Background(), tabID)
	if err != nil || !ready {
		t.Errorf("CheckReady without selectors = %v, %v; want ready", ready, err)
	}
}

func TestStartMonitoringSpawnsDrainWorker(t *testing.T) {
	m := messageManifest(t, t.TempDir())
	broker := brokertest.New()
	sink := &sinkRecorder{}
	set := NewSet(m, Deps{Broker: broker, Sink: sink})
	tabID := openTab(t, broker, m.Endpoints().Message)

	var mu sync.Mutex
	drains, stops := 0, 0
	broker.EvaluateFunc = func(_, expr string, out any) error {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case strings.Contains(expr, "__install__"):
			*(out.(*string)) = `{"started":true}`
		case strings.Contains(expr, "__drain__"):
			drains++
			if drains == 1 {
				*(out.(*string)) = `{"events":[{"threadId":"t-1","peerName":"客户甲","messageId":"m-1","senderId":"p-1","content":"你好","sentAt":1718000000000}]}`
			} else {
				*(out.(*string)) = `{"events":[]}`
			}
		case strings.Contains(expr, "__stop__"):
			stops++
			*(out.(*string)) = "null"
		}
		return nil
	}

	key := platform.AccountKey(platform.Douyin, "acct-1")
	res, err := set.message.StartMonitoring(context.Background(), plugin.MonitorParams{TabID: tabID, AccountKey: key})
	if err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}
	if !res.Started {
		t.Fatalf("result = %+v, want started", res)
	}

	again, err := set.message.StartMonitoring(context.Background(), plugin.MonitorParams{TabID: tabID, AccountKey: key})
	if err != nil {
		t.Fatalf("second StartMonitoring: %v", err)
	}
	if again.Started || again.Reason != plugin.MonitorReasonAlreadyMonitoring {
		t.Errorf("second start = %+v, want already_monitoring", again)
	}

	waitFor(t, 2*time.Second, "a drained event", func() bool {
		return len(sink.all()) > 0
	})
	ev := sink.all()[0]
	if ev.AccountKey != key || ev.Platform != platform.Douyin || ev.AccountID != "acct-1" {
		t.Errorf("event routing = %+v", ev)
	}
	if ev.ThreadID != "t-1" || ev.PeerName != "客户甲" {
		t.Errorf("event thread = %+v", ev)
	}
	if ev.Message.Content != "你好" || ev.Message.Type != "text" {
		t.Errorf("event message = %+v", ev.Message)
	}
	if !ev.Message.SentAt.Equal(time.UnixMilli(1718000000000)) || ev.ReceivedAt.IsZero() {
		t.Errorf("event timestamps = %+v", ev.Message)
	}

	// Stopping an account that was never monitored is a no-op.
	if err := set.message.StopMonitoring(context.Background(), platform.AccountKey(platform.Douyin, "other")); err != nil {
		t.Fatalf("StopMonitoring for an unknown key: %v", err)
	}

	if err := set.message.StopMonitoring(context.Background(), key); err != nil {
		t.Fatalf("StopMonitoring: %v", err)
	}
	if set.message.watching(key) {
		t.Error("still watching after stop")
	}
	mu.Lock()
	stopRuns := stops
	mu.Unlock()
	if stopRuns != 1 {
		t.Errorf("monitor_stop script ran %d times, want 1", stopRuns)
	}
}

func TestStartMonitoringInstallRejected(t *testing.T) {
	m := messageManifest(t, t.TempDir())
	broker := brokertest.New()
	set := NewSet(m, Deps{Broker: broker, Sink: &sinkRecorder{}})
	tabID := openTab(t, broker, m.Endpoints().Message)

	broker.EvaluateFunc = answer(`{"started":false,"reason":"validation_failed"}`)

	key := platform.AccountKey(platform.Douyin, "acct-1")
	res, err := set.message.StartMonitoring(context.Background(), plugin.MonitorParams{TabID: tabID, AccountKey: key})
	if err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}
	if res.Started || res.Reason != plugin.MonitorReasonValidationFailed {
		t.Errorf("result = %+v, want validation_failed", res)
	}
	if set.message.watching(key) {
		t.Error("watching an account whose install was rejected")
	}
}

func TestStartMonitoringInstallErrorIsFailureResult(t *testing.T) {
	m := messageManifest(t, t.TempDir())
	broker := brokertest.New()
	set := NewSet(m, Deps{Broker: broker, Sink: &sinkRecorder{}})
	tabID := openTab(t, broker, m.Endpoints().Message)

	broker.EvaluateFunc = func(string, string, any) error {
		return fmt.Errorf("page context destroyed")
	}

	res, err := set.message.StartMonitoring(context.Background(), plugin.MonitorParams{
		TabID:      tabID,
		AccountKey: platform.AccountKey(platform.Douyin, "acct-1"),
	})
	if err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}
	if res.Started || res.Reason != plugin.MonitorReasonScriptInjectionFailed {
		t.Errorf("result = %+v, want script_injection_failed", res)
	}
}

func TestStartMonitoringWithoutInstallScript(t *testing.T) {
	m := messageManifest(t, t.TempDir())
	m.Scripts.MonitorInstall = ""
	broker := brokertest.New()
	set := NewSet(m, Deps{Broker: broker, Sink: &sinkRecorder{}})
	tabID := openTab(t, broker, m.Endpoints().Message)

	_, err := set.message.StartMonitoring(context.Background(), plugin.MonitorParams{
		TabID:      tabID,
		AccountKey: platform.AccountKey(platform.Douyin, "acct-1"),
	})
	var unavailable *apperrors.PluginUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("StartMonitoring without an install script = %v, want PluginUnavailableError", err)
	}
}

func TestDrainStopsWhenTabDies(t *testing.T) {
	m := messageManifest(t, t.TempDir())
	broker := brokertest.New()
	set := NewSet(m, Deps{Broker: broker, Sink: &sinkRecorder{}})
	tabID := openTab(t, broker, m.Endpoints().Message)

	broker.EvaluateFunc = func(_, expr string, out any) error {
		if strings.Contains(expr, "__install__") {
			*(out.(*string)) = `{"started":true}`
		} else {
			*(out.(*string)) = `{"events":[]}`
		}
		return nil
	}

	key := platform.AccountKey(platform.Douyin, "acct-1")
	res, err := set.message.StartMonitoring(context.Background(), plugin.MonitorParams{TabID: tabID, AccountKey: key})
	if err != nil || !res.Started {
		t.Fatalf("StartMonitoring = %+v, %v", res, err)
	}

	broker.KillTab(tabID)

	waitFor(t, 2*time.Second, "the drain worker to notice the dead tab", func() bool {
		return !set.message.watching(key)
	})
}

func TestDrainGivesUpAfterRepeatedErrors(t *testing.T) {
	m := messageManifest(t, t.TempDir())
	broker := brokertest.New()
	set := NewSet(m, Deps{Broker: broker, Sink: &sinkRecorder{}})
	tabID := openTab(t, broker, m.Endpoints().Message)

	broker.EvaluateFunc = func(_, expr string, out any) error {
		if strings.Contains(expr, "__install__") {
			*(out.(*string)) = `{"started":true}`
			return nil
		}
		return fmt.Errorf("observer buffer gone")
	}

	key := platform.AccountKey(platform.Douyin, "acct-1")
	res, err := set.message.StartMonitoring(context.Background(), plugin.MonitorParams{TabID: tabID, AccountKey: key})
	if err != nil || !res.Started {
		t.Fatalf("StartMonitoring = %+v, %v", res, err)
	}

	waitFor(t, 2*time.Second, "the drain worker to give up", func() bool {
		return !set.message.watching(key)
	})
}

func TestCloseStopsDrainWorkers(t *testing.T) {
	m := messageManifest(t, t.TempDir())
	broker := brokertest.New()
	set := NewSet(m, Deps{Broker: broker, Sink: &sinkRecorder{}})
	tabID := openTab(t, broker, m.Endpoints().Message)

	broker.EvaluateFunc = func(_, expr string, out any) error {
		if strings.Contains(expr, "__install__") {
			*(out.(*string)) = `{"started":true}`
		} else {
			*(out.(*string)) = `{"events":[]}`
		}
		return nil
	}

	key := platform.AccountKey(platform.Douyin, "acct-1")
	if res, err := set.message.StartMonitoring(context.Background(), plugin.MonitorParams{TabID: tabID, AccountKey: key}); err != nil || !res.Started {
		t.Fatalf("StartMonitoring = %+v, %v", res, err)
	}

	if err := set.message.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if set.message.watching(key) {
		t.Error("still watching after Close")
	}
}
