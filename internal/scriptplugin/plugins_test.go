package scriptplugin

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"postpilot/internal/browser"
	"postpilot/internal/browser/brokertest"
	apperrors "postpilot/internal/errors"
	"postpilot/internal/plugin"
)

func openTab(t *testing.T, broker *brokertest.Fake, url string) string {
	t.Helper()
	tabID, err := broker.CreateTab(context.Background(), browser.CreateOptions{URL: url})
	if err != nil {
		t.Fatalf("create tab: %v", err)
	}
	return tabID
}

// answer scripts the broker to hand raw back as the script result.
func answer(raw string) func(string, string, any) error {
	return func(_, _ string, out any) error {
		if s, ok := out.(*string); ok {
			*s = raw
		}
		return nil
	}
}

func TestRunnerWrapsScriptAndDecodesResult(t *testing.T) {
	broker := brokertest.New()
	tabID := openTab(t, broker, "about:blank")
	path := writeFile(t, t.TempDir(), "probe.js", "return collectState(params);")
	r := newRunner(broker, nil)

	var gotExpr string
	broker.EvaluateFunc = func(_, expr string, out any) error {
		gotExpr = expr
		*(out.(*string)) = `{"ok":true,"count":3}`
		return nil
	}

	var out struct {
		OK    bool `json:"ok"`
		Count int  `json:"count"`
	}
	err := r.run(context.Background(), tabID, path, map[string]any{"accountId": "acct-1"}, &out)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !out.OK || out.Count != 3 {
		t.Errorf("decoded = %+v, want ok/3", out)
	}
	if !strings.Contains(gotExpr, "return collectState(params);") {
		t.Error("expression does not embed the script source")
	}
	if !strings.Contains(gotExpr, `"accountId":"acct-1"`) {
		t.Error("expression does not embed the marshaled params")
	}
}

func TestRunnerRepairsSloppyJSON(t *testing.T) {
	broker := brokertest.New()
	tabID := openTab(t, broker, "about:blank")
	path := writeFile(t, t.TempDir(), "probe.js", "return window.__state;")
	r := newRunner(broker, nil)

	// Unquoted keys, single quotes and a trailing comma, the way hand-written
	// page scripts tend to serialize.
	broker.EvaluateFunc = answer(`{valid: true, reason: '已登录',}`)

	var out struct {
		Valid  bool   `json:"valid"`
		Reason string `json:"reason"`
	}
	if err := r.run(context.Background(), tabID, path, nil, &out); err != nil {
		t.Fatalf("run with repairable JSON: %v", err)
	}
	if !out.Valid || out.Reason != "已登录" {
		t.Errorf("decoded = %+v after repair", out)
	}
}

func TestRunnerMissingScriptFile(t *testing.T) {
	broker := brokertest.New()
	tabID := openTab(t, broker, "about:blank")
	r := newRunner(broker, nil)

	err := r.run(context.Background(), tabID, filepath.Join(t.TempDir(), "absent.js"), nil, nil)
	if err == nil || !strings.Contains(err.Error(), "read script") {
		t.Fatalf("run with a missing script = %v, want read error", err)
	}
}

func TestUploadVideoRunsManifestScript(t *testing.T) {
	dir := t.TempDir()
	m := &Manifest{
		Platform: "douyin",
		Upload:   UploadSpec{FileInput: "input[type=file]"},
		Scripts:  ScriptSet{Upload: writeFile(t, dir, "upload.js", "return submitForm(params);")},
	}
	broker := brokertest.New()
	set := NewSet(m, Deps{Broker: broker})
	if set.upload == nil {
		t.Fatal("upload capability not built from the manifest")
	}
	tabID := openTab(t, broker, m.Endpoints().Upload)

	var gotExpr string
	broker.EvaluateFunc = func(_, expr string, out any) error {
		gotExpr = expr
		*(out.(*string)) = `{"submitted":true,"videoId":"v-9","rawStatus":"审核中"}`
		return nil
	}

	res, err := set.upload.UploadVideo(context.Background(), plugin.UploadParams{
		TabID:     tabID,
		VideoPath: "/videos/clip.mp4",
		Title:     "新品开箱",
		Tags:      []string{"数码"},
		PublishAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("UploadVideo: %v", err)
	}
	if !res.Submitted || res.VideoID != "v-9" || res.RawStatus != "审核中" {
		t.Errorf("result = %+v", res)
	}
	for _, want := range []string{"submitForm(params)", `"title":"新品开箱"`, `"publishAtMs"`} {
		if !strings.Contains(gotExpr, want) {
			t.Errorf("script expression missing %s", want)
		}
	}
}

func TestAccountInfoReadsProfile(t *testing.T) {
	dir := t.TempDir()
	m := &Manifest{
		Platform: "douyin",
		Scripts: ScriptSet{
			Upload:      writeFile(t, dir, "upload.js", "return null;"),
			AccountInfo: writeFile(t, dir, "account_info.js", "return readProfile();"),
		},
	}
	broker := brokertest.New()
	set := NewSet(m, Deps{Broker: broker})
	tabID := openTab(t, broker, m.Endpoints().Creator)

	broker.EvaluateFunc = answer(`{"accountId":"acct-7","nickname":"测试号","avatar":"https://img/avatar.png","fansCount":1200,"worksCount":34}`)

	info, err := set.upload.AccountInfo(context.Background(), tabID)
	if err != nil {
		t.Fatalf("AccountInfo: %v", err)
	}
	if info.AccountID != "acct-7" || info.Nickname != "测试号" || info.FansCount != 1200 {
		t.Errorf("info = %+v", info)
	}
}

func TestAccountInfoWithoutScriptUnavailable(t *testing.T) {
	dir := t.TempDir()
	m := &Manifest{
		Platform: "douyin",
		Scripts:  ScriptSet{Upload: writeFile(t, dir, "upload.js", "return null;")},
	}
	broker := brokertest.New()
	set := NewSet(m, Deps{Broker: broker})
	tabID := openTab(t, broker, m.Endpoints().Creator)

	_, err := set.upload.AccountInfo(context.Background(), tabID)
	var unavailable *apperrors.PluginUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("AccountInfo without a script = %v, want PluginUnavailableError", err)
	}
}

func loginManifest(t *testing.T, dir string) *Manifest {
	t.Helper()
	return &Manifest{
		Platform: "douyin",
		Login:    LoginSpec{QRSelector: "img.qrcode", PollInterval: Duration(time.Millisecond)},
		Scripts:  ScriptSet{LoginState: writeFile(t, dir, "login_state.js", "return window.__loginState;")},
	}
}

func TestStartLoginReadsQRFromPage(t *testing.T) {
	m := loginManifest(t, t.TempDir())
	broker := brokertest.New()
	set := NewSet(m, Deps{Broker: broker})
	if set.login == nil {
		t.Fatal("login capability not built from the manifest")
	}
	tabID := openTab(t, broker, m.Endpoints().Login)

	broker.HTMLFunc = func(string) (string, error) {
		return `<html><div class="panel"><img class="qrcode" src="data:image/png;base64,QQ=="></div></html>`, nil
	}

	res, err := set.login.StartLogin(context.Background(), plugin.StartLoginParams{TabID: tabID, UserID: "u-1"})
	if err != nil {
		t.Fatalf("StartLogin: %v", err)
	}
	if res.QRCodeURL != "data:image/png;base64,QQ==" {
		t.Errorf("qr url = %q", res.QRCodeURL)
	}
}

func TestStartLoginScriptProvidesQR(t *testing.T) {
	dir := t.TempDir()
	m := loginManifest(t, dir)
	m.Scripts.StartLogin = writeFile(t, dir, "start_login.js", "return { qrCodeUrl: renderQR() };")
	broker := brokertest.New()
	set := NewSet(m, Deps{Broker: broker})
	tabID := openTab(t, broker, m.Endpoints().Login)

	broker.EvaluateFunc = answer(`{"qrCodeUrl":"https://qr.example/code-1"}`)

	res, err := set.login.StartLogin(context.Background(), plugin.StartLoginParams{TabID: tabID, UserID: "u-1"})
	if err != nil {
		t.Fatalf("StartLogin: %v", err)
	}
	if res.QRCodeURL != "https://qr.example/code-1" {
		t.Errorf("qr url = %q", res.QRCodeURL)
	}
}

func TestStartLoginWaitsForAsyncQRRender(t *testing.T) {
	m := loginManifest(t, t.TempDir())
	broker := brokertest.New()
	clock := clockwork.NewFakeClock()
	set := NewSet(m, Deps{Broker: broker, Clock: clock})
	tabID := openTab(t, broker, m.Endpoints().Login)

	var mu sync.Mutex
	calls := 0
	broker.HTMLFunc = func(string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return "<html><div>rendering</div></html>", nil
		}
		return `<html><img class="qrcode" src="data:image/png;base64,QQ=="></html>`, nil
	}

	type outcome struct {
		res *plugin.StartLoginResult
		err error
	}
	results := make(chan outcome, 1)
	go func() {
		res, err := set.login.StartLogin(context.Background(), plugin.StartLoginParams{TabID: tabID, UserID: "u-1"})
		results <- outcome{res, err}
	}()

	clock.BlockUntil(1)
	clock.Advance(500 * time.Millisecond)

	select {
	case out := <-results:
		if out.err != nil {
			t.Fatalf("StartLogin: %v", out.err)
		}
		if out.res.QRCodeURL == "" {
			t.Error("qr url empty after the page rendered it")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StartLogin still polling after the QR rendered")
	}
}

func TestStartLoginTimesOutWhenQRNeverRenders(t *testing.T) {
	m := loginManifest(t, t.TempDir())
	broker := brokertest.New()
	clock := clockwork.NewFakeClock()
	set := NewSet(m, Deps{Broker: broker, Clock: clock})
	tabID := openTab(t, broker, m.Endpoints().Login)

	broker.HTMLFunc = func(string) (string, error) {
		return "<html><div>rendering</div></html>", nil
	}

	errs := make(chan error, 1)
	go func() {
		_, err := set.login.StartLogin(context.Background(), plugin.StartLoginParams{TabID: tabID, UserID: "u-1"})
		errs <- err
	}()

	clock.BlockUntil(1)
	clock.Advance(qrExtractTimeout + time.Second)

	select {
	case err := <-errs:
		if err == nil || !strings.Contains(err.Error(), "did not appear") {
			t.Fatalf("StartLogin = %v, want a did-not-appear error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StartLogin did not give up after the QR deadline")
	}
}

func TestProcessLoginCapturesSessionOnConfirm(t *testing.T) {
	m := loginManifest(t, t.TempDir())
	broker := brokertest.New()
	set := NewSet(m, Deps{Broker: broker})
	tabID := openTab(t, broker, m.Endpoints().Login)

	states := []string{
		`{"state":"waiting"}`,
		`{"state":"scanned"}`,
		`{"state":"confirmed","accountId":"acct-7","nickname":"昵称","avatar":"https://img/a.png"}`,
	}
	var mu sync.Mutex
	call := 0
	broker.EvaluateFunc = func(_, _ string, out any) error {
		mu.Lock()
		defer mu.Unlock()
		raw := states[call]
		if call < len(states)-1 {
			call++
		}
		*(out.(*string)) = raw
		return nil
	}

	res, err := set.login.ProcessLogin(context.Background(), plugin.ProcessLoginParams{
		TabID:      tabID,
		UserID:     "u-1",
		CookieFile: "/cookies/douyin_u-1.json",
	})
	if err != nil {
		t.Fatalf("ProcessLogin: %v", err)
	}
	if res.AccountID != "acct-7" || res.Nickname != "昵称" {
		t.Errorf("result = %+v", res)
	}
	exports := broker.Exports(tabID)
	if len(exports) != 1 || exports[0] != "/cookies/douyin_u-1.json" {
		t.Errorf("cookie exports = %v, want the requested cookie file", exports)
	}
}

func TestProcessLoginExpiredQR(t *testing.T) {
	m := loginManifest(t, t.TempDir())
	broker := brokertest.New()
	set := NewSet(m, Deps{Broker: broker})
	tabID := openTab(t, broker, m.Endpoints().Login)

	broker.EvaluateFunc = answer(`{"state":"expired"}`)

	_, err := set.login.ProcessLogin(context.Background(), plugin.ProcessLoginParams{TabID: tabID, UserID: "u-1", CookieFile: "/tmp/c.json"})
	if err == nil || !strings.Contains(err.Error(), "expired") {
		t.Fatalf("ProcessLogin = %v, want expiry error", err)
	}
	if len(broker.Exports(tabID)) != 0 {
		t.Error("cookies exported for an expired login")
	}
}

func TestProcessLoginFailureCarriesPlatformMessage(t *testing.T) {
	m := loginManifest(t, t.TempDir())
	broker := brokertest.New()
	set := NewSet(m, Deps{Broker: broker})
	tabID := openTab(t, broker, m.Endpoints().Login)

	broker.EvaluateFunc = answer(`{"state":"failed","message":"账号被风控"}`)

	_, err := set.login.ProcessLogin(context.Background(), plugin.ProcessLoginParams{TabID: tabID, UserID: "u-1", CookieFile: "/tmp/c.json"})
	if err == nil || !strings.Contains(err.Error(), "账号被风控") {
		t.Fatalf("ProcessLogin = %v, want the platform message", err)
	}
}

func TestProcessLoginGivesUpAfterProbeErrors(t *testing.T) {
	m := loginManifest(t, t.TempDir())
	broker := brokertest.New()
	set := NewSet(m, Deps{Broker: broker})
	tabID := openTab(t, broker, m.Endpoints().Login)

	broker.EvaluateFunc = func(string, string, any) error {
		return fmt.Errorf("page context destroyed")
	}

	_, err := set.login.ProcessLogin(context.Background(), plugin.ProcessLoginParams{TabID: tabID, UserID: "u-1", CookieFile: "/tmp/c.json"})
	if err == nil || !strings.Contains(err.Error(), "probe failed 3 times") {
		t.Fatalf("ProcessLogin = %v, want a probe-failure error", err)
	}
}

func TestProcessLoginStopsOnContextCancel(t *testing.T) {
	m := loginManifest(t, t.TempDir())
	broker := brokertest.New()
	set := NewSet(m, Deps{Broker: broker})
	tabID := openTab(t, broker, m.Endpoints().Login)

	broker.EvaluateFunc = answer(`{"state":"waiting"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := set.login.ProcessLogin(ctx, plugin.ProcessLoginParams{TabID: tabID, UserID: "u-1", CookieFile: "/tmp/c.json"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ProcessLogin = %v, want context deadline", err)
	}
}

func TestCancelLoginWithoutScriptIsNoop(t *testing.T) {
	m := loginManifest(t, t.TempDir())
	broker := brokertest.New()
	set := NewSet(m, Deps{Broker: broker})
	tabID := openTab(t, broker, m.Endpoints().Login)

	if err := set.login.CancelLogin(context.Background(), tabID); err != nil {
		t.Fatalf("CancelLogin without a script: %v", err)
	}
}

func TestValidateScriptVerdict(t *testing.T) {
	dir := t.TempDir()
	m := &Manifest{
		Platform: "douyin",
		Scripts:  ScriptSet{Validate: writeFile(t, dir, "validate.js", "return checkSession();")},
	}
	broker := brokertest.New()
	set := NewSet(m, Deps{Broker: broker})
	tabID := openTab(t, broker, m.Endpoints().Creator)

	broker.EvaluateFunc = answer(`{"valid":false,"reason":"登录已过期"}`)

	res, err := set.validate.Validate(context.Background(), plugin.ValidateParams{TabID: tabID})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Valid || res.Reason != "登录已过期" {
		t.Errorf("result = %+v", res)
	}
}

func TestValidateFallsBackToURLHeuristic(t *testing.T) {
	m := &Manifest{Platform: "douyin"}
	broker := brokertest.New()
	set := NewSet(m, Deps{Broker: broker})
	tabID := openTab(t, broker, "https://creator.douyin.com/passport/login?redirect=home")

	res, err := set.validate.Validate(context.Background(), plugin.ValidateParams{TabID: tabID})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Valid || res.Reason != "redirected to login page" {
		t.Errorf("result on a login redirect = %+v", res)
	}

	broker.SetURL(tabID, "https://creator.douyin.com/creator-micro/home")
	res, err = set.validate.Validate(context.Background(), plugin.ValidateParams{TabID: tabID})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !res.Valid {
		t.Errorf("result on the creator page = %+v, want valid", res)
	}
}
