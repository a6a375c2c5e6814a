package scriptplugin

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"postpilot/internal/platform"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const manifestYAML = `platform: douyin
name: douyin-web
urls:
  creator: https://creator.douyin.com/home
readiness:
  present: "div.chat-list"
  absent: "div.login-guide"
upload:
  file_input: "input[type=file]"
login:
  qr_selector: "img.qrcode"
  poll_interval: 500ms
monitor:
  drain_interval: 1.5
scripts:
  upload: upload.js
  account_info: account_info.js
  login_state: login_state.js
  validate: validate.js
  sync: sync.js
  send: send.js
  monitor_install: monitor_install.js
  monitor_drain: monitor_drain.js
`

func writeManifestScripts(t *testing.T, dir string) {
	t.Helper()
	names := []string{
		"upload.js", "account_info.js", "login_state.js", "validate.js",
		"sync.js", "send.js", "monitor_install.js", "monitor_drain.js",
	}
	for _, name := range names {
		writeFile(t, dir, name, "return null;")
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifestScripts(t, dir)
	path := writeFile(t, dir, "douyin.yaml", manifestYAML)

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if m.PlatformTag() != platform.Douyin {
		t.Errorf("platform = %q, want douyin", m.Platform)
	}
	if m.DisplayName() != "douyin-web" {
		t.Errorf("display name = %q, want douyin-web", m.DisplayName())
	}

	eps := m.Endpoints()
	if eps.Creator != "https://creator.douyin.com/home" {
		t.Errorf("creator url = %q, manifest override lost", eps.Creator)
	}
	if want := platform.DefaultEndpoints(platform.Douyin).Upload; eps.Upload != want {
		t.Errorf("upload url = %q, want shipped default %q", eps.Upload, want)
	}

	if got := m.loginPollInterval(); got != 500*time.Millisecond {
		t.Errorf("login poll interval = %s, want 500ms", got)
	}
	if got := m.drainInterval(); got != 1500*time.Millisecond {
		t.Errorf("drain interval = %s, want 1.5s (numeric seconds form)", got)
	}
	if got, want := m.scriptPath(m.Scripts.Sync), filepath.Join(dir, "sync.js"); got != want {
		t.Errorf("sync script resolved to %q, want %q", got, want)
	}
	if m.Readiness.Present != "div.chat-list" || m.Readiness.Absent != "div.login-guide" {
		t.Errorf("readiness = %+v", m.Readiness)
	}
}

func TestManifestDefaults(t *testing.T) {
	m := &Manifest{Platform: "wechat"}
	if m.DisplayName() != "wechat-script" {
		t.Errorf("display name = %q, want wechat-script", m.DisplayName())
	}
	if m.loginPollInterval() != 2*time.Second {
		t.Errorf("login poll interval = %s, want 2s", m.loginPollInterval())
	}
	if m.drainInterval() != 3*time.Second {
		t.Errorf("drain interval = %s, want 3s", m.drainInterval())
	}
	if !m.Readiness.empty() {
		t.Error("empty readiness should report empty")
	}
}

func TestManifestValidation(t *testing.T) {
	dir := t.TempDir()
	script := writeFile(t, dir, "present.js", "return null;")

	cases := []struct {
		name    string
		mutate  func(m *Manifest)
		wantErr string
	}{
		{
			name:    "missing platform",
			mutate:  func(m *Manifest) { m.Platform = "" },
			wantErr: "missing platform",
		},
		{
			name:    "unknown platform",
			mutate:  func(m *Manifest) { m.Platform = "weibo" },
			wantErr: "unknown platform",
		},
		{
			name:    "login state without a qr source",
			mutate:  func(m *Manifest) { m.Scripts.LoginState = script },
			wantErr: "start_login script or a qr_selector",
		},
		{
			name: "monitor install without drain",
			mutate: func(m *Manifest) {
				m.Scripts.MonitorInstall = script
			},
			wantErr: "without monitor_drain",
		},
		{
			name: "script file does not exist",
			mutate: func(m *Manifest) {
				m.Scripts.Validate = filepath.Join(dir, "absent.js")
			},
			wantErr: "absent.js",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := &Manifest{Platform: "douyin"}
			tc.mutate(m)
			err := m.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadDirSkipsBrokenManifests(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sync.js", "return null;")
	writeFile(t, dir, "a_douyin.yaml", "platform: douyin\nscripts:\n  sync: sync.js\n")
	writeFile(t, dir, "b_broken.yaml", "platform: weibo\n")
	writeFile(t, dir, "notes.txt", "not a manifest")

	manifests, err := LoadDir(dir, nil)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(manifests) != 1 {
		t.Fatalf("loaded %d manifests, want 1 (broken one skipped)", len(manifests))
	}
	if manifests[0].PlatformTag() != platform.Douyin {
		t.Errorf("loaded platform = %q, want douyin", manifests[0].Platform)
	}
}

func TestLoadDirMissingDirectory(t *testing.T) {
	manifests, err := LoadDir(filepath.Join(t.TempDir(), "absent"), nil)
	if err != nil {
		t.Fatalf("LoadDir on a missing dir: %v", err)
	}
	if len(manifests) != 0 {
		t.Fatalf("loaded %d manifests from a missing dir, want 0", len(manifests))
	}
}
