// Package scriptplugin adapts operator-provided platform scripts into the
// uniform plugin contracts. Each platform ships a YAML manifest naming its
// entry URLs, readiness selectors and one script file per operation; the
// package executes those scripts inside broker-owned tabs and decodes their
// JSON results, keeping every platform DOM specific out of the core.
package scriptplugin

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"postpilot/internal/logging"
	"postpilot/internal/platform"
)

// ManifestURLs overrides the shipped entry URLs for a platform. Empty fields
// fall back to platform.DefaultEndpoints.
type ManifestURLs struct {
	Creator string `yaml:"creator"`
	Upload  string `yaml:"upload"`
	Message string `yaml:"message"`
	Login   string `yaml:"login"`
}

// Readiness declares the DOM shape of a usable message workspace: a selector
// that must be present and one that must be absent. Both empty means the tab
// is ready as soon as the page loads.
type Readiness struct {
	Present string `yaml:"present"`
	Absent  string `yaml:"absent"`
}

func (r Readiness) empty() bool { return r.Present == "" && r.Absent == "" }

// UploadSpec tunes the publish-page automation.
type UploadSpec struct {
	// FileInput is the selector of the <input type=file> the video streams
	// into before the upload script runs. Empty skips the attach step (the
	// script drives the picker itself).
	FileInput string `yaml:"file_input"`
}

// Duration parses YAML durations written either as Go strings ("2s",
// "500ms") or as bare numbers of seconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err == nil {
		parsed, perr := time.ParseDuration(raw)
		if perr != nil {
			return fmt.Errorf("bad duration %q: %w", raw, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := node.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("duration must be a string like %q or a number of seconds", "2s")
}

// LoginSpec tunes the QR login automation.
type LoginSpec struct {
	// QRSelector locates the QR <img> when no start_login script is
	// declared; its src attribute becomes the QR code URL.
	QRSelector string `yaml:"qr_selector"`
	// PollInterval is the login_state script cadence while waiting for the
	// scan. Defaults to 2s.
	PollInterval Duration `yaml:"poll_interval"`
}

// MonitorSpec tunes live message monitoring.
type MonitorSpec struct {
	// DrainInterval is the monitor_drain script cadence. Defaults to 3s.
	DrainInterval Duration `yaml:"drain_interval"`
}

// ScriptSet names the script file per operation, relative to the manifest
// directory. Empty entries disable the matching capability (or fall back to
// a built-in behavior where one exists).
type ScriptSet struct {
	Upload      string `yaml:"upload"`
	AccountInfo string `yaml:"account_info"`

	StartLogin  string `yaml:"start_login"`
	LoginState  string `yaml:"login_state"`
	CancelLogin string `yaml:"cancel_login"`

	Validate string `yaml:"validate"`

	Sync           string `yaml:"sync"`
	Send           string `yaml:"send"`
	MonitorInstall string `yaml:"monitor_install"`
	MonitorDrain   string `yaml:"monitor_drain"`
	MonitorStop    string `yaml:"monitor_stop"`
}

// Manifest is one platform's script-plugin declaration.
type Manifest struct {
	Platform  string       `yaml:"platform"`
	Name      string       `yaml:"name"`
	URLs      ManifestURLs `yaml:"urls"`
	Readiness Readiness    `yaml:"readiness"`
	Upload    UploadSpec   `yaml:"upload"`
	Login     LoginSpec    `yaml:"login"`
	Monitor   MonitorSpec  `yaml:"monitor"`
	Scripts   ScriptSet    `yaml:"scripts"`

	dir string // manifest directory, scripts resolve against it
}

// PlatformTag returns the validated platform the manifest targets.
func (m *Manifest) PlatformTag() platform.Platform {
	return platform.Platform(m.Platform)
}

// DisplayName is the plugin name surfaced in logs and the platform matrix.
func (m *Manifest) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.Platform + "-script"
}

// Endpoints merges the manifest URL overrides over the shipped defaults.
func (m *Manifest) Endpoints() platform.Endpoints {
	eps := platform.DefaultEndpoints(m.PlatformTag())
	if m.URLs.Creator != "" {
		eps.Creator = m.URLs.Creator
	}
	if m.URLs.Upload != "" {
		eps.Upload = m.URLs.Upload
	}
	if m.URLs.Message != "" {
		eps.Message = m.URLs.Message
	}
	if m.URLs.Login != "" {
		eps.Login = m.URLs.Login
	}
	return eps
}

func (m *Manifest) loginPollInterval() time.Duration {
	if d := m.Login.PollInterval.Std(); d > 0 {
		return d
	}
	return 2 * time.Second
}

func (m *Manifest) drainInterval() time.Duration {
	if d := m.Monitor.DrainInterval.Std(); d > 0 {
		return d
	}
	return 3 * time.Second
}

// scriptPath resolves a manifest-relative script file.
func (m *Manifest) scriptPath(name string) string {
	if name == "" {
		return ""
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(m.dir, name)
}

// Validate rejects manifests the plugin set cannot be built from.
func (m *Manifest) Validate() error {
	if m.Platform == "" {
		return fmt.Errorf("manifest missing platform")
	}
	if !m.PlatformTag().IsValid() {
		return fmt.Errorf("manifest targets unknown platform %q", m.Platform)
	}
	if m.Scripts.StartLogin == "" && m.Scripts.LoginState != "" && m.Login.QRSelector == "" {
		return fmt.Errorf("platform %s: login needs a start_login script or a qr_selector", m.Platform)
	}
	if m.Scripts.MonitorInstall != "" && m.Scripts.MonitorDrain == "" {
		return fmt.Errorf("platform %s: monitor_install without monitor_drain leaves events unread", m.Platform)
	}
	for _, script := range []string{
		m.Scripts.Upload, m.Scripts.AccountInfo, m.Scripts.StartLogin,
		m.Scripts.LoginState, m.Scripts.CancelLogin, m.Scripts.Validate,
		m.Scripts.Sync, m.Scripts.Send, m.Scripts.MonitorInstall,
		m.Scripts.MonitorDrain, m.Scripts.MonitorStop,
	} {
		if script == "" {
			continue
		}
		if _, err := os.Stat(m.scriptPath(script)); err != nil {
			return fmt.Errorf("platform %s: script %s: %w", m.Platform, script, err)
		}
	}
	return nil
}

// LoadManifest parses and validates a single manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", filepath.Base(path), err)
	}
	m.dir = filepath.Dir(path)
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadDir loads every *.yaml/*.yml manifest under dir, sorted by file name
// for deterministic registration. A broken manifest is logged and skipped so
// one bad platform never takes the rest down; a missing directory just
// yields no manifests.
func LoadDir(dir string, logger logging.Logger) ([]*Manifest, error) {
	logger = logging.OrNop(logger)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("plugin manifest directory %s does not exist, no platforms loaded", dir)
			return nil, nil
		}
		return nil, fmt.Errorf("read manifest dir: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	manifests := make([]*Manifest, 0, len(names))
	for _, name := range names {
		m, err := LoadManifest(filepath.Join(dir, name))
		if err != nil {
			logger.Error("skipping plugin manifest %s: %v", name, err)
			continue
		}
		manifests = append(manifests, m)
		logger.Info("loaded plugin manifest %s for %s", name, m.Platform)
	}
	return manifests, nil
}
