// Package config loads the orchestrator configuration from
// postpilot-config.json (home directory or cwd) with POSTPILOT_* environment
// overrides.
package config

import "time"

// Config is the root configuration for the orchestration core.
type Config struct {
	Server    ServerConfig
	Paths     PathsConfig
	Browser   BrowserConfig
	Scheduler SchedulerConfig
	Custodian CustodianConfig
	Login     LoginConfig
	Upload    UploadConfig
	Monitor   MonitorConfig
	Database  DatabaseConfig
	Plugins   PluginsConfig
}

// ServerConfig tunes the HTTP surface.
type ServerConfig struct {
	Host         string
	Port         int
	Debug        bool
	AllowOrigins []string
}

// PathsConfig locates the operator-managed directories.
type PathsConfig struct {
	CookieDir string
	VideoDir  string
	AvatarDir string
}

// BrowserConfig tunes the Chrome-backed tab broker.
type BrowserConfig struct {
	RemoteURL    string // CDP websocket/http URL; empty launches a local Chrome
	ChromePath   string
	Headless     bool
	UserDataDir  string
	EvalTimeout  time.Duration // per-script evaluation budget
	ProbeTimeout time.Duration // responsiveness probe budget
}

// SchedulerConfig tunes the message sync scheduler.
type SchedulerConfig struct {
	TickInterval         time.Duration // master tick cadence
	DefaultSyncInterval  time.Duration // per-task default between syncs
	MaxConcurrent        int           // running-task gate
	GateRetryDelay       time.Duration // re-arm delay when the gate is full
	BackoffMultiplier    float64
	MaxBackoff           time.Duration
	MaxConsecutiveErrors int
	StopDrainTimeout     time.Duration
}

// CustodianConfig tunes message-tab lifecycle management.
type CustodianConfig struct {
	HealthInterval   time.Duration
	MaxRetries       int
	RecreateCooldown time.Duration
	ReadyTimeout     time.Duration
	ReadyPoll        time.Duration
	ProbeErrorDelay  time.Duration
	ProbeTimeout     time.Duration
}

// LoginConfig tunes the QR login coordinator.
type LoginConfig struct {
	RecordTTL       time.Duration // terminal records older than this are reaped
	JanitorSchedule string        // cron spec for the reaper
	BatchGap        time.Duration
	BatchWait       time.Duration
	BatchPoll       time.Duration
	ProcessTimeout  time.Duration // QR scan budget for one login
}

// UploadConfig tunes the upload pipeline.
type UploadConfig struct {
	PublishTimeout time.Duration
	BatchGap       time.Duration
}

// MonitorConfig tunes batch monitoring startup.
type MonitorConfig struct {
	SyncConcurrency int
	SyncTimeout     time.Duration
	StartGap        time.Duration
}

// DatabaseConfig selects the persistence backend. An empty DSN keeps all
// stores in memory.
type DatabaseConfig struct {
	DSN string
}

// PluginsConfig locates the script-plugin manifests.
type PluginsConfig struct {
	ManifestDir string
}
