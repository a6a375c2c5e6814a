package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads postpilot-config from $HOME and the working directory, applies
// POSTPILOT_* environment overrides, and validates the result. A missing
// config file is not an error; defaults cover every key.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("postpilot-config")
	v.SetConfigType("json")
	v.AddConfigPath("$HOME")
	v.AddConfigPath(".")

	v.SetEnvPrefix("POSTPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".postpilot")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.debug", false)
	v.SetDefault("server.allow_origins", []string{"*"})

	v.SetDefault("paths.cookie_dir", filepath.Join(dataDir, "cookies"))
	v.SetDefault("paths.video_dir", filepath.Join(dataDir, "videos"))
	v.SetDefault("paths.avatar_dir", filepath.Join(dataDir, "avatars"))

	v.SetDefault("browser.remote_url", "")
	v.SetDefault("browser.chrome_path", "")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_data_dir", filepath.Join(dataDir, "chrome"))
	v.SetDefault("browser.eval_timeout", "30s")
	v.SetDefault("browser.probe_timeout", "3s")

	v.SetDefault("scheduler.tick_interval", "30s")
	v.SetDefault("scheduler.default_sync_interval", "5m")
	v.SetDefault("scheduler.max_concurrent", 5)
	v.SetDefault("scheduler.gate_retry_delay", "30s")
	v.SetDefault("scheduler.backoff_multiplier", 2.0)
	v.SetDefault("scheduler.max_backoff", "30m")
	v.SetDefault("scheduler.max_consecutive_errors", 3)
	v.SetDefault("scheduler.stop_drain_timeout", "30s")

	v.SetDefault("custodian.health_interval", "60s")
	v.SetDefault("custodian.max_retries", 3)
	v.SetDefault("custodian.recreate_cooldown", "5s")
	v.SetDefault("custodian.ready_timeout", "30s")
	v.SetDefault("custodian.ready_poll", "1s")
	v.SetDefault("custodian.probe_error_delay", "2s")
	v.SetDefault("custodian.probe_timeout", "3s")

	v.SetDefault("login.record_ttl", "24h")
	v.SetDefault("login.janitor_schedule", "@hourly")
	v.SetDefault("login.batch_gap", "1s")
	v.SetDefault("login.batch_wait", "5m")
	v.SetDefault("login.batch_poll", "5s")
	v.SetDefault("login.process_timeout", "5m")

	v.SetDefault("upload.publish_timeout", "300s")
	v.SetDefault("upload.batch_gap", "1s")

	v.SetDefault("monitor.sync_concurrency", 5)
	v.SetDefault("monitor.sync_timeout", "30s")
	v.SetDefault("monitor.start_gap", "1s")

	v.SetDefault("database.dsn", "")

	v.SetDefault("plugins.manifest_dir", filepath.Join(dataDir, "plugins"))
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Server: ServerConfig{
			Host:         v.GetString("server.host"),
			Port:         v.GetInt("server.port"),
			Debug:        v.GetBool("server.debug"),
			AllowOrigins: v.GetStringSlice("server.allow_origins"),
		},
		Paths: PathsConfig{
			CookieDir: v.GetString("paths.cookie_dir"),
			VideoDir:  v.GetString("paths.video_dir"),
			AvatarDir: v.GetString("paths.avatar_dir"),
		},
		Browser: BrowserConfig{
			RemoteURL:    v.GetString("browser.remote_url"),
			ChromePath:   v.GetString("browser.chrome_path"),
			Headless:     v.GetBool("browser.headless"),
			UserDataDir:  v.GetString("browser.user_data_dir"),
			EvalTimeout:  v.GetDuration("browser.eval_timeout"),
			ProbeTimeout: v.GetDuration("browser.probe_timeout"),
		},
		Scheduler: SchedulerConfig{
			TickInterval:         v.GetDuration("scheduler.tick_interval"),
			DefaultSyncInterval:  v.GetDuration("scheduler.default_sync_interval"),
			MaxConcurrent:        v.GetInt("scheduler.max_concurrent"),
			GateRetryDelay:       v.GetDuration("scheduler.gate_retry_delay"),
			BackoffMultiplier:    v.GetFloat64("scheduler.backoff_multiplier"),
			MaxBackoff:           v.GetDuration("scheduler.max_backoff"),
			MaxConsecutiveErrors: v.GetInt("scheduler.max_consecutive_errors"),
			StopDrainTimeout:     v.GetDuration("scheduler.stop_drain_timeout"),
		},
		Custodian: CustodianConfig{
			HealthInterval:   v.GetDuration("custodian.health_interval"),
			MaxRetries:       v.GetInt("custodian.max_retries"),
			RecreateCooldown: v.GetDuration("custodian.recreate_cooldown"),
			ReadyTimeout:     v.GetDuration("custodian.ready_timeout"),
			ReadyPoll:        v.GetDuration("custodian.ready_poll"),
			ProbeErrorDelay:  v.GetDuration("custodian.probe_error_delay"),
			ProbeTimeout:     v.GetDuration("custodian.probe_timeout"),
		},
		Login: LoginConfig{
			RecordTTL:       v.GetDuration("login.record_ttl"),
			JanitorSchedule: v.GetString("login.janitor_schedule"),
			BatchGap:        v.GetDuration("login.batch_gap"),
			BatchWait:       v.GetDuration("login.batch_wait"),
			BatchPoll:       v.GetDuration("login.batch_poll"),
			ProcessTimeout:  v.GetDuration("login.process_timeout"),
		},
		Upload: UploadConfig{
			PublishTimeout: v.GetDuration("upload.publish_timeout"),
			BatchGap:       v.GetDuration("upload.batch_gap"),
		},
		Monitor: MonitorConfig{
			SyncConcurrency: v.GetInt("monitor.sync_concurrency"),
			SyncTimeout:     v.GetDuration("monitor.sync_timeout"),
			StartGap:        v.GetDuration("monitor.start_gap"),
		},
		Database: DatabaseConfig{
			DSN: v.GetString("database.dsn"),
		},
		Plugins: PluginsConfig{
			ManifestDir: v.GetString("plugins.manifest_dir"),
		},
	}
}

// Validate rejects configurations the components cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Scheduler.MaxConcurrent < 1 {
		return fmt.Errorf("scheduler.max_concurrent must be at least 1")
	}
	if c.Scheduler.BackoffMultiplier < 1 {
		return fmt.Errorf("scheduler.backoff_multiplier must be at least 1")
	}
	if c.Scheduler.MaxConsecutiveErrors < 1 {
		return fmt.Errorf("scheduler.max_consecutive_errors must be at least 1")
	}
	if c.Custodian.MaxRetries < 0 {
		return fmt.Errorf("custodian.max_retries cannot be negative")
	}
	if c.Monitor.SyncConcurrency < 1 {
		return fmt.Errorf("monitor.sync_concurrency must be at least 1")
	}
	if c.Paths.CookieDir == "" || c.Paths.VideoDir == "" || c.Paths.AvatarDir == "" {
		return fmt.Errorf("paths.cookie_dir, paths.video_dir and paths.avatar_dir are required")
	}
	return nil
}

// EnsureDirs creates the operator directories that must exist before the
// components start.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.Paths.CookieDir, c.Paths.VideoDir, c.Paths.AvatarDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// Default returns the built-in configuration, used by tests and by callers
// that bypass file loading.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	return fromViper(v)
}
