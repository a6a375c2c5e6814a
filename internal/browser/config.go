package browser

import "time"

// Config configures the Chrome-backed broker.
type Config struct {
	CDPURL       string // attach to a running Chrome instead of launching one
	ChromePath   string
	Headless     bool
	UserDataDir  string
	EvalTimeout  time.Duration // budget for Evaluate/HTML/SetUploadFiles
	ProbeTimeout time.Duration // budget for CurrentURL and health probes
}

func (c Config) evalTimeoutOrDefault() time.Duration {
	if c.EvalTimeout > 0 {
		return c.EvalTimeout
	}
	return 30 * time.Second
}

func (c Config) probeTimeoutOrDefault() time.Duration {
	if c.ProbeTimeout > 0 {
		return c.ProbeTimeout
	}
	return 3 * time.Second
}
