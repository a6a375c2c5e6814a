package scheduler

import (
	"time"

	"postpilot/internal/platform"
)

// Status is the lifecycle state of a sync task.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusError   Status = "error"
	StatusStopped Status = "stopped"
)

// SyncTask is one account's recurring message sync. The scheduler owns the
// record; callers see copies via TaskSnapshot and Tasks.
type SyncTask struct {
	ID                  string
	Platform            platform.Platform
	AccountID           string
	CurrentCookieFile   string
	LastCookieUpdate    time.Time
	CookieUpdateCount   int
	SyncInterval        time.Duration
	Enabled             bool
	Priority            int // 1..10, display ordering only
	Status              Status
	LastSyncAt          time.Time
	NextSyncAt          time.Time
	SyncCount           int
	ErrorCount          int
	ConsecutiveErrors   int
	LastError           string
	TotalMessages       int
	NewMessagesLastSync int
	AvgSyncDurationMs   float64
}

// AccountKey returns the platform_accountID key the task is indexed under.
func (t *SyncTask) AccountKey() string {
	return platform.AccountKey(t.Platform, t.AccountID)
}

// TaskOptions tunes a task at creation time. Zero values pick defaults.
type TaskOptions struct {
	Interval time.Duration // time between syncs; zero uses the scheduler default
	Priority int           // 1..10, clamped; zero means 5
}

// Stats aggregates the task set for status endpoints.
type Stats struct {
	Running          bool
	TotalTasks       int
	EnabledTasks     int
	RunningTasks     int
	QuarantinedTasks int
	TotalSyncs       int
	TotalErrors      int
	TotalMessages    int
}
