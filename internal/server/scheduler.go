package server

import (
	"time"

	"github.com/gin-gonic/gin"

	"postpilot/internal/scheduler"
)

type syncTaskView struct {
	ID                  string     `json:"id"`
	AccountKey          string     `json:"accountKey"`
	Platform            string     `json:"platform"`
	AccountID           string     `json:"accountId"`
	Status              string     `json:"status"`
	Enabled             bool       `json:"enabled"`
	Priority            int        `json:"priority"`
	SyncIntervalSeconds int        `json:"syncIntervalSeconds"`
	LastSyncAt          *time.Time `json:"lastSyncAt,omitempty"`
	NextSyncAt          *time.Time `json:"nextSyncAt,omitempty"`
	SyncCount           int        `json:"syncCount"`
	ErrorCount          int        `json:"errorCount"`
	ConsecutiveErrors   int        `json:"consecutiveErrors"`
	LastError           string     `json:"lastError,omitempty"`
	TotalMessages       int        `json:"totalMessages"`
	NewMessagesLastSync int        `json:"newMessagesLastSync"`
	AvgSyncDurationMs   float64    `json:"avgSyncDurationMs"`
	CookieUpdateCount   int        `json:"cookieUpdateCount"`
}

func viewTask(t scheduler.SyncTask) syncTaskView {
	view := syncTaskView{
		ID:                  t.ID,
		AccountKey:          t.AccountKey(),
		Platform:            string(t.Platform),
		AccountID:           t.AccountID,
		Status:              string(t.Status),
		Enabled:             t.Enabled,
		Priority:            t.Priority,
		SyncIntervalSeconds: int(t.SyncInterval / time.Second),
		SyncCount:           t.SyncCount,
		ErrorCount:          t.ErrorCount,
		ConsecutiveErrors:   t.ConsecutiveErrors,
		LastError:           t.LastError,
		TotalMessages:       t.TotalMessages,
		NewMessagesLastSync: t.NewMessagesLastSync,
		AvgSyncDurationMs:   t.AvgSyncDurationMs,
		CookieUpdateCount:   t.CookieUpdateCount,
	}
	if !t.LastSyncAt.IsZero() {
		at := t.LastSyncAt
		view.LastSyncAt = &at
	}
	if !t.NextSyncAt.IsZero() {
		at := t.NextSyncAt
		view.NextSyncAt = &at
	}
	return view
}

func (s *Server) handleSchedulerStatus(c *gin.Context) {
	stats := s.deps.Scheduler.Stats()
	tasks := s.deps.Scheduler.Tasks()
	views := make([]syncTaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, viewTask(t))
	}
	respondOK(c, gin.H{
		"running":          stats.Running,
		"totalTasks":       stats.TotalTasks,
		"enabledTasks":     stats.EnabledTasks,
		"runningTasks":     stats.RunningTasks,
		"quarantinedTasks": stats.QuarantinedTasks,
		"totalSyncs":       stats.TotalSyncs,
		"totalErrors":      stats.TotalErrors,
		"totalMessages":    stats.TotalMessages,
		"tasks":            views,
	})
}

// handleSchedulerStart registers a recurring sync for one account. The
// cookie in the request stays authoritative even when the account table
// disagrees.
func (s *Server) handleSchedulerStart(c *gin.Context) {
	var req struct {
		Platform        string `json:"platform"`
		AccountName     string `json:"accountName"`
		CookieFile      string `json:"cookieFile"`
		IntervalSeconds int    `json:"intervalSeconds"`
		Priority        int    `json:"priority"`
	}
	if !bindJSON(c, &req) {
		return
	}
	p, ok := s.parsePlatform(c, req.Platform)
	if !ok {
		return
	}
	if req.AccountName == "" {
		respondBadRequest(c, "accountName is required")
		return
	}

	taskID, err := s.deps.Messages.StartScheduler(c.Request.Context(), p, req.AccountName, req.CookieFile, scheduler.TaskOptions{
		Interval: time.Duration(req.IntervalSeconds) * time.Second,
		Priority: req.Priority,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"taskId": taskID})
}

func (s *Server) schedulerTaskAction(c *gin.Context, action func(accountKey string) error, msg string) {
	var req struct {
		AccountKey string `json:"accountKey"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if req.AccountKey == "" {
		respondBadRequest(c, "accountKey is required")
		return
	}
	if err := action(req.AccountKey); err != nil {
		respondError(c, err)
		return
	}
	respondMessage(c, msg, gin.H{"accountKey": req.AccountKey})
}

func (s *Server) handleSchedulerStop(c *gin.Context) {
	s.schedulerTaskAction(c, s.deps.Scheduler.RemoveTask, "同步任务已移除")
}

func (s *Server) handleSchedulerPause(c *gin.Context) {
	s.schedulerTaskAction(c, s.deps.Scheduler.PauseTask, "同步任务已暂停")
}

func (s *Server) handleSchedulerResume(c *gin.Context) {
	s.schedulerTaskAction(c, s.deps.Scheduler.ResumeTask, "同步任务已恢复")
}
