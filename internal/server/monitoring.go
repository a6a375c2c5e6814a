package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"postpilot/internal/async"
	"postpilot/internal/monitor"
	"postpilot/internal/platform"
	"postpilot/internal/plugin"
)

type monitorAccountBody struct {
	Platform   string `json:"platform"`
	AccountID  string `json:"accountId"`
	CookieFile string `json:"cookieFile"`
	// Headless is accepted for wire compatibility; the browser mode is a
	// process-level decision, not a per-request one.
	Headless *bool `json:"headless,omitempty"`
}

type monitorBatchBody struct {
	Accounts    []monitorAccountBody `json:"accounts"`
	WithSync    bool                 `json:"withSync"`
	SyncOptions *syncOptionsBody     `json:"syncOptions"`
}

type syncOptionsBody struct {
	Concurrency    int `json:"concurrency"`
	TimeoutSeconds int `json:"timeoutSeconds"`
}

type startOutcomeView struct {
	AccountKey  string `json:"accountKey"`
	Platform    string `json:"platform"`
	AccountID   string `json:"accountId"`
	Started     bool   `json:"started"`
	Reason      string `json:"reason,omitempty"`
	Message     string `json:"message,omitempty"`
	NewMessages int    `json:"newMessages"`
}

func viewOutcome(o monitor.StartOutcome) startOutcomeView {
	return startOutcomeView{
		AccountKey:  o.AccountKey,
		Platform:    string(o.Platform),
		AccountID:   o.AccountID,
		Started:     o.Started,
		Reason:      o.Reason,
		Message:     o.Message,
		NewMessages: o.NewMessages,
	}
}

type monitorStateView struct {
	AccountKey string    `json:"accountKey"`
	Platform   string    `json:"platform"`
	AccountID  string    `json:"accountId"`
	TabID      string    `json:"tabId"`
	StartedAt  time.Time `json:"startedAt"`
}

// parsePlatform resolves a tag or numeric-code string, answering 400 itself
// on failure.
func (s *Server) parsePlatform(c *gin.Context, raw string) (platform.Platform, bool) {
	p, err := platform.Parse(raw)
	if err != nil {
		respondBadRequest(c, err.Error())
		return "", false
	}
	return p, true
}

func (s *Server) handleMonitoringStart(c *gin.Context) {
	var req monitorAccountBody
	if !bindJSON(c, &req) {
		return
	}
	p, ok := s.parsePlatform(c, req.Platform)
	if !ok {
		return
	}

	outcome, err := s.deps.Monitor.StartSingle(c.Request.Context(), monitor.AccountRef{
		Platform:   p,
		AccountID:  req.AccountID,
		CookieFile: req.CookieFile,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if !outcome.Started {
		c.JSON(http.StatusOK, APIResponse{Success: false, Error: outcome.Message, Data: viewOutcome(outcome)})
		return
	}
	respondOK(c, viewOutcome(outcome))
}

func (s *Server) handleMonitoringStop(c *gin.Context) {
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
	if err := s.deps.Monitor.Stop(c.Request.Context(), req.AccountKey); err != nil {
		respondError(c, err)
		return
	}
	respondMessage(c, "监听已停止", gin.H{"accountKey": req.AccountKey})
}

func (s *Server) handleMonitoringBatchStart(c *gin.Context) {
	var req monitorBatchBody
	if !bindJSON(c, &req) {
		return
	}

	batch := monitor.BatchRequest{WithSync: req.WithSync}
	for _, acc := range req.Accounts {
		p, ok := s.parsePlatform(c, acc.Platform)
		if !ok {
			return
		}
		batch.Accounts = append(batch.Accounts, monitor.AccountRef{
			Platform:   p,
			AccountID:  acc.AccountID,
			CookieFile: acc.CookieFile,
		})
	}
	if opts := req.SyncOptions; opts != nil {
		batch.SyncConcurrency = opts.Concurrency
		batch.SyncTimeout = time.Duration(opts.TimeoutSeconds) * time.Second
	}

	result, err := s.deps.Monitor.BatchStart(c.Request.Context(), batch)
	if err != nil {
		respondError(c, err)
		return
	}

	outcomes := make([]startOutcomeView, 0, len(result.Outcomes))
	for _, o := range result.Outcomes {
		outcomes = append(outcomes, viewOutcome(o))
	}
	respondOK(c, gin.H{
		"successCount":          result.SuccessCount,
		"failedCount":           result.FailedCount,
		"validationFailedCount": result.ValidationFailedCount,
		"totalNewMessages":      result.TotalNewMessages,
		"outcomes":              outcomes,
	})
}

func (s *Server) handleMonitoringStopAll(c *gin.Context) {
	stopped := s.deps.Monitor.StopAll(c.Request.Context())
	respondOK(c, gin.H{"stopped": stopped})
}

func (s *Server) handleMonitoringStatus(c *gin.Context) {
	states := s.deps.Monitor.Status()
	views := make([]monitorStateView, 0, len(states))
	for _, st := range states {
		views = append(views, monitorStateView{
			AccountKey: st.AccountKey,
			Platform:   string(st.Platform),
			AccountID:  st.AccountID,
			TabID:      st.TabID,
			StartedAt:  st.StartedAt,
		})
	}
	respondOK(c, gin.H{"count": len(views), "accounts": views})
}

type messageEventView struct {
	AccountKey string    `json:"accountKey"`
	Platform   string    `json:"platform"`
	AccountID  string    `json:"accountId"`
	ThreadID   string    `json:"threadId"`
	PeerName   string    `json:"peerName"`
	MessageID  string    `json:"messageId"`
	SenderID   string    `json:"senderId"`
	Content    string    `json:"content"`
	Type       string    `json:"type"`
	SentAt     time.Time `json:"sentAt"`
	ReceivedAt time.Time `json:"receivedAt"`
}

func viewEvent(ev plugin.MessageEvent) messageEventView {
	return messageEventView{
		AccountKey: ev.AccountKey,
		Platform:   string(ev.Platform),
		AccountID:  ev.AccountID,
		ThreadID:   ev.ThreadID,
		PeerName:   ev.PeerName,
		MessageID:  ev.Message.MessageID,
		SenderID:   ev.Message.SenderID,
		Content:    ev.Message.Content,
		Type:       ev.Message.Type,
		SentAt:     ev.Message.SentAt,
		ReceivedAt: ev.ReceivedAt,
	}
}

// handleMonitoringEvents streams live message events over a WebSocket. An
// optional accountKey query narrows the stream to one account.
func (s *Server) handleMonitoringEvents(c *gin.Context) {
	if s.deps.Events == nil {
		c.JSON(http.StatusServiceUnavailable, APIResponse{Success: false, Error: "event stream unavailable"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already answered the client.
		s.logger.Warn("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	events := s.deps.Events.Watch(ctx, c.Query("accountKey"))

	// The read side exists only to notice the peer hanging up.
	async.Go(s.logger, "ws-event-reader", func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case ev, open := <-events:
			if !open {
				return
			}
			if err := conn.WriteJSON(viewEvent(ev)); err != nil {
				return
			}
		}
	}
}
