package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"postpilot/internal/message"
	"postpilot/internal/store"
)

type syncBody struct {
	Platform    string `json:"platform"`
	AccountName string `json:"accountName"`
	CookieFile  string `json:"cookieFile"`
}

type syncBatchBody struct {
	Accounts []syncBody `json:"accounts"`
}

type sendBody struct {
	Platform  string `json:"platform"`
	TabID     string `json:"tabId"`
	AccountID string `json:"accountId"`
	ThreadID  string `json:"threadId"`
	UserName  string `json:"userName"`
	Content   string `json:"content"`
	Type      string `json:"type"`
}

type sendBatchBody struct {
	Messages []sendBody `json:"messages"`
}

type threadView struct {
	ID            string    `json:"id"`
	Platform      string    `json:"platform"`
	AccountID     string    `json:"accountId"`
	PeerID        string    `json:"peerId"`
	PeerName      string    `json:"peerName"`
	PeerAvatar    string    `json:"peerAvatar,omitempty"`
	Unread        int       `json:"unread"`
	LastMessageAt time.Time `json:"lastMessageAt"`
}

func viewThread(t store.ThreadRecord) threadView {
	return threadView{
		ID:            t.ID,
		Platform:      string(t.Platform),
		AccountID:     t.AccountID,
		PeerID:        t.PeerID,
		PeerName:      t.PeerName,
		PeerAvatar:    t.PeerAvatar,
		Unread:        t.Unread,
		LastMessageAt: t.LastMessageAt,
	}
}

type messageView struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"threadId"`
	Platform  string    `json:"platform"`
	AccountID string    `json:"accountId"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	IsSelf    bool      `json:"isSelf"`
	Read      bool      `json:"read"`
	SentAt    time.Time `json:"sentAt"`
}

func viewMessage(m store.MessageRecord) messageView {
	return messageView{
		ID:        m.ID,
		ThreadID:  m.ThreadID,
		Platform:  string(m.Platform),
		AccountID: m.AccountID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Type:      m.Type,
		IsSelf:    m.IsSelf,
		Read:      m.Read,
		SentAt:    m.SentAt,
	}
}

func intQuery(c *gin.Context, name string) int {
	n, _ := strconv.Atoi(c.Query(name))
	return n
}

// messageFilter builds the store filter from the shared query parameters,
// answering 400 itself on a bad platform.
func (s *Server) messageFilter(c *gin.Context) (store.MessageFilter, bool) {
	f := store.MessageFilter{
		AccountID: c.Query("accountId"),
		Keyword:   c.Query("keyword"),
		Limit:     intQuery(c, "limit"),
		Offset:    intQuery(c, "offset"),
	}
	if raw := c.Query("platform"); raw != "" {
		p, ok := s.parsePlatform(c, raw)
		if !ok {
			return f, false
		}
		f.Platform = p
	}
	return f, true
}

func (s *Server) handleSync(c *gin.Context) {
	var req syncBody
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

	result, err := s.deps.Messages.SyncAccount(c.Request.Context(), p, req.AccountName, req.CookieFile)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{
		"platform":    string(p),
		"accountName": req.AccountName,
		"threads":     len(result.Threads),
		"newMessages": result.NewMessages,
	})
}

func (s *Server) handleSyncBatch(c *gin.Context) {
	var req syncBatchBody
	if !bindJSON(c, &req) {
		return
	}
	if len(req.Accounts) == 0 {
		respondBadRequest(c, "accounts must not be empty")
		return
	}

	reqs := make([]message.SyncRequest, 0, len(req.Accounts))
	for _, acc := range req.Accounts {
		p, ok := s.parsePlatform(c, acc.Platform)
		if !ok {
			return
		}
		reqs = append(reqs, message.SyncRequest{
			Platform:   p,
			AccountID:  acc.AccountName,
			CookieFile: acc.CookieFile,
		})
	}

	type syncOutcomeView struct {
		Platform    string `json:"platform"`
		AccountName string `json:"accountName"`
		Success     bool   `json:"success"`
		Threads     int    `json:"threads"`
		NewMessages int    `json:"newMessages"`
		Error       string `json:"error,omitempty"`
	}

	outcomes := s.deps.Messages.SyncBatch(c.Request.Context(), reqs)
	views := make([]syncOutcomeView, 0, len(outcomes))
	succeeded := 0
	for _, out := range outcomes {
		if out.Success {
			succeeded++
		}
		views = append(views, syncOutcomeView{
			Platform:    string(out.Platform),
			AccountName: out.AccountID,
			Success:     out.Success,
			Threads:     out.Threads,
			NewMessages: out.NewMessages,
			Error:       out.Error,
		})
	}
	respondOK(c, gin.H{
		"total":    len(views),
		"success":  succeeded,
		"failed":   len(views) - succeeded,
		"outcomes": views,
	})
}

func (s *Server) sendRequest(c *gin.Context, body sendBody) (message.SendRequest, bool) {
	p, ok := s.parsePlatform(c, body.Platform)
	if !ok {
		return message.SendRequest{}, false
	}
	return message.SendRequest{
		Platform:  p,
		TabID:     body.TabID,
		AccountID: body.AccountID,
		ThreadID:  body.ThreadID,
		PeerID:    body.UserName,
		Content:   body.Content,
		Type:      body.Type,
	}, true
}

func (s *Server) handleSend(c *gin.Context) {
	var req sendBody
	if !bindJSON(c, &req) {
		return
	}
	sendReq, ok := s.sendRequest(c, req)
	if !ok {
		return
	}

	result, err := s.deps.Messages.Send(c.Request.Context(), sendReq)
	if err != nil {
		respondError(c, err)
		return
	}
	if !result.Delivered {
		c.JSON(http.StatusOK, APIResponse{Success: false, Error: "message was not delivered"})
		return
	}
	respondOK(c, gin.H{"delivered": true, "messageId": result.MessageID})
}

func (s *Server) handleSendBatch(c *gin.Context) {
	var req sendBatchBody
	if !bindJSON(c, &req) {
		return
	}
	if len(req.Messages) == 0 {
		respondBadRequest(c, "messages must not be empty")
		return
	}

	type sendOutcome struct {
		Index     int    `json:"index"`
		Delivered bool   `json:"delivered"`
		MessageID string `json:"messageId,omitempty"`
		Error     string `json:"error,omitempty"`
	}

	outcomes := make([]sendOutcome, 0, len(req.Messages))
	delivered := 0
	for i, body := range req.Messages {
		out := sendOutcome{Index: i}
		sendReq, ok := s.sendRequest(c, body)
		if !ok {
			return
		}
		result, err := s.deps.Messages.Send(c.Request.Context(), sendReq)
		switch {
		case err != nil:
			out.Error = err.Error()
		case result.Delivered:
			out.Delivered = true
			out.MessageID = result.MessageID
			delivered++
		default:
			out.Error = "message was not delivered"
		}
		outcomes = append(outcomes, out)
	}
	respondOK(c, gin.H{
		"total":     len(outcomes),
		"delivered": delivered,
		"failed":    len(outcomes) - delivered,
		"outcomes":  outcomes,
	})
}

func (s *Server) handleThreads(c *gin.Context) {
	f, ok := s.messageFilter(c)
	if !ok {
		return
	}
	threads, err := s.deps.Messages.Threads(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}
	views := make([]threadView, 0, len(threads))
	for _, t := range threads {
		views = append(views, viewThread(t))
	}
	respondOK(c, gin.H{"count": len(views), "threads": views})
}

func (s *Server) handleThreadMessages(c *gin.Context) {
	threadID := c.Param("id")
	msgs, err := s.deps.Messages.ThreadMessages(c.Request.Context(), threadID, intQuery(c, "limit"), intQuery(c, "offset"))
	if err != nil {
		respondError(c, err)
		return
	}
	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, viewMessage(m))
	}
	respondOK(c, gin.H{"threadId": threadID, "count": len(views), "messages": views})
}

func (s *Server) handleMarkRead(c *gin.Context) {
	var req struct {
		ThreadID   string   `json:"threadId"`
		MessageIDs []string `json:"messageIds"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if req.ThreadID == "" {
		respondBadRequest(c, "threadId is required")
		return
	}
	if err := s.deps.Messages.MarkRead(c.Request.Context(), req.ThreadID, req.MessageIDs); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"threadId": req.ThreadID})
}

func (s *Server) handleSearch(c *gin.Context) {
	f, ok := s.messageFilter(c)
	if !ok {
		return
	}
	msgs, err := s.deps.Messages.Search(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}
	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, viewMessage(m))
	}
	respondOK(c, gin.H{"keyword": f.Keyword, "count": len(views), "messages": views})
}

func (s *Server) handleStatistics(c *gin.Context) {
	f, ok := s.messageFilter(c)
	if !ok {
		return
	}
	stats, err := s.deps.Messages.Statistics(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}

	byPlatform := make(map[string]gin.H, len(stats.ByPlatform))
	for name, ps := range stats.ByPlatform {
		byPlatform[name] = gin.H{
			"threads":  ps.Threads,
			"messages": ps.Messages,
			"unread":   ps.Unread,
		}
	}
	respondOK(c, gin.H{
		"totalThreads":   stats.TotalThreads,
		"totalMessages":  stats.TotalMessages,
		"unreadMessages": stats.UnreadMessages,
		"byPlatform":     byPlatform,
	})
}

func (s *Server) handleUnreadCount(c *gin.Context) {
	f, ok := s.messageFilter(c)
	if !ok {
		return
	}
	count, err := s.deps.Messages.UnreadCount(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"unread": count})
}
