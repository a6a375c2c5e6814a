package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"postpilot/internal/accounts"
	"postpilot/internal/errors"
	"postpilot/internal/login"
)

type validateOutcomeView struct {
	AccountID int64      `json:"accountId"`
	Platform  string     `json:"platform"`
	UserName  string     `json:"userName"`
	Valid     bool       `json:"valid"`
	Reason    string     `json:"reason,omitempty"`
	CheckedAt *time.Time `json:"checkedAt,omitempty"`
	Error     string     `json:"error,omitempty"`
}

func viewValidateOutcome(out accounts.Outcome) validateOutcomeView {
	view := validateOutcomeView{
		AccountID: out.AccountID,
		Platform:  string(out.Platform),
		UserName:  out.Name,
		Valid:     out.Valid,
		Reason:    out.Reason,
	}
	if !out.CheckedAt.IsZero() {
		checked := out.CheckedAt
		view.CheckedAt = &checked
	}
	if out.Err != nil {
		view.Error = out.Err.Error()
	}
	return view
}

func (s *Server) handleValidateAccount(c *gin.Context) {
	var req struct {
		AccountID int64 `json:"accountId"`
	}
	if !bindLegacyJSON(c, &req) {
		return
	}
	if req.AccountID == 0 {
		legacyError(c, http.StatusBadRequest, "accountId is required")
		return
	}

	out, err := s.deps.Validator.ValidateAccount(c.Request.Context(), req.AccountID)
	if err != nil {
		legacyFromError(c, err)
		return
	}
	legacyOK(c, "验证完成", viewValidateOutcome(out))
}

func (s *Server) handleValidateAccountsBatch(c *gin.Context) {
	var req struct {
		AccountIDs []int64 `json:"accountIds"`
	}
	if !bindLegacyJSON(c, &req) {
		return
	}
	if len(req.AccountIDs) == 0 {
		legacyError(c, http.StatusBadRequest, "accountIds must not be empty")
		return
	}

	outcomes := s.deps.Validator.ValidateBatch(c.Request.Context(), req.AccountIDs)
	views := make([]validateOutcomeView, 0, len(outcomes))
	valid, failed := 0, 0
	for _, out := range outcomes {
		switch {
		case out.Err != nil:
			failed++
		case out.Valid:
			valid++
		}
		views = append(views, viewValidateOutcome(out))
	}
	legacyOK(c, "验证完成", gin.H{
		"total":   len(views),
		"valid":   valid,
		"invalid": len(views) - valid - failed,
		"failed":  failed,
		"results": views,
	})
}

type loginRecordView struct {
	UserID    string     `json:"userId"`
	Platform  string     `json:"platform"`
	Status    string     `json:"status"`
	QRCodeURL string     `json:"qrCodeUrl,omitempty"`
	AccountID string     `json:"accountId,omitempty"`
	Nickname  string     `json:"nickname,omitempty"`
	Avatar    string     `json:"avatar,omitempty"`
	Error     string     `json:"error,omitempty"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

func viewLoginRecord(rec login.Record) loginRecordView {
	view := loginRecordView{
		UserID:    rec.UserID,
		Platform:  string(rec.Platform),
		Status:    string(rec.Status),
		QRCodeURL: rec.QRCodeURL,
		AccountID: rec.AccountID,
		Nickname:  rec.Nickname,
		Avatar:    rec.Avatar,
		Error:     rec.Error,
		StartedAt: rec.StartedAt,
	}
	if !rec.EndedAt.IsZero() {
		ended := rec.EndedAt
		view.EndedAt = &ended
	}
	return view
}

func (s *Server) handleLoginStart(c *gin.Context) {
	var req struct {
		Platform string `json:"platform"`
		UserID   string `json:"userId"`
	}
	if !bindJSON(c, &req) {
		return
	}
	p, ok := s.parsePlatform(c, req.Platform)
	if !ok {
		return
	}
	if req.UserID == "" {
		respondBadRequest(c, "userId is required")
		return
	}

	rec, err := s.deps.Logins.StartLogin(c.Request.Context(), p, req.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, viewLoginRecord(rec))
}

func (s *Server) handleLoginCancel(c *gin.Context) {
	var req struct {
		UserID string `json:"userId"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if req.UserID == "" {
		respondBadRequest(c, "userId is required")
		return
	}
	if err := s.deps.Logins.CancelLogin(c.Request.Context(), req.UserID); err != nil {
		respondError(c, err)
		return
	}
	respondMessage(c, "登录已取消", gin.H{"userId": req.UserID})
}

func (s *Server) handleLoginStatus(c *gin.Context) {
	userID := c.Param("userId")
	rec, ok := s.deps.Logins.Status(userID)
	if !ok {
		respondError(c, &errors.NotFoundError{Resource: "login", Key: userID})
		return
	}
	respondOK(c, viewLoginRecord(rec))
}

func (s *Server) handleLoginRecords(c *gin.Context) {
	records := s.deps.Logins.Records()
	views := make([]loginRecordView, 0, len(records))
	for _, rec := range records {
		views = append(views, viewLoginRecord(rec))
	}
	respondOK(c, gin.H{"count": len(views), "records": views})
}

// handleLoginBatch starts several QR logins and, when wait is set, blocks
// until they resolve or the budget runs out.
func (s *Server) handleLoginBatch(c *gin.Context) {
	var req struct {
		Logins []struct {
			Platform string `json:"platform"`
			UserID   string `json:"userId"`
		} `json:"logins"`
		Wait           bool `json:"wait"`
		TimeoutSeconds int  `json:"timeoutSeconds"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if len(req.Logins) == 0 {
		respondBadRequest(c, "logins must not be empty")
		return
	}

	reqs := make([]login.BatchRequest, 0, len(req.Logins))
	userIDs := make([]string, 0, len(req.Logins))
	for _, item := range req.Logins {
		p, ok := s.parsePlatform(c, item.Platform)
		if !ok {
			return
		}
		if item.UserID == "" {
			respondBadRequest(c, "every login needs a userId")
			return
		}
		reqs = append(reqs, login.BatchRequest{Platform: p, UserID: item.UserID})
		userIDs = append(userIDs, item.UserID)
	}

	type batchItemView struct {
		UserID    string `json:"userId"`
		Platform  string `json:"platform"`
		Started   bool   `json:"started"`
		QRCodeURL string `json:"qrCodeUrl,omitempty"`
		Error     string `json:"error,omitempty"`
	}

	items := s.deps.Logins.BatchLogin(c.Request.Context(), reqs)
	views := make([]batchItemView, 0, len(items))
	for _, item := range items {
		views = append(views, batchItemView{
			UserID:    item.UserID,
			Platform:  string(item.Platform),
			Started:   item.Started,
			QRCodeURL: item.QRCodeURL,
			Error:     item.Error,
		})
	}

	data := gin.H{"items": views}
	if req.Wait {
		status := s.deps.Logins.WaitForBatchComplete(c.Request.Context(), userIDs, time.Duration(req.TimeoutSeconds)*time.Second)
		data["completed"] = status.Completed
		data["pending"] = status.Pending
		data["failed"] = status.Failed
	}
	respondOK(c, data)
}
