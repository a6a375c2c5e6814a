package server

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"postpilot/internal/errors"
)

// APIResponse is the standard JSON envelope.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// legacyResponse is the {code, msg, data} envelope kept for the
// social-automation endpoints (postVideo*, validateAccount*, upload).
type legacyResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data,omitempty"`
}

func respondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: data})
}

func respondMessage(c *gin.Context, msg string, data any) {
	c.JSON(http.StatusOK, APIResponse{Success: true, Message: msg, Data: data})
}

func respondBadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, APIResponse{Success: false, Error: msg})
}

// respondError maps domain errors onto HTTP statuses. Domain verdicts
// (unavailable plugin, rejected session, timed-out phase) come back as 200
// failure results; only transport-level problems get non-200 statuses.
func respondError(c *gin.Context, err error) {
	var (
		validation  *errors.ValidationError
		notFound    *errors.NotFoundError
		unavailable *errors.PluginUnavailableError
		session     *errors.SessionInvalidError
		timeout     *errors.TimeoutError
	)
	switch {
	case stderrors.As(err, &validation):
		c.JSON(http.StatusBadRequest, APIResponse{Success: false, Error: err.Error()})
	case stderrors.As(err, &notFound):
		c.JSON(http.StatusNotFound, APIResponse{Success: false, Error: err.Error()})
	case stderrors.As(err, &unavailable), stderrors.As(err, &session), stderrors.As(err, &timeout):
		c.JSON(http.StatusOK, APIResponse{Success: false, Error: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, APIResponse{Success: false, Error: err.Error()})
	}
}

func legacyOK(c *gin.Context, msg string, data any) {
	c.JSON(http.StatusOK, legacyResponse{Code: 200, Msg: msg, Data: data})
}

// legacyError keeps the body code in step with the HTTP status, matching
// what the legacy clients parse.
func legacyError(c *gin.Context, status int, msg string) {
	c.JSON(status, legacyResponse{Code: status, Msg: msg})
}

func legacyFromError(c *gin.Context, err error) {
	var (
		validation *errors.ValidationError
		notFound   *errors.NotFoundError
	)
	switch {
	case stderrors.As(err, &validation):
		legacyError(c, http.StatusBadRequest, err.Error())
	case stderrors.As(err, &notFound):
		legacyError(c, http.StatusNotFound, err.Error())
	default:
		legacyError(c, http.StatusInternalServerError, err.Error())
	}
}

// bindJSON decodes the body and turns binding failures into a uniform 400.
func bindJSON(c *gin.Context, out any) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		respondBadRequest(c, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// bindLegacyJSON is bindJSON for the legacy envelope group.
func bindLegacyJSON(c *gin.Context, out any) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		legacyError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
