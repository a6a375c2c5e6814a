package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// requireJSONBody rejects mutating requests whose declared body is neither
// JSON nor a multipart upload.
func requireJSONBody() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			ct := c.GetHeader("Content-Type")
			if ct == "" || strings.Contains(ct, "application/json") || strings.Contains(ct, "multipart/form-data") {
				break
			}
			c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, APIResponse{
				Success: false,
				Error:   "Content-Type must be application/json",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		if status >= http.StatusInternalServerError {
			s.logger.Warn("%s %s -> %d (%v)", c.Request.Method, c.Request.URL.Path, status, time.Since(start))
			return
		}
		s.logger.Debug("%s %s -> %d (%v)", c.Request.Method, c.Request.URL.Path, status, time.Since(start))
	}
}
