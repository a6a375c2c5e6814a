// Package server exposes the orchestration core over JSON HTTP: monitoring
// control, message sync and queries, the upload API with its legacy
// envelope, QR logins, scheduler control, avatars and Prometheus metrics.
package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"postpilot/internal/accounts"
	"postpilot/internal/custodian"
	"postpilot/internal/login"
	"postpilot/internal/logging"
	"postpilot/internal/message"
	"postpilot/internal/monitor"
	"postpilot/internal/scheduler"
	"postpilot/internal/store"
	"postpilot/internal/upload"
)

// Config tunes the HTTP surface.
type Config struct {
	Host         string
	Port         int
	Debug        bool
	AllowOrigins []string // empty allows every origin
	AvatarDir    string
	VideoDir     string
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 8090
	}
	return c
}

// Deps are the orchestration components the handlers drive. Every field is
// required unless noted.
type Deps struct {
	Monitor   *monitor.Orchestrator
	Events    *monitor.Bus // optional; nil disables /monitoring/events
	Messages  *message.Service
	Uploads   *upload.Pipeline
	Logins    *login.Coordinator
	Validator *accounts.Validator
	Scheduler *scheduler.Scheduler
	Accounts  store.AccountStore
	Tabs      *custodian.Custodian
}

// Server is the JSON HTTP front of the orchestration core.
type Server struct {
	cfg      Config
	deps     Deps
	logger   logging.Logger
	engine   *gin.Engine
	http     *http.Server
	upgrader websocket.Upgrader
}

// New wires the routes. logger may be nil.
func New(cfg Config, deps Deps, logger logging.Logger) *Server {
	cfg = cfg.withDefaults()
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logging.OrNop(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.engine.Use(s.requestLog())
	s.engine.Use(cors.New(s.corsConfig()))
	s.engine.Use(requireJSONBody())
	s.routes()

	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: s.engine,
		// Only the header read is bounded: synchronous batch uploads and the
		// event stream outlive any sane write timeout.
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
		AllowWebSockets:  true,
		MaxAge:           12 * time.Hour,
	}
	if len(s.cfg.AllowOrigins) == 0 {
		cfg.AllowAllOrigins = true
		cfg.AllowCredentials = false
	} else {
		cfg.AllowOrigins = s.cfg.AllowOrigins
	}
	return cfg
}

func (s *Server) routes() {
	r := s.engine

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	mon := r.Group("/monitoring")
	{
		mon.POST("/start", s.handleMonitoringStart)
		mon.POST("/stop", s.handleMonitoringStop)
		mon.POST("/batch-start", s.handleMonitoringBatchStart)
		mon.POST("/stop-all", s.handleMonitoringStopAll)
		mon.GET("/status", s.handleMonitoringStatus)
		mon.GET("/events", s.handleMonitoringEvents)
	}

	r.POST("/sync", s.handleSync)
	r.POST("/sync/batch", s.handleSyncBatch)
	r.POST("/send", s.handleSend)
	r.POST("/send/batch", s.handleSendBatch)
	r.GET("/threads", s.handleThreads)
	r.GET("/threads/:id/messages", s.handleThreadMessages)
	r.POST("/messages/mark-read", s.handleMarkRead)
	r.GET("/search", s.handleSearch)
	r.GET("/statistics", s.handleStatistics)
	r.GET("/unread-count", s.handleUnreadCount)

	// Legacy social-automation API: {code, msg, data} envelope.
	r.POST("/postVideo", s.handlePostVideo)
	r.POST("/postVideoBatch", s.handlePostVideoBatch)
	r.POST("/upload", s.handleUploadFile)
	r.POST("/validateAccount", s.handleValidateAccount)
	r.POST("/validateAccountsBatch", s.handleValidateAccountsBatch)

	lg := r.Group("/login")
	{
		lg.POST("/start", s.handleLoginStart)
		lg.POST("/cancel", s.handleLoginCancel)
		lg.GET("/status/:userId", s.handleLoginStatus)
		lg.GET("/records", s.handleLoginRecords)
		lg.POST("/batch", s.handleLoginBatch)
	}

	sch := r.Group("/scheduler")
	{
		sch.GET("/status", s.handleSchedulerStatus)
		sch.POST("/start", s.handleSchedulerStart)
		sch.POST("/stop", s.handleSchedulerStop)
		sch.POST("/pause", s.handleSchedulerPause)
		sch.POST("/resume", s.handleSchedulerResume)
	}

	r.GET("/avatars/:platform/:account/:file", s.handleAvatar)
}

// Handler exposes the routing tree, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("http server listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"monitoring":  len(s.deps.Monitor.Status()),
		"messageTabs": s.deps.Tabs.Count(),
		"time":        time.Now().Format(time.RFC3339),
	})
}
