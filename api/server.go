package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"astergrid/kernel"
	"astergrid/logger"
	"astergrid/notify"
	"astergrid/trader/types"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Controller is the bot surface exposed over HTTP
type Controller interface {
	Status() notify.StatusReport
	Snapshot() kernel.Snapshot
	Levels() []kernel.LevelView
	Pause(reason string) bool
	Resume(ctx context.Context, reason string) bool
	SwitchSide(ctx context.Context, mode types.TradingMode, reason string) error
}

// Server HTTP status and control server
type Server struct {
	router     *gin.Engine
	ctrl       Controller
	secret     []byte
	httpServer *http.Server
}

// NewServer creates the API server. An empty secret disables the control routes.
func NewServer(ctrl Controller, port int, jwtSecret string) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router: router,
		ctrl:   ctrl,
		secret: []byte(jwtSecret),
	}
	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/status", s.handleStatus)

		// Control routes require a bearer token
		protected := api.Group("/", s.authMiddleware())
		{
			protected.POST("/pause", s.handlePause)
			protected.POST("/resume", s.handleResume)
			protected.POST("/switch-side", s.handleSwitchSide)
		}
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

type statusResponse struct {
	Symbol   string             `json:"symbol"`
	State    string             `json:"state"`
	Mode     string             `json:"mode"`
	Uptime   string             `json:"uptime"`
	Snapshot kernel.Snapshot    `json:"snapshot"`
	Levels   []kernel.LevelView `json:"levels"`
}

func (s *Server) handleStatus(c *gin.Context) {
	st := s.ctrl.Status()
	c.JSON(http.StatusOK, statusResponse{
		Symbol:   st.Symbol,
		State:    st.State,
		Mode:     st.Mode,
		Uptime:   st.Uptime.Truncate(time.Second).String(),
		Snapshot: s.ctrl.Snapshot(),
		Levels:   s.ctrl.Levels(),
	})
}

func (s *Server) handlePause(c *gin.Context) {
	changed := s.ctrl.Pause(s.reason(c, "pause"))
	c.JSON(http.StatusOK, gin.H{"paused": true, "changed": changed})
}

func (s *Server) handleResume(c *gin.Context) {
	changed := s.ctrl.Resume(c.Request.Context(), s.reason(c, "resume"))
	if !changed && s.ctrl.Status().State == "HALTED" {
		c.JSON(http.StatusConflict, gin.H{"error": "bot is halted"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": false, "changed": changed})
}

type switchSideRequest struct {
	Mode string `json:"mode" binding:"required"`
}

func (s *Server) handleSwitchSide(c *gin.Context) {
	var req switchSideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode := types.TradingMode(strings.ToUpper(strings.TrimSpace(req.Mode)))
	if !mode.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("mode must be long, short or both, got %q", req.Mode)})
		return
	}
	if err := s.ctrl.SwitchSide(c.Request.Context(), mode, s.reason(c, "switch-side")); err != nil {
		logger.Errorf("[API] switch side to %s failed: %v", mode, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": mode})
}

func (s *Server) reason(c *gin.Context, action string) string {
	if sub := c.GetString("subject"); sub != "" {
		return fmt.Sprintf("api %s by %s", action, sub)
	}
	return "api " + action
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	logger.Infof("[API] server starting at http://localhost%s", s.httpServer.Addr)
	logger.Infof("[API]   GET  /api/health       - Health check")
	logger.Infof("[API]   GET  /api/status       - Ledger snapshot and levels")
	logger.Infof("[API]   GET  /metrics          - Prometheus metrics")
	if len(s.secret) > 0 {
		logger.Infof("[API]   POST /api/pause        - Pause new entries (token)")
		logger.Infof("[API]   POST /api/resume       - Resume entries (token)")
		logger.Infof("[API]   POST /api/switch-side  - Switch grid side (token)")
	} else {
		logger.Warnf("[API] JWT_SECRET not set, control routes disabled")
	}

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
