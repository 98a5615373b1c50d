// Package http assembles the gateway's gin router: the OpenAI- and
// Gemini-compatible chat surface, the tab-side WebSocket upgrade, the
// internal id-capture control endpoints, and the Prometheus/dashboard
// observability mounts.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/llmbridge/gateway/internal/infrastructure/monitoring"
	"github.com/llmbridge/gateway/internal/interfaces/http/handlers"
	"github.com/llmbridge/gateway/internal/tabs"
	"github.com/llmbridge/gateway/pkg/safego"
)

// Server wraps a configured http.Server bound to the gateway's gin
// router.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config is the HTTP listener's bind address and gin run mode.
type Config struct {
	Host string
	Port int
	Mode string // debug, release
}

// NewServer builds the full gin router and wraps it in an http.Server
// bound to cfg.Host:cfg.Port.
func NewServer(cfg Config, oaiHandler *handlers.OpenAIHandler, hub *tabs.Hub, monitor *monitoring.Monitor, obs *monitoring.Observability, logger *zap.Logger) *Server {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	setupRoutes(router, oaiHandler, hub, monitor, obs)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		server: &http.Server{Addr: addr, Handler: router},
		logger: logger.With(zap.String("component", "http-server")),
	}
}

// Start launches the listener in the background; a bind failure is
// logged rather than returned, and the caller observes it via health
// checks.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting HTTP server", zap.String("address", s.server.Addr))
	safego.Go(s.logger, "http-listener", func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	})
	return nil
}

// Stop gracefully shuts the listener down, honoring ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func setupRoutes(router *gin.Engine, h *handlers.OpenAIHandler, hub *tabs.Hub, monitor *monitoring.Monitor, obs *monitoring.Observability) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().Unix()})
	})

	router.GET("/metrics", gin.WrapH(monitor.PrometheusHandler()))

	router.GET("/ws", func(c *gin.Context) {
		hub.ServeWS(c.Writer, c.Request)
	})

	v1 := router.Group("/v1")
	{
		v1.GET("/models", h.ListModels)
		v1.POST("/chat/completions", h.ChatCompletions)
	}

	v1beta := router.Group("/v1beta")
	{
		v1beta.GET("/models", h.ListGeminiModels)
		// Gemini's own URL shape suffixes the model with ":generateContent" /
		// ":streamGenerateContent" in the same path segment; gin's router
		// can't express a literal ':' mid-segment as a route pattern, so a
		// single wildcard param is split on ':' inside the handler.
		v1beta.POST("/models/:modelAction", h.GenerateContentDispatch)
	}

	internal := router.Group("/internal")
	{
		internal.POST("/start_id_capture", h.StartIDCapture)
		internal.POST("/receive_captured_ids", h.ReceiveCapturedIDs)
		internal.GET("/capture_status", h.CaptureStatus)
		internal.POST("/save_captured_model", h.SaveCapturedModel)
		internal.GET("/requests/recent", func(c *gin.Context) {
			c.JSON(http.StatusOK, obs.RecentRequests(100))
		})
		internal.GET("/requests/:id", func(c *gin.Context) {
			rec, ok := obs.RequestDetail(c.Param("id"))
			if !ok {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusOK, rec)
		})
		internal.GET("/dashboard/stream", func(c *gin.Context) {
			dashboardStream(c, obs)
		})
	}
}

// dashboardStream relays the observability broadcast channel to one
// connected dashboard client as SSE until it disconnects.
func dashboardStream(c *gin.Context, obs *monitoring.Observability) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ch, unsubscribe := obs.Subscribe()
	defer unsubscribe()

	flusher, _ := c.Writer.(http.Flusher)
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(c.Writer, "data: %s\n\n", msg)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}
