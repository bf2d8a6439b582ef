package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wangrenren611/coding-agent-sub001/internal/interfaces/http/handlers"
	"github.com/wangrenren611/coding-agent-sub001/internal/interfaces/websocket"
	"go.uber.org/zap"
)

// Server HTTP服务器
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config HTTP服务器配置
type Config struct {
	Host string
	Port int
	Mode string // "production" selects gin release mode; any other value selects debug mode
}

// NewServer creates the HTTP server exposing the agent core over JSON+SSE,
// plus a WebSocket upgrade endpoint for clients that want a bidirectional
// event channel instead of SSE.
func NewServer(cfg Config, agentCore *handlers.AgentCoreHandler, wsHandler *websocket.Handler, logger *zap.Logger) *Server {
	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	setupRoutes(router, agentCore, wsHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	return &Server{
		server: server,
		logger: logger,
	}
}

// Start 启动服务器
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// setupRoutes 设置路由
func setupRoutes(router *gin.Engine, agentCore *handlers.AgentCoreHandler, wsHandler *websocket.Handler) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	v1 := router.Group("/api/v1")
	{
		v1.GET("/ping", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"message": "pong"})
		})

		// Agent core endpoints — the agent loop's CLI-surface vocabulary
		// (execute/execute_with_result/abort/get_status/...) exposed as
		// JSON + SSE.
		if agentCore != nil {
			v1.POST("/agent/execute", agentCore.Execute)
			v1.POST("/agent/execute_sync", agentCore.ExecuteWithResult)
			v1.GET("/agent/stream", agentCore.Stream)
			v1.POST("/agent/abort", agentCore.Abort)
			v1.GET("/agent/status", agentCore.Status)
			v1.GET("/agent/messages", agentCore.Messages)
		}
	}

	if wsHandler != nil {
		router.GET("/ws", gin.WrapH(http.HandlerFunc(wsHandler.ServeWS)))
	}
}

// ginLogger Gin日志中间件
func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}
