// Package api provides the HTTP server for the Kiro proxy. It wires the Gin
// engine, the protocol endpoint handlers (OpenAI, Anthropic, Gemini), the
// management API, and the request-tracing middleware.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/kiroproxy/kiroproxy/internal/api/handlers"
	"github.com/kiroproxy/kiroproxy/internal/api/handlers/claude"
	"github.com/kiroproxy/kiroproxy/internal/api/handlers/gemini"
	"github.com/kiroproxy/kiroproxy/internal/api/handlers/management"
	"github.com/kiroproxy/kiroproxy/internal/api/handlers/openai"
	"github.com/kiroproxy/kiroproxy/internal/api/middleware"
	"github.com/kiroproxy/kiroproxy/internal/config"
	"github.com/kiroproxy/kiroproxy/internal/dispatch"
	"github.com/kiroproxy/kiroproxy/internal/flow"
	"github.com/kiroproxy/kiroproxy/internal/logging"
	"github.com/kiroproxy/kiroproxy/internal/pool"
)

// Server is the HTTP front of the proxy.
type Server struct {
	engine *gin.Engine
	server *http.Server
	cfg    *config.Config
	mgmt   *management.Handler
}

// NewServer creates and initializes the API server. flows may be nil; the
// management flow query then reports the store as unavailable.
func NewServer(cfg *config.Config, dispatcher *dispatch.Dispatcher, accounts *pool.Pool, flows *flow.BoltSink) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(logging.GinAccessLogger())
	engine.Use(logging.GinRecovery())
	engine.Use(middleware.RequestLogging(cfg))
	engine.Use(corsMiddleware())

	s := &Server{
		engine: engine,
		cfg:    cfg,
		mgmt:   management.NewHandler(cfg, accounts, flows),
	}
	s.setupRoutes(dispatcher)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}
	return s
}

// setupRoutes registers every endpoint the proxy serves.
func (s *Server) setupRoutes(dispatcher *dispatch.Dispatcher) {
	base := handlers.NewBase(dispatcher, s.cfg)
	openaiHandlers := openai.NewHandler(base)
	claudeHandlers := claude.NewHandler(base)
	geminiHandlers := gemini.NewHandler(base)

	v1 := s.engine.Group("/v1")
	{
		v1.GET("/models", s.unifiedModelsHandler(openaiHandlers, claudeHandlers))
		v1.POST("/chat/completions", openaiHandlers.ChatCompletions)
		v1.POST("/messages", claudeHandlers.ClaudeMessages)
		v1.POST("/messages/count_tokens", claudeHandlers.CountTokens)
		v1.POST("/models/:action", geminiHandlers.Generate)
	}

	// Gemini SDKs default to the v1beta prefix; serve both.
	v1beta := s.engine.Group("/v1beta")
	{
		v1beta.POST("/models/:action", geminiHandlers.Generate)
	}

	s.engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "Kiro Proxy",
			"endpoints": []string{
				"POST /v1/chat/completions",
				"POST /v1/messages",
				"POST /v1/messages/count_tokens",
				"POST /v1/models/{model}:generateContent",
				"POST /v1/models/{model}:streamGenerateContent",
				"GET /v1/models",
			},
		})
	})

	// Without a management key the endpoints do not exist (404), matching
	// the behaviour of an unconfigured deployment.
	if s.cfg.ManagementKey != "" {
		mgmt := s.engine.Group("/v0/management")
		mgmt.Use(s.mgmt.Middleware())
		{
			mgmt.GET("/accounts", s.mgmt.ListAccounts)
			mgmt.POST("/accounts", s.mgmt.ImportAccount)
			mgmt.DELETE("/accounts/:id", s.mgmt.DeleteAccount)
			mgmt.POST("/accounts/:id/restore", s.mgmt.RestoreAccount)
			mgmt.POST("/accounts/:id/enable", s.mgmt.EnableAccount)
			mgmt.POST("/accounts/:id/disable", s.mgmt.DisableAccount)
			mgmt.GET("/flows", s.mgmt.RecentFlows)
		}
	}
}

// unifiedModelsHandler serves /v1/models for two dialects: clients whose
// User-Agent starts with "claude-cli" get the Anthropic listing, everyone
// else the OpenAI one.
func (s *Server) unifiedModelsHandler(openaiHandler *openai.Handler, claudeHandler *claude.Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.HasPrefix(c.GetHeader("User-Agent"), "claude-cli") {
			claudeHandler.ClaudeModels(c)
		} else {
			openaiHandler.OpenAIModels(c)
		}
	}
}

// Handler exposes the underlying engine, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins serving. It blocks until the listener fails or Stop is called.
func (s *Server) Start() error {
	log.Infof("API server listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down, letting in-flight requests finish.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("stopping API server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	log.Debug("API server stopped")
	return nil
}

// corsMiddleware adds permissive CORS headers and answers preflights.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Api-Key, X-Management-Key")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
