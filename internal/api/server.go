// Package api provides the HTTP facade of the embedding gateway. It parses
// wire payloads into dispatcher requests, maps error kinds to status codes,
// and serializes results. It carries no inference logic itself.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/weavink/embedgate/internal/config"
	"github.com/weavink/embedgate/internal/dispatcher"
	log "github.com/weavink/embedgate/internal/logging"
	"github.com/weavink/embedgate/internal/usage"
)

type serverOptionConfig struct {
	extraMiddleware    []gin.HandlerFunc
	engineConfigurator func(*gin.Engine)
}

// ServerOption customises HTTP server construction.
type ServerOption func(*serverOptionConfig)

// WithMiddleware appends additional Gin middleware during server construction.
func WithMiddleware(mw ...gin.HandlerFunc) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.extraMiddleware = append(cfg.extraMiddleware, mw...)
	}
}

// WithEngineConfigurator allows callers to mutate the Gin engine prior to middleware setup.
func WithEngineConfigurator(fn func(*gin.Engine)) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.engineConfigurator = fn
	}
}

// Server represents the gateway HTTP server.
type Server struct {
	// engine is the Gin web framework engine instance.
	engine *gin.Engine

	// server is the underlying HTTP server.
	server *http.Server

	// dispatcher routes validated requests to model handles.
	dispatcher *dispatcher.Dispatcher

	// tracker is stopped with the server so pending usage writes flush.
	tracker *usage.Tracker

	// cfg holds the current server configuration, swapped on hot reload.
	cfgMu sync.RWMutex
	cfg   *config.Config

	// startedAt anchors the uptime reported by /health.
	startedAt time.Time
}

// NewServer creates and initializes a new gateway server instance.
// It sets up the Gin engine, middleware, and routes.
func NewServer(cfg *config.Config, d *dispatcher.Dispatcher, tracker *usage.Tracker, opts ...ServerOption) *Server {
	optionState := &serverOptionConfig{}
	for i := range opts {
		opts[i](optionState)
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	if optionState.engineConfigurator != nil {
		optionState.engineConfigurator(engine)
	}

	engine.Use(log.GinLogger())
	engine.Use(log.GinRecovery())
	for _, mw := range optionState.extraMiddleware {
		engine.Use(mw)
	}
	engine.Use(corsMiddleware())
	engine.Use(requestIDMiddleware())

	s := &Server{
		engine:     engine,
		dispatcher: d,
		tracker:    tracker,
		cfg:        cfg,
		startedAt:  time.Now(),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    cfg.Addr(),
		Handler: engine,
	}

	return s
}

// Start begins listening for and serving HTTP requests.
// It's a blocking call and will only return on an unrecoverable error.
func (s *Server) Start() error {
	if s == nil || s.server == nil {
		return fmt.Errorf("failed to start HTTP server: server not initialized")
	}

	log.Debugf("Starting gateway server on %s", s.server.Addr)
	if errServe := s.server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %v", errServe)
	}
	return nil
}

// Stop gracefully shuts down the server without interrupting any active
// connections, then flushes pending usage writes.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("Stopping gateway server...")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %v", err)
	}

	if err := s.tracker.Stop(); err != nil {
		log.Warnf("Failed to stop usage persistence: %v", err)
	}

	log.Debug("Gateway server stopped")
	return nil
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// UpdateConfig applies a reloaded configuration. Listen address changes
// require a restart and are ignored here; everything else takes effect on
// the next request.
func (s *Server) UpdateConfig(cfg *config.Config) {
	if s == nil || cfg == nil {
		return
	}

	old := s.currentConfig()
	if old != nil && old.LoggingToFile != cfg.LoggingToFile {
		if err := log.ConfigureLogOutput(cfg.LoggingToFile); err != nil {
			log.Errorf("failed to reconfigure log output: %v", err)
		} else {
			log.Debugf("logging_to_file updated from %t to %t", old.LoggingToFile, cfg.LoggingToFile)
		}
	}
	if old != nil && old.Debug != cfg.Debug {
		if cfg.Debug {
			log.SetLevel(slog.LevelDebug)
		} else {
			log.SetLevel(slog.LevelInfo)
		}
		log.Debugf("debug mode updated from %t to %t", old.Debug, cfg.Debug)
	}

	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
	log.Info("server configuration updated")
}

// currentConfig returns the active configuration snapshot.
func (s *Server) currentConfig() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// corsMiddleware allows browser clients on any origin to call the gateway.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Api-Key, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns each request an ID for log correlation,
// honoring one supplied by the caller.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("requestID", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// authMiddleware validates the client API key against the configured list.
// An empty list disables authentication.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		keys := s.currentConfig().APIKeys
		if len(keys) == 0 {
			c.Next()
			return
		}

		supplied := extractAPIKey(c.Request)
		if supplied == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing API key"})
			return
		}
		for _, key := range keys {
			if subtle.ConstantTimeCompare([]byte(key), []byte(supplied)) == 1 {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
	}
}

// extractAPIKey reads the client credential from the Authorization bearer
// token or the X-Api-Key header.
func extractAPIKey(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if strings.HasPrefix(strings.ToLower(header), "bearer ") {
			return strings.TrimSpace(header[len("bearer "):])
		}
	}
	return strings.TrimSpace(r.Header.Get("X-Api-Key"))
}

// shutdownTimeout bounds graceful shutdown in callers that have no context.
const shutdownTimeout = 10 * time.Second

// StopWithTimeout stops the server with a default deadline.
func (s *Server) StopWithTimeout() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Stop(ctx)
}
