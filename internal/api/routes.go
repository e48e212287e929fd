package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/weavink/embedgate/internal/dispatcher"
	log "github.com/weavink/embedgate/internal/logging"
	"github.com/weavink/embedgate/internal/provider"
)

// setupRoutes configures the API routes for the server.
// Probes stay unauthenticated so orchestrators can always reach them.
func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/ready", s.handleReady)
	s.engine.GET("/live", s.handleLive)
	s.engine.GET("/models", s.handleModels)

	authed := s.engine.Group("/")
	authed.Use(s.authMiddleware())
	{
		authed.POST("/embed", s.handleEmbed)
		authed.POST("/embed/batch", s.handleEmbedBatch)
		authed.POST("/rerank", s.handleRerank)
		authed.POST("/warmup", s.handleWarmup)
		authed.GET("/usage", s.handleUsage)
	}

	s.engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "Embedding Gateway",
			"endpoints": []string{
				"POST /embed",
				"POST /embed/batch",
				"POST /rerank",
				"POST /warmup",
				"GET /health",
				"GET /ready",
				"GET /live",
				"GET /models",
				"GET /usage",
			},
		})
	})
}

// handleEmbed serves POST /embed.
func (s *Server) handleEmbed(c *gin.Context) {
	var req dispatcher.EmbedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON body: " + err.Error()})
		return
	}

	result, err := s.dispatcher.Embed(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleEmbedBatch serves POST /embed/batch.
func (s *Server) handleEmbedBatch(c *gin.Context) {
	var req dispatcher.EmbedBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON body: " + err.Error()})
		return
	}

	result, err := s.dispatcher.EmbedBatch(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleRerank serves POST /rerank.
func (s *Server) handleRerank(c *gin.Context) {
	var req dispatcher.RerankRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON body: " + err.Error()})
		return
	}

	result, err := s.dispatcher.Rerank(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// warmupRequest is the POST /warmup body.
type warmupRequest struct {
	Models    []dispatcher.WarmupEntry `json:"models"`
	Rerankers []dispatcher.WarmupEntry `json:"rerankers"`
}

// handleWarmup serves POST /warmup. Each named model is loaded and reported
// independently; the response is always 200 with per-key outcomes.
func (s *Server) handleWarmup(c *gin.Context) {
	var req warmupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON body: " + err.Error()})
		return
	}
	if len(req.Models) == 0 && len(req.Rerankers) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required field: models"})
		return
	}

	results := s.dispatcher.Warmup(c.Request.Context(), req.Models, req.Rerankers)
	c.JSON(http.StatusOK, results)
}

// handleHealth serves GET /health. It never performs inference.
func (s *Server) handleHealth(c *gin.Context) {
	loaded := s.dispatcher.LoadedKeys()
	byMethod := map[string][]string{
		provider.MethodFastEmbed:            {},
		provider.MethodSentenceTransformers: {},
	}
	for _, key := range loaded {
		byMethod[key.Method] = append(byMethod[key.Method], key.String())
	}

	supported := make([]string, 0)
	for _, info := range s.dispatcher.SupportedFastEmbedModels() {
		supported = append(supported, info.ID)
	}

	var served int64
	for _, stats := range s.tracker.Snapshot().Models {
		served += stats.Requests
	}

	c.JSON(http.StatusOK, gin.H{
		"status":              "ok",
		"loaded":              byMethod,
		"fastembed_supported": supported,
		"requests_served":     served,
		"uptime_secs":         int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleReady serves GET /ready with a real probe inference.
func (s *Server) handleReady(c *gin.Context) {
	dim, err := s.dispatcher.Ready(c.Request.Context())
	if err != nil {
		log.WithError(err).Warn("readiness probe failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "reason": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "dimension": dim})
}

// handleLive serves GET /live. It only proves the process is running.
func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// handleModels serves GET /models.
func (s *Server) handleModels(c *gin.Context) {
	loaded := s.dispatcher.LoadedKeys()
	byMethod := map[string][]string{
		provider.MethodFastEmbed:            {},
		provider.MethodSentenceTransformers: {},
	}
	for _, key := range loaded {
		byMethod[key.Method] = append(byMethod[key.Method], key.String())
	}

	c.JSON(http.StatusOK, gin.H{
		"loaded":              byMethod,
		"fastembed_supported": s.dispatcher.SupportedFastEmbedModels(),
	})
}

// handleUsage serves GET /usage with the tracker's counters.
func (s *Server) handleUsage(c *gin.Context) {
	if !s.currentConfig().UsageStatisticsEnabled {
		c.JSON(http.StatusNotFound, gin.H{"error": "usage statistics disabled"})
		return
	}
	c.JSON(http.StatusOK, s.dispatcher.UsageSnapshot())
}

// writeError maps a dispatcher error kind to its HTTP status code. Every
// error body is {"error": message}.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch dispatcher.KindOf(err) {
	case dispatcher.KindInvalidRequest, dispatcher.KindUnsupportedModel:
		status = http.StatusBadRequest
	case dispatcher.KindLoadFailed, dispatcher.KindInferenceFailed:
		status = http.StatusInternalServerError
	case dispatcher.KindTimeout:
		status = http.StatusGatewayTimeout
	}

	if status >= http.StatusInternalServerError {
		log.Errorf("request failed: %s", err.Error())
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
