package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter builds the gin engine exposing s's OpenAI-compatible API
// plus health/readiness/liveness probes and a Prometheus scrape
// endpoint, following the pack's gin-server route registration style
// (r.GET/r.POST against a single *gin.Engine). The engine is built with
// gin.New plus Recovery and requestLogger, not gin.Default.
func NewRouter(s *Server) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	v1 := r.Group("/v1")
	{
		v1.POST("/chat/completions", s.handleChatCompletions)
		v1.POST("/completions", s.handleCompletions)
		v1.POST("/embeddings", s.handleEmbeddings)
		v1.GET("/models", s.handleModels)
	}

	r.GET("/health", s.handleHealth)
	r.GET("/ready", s.handleReady)
	r.GET("/live", s.handleLive)
	if s.Metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	return r
}
