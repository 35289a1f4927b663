package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires the map API and the ingest endpoints. The bearer token,
// when set, guards only the read routes; uplink callers are not authenticated.
func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/health", s.handleHealth)

	read := s.engine.Group("")
	if s.cfg.BearerToken != "" {
		read.Use(bearerAuthMiddleware(s.cfg.BearerToken))
	}
	{
		read.GET("/api/data/latest", s.handleLatest)
		read.GET("/data", s.handleAllData)
	}

	s.engine.POST("/tts-webhook", s.handleUplinkWebhook)
	s.engine.POST("/api/readings", s.handleIngestReading)
}
