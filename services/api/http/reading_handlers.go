package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/cache"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/reading"
)

// readingView is a stored reading plus its age at response time.
type readingView struct {
	reading.Reading
	AgeHours float64 `json:"age_hours"`
}

// handleLatest returns the most recently updated readings with a real location.
// GET /api/data/latest?limit=
func (s *Server) handleLatest(c *gin.Context) {
	limit := s.cfg.DefaultLimit
	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 {
			respondError(c, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	s.respondReadings(c, limit)
}

// handleAllData returns every reading with a real location.
// GET /data
func (s *Server) handleAllData(c *gin.Context) {
	s.respondReadings(c, 0)
}

func (s *Server) respondReadings(c *gin.Context, limit int) {
	ctx, cancel := s.storeContext(c)
	defer cancel()

	rows, err := s.latest.Get(ctx, limit)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.logger.Warn("latest cache read failed", zap.Error(err))
		}
		gen, genErr := s.latest.Generation(ctx)
		rows, err = s.store.QueryLatest(ctx, limit)
		if err != nil {
			respondError(c, http.StatusInternalServerError, err.Error())
			return
		}
		if genErr == nil {
			if err := s.latest.Set(ctx, gen, limit, rows); err != nil {
				s.logger.Warn("latest cache write failed", zap.Error(err))
			}
		}
	}

	now := s.now()
	data := make([]readingView, 0, len(rows))
	for _, r := range rows {
		data = append(data, readingView{Reading: r, AgeHours: r.AgeHours(now)})
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  data,
		"count": len(data),
	})
}

// handleHealth reports store reachability.
// GET /health
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := s.storeContext(c)
	defer cancel()

	timestamp := s.now().UTC().Format(time.RFC3339Nano)
	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    "unhealthy",
			"timestamp": timestamp,
			"message":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": timestamp})
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"status": "error", "message": message})
}
