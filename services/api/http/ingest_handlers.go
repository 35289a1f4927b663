package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/ingress"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/reading"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/reconcile"
)

const maxBodyBytes = 1 << 20

// handleUplinkWebhook accepts a network-server uplink event.
// POST /tts-webhook
func (s *Server) handleUplinkWebhook(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}

	raw, device, err := ingress.DecodeUplink(body)
	if err != nil {
		s.logger.Warn("rejecting uplink", zap.String("device_id", device), zap.Error(err))
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	s.reconcile(c, raw)
}

// handleIngestReading accepts a normalized payload directly.
// POST /api/readings
func (s *Server) handleIngestReading(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	s.reconcile(c, body)
}

func (s *Server) reconcile(c *gin.Context, raw []byte) {
	ctx, cancel := s.storeContext(c)
	defer cancel()

	res, err := s.reconciler.ReconcileJSON(ctx, raw)
	if err != nil {
		_ = c.Error(err)
		var verr *reading.ValidationError
		if errors.As(err, &verr) {
			respondError(c, http.StatusBadRequest, err.Error())
			return
		}
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}

	resp := gin.H{
		"status":     "data_received",
		"action":     "create_new",
		"id":         res.ID,
		"matched_by": res.MatchedBy,
	}
	if res.Action == reconcile.ActionMerged {
		resp["status"] = "data_updated"
		resp["action"] = "update_location"
	}
	if len(res.Unknown) > 0 {
		resp["ignored_keys"] = res.Unknown
	}
	c.JSON(http.StatusOK, resp)
}

func readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		respondError(c, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	return body, true
}
