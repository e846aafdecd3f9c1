package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sebas/callpilot/internal/signaling/drain"
)

type drainRequest struct {
	Mode    drain.Mode `json:"mode"`
	Timeout string     `json:"timeout"`
}

func (s *Server) handleDrainStatus(c *gin.Context) {
	if s.deps.Drain == nil {
		unavailable(c, "drain")
		return
	}
	c.JSON(http.StatusOK, s.deps.Drain.Status())
}

// handleStartDrain stops admitting calls. An empty body drains gracefully
// with the mode's default timeout.
func (s *Server) handleStartDrain(c *gin.Context) {
	if s.deps.Drain == nil {
		unavailable(c, "drain")
		return
	}
	var body drainRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, err)
			return
		}
	}
	timeout, err := parseDuration(body.Timeout)
	if err != nil {
		badRequest(c, err)
		return
	}
	switch body.Mode {
	case "", drain.ModeGraceful, drain.ModeAggressive:
	default:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown drain mode " + string(body.Mode)})
		return
	}

	// the drain outlives this request
	st, err := s.deps.Drain.Start(c.Request.Context(), drain.Request{Mode: body.Mode, Timeout: timeout})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, st)
}

func (s *Server) handleCancelDrain(c *gin.Context) {
	if s.deps.Drain == nil {
		unavailable(c, "drain")
		return
	}
	if err := s.deps.Drain.Cancel(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.deps.Drain.Status())
}
