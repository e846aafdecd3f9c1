package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sebas/callpilot/internal/rtpmanager/bridge"
	"github.com/sebas/callpilot/internal/signaling/dialog"
	"github.com/sebas/callpilot/internal/signaling/session"
)

func (s *Server) handleListCalls(c *gin.Context) {
	calls := s.deps.Calls.List()
	c.JSON(http.StatusOK, gin.H{"calls": calls, "count": len(calls)})
}

func (s *Server) handleGetCall(c *gin.Context) {
	info, ok := s.deps.Calls.Get(c.Param("id"))
	if !ok {
		writeError(c, session.ErrSessionNotFound)
		return
	}
	c.JSON(http.StatusOK, info)
}

type dialRequest struct {
	AgentID        string `json:"agent_id" binding:"required"`
	PhoneNumber    string `json:"phone_number" binding:"required"`
	InitialMessage string `json:"initial_message"`
}

type dialResponse struct {
	SessionID  string         `json:"session_id"`
	DialogID   string         `json:"dialog_id,omitempty"`
	Outcome    dialog.Outcome `json:"outcome"`
	StatusCode int            `json:"status_code,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// handleDial places an ad hoc outbound call and reports how the dial ended.
// It blocks for at most the dial timeout.
func (s *Server) handleDial(c *gin.Context) {
	if d := s.deps.Drain; d != nil && !d.Admit() {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "draining"})
		return
	}
	var req dialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := s.deps.Calls.Dial(c.Request.Context(), session.DialRequest{
		AgentID:        req.AgentID,
		PhoneNumber:    req.PhoneNumber,
		InitialMessage: req.InitialMessage,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusCreated
	if res.Outcome != dialog.OutcomeConnected {
		status = http.StatusOK
	}
	c.JSON(status, dialResponse{
		SessionID:  res.SessionID,
		DialogID:   res.DialogID,
		Outcome:    res.Outcome,
		StatusCode: res.StatusCode,
		Reason:     res.Reason,
	})
}

func (s *Server) handleEndCall(c *gin.Context) {
	reason := c.DefaultQuery("reason", "api_hangup")
	if err := s.deps.Calls.End(c.Param("id"), reason); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type digitsRequest struct {
	Digits string `json:"digits" binding:"required"`
}

func (s *Server) handleSendDigits(c *gin.Context) {
	var req digitsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.deps.Calls.SendDigits(c.Request.Context(), c.Param("id"), req.Digits); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// handleAudioPeer upgrades to a WebSocket and bridges it with the call.
func (s *Server) handleAudioPeer(c *gin.Context) {
	id := c.Param("id")
	info, ok := s.deps.Calls.Get(id)
	if !ok {
		writeError(c, session.ErrSessionNotFound)
		return
	}
	if info.Status != session.StatusConnected {
		writeError(c, session.ErrNotConnected)
		return
	}

	calls := s.deps.Calls
	ep, err := bridge.Upgrade(c.Writer, c.Request, info.ID, bridge.WithDigitHandler(func(d rune) {
		if err := calls.SendDigits(context.Background(), info.ID, string(d)); err != nil {
			slog.Debug("[API] Peer digit not sent", "session_id", info.ID, "error", err)
		}
	}))
	if err != nil {
		// the upgrader already answered
		slog.Warn("[API] WebSocket upgrade failed", "session_id", info.ID, "error", err)
		return
	}

	br, err := calls.AttachPeer(info.ID, ep)
	if err != nil {
		slog.Warn("[API] Attach peer failed", "session_id", info.ID, "error", err)
		_ = ep.Close()
		return
	}
	if err := ep.Start(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Debug("[API] Peer start message failed", "session_id", info.ID, "error", err)
	}
	slog.Info("[API] Audio peer attached", "session_id", info.ID, "bridge_id", br.ID)
}
