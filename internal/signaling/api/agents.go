package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sebas/callpilot/internal/signaling/dialog"
	"github.com/sebas/callpilot/internal/signaling/session"
)

func (s *Server) handleListAgents(c *gin.Context) {
	if s.deps.Agents == nil {
		unavailable(c, "agents")
		return
	}
	regs := s.deps.Agents.Registrations()
	sort.Slice(regs, func(i, j int) bool { return regs[i].AgentID < regs[j].AgentID })
	c.JSON(http.StatusOK, gin.H{"agents": regs, "count": len(regs)})
}

func (s *Server) handleGetRegistration(c *gin.Context) {
	if s.deps.Agents == nil {
		unavailable(c, "agents")
		return
	}
	info, ok := s.deps.Agents.Registration(c.Param("id"))
	if !ok {
		writeError(c, dialog.ErrAgentNotRegistered)
		return
	}
	c.JSON(http.StatusOK, info)
}

// registrationRequest is the agent's SIP account plus its call profile.
type registrationRequest struct {
	DisplayName string `json:"display_name"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Transport   string `json:"transport"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	CallerID    string `json:"caller_id"`
	Expires     int    `json:"expires"` // seconds

	Greeting  string `json:"greeting"`
	IVRMenu   string `json:"ivr_menu"`
	Recording bool   `json:"recording"`
	Voice     string `json:"voice"`
	Language  string `json:"language"`
}

// handleRegister starts or replaces an agent's registration. The REGISTER
// itself runs in the background; poll the registration for its state.
func (s *Server) handleRegister(c *gin.Context) {
	if s.deps.Agents == nil {
		unavailable(c, "agents")
		return
	}
	var req registrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id := c.Param("id")
	cfg := dialog.AgentConfig{
		DisplayName: req.DisplayName,
		Host:        req.Host,
		Port:        req.Port,
		Transport:   req.Transport,
		Username:    req.Username,
		Password:    req.Password,
		CallerID:    req.CallerID,
		Expires:     time.Duration(req.Expires) * time.Second,
	}
	if err := s.deps.Agents.RegisterAgent(c.Request.Context(), id, cfg); err != nil {
		writeError(c, err)
		return
	}
	s.deps.Calls.SetAgentProfile(id, session.AgentProfile{
		Greeting:  req.Greeting,
		IVRMenu:   req.IVRMenu,
		Recording: req.Recording,
		Voice:     req.Voice,
		Language:  req.Language,
	})

	info, _ := s.deps.Agents.Registration(id)
	c.JSON(http.StatusAccepted, info)
}

func (s *Server) handleUnregister(c *gin.Context) {
	if s.deps.Agents == nil {
		unavailable(c, "agents")
		return
	}
	if err := s.deps.Agents.UnregisterAgent(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleReloadMenus(c *gin.Context) {
	if s.deps.Menus == nil {
		unavailable(c, "ivr")
		return
	}
	if err := s.deps.Menus.Reload(); err != nil {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded"})
}
