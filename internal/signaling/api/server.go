// Package api is the admin HTTP API: live calls, agent registrations,
// campaigns, IVR reloads and the WebSocket audio peer endpoint.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sebas/callpilot/internal/rtpmanager/bridge"
	"github.com/sebas/callpilot/internal/signaling/campaign"
	"github.com/sebas/callpilot/internal/signaling/dialog"
	"github.com/sebas/callpilot/internal/signaling/drain"
	"github.com/sebas/callpilot/internal/signaling/session"
	"github.com/sebas/callpilot/internal/signaling/speechclient"
)

// CallProvider is the call registry as seen by the API.
// Implemented by session.Registry.
type CallProvider interface {
	List() []session.Info
	Get(id string) (session.Info, bool)
	Count() int
	Dial(ctx context.Context, req session.DialRequest) (*session.DialOutcome, error)
	End(id, reason string) error
	SendDigits(ctx context.Context, id, digits string) error
	AttachPeer(id string, ep bridge.Endpoint) (*bridge.Bridge, error)
	SetAgentProfile(agentID string, p session.AgentProfile)
}

// AgentProvider manages agent SIP registrations.
// Implemented by dialog.Manager.
type AgentProvider interface {
	RegisterAgent(ctx context.Context, agentID string, cfg dialog.AgentConfig) error
	UnregisterAgent(agentID string) error
	Registration(agentID string) (dialog.RegistrationInfo, bool)
	Registrations() []dialog.RegistrationInfo
}

// CampaignProvider is the outbound campaign scheduler.
// Implemented by campaign.Scheduler.
type CampaignProvider interface {
	CreateCampaign(ctx context.Context, req campaign.CreateRequest) (*campaign.Campaign, error)
	GetCampaign(id string) (*campaign.Campaign, error)
	ListCampaigns() []*campaign.Campaign
	ListCalls(id string) ([]campaign.Call, error)
	PauseCampaign(ctx context.Context, id string) (*campaign.Campaign, error)
	ResumeCampaign(ctx context.Context, id string) (*campaign.Campaign, error)
	CancelCampaign(ctx context.Context, id string) (*campaign.Campaign, error)
	QueueLen() int
}

// MenuReloader reloads IVR menus from disk. Implemented by ivr.Navigator.
type MenuReloader interface {
	Reload() error
}

// DrainController takes the process out of service. Implemented by
// drain.Coordinator.
type DrainController interface {
	Admit() bool
	Start(ctx context.Context, req drain.Request) (*drain.Status, error)
	Status() drain.Status
	Cancel() error
}

// SpeechStats reports speech gateway node health. Implemented by
// speechclient.Pool.
type SpeechStats interface {
	Stats() []speechclient.NodeStats
}

var (
	_ CallProvider     = (*session.Registry)(nil)
	_ AgentProvider    = (*dialog.Manager)(nil)
	_ CampaignProvider = (*campaign.Scheduler)(nil)
	_ SpeechStats      = (*speechclient.Pool)(nil)
	_ DrainController  = (*drain.Coordinator)(nil)
)

// Deps are the components the API drives. Calls and Tokens are required;
// routes of a nil provider answer 503.
type Deps struct {
	Calls     CallProvider
	Agents    AgentProvider
	Campaigns CampaignProvider
	Menus     MenuReloader
	Speech    SpeechStats
	Drain     DrainController
	Tokens    *Tokens
}

// Server provides the admin HTTP API (headless, API only)
type Server struct {
	addr       string
	deps       Deps
	engine     *gin.Engine
	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates the API server and registers its routes.
func NewServer(addr string, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	s := &Server{
		addr:      addr,
		deps:      deps,
		engine:    engine,
		startTime: time.Now(),
	}
	s.routes()

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	v1 := s.engine.Group("/api/v1")
	v1.GET("/health", s.handleHealth)

	authed := v1.Group("")
	authed.Use(requireToken(s.deps.Tokens))
	read := requireRole(RoleAdmin, RoleOperator, RoleViewer)
	write := requireRole(RoleAdmin, RoleOperator)
	admin := requireRole(RoleAdmin)

	authed.GET("/stats", read, s.handleStats)

	// Calls
	authed.GET("/calls", read, s.handleListCalls)
	authed.GET("/calls/:id", read, s.handleGetCall)
	authed.POST("/calls", write, s.handleDial)
	authed.DELETE("/calls/:id", write, s.handleEndCall)
	authed.POST("/calls/:id/digits", write, s.handleSendDigits)
	authed.GET("/ws/calls/:id/audio", write, s.handleAudioPeer)

	// Agents
	authed.GET("/agents", read, s.handleListAgents)
	authed.GET("/agents/:id/registration", read, s.handleGetRegistration)
	authed.PUT("/agents/:id/registration", admin, s.handleRegister)
	authed.DELETE("/agents/:id/registration", admin, s.handleUnregister)

	// Campaigns
	authed.POST("/campaigns", write, s.handleCreateCampaign)
	authed.GET("/campaigns", read, s.handleListCampaigns)
	authed.GET("/campaigns/:id", read, s.handleGetCampaign)
	authed.GET("/campaigns/:id/calls", read, s.handleListCampaignCalls)
	authed.POST("/campaigns/:id/pause", write, s.handlePauseCampaign)
	authed.POST("/campaigns/:id/resume", write, s.handleResumeCampaign)
	authed.POST("/campaigns/:id/cancel", write, s.handleCancelCampaign)

	// IVR
	authed.POST("/ivr/reload", admin, s.handleReloadMenus)

	// Drain
	authed.GET("/drain", read, s.handleDrainStatus)
	authed.POST("/drain", admin, s.handleStartDrain)
	authed.DELETE("/drain", admin, s.handleCancelDrain)
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins listening for HTTP requests
func (s *Server) Start() error {
	slog.Info("[API] Starting HTTP API server", "addr", s.addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("[API] Server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// --- Health & Stats ---

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	stats := gin.H{
		"active_calls": s.deps.Calls.Count(),
	}
	if s.deps.Agents != nil {
		regs := s.deps.Agents.Registrations()
		registered := 0
		for _, r := range regs {
			if r.State == dialog.RegStateRegistered {
				registered++
			}
		}
		stats["agents"] = len(regs)
		stats["registered_agents"] = registered
	}
	if s.deps.Campaigns != nil {
		active := 0
		for _, cp := range s.deps.Campaigns.ListCampaigns() {
			if cp.Status == campaign.StatusActive {
				active++
			}
		}
		stats["active_campaigns"] = active
		stats["dial_queue"] = s.deps.Campaigns.QueueLen()
	}
	if s.deps.Speech != nil {
		stats["speech_nodes"] = s.deps.Speech.Stats()
	}
	if s.deps.Drain != nil {
		stats["drain_state"] = s.deps.Drain.Status().State
	}
	c.JSON(http.StatusOK, stats)
}

// writeError maps component errors to HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, campaign.ErrCampaignNotFound),
		errors.Is(err, dialog.ErrAgentNotRegistered):
		status = http.StatusNotFound
	case errors.Is(err, campaign.ErrInvalidCampaign),
		errors.Is(err, dialog.ErrInvalidAgentConfig),
		errors.Is(err, dialog.ErrInvalidNumber):
		status = http.StatusBadRequest
	case errors.Is(err, campaign.ErrInvalidTransition),
		errors.Is(err, session.ErrNotConnected),
		errors.Is(err, drain.ErrDrainInProgress),
		errors.Is(err, drain.ErrNotDraining):
		status = http.StatusConflict
	case errors.Is(err, session.ErrNoMedia):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func unavailable(c *gin.Context, what string) {
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": what + " not configured"})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
