package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sebas/callpilot/internal/signaling/campaign"
)

// createCampaignRequest takes durations as strings such as "5m".
type createCampaignRequest struct {
	AgentID        string    `json:"agent_id"`
	Name           string    `json:"name"`
	PhoneNumbers   []string  `json:"phone_numbers"`
	ScheduledAt    time.Time `json:"scheduled_at"`
	MaxRetries     int       `json:"max_retries"`
	RetryDelay     string    `json:"retry_delay"`
	CallTimeout    string    `json:"call_timeout"`
	InitialMessage string    `json:"initial_message"`
}

func (r createCampaignRequest) toCreate() (campaign.CreateRequest, error) {
	out := campaign.CreateRequest{
		AgentID:        r.AgentID,
		Name:           r.Name,
		PhoneNumbers:   r.PhoneNumbers,
		ScheduledAt:    r.ScheduledAt,
		MaxRetries:     r.MaxRetries,
		InitialMessage: r.InitialMessage,
	}
	var err error
	if out.RetryDelay, err = parseDuration(r.RetryDelay); err != nil {
		return out, fmt.Errorf("retry_delay: %w", err)
	}
	if out.CallTimeout, err = parseDuration(r.CallTimeout); err != nil {
		return out, fmt.Errorf("call_timeout: %w", err)
	}
	return out, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func (s *Server) handleCreateCampaign(c *gin.Context) {
	if s.deps.Campaigns == nil {
		unavailable(c, "campaigns")
		return
	}
	var body createCampaignRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	req, err := body.toCreate()
	if err != nil {
		badRequest(c, err)
		return
	}
	cp, err := s.deps.Campaigns.CreateCampaign(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cp)
}

func (s *Server) handleListCampaigns(c *gin.Context) {
	if s.deps.Campaigns == nil {
		unavailable(c, "campaigns")
		return
	}
	list := s.deps.Campaigns.ListCampaigns()
	if st := c.Query("status"); st != "" {
		filtered := list[:0]
		for _, cp := range list {
			if string(cp.Status) == st {
				filtered = append(filtered, cp)
			}
		}
		list = filtered
	}
	c.JSON(http.StatusOK, gin.H{"campaigns": list, "count": len(list)})
}

func (s *Server) handleGetCampaign(c *gin.Context) {
	if s.deps.Campaigns == nil {
		unavailable(c, "campaigns")
		return
	}
	cp, err := s.deps.Campaigns.GetCampaign(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cp)
}

func (s *Server) handleListCampaignCalls(c *gin.Context) {
	if s.deps.Campaigns == nil {
		unavailable(c, "campaigns")
		return
	}
	calls, err := s.deps.Campaigns.ListCalls(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": calls, "count": len(calls)})
}

func (s *Server) handlePauseCampaign(c *gin.Context) {
	s.transition(c, CampaignProvider.PauseCampaign)
}

func (s *Server) handleResumeCampaign(c *gin.Context) {
	s.transition(c, CampaignProvider.ResumeCampaign)
}

func (s *Server) handleCancelCampaign(c *gin.Context) {
	s.transition(c, CampaignProvider.CancelCampaign)
}

func (s *Server) transition(c *gin.Context, fn func(CampaignProvider, context.Context, string) (*campaign.Campaign, error)) {
	if s.deps.Campaigns == nil {
		unavailable(c, "campaigns")
		return
	}
	cp, err := fn(s.deps.Campaigns, c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cp)
}
