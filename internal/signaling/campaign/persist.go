package campaign

import (
	"context"
	"log/slog"
	"time"

	"github.com/sebas/callpilot/internal/signaling/events"
	"github.com/sebas/callpilot/internal/signaling/store"
)

const persistTimeout = 5 * time.Second

// batch collects the writes and events of one locked section so they can
// be flushed after the lock is released.
type batch struct {
	campaigns map[string]*store.CampaignRecord
	calls     map[string]*store.CampaignCallRecord
	events    []events.Event
}

func (b *batch) campaign(c *Campaign) {
	if b.campaigns == nil {
		b.campaigns = make(map[string]*store.CampaignRecord)
	}
	b.campaigns[c.ID] = campaignRecord(c)
}

func (b *batch) call(call *Call) {
	if b.calls == nil {
		b.calls = make(map[string]*store.CampaignCallRecord)
	}
	b.calls[call.ID] = callRecord(call)
}

func (b *batch) publish(ev events.Event) {
	b.events = append(b.events, ev)
}

// flush writes records and publishes events. Store errors are logged.
func (s *Scheduler) flush(ctx context.Context, b batch) {
	if st := s.cfg.Store; st != nil && (len(b.campaigns) > 0 || len(b.calls) > 0) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		for _, rec := range b.campaigns {
			if err := st.SaveCampaign(pctx, rec); err != nil {
				slog.Warn("[Campaign] Failed to save campaign", "campaign_id", rec.ID, "error", err)
			}
		}
		for _, rec := range b.calls {
			if err := st.SaveCampaignCall(pctx, rec); err != nil {
				slog.Warn("[Campaign] Failed to save call", "call_id", rec.ID, "error", err)
			}
		}
		cancel()
	}
	for _, ev := range b.events {
		s.cfg.Publisher.PublishAsync(ev)
	}
}

func campaignRecord(c *Campaign) *store.CampaignRecord {
	return &store.CampaignRecord{
		ID:              c.ID,
		AgentID:         c.AgentID,
		Name:            c.Name,
		Status:          string(c.Status),
		ScheduledAt:     c.ScheduledAt,
		MaxRetries:      c.MaxRetries,
		RetryDelay:      c.RetryDelay.Milliseconds(),
		CallTimeout:     c.CallTimeout.Milliseconds(),
		InitialMessage:  c.InitialMessage,
		TotalCalls:      c.TotalCalls,
		CompletedCalls:  c.CompletedCalls,
		SuccessfulCalls: c.SuccessfulCalls,
		FailedCalls:     c.FailedCalls,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

func callRecord(call *Call) *store.CampaignCallRecord {
	return &store.CampaignCallRecord{
		ID:          call.ID,
		CampaignID:  call.CampaignID,
		PhoneNumber: call.PhoneNumber,
		Status:      string(call.Status),
		Attempts:    call.Attempts,
		ScheduledAt: call.ScheduledAt,
		Outcome:     string(call.Outcome),
		Reason:      call.Reason,
		SessionID:   call.SessionID,
		UpdatedAt:   call.UpdatedAt,
	}
}
