package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// PauseCampaign stops dialing a pending or active campaign. Its queued
// calls leave the queue; other campaigns are untouched.
func (s *Scheduler) PauseCampaign(ctx context.Context, id string) (*Campaign, error) {
	now := s.cfg.Now()
	var b batch

	s.mu.Lock()
	c, err := s.lookupLocked(id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if c.Status != StatusActive && c.Status != StatusPending {
		st := c.Status
		s.mu.Unlock()
		return nil, fmt.Errorf("pause %s campaign: %w", st, ErrInvalidTransition)
	}
	removed := s.removeQueuedLocked(id)
	s.setStatusLocked(&b, c, StatusPaused, now)
	out := c.clone()
	s.mu.Unlock()

	s.flush(ctx, b)
	slog.Info("[Campaign] Paused", "campaign_id", id, "dequeued", removed)
	return out, nil
}

// ResumeCampaign reactivates a paused campaign, or returns it to pending
// when its start time is still ahead.
func (s *Scheduler) ResumeCampaign(ctx context.Context, id string) (*Campaign, error) {
	now := s.cfg.Now()
	var b batch

	s.mu.Lock()
	c, err := s.lookupLocked(id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if c.Status != StatusPaused {
		st := c.Status
		s.mu.Unlock()
		return nil, fmt.Errorf("resume %s campaign: %w", st, ErrInvalidTransition)
	}
	queued := 0
	if c.ScheduledAt.After(now) {
		s.setStatusLocked(&b, c, StatusPending, now)
	} else {
		s.setStatusLocked(&b, c, StatusActive, now)
		queued = s.enqueueDueLocked(id, now)
	}
	out := c.clone()
	s.mu.Unlock()

	s.flush(ctx, b)
	slog.Info("[Campaign] Resumed", "campaign_id", id, "status", out.Status, "queued", queued)
	return out, nil
}

// CancelCampaign stops a campaign for good. Queued and pending calls are
// cancelled, dials in flight are aborted and connected calls are hung up.
// Cancelled calls do not count as failures.
func (s *Scheduler) CancelCampaign(ctx context.Context, id string) (*Campaign, error) {
	now := s.cfg.Now()
	var b batch

	s.mu.Lock()
	c, err := s.lookupLocked(id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if c.Status.IsTerminal() {
		st := c.Status
		s.mu.Unlock()
		return nil, fmt.Errorf("cancel %s campaign: %w", st, ErrInvalidTransition)
	}
	s.removeQueuedLocked(id)

	var hangup []string
	var aborts []context.CancelFunc
	for _, callID := range s.byCampaign[id] {
		call := s.calls[callID]
		if call.Status.IsTerminal() {
			continue
		}
		if a := s.attempts[callID]; a != nil {
			if a.cancel != nil {
				aborts = append(aborts, a.cancel)
			}
			if a.sessionID != "" {
				hangup = append(hangup, a.sessionID)
			}
			delete(s.attempts, callID)
		}
		call.Status = CallCancelled
		call.UpdatedAt = now
		b.call(call)
	}
	s.setStatusLocked(&b, c, StatusCancelled, now)
	out := c.clone()
	s.mu.Unlock()

	for _, abort := range aborts {
		abort()
	}
	for _, sid := range hangup {
		if err := s.cfg.Dialer.End(sid, "campaign_cancelled"); err != nil {
			slog.Debug("[Campaign] Hangup on cancel", "session_id", sid, "error", err)
		}
	}
	s.flush(ctx, b)

	slog.Info("[Campaign] Cancelled",
		"campaign_id", id,
		"aborted_dials", len(aborts),
		"hung_up", len(hangup),
	)
	return out, nil
}

// GetCampaign returns a copy of a campaign.
func (s *Scheduler) GetCampaign(id string) (*Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	return c.clone(), nil
}

// ListCampaigns returns copies of all campaigns, newest first.
func (s *Scheduler) ListCampaigns() []*Campaign {
	s.mu.Lock()
	out := make([]*Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		out = append(out, c.clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ListCalls returns copies of a campaign's calls in target order.
func (s *Scheduler) ListCalls(id string) ([]Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookupLocked(id); err != nil {
		return nil, err
	}
	ids := s.byCampaign[id]
	out := make([]Call, 0, len(ids))
	for _, callID := range ids {
		out = append(out, *s.calls[callID])
	}
	return out, nil
}
