package session

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/sebas/callpilot/internal/rtpmanager/media"
	"github.com/sebas/callpilot/internal/signaling/events"
	"github.com/sebas/callpilot/internal/signaling/store"
)

// teardown releases everything a session owns. It runs once per session;
// later calls return immediately. hangup sends BYE/CANCEL through the
// dialog manager, which is skipped when the dialog already ended.
func (r *Registry) teardown(s *CallSession, st Status, reason string, code int, hangup bool) {
	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return
	}
	s.tornDown = true
	if !s.Status.IsTerminal() {
		s.setStatusLocked(st)
	}
	final := s.Status
	s.EndedAt = time.Now()
	if s.EndReason == "" {
		s.EndReason = reason
	}
	detector, stream, inIVR := s.detector, s.stream, s.inIVR
	bridgeID, peer := s.bridgeID, s.peer
	s.inIVR = false
	s.mu.Unlock()

	pending := s.timers.StopAll()
	s.cancel()

	if detector != nil {
		detector.Close()
	}
	if inIVR && r.cfg.Navigator != nil {
		_ = r.cfg.Navigator.End(s.ID, "call_"+string(final))
	}
	if stream != nil {
		stream.Close()
	}
	if bridgeID != "" && r.cfg.Bridges != nil {
		_ = r.cfg.Bridges.Destroy(bridgeID)
	}
	if peer != nil {
		_ = peer.Close()
	}
	s.speech.Close()

	if hangup {
		if err := r.cfg.Calls.End(s.DialogID); err != nil {
			slog.Warn("[Registry] Hangup failed", "session_id", s.ID, "call_id", s.DialogID, "error", err)
		}
	}

	r.flushTranscript(s)
	r.saveRecording(s)
	r.endConversation(s)
	r.saveCall(s)

	r.mu.Lock()
	if cur, ok := r.sessions[s.ID]; ok && cur == s {
		delete(r.sessions, s.ID)
	}
	if r.byDialog[s.DialogID] == s.ID {
		delete(r.byDialog, s.DialogID)
	}
	r.mu.Unlock()

	r.publishEnded(s, reason, code)
	r.notify(r.outcome(s, final, reason, code))

	slog.Info("[Registry] Session torn down",
		"session_id", s.ID,
		"call_id", s.DialogID,
		"status", final,
		"reason", reason,
		"timers_cancelled", pending,
	)
}

func (r *Registry) persistCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.cfg.CollaboratorTimeout)
}

// flushTranscript retries messages that could not be stored during the call.
func (r *Registry) flushTranscript(s *CallSession) {
	if r.cfg.Conversations == nil {
		return
	}
	s.mu.Lock()
	convID, msgs := s.ConversationID, s.unsaved
	s.unsaved = nil
	s.mu.Unlock()
	if convID == "" || len(msgs) == 0 {
		return
	}

	ctx, cancel := r.persistCtx()
	defer cancel()
	lost := 0
	for _, msg := range msgs {
		msg.ConversationID = convID
		if err := r.cfg.Conversations.AddMessage(ctx, convID, msg); err != nil {
			lost++
		}
	}
	if lost > 0 {
		slog.Error("[Registry] Transcript messages lost", "session_id", s.ID, "conversation_id", convID, "count", lost)
	}
}

func (r *Registry) endConversation(s *CallSession) {
	s.mu.RLock()
	convID := s.ConversationID
	s.mu.RUnlock()
	if r.cfg.Conversations == nil || convID == "" {
		return
	}
	ctx, cancel := r.persistCtx()
	defer cancel()
	if err := r.cfg.Conversations.EndConversation(ctx, convID); err != nil {
		slog.Warn("[Registry] Failed to end conversation", "session_id", s.ID, "conversation_id", convID, "error", err)
	}
}

func (r *Registry) saveRecording(s *CallSession) {
	s.mu.RLock()
	rec := s.recorder
	s.mu.RUnlock()
	if rec == nil || r.cfg.Recordings == nil {
		return
	}
	pcm := rec.mix()
	if len(pcm) == 0 {
		return
	}
	ctx, cancel := r.persistCtx()
	defer cancel()
	err := r.cfg.Recordings.SaveRecording(ctx, &store.Recording{
		CallID:      s.ID,
		ContentType: "audio/wav",
		Data:        media.EncodeWAV(pcm, 8000),
		Duration:    media.PCMDuration(pcm),
		CreatedAt:   time.Now(),
	})
	if err != nil {
		slog.Warn("[Registry] Failed to save recording", "session_id", s.ID, "error", err)
	}
}

func (r *Registry) saveCall(s *CallSession) {
	if r.cfg.CallRecords == nil {
		return
	}
	info := s.Info()
	rec := &store.CallRecord{
		ID:                info.ID,
		DialogID:          info.DialogID,
		AgentID:           info.AgentID,
		PhoneNumber:       info.PhoneNumber,
		Direction:         string(info.Direction),
		Status:            string(info.Status),
		EndReason:         info.EndReason,
		ConversationID:    info.ConversationID,
		CampaignCallID:    info.CampaignCallID,
		TransferRequested: info.TransferRequested,
		StartedAt:         info.StartedAt,
	}
	if !info.EndedAt.IsZero() {
		t := info.EndedAt
		rec.EndedAt = &t
	}
	ctx, cancel := r.persistCtx()
	defer cancel()
	if err := r.cfg.CallRecords.SaveCall(ctx, rec); err != nil {
		slog.Warn("[Registry] Failed to save call record", "session_id", s.ID, "error", err)
	}
}

func (r *Registry) publishEnded(s *CallSession, reason string, code int) {
	s.mu.RLock()
	ev := r.builder.CallEnded(s.ID, s.DialogID).
		Direction(events.Direction(s.Direction)).
		Agent(s.AgentID).
		PhoneNumber(s.PhoneNumber).
		Campaign(s.CampaignID).
		Reason(endReason(reason, s.Status, s.TransferRequested), reason).
		SIPCode(code).
		Turns(s.Turns, s.TransferRequested).
		Times(s.StartedAt, s.ConnectedAt, s.EndedAt).
		Build()
	s.mu.RUnlock()
	r.cfg.Publisher.PublishAsync(ev)
}

// endReason maps a free-form termination reason to the published enum.
// Dialog failures arrive as "<outcome>: <detail>".
func endReason(reason string, st Status, transferred bool) events.EndReason {
	switch {
	case strings.HasPrefix(reason, "busy"):
		return events.EndReasonBusy
	case strings.HasPrefix(reason, "no_answer"):
		return events.EndReasonNoAnswer
	case strings.Contains(reason, "cancel"):
		return events.EndReasonCancelled
	case reason == "max_duration":
		return events.EndReasonMaxDuration
	case strings.HasPrefix(reason, "ivr_"):
		return events.EndReasonIVR
	case st == StatusFailed:
		return events.EndReasonRejected
	case transferred:
		return events.EndReasonTransfer
	}
	return events.EndReasonNormal
}
