package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/callpilot/internal/rtpmanager/media"
	"github.com/sebas/callpilot/internal/signaling/dtmf"
	"github.com/sebas/callpilot/internal/signaling/events"
	"github.com/sebas/callpilot/internal/signaling/ivr"
	"github.com/sebas/callpilot/internal/signaling/store"
	"github.com/sebas/callpilot/internal/signaling/transcription"
)

// runCall drives one connected call until its context is cancelled.
func (r *Registry) runCall(s *CallSession, profile AgentProfile) {
	defer r.wg.Done()
	ctx := s.ctx

	go r.speaker(s, profile)

	r.openConversation(s)
	r.saveCall(s)

	s.timers.Arm(timerMaxDuration, r.cfg.MaxCallDuration, func() { r.onMaxDuration(s) })
	r.armSilence(s)

	menu := ""
	if s.Direction == DirectionInbound && profile.IVRMenu != "" && r.cfg.Navigator != nil {
		if r.startIVR(s, profile.IVRMenu) {
			menu = profile.IVRMenu
		} else if ctx.Err() != nil {
			return
		}
	}
	if menu == "" {
		r.say(s, r.greeting(s, profile))
	}

	s.mu.RLock()
	ev := r.builder.CallConnected(s.ID, s.DialogID).
		Direction(events.Direction(s.Direction)).
		Agent(s.AgentID).
		PhoneNumber(s.PhoneNumber).
		Conversation(s.ConversationID).
		Campaign(s.CampaignID).
		IVRMenu(menu).
		Recording(s.Recording).
		Build()
	s.mu.RUnlock()
	r.cfg.Publisher.PublishAsync(ev)

	r.mediaLoop(ctx, s)
}

// startIVR enters menu for s. It reports false when the session was torn
// down first or the navigator refused the menu.
func (r *Registry) startIVR(s *CallSession, menu string) bool {
	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return false
	}
	s.inIVR = true
	s.mu.Unlock()

	if err := r.cfg.Navigator.Start(s.ID, menu); err != nil {
		slog.Warn("[Registry] IVR start failed, continuing with agent", "session_id", s.ID, "menu", menu, "error", err)
		s.mu.Lock()
		s.inIVR = false
		s.mu.Unlock()
		return false
	}

	// teardown may have read inIVR and called End before Start registered
	// the session; End is a no-op when it already ran.
	s.mu.RLock()
	dead, st := s.tornDown, s.Status
	s.mu.RUnlock()
	if dead {
		_ = r.cfg.Navigator.End(s.ID, "call_"+string(st))
		return false
	}
	return true
}

func (r *Registry) greeting(s *CallSession, profile AgentProfile) string {
	s.mu.RLock()
	msg := s.initialMessage
	s.mu.RUnlock()
	switch {
	case msg != "":
		return msg
	case profile.Greeting != "":
		return profile.Greeting
	}
	return r.cfg.Greeting
}

func (r *Registry) mediaLoop(ctx context.Context, s *CallSession) {
	s.mu.RLock()
	port, stream, detector := s.port, s.stream, s.detector
	s.mu.RUnlock()

	var audio <-chan media.Frame
	var digits <-chan rune
	if port != nil {
		audio = port.Audio()
		digits = port.Digits()
	}
	var segments <-chan transcription.Segment
	if stream != nil {
		segments = stream.Segments()
	}
	sequences := detector.Sequences()

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-audio:
			if !ok {
				audio = nil
				continue
			}
			r.onAudio(s, f.PCM)
		case d, ok := <-digits:
			if !ok {
				digits = nil
				continue
			}
			r.onDigit(s, d)
		case seg, ok := <-segments:
			if !ok {
				segments = nil
				continue
			}
			r.onSegment(ctx, s, seg)
		case seq, ok := <-sequences:
			if !ok {
				sequences = nil
				continue
			}
			r.onSequence(ctx, s, seq)
		}
	}
}

func (r *Registry) onAudio(s *CallSession, pcm []byte) {
	s.mu.RLock()
	rec, stream, peer := s.recorder, s.stream, s.peer
	s.mu.RUnlock()

	if rec != nil {
		rec.inbound(pcm)
	}
	if peer != nil {
		peer.Push(pcm)
	}
	if stream != nil {
		_ = stream.Write(pcm)
	}
}

func (r *Registry) onDigit(s *CallSession, d rune) {
	s.mu.RLock()
	detector := s.detector
	s.mu.RUnlock()
	if detector == nil {
		return
	}
	r.touch(s)
	if err := detector.ProcessDigit(d); err != nil {
		slog.Debug("[Registry] Digit ignored", "session_id", s.ID, "digit", string(d), "error", err)
	}
}

func (r *Registry) onSequence(ctx context.Context, s *CallSession, seq dtmf.Sequence) {
	if seq.Digits == "" {
		return
	}
	s.mu.RLock()
	inIVR := s.inIVR
	s.mu.RUnlock()

	if inIVR && r.cfg.Navigator != nil {
		err := r.cfg.Navigator.ProcessInput(s.ID, seq.Digits)
		if err == nil {
			return
		}
		slog.Debug("[Registry] IVR input rejected", "session_id", s.ID, "digits", seq.Digits, "error", err)
		s.mu.Lock()
		s.inIVR = false
		s.mu.Unlock()
	}
	r.startTurn(ctx, s, "DTMF: "+seq.Digits, 1)
}

func (r *Registry) onSegment(ctx context.Context, s *CallSession, seg transcription.Segment) {
	if seg.Err != nil {
		slog.Warn("[Registry] Transcription failed", "session_id", s.ID, "seq", seg.Seq, "error", seg.Err)
		r.say(s, r.cfg.FallbackPrompt)
		return
	}
	text := strings.TrimSpace(seg.Text)
	if text == "" {
		return
	}
	r.touch(s)

	s.mu.RLock()
	bridged := s.peer != nil
	s.mu.RUnlock()
	if bridged {
		r.addMessage(ctx, s, store.RoleUser, text, seg.Confidence)
		return
	}
	r.startTurn(ctx, s, text, seg.Confidence)
}

// startTurn runs a turn unless one is already in flight for s, in which
// case text only goes to the transcript. It reports whether the turn was
// started.
func (r *Registry) startTurn(ctx context.Context, s *CallSession, text string, confidence float64) bool {
	if !s.processingSpeech.CompareAndSwap(false, true) {
		slog.Info("[Registry] Turn in flight, utterance not answered", "session_id", s.ID, "text", text)
		r.addMessage(ctx, s, store.RoleUser, text, confidence)
		return false
	}
	go func() {
		defer s.processingSpeech.Store(false)
		r.handleTurn(ctx, s, text, confidence)
	}()
	return true
}

func (r *Registry) handleTurn(ctx context.Context, s *CallSession, text string, confidence float64) {
	r.addMessage(ctx, s, store.RoleUser, text, confidence)

	if kw, ok := r.matchTransfer(text); ok {
		r.requestTransfer(s, text, kw)
		return
	}
	if r.cfg.Turns == nil {
		return
	}

	s.mu.RLock()
	convID := s.ConversationID
	s.mu.RUnlock()

	tctx, cancel := context.WithTimeout(ctx, r.cfg.CollaboratorTimeout)
	reply, err := r.cfg.Turns.ProcessMessage(tctx, convID, text)
	cancel()
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		slog.Warn("[Registry] Turn generation failed", "session_id", s.ID, "error", err)
		r.sayAndWait(ctx, s, r.cfg.FallbackPrompt)
		return
	}

	s.mu.Lock()
	s.Turns++
	s.mu.Unlock()

	r.addMessage(ctx, s, store.RoleAssistant, reply, 0)
	r.sayAndWait(ctx, s, reply)
}

// matchTransfer does a case-insensitive substring match against the
// configured keywords.
func (r *Registry) matchTransfer(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, kw := range r.cfg.TransferKeywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(lower, kw) {
			return kw, true
		}
	}
	return "", false
}

func (r *Registry) requestTransfer(s *CallSession, utterance, keyword string) {
	s.mu.Lock()
	s.TransferRequested = true
	agentID, dialogID := s.AgentID, s.DialogID
	s.mu.Unlock()

	slog.Info("[Registry] Transfer requested", "session_id", s.ID, "keyword", keyword)
	r.cfg.Publisher.PublishAsync(r.builder.TransferRequested(s.ID, dialogID, agentID, utterance, keyword))
	r.say(s, r.cfg.TransferNotice)
}

func (r *Registry) addMessage(ctx context.Context, s *CallSession, role, text string, confidence float64) {
	msg := store.Message{
		ID:         uuid.New().String(),
		Role:       role,
		Content:    text,
		Confidence: confidence,
		CreatedAt:  time.Now(),
	}
	if r.cfg.Conversations == nil {
		return
	}
	s.mu.RLock()
	convID := s.ConversationID
	s.mu.RUnlock()

	if convID == "" {
		s.mu.Lock()
		s.unsaved = append(s.unsaved, msg)
		s.mu.Unlock()
		return
	}
	msg.ConversationID = convID
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CollaboratorTimeout)
	defer cancel()
	if err := r.cfg.Conversations.AddMessage(actx, convID, msg); err != nil {
		slog.Warn("[Registry] Failed to store message, will retry at teardown",
			"session_id", s.ID, "role", role, "error", err)
		s.mu.Lock()
		s.unsaved = append(s.unsaved, msg)
		s.mu.Unlock()
	}
}

func (r *Registry) openConversation(s *CallSession) {
	if r.cfg.Conversations == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, r.cfg.CollaboratorTimeout)
	id, err := r.cfg.Conversations.CreateConversation(ctx, s.AgentID, s.ID)
	cancel()
	if err != nil {
		slog.Warn("[Registry] Failed to open conversation", "session_id", s.ID, "error", err)
		return
	}

	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		// teardown ran while we were waiting; close what we just opened
		ectx, ecancel := context.WithTimeout(context.Background(), r.cfg.CollaboratorTimeout)
		defer ecancel()
		_ = r.cfg.Conversations.EndConversation(ectx, id)
		return
	}
	s.ConversationID = id
	s.mu.Unlock()
}

// say queues text for playback.
func (r *Registry) say(s *CallSession, text string) {
	if text == "" {
		return
	}
	s.speech.Push(utterance{text: text})
}

// sayAndWait queues text and waits until it has been played.
func (r *Registry) sayAndWait(ctx context.Context, s *CallSession, text string) {
	if text == "" {
		return
	}
	done := make(chan struct{})
	s.speech.Push(utterance{text: text, done: done})
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// speaker plays queued utterances in order until the queue is closed.
func (r *Registry) speaker(s *CallSession, profile AgentProfile) {
	for u := range s.speech.Out() {
		r.speak(s, profile, u.text)
		if u.done != nil {
			close(u.done)
		}
	}
}

func (r *Registry) speak(s *CallSession, profile AgentProfile, text string) {
	if r.cfg.Synthesizer == nil {
		return
	}
	ctx := s.ctx
	opts := SynthesizeOptions{Voice: profile.Voice, Language: profile.Language, SampleRate: 8000}

	sctx, cancel := context.WithTimeout(ctx, r.cfg.CollaboratorTimeout)
	audio, err := r.cfg.Synthesizer.Synthesize(sctx, text, opts)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("[Registry] Synthesis failed", "session_id", s.ID, "error", err)
		if text == r.cfg.FallbackPrompt {
			return
		}
		sctx, cancel = context.WithTimeout(ctx, r.cfg.CollaboratorTimeout)
		audio, err = r.cfg.Synthesizer.Synthesize(sctx, r.cfg.FallbackPrompt, opts)
		cancel()
		if err != nil {
			return
		}
	}

	pcm, err := media.ToPlaybackPCM(audio)
	if err != nil {
		slog.Warn("[Registry] Unplayable synthesized audio", "session_id", s.ID, "error", err)
		return
	}

	s.mu.RLock()
	port, rec := s.port, s.recorder
	s.mu.RUnlock()
	if port == nil {
		return
	}
	if rec != nil {
		rec.outbound(pcm)
	}
	if err := port.Play(ctx, pcm); err != nil && ctx.Err() == nil {
		slog.Warn("[Registry] Playback failed", "session_id", s.ID, "error", err)
	}
}

func (r *Registry) armSilence(s *CallSession) {
	s.timers.Arm(timerSilence, r.cfg.SilenceTimeout, func() { r.onSilence(s) })
}

// touch records caller activity and restarts the silence timer.
func (r *Registry) touch(s *CallSession) {
	s.mu.Lock()
	s.LastSpeechAt = time.Now()
	s.mu.Unlock()
	r.armSilence(s)
}

func (r *Registry) onSilence(s *CallSession) {
	if !r.live(s) {
		return
	}
	slog.Debug("[Registry] Caller silent", "session_id", s.ID, "timeout", r.cfg.SilenceTimeout)
	r.say(s, r.cfg.SilencePrompt)
	r.armSilence(s)
}

func (r *Registry) onMaxDuration(s *CallSession) {
	if !r.live(s) {
		return
	}
	slog.Warn("[Registry] Max call duration reached", "session_id", s.ID, "limit", r.cfg.MaxCallDuration)
	r.teardown(s, StatusEnded, "max_duration", 0, true)
}

func (r *Registry) ivrLoop(ctx context.Context, nav *ivr.Navigator) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-nav.Events():
			if !ok {
				return
			}
			r.onIVREvent(ev)
		}
	}
}

func (r *Registry) onIVREvent(ev ivr.Event) {
	s := r.find(ev.SessionID)
	if s == nil || !r.live(s) {
		return
	}

	if ev.Type.Final() {
		s.mu.Lock()
		s.inIVR = false
		s.mu.Unlock()
	}
	if ev.Item != nil {
		r.cfg.Publisher.PublishAsync(r.builder.IVRAction(s.ID, ev.MenuID, ev.Item.Digits,
			string(ev.Item.Action), ev.Item.Target, encodeData(ev.Item.Data)))
	}
	if ev.Type.Final() {
		r.cfg.Publisher.PublishAsync(r.builder.IVREnded(s.ID, ev.MenuID, string(ev.Type)))
	}

	switch ev.Type {
	case ivr.EventMenuEntered, ivr.EventInvalidInput:
		r.say(s, ev.Prompt)
	case ivr.EventAgent:
		slog.Info("[Registry] IVR handed call to agent", "session_id", s.ID, "menu", ev.MenuID)
		r.say(s, ev.Prompt)
		r.say(s, r.greeting(s, r.profile(s.AgentID)))
	case ivr.EventTransfer:
		target := ""
		if ev.Item != nil {
			target = ev.Item.Target
		}
		r.requestTransfer(s, "", target)
	case ivr.EventMaxRetriesExceeded:
		r.say(s, ev.Prompt)
		r.requestTransfer(s, "", "ivr_max_retries")
	case ivr.EventHangup, ivr.EventTimeout:
		reason := "ivr_hangup"
		if ev.Type == ivr.EventTimeout {
			reason = "ivr_timeout"
		}
		go func() {
			r.sayAndWait(s.ctx, s, r.cfg.Goodbye)
			_ = r.End(s.ID, reason)
		}()
	case ivr.EventCustomAction:
		slog.Info("[Registry] IVR custom action", "session_id", s.ID, "menu", ev.MenuID)
	}
}

func encodeData(data map[string]string) string {
	if len(data) == 0 {
		return ""
	}
	b, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	return string(b)
}
