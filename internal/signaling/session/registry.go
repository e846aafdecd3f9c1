// Package session is the source of truth for live calls. The Registry
// consumes SIP-level events from the dialog manager, owns every
// CallSession and wires its audio to transcription, its digits to the DTMF
// detector and IVR navigator, and its replies to speech synthesis.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/callpilot/internal/rtpmanager/bridge"
	"github.com/sebas/callpilot/internal/signaling/dialog"
	"github.com/sebas/callpilot/internal/signaling/dtmf"
	"github.com/sebas/callpilot/internal/signaling/events"
	"github.com/sebas/callpilot/internal/signaling/ivr"
	"github.com/sebas/callpilot/internal/signaling/transcription"
)

var (
	ErrSessionNotFound = errors.New("call session not found")
	ErrNotConnected    = errors.New("call session not connected")
	ErrNoMedia         = errors.New("call session has no media")
	ErrClosed          = errors.New("registry closed")
)

// Defaults
const (
	DefaultMaxCallDuration     = 30 * time.Minute
	DefaultSilenceTimeout      = 30 * time.Second
	DefaultCollaboratorTimeout = 15 * time.Second

	DefaultGreeting       = "Hello, how can I help you today?"
	DefaultFallbackPrompt = "I didn't catch that, could you please repeat?"
	DefaultSilencePrompt  = "Are you still there?"
	DefaultTransferNotice = "Please hold while I transfer you to a representative."
	DefaultGoodbye        = "Thank you for calling. Goodbye."

	timerMaxDuration = "max_duration"
	timerSilence     = "silence"
)

// DefaultTransferKeywords trigger the transfer flow when heard.
var DefaultTransferKeywords = []string{"transfer", "human", "operator", "representative"}

// AgentProfile is the per-agent conversational setup.
type AgentProfile struct {
	Greeting  string
	IVRMenu   string // inbound calls start in this menu when set
	Recording bool
	Voice     string
	Language  string
}

// Config wires the registry. Calls is required; every other collaborator
// is optional and its feature is skipped when nil.
type Config struct {
	Calls dialog.CallControl
	// MediaFor looks up the audio of a dialog. Defaults to Calls.Media.
	MediaFor func(dialogID string) (MediaPort, bool)

	Pipeline      *transcription.Pipeline
	Synthesizer   Synthesizer
	Turns         TurnGenerator
	Conversations ConversationStore
	CallRecords   CallStore
	Recordings    RecordingStore
	Navigator     *ivr.Navigator
	Bridges       *bridge.Manager
	Publisher     events.Publisher
	NodeID        string

	DTMF dtmf.Config

	Greeting         string
	FallbackPrompt   string
	SilencePrompt    string
	TransferNotice   string
	Goodbye          string
	TransferKeywords []string

	MaxCallDuration     time.Duration
	SilenceTimeout      time.Duration
	CollaboratorTimeout time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.MediaFor == nil && out.Calls != nil {
		calls := out.Calls
		out.MediaFor = func(dialogID string) (MediaPort, bool) {
			s, ok := calls.Media(dialogID)
			if !ok || s == nil {
				return nil, false
			}
			return s, true
		}
	}
	if out.Publisher == nil {
		out.Publisher = events.NewNoopPublisher()
	}
	if out.Greeting == "" {
		out.Greeting = DefaultGreeting
	}
	if out.FallbackPrompt == "" {
		out.FallbackPrompt = DefaultFallbackPrompt
	}
	if out.SilencePrompt == "" {
		out.SilencePrompt = DefaultSilencePrompt
	}
	if out.TransferNotice == "" {
		out.TransferNotice = DefaultTransferNotice
	}
	if out.Goodbye == "" {
		out.Goodbye = DefaultGoodbye
	}
	if out.TransferKeywords == nil {
		out.TransferKeywords = DefaultTransferKeywords
	}
	if out.MaxCallDuration <= 0 {
		out.MaxCallDuration = DefaultMaxCallDuration
	}
	if out.SilenceTimeout <= 0 {
		out.SilenceTimeout = DefaultSilenceTimeout
	}
	if out.CollaboratorTimeout <= 0 {
		out.CollaboratorTimeout = DefaultCollaboratorTimeout
	}
	return out
}

// Registry owns all call sessions.
type Registry struct {
	cfg     Config
	builder *events.Builder

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*CallSession // session ID -> session
	byDialog map[string]string       // dialog Call-ID -> session ID

	agentsMu sync.RWMutex
	agents   map[string]AgentProfile

	subMu sync.RWMutex
	subs  []*events.Queue[Outcome]
}

// NewRegistry creates a registry. Call Run to start consuming events.
func NewRegistry(cfg Config) *Registry {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:      cfg,
		builder:  events.NewBuilder(cfg.NodeID),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*CallSession),
		byDialog: make(map[string]string),
		agents:   make(map[string]AgentProfile),
	}
}

// SetAgentProfile installs or replaces an agent's profile.
func (r *Registry) SetAgentProfile(agentID string, p AgentProfile) {
	r.agentsMu.Lock()
	r.agents[agentID] = p
	r.agentsMu.Unlock()
}

func (r *Registry) profile(agentID string) AgentProfile {
	r.agentsMu.RLock()
	defer r.agentsMu.RUnlock()
	return r.agents[agentID]
}

// Subscribe returns a channel of session outcomes, in order. It is closed
// by Close.
func (r *Registry) Subscribe() <-chan Outcome {
	q := events.NewQueue[Outcome]()
	r.subMu.Lock()
	r.subs = append(r.subs, q)
	r.subMu.Unlock()
	return q.Out()
}

func (r *Registry) notify(o Outcome) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	for _, q := range r.subs {
		q.Push(o)
	}
}

// Run consumes dialog manager events until ctx is done or evs is closed.
// Events are handled in order.
func (r *Registry) Run(ctx context.Context, evs <-chan dialog.Event) error {
	if nav := r.cfg.Navigator; nav != nil {
		go r.ivrLoop(ctx, nav)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-evs:
			if !ok {
				return nil
			}
			r.handleEvent(ev)
		}
	}
}

func (r *Registry) handleEvent(ev dialog.Event) {
	switch ev.Type {
	case dialog.EventCallConnecting:
		r.onConnecting(ev)
	case dialog.EventCallConnected:
		r.onConnected(ev)
	case dialog.EventCallEnded:
		if s := r.byDialogID(ev.CallID); s != nil {
			r.teardown(s, StatusEnded, ev.Reason, ev.StatusCode, false)
		}
	case dialog.EventCallFailed:
		if s := r.byDialogID(ev.CallID); s != nil {
			r.teardown(s, StatusFailed, ev.Reason, ev.StatusCode, false)
		}
	case dialog.EventDigitReceived:
		if s := r.byDialogID(ev.CallID); s != nil {
			r.onDigit(s, ev.Digit)
		}
	case dialog.EventRegistered, dialog.EventUnregistered:
		slog.Info("[Registry] Agent registration changed", "agent_id", ev.AgentID, "event", ev.Type)
	case dialog.EventRegistrationFailed:
		slog.Debug("[Registry] Agent registration failing", "agent_id", ev.AgentID, "reason", ev.Reason)
	}
}

// newSessionLocked creates a connecting session. r.mu must be held.
func (r *Registry) newSessionLocked(dialogID, agentID, phone string, dir Direction) *CallSession {
	ctx, cancel := context.WithCancel(r.ctx)
	s := &CallSession{
		ID:          uuid.New().String(),
		DialogID:    dialogID,
		AgentID:     agentID,
		PhoneNumber: phone,
		Direction:   dir,
		StartedAt:   time.Now(),
		ctx:         ctx,
		cancel:      cancel,
		timers:      NewTimerTable(),
		speech:      events.NewQueue[utterance](),
	}
	s.setStatusLocked(StatusConnecting)
	r.sessions[s.ID] = s
	r.byDialog[dialogID] = s.ID
	return s
}

func directionOf(d dialog.Direction) Direction {
	if d == dialog.DirectionOutbound {
		return DirectionOutbound
	}
	return DirectionInbound
}

func (r *Registry) onConnecting(ev dialog.Event) *CallSession {
	r.mu.Lock()
	if id, ok := r.byDialog[ev.CallID]; ok {
		s := r.sessions[id]
		r.mu.Unlock()
		return s
	}
	s := r.newSessionLocked(ev.CallID, ev.AgentID, ev.PhoneNumber, directionOf(ev.Direction))
	r.mu.Unlock()

	slog.Info("[Registry] Session created",
		"session_id", s.ID,
		"call_id", ev.CallID,
		"agent_id", ev.AgentID,
		"direction", s.Direction,
	)
	return s
}

func (r *Registry) onConnected(ev dialog.Event) {
	s := r.byDialogID(ev.CallID)
	if s == nil {
		// CallConnecting was missed (registry started mid-call)
		s = r.onConnecting(ev)
	}
	profile := r.profile(s.AgentID)

	s.mu.Lock()
	if s.Status != StatusConnecting || s.tornDown {
		st := s.Status
		s.mu.Unlock()
		slog.Warn("[Registry] Connected event for non-connecting session", "session_id", s.ID, "status", st)
		return
	}
	s.ConnectedAt = time.Now()
	s.Recording = profile.Recording
	s.detector = dtmf.NewDetector(s.ID, r.cfg.DTMF)
	if r.cfg.Pipeline != nil {
		stream, err := r.cfg.Pipeline.Open(s.ID)
		if err != nil {
			slog.Warn("[Registry] Transcription unavailable", "session_id", s.ID, "error", err)
		} else {
			s.stream = stream
		}
	}
	if r.cfg.MediaFor != nil {
		if port, ok := r.cfg.MediaFor(s.DialogID); ok {
			s.port = port
		}
	}
	if s.Recording {
		s.recorder = newRecorder(r.cfg.MaxCallDuration)
	}
	s.started = true
	s.setStatusLocked(StatusConnected)
	s.mu.Unlock()

	slog.Info("[Registry] Session connected", "session_id", s.ID, "call_id", s.DialogID, "media", s.port != nil)
	r.notify(r.outcome(s, StatusConnected, "", 0))

	r.wg.Add(1)
	go r.runCall(s, profile)
}

// DialRequest asks for an outbound call.
type DialRequest struct {
	AgentID        string
	PhoneNumber    string
	CampaignID     string
	CampaignCallID string
	// InitialMessage replaces the agent greeting once connected.
	InitialMessage string
}

// DialOutcome is the result of Dial.
type DialOutcome struct {
	SessionID  string
	DialogID   string
	Outcome    dialog.Outcome
	StatusCode int
	Reason     string
	Err        error
}

// Dial places an outbound call. The session exists, in connecting state,
// before the INVITE is sent so that its events and outcomes carry the
// campaign linkage. It blocks at most the dial timeout.
func (r *Registry) Dial(ctx context.Context, req DialRequest) (*DialOutcome, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	dialogID := dialog.NewCallID()

	r.mu.Lock()
	s := r.newSessionLocked(dialogID, req.AgentID, req.PhoneNumber, DirectionOutbound)
	s.CampaignID = req.CampaignID
	s.CampaignCallID = req.CampaignCallID
	s.initialMessage = req.InitialMessage
	r.mu.Unlock()

	res, err := r.cfg.Calls.Dial(dialog.WithCallID(ctx, dialogID), req.AgentID, req.PhoneNumber)
	if err != nil {
		r.teardown(s, StatusFailed, err.Error(), 0, false)
		return nil, err
	}
	return &DialOutcome{
		SessionID:  s.ID,
		DialogID:   res.CallID,
		Outcome:    res.Outcome,
		StatusCode: res.StatusCode,
		Reason:     res.Reason,
		Err:        res.Err,
	}, nil
}

// End hangs up a session by session ID or dialog Call-ID. Teardown runs
// once no matter how many paths trigger it.
func (r *Registry) End(id, reason string) error {
	s := r.find(id)
	if s == nil {
		slog.Debug("[Registry] End: unknown session", "id", id)
		return ErrSessionNotFound
	}
	s.mu.RLock()
	st := StatusEnded
	if !s.started {
		st = StatusFailed
	}
	s.mu.RUnlock()
	r.teardown(s, st, reason, 0, true)
	return nil
}

// AttachPeer bridges a connected call with ep, e.g. a WebSocket peer. The
// caller's audio is relayed to ep and ep's audio is sent to the caller.
// While bridged, no automatic turns are generated.
func (r *Registry) AttachPeer(id string, ep bridge.Endpoint) (*bridge.Bridge, error) {
	if r.cfg.Bridges == nil {
		return nil, errors.New("bridging not configured")
	}
	s := r.find(id)
	if s == nil {
		return nil, ErrSessionNotFound
	}
	s.mu.RLock()
	port, rec, connected := s.port, s.recorder, s.Status == StatusConnected
	s.mu.RUnlock()
	if !connected {
		return nil, ErrNotConnected
	}
	if port == nil {
		return nil, ErrNoMedia
	}

	callEP := bridge.NewChanEndpoint(s.ID, "sip", 50, func(pcm []byte) error {
		if rec != nil {
			rec.outbound(pcm)
		}
		return port.WriteFrame(pcm)
	})
	br, err := r.cfg.Bridges.Create(callEP, ep)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.peer = callEP
	s.bridgeID = br.ID
	s.mu.Unlock()

	go func() {
		<-br.Done()
		s.mu.Lock()
		if s.bridgeID == br.ID {
			s.peer = nil
			s.bridgeID = ""
		}
		s.mu.Unlock()
		slog.Info("[Registry] Peer detached", "session_id", s.ID, "bridge_id", br.ID)
	}()
	return br, nil
}

// SendDigits plays RFC 4733 digits to the caller.
func (r *Registry) SendDigits(ctx context.Context, id, digits string) error {
	s := r.find(id)
	if s == nil {
		return ErrSessionNotFound
	}
	s.mu.RLock()
	port := s.port
	s.mu.RUnlock()
	if port == nil {
		return ErrNoMedia
	}
	return port.SendDigits(ctx, digits)
}

// Get returns a snapshot by session ID or dialog Call-ID.
func (r *Registry) Get(id string) (Info, bool) {
	s := r.find(id)
	if s == nil {
		return Info{}, false
	}
	return s.Info(), true
}

// List returns snapshots of all sessions, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Count returns the number of sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) find(id string) *CallSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[id]; ok {
		return s
	}
	if sid, ok := r.byDialog[id]; ok {
		return r.sessions[sid]
	}
	return nil
}

func (r *Registry) byDialogID(dialogID string) *CallSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if sid, ok := r.byDialog[dialogID]; ok {
		return r.sessions[sid]
	}
	return nil
}

// live reports whether s is still registered and not terminal. Every
// timer and deferred callback checks it before acting.
func (r *Registry) live(s *CallSession) bool {
	r.mu.RLock()
	cur, ok := r.sessions[s.ID]
	r.mu.RUnlock()
	if !ok || cur != s {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.tornDown && !s.Status.IsTerminal()
}

func (r *Registry) outcome(s *CallSession, st Status, reason string, code int) Outcome {
	return Outcome{
		SessionID:      s.ID,
		DialogID:       s.DialogID,
		CampaignID:     s.CampaignID,
		CampaignCallID: s.CampaignCallID,
		Status:         st,
		Reason:         reason,
		StatusCode:     code,
		At:             time.Now(),
	}
}

// Close ends every session, waits for call goroutines and closes
// Subscribe channels.
func (r *Registry) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	r.mu.RLock()
	live := make([]*CallSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.RUnlock()

	for _, s := range live {
		s.mu.RLock()
		st := StatusEnded
		if !s.started {
			st = StatusFailed
		}
		s.mu.RUnlock()
		r.teardown(s, st, "shutdown", 0, true)
	}
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		slog.Warn("[Registry] Call goroutines still running at close")
	}

	r.subMu.Lock()
	for _, q := range r.subs {
		q.Close()
	}
	r.subs = nil
	r.subMu.Unlock()
	slog.Info("[Registry] Closed", "sessions_ended", len(live))
}
