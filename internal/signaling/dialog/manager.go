// Package dialog is the SIP session manager: agent registrations, inbound
// INVITE acceptance, outbound dialing and the lifecycle of each call's SIP
// dialog and RTP session. Every transition is reported on Events(); the
// manager knows nothing about conversations or transcripts.
package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/callpilot/internal/rtpmanager/media"
	"github.com/sebas/callpilot/internal/signaling/events"
	"github.com/sebas/callpilot/internal/signaling/store"
)

// Dialog TTL constants
const (
	// ActiveDialogTTL is the TTL for active dialogs (4 hours)
	ActiveDialogTTL = 4 * time.Hour
	// TerminatedDialogTTL is the TTL for terminated dialogs (for retransmissions, RFC 3261 Timer B)
	TerminatedDialogTTL = 32 * time.Second
	// DialogCleanupInterval is how often the cleanup loop runs
	DialogCleanupInterval = 10 * time.Second
)

// Manager defaults
const (
	DefaultDialTimeout     = 30 * time.Second
	DefaultACKTimeout      = 32 * time.Second // RFC 3261 Timer B
	DefaultCancelTimeout   = 5 * time.Second
	DefaultRegisterTimeout = 10 * time.Second
)

var (
	ErrDialogNotFound = errors.New("dialog not found")
	ErrDialTimeout    = errors.New("dial timed out")
	ErrClosed         = errors.New("dialog manager closed")
)

// Config wires the manager to the SIP stack and the media plane.
type Config struct {
	Client   *sipgo.Client
	DialogUA *sipgo.DialogUA

	// Registrar defaults to a SIPRegistrar on Client.
	Registrar Registrar

	Ports         *media.PortPool
	BindAddr      string // RTP bind address
	AdvertiseAddr string // address placed in SDP and Contact
	SIPPort       int

	DefaultAgent string

	DialTimeout      time.Duration
	ACKTimeout       time.Duration
	CancelTimeout    time.Duration
	RegisterTimeout  time.Duration
	ReconnectBackoff time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.ACKTimeout <= 0 {
		out.ACKTimeout = DefaultACKTimeout
	}
	if out.CancelTimeout <= 0 {
		out.CancelTimeout = DefaultCancelTimeout
	}
	if out.RegisterTimeout <= 0 {
		out.RegisterTimeout = DefaultRegisterTimeout
	}
	if out.ReconnectBackoff <= 0 {
		out.ReconnectBackoff = DefaultReconnectBackoff
	}
	if out.SIPPort == 0 {
		out.SIPPort = 5060
	}
	if out.BindAddr == "" {
		out.BindAddr = "0.0.0.0"
	}
	if out.AdvertiseAddr == "" {
		out.AdvertiseAddr = "127.0.0.1"
	}
	if out.Ports == nil {
		out.Ports = media.NewPortPool(10000, 20000)
	}
	return out
}

// Manager is the central registry for agent registrations and call dialogs.
type Manager struct {
	cfg       Config
	registrar Registrar

	// Dialog storage by Call-ID using TTLStore for automatic cleanup
	dialogs *store.TTLStore[string, *Dialog]

	regMu sync.RWMutex
	regs  map[string]*Registration

	events *events.Queue[Event]
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// NewManager creates a new dialog manager
func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		cfg:     cfg,
		dialogs: store.NewTTLStore[string, *Dialog](DialogCleanupInterval),
		regs:    make(map[string]*Registration),
		events:  events.NewQueue[Event](),
		ctx:     ctx,
		cancel:  cancel,
	}
	m.registrar = cfg.Registrar
	if m.registrar == nil {
		m.registrar = NewSIPRegistrar(cfg.Client, m.localContact())
	}

	m.dialogs.SetOnEvict(func(callID string, d *Dialog) {
		slog.Debug("[Dialog] Evicted from cache", "call_id", callID, "state", d.GetState())
	})
	return m
}

// Events delivers call and registration events in emission order. It is
// closed after Close.
func (m *Manager) Events() <-chan Event {
	return m.events.Out()
}

func (m *Manager) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	m.events.Push(ev)
}

func (m *Manager) callEvent(t EventType, d *Dialog) Event {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Event{
		Type:        t,
		CallID:      d.CallID,
		AgentID:     d.AgentID,
		PhoneNumber: d.PhoneNumber,
		Direction:   d.Direction,
	}
}

func (m *Manager) localContact() sip.Uri {
	return sip.Uri{
		Scheme: "sip",
		User:   "callpilot",
		Host:   m.cfg.AdvertiseAddr,
		Port:   m.cfg.SIPPort,
	}
}

// Accept answers an inbound INVITE: 100 Trying, RTP session, SDP answer in
// a 200 OK. CallConnected follows once the ACK arrives; any failure answers
// the caller with an error status and emits CallFailed.
func (m *Manager) Accept(req *sip.Request, tx sip.ServerTransaction) error {
	if m.closed.Load() {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusServiceUnavailable, "Service Unavailable", nil))
		return ErrClosed
	}

	callID := callIDOf(req)
	if callID == "" {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Missing Call-ID", nil))
		return fmt.Errorf("INVITE missing Call-ID")
	}

	dlg := NewDialog(req, tx)
	if existing, inserted := m.dialogs.SetIfAbsent(callID, dlg, ActiveDialogTTL); !inserted {
		if !existing.IsTerminated() {
			slog.Warn("[Dialog] Duplicate INVITE received", "call_id", callID, "state", existing.GetState())
			return nil
		}
		m.dialogs.Set(callID, dlg, ActiveDialogTTL)
	}
	dlg.setAgent(m.resolveAgent(req))

	slog.Info("[Dialog] Created",
		"call_id", callID,
		"agent_id", dlg.AgentID,
		"from", dlg.PhoneNumber,
	)
	m.emit(m.callEvent(EventCallConnecting, dlg))

	if err := m.sendTrying(dlg); err != nil {
		m.failInbound(dlg, 0, "", err)
		return err
	}

	sess, err := media.NewSession(callID, m.cfg.Ports, m.cfg.BindAddr, m.cfg.AdvertiseAddr)
	if err != nil {
		m.failInbound(dlg, sip.StatusServiceUnavailable, "Media Unavailable", err)
		return fmt.Errorf("allocate media: %w", err)
	}
	dlg.setMedia(sess)

	answer, err := sess.Answer(req.Body())
	if err != nil {
		m.failInbound(dlg, sip.StatusCode(488), "Not Acceptable Here", err)
		return fmt.Errorf("negotiate media: %w", err)
	}

	if err := m.sendOK(dlg, answer); err != nil {
		m.failInbound(dlg, 0, "", err)
		return err
	}
	sess.Start(dlg.Context())
	return nil
}

func (m *Manager) failInbound(d *Dialog, code sip.StatusCode, reason string, err error) {
	if code != 0 && d.Transaction != nil {
		_ = d.Transaction.Respond(sip.NewResponseFromRequest(d.InviteRequest, code, reason, nil))
	}
	slog.Error("[Dialog] Accept failed", "call_id", d.CallID, "status", int(code), "error", err)
	d.Cancel()
	if m.terminate(d, ReasonError) {
		ev := m.callEvent(EventCallFailed, d)
		ev.StatusCode = int(code)
		ev.Reason = err.Error()
		ev.Err = err
		m.emit(ev)
	}
}

// sendTrying sends 100 Trying and transitions to Early state
func (m *Manager) sendTrying(d *Dialog) error {
	trying := sip.NewResponseFromRequest(d.InviteRequest, sip.StatusTrying, "Trying", nil)
	if err := d.Transaction.Respond(trying); err != nil {
		return fmt.Errorf("failed to send 100 Trying: %w", err)
	}
	if err := d.TransitionTo(StateEarly); err != nil {
		slog.Warn("[Dialog] State transition failed", "call_id", d.CallID, "error", err)
	}
	return nil
}

// sendOK sends 200 OK with SDP and creates the sipgo dialog session
func (m *Manager) sendOK(d *Dialog, sdpBody []byte) error {
	session, err := m.cfg.DialogUA.ReadInvite(d.InviteRequest, d.Transaction)
	if err != nil {
		return fmt.Errorf("failed to create dialog session: %w", err)
	}
	d.SetSession(session)

	if err := session.RespondSDP(sdpBody); err != nil {
		return fmt.Errorf("failed to send 200 OK: %w", err)
	}
	d.SetInviteResponse(session.InviteResponse)

	if err := d.TransitionTo(StateWaitingACK); err != nil {
		slog.Warn("[Dialog] State transition failed", "call_id", d.CallID, "error", err)
	}
	slog.Info("[Dialog] Sent 200 OK", "call_id", d.CallID)

	go m.watchACKTimeout(d)
	return nil
}

// HandleACK confirms an inbound dialog and emits CallConnected.
func (m *Manager) HandleACK(req *sip.Request, tx sip.ServerTransaction) error {
	callID := callIDOf(req)
	d, exists := m.Get(callID)
	if !exists {
		slog.Warn("[Dialog] ACK for unknown dialog", "call_id", callID)
		return fmt.Errorf("%s: %w", callID, ErrDialogNotFound)
	}

	state := d.GetState()
	if state != StateWaitingACK {
		if state == StateConfirmed {
			slog.Debug("[Dialog] ACK retransmission ignored", "call_id", callID)
			return nil
		}
		slog.Warn("[Dialog] ACK in unexpected state", "call_id", callID, "state", state)
		return fmt.Errorf("unexpected state for ACK: %s", state)
	}

	if d.Session != nil {
		if err := d.Session.ReadAck(req, tx); err != nil {
			slog.Warn("[Dialog] Failed to read ACK", "call_id", callID, "error", err)
		}
	}
	if err := d.TransitionTo(StateConfirmed); err != nil {
		return fmt.Errorf("failed to transition to Confirmed: %w", err)
	}

	slog.Info("[Dialog] Confirmed (ACK received)", "call_id", callID)
	m.emit(m.callEvent(EventCallConnected, d))
	return nil
}

// HandleBYE processes a BYE request from the remote party
func (m *Manager) HandleBYE(req *sip.Request, tx sip.ServerTransaction) error {
	callID := callIDOf(req)
	d, exists := m.Get(callID)
	if !exists || d.IsTerminated() {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return fmt.Errorf("%s: %w", callID, ErrDialogNotFound)
	}

	if d.Session != nil {
		if err := d.Session.ReadBye(req, tx); err != nil {
			slog.Warn("[Dialog] Failed to read BYE", "call_id", callID, "error", err)
		}
	} else if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)); err != nil {
		slog.Error("[Dialog] Failed to respond to BYE", "call_id", callID, "error", err)
	}

	slog.Info("[Dialog] BYE received", "call_id", callID)
	m.finish(d, ReasonRemoteBYE, "remote_hangup")
	return nil
}

// HandleCANCEL processes a CANCEL for an inbound INVITE still in progress.
func (m *Manager) HandleCANCEL(req *sip.Request, tx sip.ServerTransaction) error {
	callID := callIDOf(req)
	d, exists := m.Get(callID)
	if !exists {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return fmt.Errorf("%s: %w", callID, ErrDialogNotFound)
	}

	state := d.GetState()
	if state != StateEarly && state != StateWaitingACK {
		slog.Warn("[Dialog] CANCEL in unexpected state", "call_id", callID, "state", state)
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return nil
	}

	if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)); err != nil {
		slog.Error("[Dialog] Failed to respond to CANCEL", "call_id", callID, "error", err)
	}
	if d.Transaction != nil {
		_ = d.Transaction.Respond(sip.NewResponseFromRequest(d.InviteRequest, 487, "Request Terminated", nil))
	}

	slog.Info("[Dialog] CANCEL received", "call_id", callID)
	m.finish(d, ReasonCancel, "cancelled")
	return nil
}

// HandleINFO turns SIP INFO DTMF (application/dtmf-relay or
// application/dtmf) into DigitReceived events.
func (m *Manager) HandleINFO(req *sip.Request, tx sip.ServerTransaction) error {
	callID := callIDOf(req)
	d, exists := m.Get(callID)
	if !exists || d.IsTerminated() {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return fmt.Errorf("%s: %w", callID, ErrDialogNotFound)
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))

	digit, ok := parseINFODigit(req.Body())
	if !ok {
		return nil
	}
	ev := m.callEvent(EventDigitReceived, d)
	ev.Digit = digit
	m.emit(ev)
	return nil
}

func parseINFODigit(body []byte) (rune, bool) {
	text := strings.TrimSpace(string(body))
	for _, line := range strings.Split(text, "\n") {
		key, value, found := strings.Cut(strings.TrimSpace(line), "=")
		if found && strings.EqualFold(strings.TrimSpace(key), "signal") {
			text = strings.TrimSpace(value)
			break
		}
	}
	r := []rune(text)
	if len(r) != 1 || !media.IsDTMFRune(r[0]) {
		return 0, false
	}
	return r[0], true
}

// End hangs up a call: BYE when confirmed, 487 when an inbound INVITE is
// still ringing, CANCEL when our own INVITE is pending. Ending an unknown or
// already terminated call is a no-op.
func (m *Manager) End(callID string) error {
	d, exists := m.Get(callID)
	if !exists || d.IsTerminated() {
		slog.Debug("[Dialog] End: nothing to do", "call_id", callID)
		return nil
	}

	switch state := d.GetState(); {
	case state == StateConfirmed:
		if err := d.TransitionTo(StateTerminating); err != nil {
			// Lost a race with another terminator
			return nil
		}
		if err := m.sendBYE(d); err != nil {
			slog.Error("[Dialog] Failed to send BYE", "call_id", callID, "error", err)
		}
	case state == StateWaitingACK && d.Session != nil:
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CancelTimeout)
		_ = d.Session.Bye(ctx)
		cancel()
	case d.Direction == DirectionInbound && d.Transaction != nil:
		_ = d.Transaction.Respond(sip.NewResponseFromRequest(d.InviteRequest, 487, "Request Terminated", nil))
	case d.Direction == DirectionOutbound && state.IsEarly():
		// Dial owns the pending INVITE and sends the CANCEL once the
		// dialog context is cancelled.
	}

	m.finish(d, ReasonLocalBYE, "local_hangup")
	return nil
}

// finish terminates d and emits CallEnded (or CallFailed when the call
// never connected). Only the first caller wins.
func (m *Manager) finish(d *Dialog, reason TerminateReason, why string) {
	d.mu.RLock()
	connected := !d.ConnectedAt.IsZero()
	d.mu.RUnlock()

	d.Cancel()
	if !m.terminate(d, reason) {
		return
	}

	evType := EventCallEnded
	if !connected {
		evType = EventCallFailed
	}
	ev := m.callEvent(evType, d)
	ev.Reason = why
	m.emit(ev)
}

// sendBYE sends a BYE request to terminate the dialog
func (m *Manager) sendBYE(d *Dialog) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CancelTimeout)
	defer cancel()

	if d.Session != nil && d.Direction == DirectionInbound {
		if err := d.Session.Bye(ctx); err != nil {
			return fmt.Errorf("failed to send BYE: %w", err)
		}
		slog.Info("[Dialog] BYE sent via session", "call_id", d.CallID)
		return nil
	}

	bye, err := d.BuildBYE(m.localContact())
	if err != nil {
		return fmt.Errorf("failed to build BYE: %w", err)
	}
	if dest := d.InviteRequest.Destination(); dest != "" {
		bye.SetDestination(dest)
	}

	tx, err := m.cfg.Client.TransactionRequest(ctx, bye)
	if err != nil {
		return fmt.Errorf("failed to send BYE: %w", err)
	}
	defer tx.Terminate()

	select {
	case resp := <-tx.Responses():
		if resp != nil {
			slog.Debug("[Dialog] BYE response received", "call_id", d.CallID, "status", resp.StatusCode)
		}
	case <-tx.Done():
	case <-ctx.Done():
		slog.Warn("[Dialog] BYE timeout", "call_id", d.CallID)
	}

	slog.Info("[Dialog] BYE sent", "call_id", d.CallID, "direction", d.Direction)
	return nil
}

// terminate marks the dialog terminated, releases its media and schedules
// cleanup. It reports false when the dialog had already terminated.
func (m *Manager) terminate(d *Dialog, reason TerminateReason) bool {
	d.mu.Lock()
	if d.State == StateTerminated {
		d.mu.Unlock()
		return false
	}
	d.State = StateTerminated
	d.StateChangedAt = time.Now()
	d.TerminateReason = reason
	sess := d.Session
	ms := d.media
	d.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
	if ms != nil {
		_ = ms.Close()
	}

	// Short TTL keeps the dialog around for retransmissions (RFC 3261)
	m.dialogs.Set(d.CallID, d, TerminatedDialogTTL)
	slog.Info("[Dialog] Terminated", "call_id", d.CallID, "reason", reason)
	return true
}

// watchACKTimeout watches for ACK timeout
func (m *Manager) watchACKTimeout(d *Dialog) {
	select {
	case <-d.Context().Done():
		return
	case <-time.After(m.cfg.ACKTimeout):
		if d.GetState() == StateWaitingACK {
			slog.Warn("[Dialog] ACK timeout", "call_id", d.CallID)
			m.finish(d, ReasonTimeout, "ack_timeout")
		}
	}
}

// Media returns the RTP session of a live call.
func (m *Manager) Media(callID string) (*media.Session, bool) {
	d, ok := m.Get(callID)
	if !ok || d.IsTerminated() {
		return nil, false
	}
	s := d.Media()
	return s, s != nil
}

// Get retrieves a dialog by Call-ID
func (m *Manager) Get(callID string) (*Dialog, bool) {
	return m.dialogs.Get(callID)
}

// List returns snapshots of all dialogs, including terminated ones pending
// cleanup.
func (m *Manager) List() []Info {
	out := make([]Info, 0, m.dialogs.Len())
	m.dialogs.ForEach(func(_ string, d *Dialog) bool {
		out = append(out, d.Info())
		return true
	})
	return out
}

// Count returns the number of dialogs that have not terminated.
func (m *Manager) Count() int {
	n := 0
	m.dialogs.ForEach(func(_ string, d *Dialog) bool {
		if !d.IsTerminated() {
			n++
		}
		return true
	})
	return n
}

// Close ends every call, stops all register loops and closes Events().
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}

	var live []string
	m.dialogs.ForEach(func(callID string, d *Dialog) bool {
		if !d.IsTerminated() {
			live = append(live, callID)
		}
		return true
	})
	for _, callID := range live {
		_ = m.End(callID)
	}

	m.regMu.RLock()
	agents := make([]string, 0, len(m.regs))
	for id := range m.regs {
		agents = append(agents, id)
	}
	m.regMu.RUnlock()
	for _, id := range agents {
		_ = m.UnregisterAgent(id)
	}

	m.cancel()
	m.dialogs.Close()
	m.events.Close()
	slog.Info("[Dialog] Manager closed", "calls_ended", len(live), "agents", len(agents))
}
