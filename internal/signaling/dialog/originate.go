package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sebas/callpilot/internal/rtpmanager/media"
)

// ErrInvalidNumber is returned by Dial for an empty or malformed number.
var ErrInvalidNumber = errors.New("invalid phone number")

// Outcome classifies how a dial attempt ended.
type Outcome string

const (
	OutcomeConnected Outcome = "connected"
	OutcomeNoAnswer  Outcome = "no_answer"
	OutcomeBusy      Outcome = "busy"
	OutcomeFailed    Outcome = "failed"
)

// Retryable reports whether a campaign may try the number again.
func (o Outcome) Retryable() bool {
	return o == OutcomeNoAnswer || o == OutcomeBusy
}

// DialResult is the deterministic end of a Dial.
type DialResult struct {
	CallID     string
	Outcome    Outcome
	StatusCode int
	Reason     string
	Err        error
}

// classifyStatus maps a final failure response to an outcome.
func classifyStatus(code int) Outcome {
	switch code {
	case 486, 600:
		return OutcomeBusy
	case 408, 480, 487:
		return OutcomeNoAnswer
	default:
		return OutcomeFailed
	}
}

// Dial places an outbound call for agentID. It returns once the call is
// answered, rejected, cancelled or the dial timeout elapses; on timeout the
// INVITE is cancelled and the outcome is no_answer. Only setup problems
// (unknown agent, bad number, no media port) are returned as errors.
func (m *Manager) Dial(ctx context.Context, agentID, phone string) (*DialResult, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	agent, ok := m.agentConfig(agentID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", agentID, ErrAgentNotRegistered)
	}
	phone = normalizeNumber(phone)
	if phone == "" {
		return nil, ErrInvalidNumber
	}

	callID := CallIDFromContext(ctx)
	if callID == "" {
		callID = generateCallID()
	} else if _, exists := m.dialogs.Get(callID); exists {
		return nil, fmt.Errorf("call %s already exists", callID)
	}
	sess, err := media.NewSession(callID, m.cfg.Ports, m.cfg.BindAddr, m.cfg.AdvertiseAddr)
	if err != nil {
		return nil, fmt.Errorf("allocate media: %w", err)
	}
	offer, err := sess.Offer()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("build SDP offer: %w", err)
	}

	invite := m.buildINVITE(agent, phone, callID, generateTag(), offer)
	dlg := NewOutboundDialog(invite, agentID, phone)
	dlg.setMedia(sess)
	m.dialogs.Set(callID, dlg, ActiveDialogTTL)

	slog.Info("[Originate] Dialing",
		"call_id", callID,
		"agent_id", agentID,
		"number", phone,
		"provider", agent.providerAddr(),
	)
	m.emit(m.callEvent(EventCallConnecting, dlg))

	return m.executeINVITE(ctx, dlg, agent, invite), nil
}

// normalizeNumber keeps a leading + and digits; anything else makes the
// number invalid.
func normalizeNumber(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return ""
		}
	}
	out := b.String()
	if strings.TrimPrefix(out, "+") == "" {
		return ""
	}
	return out
}

// buildINVITE constructs the outbound INVITE request through the agent's
// provider.
func (m *Manager) buildINVITE(agent AgentConfig, phone, callID, localTag string, sdpBody []byte) *sip.Request {
	requestURI := sip.Uri{Scheme: "sip", User: phone, Host: agent.Host, Port: agent.Port}
	invite := sip.NewRequest(sip.INVITE, requestURI)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", localTag)
	invite.AppendHeader(&sip.FromHeader{
		DisplayName: agent.DisplayName,
		Address:     sip.Uri{Scheme: "sip", User: agent.CallerID, Host: agent.Host},
		Params:      fromParams,
	})
	invite.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: phone, Host: agent.Host},
		Params:  sip.NewParams(),
	})

	callIDHdr := sip.CallIDHeader(callID)
	invite.AppendHeader(&callIDHdr)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})

	contact := m.localContact()
	contact.User = agent.Username
	invite.AppendHeader(&sip.ContactHeader{Address: contact})

	contentType := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&contentType)
	invite.SetBody(sdpBody)

	if strings.EqualFold(agent.Transport, "tcp") {
		invite.SetTransport("TCP")
	}
	invite.SetDestination(agent.providerAddr())
	return invite
}

// executeINVITE sends the INVITE and handles the complete response flow.
func (m *Manager) executeINVITE(ctx context.Context, dlg *Dialog, agent AgentConfig, invite *sip.Request) *DialResult {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()

	tx, err := m.cfg.Client.TransactionRequest(dialCtx, invite)
	if err != nil {
		return m.dialFailed(dlg, OutcomeFailed, 503, "transaction failed", err)
	}
	defer func() { tx.Terminate() }()

	slog.Info("[Originate] INVITE sent", "call_id", dlg.CallID, "target", invite.Recipient.String())

	authTried := false
	for {
		select {
		case <-dlg.Context().Done():
			// End() while ringing; it already reported the call.
			m.sendCANCEL(dlg)
			return &DialResult{CallID: dlg.CallID, Outcome: OutcomeFailed, StatusCode: 487, Reason: "cancelled", Err: context.Canceled}

		case <-dialCtx.Done():
			return m.dialExpired(ctx, dlg)

		case resp := <-tx.Responses():
			if resp == nil {
				return m.dialFailed(dlg, OutcomeFailed, 408, "no response", fmt.Errorf("no response received"))
			}

			code := int(resp.StatusCode)
			switch {
			case code < 180:
				slog.Debug("[Originate] Provisional response", "call_id", dlg.CallID, "status", code)

			case code < 200:
				if dlg.GetState() == StateInitial {
					_ = dlg.TransitionTo(StateEarly)
				}
				if code == 183 && len(resp.Body()) > 0 {
					if err := dlg.Media().ApplyAnswer(resp.Body()); err != nil {
						slog.Warn("[Originate] Early media setup failed", "call_id", dlg.CallID, "error", err)
					}
				}
				slog.Info("[Originate] Ringing", "call_id", dlg.CallID, "status", code)

			case code < 300:
				return m.answered(dlg, invite, resp)

			case isAuthChallenge(resp.StatusCode) && !authTried && agent.Password != "":
				authTried = true
				if err := authorize(invite, resp, agent.Username, agent.Password); err != nil {
					return m.dialFailed(dlg, OutcomeFailed, code, "authentication failed", err)
				}
				if cseq := invite.CSeq(); cseq != nil {
					dlg.localCSeq.Store(cseq.SeqNo)
				}
				next, err := m.cfg.Client.TransactionRequest(dialCtx, invite)
				if err != nil {
					return m.dialFailed(dlg, OutcomeFailed, 503, "transaction failed", err)
				}
				tx.Terminate()
				tx = next
				slog.Debug("[Originate] INVITE resent with credentials", "call_id", dlg.CallID)

			default:
				outcome := classifyStatus(code)
				slog.Info("[Originate] Call rejected",
					"call_id", dlg.CallID,
					"status", code,
					"reason", resp.Reason,
					"outcome", outcome,
				)
				return m.dialFailed(dlg, outcome, code, resp.Reason, nil)
			}

		case <-tx.Done():
			if dialCtx.Err() != nil {
				return m.dialExpired(ctx, dlg)
			}
			return m.dialFailed(dlg, OutcomeFailed, 500, "transaction terminated unexpectedly", tx.Err())
		}
	}
}

// dialExpired handles the end of the dial window: the caller's context was
// cancelled or nobody answered in time.
func (m *Manager) dialExpired(ctx context.Context, dlg *Dialog) *DialResult {
	m.sendCANCEL(dlg)
	if ctx.Err() != nil {
		return m.dialFailed(dlg, OutcomeFailed, 487, "cancelled", ctx.Err())
	}
	slog.Warn("[Originate] No answer within dial timeout", "call_id", dlg.CallID, "timeout", m.cfg.DialTimeout)
	return m.dialFailed(dlg, OutcomeNoAnswer, 408, "dial timeout", ErrDialTimeout)
}

// answered completes a 2xx: SDP answer, ACK, Confirmed, CallConnected.
func (m *Manager) answered(dlg *Dialog, invite *sip.Request, resp *sip.Response) *DialResult {
	dlg.setAnswer(resp)

	if err := m.sendACK(dlg, invite, resp); err != nil {
		// ACK failure doesn't negate the 200 OK
		slog.Error("[Originate] Failed to send ACK", "call_id", dlg.CallID, "error", err)
	}

	sess := dlg.Media()
	if err := sess.ApplyAnswer(resp.Body()); err != nil {
		slog.Error("[Originate] Unusable SDP answer, hanging up", "call_id", dlg.CallID, "error", err)
		if err := dlg.TransitionTo(StateConfirmed); err == nil {
			_ = m.sendBYE(dlg)
		}
		return m.dialFailed(dlg, OutcomeFailed, int(resp.StatusCode), "media negotiation failed", err)
	}

	if err := dlg.TransitionTo(StateConfirmed); err != nil {
		// End() raced the answer
		_ = m.sendBYE(dlg)
		return &DialResult{CallID: dlg.CallID, Outcome: OutcomeFailed, StatusCode: int(resp.StatusCode), Reason: "cancelled", Err: context.Canceled}
	}
	sess.Start(dlg.Context())

	slog.Info("[Originate] Call answered", "call_id", dlg.CallID, "remote_contact", dlg.RemoteContactURI)
	m.emit(m.callEvent(EventCallConnected, dlg))

	return &DialResult{
		CallID:     dlg.CallID,
		Outcome:    OutcomeConnected,
		StatusCode: int(resp.StatusCode),
		Reason:     resp.Reason,
	}
}

func (m *Manager) dialFailed(dlg *Dialog, outcome Outcome, code int, reason string, err error) *DialResult {
	dlg.Cancel()
	termReason := ReasonRejected
	if outcome == OutcomeNoAnswer && code == 408 {
		termReason = ReasonTimeout
	}
	if m.terminate(dlg, termReason) {
		ev := m.callEvent(EventCallFailed, dlg)
		ev.StatusCode = code
		ev.Reason = string(outcome) + ": " + reason
		ev.Err = err
		m.emit(ev)
	}
	return &DialResult{
		CallID:     dlg.CallID,
		Outcome:    outcome,
		StatusCode: code,
		Reason:     reason,
		Err:        err,
	}
}

// sendACK sends an ACK for a 2xx response.
// Per RFC 3261 Section 13.2.2.4 the ACK is a new request to the remote
// target, sent directly on the transport rather than in the INVITE
// transaction.
func (m *Manager) sendACK(dlg *Dialog, invite *sip.Request, resp *sip.Response) error {
	requestURI := invite.Recipient
	if contact := resp.Contact(); contact != nil {
		requestURI = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, requestURI)
	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)
	if to := resp.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params,
		})
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	dest := resp.Source()
	if dest == "" {
		dest = invite.Destination()
	}
	ack.SetDestination(dest)

	done := make(chan error, 1)
	go func() { done <- m.cfg.Client.WriteRequest(ack) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("write ACK: %w", err)
		}
	case <-time.After(m.cfg.CancelTimeout):
		return fmt.Errorf("ACK write did not complete within %s", m.cfg.CancelTimeout)
	}
	slog.Debug("[Originate] ACK sent", "call_id", dlg.CallID, "dest", dest)
	return nil
}

// sendCANCEL cancels our pending INVITE. Bounded by the cancel timeout so a
// silent far end never holds up Dial.
func (m *Manager) sendCANCEL(dlg *Dialog) {
	req, err := dlg.BuildCANCEL()
	if err != nil {
		slog.Warn("[Originate] Cannot build CANCEL", "call_id", dlg.CallID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CancelTimeout)
	defer cancel()

	tx, err := m.cfg.Client.TransactionRequest(ctx, req)
	if err != nil {
		slog.Warn("[Originate] Failed to send CANCEL", "call_id", dlg.CallID, "error", err)
		return
	}
	defer tx.Terminate()

	select {
	case resp := <-tx.Responses():
		if resp != nil {
			slog.Debug("[Originate] CANCEL response", "call_id", dlg.CallID, "status", resp.StatusCode)
		}
	case <-tx.Done():
	case <-ctx.Done():
		slog.Debug("[Originate] CANCEL unanswered", "call_id", dlg.CallID)
	}
}

type callIDKey struct{}

// WithCallID makes the next Dial using ctx use callID as its Call-ID, so
// callers can correlate events emitted before Dial returns.
func WithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, callIDKey{}, callID)
}

// CallIDFromContext returns the Call-ID set by WithCallID, or "".
func CallIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey{}).(string)
	return id
}

// NewCallID returns a fresh Call-ID for use with WithCallID.
func NewCallID() string {
	return generateCallID()
}

// generateCallID generates a unique Call-ID.
func generateCallID() string {
	return uuid.New().String()
}

// generateTag generates a unique tag for From/To headers.
func generateTag() string {
	return uuid.New().String()[:8]
}
