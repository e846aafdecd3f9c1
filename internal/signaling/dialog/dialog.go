package dialog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/callpilot/internal/rtpmanager/media"
)

// Direction indicates whether we initiated or received the dialog
type Direction int

const (
	// DirectionInbound - we received the INVITE (UAS role)
	DirectionInbound Direction = iota
	// DirectionOutbound - we sent the INVITE (UAC role)
	DirectionOutbound
)

// String returns the string representation of the direction
func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "inbound"
	case DirectionOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// Dialog is one call's SIP dialog plus the RTP session bound to it.
type Dialog struct {
	mu sync.RWMutex

	// Identification per RFC 3261 Section 12
	CallID    string
	LocalTag  string
	RemoteTag string

	Direction Direction

	// AgentID is the agent that owns the call; PhoneNumber is the far end.
	AgentID     string
	PhoneNumber string

	// State machine
	State          CallState
	CreatedAt      time.Time
	StateChangedAt time.Time
	ConnectedAt    time.Time

	// SIP layer (from sipgo); Session and Transaction are set for inbound
	// dialogs only.
	Session     *sipgo.DialogServerSession
	Transaction sip.ServerTransaction

	// Original request/response for in-dialog request construction
	InviteRequest  *sip.Request
	InviteResponse *sip.Response

	// RemoteContactURI is the Request-URI for in-dialog requests on
	// outbound dialogs (Contact of the 2xx).
	RemoteContactURI string

	media *media.Session

	// localCSeq is the CSeq of the last request we sent in this dialog.
	localCSeq atomic.Uint32

	ctx    context.Context
	cancel context.CancelFunc

	TerminateReason TerminateReason
}

// Info is a read-only snapshot of a dialog.
type Info struct {
	CallID      string    `json:"call_id"`
	AgentID     string    `json:"agent_id"`
	PhoneNumber string    `json:"phone_number"`
	Direction   string    `json:"direction"`
	State       string    `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
}

// NewDialog creates a new dialog from an incoming INVITE request
func NewDialog(req *sip.Request, tx sip.ServerTransaction) *Dialog {
	ctx, cancel := context.WithCancel(context.Background())

	remoteTag := ""
	phone := ""
	if from := req.From(); from != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			remoteTag = tag
		}
		phone = from.Address.User
	}

	// Our next request will be the INVITE's CSeq + 1
	var initialCSeq uint32
	if cseq := req.CSeq(); cseq != nil {
		initialCSeq = cseq.SeqNo
	}

	now := time.Now()
	d := &Dialog{
		CallID:         callIDOf(req),
		RemoteTag:      remoteTag,
		Direction:      DirectionInbound,
		PhoneNumber:    phone,
		State:          StateInitial,
		CreatedAt:      now,
		StateChangedAt: now,
		InviteRequest:  req,
		Transaction:    tx,
		ctx:            ctx,
		cancel:         cancel,
	}
	d.localCSeq.Store(initialCSeq)
	return d
}

// NewOutboundDialog creates a dialog for an INVITE we are about to send.
// It stays in StateInitial until a response arrives.
func NewOutboundDialog(invite *sip.Request, agentID, phone string) *Dialog {
	ctx, cancel := context.WithCancel(context.Background())

	localTag := ""
	if from := invite.From(); from != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			localTag = tag
		}
	}

	var initialCSeq uint32 = 1
	if cseq := invite.CSeq(); cseq != nil {
		initialCSeq = cseq.SeqNo
	}

	now := time.Now()
	d := &Dialog{
		CallID:         callIDOf(invite),
		LocalTag:       localTag,
		Direction:      DirectionOutbound,
		AgentID:        agentID,
		PhoneNumber:    phone,
		State:          StateInitial,
		CreatedAt:      now,
		StateChangedAt: now,
		InviteRequest:  invite,
		ctx:            ctx,
		cancel:         cancel,
	}
	d.localCSeq.Store(initialCSeq)
	return d
}

func callIDOf(req *sip.Request) string {
	if req.CallID() == nil {
		return ""
	}
	// .String() adds the "Call-ID: " prefix
	return string(*req.CallID())
}

// SetSession sets the sipgo DialogServerSession after it's created
func (d *Dialog) SetSession(session *sipgo.DialogServerSession) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Session = session
}

// SetInviteResponse stores our final response to an inbound INVITE.
func (d *Dialog) SetInviteResponse(resp *sip.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.InviteResponse = resp
	if to := resp.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			d.LocalTag = tag
		}
	}
}

// setAnswer records the 2xx to our outbound INVITE.
func (d *Dialog) setAnswer(resp *sip.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.InviteResponse = resp
	if to := resp.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			d.RemoteTag = tag
		}
	}
	if contact := resp.Contact(); contact != nil {
		d.RemoteContactURI = contact.Address.String()
	}
}

func (d *Dialog) setMedia(s *media.Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.media = s
}

// Media returns the RTP session bound to the dialog, if any.
func (d *Dialog) Media() *media.Session {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.media
}

func (d *Dialog) setAgent(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.AgentID = agentID
}

// GetState returns the current dialog state
func (d *Dialog) GetState() CallState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.State
}

// TransitionTo attempts to transition to a new state
func (d *Dialog) TransitionTo(newState CallState) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.State.CanTransitionTo(newState) {
		return fmt.Errorf("invalid state transition: %s -> %s", d.State, newState)
	}

	d.State = newState
	d.StateChangedAt = time.Now()
	if newState == StateConfirmed {
		d.ConnectedAt = d.StateChangedAt
	}
	return nil
}

// Context is cancelled when the dialog terminates.
func (d *Dialog) Context() context.Context {
	return d.ctx
}

// Cancel cancels the dialog's context
func (d *Dialog) Cancel() {
	d.cancel()
}

// IsTerminated returns true if dialog is in terminal state
func (d *Dialog) IsTerminated() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.State == StateTerminated
}

// Info returns a snapshot for display.
func (d *Dialog) Info() Info {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Info{
		CallID:      d.CallID,
		AgentID:     d.AgentID,
		PhoneNumber: d.PhoneNumber,
		Direction:   d.Direction.String(),
		State:       d.State.String(),
		CreatedAt:   d.CreatedAt,
		ConnectedAt: d.ConnectedAt,
	}
}

// remoteTargetLocked picks the Request-URI for in-dialog requests.
func (d *Dialog) remoteTargetLocked() (sip.Uri, error) {
	var recipient sip.Uri
	if d.Direction == DirectionOutbound {
		switch {
		case d.RemoteContactURI != "":
			if err := sip.ParseUri(d.RemoteContactURI, &recipient); err != nil {
				return recipient, fmt.Errorf("cannot parse remote contact URI: %w", err)
			}
		case d.InviteResponse != nil && d.InviteResponse.Contact() != nil:
			recipient = d.InviteResponse.Contact().Address
		default:
			recipient = d.InviteRequest.Recipient
		}
		return recipient, nil
	}

	if contact := d.InviteRequest.Contact(); contact != nil {
		recipient = contact.Address
		recipient.UriParams = sip.NewParams()
	} else {
		recipient = d.InviteRequest.From().Address
	}
	return recipient, nil
}

// BuildBYE constructs a BYE request for this dialog
// Per RFC 3261 Section 12.2.1.1, in-dialog requests use the dialog's identifiers
func (d *Dialog) BuildBYE(localContact sip.Uri) (*sip.Request, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.InviteRequest == nil {
		return nil, fmt.Errorf("cannot build BYE: missing INVITE request")
	}

	recipient, err := d.remoteTargetLocked()
	if err != nil {
		return nil, err
	}
	bye := sip.NewRequest(sip.BYE, recipient)

	if len(d.InviteRequest.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", d.InviteRequest, bye)
	}

	if d.Direction == DirectionOutbound {
		// UAC: From/To as in our INVITE, To gains the remote tag
		if from := d.InviteRequest.From(); from != nil {
			bye.AppendHeader(&sip.FromHeader{
				DisplayName: from.DisplayName,
				Address:     from.Address,
				Params:      from.Params.Clone(),
			})
		}
		if to := d.InviteRequest.To(); to != nil {
			toHdr := &sip.ToHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      sip.NewParams(),
			}
			if d.RemoteTag != "" {
				toHdr.Params.Add("tag", d.RemoteTag)
			}
			bye.AppendHeader(toHdr)
		}
	} else {
		// UAS: From/To swapped
		if d.InviteResponse != nil {
			if to := d.InviteResponse.To(); to != nil {
				bye.AppendHeader(&sip.FromHeader{
					DisplayName: to.DisplayName,
					Address:     to.Address,
					Params:      to.Params.Clone(),
				})
			}
		}
		if from := d.InviteRequest.From(); from != nil {
			bye.AppendHeader(&sip.ToHeader{
				DisplayName: from.DisplayName,
				Address:     from.Address,
				Params:      from.Params.Clone(),
			})
		}
	}

	if callIDHdr := d.InviteRequest.CallID(); callIDHdr != nil {
		bye.AppendHeader(callIDHdr)
	}
	bye.AppendHeader(&sip.CSeqHeader{
		SeqNo:      d.localCSeq.Add(1),
		MethodName: sip.BYE,
	})
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)
	bye.AppendHeader(&sip.ContactHeader{Address: localContact})

	return bye, nil
}

// BuildCANCEL constructs a CANCEL for our pending outbound INVITE
// (RFC 3261 Section 9.1).
func (d *Dialog) BuildCANCEL() (*sip.Request, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	invite := d.InviteRequest
	if invite == nil || d.Direction != DirectionOutbound {
		return nil, fmt.Errorf("cannot build CANCEL: not an outbound INVITE")
	}

	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)
	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{
			SeqNo:      cseq.SeqNo,
			MethodName: sip.CANCEL,
		})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)
	if dest := invite.Destination(); dest != "" {
		cancelReq.SetDestination(dest)
	}
	return cancelReq, nil
}
