package dialog

import (
	"context"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/callpilot/internal/rtpmanager/media"
)

// CallControl is the part of the manager the call registry and the
// campaign scheduler drive. Tests substitute fakes.
type CallControl interface {
	// Dial places an outbound call and blocks at most the dial timeout.
	Dial(ctx context.Context, agentID, phone string) (*DialResult, error)

	// End hangs up a call. Unknown or finished calls are a no-op.
	End(callID string) error

	// Media returns the RTP session of a live call.
	Media(callID string) (*media.Session, bool)
}

// SIPHandler is what the SIP server routes requests to.
type SIPHandler interface {
	Accept(req *sip.Request, tx sip.ServerTransaction) error
	HandleACK(req *sip.Request, tx sip.ServerTransaction) error
	HandleBYE(req *sip.Request, tx sip.ServerTransaction) error
	HandleCANCEL(req *sip.Request, tx sip.ServerTransaction) error
	HandleINFO(req *sip.Request, tx sip.ServerTransaction) error
}

// Ensure Manager implements both
var (
	_ CallControl = (*Manager)(nil)
	_ SIPHandler  = (*Manager)(nil)
)
