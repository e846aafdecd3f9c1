package dialog

import "fmt"

// CallState represents the lifecycle state of a SIP dialog
type CallState int

const (
	// StateInitial is the state of a fresh dialog before any response
	StateInitial CallState = iota
	// StateEarly is after a provisional response (100 Trying sent, 180/183 received)
	StateEarly
	// StateWaitingACK is after 200 OK sent, awaiting ACK
	StateWaitingACK
	// StateConfirmed is after ACK received (UAS) or sent (UAC)
	StateConfirmed
	// StateTerminating is when BYE has been sent, awaiting response
	StateTerminating
	// StateTerminated is the final state after dialog ends
	StateTerminated
)

// String returns the string representation of the state
func (s CallState) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateEarly:
		return "Early"
	case StateWaitingACK:
		return "WaitingACK"
	case StateConfirmed:
		return "Confirmed"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// validTransitions defines which state transitions are allowed. The UAC
// path skips WaitingACK: we send the ACK ourselves on 2xx.
var validTransitions = map[CallState][]CallState{
	StateInitial:     {StateEarly, StateConfirmed, StateTerminated},
	StateEarly:       {StateWaitingACK, StateConfirmed, StateTerminated},
	StateWaitingACK:  {StateConfirmed, StateTerminated},
	StateConfirmed:   {StateTerminating, StateTerminated},
	StateTerminating: {StateTerminated},
	StateTerminated:  {},
}

// CanTransitionTo checks if a transition from current state to next state is valid
func (s CallState) CanTransitionTo(next CallState) bool {
	for _, state := range validTransitions[s] {
		if state == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if this is a terminal state
func (s CallState) IsTerminal() bool {
	return s == StateTerminated
}

// IsEarly reports whether the INVITE transaction is still open.
func (s CallState) IsEarly() bool {
	return s == StateInitial || s == StateEarly
}

// TerminateReason explains why a dialog was terminated
type TerminateReason int

const (
	// ReasonLocalBYE means we ended the call
	ReasonLocalBYE TerminateReason = iota
	// ReasonRemoteBYE means the remote party sent BYE
	ReasonRemoteBYE
	// ReasonCancel means the INVITE was cancelled before answer
	ReasonCancel
	// ReasonTimeout means an ACK, answer or dial timeout elapsed
	ReasonTimeout
	// ReasonRejected means the far end answered the INVITE with >= 300
	ReasonRejected
	// ReasonError means an error occurred
	ReasonError
)

// String returns the string representation of the termination reason
func (r TerminateReason) String() string {
	switch r {
	case ReasonLocalBYE:
		return "LocalBYE"
	case ReasonRemoteBYE:
		return "RemoteBYE"
	case ReasonCancel:
		return "Cancel"
	case ReasonTimeout:
		return "Timeout"
	case ReasonRejected:
		return "Rejected"
	case ReasonError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(%d)", r)
	}
}
