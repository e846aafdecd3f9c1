package dialog

import "time"

// EventType identifies a call or registration outcome.
type EventType string

const (
	EventCallConnecting     EventType = "call.connecting"
	EventCallConnected      EventType = "call.connected"
	EventCallFailed         EventType = "call.failed"
	EventCallEnded          EventType = "call.ended"
	EventRegistered         EventType = "registration.registered"
	EventRegistrationFailed EventType = "registration.failed"
	EventUnregistered       EventType = "registration.unregistered"
	EventDigitReceived      EventType = "call.digit"
)

// Event is delivered on Manager.Events() in emission order.
type Event struct {
	Type        EventType
	CallID      string
	AgentID     string
	PhoneNumber string
	Direction   Direction

	// Reason is set on CallFailed, CallEnded and RegistrationFailed.
	Reason     string
	StatusCode int
	Err        error

	// Digit is set on DigitReceived.
	Digit rune

	At time.Time
}
