package ivr

import "time"

// EventType identifies an IVR outcome.
type EventType string

const (
	EventMenuEntered        EventType = "menu_entered"
	EventInvalidInput       EventType = "invalid_input"
	EventMaxRetriesExceeded EventType = "max_retries_exceeded"
	EventTimeout            EventType = "timeout"
	EventTransfer           EventType = "transfer"
	EventAgent              EventType = "agent"
	EventHangup             EventType = "hangup"
	EventCustomAction       EventType = "custom_action"
	EventEnded              EventType = "ended"
)

// Final reports whether the session no longer exists after this event.
func (t EventType) Final() bool {
	switch t {
	case EventMaxRetriesExceeded, EventTimeout, EventTransfer, EventAgent, EventHangup, EventEnded:
		return true
	}
	return false
}

// Event is emitted on every IVR transition. Prompt carries the text the
// call should hear next, if any.
type Event struct {
	Type       EventType `json:"type"`
	SessionID  string    `json:"session_id"`
	MenuID     string    `json:"menu_id"`
	Prompt     string    `json:"prompt,omitempty"`
	Item       *Item     `json:"item,omitempty"`
	RetryCount int       `json:"retry_count,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}
