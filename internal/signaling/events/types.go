// Package events provides call, IVR and campaign outcome events and the
// publishers that ship them off the node. It also carries the ordered
// in-process Queue the signaling components deliver their Events() through.
package events

import "time"

// EventType identifies the type of event
type EventType string

const (
	// CallConnected fires when media is up and the session is live
	CallConnected EventType = "call.connected"
	// CallEnded fires when a connected call terminates (any reason)
	CallEnded EventType = "call.ended"
	// CallFailed fires when a call never connected
	CallFailed EventType = "call.failed"
	// CallTransferRequested fires when the caller asked for a human
	CallTransferRequested EventType = "call.transfer_requested"

	// IVRAction fires when a menu item acted (submenu, custom, transfer...)
	IVRAction EventType = "ivr.action"
	// IVREnded fires when the caller left the menu tree
	IVREnded EventType = "ivr.ended"

	// CampaignCallResult fires for every terminal or retried campaign call
	CampaignCallResult EventType = "campaign.call_result"
	// CampaignStatusChanged fires on pending/active/paused/completed/cancelled
	CampaignStatusChanged EventType = "campaign.status_changed"
)

// EndReason explains why a call ended
type EndReason string

const (
	EndReasonNormal      EndReason = "normal"       // Remote or local hangup
	EndReasonBusy        EndReason = "busy"         // 486/600
	EndReasonNoAnswer    EndReason = "no_answer"    // Dial timeout, 408/480/487
	EndReasonCancelled   EndReason = "cancelled"    // Campaign cancel, CANCEL
	EndReasonRejected    EndReason = "rejected"     // Other 4xx/5xx/6xx
	EndReasonError       EndReason = "error"        // Internal error
	EndReasonMaxDuration EndReason = "max_duration" // Hard call length limit
	EndReasonTransfer    EndReason = "transfer"     // Handed to a human
	EndReasonIVR         EndReason = "ivr_hangup"   // IVR hangup action
)

// Direction indicates call direction
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Event is the base interface for all published events
type Event interface {
	// Type returns the event type for routing/filtering
	Type() EventType
	// Subject returns the pub/sub subject this event publishes to
	Subject() string
	// Timestamp returns when the event occurred
	Timestamp() time.Time
	// CallID returns the primary correlation ID
	CallID() string
}

// BaseEvent contains fields common to all events
type BaseEvent struct {
	// EventID is unique per event instance (for deduplication)
	EventID   string    `json:"event_id"`
	EventType EventType `json:"event_type"`
	EventTime time.Time `json:"event_time"`
	// SessionID is the call session ID (stable across the call)
	SessionID string `json:"session_id,omitempty"`
	// SIPCallID is the SIP Call-ID header value
	SIPCallID  string `json:"sip_call_id,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
	CampaignID string `json:"campaign_id,omitempty"`
	// NodeID identifies the callpilot instance
	NodeID string `json:"node_id,omitempty"`
}

func (e *BaseEvent) Type() EventType      { return e.EventType }
func (e *BaseEvent) Timestamp() time.Time { return e.EventTime }
func (e *BaseEvent) CallID() string       { return e.SessionID }

// Subject returns the pub/sub subject for routing.
// Call and IVR events: callpilot.calls.<session_id>.<suffix>
// Campaign events:     callpilot.campaigns.<campaign_id>.<suffix>
func (e *BaseEvent) Subject() string {
	if e.EventType == CampaignCallResult || e.EventType == CampaignStatusChanged {
		return CampaignSubject(e.CampaignID, SubjectForEventType(e.EventType))
	}
	return CallSubject(e.SessionID, SubjectForEventType(e.EventType))
}

// CallConnectedEvent is published when a session goes live.
type CallConnectedEvent struct {
	BaseEvent
	Direction      Direction `json:"direction"`
	PhoneNumber    string    `json:"phone_number,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	IVRMenu        string    `json:"ivr_menu,omitempty"`
	Recording      bool      `json:"recording"`
}

// CallEndedEvent is published once per session, on ended or failed.
type CallEndedEvent struct {
	BaseEvent
	Direction   Direction `json:"direction"`
	PhoneNumber string    `json:"phone_number,omitempty"`

	Reason       EndReason `json:"end_reason"`
	ReasonDetail string    `json:"end_reason_detail,omitempty"`
	SIPCode      int       `json:"sip_code,omitempty"`
	Connected    bool      `json:"connected"`

	StartedAt   time.Time  `json:"started_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	EndedAt     time.Time  `json:"ended_at"`
	// DurationMs covers start to end; TalkMs covers connect to end.
	DurationMs int64 `json:"duration_ms"`
	TalkMs     int64 `json:"talk_ms"`

	Turns             int  `json:"turns"`
	TransferRequested bool `json:"transfer_requested"`
}

// TransferRequestedEvent is published when a transfer keyword matched.
type TransferRequestedEvent struct {
	BaseEvent
	Utterance string `json:"utterance"`
	Keyword   string `json:"keyword"`
}

// IVREvent is published for IVR actions and IVR exit.
type IVREvent struct {
	BaseEvent
	MenuID string `json:"menu_id"`
	Digits string `json:"digits,omitempty"`
	Action string `json:"action,omitempty"`
	Target string `json:"target,omitempty"`
	Data   string `json:"data,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// CampaignCallEvent is published for each campaign call outcome.
type CampaignCallEvent struct {
	BaseEvent
	CampaignCallID string    `json:"campaign_call_id"`
	PhoneNumber    string    `json:"phone_number"`
	Outcome        string    `json:"outcome"`
	Status         string    `json:"status"`
	Attempts       int       `json:"attempts"`
	NextAttemptAt  time.Time `json:"next_attempt_at,omitzero"`
}

// CampaignStatusEvent is published on every campaign status change.
type CampaignStatusEvent struct {
	BaseEvent
	Name           string `json:"name"`
	Status         string `json:"status"`
	PreviousStatus string `json:"previous_status,omitempty"`
	TotalCalls     int    `json:"total_calls"`
	CompletedCalls int    `json:"completed_calls"`
	FailedCalls    int    `json:"failed_calls"`
}
