package events

import (
	"time"

	"github.com/google/uuid"
)

// Builder provides fluent construction of events with consistent defaults.
type Builder struct {
	nodeID string
}

// NewBuilder creates an event builder stamping every event with nodeID.
func NewBuilder(nodeID string) *Builder {
	return &Builder{nodeID: nodeID}
}

// newBase creates a BaseEvent with common fields populated.
func (b *Builder) newBase(eventType EventType, sessionID, sipCallID string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		EventTime: time.Now().UTC(),
		SessionID: sessionID,
		SIPCallID: sipCallID,
		NodeID:    b.nodeID,
	}
}

// CallConnectedBuilder constructs CallConnectedEvent.
type CallConnectedBuilder struct {
	event *CallConnectedEvent
}

// CallConnected starts building a CallConnectedEvent.
func (b *Builder) CallConnected(sessionID, sipCallID string) *CallConnectedBuilder {
	return &CallConnectedBuilder{
		event: &CallConnectedEvent{
			BaseEvent: b.newBase(CallConnected, sessionID, sipCallID),
			Direction: DirectionInbound,
		},
	}
}

func (cb *CallConnectedBuilder) Direction(d Direction) *CallConnectedBuilder {
	cb.event.Direction = d
	return cb
}

func (cb *CallConnectedBuilder) Agent(agentID string) *CallConnectedBuilder {
	cb.event.AgentID = agentID
	return cb
}

func (cb *CallConnectedBuilder) PhoneNumber(n string) *CallConnectedBuilder {
	cb.event.PhoneNumber = n
	return cb
}

func (cb *CallConnectedBuilder) Conversation(id string) *CallConnectedBuilder {
	cb.event.ConversationID = id
	return cb
}

func (cb *CallConnectedBuilder) Campaign(id string) *CallConnectedBuilder {
	cb.event.CampaignID = id
	return cb
}

func (cb *CallConnectedBuilder) IVRMenu(menuID string) *CallConnectedBuilder {
	cb.event.IVRMenu = menuID
	return cb
}

func (cb *CallConnectedBuilder) Recording(on bool) *CallConnectedBuilder {
	cb.event.Recording = on
	return cb
}

func (cb *CallConnectedBuilder) Build() *CallConnectedEvent {
	return cb.event
}

// CallEndedBuilder constructs CallEndedEvent. A call that never connected
// is built as call.failed.
type CallEndedBuilder struct {
	event *CallEndedEvent
}

// CallEnded starts building a CallEndedEvent.
func (b *Builder) CallEnded(sessionID, sipCallID string) *CallEndedBuilder {
	return &CallEndedBuilder{
		event: &CallEndedEvent{
			BaseEvent: b.newBase(CallEnded, sessionID, sipCallID),
			Direction: DirectionInbound,
			Reason:    EndReasonNormal,
		},
	}
}

func (cb *CallEndedBuilder) Direction(d Direction) *CallEndedBuilder {
	cb.event.Direction = d
	return cb
}

func (cb *CallEndedBuilder) Agent(agentID string) *CallEndedBuilder {
	cb.event.AgentID = agentID
	return cb
}

func (cb *CallEndedBuilder) PhoneNumber(n string) *CallEndedBuilder {
	cb.event.PhoneNumber = n
	return cb
}

func (cb *CallEndedBuilder) Campaign(id string) *CallEndedBuilder {
	cb.event.CampaignID = id
	return cb
}

func (cb *CallEndedBuilder) Reason(reason EndReason, detail string) *CallEndedBuilder {
	cb.event.Reason = reason
	cb.event.ReasonDetail = detail
	return cb
}

func (cb *CallEndedBuilder) SIPCode(code int) *CallEndedBuilder {
	cb.event.SIPCode = code
	return cb
}

func (cb *CallEndedBuilder) Turns(n int, transferRequested bool) *CallEndedBuilder {
	cb.event.Turns = n
	cb.event.TransferRequested = transferRequested
	return cb
}

// Times sets the call timeline and derives durations. A zero connectedAt
// marks the call as failed.
func (cb *CallEndedBuilder) Times(startedAt, connectedAt, endedAt time.Time) *CallEndedBuilder {
	cb.event.StartedAt = startedAt
	cb.event.EndedAt = endedAt
	cb.event.DurationMs = endedAt.Sub(startedAt).Milliseconds()
	if !connectedAt.IsZero() {
		t := connectedAt
		cb.event.ConnectedAt = &t
		cb.event.TalkMs = endedAt.Sub(connectedAt).Milliseconds()
	}
	return cb
}

func (cb *CallEndedBuilder) Build() *CallEndedEvent {
	cb.event.Connected = cb.event.ConnectedAt != nil
	if !cb.event.Connected {
		cb.event.EventType = CallFailed
	}
	return cb.event
}

// TransferRequested builds a TransferRequestedEvent.
func (b *Builder) TransferRequested(sessionID, sipCallID, agentID, utterance, keyword string) *TransferRequestedEvent {
	ev := &TransferRequestedEvent{
		BaseEvent: b.newBase(CallTransferRequested, sessionID, sipCallID),
		Utterance: utterance,
		Keyword:   keyword,
	}
	ev.AgentID = agentID
	return ev
}

// IVRAction builds an IVREvent for an acted menu item.
func (b *Builder) IVRAction(sessionID, menuID, digits, action, target, data string) *IVREvent {
	return &IVREvent{
		BaseEvent: b.newBase(IVRAction, sessionID, ""),
		MenuID:    menuID,
		Digits:    digits,
		Action:    action,
		Target:    target,
		Data:      data,
	}
}

// IVREnded builds an IVREvent for leaving the menu tree.
func (b *Builder) IVREnded(sessionID, menuID, reason string) *IVREvent {
	return &IVREvent{
		BaseEvent: b.newBase(IVREnded, sessionID, ""),
		MenuID:    menuID,
		Reason:    reason,
	}
}

// CampaignCallBuilder constructs CampaignCallEvent.
type CampaignCallBuilder struct {
	event *CampaignCallEvent
}

// CampaignCall starts building a CampaignCallEvent.
func (b *Builder) CampaignCall(campaignID, campaignCallID string) *CampaignCallBuilder {
	base := b.newBase(CampaignCallResult, "", "")
	base.CampaignID = campaignID
	return &CampaignCallBuilder{
		event: &CampaignCallEvent{BaseEvent: base, CampaignCallID: campaignCallID},
	}
}

func (cb *CampaignCallBuilder) Session(sessionID, sipCallID string) *CampaignCallBuilder {
	cb.event.SessionID = sessionID
	cb.event.SIPCallID = sipCallID
	return cb
}

func (cb *CampaignCallBuilder) Agent(agentID string) *CampaignCallBuilder {
	cb.event.AgentID = agentID
	return cb
}

func (cb *CampaignCallBuilder) PhoneNumber(n string) *CampaignCallBuilder {
	cb.event.PhoneNumber = n
	return cb
}

func (cb *CampaignCallBuilder) Result(outcome, status string, attempts int) *CampaignCallBuilder {
	cb.event.Outcome = outcome
	cb.event.Status = status
	cb.event.Attempts = attempts
	return cb
}

func (cb *CampaignCallBuilder) NextAttempt(at time.Time) *CampaignCallBuilder {
	cb.event.NextAttemptAt = at.UTC()
	return cb
}

func (cb *CampaignCallBuilder) Build() *CampaignCallEvent {
	return cb.event
}

// CampaignStatus builds a CampaignStatusEvent.
func (b *Builder) CampaignStatus(campaignID, name, status, previous string, total, completed, failed int) *CampaignStatusEvent {
	base := b.newBase(CampaignStatusChanged, "", "")
	base.CampaignID = campaignID
	return &CampaignStatusEvent{
		BaseEvent:      base,
		Name:           name,
		Status:         status,
		PreviousStatus: previous,
		TotalCalls:     total,
		CompletedCalls: completed,
		FailedCalls:    failed,
	}
}
