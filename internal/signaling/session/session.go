package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sebas/callpilot/internal/rtpmanager/bridge"
	"github.com/sebas/callpilot/internal/signaling/dtmf"
	"github.com/sebas/callpilot/internal/signaling/events"
	"github.com/sebas/callpilot/internal/signaling/store"
	"github.com/sebas/callpilot/internal/signaling/transcription"
)

// Status is the lifecycle status of a call session. Only the Registry
// changes it.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusEnded      Status = "ended"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether no further transition can happen.
func (s Status) IsTerminal() bool {
	return s == StatusEnded || s == StatusFailed
}

// Direction of a call.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// CallSession is the registry's record of one call.
type CallSession struct {
	mu sync.RWMutex

	ID          string
	DialogID    string
	AgentID     string
	PhoneNumber string
	Direction   Direction
	Status      Status
	History     []Status

	StartedAt   time.Time
	ConnectedAt time.Time
	EndedAt     time.Time
	EndReason   string

	ConversationID    string
	Recording         bool
	TransferRequested bool
	LastSpeechAt      time.Time
	Turns             int

	CampaignID     string
	CampaignCallID string
	initialMessage string

	// processingSpeech is set while a turn is in flight.
	processingSpeech atomic.Bool

	ctx      context.Context
	cancel   context.CancelFunc
	timers   *TimerTable
	detector *dtmf.Detector
	stream   *transcription.Stream
	speech   *events.Queue[utterance]
	recorder *recorder
	port     MediaPort
	peer     *bridge.ChanEndpoint
	bridgeID string
	inIVR    bool
	unsaved  []store.Message
	started  bool
	tornDown bool
}

// utterance is one queued playback. done is closed after it played.
type utterance struct {
	text string
	done chan struct{}
}

func (s *CallSession) setStatusLocked(st Status) {
	s.Status = st
	s.History = append(s.History, st)
}

// Info is a read-only snapshot of a CallSession.
type Info struct {
	ID                string    `json:"id"`
	DialogID          string    `json:"dialog_id"`
	AgentID           string    `json:"agent_id"`
	PhoneNumber       string    `json:"phone_number"`
	Direction         Direction `json:"direction"`
	Status            Status    `json:"status"`
	History           []Status  `json:"history"`
	StartedAt         time.Time `json:"started_at"`
	ConnectedAt       time.Time `json:"connected_at,omitzero"`
	EndedAt           time.Time `json:"ended_at,omitzero"`
	EndReason         string    `json:"end_reason,omitempty"`
	ConversationID    string    `json:"conversation_id,omitempty"`
	Recording         bool      `json:"recording"`
	TransferRequested bool      `json:"transfer_requested"`
	LastSpeechAt      time.Time `json:"last_speech_at,omitzero"`
	Turns             int       `json:"turns"`
	InIVR             bool      `json:"in_ivr"`
	Bridged           bool      `json:"bridged"`
	CampaignID        string    `json:"campaign_id,omitempty"`
	CampaignCallID    string    `json:"campaign_call_id,omitempty"`
}

// Info returns a snapshot.
func (s *CallSession) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		ID:                s.ID,
		DialogID:          s.DialogID,
		AgentID:           s.AgentID,
		PhoneNumber:       s.PhoneNumber,
		Direction:         s.Direction,
		Status:            s.Status,
		History:           append([]Status(nil), s.History...),
		StartedAt:         s.StartedAt,
		ConnectedAt:       s.ConnectedAt,
		EndedAt:           s.EndedAt,
		EndReason:         s.EndReason,
		ConversationID:    s.ConversationID,
		Recording:         s.Recording,
		TransferRequested: s.TransferRequested,
		LastSpeechAt:      s.LastSpeechAt,
		Turns:             s.Turns,
		InIVR:             s.inIVR,
		Bridged:           s.bridgeID != "",
		CampaignID:        s.CampaignID,
		CampaignCallID:    s.CampaignCallID,
	}
}

// Outcome is delivered to subscribers when a session connects and once
// when it reaches a terminal status.
type Outcome struct {
	SessionID      string
	DialogID       string
	CampaignID     string
	CampaignCallID string
	Status         Status
	Reason         string
	StatusCode     int
	At             time.Time
}
