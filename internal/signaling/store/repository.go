// Package store provides storage abstractions for callpilot.
//
// Storage is organized into two categories:
//
// 1. Ephemeral: short-lived data with TTL support
//   - Dialogs and agent registrations (TTLStore)
//   - Distributed dial slots shared by campaign schedulers (DialLimiter, Redis)
//
// 2. Persistent (SQL): long-term data requiring durability
//   - Conversations and their messages (transcripts and replies)
//   - Call records, campaigns and campaign calls
//   - Call recordings
//
// Memory implements every persistent interface for development and tests;
// Postgres is the production implementation.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one utterance in a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Confidence     float64   `json:"confidence,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Conversation groups the messages of one call.
type Conversation struct {
	ID        string     `json:"id"`
	AgentID   string     `json:"agent_id"`
	CallID    string     `json:"call_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// ConversationRepository persists conversations. AddMessage is idempotent
// on Message.ID.
type ConversationRepository interface {
	CreateConversation(ctx context.Context, agentID, callID string) (string, error)
	AddMessage(ctx context.Context, conversationID string, msg Message) error
	EndConversation(ctx context.Context, conversationID string) error
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
}

// CallRecord is the persisted summary of one call session.
type CallRecord struct {
	ID                string     `json:"id"`
	DialogID          string     `json:"dialog_id"`
	AgentID           string     `json:"agent_id"`
	PhoneNumber       string     `json:"phone_number"`
	Direction         string     `json:"direction"`
	Status            string     `json:"status"`
	EndReason         string     `json:"end_reason,omitempty"`
	ConversationID    string     `json:"conversation_id,omitempty"`
	CampaignCallID    string     `json:"campaign_call_id,omitempty"`
	TransferRequested bool       `json:"transfer_requested"`
	StartedAt         time.Time  `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
}

// CallRepository persists call records. SaveCall is an upsert keyed by ID.
type CallRepository interface {
	SaveCall(ctx context.Context, rec *CallRecord) error
	GetCall(ctx context.Context, id string) (*CallRecord, error)
}

// CampaignRecord is the persisted form of an outbound campaign.
type CampaignRecord struct {
	ID              string    `json:"id"`
	AgentID         string    `json:"agent_id"`
	Name            string    `json:"name"`
	Status          string    `json:"status"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	MaxRetries      int       `json:"max_retries"`
	RetryDelay      int64     `json:"retry_delay_ms"`
	CallTimeout     int64     `json:"call_timeout_ms"`
	InitialMessage  string    `json:"initial_message,omitempty"`
	TotalCalls      int       `json:"total_calls"`
	CompletedCalls  int       `json:"completed_calls"`
	SuccessfulCalls int       `json:"successful_calls"`
	FailedCalls     int       `json:"failed_calls"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// CampaignCallRecord is the persisted form of one dial target.
type CampaignCallRecord struct {
	ID          string    `json:"id"`
	CampaignID  string    `json:"campaign_id"`
	PhoneNumber string    `json:"phone_number"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Outcome     string    `json:"outcome,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CampaignRepository persists campaigns and their calls (upserts).
type CampaignRepository interface {
	SaveCampaign(ctx context.Context, rec *CampaignRecord) error
	SaveCampaignCall(ctx context.Context, rec *CampaignCallRecord) error
	ListCampaigns(ctx context.Context) ([]*CampaignRecord, error)
}

// Recording is a finished call recording.
type Recording struct {
	CallID      string    `json:"call_id"`
	ContentType string    `json:"content_type"`
	Data        []byte    `json:"-"`
	Duration    int64     `json:"duration_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// RecordingRepository stores recordings.
type RecordingRepository interface {
	SaveRecording(ctx context.Context, rec *Recording) error
}

// Repository is the full persistence surface used by the app.
type Repository interface {
	ConversationRepository
	CallRepository
	CampaignRepository
	RecordingRepository
	Close()
}
