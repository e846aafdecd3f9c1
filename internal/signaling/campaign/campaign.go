// Package campaign schedules outbound calling campaigns: it queues one call
// per target number, dials at a fixed pace through the session registry,
// retries no-answer and busy outcomes, and keeps per-campaign counters.
package campaign

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrCampaignNotFound  = errors.New("campaign not found")
	ErrInvalidCampaign   = errors.New("invalid campaign")
	ErrInvalidTransition = errors.New("invalid campaign status transition")
)

// Defaults
const (
	DefaultRetryDelay    = 5 * time.Minute
	DefaultCallTimeout   = 30 * time.Second
	DefaultTickInterval  = 5 * time.Second
	DefaultSweepInterval = 60 * time.Second
)

// Status of a campaign.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the campaign can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CallStatus of one target number.
type CallStatus string

const (
	CallPending   CallStatus = "pending"
	CallCalling   CallStatus = "calling"
	CallConnected CallStatus = "connected"
	CallCompleted CallStatus = "completed"
	CallFailed    CallStatus = "failed"
	CallCancelled CallStatus = "cancelled"
)

// IsTerminal reports whether no further attempt will be made.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallCompleted, CallFailed, CallCancelled:
		return true
	}
	return false
}

// Outcome classifies one dial attempt.
type Outcome string

const (
	OutcomeConnected Outcome = "connected"
	OutcomeCompleted Outcome = "completed"
	OutcomeNoAnswer  Outcome = "no_answer"
	OutcomeBusy      Outcome = "busy"
	OutcomeFailed    Outcome = "failed"
)

// Retryable reports whether the policy may try the number again.
func (o Outcome) Retryable() bool {
	return o == OutcomeNoAnswer || o == OutcomeBusy
}

// Campaign is a batch of outbound calls sharing one retry policy.
type Campaign struct {
	ID             string        `json:"id"`
	AgentID        string        `json:"agent_id"`
	Name           string        `json:"name"`
	PhoneNumbers   []string      `json:"phone_numbers"`
	ScheduledAt    time.Time     `json:"scheduled_at"`
	MaxRetries     int           `json:"max_retries"`
	RetryDelay     time.Duration `json:"retry_delay"`
	CallTimeout    time.Duration `json:"call_timeout"`
	InitialMessage string        `json:"initial_message,omitempty"`

	TotalCalls      int `json:"total_calls"`
	CompletedCalls  int `json:"completed_calls"`
	SuccessfulCalls int `json:"successful_calls"`
	FailedCalls     int `json:"failed_calls"`

	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *Campaign) clone() *Campaign {
	out := *c
	out.PhoneNumbers = append([]string(nil), c.PhoneNumbers...)
	return &out
}

// Call is one target number of a campaign.
type Call struct {
	ID          string     `json:"id"`
	CampaignID  string     `json:"campaign_id"`
	PhoneNumber string     `json:"phone_number"`
	Status      CallStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	Outcome     Outcome    `json:"outcome,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	SessionID   string     `json:"session_id,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// counted is set once the call contributed to the campaign counters.
	counted bool
}

// CreateRequest describes a new campaign. MaxRetries is the number of
// retries after the first attempt; zero disables retries.
type CreateRequest struct {
	AgentID        string        `json:"agent_id"`
	Name           string        `json:"name"`
	PhoneNumbers   []string      `json:"phone_numbers"`
	ScheduledAt    time.Time     `json:"scheduled_at"`
	MaxRetries     int           `json:"max_retries"`
	RetryDelay     time.Duration `json:"retry_delay"`
	CallTimeout    time.Duration `json:"call_timeout"`
	InitialMessage string        `json:"initial_message"`
}

// normalize validates req and returns the deduplicated target list.
func (req *CreateRequest) normalize() ([]string, error) {
	if strings.TrimSpace(req.AgentID) == "" {
		return nil, fmt.Errorf("%w: agent_id required", ErrInvalidCampaign)
	}
	if req.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: max_retries must not be negative", ErrInvalidCampaign)
	}
	if req.RetryDelay < 0 || req.CallTimeout < 0 {
		return nil, fmt.Errorf("%w: durations must not be negative", ErrInvalidCampaign)
	}
	if req.RetryDelay == 0 {
		req.RetryDelay = DefaultRetryDelay
	}
	if req.CallTimeout == 0 {
		req.CallTimeout = DefaultCallTimeout
	}

	seen := make(map[string]bool, len(req.PhoneNumbers))
	numbers := make([]string, 0, len(req.PhoneNumbers))
	for _, n := range req.PhoneNumbers {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		numbers = append(numbers, n)
	}
	if len(numbers) == 0 {
		return nil, fmt.Errorf("%w: at least one phone number required", ErrInvalidCampaign)
	}
	return numbers, nil
}
