package drain

import (
	"errors"
	"time"
)

var (
	ErrDrainInProgress = errors.New("drain already in progress")
	ErrNotDraining     = errors.New("no drain in progress")
)

// Mode configures how aggressively drain behaves
type Mode string

const (
	// ModeGraceful waits for calls to end on their own and leaves any
	// that outlive the timeout running
	ModeGraceful Mode = "graceful"
	// ModeAggressive hangs up calls still live at the timeout, guarantees
	// drain completion
	ModeAggressive Mode = "aggressive"
)

// State of the process with respect to new calls.
type State string

const (
	StateActive   State = "active"
	StateDraining State = "draining"
	StateDrained  State = "drained"
)

// Request contains the parameters for a drain operation
type Request struct {
	Mode    Mode
	Timeout time.Duration // Override default timeout if needed
}

// DefaultTimeout returns the default timeout for a drain mode
func DefaultTimeout(mode Mode) time.Duration {
	switch mode {
	case ModeAggressive:
		return 30 * time.Second
	default:
		return 120 * time.Second
	}
}

// Status represents the current state of a drain operation
type Status struct {
	State       State       `json:"state"`
	Mode        Mode        `json:"mode,omitempty"`
	StartedAt   time.Time   `json:"started_at,omitzero"`
	Deadline    time.Time   `json:"deadline,omitzero"`
	TotalCalls  int         `json:"total_calls"`
	Remaining   int         `json:"remaining"`
	HungUpCount int         `json:"hung_up_count"`
	FailedCount int         `json:"failed_count"`
	Errors      []CallError `json:"errors,omitempty"`
}

// CallError records a hangup that failed during drain
type CallError struct {
	SessionID string    `json:"session_id"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}
