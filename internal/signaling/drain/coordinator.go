// Package drain takes the process out of service without cutting calls:
// new calls are refused while live ones finish or are hung up at a
// deadline.
package drain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/sebas/callpilot/internal/signaling/session"
)

// MaxConcurrentHangups limits parallel BYEs at the drain deadline
const MaxConcurrentHangups = 5

// DefaultPollInterval is how often live calls are counted while draining.
const DefaultPollInterval = 500 * time.Millisecond

// Calls is the live call registry. Implemented by session.Registry.
type Calls interface {
	List() []session.Info
	End(id, reason string) error
}

var _ Calls = (*session.Registry)(nil)

// Coordinator orchestrates draining of this process
type Coordinator struct {
	mu sync.RWMutex

	calls Calls
	poll  time.Duration

	status Status
	op     *operation
}

// operation tracks one drain's progress
type operation struct {
	cancel    context.CancelFunc
	completed chan struct{}
}

// NewCoordinator creates a coordinator in the active state.
func NewCoordinator(calls Calls) *Coordinator {
	return &Coordinator{
		calls:  calls,
		poll:   DefaultPollInterval,
		status: Status{State: StateActive},
	}
}

// SetPollInterval overrides DefaultPollInterval. Call before Start.
func (c *Coordinator) SetPollInterval(d time.Duration) {
	if d > 0 {
		c.poll = d
	}
}

// Admit reports whether new calls may start.
func (c *Coordinator) Admit() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status.State == StateActive
}

// Start begins draining. New calls are refused from the moment it returns.
func (c *Coordinator) Start(ctx context.Context, req Request) (*Status, error) {
	if req.Mode == "" {
		req.Mode = ModeGraceful
	}
	if req.Mode != ModeGraceful && req.Mode != ModeAggressive {
		return nil, fmt.Errorf("unknown drain mode %q", req.Mode)
	}

	c.mu.Lock()
	if c.status.State != StateActive {
		c.mu.Unlock()
		return nil, ErrDrainInProgress
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout(req.Mode)
	}
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)

	live := c.liveCalls()
	now := time.Now()
	c.status = Status{
		State:      StateDraining,
		Mode:       req.Mode,
		StartedAt:  now,
		Deadline:   now.Add(timeout),
		TotalCalls: len(live),
		Remaining:  len(live),
	}
	op := &operation{cancel: cancel, completed: make(chan struct{})}
	c.op = op
	st := c.status
	c.mu.Unlock()

	slog.Info("[Drain] Drain started",
		"mode", req.Mode,
		"live_calls", len(live),
		"timeout", timeout)

	go c.run(drainCtx, op, req.Mode)
	return &st, nil
}

// liveCalls lists sessions that have not ended.
func (c *Coordinator) liveCalls() []string {
	var ids []string
	for _, info := range c.calls.List() {
		if info.Status == session.StatusConnecting || info.Status == session.StatusConnected {
			ids = append(ids, info.ID)
		}
	}
	return ids
}

func (c *Coordinator) run(ctx context.Context, op *operation, mode Mode) {
	defer close(op.completed)
	defer op.cancel()

	tick := time.NewTicker(c.poll)
	defer tick.Stop()

	for {
		live := c.liveCalls()
		if !c.setRemaining(op, len(live)) {
			return // cancelled
		}
		if len(live) == 0 {
			c.complete(op)
			return
		}

		select {
		case <-tick.C:
			continue
		case <-ctx.Done():
		}

		if !c.current(op) {
			return
		}
		if mode == ModeGraceful {
			slog.Warn("[Drain] Drain timed out, calls remaining", "remaining", len(live))
			return
		}
		c.hangUp(live)
		c.setRemaining(op, len(c.liveCalls()))
		c.complete(op)
		return
	}
}

// hangUp ends calls with bounded concurrency.
func (c *Coordinator) hangUp(ids []string) {
	slog.Info("[Drain] Hanging up remaining calls", "count", len(ids))

	sem := semaphore.NewWeighted(MaxConcurrentHangups)
	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			if err := sem.Acquire(context.Background(), 1); err != nil {
				return err
			}
			defer sem.Release(1)

			err := c.calls.End(id, "drain")
			if errors.Is(err, session.ErrSessionNotFound) {
				return nil // ended on its own meanwhile
			}

			c.mu.Lock()
			defer c.mu.Unlock()
			if err != nil {
				c.status.FailedCount++
				c.status.Errors = append(c.status.Errors, CallError{
					SessionID: id,
					Error:     err.Error(),
					Timestamp: time.Now(),
				})
				slog.Warn("[Drain] Hangup failed", "session_id", id, "error", err)
				return nil
			}
			c.status.HungUpCount++
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Coordinator) current(op *operation) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.op == op
}

func (c *Coordinator) setRemaining(op *operation, n int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.op != op {
		return false
	}
	c.status.Remaining = n
	return true
}

func (c *Coordinator) complete(op *operation) {
	c.mu.Lock()
	if c.op != op {
		c.mu.Unlock()
		return
	}
	c.status.State = StateDrained
	st := c.status
	c.mu.Unlock()

	slog.Info("[Drain] Drain completed",
		"total", st.TotalCalls,
		"hung_up", st.HungUpCount,
		"failed", st.FailedCount)
}

// Status returns a copy of the current drain status.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := c.status
	st.Errors = append([]CallError(nil), c.status.Errors...)
	return st
}

// Cancel stops a drain and returns the process to service. A drained
// process can be returned to service too.
func (c *Coordinator) Cancel() error {
	c.mu.Lock()
	if c.status.State == StateActive {
		c.mu.Unlock()
		return ErrNotDraining
	}
	op := c.op
	c.op = nil
	c.status = Status{State: StateActive}
	c.mu.Unlock()

	if op != nil {
		op.cancel()
	}
	slog.Info("[Drain] Drain cancelled")
	return nil
}

// Wait blocks until the current drain finishes or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.RLock()
	op := c.op
	c.mu.RUnlock()
	if op == nil {
		return nil
	}
	select {
	case <-op.completed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
