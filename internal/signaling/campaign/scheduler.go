package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/callpilot/internal/signaling/dialog"
	"github.com/sebas/callpilot/internal/signaling/events"
	"github.com/sebas/callpilot/internal/signaling/session"
	"github.com/sebas/callpilot/internal/signaling/store"
)

// Dialer places calls. *session.Registry implements it.
type Dialer interface {
	Dial(ctx context.Context, req session.DialRequest) (*session.DialOutcome, error)
	End(id, reason string) error
}

var _ Dialer = (*session.Registry)(nil)

// Config wires a Scheduler. Dialer is required.
type Config struct {
	Dialer Dialer
	// Outcomes delivers session outcomes, normally Registry.Subscribe().
	Outcomes <-chan session.Outcome
	// Store persists campaigns and calls. Optional.
	Store store.CampaignRepository
	// Limiter caps concurrent dials, possibly across instances. Optional.
	Limiter   store.DialLimiter
	Publisher events.Publisher
	NodeID    string

	TickInterval  time.Duration
	SweepInterval time.Duration
	// Admit gates new dials, e.g. while the process drains. Optional.
	Admit func() bool
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Scheduler owns campaigns, their calls and the dial queue.
type Scheduler struct {
	cfg     Config
	builder *events.Builder

	mu         sync.Mutex
	campaigns  map[string]*Campaign
	calls      map[string]*Call
	byCampaign map[string][]string // campaign ID -> call IDs in target order
	queue      []string            // due call IDs, FIFO
	queued     map[string]bool
	attempts   map[string]*attempt // call ID -> in-flight attempt

	wg sync.WaitGroup
}

// attempt tracks one dial in flight or one connected call.
type attempt struct {
	sessionID string
	cancel    context.CancelFunc
	// ended holds a terminal outcome that arrived before Dial returned.
	ended *session.Outcome
}

// New creates a scheduler. Call Run to start ticking.
func New(cfg Config) *Scheduler {
	if cfg.Publisher == nil {
		cfg.Publisher = events.NewNoopPublisher()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		cfg:        cfg,
		builder:    events.NewBuilder(cfg.NodeID),
		campaigns:  make(map[string]*Campaign),
		calls:      make(map[string]*Call),
		byCampaign: make(map[string][]string),
		queued:     make(map[string]bool),
		attempts:   make(map[string]*attempt),
	}
}

// Run drives the dial queue and retry sweep until ctx is done, then waits
// for dials in flight.
func (s *Scheduler) Run(ctx context.Context) error {
	tick := time.NewTicker(s.cfg.TickInterval)
	defer tick.Stop()
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()

	slog.Info("[Campaign] Scheduler started", "tick", s.cfg.TickInterval, "sweep", s.cfg.SweepInterval)
	defer s.wg.Wait()

	outcomes := s.cfg.Outcomes
	for {
		select {
		case <-ctx.Done():
			slog.Info("[Campaign] Scheduler stopping")
			return ctx.Err()
		case <-tick.C:
			s.tick(ctx)
		case <-sweep.C:
			s.sweep()
		case o, ok := <-outcomes:
			if !ok {
				outcomes = nil
				continue
			}
			s.onOutcome(o)
		}
	}
}

// CreateCampaign validates req and creates the campaign with one pending
// call per unique number. A campaign whose start time has passed is
// activated immediately.
func (s *Scheduler) CreateCampaign(ctx context.Context, req CreateRequest) (*Campaign, error) {
	numbers, err := req.normalize()
	if err != nil {
		return nil, err
	}
	now := s.cfg.Now()
	start := req.ScheduledAt
	if start.IsZero() {
		start = now
	}
	name := req.Name
	if name == "" {
		name = "campaign-" + now.Format("20060102-150405")
	}

	c := &Campaign{
		ID:             uuid.New().String(),
		AgentID:        req.AgentID,
		Name:           name,
		PhoneNumbers:   numbers,
		ScheduledAt:    start,
		MaxRetries:     req.MaxRetries,
		RetryDelay:     req.RetryDelay,
		CallTimeout:    req.CallTimeout,
		InitialMessage: req.InitialMessage,
		TotalCalls:     len(numbers),
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var b batch
	s.mu.Lock()
	s.campaigns[c.ID] = c
	ids := make([]string, 0, len(numbers))
	for _, n := range numbers {
		call := &Call{
			ID:          uuid.New().String(),
			CampaignID:  c.ID,
			PhoneNumber: n,
			Status:      CallPending,
			ScheduledAt: start,
			UpdatedAt:   now,
		}
		s.calls[call.ID] = call
		ids = append(ids, call.ID)
		b.call(call)
	}
	s.byCampaign[c.ID] = ids
	b.campaign(c)
	if !start.After(now) {
		s.setStatusLocked(&b, c, StatusActive, now)
		s.enqueueDueLocked(c.ID, now)
	}
	out := c.clone()
	s.mu.Unlock()

	s.flush(ctx, b)
	slog.Info("[Campaign] Created",
		"campaign_id", c.ID,
		"name", c.Name,
		"agent_id", c.AgentID,
		"targets", len(numbers),
		"status", out.Status,
		"scheduled_at", start,
	)
	return out, nil
}

// tick activates campaigns whose start time passed and dials at most one
// due call.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.cfg.Now()
	var b batch

	s.mu.Lock()
	for _, c := range s.campaigns {
		if c.Status == StatusPending && !c.ScheduledAt.After(now) {
			s.setStatusLocked(&b, c, StatusActive, now)
			s.enqueueDueLocked(c.ID, now)
		}
	}
	call, c := s.dequeueLocked()
	s.mu.Unlock()
	s.flush(ctx, b)

	if call == nil {
		return
	}
	if s.cfg.Admit != nil && !s.cfg.Admit() {
		s.mu.Lock()
		s.requeueFrontLocked(call.ID)
		s.mu.Unlock()
		return
	}

	if lim := s.cfg.Limiter; lim != nil {
		ok, err := lim.Acquire(ctx)
		if err != nil || !ok {
			if err != nil {
				slog.Warn("[Campaign] Dial slot unavailable", "error", err)
			} else {
				slog.Debug("[Campaign] Dial slots exhausted, deferring", "call_id", call.ID)
			}
			s.mu.Lock()
			s.requeueFrontLocked(call.ID)
			s.mu.Unlock()
			return
		}
	}

	b = batch{}
	s.mu.Lock()
	// state may have changed while acquiring the slot
	if call.Status != CallPending || c.Status != StatusActive {
		s.mu.Unlock()
		s.releaseSlot()
		return
	}
	call.Status = CallCalling
	call.Attempts++
	call.UpdatedAt = now
	dctx, cancel := context.WithTimeout(ctx, c.CallTimeout)
	s.attempts[call.ID] = &attempt{cancel: cancel}
	req := session.DialRequest{
		AgentID:        c.AgentID,
		PhoneNumber:    call.PhoneNumber,
		CampaignID:     c.ID,
		CampaignCallID: call.ID,
		InitialMessage: c.InitialMessage,
	}
	n := call.Attempts
	b.call(call)
	s.mu.Unlock()
	s.flush(ctx, b)

	slog.Info("[Campaign] Dialing", "campaign_id", c.ID, "call_id", call.ID, "phone", call.PhoneNumber, "attempt", n)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.dial(dctx, call.ID, req)
	}()
}

func (s *Scheduler) releaseSlot() {
	if s.cfg.Limiter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cfg.Limiter.Release(ctx); err != nil {
		slog.Warn("[Campaign] Failed to release dial slot", "error", err)
	}
}

// dial places one attempt and classifies what happened within the
// campaign's call timeout.
func (s *Scheduler) dial(ctx context.Context, callID string, req session.DialRequest) {
	res, err := s.cfg.Dialer.Dial(ctx, req)
	s.releaseSlot()

	connected := err == nil && res.Outcome == dialog.OutcomeConnected
	switch {
	case !connected && errors.Is(ctx.Err(), context.Canceled):
		s.handleInterrupted(callID)
	case err != nil:
		s.handleCallFailure(callID, OutcomeFailed, err.Error())
	case connected:
		s.onConnected(callID, res.SessionID)
	case errors.Is(res.Err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		s.handleCallFailure(callID, OutcomeNoAnswer, "call timeout")
	default:
		s.handleCallFailure(callID, outcomeOf(res.Outcome), res.Reason)
	}
}

func outcomeOf(o dialog.Outcome) Outcome {
	switch o {
	case dialog.OutcomeConnected:
		return OutcomeConnected
	case dialog.OutcomeNoAnswer:
		return OutcomeNoAnswer
	case dialog.OutcomeBusy:
		return OutcomeBusy
	}
	return OutcomeFailed
}

func (s *Scheduler) onConnected(callID, sessionID string) {
	now := s.cfg.Now()
	var b batch

	s.mu.Lock()
	call, ok := s.calls[callID]
	if !ok || call.Status != CallCalling {
		cancelled := ok && call.Status == CallCancelled
		s.mu.Unlock()
		if cancelled {
			// answered while the campaign was being cancelled
			_ = s.cfg.Dialer.End(sessionID, "campaign_cancelled")
		}
		return
	}
	c := s.campaigns[call.CampaignID]
	call.Status = CallConnected
	call.Outcome = OutcomeConnected
	call.SessionID = sessionID
	call.UpdatedAt = now
	b.call(call)
	b.publish(s.callEvent(c, call, time.Time{}))

	a := s.attempts[callID]
	var early *session.Outcome
	if a != nil {
		a.sessionID = sessionID
		a.cancel = nil
		early = a.ended
	}
	s.mu.Unlock()
	s.flush(context.Background(), b)

	slog.Info("[Campaign] Call connected", "campaign_id", call.CampaignID, "call_id", callID, "session_id", sessionID)
	if early != nil {
		s.onOutcome(*early)
	}
}

// onOutcome handles session outcomes. Establishment is decided by the Dial
// result; here only the end of a connected call matters.
func (s *Scheduler) onOutcome(o session.Outcome) {
	if o.CampaignCallID == "" || !o.Status.IsTerminal() {
		return
	}
	now := s.cfg.Now()
	var b batch

	s.mu.Lock()
	call, ok := s.calls[o.CampaignCallID]
	if !ok {
		s.mu.Unlock()
		return
	}
	switch call.Status {
	case CallCalling:
		if a := s.attempts[call.ID]; a != nil && a.ended == nil {
			oc := o
			a.ended = &oc
		}
		s.mu.Unlock()
		return
	case CallConnected:
	default:
		s.mu.Unlock()
		return
	}

	c := s.campaigns[call.CampaignID]
	delete(s.attempts, call.ID)
	call.Status = CallCompleted
	call.Outcome = OutcomeCompleted
	call.Reason = o.Reason
	call.UpdatedAt = now
	s.countLocked(&b, c, call, true, now)
	b.call(call)
	b.publish(s.callEvent(c, call, time.Time{}))
	s.mu.Unlock()
	s.flush(context.Background(), b)

	slog.Info("[Campaign] Call completed", "campaign_id", call.CampaignID, "call_id", call.ID, "reason", o.Reason)
}

// handleCallFailure applies the retry policy to a failed attempt: no-answer
// and busy return to pending with a delay until the retries are used up,
// everything else is terminal.
func (s *Scheduler) handleCallFailure(callID string, outcome Outcome, reason string) {
	now := s.cfg.Now()
	var b batch

	s.mu.Lock()
	call, ok := s.calls[callID]
	if !ok || call.Status.IsTerminal() || call.counted {
		s.mu.Unlock()
		return
	}
	c := s.campaigns[call.CampaignID]
	delete(s.attempts, callID)
	call.Outcome = outcome
	call.Reason = reason
	call.SessionID = ""
	call.UpdatedAt = now

	var next time.Time
	if outcome.Retryable() && call.Attempts <= c.MaxRetries && !c.Status.IsTerminal() {
		call.Status = CallPending
		call.ScheduledAt = now.Add(c.RetryDelay)
		next = call.ScheduledAt
	} else {
		call.Status = CallFailed
		s.countLocked(&b, c, call, false, now)
	}
	b.call(call)
	b.publish(s.callEvent(c, call, next))
	status, attempts := call.Status, call.Attempts
	s.mu.Unlock()
	s.flush(context.Background(), b)

	slog.Info("[Campaign] Call attempt failed",
		"campaign_id", call.CampaignID,
		"call_id", callID,
		"outcome", outcome,
		"reason", reason,
		"attempts", attempts,
		"status", status,
		"next_attempt", next,
	)
}

// handleInterrupted returns a call whose dial was cut short by shutdown to
// the queue. The attempt is not counted.
func (s *Scheduler) handleInterrupted(callID string) {
	var b batch

	s.mu.Lock()
	call, ok := s.calls[callID]
	if !ok || call.Status != CallCalling {
		s.mu.Unlock()
		return
	}
	delete(s.attempts, callID)
	call.Status = CallPending
	call.Attempts--
	call.SessionID = ""
	call.UpdatedAt = s.cfg.Now()
	s.requeueFrontLocked(callID)
	b.call(call)
	s.mu.Unlock()
	s.flush(context.Background(), b)

	slog.Info("[Campaign] Dial interrupted, call requeued", "campaign_id", call.CampaignID, "call_id", callID)
}

// countLocked updates the campaign counters for a terminal call, once.
func (s *Scheduler) countLocked(b *batch, c *Campaign, call *Call, success bool, now time.Time) {
	if call.counted {
		return
	}
	call.counted = true
	c.CompletedCalls++
	if success {
		c.SuccessfulCalls++
	} else {
		c.FailedCalls++
	}
	c.UpdatedAt = now
	b.campaign(c)

	if c.CompletedCalls >= c.TotalCalls && !c.Status.IsTerminal() {
		s.setStatusLocked(b, c, StatusCompleted, now)
		slog.Info("[Campaign] Completed",
			"campaign_id", c.ID,
			"successful", c.SuccessfulCalls,
			"failed", c.FailedCalls,
		)
	}
}

// sweep re-queues pending calls whose retry time has come.
func (s *Scheduler) sweep() {
	now := s.cfg.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, c := range s.campaigns {
		if c.Status == StatusActive {
			n += s.enqueueDueLocked(id, now)
		}
	}
	if n > 0 {
		slog.Debug("[Campaign] Retry sweep queued calls", "count", n)
	}
}

// enqueueDueLocked queues every due pending call of one campaign.
func (s *Scheduler) enqueueDueLocked(campaignID string, now time.Time) int {
	n := 0
	for _, id := range s.byCampaign[campaignID] {
		call := s.calls[id]
		if call.Status != CallPending || call.ScheduledAt.After(now) || s.queued[id] {
			continue
		}
		s.queue = append(s.queue, id)
		s.queued[id] = true
		n++
	}
	return n
}

// dequeueLocked pops the first call that is still dialable.
func (s *Scheduler) dequeueLocked() (*Call, *Campaign) {
	for len(s.queue) > 0 {
		id := s.queue[0]
		s.queue = s.queue[1:]
		delete(s.queued, id)

		call, ok := s.calls[id]
		if !ok || call.Status != CallPending {
			continue
		}
		c := s.campaigns[call.CampaignID]
		if c == nil || c.Status != StatusActive {
			continue
		}
		return call, c
	}
	return nil, nil
}

func (s *Scheduler) requeueFrontLocked(id string) {
	if s.queued[id] {
		return
	}
	s.queue = slices.Insert(s.queue, 0, id)
	s.queued[id] = true
}

// removeQueuedLocked drops a campaign's calls from the queue.
func (s *Scheduler) removeQueuedLocked(campaignID string) int {
	kept := s.queue[:0]
	removed := 0
	for _, id := range s.queue {
		if call := s.calls[id]; call != nil && call.CampaignID == campaignID {
			delete(s.queued, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.queue = kept
	return removed
}

func (s *Scheduler) setStatusLocked(b *batch, c *Campaign, st Status, now time.Time) {
	if c.Status == st {
		return
	}
	prev := c.Status
	c.Status = st
	c.UpdatedAt = now
	b.campaign(c)
	b.publish(s.builder.CampaignStatus(c.ID, c.Name, string(st), string(prev), c.TotalCalls, c.CompletedCalls, c.FailedCalls))
}

func (s *Scheduler) callEvent(c *Campaign, call *Call, next time.Time) events.Event {
	eb := s.builder.CampaignCall(c.ID, call.ID).
		Agent(c.AgentID).
		PhoneNumber(call.PhoneNumber).
		Session(call.SessionID, "").
		Result(string(call.Outcome), string(call.Status), call.Attempts)
	if !next.IsZero() {
		eb = eb.NextAttempt(next)
	}
	return eb.Build()
}

// QueueLen returns the number of calls waiting for a dial slot.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) lookupLocked(id string) (*Campaign, error) {
	c, ok := s.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrCampaignNotFound)
	}
	return c, nil
}
