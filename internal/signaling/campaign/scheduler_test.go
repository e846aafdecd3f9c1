package campaign

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sebas/callpilot/internal/signaling/dialog"
	"github.com/sebas/callpilot/internal/signaling/events"
	"github.com/sebas/callpilot/internal/signaling/session"
	"github.com/sebas/callpilot/internal/signaling/store"
)

type fakeDialer struct {
	mu     sync.Mutex
	dials  []session.DialRequest
	ended  []string
	result func(ctx context.Context, req session.DialRequest) (*session.DialOutcome, error)
}

func (d *fakeDialer) Dial(ctx context.Context, req session.DialRequest) (*session.DialOutcome, error) {
	d.mu.Lock()
	d.dials = append(d.dials, req)
	d.mu.Unlock()
	return d.result(ctx, req)
}

func (d *fakeDialer) End(id, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ended = append(d.ended, id)
	return nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func outcome(o dialog.Outcome, code int, reason string) func(context.Context, session.DialRequest) (*session.DialOutcome, error) {
	return func(_ context.Context, req session.DialRequest) (*session.DialOutcome, error) {
		return &session.DialOutcome{
			SessionID:  "sess-" + req.PhoneNumber,
			DialogID:   "dlg-" + req.PhoneNumber,
			Outcome:    o,
			StatusCode: code,
			Reason:     reason,
		}, nil
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	s      *Scheduler
	dialer *fakeDialer
	clock  *fakeClock
	mem    *store.Memory
	pub    *events.ChannelPublisher
}

func newFixture(t *testing.T, result func(context.Context, session.DialRequest) (*session.DialOutcome, error)) *fixture {
	t.Helper()
	f := &fixture{
		dialer: &fakeDialer{result: result},
		clock:  &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		mem:    store.NewMemory(),
		pub:    events.NewChannelPublisher(512),
	}
	f.s = New(Config{
		Dialer:    f.dialer,
		Store:     f.mem,
		Publisher: f.pub,
		Now:       f.clock.Now,
	})
	return f
}

// step runs one queue tick and waits for the dial it started.
func (f *fixture) step() {
	f.s.tick(context.Background())
	f.s.wg.Wait()
}

func (f *fixture) create(t *testing.T, req CreateRequest) *Campaign {
	t.Helper()
	if req.AgentID == "" {
		req.AgentID = "agent-1"
	}
	c, err := f.s.CreateCampaign(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	return c
}

func (f *fixture) onlyCall(t *testing.T, campaignID string) Call {
	t.Helper()
	calls, err := f.s.ListCalls(campaignID)
	if err != nil || len(calls) != 1 {
		t.Fatalf("ListCalls = %v, %v", calls, err)
	}
	return calls[0]
}

func (f *fixture) campaign(t *testing.T, id string) *Campaign {
	t.Helper()
	c, err := f.s.GetCampaign(id)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestNoAnswerRetriesThenFails(t *testing.T) {
	f := newFixture(t, outcome(dialog.OutcomeNoAnswer, 408, "dial timeout"))
	c := f.create(t, CreateRequest{
		PhoneNumbers: []string{"+15550001"},
		MaxRetries:   2,
		RetryDelay:   time.Minute,
	})
	if c.Status != StatusActive {
		t.Fatalf("status = %s, want active", c.Status)
	}

	f.step()
	call := f.onlyCall(t, c.ID)
	if call.Status != CallPending || call.Attempts != 1 {
		t.Fatalf("after first attempt: %+v", call)
	}

	// not due yet
	f.s.sweep()
	f.step()
	if n := f.dialer.dialCount(); n != 1 {
		t.Fatalf("dialed %d times before retry delay", n)
	}

	for i := 0; i < 3; i++ {
		f.clock.Advance(61 * time.Second)
		f.s.sweep()
		f.step()
	}

	if n := f.dialer.dialCount(); n != 3 {
		t.Errorf("dial attempts = %d, want 3", n)
	}
	call = f.onlyCall(t, c.ID)
	if call.Status != CallFailed || call.Attempts != 3 || call.Outcome != OutcomeNoAnswer {
		t.Errorf("final call = %+v", call)
	}
	got := f.campaign(t, c.ID)
	if got.FailedCalls != 1 || got.CompletedCalls != 1 || got.SuccessfulCalls != 0 {
		t.Errorf("counters = completed %d, successful %d, failed %d", got.CompletedCalls, got.SuccessfulCalls, got.FailedCalls)
	}
	if got.Status != StatusCompleted {
		t.Errorf("campaign status = %s, want completed", got.Status)
	}

	recs, _ := f.mem.ListCampaigns(context.Background())
	if len(recs) != 1 || recs[0].Status != string(StatusCompleted) || recs[0].FailedCalls != 1 {
		t.Errorf("persisted campaign = %+v", recs)
	}
}

func TestBusyRetryScheduledInFuture(t *testing.T) {
	f := newFixture(t, outcome(dialog.OutcomeBusy, 486, "Busy Here"))
	c := f.create(t, CreateRequest{PhoneNumbers: []string{"+15550002"}, MaxRetries: 1, RetryDelay: 2 * time.Minute})

	f.step()
	call := f.onlyCall(t, c.ID)
	if call.Status != CallPending || call.Outcome != OutcomeBusy {
		t.Fatalf("call = %+v", call)
	}
	if !call.ScheduledAt.After(f.clock.Now()) {
		t.Errorf("retry at %v is not after now %v", call.ScheduledAt, f.clock.Now())
	}
	f.s.sweep()
	if n := f.s.QueueLen(); n != 0 {
		t.Errorf("queue = %d before retry is due", n)
	}

	var ev *events.CampaignCallEvent
	for ev == nil {
		select {
		case e := <-f.pub.Events():
			if cc, ok := e.(*events.CampaignCallEvent); ok && cc.Outcome == string(OutcomeBusy) {
				ev = cc
			}
		case <-time.After(time.Second):
			t.Fatal("no call result event")
		}
	}
	if !ev.NextAttemptAt.Equal(call.ScheduledAt) {
		t.Errorf("event next attempt = %v, want %v", ev.NextAttemptAt, call.ScheduledAt)
	}
}

func TestRejectedCallIsTerminal(t *testing.T) {
	f := newFixture(t, outcome(dialog.OutcomeFailed, 403, "Forbidden"))
	c := f.create(t, CreateRequest{PhoneNumbers: []string{"+15550003"}, MaxRetries: 3})

	f.step()
	call := f.onlyCall(t, c.ID)
	if call.Status != CallFailed || call.Attempts != 1 {
		t.Errorf("call = %+v", call)
	}
	if got := f.campaign(t, c.ID); got.FailedCalls != 1 || got.Status != StatusCompleted {
		t.Errorf("campaign = %+v", got)
	}
}

func TestConnectedCallCompletesOnce(t *testing.T) {
	f := newFixture(t, outcome(dialog.OutcomeConnected, 200, "OK"))
	c := f.create(t, CreateRequest{PhoneNumbers: []string{"+15550004", "+15550005"}})

	f.step()
	calls, _ := f.s.ListCalls(c.ID)
	if calls[0].Status != CallConnected || calls[0].SessionID != "sess-+15550004" {
		t.Fatalf("call = %+v", calls[0])
	}

	end := session.Outcome{SessionID: calls[0].SessionID, CampaignCallID: calls[0].ID, Status: session.StatusEnded, Reason: "remote_hangup"}
	f.s.onOutcome(end)
	f.s.onOutcome(end)

	got := f.campaign(t, c.ID)
	if got.CompletedCalls != 1 || got.SuccessfulCalls != 1 {
		t.Errorf("counters = completed %d, successful %d", got.CompletedCalls, got.SuccessfulCalls)
	}
	if got.Status != StatusActive {
		t.Errorf("status = %s with a call left", got.Status)
	}
}

func TestEndBeforeDialReturns(t *testing.T) {
	var f *fixture
	f = newFixture(t, func(_ context.Context, req session.DialRequest) (*session.DialOutcome, error) {
		// the registry may report the hangup before Dial returns
		f.s.onOutcome(session.Outcome{CampaignCallID: req.CampaignCallID, Status: session.StatusEnded, Reason: "remote_hangup"})
		return &session.DialOutcome{SessionID: "sess-early", Outcome: dialog.OutcomeConnected, StatusCode: 200}, nil
	})
	c := f.create(t, CreateRequest{PhoneNumbers: []string{"+15550006"}})

	f.step()
	call := f.onlyCall(t, c.ID)
	if call.Status != CallCompleted {
		t.Errorf("call = %+v", call)
	}
	if got := f.campaign(t, c.ID); got.Status != StatusCompleted || got.SuccessfulCalls != 1 {
		t.Errorf("campaign = %+v", got)
	}
}

func TestPauseLeavesOtherCampaignsQueued(t *testing.T) {
	f := newFixture(t, outcome(dialog.OutcomeFailed, 500, "Server Error"))
	a := f.create(t, CreateRequest{Name: "a", PhoneNumbers: []string{"+15551001", "+15551002"}})
	b := f.create(t, CreateRequest{Name: "b", PhoneNumbers: []string{"+15552001", "+15552002"}})

	if _, err := f.s.PauseCampaign(context.Background(), a.ID); err != nil {
		t.Fatal(err)
	}
	if n := f.s.QueueLen(); n != 2 {
		t.Errorf("queue after pause = %d, want 2", n)
	}
	for i := 0; i < 4; i++ {
		f.step()
	}

	f.dialer.mu.Lock()
	for _, req := range f.dialer.dials {
		if req.CampaignID != b.ID {
			t.Errorf("dialed %s from paused campaign", req.PhoneNumber)
		}
	}
	n := len(f.dialer.dials)
	f.dialer.mu.Unlock()
	if n != 2 {
		t.Errorf("dials = %d, want 2", n)
	}

	resumed, err := f.s.ResumeCampaign(context.Background(), a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Status != StatusActive || f.s.QueueLen() != 2 {
		t.Errorf("after resume: status %s, queue %d", resumed.Status, f.s.QueueLen())
	}
	if _, err := f.s.ResumeCampaign(context.Background(), a.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second resume = %v", err)
	}
}

func TestCancelHangsUpAndDoesNotCountFailures(t *testing.T) {
	f := newFixture(t, outcome(dialog.OutcomeConnected, 200, "OK"))
	c := f.create(t, CreateRequest{PhoneNumbers: []string{"+15553001", "+15553002"}})
	other := f.create(t, CreateRequest{PhoneNumbers: []string{"+15554001"}})

	f.step()

	got, err := f.s.CancelCampaign(context.Background(), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCancelled || got.FailedCalls != 0 {
		t.Errorf("campaign = %+v", got)
	}
	f.dialer.mu.Lock()
	ended := append([]string(nil), f.dialer.ended...)
	f.dialer.mu.Unlock()
	if len(ended) != 1 || ended[0] != "sess-+15553001" {
		t.Errorf("hung up %v", ended)
	}
	calls, _ := f.s.ListCalls(c.ID)
	for _, call := range calls {
		if call.Status != CallCancelled {
			t.Errorf("call %s status = %s", call.PhoneNumber, call.Status)
		}
	}

	// the hangup outcome arrives later and must not change anything
	f.s.onOutcome(session.Outcome{CampaignCallID: calls[0].ID, Status: session.StatusEnded, Reason: "campaign_cancelled"})
	if got := f.campaign(t, c.ID); got.CompletedCalls != 0 || got.Status != StatusCancelled {
		t.Errorf("after late outcome: %+v", got)
	}

	if f.s.QueueLen() != 1 {
		t.Errorf("other campaign's call left the queue")
	}
	f.step()
	if call := f.onlyCall(t, other.ID); call.Status != CallConnected {
		t.Errorf("other campaign call = %+v", call)
	}

	if _, err := f.s.CancelCampaign(context.Background(), c.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second cancel = %v", err)
	}
}

func TestScheduledCampaignActivatesOnTick(t *testing.T) {
	f := newFixture(t, outcome(dialog.OutcomeConnected, 200, "OK"))
	c := f.create(t, CreateRequest{PhoneNumbers: []string{"+15555001"}, ScheduledAt: f.clock.Now().Add(time.Hour)})
	if c.Status != StatusPending {
		t.Fatalf("status = %s, want pending", c.Status)
	}

	f.step()
	if f.dialer.dialCount() != 0 {
		t.Fatal("dialed before the scheduled time")
	}

	f.clock.Advance(2 * time.Hour)
	f.step()
	if f.dialer.dialCount() != 1 {
		t.Errorf("dials = %d after start time", f.dialer.dialCount())
	}
	if got := f.campaign(t, c.ID); got.Status != StatusActive {
		t.Errorf("status = %s", got.Status)
	}
}

func TestCallTimeoutCountsAsNoAnswer(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req session.DialRequest) (*session.DialOutcome, error) {
		<-ctx.Done()
		return &session.DialOutcome{Outcome: dialog.OutcomeFailed, StatusCode: 487, Reason: "cancelled", Err: ctx.Err()}, nil
	})
	c := f.create(t, CreateRequest{PhoneNumbers: []string{"+15556001"}, CallTimeout: 20 * time.Millisecond})

	f.step()
	call := f.onlyCall(t, c.ID)
	if call.Status != CallFailed || call.Outcome != OutcomeNoAnswer {
		t.Errorf("call = %+v", call)
	}
}

func TestShutdownDuringDialRequeuesWithoutCounting(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req session.DialRequest) (*session.DialOutcome, error) {
		<-ctx.Done()
		return &session.DialOutcome{Outcome: dialog.OutcomeFailed, StatusCode: 487, Reason: "cancelled", Err: ctx.Err()}, nil
	})
	c := f.create(t, CreateRequest{PhoneNumbers: []string{"+15556101"}, CallTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	f.s.tick(ctx)
	cancel()
	f.s.wg.Wait()

	call := f.onlyCall(t, c.ID)
	if call.Status != CallPending {
		t.Errorf("call status = %s, want %s", call.Status, CallPending)
	}
	if call.Attempts != 0 {
		t.Errorf("call attempts = %d, want 0", call.Attempts)
	}
	got := f.campaign(t, c.ID)
	if got.FailedCalls != 0 || got.CompletedCalls != 0 {
		t.Errorf("failed = %d completed = %d, want 0 and 0", got.FailedCalls, got.CompletedCalls)
	}
	if n := f.s.QueueLen(); n != 1 {
		t.Errorf("queue = %d, want 1", n)
	}
}

func TestDialSlotsLimitConcurrency(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, func(context.Context, session.DialRequest) (*session.DialOutcome, error) {
		<-release
		return &session.DialOutcome{Outcome: dialog.OutcomeConnected, StatusCode: 200}, nil
	})
	f.s.cfg.Limiter = store.NewLocalDialLimiter(1)
	f.create(t, CreateRequest{PhoneNumbers: []string{"+15557001", "+15557002"}})

	f.s.tick(context.Background())
	f.s.tick(context.Background())
	if n := f.s.QueueLen(); n != 1 {
		t.Errorf("queue = %d, want the second call deferred", n)
	}
	close(release)
	f.s.wg.Wait()

	f.step()
	if n := f.dialer.dialCount(); n != 2 {
		t.Errorf("dials = %d", n)
	}
}

func TestAdmitGateHoldsQueue(t *testing.T) {
	f := newFixture(t, outcome(dialog.OutcomeConnected, 200, "OK"))
	admit := false
	f.s.cfg.Admit = func() bool { return admit }
	f.create(t, CreateRequest{PhoneNumbers: []string{"+15558001"}})

	f.step()
	if n := f.dialer.dialCount(); n != 0 {
		t.Fatalf("dials while refused = %d", n)
	}
	if n := f.s.QueueLen(); n != 1 {
		t.Errorf("queue = %d, want the call kept", n)
	}

	admit = true
	f.step()
	if n := f.dialer.dialCount(); n != 1 {
		t.Errorf("dials after admit = %d, want 1", n)
	}
}

func TestCreateCampaignValidation(t *testing.T) {
	f := newFixture(t, outcome(dialog.OutcomeConnected, 200, "OK"))
	ctx := context.Background()

	if _, err := f.s.CreateCampaign(ctx, CreateRequest{PhoneNumbers: []string{"+1555"}}); !errors.Is(err, ErrInvalidCampaign) {
		t.Errorf("missing agent: %v", err)
	}
	if _, err := f.s.CreateCampaign(ctx, CreateRequest{AgentID: "a", PhoneNumbers: []string{" ", ""}}); !errors.Is(err, ErrInvalidCampaign) {
		t.Errorf("no numbers: %v", err)
	}
	if _, err := f.s.CreateCampaign(ctx, CreateRequest{AgentID: "a", PhoneNumbers: []string{"+1555"}, MaxRetries: -1}); !errors.Is(err, ErrInvalidCampaign) {
		t.Errorf("negative retries: %v", err)
	}

	c, err := f.s.CreateCampaign(ctx, CreateRequest{AgentID: "a", PhoneNumbers: []string{" +15558001 ", "+15558001", "+15558002"}})
	if err != nil {
		t.Fatal(err)
	}
	if c.TotalCalls != 2 || c.RetryDelay != DefaultRetryDelay || c.CallTimeout != DefaultCallTimeout {
		t.Errorf("campaign = %+v", c)
	}
	if _, err := f.s.GetCampaign("missing"); !errors.Is(err, ErrCampaignNotFound) {
		t.Errorf("GetCampaign(missing) = %v", err)
	}
}
