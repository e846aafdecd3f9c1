package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestEventSubjectNaming(t *testing.T) {
	builder := NewBuilder("test-node")

	event := builder.CallConnected("sess-123", "sip-call-id").Build()

	expected := "callpilot.calls.sess-123.connected"
	if got := event.Subject(); got != expected {
		t.Errorf("Subject() = %q, want %q", got, expected)
	}
}

func TestCallEndedEventJSON(t *testing.T) {
	builder := NewBuilder("test-node")
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	event := builder.CallEnded("sess-123", "abc@192.168.1.1").
		Direction(DirectionOutbound).
		Agent("agent-1").
		PhoneNumber("+15551234567").
		Campaign("camp-9").
		Reason(EndReasonNormal, "remote_hangup").
		Times(start, start.Add(5*time.Second), start.Add(125*time.Second)).
		Turns(4, false).
		Build()

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}

	checks := map[string]string{
		"event_type":  "call.ended",
		"session_id":  "sess-123",
		"agent_id":    "agent-1",
		"campaign_id": "camp-9",
		"node_id":     "test-node",
		"direction":   "outbound",
		"end_reason":  "normal",
	}
	for k, want := range checks {
		if got, ok := m[k].(string); !ok || got != want {
			t.Errorf("m[%q] = %v, want %q", k, m[k], want)
		}
	}
	if got := m["duration_ms"].(float64); got != 125000 {
		t.Errorf("duration_ms = %v, want 125000", got)
	}
	if got := m["talk_ms"].(float64); got != 120000 {
		t.Errorf("talk_ms = %v, want 120000", got)
	}
	if got := m["connected"].(bool); !got {
		t.Error("connected = false, want true")
	}
}

func TestCallEndedWithoutConnectIsFailed(t *testing.T) {
	builder := NewBuilder("test-node")
	start := time.Now()

	event := builder.CallEnded("sess-1", "sip-1").
		Reason(EndReasonNoAnswer, "dial timeout").
		SIPCode(408).
		Times(start, time.Time{}, start.Add(30*time.Second)).
		Build()

	if event.Type() != CallFailed {
		t.Errorf("Type() = %s, want %s", event.Type(), CallFailed)
	}
	if got, want := event.Subject(), "callpilot.calls.sess-1.failed"; got != want {
		t.Errorf("Subject() = %q, want %q", got, want)
	}
	if event.ConnectedAt != nil || event.TalkMs != 0 {
		t.Errorf("failed call has talk time: %+v", event)
	}
}

func TestNoopPublisher(t *testing.T) {
	pub := NewNoopPublisher()
	event := NewBuilder("test").CallConnected("sess-1", "sip-1").Build()

	if err := pub.Publish(context.Background(), event); err != nil {
		t.Errorf("NoopPublisher.Publish() error = %v", err)
	}
	pub.PublishAsync(event)
	if err := pub.Flush(context.Background()); err != nil {
		t.Errorf("NoopPublisher.Flush() error = %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Errorf("NoopPublisher.Close() error = %v", err)
	}
}

func TestChannelPublisher(t *testing.T) {
	pub := NewChannelPublisher(10)
	builder := NewBuilder("test")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		event := builder.CallConnected("sess-"+string(rune('0'+i)), "sip").Build()
		if err := pub.Publish(ctx, event); err != nil {
			t.Errorf("Publish() error = %v", err)
		}
	}

	ch := pub.Events()
	for i := 0; i < 5; i++ {
		select {
		case e := <-ch:
			if want := "sess-" + string(rune('0'+i)); e.CallID() != want {
				t.Errorf("event %d CallID = %q, want %q", i, e.CallID(), want)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for event")
		}
	}

	pub.Close()
	if _, ok := <-ch; ok {
		t.Error("channel open after Close")
	}
	// Publishing after close is a silent no-op
	if err := pub.Publish(ctx, builder.CallConnected("late", "sip").Build()); err != nil {
		t.Errorf("Publish after Close = %v", err)
	}
}

func TestChannelPublisherDropsOnFull(t *testing.T) {
	pub := NewChannelPublisher(2)
	builder := NewBuilder("test")
	ctx := context.Background()

	pub.Publish(ctx, builder.CallConnected("sess-1", "sip").Build())
	pub.Publish(ctx, builder.CallConnected("sess-2", "sip").Build())
	pub.Publish(ctx, builder.CallConnected("sess-3", "sip").Build())
	pub.PublishAsync(builder.CallConnected("sess-4", "sip").Build())

	if got := pub.DroppedCount(); got != 2 {
		t.Errorf("DroppedCount() = %d, want 2", got)
	}
	pub.Close()
}

func TestMultiPublisher(t *testing.T) {
	ch1 := NewChannelPublisher(10)
	ch2 := NewChannelPublisher(10)
	multi := NewMultiPublisher(ch1, ch2, NewLoggingPublisher(nil))

	event := NewBuilder("test").TransferRequested("sess-1", "sip-1", "agent-1", "get me a human", "human")
	if err := multi.Publish(context.Background(), event); err != nil {
		t.Errorf("MultiPublisher.Publish() error = %v", err)
	}

	for i, ch := range []*ChannelPublisher{ch1, ch2} {
		select {
		case e := <-ch.Events():
			if e.Subject() != "callpilot.calls.sess-1.transfer_requested" {
				t.Errorf("ch%d subject = %q", i+1, e.Subject())
			}
		case <-time.After(time.Second):
			t.Errorf("ch%d did not receive event", i+1)
		}
	}
	multi.Close()
}

func TestSubjectPatterns(t *testing.T) {
	builder := NewBuilder("test")
	start := time.Now()

	tests := []struct {
		name  string
		event Event
		want  string
	}{
		{"connected", builder.CallConnected("abc", "sip").Build(), "callpilot.calls.abc.connected"},
		{"ended", builder.CallEnded("abc", "sip").Times(start, start, start).Build(), "callpilot.calls.abc.ended"},
		{"failed", builder.CallEnded("abc", "sip").Build(), "callpilot.calls.abc.failed"},
		{"transfer", builder.TransferRequested("abc", "sip", "a", "operator", "operator"), "callpilot.calls.abc.transfer_requested"},
		{"ivr action", builder.IVRAction("abc", "main", "1", "submenu", "billing", ""), "callpilot.calls.abc.ivr.action"},
		{"ivr ended", builder.IVREnded("abc", "main", "timeout"), "callpilot.calls.abc.ivr.ended"},
		{"campaign call", builder.CampaignCall("camp-1", "cc-1").Result("busy", "pending", 1).Build(), "callpilot.campaigns.camp-1.call_result"},
		{"campaign status", builder.CampaignStatus("camp-1", "spring", "completed", "active", 3, 3, 1), "callpilot.campaigns.camp-1.status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.event.Subject(); got != tt.want {
				t.Errorf("Subject() = %q, want %q", got, tt.want)
			}
		})
	}
}
