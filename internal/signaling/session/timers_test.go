package session

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTimerTableRearmReplaces(t *testing.T) {
	tt := NewTimerTable()
	var first, second atomic.Int32

	tt.Arm("silence", 30*time.Millisecond, func() { first.Add(1) })
	tt.Arm("silence", 60*time.Millisecond, func() { second.Add(1) })

	time.Sleep(150 * time.Millisecond)
	if first.Load() != 0 {
		t.Error("replaced timer fired")
	}
	if second.Load() != 1 {
		t.Errorf("replacement fired %d times", second.Load())
	}
	if p := tt.Pending(); len(p) != 0 {
		t.Errorf("pending after fire: %v", p)
	}
}

func TestTimerTableStop(t *testing.T) {
	tt := NewTimerTable()
	var fired atomic.Bool
	tt.Arm("x", 20*time.Millisecond, func() { fired.Store(true) })

	if !tt.Stop("x") {
		t.Fatal("Stop reported no pending timer")
	}
	if tt.Stop("x") {
		t.Error("second Stop reported a pending timer")
	}
	time.Sleep(60 * time.Millisecond)
	if fired.Load() {
		t.Error("stopped timer fired")
	}
}

func TestTimerTableStopAllRefusesArm(t *testing.T) {
	tt := NewTimerTable()
	var fired atomic.Int32
	tt.Arm("a", 20*time.Millisecond, func() { fired.Add(1) })
	tt.Arm("b", 20*time.Millisecond, func() { fired.Add(1) })

	if n := tt.StopAll(); n != 2 {
		t.Errorf("StopAll = %d, want 2", n)
	}
	if tt.Arm("c", time.Millisecond, func() { fired.Add(1) }) {
		t.Error("Arm after StopAll succeeded")
	}
	time.Sleep(60 * time.Millisecond)
	if fired.Load() != 0 {
		t.Errorf("%d timers fired after StopAll", fired.Load())
	}
}

func TestRecorderMixesOverlay(t *testing.T) {
	r := newRecorder(time.Second)
	r.inbound([]byte{0x10, 0x00, 0x10, 0x00})
	r.outbound([]byte{0x01, 0x00, 0xff, 0x7f})
	r.inbound([]byte{0x20, 0x00})

	got := r.mix()
	// overlay starts at offset 4, after the first two inbound samples
	want := []byte{0x10, 0x00, 0x10, 0x00, 0x21, 0x00, 0xff, 0x7f}
	if string(got) != string(want) {
		t.Errorf("mix = % x, want % x", got, want)
	}
}

func TestRecorderStopsAtLimit(t *testing.T) {
	r := newRecorder(time.Second)
	r.inbound(make([]byte, recordBytesPerSecond))
	r.inbound(make([]byte, 2))
	if n := len(r.mix()); n != recordBytesPerSecond {
		t.Errorf("recorded %d bytes past the limit", n)
	}
}
