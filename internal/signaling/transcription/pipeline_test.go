package transcription

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeSTT labels each window with a counter and can be slowed down or made
// to fail.
type fakeSTT struct {
	calls    atomic.Int64
	inFlight atomic.Int64
	peak     atomic.Int64
	delay    time.Duration
	fail     bool
}

func (f *fakeSTT) Transcribe(ctx context.Context, audio []byte, opts Options) (Result, error) {
	n := f.calls.Add(1)
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if cur <= p || f.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	if f.fail {
		return Result{}, errors.New("backend unavailable")
	}
	return Result{Text: fmt.Sprintf("window %d (%d bytes)", n, len(audio)), Confidence: 0.9}, nil
}

func tone(d time.Duration) []byte {
	pcm := make([]byte, durationBytes(d))
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int16(4000)
		if (i/2)%16 < 8 {
			v = -4000
		}
		binary.LittleEndian.PutUint16(pcm[i:], uint16(v))
	}
	return pcm
}

func recv(t *testing.T, s *Stream) Segment {
	t.Helper()
	select {
	case seg, ok := <-s.Segments():
		if !ok {
			t.Fatal("segments closed")
		}
		return seg
	case <-time.After(2 * time.Second):
		t.Fatal("no segment")
	}
	return Segment{}
}

func TestWindowsInArrivalOrder(t *testing.T) {
	stt := &fakeSTT{}
	p := New(stt, Config{Window: 100 * time.Millisecond})
	defer p.Close()

	s, err := p.Open("call-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := p.Open("call-1"); !errors.Is(err, ErrStreamExists) {
		t.Errorf("second Open = %v, want ErrStreamExists", err)
	}

	// 350ms of audio: three full windows, 50ms left over.
	audio := tone(350 * time.Millisecond)
	for i := 0; i < len(audio); i += 320 {
		end := min(i+320, len(audio))
		s.Write(audio[i:end])
	}

	for want := uint64(1); want <= 3; want++ {
		seg := recv(t, s)
		if seg.Seq != want || seg.CallID != "call-1" || seg.Text == "" {
			t.Errorf("segment = %+v, want seq %d", seg, want)
		}
		if seg.DurationMs == 0 {
			t.Error("duration not filled in")
		}
	}
	if b := s.Buffered(); b != 50*time.Millisecond {
		t.Errorf("Buffered = %v, want 50ms", b)
	}
}

func TestFlushRespectsMinimum(t *testing.T) {
	stt := &fakeSTT{}
	p := New(stt, Config{Window: time.Second, MinAudio: 200 * time.Millisecond})
	defer p.Close()
	s, _ := p.Open("call-1")

	s.Write(tone(100 * time.Millisecond))
	s.Flush()
	if s.Buffered() != 0 {
		t.Error("short remainder not discarded")
	}

	s.Write(tone(300 * time.Millisecond))
	s.Flush()
	seg := recv(t, s)
	if seg.Seq != 1 {
		t.Errorf("flushed seq = %d, want 1", seg.Seq)
	}
	if stt.calls.Load() != 1 {
		t.Errorf("backend calls = %d, want 1", stt.calls.Load())
	}
}

func TestShortUtteranceFlushedAfterSilence(t *testing.T) {
	stt := &fakeSTT{}
	p := New(stt, Config{Window: 2 * time.Second, FlushAfter: 100 * time.Millisecond})
	defer p.Close()
	s, _ := p.Open("call-1")

	s.Write(tone(400 * time.Millisecond))
	quiet := make([]byte, durationBytes(20*time.Millisecond))
	for i := 0; i < 10; i++ {
		s.Write(quiet)
		time.Sleep(20 * time.Millisecond)
	}

	seg := recv(t, s)
	if seg.Seq != 1 || seg.Text == "" {
		t.Errorf("segment = %+v, want seq 1 with text", seg)
	}
	if got := stt.calls.Load(); got != 1 {
		t.Errorf("backend calls = %d, want 1", got)
	}
}

func TestShortUtteranceFlushedWhenAudioStops(t *testing.T) {
	stt := &fakeSTT{}
	p := New(stt, Config{Window: 2 * time.Second, FlushAfter: 100 * time.Millisecond})
	defer p.Close()
	s, _ := p.Open("call-1")

	s.Write(tone(500 * time.Millisecond))
	seg := recv(t, s)
	if seg.Seq != 1 {
		t.Errorf("seq = %d, want 1", seg.Seq)
	}
	if b := s.Buffered(); b != 0 {
		t.Errorf("Buffered = %v, want 0", b)
	}
}

func TestSilenceAloneNotFlushed(t *testing.T) {
	stt := &fakeSTT{}
	p := New(stt, Config{Window: 2 * time.Second, FlushAfter: 50 * time.Millisecond})
	defer p.Close()
	s, _ := p.Open("call-1")

	s.Write(make([]byte, durationBytes(500*time.Millisecond)))
	time.Sleep(200 * time.Millisecond)
	if got := stt.calls.Load(); got != 0 {
		t.Errorf("backend calls = %d, want 0", got)
	}
	if b := s.Buffered(); b != 500*time.Millisecond {
		t.Errorf("Buffered = %v, want 500ms", b)
	}
}

func TestSilenceSkipped(t *testing.T) {
	stt := &fakeSTT{}
	p := New(stt, Config{Window: 100 * time.Millisecond})
	defer p.Close()
	s, _ := p.Open("call-1")

	s.Write(make([]byte, durationBytes(300*time.Millisecond)))
	s.Write(tone(100 * time.Millisecond))

	seg := recv(t, s)
	if seg.Seq != 1 || stt.calls.Load() != 1 {
		t.Errorf("seq = %d calls = %d, want only the voiced window", seg.Seq, stt.calls.Load())
	}
}

func TestBackendFailureSurfacesAsSegment(t *testing.T) {
	p := New(&fakeSTT{fail: true}, Config{Window: 100 * time.Millisecond})
	defer p.Close()
	s, _ := p.Open("call-1")

	s.Write(tone(100 * time.Millisecond))
	seg := recv(t, s)
	if seg.Err == nil || seg.Text != "" {
		t.Errorf("segment = %+v, want error", seg)
	}
}

func TestInFlightCeiling(t *testing.T) {
	stt := &fakeSTT{delay: 50 * time.Millisecond}
	p := New(stt, Config{Window: 100 * time.Millisecond, MaxInFlight: 2})
	defer p.Close()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		s, err := p.Open(fmt.Sprintf("call-%d", i))
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		s.Write(tone(100 * time.Millisecond))
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-s.Segments():
			case <-time.After(2 * time.Second):
				t.Error("no segment")
			}
		}()
	}
	wg.Wait()

	if peak := stt.peak.Load(); peak > 2 {
		t.Errorf("peak in-flight = %d, want <= 2", peak)
	}
}

func TestCloseStopsStream(t *testing.T) {
	stt := &fakeSTT{delay: time.Second}
	p := New(stt, Config{Window: 100 * time.Millisecond})
	s, _ := p.Open("call-1")

	s.Write(tone(200 * time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Close()
		s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on in-flight request")
	}

	for range s.Segments() {
		t.Error("segment delivered after Close")
	}
	if err := s.Write(tone(10 * time.Millisecond)); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after Close = %v, want ErrClosed", err)
	}
	if p.Count() != 0 {
		t.Errorf("Count = %d, want 0", p.Count())
	}
}
