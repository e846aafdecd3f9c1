package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

func TestNegotiateCodec(t *testing.T) {
	tests := []struct {
		offer []string
		want  string
		err   bool
	}{
		{[]string{"0", "101"}, "PCMU", false},
		{[]string{"8", "0"}, "PCMA", false},
		{[]string{"96", "8"}, "PCMA", false},
		{[]string{"18", "101"}, "", true},
	}
	for _, tt := range tests {
		c, err := NegotiateCodec(tt.offer)
		if (err != nil) != tt.err {
			t.Errorf("NegotiateCodec(%v) error = %v", tt.offer, err)
			continue
		}
		if c.Name != tt.want {
			t.Errorf("NegotiateCodec(%v) = %s, want %s", tt.offer, c.Name, tt.want)
		}
	}
}

func TestCodecFrameSizes(t *testing.T) {
	if CodecPCMU.SamplesPerFrame() != 160 {
		t.Errorf("SamplesPerFrame = %d, want 160", CodecPCMU.SamplesPerFrame())
	}
	pcm := make([]byte, 320)
	if got := len(CodecPCMU.Encode(pcm)); got != 160 {
		t.Errorf("encoded frame = %d bytes, want 160", got)
	}
	if got := len(CodecPCMA.Decode(make([]byte, 160))); got != 320 {
		t.Errorf("decoded frame = %d bytes, want 320", got)
	}
}

func TestSDPRoundTrip(t *testing.T) {
	body, err := BuildSDP("10.0.0.5", 20002, CodecPCMA)
	if err != nil {
		t.Fatalf("BuildSDP: %v", err)
	}
	ep, err := ParseSDP(body)
	if err != nil {
		t.Fatalf("ParseSDP: %v", err)
	}
	if ep.Addr != "10.0.0.5" || ep.Port != 20002 {
		t.Errorf("endpoint = %s:%d, want 10.0.0.5:20002", ep.Addr, ep.Port)
	}
	if len(ep.Formats) != 2 || ep.Formats[0] != "8" || ep.Formats[1] != "101" {
		t.Errorf("formats = %v, want [8 101]", ep.Formats)
	}
	if !bytes.Contains(body, []byte("a=rtpmap:101 telephone-event/8000")) {
		t.Errorf("telephone-event rtpmap missing:\n%s", body)
	}
}

func TestParseSDPErrors(t *testing.T) {
	if _, err := ParseSDP(nil); err == nil {
		t.Error("empty body accepted")
	}
	if _, err := ParseSDP([]byte("garbage")); err == nil {
		t.Error("garbage accepted")
	}
}

func TestPortPool(t *testing.T) {
	p := NewPortPool(30001, 30006)

	seen := map[int]bool{}
	for i := 0; i < 2; i++ {
		port, err := p.Allocate()
		if err != nil {
			t.Fatalf("Allocate %d: %v", i, err)
		}
		if port%2 != 0 {
			t.Errorf("port %d is odd", port)
		}
		seen[port] = true
	}
	if _, err := p.Allocate(); !errors.Is(err, ErrNoPorts) {
		t.Errorf("exhausted Allocate error = %v, want ErrNoPorts", err)
	}

	p.Release(30002)
	if p.Available() != 1 {
		t.Errorf("Available = %d, want 1", p.Available())
	}
	port, err := p.Allocate()
	if err != nil || port != 30002 {
		t.Errorf("Allocate after release = %d, %v; want 30002", port, err)
	}
}

func TestWAVRoundTrip(t *testing.T) {
	pcm := make([]byte, 320)
	for i := 0; i < 160; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(i*10)))
	}
	wav := EncodeWAV(pcm, 8000)

	af, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if af.SampleRate != 8000 || af.NumChannels != 1 || !bytes.Equal(af.PCMData, pcm) {
		t.Errorf("decoded = rate %d ch %d len %d", af.SampleRate, af.NumChannels, len(af.PCMData))
	}
}

func TestToPlaybackPCM(t *testing.T) {
	raw := []byte{1, 2, 3, 4}
	got, err := ToPlaybackPCM(raw)
	if err != nil || !bytes.Equal(got, raw) {
		t.Errorf("raw PCM = %v, %v; want passthrough", got, err)
	}

	// 16kHz input halves in length
	wav := EncodeWAV(make([]byte, 3200), 16000)
	got, err = ToPlaybackPCM(wav)
	if err != nil {
		t.Fatalf("ToPlaybackPCM: %v", err)
	}
	if len(got) < 1590 || len(got) > 1600 {
		t.Errorf("resampled len = %d, want ~1600", len(got))
	}
}

func TestSequenceTracker(t *testing.T) {
	var s SequenceTracker
	for _, seq := range []uint16{65534, 65535, 1, 0} {
		s.Update(seq)
	}
	st := s.Stats()
	if st.Received != 4 || st.Lost != 1 || st.Reordered != 1 {
		t.Errorf("stats = %+v, want received 4 lost 1 reordered 1", st)
	}
	ext, _ := s.Update(2)
	if ext != 1<<16|2 {
		t.Errorf("extended = %d, want %d", ext, 1<<16|2)
	}
}

func TestSessionLoopback(t *testing.T) {
	pool := NewPortPool(41000, 41099)

	a, err := NewSession("a", pool, "127.0.0.1", "127.0.0.1")
	if err != nil {
		t.Fatalf("NewSession a: %v", err)
	}
	defer a.Close()
	b, err := NewSession("b", pool, "127.0.0.1", "127.0.0.1")
	if err != nil {
		t.Fatalf("NewSession b: %v", err)
	}
	defer b.Close()

	offer, err := a.Offer()
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}
	answer, err := b.Answer(offer)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if err := a.ApplyAnswer(answer); err != nil {
		t.Fatalf("ApplyAnswer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.Start(ctx)

	if err := a.Play(ctx, make([]byte, 640)); err != nil {
		t.Fatalf("Play: %v", err)
	}
	select {
	case f := <-b.Audio():
		if len(f.PCM) != 320 {
			t.Errorf("frame PCM = %d bytes, want 320", len(f.PCM))
		}
	case <-ctx.Done():
		t.Fatal("no audio frame received")
	}

	if err := a.SendDigits(ctx, "7"); err != nil {
		t.Fatalf("SendDigits: %v", err)
	}
	select {
	case d := <-b.Digits():
		if d != '7' {
			t.Errorf("digit = %q, want '7'", d)
		}
	case <-ctx.Done():
		t.Fatal("no digit received")
	}

	b.Close()
	if pool.Allocated() != 1 {
		t.Errorf("Allocated after close = %d, want 1", pool.Allocated())
	}
}

func TestSessionPlayWithoutRemote(t *testing.T) {
	pool := NewPortPool(41100, 41109)
	s, err := NewSession("x", pool, "127.0.0.1", "127.0.0.1")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	if err := s.Play(context.Background(), make([]byte, 320)); !errors.Is(err, ErrNoRemote) {
		t.Errorf("Play error = %v, want ErrNoRemote", err)
	}
}
