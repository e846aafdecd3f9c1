package bridge

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type sink struct {
	mu     sync.Mutex
	frames [][]byte
	got    chan struct{}
}

func newSink() *sink {
	return &sink{got: make(chan struct{}, 100)}
}

func (s *sink) write(pcm []byte) error {
	s.mu.Lock()
	s.frames = append(s.frames, pcm)
	s.mu.Unlock()
	s.got <- struct{}{}
	return nil
}

func (s *sink) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.got:
	case <-time.After(2 * time.Second):
		t.Fatal("no frame relayed")
	}
}

func TestRelayBothDirections(t *testing.T) {
	sa, sb := newSink(), newSink()
	a := NewChanEndpoint("call-1", "sip", 10, sa.write)
	b := NewChanEndpoint("peer-1", "test", 10, sb.write)

	m := NewManager()
	br, err := m.Create(a, b)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	a.Push([]byte{1, 2, 3, 4})
	sb.wait(t)
	b.Push([]byte{5, 6})
	sa.wait(t)

	st := br.Stats()
	if st.FramesA2B != 1 || st.FramesB2A != 1 || st.BytesA2B != 4 || st.BytesB2A != 2 {
		t.Errorf("stats = %+v", st)
	}
	if !m.IsBridged("call-1") || m.Count() != 1 {
		t.Error("bridge not tracked")
	}

	if _, err := m.Create(a, NewChanEndpoint("peer-2", "test", 1, nil)); !errors.Is(err, ErrAlreadyBridged) {
		t.Errorf("second Create = %v, want ErrAlreadyBridged", err)
	}

	id, err := m.DestroyByEndpoint("peer-1")
	if err != nil || id != br.ID {
		t.Fatalf("DestroyByEndpoint = %s, %v", id, err)
	}
	if m.Count() != 0 || m.IsBridged("call-1") {
		t.Error("bridge still tracked after destroy")
	}
	if err := a.WriteFrame([]byte{0}); !errors.Is(err, ErrEndpointClosed) {
		t.Errorf("write after destroy = %v, want ErrEndpointClosed", err)
	}
	if err := m.Destroy(br.ID); !errors.Is(err, ErrBridgeNotFound) {
		t.Errorf("second Destroy = %v, want ErrBridgeNotFound", err)
	}
}

func TestEndpointCloseTearsDownBridge(t *testing.T) {
	a := NewChanEndpoint("call-1", "sip", 10, nil)
	b := NewChanEndpoint("peer-1", "test", 10, nil)

	m := NewManager()
	br, err := m.Create(a, b)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	b.Close()
	select {
	case <-br.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("bridge not torn down after endpoint close")
	}

	deadline := time.Now().Add(time.Second)
	for m.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if m.Count() != 0 {
		t.Errorf("Count = %d, want 0", m.Count())
	}
}

func TestPushDropsWhenFull(t *testing.T) {
	e := NewChanEndpoint("x", "sip", 1, nil)
	if !e.Push([]byte{1}) {
		t.Fatal("first push rejected")
	}
	if e.Push([]byte{2}) {
		t.Error("push into full queue accepted")
	}
	if e.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", e.Dropped())
	}
	e.Close()
	if _, err := e.ReadFrame(context.Background()); err != nil && !errors.Is(err, ErrEndpointClosed) {
		t.Errorf("ReadFrame after close = %v", err)
	}
}

func TestWebSocketEndpoint(t *testing.T) {
	var (
		digits   = make(chan rune, 1)
		accepted = make(chan *WSEndpoint, 1)
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ep, err := Upgrade(w, r, "call-1", WithDigitHandler(func(d rune) { digits <- d }))
		if err != nil {
			t.Errorf("Upgrade: %v", err)
			return
		}
		accepted <- ep
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := DialWS(ctx, url, "call-1")
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	defer client.Close()

	var server *WSEndpoint
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatal("server endpoint not accepted")
	}
	defer server.Close()

	// Silence survives the µ-law round trip exactly.
	pcm := make([]byte, 320)
	if err := client.WriteFrame(pcm); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := server.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("frame len %d differs from sent", len(got))
	}

	if err := client.SendDigit('5'); err != nil {
		t.Fatalf("SendDigit: %v", err)
	}
	select {
	case d := <-digits:
		if d != '5' {
			t.Errorf("digit = %q, want '5'", d)
		}
	case <-ctx.Done():
		t.Fatal("digit not delivered")
	}

	client.Close()
	select {
	case <-server.Done():
	case <-ctx.Done():
		t.Fatal("server endpoint not closed after peer stop")
	}
}
