package speechclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sebas/callpilot/internal/signaling/session"
	"github.com/sebas/callpilot/internal/signaling/transcription"
)

func newGateway(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/transcribe", func(w http.ResponseWriter, r *http.Request) {
		var req transcribeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		audio, _ := base64.StdEncoding.DecodeString(req.Audio)
		_ = json.NewEncoder(w).Encode(transcribeResponse{
			Text:       "heard " + string(audio),
			Confidence: 0.9,
			DurationMs: int64(len(audio)),
		})
	})
	mux.HandleFunc("POST /v1/synthesize", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":"auth","message":"bad key"}`))
			return
		}
		var req synthesizeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write([]byte("pcm:" + req.Text))
	})
	mux.HandleFunc("POST /v1/conversations/{id}/turns", func(w http.ResponseWriter, r *http.Request) {
		var req turnRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(turnResponse{Reply: r.PathValue("id") + ":" + req.Text})
	})
	mux.HandleFunc("POST /v1/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestPool(t *testing.T, nodes ...Node) *Pool {
	t.Helper()
	p, err := NewPool(PoolConfig{
		Nodes:               nodes,
		HealthCheckInterval: time.Hour,
		UnhealthyThreshold:  2,
		HealthyThreshold:    1,
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestClientRoundTrips(t *testing.T) {
	gw := newGateway(t)
	c := New(newTestPool(t, Node{BaseURL: gw.URL}), Config{APIKey: "secret"})
	ctx := context.Background()

	res, err := c.Transcribe(ctx, []byte("hello"), transcription.Options{SampleRate: 8000})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "heard hello" || res.DurationMs != 5 {
		t.Errorf("Transcribe = %+v", res)
	}

	audio, err := c.Synthesize(ctx, "hi", session.SynthesizeOptions{SampleRate: 8000})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio) != "pcm:hi" {
		t.Errorf("Synthesize = %q", audio)
	}

	reply, err := c.ProcessMessage(ctx, "conv-1", "balance please")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if reply != "conv-1:balance please" {
		t.Errorf("reply = %q", reply)
	}
}

func TestClientGatewayError(t *testing.T) {
	gw := newGateway(t)
	p := newTestPool(t, Node{BaseURL: gw.URL})
	c := New(p, Config{})

	_, err := c.Synthesize(context.Background(), "hi", session.SynthesizeOptions{})
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("Synthesize error = %v, want *Error", err)
	}
	if apiErr.Status != http.StatusUnauthorized || apiErr.Message != "bad key" {
		t.Errorf("error = %+v", apiErr)
	}
	if !p.Ready() {
		t.Error("client error marked the node unhealthy")
	}

	for i := 0; i < 2; i++ {
		if _, err := c.postJSON(context.Background(), "/v1/broken", struct{}{}, nil); err == nil {
			t.Fatal("expected error from broken endpoint")
		}
	}
	if p.Ready() {
		t.Error("node still healthy after repeated server errors")
	}
	if _, err := c.Transcribe(context.Background(), nil, transcription.Options{}); !errors.Is(err, ErrNoAvailableNodes) {
		t.Errorf("Transcribe with no nodes = %v", err)
	}
}

func TestPoolHealthChecks(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	p := newTestPool(t,
		Node{ID: "a", BaseURL: "http://a", HealthAddr: lis.Addr().String()},
		Node{ID: "b", BaseURL: "http://b"},
	)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	p.checkAllHealth()
	p.checkAllHealth()

	for i := 0; i < 4; i++ {
		m, err := p.pick()
		if err != nil {
			t.Fatal(err)
		}
		if m.node.ID != "b" {
			t.Errorf("picked unhealthy node %s", m.node.ID)
		}
	}

	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	p.checkAllHealth()

	stats := p.Stats()
	if len(stats) != 2 || !stats[0].Healthy || !stats[1].Healthy {
		t.Errorf("stats = %+v", stats)
	}
}

func TestNewPoolRequiresNodes(t *testing.T) {
	if _, err := NewPool(PoolConfig{}); err == nil {
		t.Error("NewPool with no nodes succeeded")
	}
}
