package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/sebas/callpilot/internal/rtpmanager/bridge"
	"github.com/sebas/callpilot/internal/signaling/campaign"
	"github.com/sebas/callpilot/internal/signaling/dialog"
	"github.com/sebas/callpilot/internal/signaling/drain"
	"github.com/sebas/callpilot/internal/signaling/session"
)

type fakeCalls struct {
	mu       sync.Mutex
	sessions map[string]session.Info
	dials    []session.DialRequest
	digits   []string
	profiles map[string]session.AgentProfile
	bridges  *bridge.Manager
	peerPCM  chan []byte
}

func newFakeCalls() *fakeCalls {
	return &fakeCalls{
		sessions: map[string]session.Info{
			"s1": {ID: "s1", DialogID: "d1", AgentID: "agent-1", Status: session.StatusConnected, StartedAt: time.Now()},
		},
		profiles: make(map[string]session.AgentProfile),
		bridges:  bridge.NewManager(),
		peerPCM:  make(chan []byte, 16),
	}
}

func (f *fakeCalls) List() []session.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]session.Info, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out
}

func (f *fakeCalls) Get(id string) (session.Info, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	return s, ok
}

func (f *fakeCalls) Count() int { return len(f.List()) }

func (f *fakeCalls) Dial(_ context.Context, req session.DialRequest) (*session.DialOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials = append(f.dials, req)
	if req.PhoneNumber == "+15550000" {
		return &session.DialOutcome{SessionID: "s-busy", Outcome: dialog.OutcomeBusy, StatusCode: 486, Reason: "Busy Here"}, nil
	}
	if req.AgentID != "agent-1" {
		return nil, dialog.ErrAgentNotRegistered
	}
	f.sessions["s2"] = session.Info{ID: "s2", AgentID: req.AgentID, Status: session.StatusConnected}
	return &session.DialOutcome{SessionID: "s2", DialogID: "d2", Outcome: dialog.OutcomeConnected, StatusCode: 200}, nil
}

func (f *fakeCalls) End(id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return session.ErrSessionNotFound
	}
	delete(f.sessions, id)
	return nil
}

func (f *fakeCalls) SendDigits(_ context.Context, id, digits string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return session.ErrSessionNotFound
	}
	f.digits = append(f.digits, digits)
	return nil
}

func (f *fakeCalls) sentDigits() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.digits...)
}

func (f *fakeCalls) AttachPeer(id string, ep bridge.Endpoint) (*bridge.Bridge, error) {
	callEP := bridge.NewChanEndpoint(id, "sip", 16, func(pcm []byte) error {
		f.peerPCM <- pcm
		return nil
	})
	return f.bridges.Create(callEP, ep)
}

func (f *fakeCalls) SetAgentProfile(agentID string, p session.AgentProfile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[agentID] = p
}

type nopDialer struct{}

func (nopDialer) Dial(context.Context, session.DialRequest) (*session.DialOutcome, error) {
	return &session.DialOutcome{Outcome: dialog.OutcomeNoAnswer}, nil
}

func (nopDialer) End(string, string) error { return nil }

type fakeMenus struct{ err error }

func (m fakeMenus) Reload() error { return m.err }

type testAPI struct {
	srv    *Server
	calls  *fakeCalls
	tokens *Tokens
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	tokens, err := NewTokens("test-secret")
	if err != nil {
		t.Fatal(err)
	}
	calls := newFakeCalls()
	srv := NewServer("127.0.0.1:0", Deps{
		Calls:     calls,
		Campaigns: campaign.New(campaign.Config{Dialer: nopDialer{}}),
		Menus:     fakeMenus{},
		Tokens:    tokens,
	})
	return &testAPI{srv: srv, calls: calls, tokens: tokens}
}

func (a *testAPI) token(t *testing.T, role string) string {
	t.Helper()
	tok, err := a.tokens.Issue("tester", role, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (a *testAPI) do(t *testing.T, method, path, role string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+a.token(t, role))
	}
	w := httptest.NewRecorder()
	a.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealthIsPublic(t *testing.T) {
	a := newTestAPI(t)
	if w := a.do(t, http.MethodGet, "/api/v1/health", "", nil); w.Code != http.StatusOK {
		t.Errorf("health = %d", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	a := newTestAPI(t)

	if w := a.do(t, http.MethodGet, "/api/v1/stats", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w := httptest.NewRecorder()
	a.srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad token = %d, want 401", w.Code)
	}

	if w := a.do(t, http.MethodGet, "/api/v1/stats", RoleViewer, nil); w.Code != http.StatusOK {
		t.Errorf("viewer stats = %d", w.Code)
	}
	if w := a.do(t, http.MethodPost, "/api/v1/calls", RoleViewer, dialRequest{AgentID: "agent-1", PhoneNumber: "+1555"}); w.Code != http.StatusForbidden {
		t.Errorf("viewer dial = %d, want 403", w.Code)
	}
	if w := a.do(t, http.MethodPost, "/api/v1/ivr/reload", RoleOperator, nil); w.Code != http.StatusForbidden {
		t.Errorf("operator reload = %d, want 403", w.Code)
	}
}

func TestTokensRejectExpiredAndForeign(t *testing.T) {
	tokens, _ := NewTokens("secret-a")
	tokens.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, err := tokens.Issue("u", RoleAdmin, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	tokens.now = time.Now
	if _, err := tokens.Verify(old); err == nil {
		t.Error("expired token verified")
	}

	other, _ := NewTokens("secret-b")
	tok, _ := other.Issue("u", RoleAdmin, time.Hour)
	if _, err := tokens.Verify(tok); err == nil {
		t.Error("token signed with another secret verified")
	}

	bad, _ := tokens.Issue("u", "root", time.Hour)
	if _, err := tokens.Verify(bad); err == nil {
		t.Error("unknown role verified")
	}

	if _, err := NewTokens(""); err == nil {
		t.Error("empty secret accepted")
	}
}

func TestCallRoutes(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodPost, "/api/v1/calls", RoleOperator, dialRequest{AgentID: "agent-1", PhoneNumber: "+15551234"})
	if w.Code != http.StatusCreated {
		t.Fatalf("dial = %d %s", w.Code, w.Body)
	}
	res := decode[dialResponse](t, w)
	if res.SessionID != "s2" || res.Outcome != dialog.OutcomeConnected {
		t.Errorf("dial response = %+v", res)
	}

	w = a.do(t, http.MethodPost, "/api/v1/calls", RoleOperator, dialRequest{AgentID: "agent-1", PhoneNumber: "+15550000"})
	if w.Code != http.StatusOK || decode[dialResponse](t, w).Outcome != dialog.OutcomeBusy {
		t.Errorf("busy dial = %d %s", w.Code, w.Body)
	}

	if w := a.do(t, http.MethodPost, "/api/v1/calls", RoleOperator, dialRequest{AgentID: "ghost", PhoneNumber: "+1555"}); w.Code != http.StatusNotFound {
		t.Errorf("unknown agent dial = %d, want 404", w.Code)
	}
	if w := a.do(t, http.MethodPost, "/api/v1/calls", RoleOperator, map[string]string{"agent_id": "agent-1"}); w.Code != http.StatusBadRequest {
		t.Errorf("missing phone = %d, want 400", w.Code)
	}

	list := decode[struct {
		Count int `json:"count"`
	}](t, a.do(t, http.MethodGet, "/api/v1/calls", RoleViewer, nil))
	if list.Count != 2 {
		t.Errorf("call count = %d, want 2", list.Count)
	}

	if w := a.do(t, http.MethodGet, "/api/v1/calls/s1", RoleViewer, nil); w.Code != http.StatusOK || decode[session.Info](t, w).AgentID != "agent-1" {
		t.Errorf("get call = %d %s", w.Code, w.Body)
	}
	if w := a.do(t, http.MethodGet, "/api/v1/calls/nope", RoleViewer, nil); w.Code != http.StatusNotFound {
		t.Errorf("get unknown = %d", w.Code)
	}

	if w := a.do(t, http.MethodPost, "/api/v1/calls/s1/digits", RoleOperator, digitsRequest{Digits: "12#"}); w.Code != http.StatusAccepted {
		t.Errorf("digits = %d", w.Code)
	}

	if w := a.do(t, http.MethodDelete, "/api/v1/calls/s1", RoleOperator, nil); w.Code != http.StatusNoContent {
		t.Errorf("end = %d", w.Code)
	}
	if w := a.do(t, http.MethodDelete, "/api/v1/calls/s1", RoleOperator, nil); w.Code != http.StatusNotFound {
		t.Errorf("second end = %d, want 404", w.Code)
	}
}

func TestCampaignRoutes(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodPost, "/api/v1/campaigns", RoleOperator, map[string]any{
		"agent_id":      "agent-1",
		"name":          "renewals",
		"phone_numbers": []string{"+15551001", "+15551002", "+15551001"},
		"max_retries":   2,
		"retry_delay":   "2m",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", w.Code, w.Body)
	}
	cp := decode[campaign.Campaign](t, w)
	if cp.TotalCalls != 2 || cp.Status != campaign.StatusActive || cp.RetryDelay != 2*time.Minute {
		t.Errorf("campaign = %+v", cp)
	}

	if w := a.do(t, http.MethodPost, "/api/v1/campaigns", RoleOperator, map[string]any{"agent_id": "a", "phone_numbers": []string{}}); w.Code != http.StatusBadRequest {
		t.Errorf("empty campaign = %d, want 400", w.Code)
	}
	if w := a.do(t, http.MethodPost, "/api/v1/campaigns", RoleOperator, map[string]any{"agent_id": "a", "phone_numbers": []string{"1"}, "retry_delay": "soon"}); w.Code != http.StatusBadRequest {
		t.Errorf("bad duration = %d, want 400", w.Code)
	}

	calls := decode[struct {
		Calls []campaign.Call `json:"calls"`
	}](t, a.do(t, http.MethodGet, "/api/v1/campaigns/"+cp.ID+"/calls", RoleViewer, nil))
	if len(calls.Calls) != 2 || calls.Calls[0].PhoneNumber != "+15551001" {
		t.Errorf("calls = %+v", calls.Calls)
	}

	if w := a.do(t, http.MethodPost, "/api/v1/campaigns/"+cp.ID+"/pause", RoleOperator, nil); w.Code != http.StatusOK || decode[campaign.Campaign](t, w).Status != campaign.StatusPaused {
		t.Errorf("pause = %d %s", w.Code, w.Body)
	}
	if w := a.do(t, http.MethodPost, "/api/v1/campaigns/"+cp.ID+"/pause", RoleOperator, nil); w.Code != http.StatusConflict {
		t.Errorf("second pause = %d, want 409", w.Code)
	}

	list := decode[struct {
		Count int `json:"count"`
	}](t, a.do(t, http.MethodGet, "/api/v1/campaigns?status=paused", RoleViewer, nil))
	if list.Count != 1 {
		t.Errorf("paused campaigns = %d", list.Count)
	}

	if w := a.do(t, http.MethodPost, "/api/v1/campaigns/"+cp.ID+"/cancel", RoleOperator, nil); w.Code != http.StatusOK {
		t.Errorf("cancel = %d", w.Code)
	}
	if w := a.do(t, http.MethodGet, "/api/v1/campaigns/missing", RoleViewer, nil); w.Code != http.StatusNotFound {
		t.Errorf("get missing = %d", w.Code)
	}
}

func TestUnconfiguredProviders(t *testing.T) {
	a := newTestAPI(t)
	if w := a.do(t, http.MethodGet, "/api/v1/agents", RoleViewer, nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("agents = %d, want 503", w.Code)
	}
	if w := a.do(t, http.MethodPost, "/api/v1/ivr/reload", RoleAdmin, nil); w.Code != http.StatusOK {
		t.Errorf("reload = %d", w.Code)
	}
}

func TestDrainRoutes(t *testing.T) {
	a := newTestAPI(t)
	if w := a.do(t, http.MethodGet, "/api/v1/drain", RoleViewer, nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("drain without coordinator = %d, want 503", w.Code)
	}
	a.srv.deps.Drain = drain.NewCoordinator(a.calls)

	if w := a.do(t, http.MethodPost, "/api/v1/drain", RoleOperator, nil); w.Code != http.StatusForbidden {
		t.Errorf("operator drain = %d, want 403", w.Code)
	}
	if w := a.do(t, http.MethodPost, "/api/v1/drain", RoleAdmin, gin.H{"mode": "sideways"}); w.Code != http.StatusBadRequest {
		t.Errorf("bad mode = %d, want 400", w.Code)
	}

	w := a.do(t, http.MethodPost, "/api/v1/drain", RoleAdmin, gin.H{"mode": "graceful", "timeout": "1m"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("start drain = %d %s", w.Code, w.Body)
	}
	st := decode[drain.Status](t, w)
	if st.State != drain.StateDraining || st.TotalCalls != 1 {
		t.Errorf("status = %+v, want draining with the live call", st)
	}

	if w := a.do(t, http.MethodPost, "/api/v1/calls", RoleOperator, dialRequest{AgentID: "agent-1", PhoneNumber: "+15551234"}); w.Code != http.StatusServiceUnavailable {
		t.Errorf("dial while draining = %d, want 503", w.Code)
	}
	if w := a.do(t, http.MethodPost, "/api/v1/drain", RoleAdmin, nil); w.Code != http.StatusConflict {
		t.Errorf("second drain = %d, want 409", w.Code)
	}
	if got := decode[drain.Status](t, a.do(t, http.MethodGet, "/api/v1/drain", RoleViewer, nil)); got.State != drain.StateDraining {
		t.Errorf("GET drain state = %s", got.State)
	}

	if w := a.do(t, http.MethodDelete, "/api/v1/drain", RoleAdmin, nil); w.Code != http.StatusOK {
		t.Errorf("cancel drain = %d", w.Code)
	}
	if w := a.do(t, http.MethodDelete, "/api/v1/drain", RoleAdmin, nil); w.Code != http.StatusConflict {
		t.Errorf("cancel twice = %d, want 409", w.Code)
	}
	if w := a.do(t, http.MethodPost, "/api/v1/calls", RoleOperator, dialRequest{AgentID: "agent-1", PhoneNumber: "+15551234"}); w.Code != http.StatusCreated {
		t.Errorf("dial after cancel = %d, want 201", w.Code)
	}
}

func TestAudioPeerWebSocket(t *testing.T) {
	a := newTestAPI(t)
	ts := httptest.NewServer(a.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws/calls/s1/audio?token=" + a.token(t, RoleOperator)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var start wsMsg
	if err := conn.ReadJSON(&start); err != nil {
		t.Fatalf("read start: %v", err)
	}
	if start.Event != "start" || start.CallID != "s1" {
		t.Errorf("first message = %+v", start)
	}

	if err := conn.WriteJSON(map[string]any{"event": "dtmf", "dtmf": map[string]string{"digit": "5"}}); err != nil {
		t.Fatal(err)
	}
	frame := bytes.Repeat([]byte{0xff}, 160)
	if err := conn.WriteJSON(map[string]any{"event": "media", "media": map[string]string{"payload": base64.StdEncoding.EncodeToString(frame)}}); err != nil {
		t.Fatal(err)
	}

	select {
	case pcm := <-a.calls.peerPCM:
		if len(pcm) == 0 {
			t.Error("empty frame relayed to the call")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer audio never reached the call")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(a.calls.sentDigits()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if d := a.calls.sentDigits(); len(d) != 1 || d[0] != "5" {
		t.Errorf("digits sent to caller = %v", d)
	}
}

func TestAudioPeerUnknownCall(t *testing.T) {
	a := newTestAPI(t)
	if w := a.do(t, http.MethodGet, "/api/v1/ws/calls/nope/audio", RoleOperator, nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown call = %d, want 404", w.Code)
	}
}

type wsMsg struct {
	Event  string `json:"event"`
	CallID string `json:"callId"`
}
