package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// Registration defaults
const (
	DefaultRegisterExpires  = 3600 * time.Second
	DefaultReconnectBackoff = 5 * time.Second
	minRefresh              = time.Second
)

var (
	ErrAgentNotRegistered = errors.New("agent not registered")
	ErrInvalidAgentConfig = errors.New("invalid agent config")
)

// AgentConfig is the SIP account an agent registers with.
type AgentConfig struct {
	DisplayName string
	Host        string
	Port        int
	Transport   string // udp or tcp
	Username    string
	Password    string
	CallerID    string
	Expires     time.Duration
}

func (c AgentConfig) validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidAgentConfig)
	}
	if c.Username == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidAgentConfig)
	}
	switch strings.ToLower(c.Transport) {
	case "", "udp", "tcp":
	default:
		return fmt.Errorf("%w: unsupported transport %q", ErrInvalidAgentConfig, c.Transport)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidAgentConfig, c.Port)
	}
	return nil
}

func (c AgentConfig) withDefaults() AgentConfig {
	out := c
	if out.Port == 0 {
		out.Port = 5060
	}
	if out.Transport == "" {
		out.Transport = "udp"
	}
	if out.Expires <= 0 {
		out.Expires = DefaultRegisterExpires
	}
	if out.CallerID == "" {
		out.CallerID = out.Username
	}
	return out
}

// providerAddr is host:port of the agent's registrar/proxy.
func (c AgentConfig) providerAddr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// RegistrationState is where an agent's register loop is.
type RegistrationState string

const (
	RegStateRegistering  RegistrationState = "registering"
	RegStateRegistered   RegistrationState = "registered"
	RegStateFailed       RegistrationState = "failed"
	RegStateUnregistered RegistrationState = "unregistered"
)

// Registration tracks one agent's register loop.
type Registration struct {
	AgentID      string
	Config       AgentConfig
	State        RegistrationState
	LastError    string
	Attempts     int
	RegisteredAt time.Time
	ExpiresAt    time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// RegistrationInfo is a snapshot of a Registration without credentials.
type RegistrationInfo struct {
	AgentID      string            `json:"agent_id"`
	Username     string            `json:"username"`
	Host         string            `json:"host"`
	State        RegistrationState `json:"state"`
	LastError    string            `json:"last_error,omitempty"`
	Attempts     int               `json:"attempts"`
	RegisteredAt time.Time         `json:"registered_at,omitempty"`
	ExpiresAt    time.Time         `json:"expires_at,omitempty"`
}

func (r *Registration) info() RegistrationInfo {
	return RegistrationInfo{
		AgentID:      r.AgentID,
		Username:     r.Config.Username,
		Host:         r.Config.Host,
		State:        r.State,
		LastError:    r.LastError,
		Attempts:     r.Attempts,
		RegisteredAt: r.RegisteredAt,
		ExpiresAt:    r.ExpiresAt,
	}
}

// Registrar performs one REGISTER exchange. An expires of zero removes the
// binding. It returns the expiry granted by the registrar.
type Registrar interface {
	Register(ctx context.Context, cfg AgentConfig, expires time.Duration) (time.Duration, error)
}

// SIPRegistrar registers over a sipgo client, answering digest challenges.
type SIPRegistrar struct {
	client  *sipgo.Client
	contact sip.Uri
}

// NewSIPRegistrar creates a registrar advertising contact as our binding.
func NewSIPRegistrar(client *sipgo.Client, contact sip.Uri) *SIPRegistrar {
	return &SIPRegistrar{client: client, contact: contact}
}

func (r *SIPRegistrar) Register(ctx context.Context, cfg AgentConfig, expires time.Duration) (time.Duration, error) {
	recipient := sip.Uri{Scheme: "sip", Host: cfg.Host, Port: cfg.Port}
	req := sip.NewRequest(sip.REGISTER, recipient)

	aor := sip.Uri{Scheme: "sip", User: cfg.Username, Host: cfg.Host}
	fromParams := sip.NewParams()
	fromParams.Add("tag", generateTag())
	req.AppendHeader(&sip.FromHeader{DisplayName: cfg.DisplayName, Address: aor, Params: fromParams})
	req.AppendHeader(&sip.ToHeader{Address: aor, Params: sip.NewParams()})

	callID := sip.CallIDHeader(uuid.New().String())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.REGISTER})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	contact := r.contact
	contact.User = cfg.Username
	req.AppendHeader(&sip.ContactHeader{Address: contact})
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(int(expires.Seconds()))))

	if strings.EqualFold(cfg.Transport, "tcp") {
		req.SetTransport("TCP")
	}
	req.SetDestination(cfg.providerAddr())

	res, err := r.do(ctx, req)
	if err != nil {
		return 0, err
	}
	if isAuthChallenge(res.StatusCode) {
		if err := authorize(req, res, cfg.Username, cfg.Password); err != nil {
			return 0, err
		}
		if res, err = r.do(ctx, req); err != nil {
			return 0, err
		}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return 0, fmt.Errorf("register rejected: %d %s", res.StatusCode, res.Reason)
	}
	return grantedExpiry(res, expires), nil
}

// do sends req and waits for its final response.
func (r *SIPRegistrar) do(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := r.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Method, err)
	}
	defer tx.Terminate()

	for {
		select {
		case res := <-tx.Responses():
			if res == nil {
				return nil, fmt.Errorf("%s: transaction ended without response", req.Method)
			}
			if res.StatusCode < 200 {
				continue
			}
			return res, nil
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, fmt.Errorf("%s: %w", req.Method, err)
			}
			return nil, fmt.Errorf("%s: transaction terminated", req.Method)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// grantedExpiry reads the expiry the registrar granted, preferring the
// Contact expires parameter over the Expires header.
func grantedExpiry(res *sip.Response, requested time.Duration) time.Duration {
	if c := res.Contact(); c != nil {
		if v, ok := c.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return time.Duration(n) * time.Second
			}
		}
	}
	if h := res.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return requested
}

// RegisterAgent starts (or restarts) the register loop for an agent. Only
// an invalid config is returned as an error; transport and auth failures
// are retried in the background every ReconnectBackoff.
func (m *Manager) RegisterAgent(ctx context.Context, agentID string, cfg AgentConfig) error {
	if agentID == "" {
		return fmt.Errorf("%w: agent id is required", ErrInvalidAgentConfig)
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	cfg = cfg.withDefaults()

	loopCtx, cancel := context.WithCancel(m.ctx)
	reg := &Registration{
		AgentID: agentID,
		Config:  cfg,
		State:   RegStateRegistering,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	m.regMu.Lock()
	prev := m.regs[agentID]
	m.regs[agentID] = reg
	m.regMu.Unlock()

	if prev != nil {
		prev.cancel()
		select {
		case <-prev.done:
		case <-ctx.Done():
			cancel()
			return ctx.Err()
		}
		slog.Info("[Register] Replaced registration", "agent_id", agentID)
	}

	go m.registerLoop(loopCtx, reg)
	return nil
}

func (m *Manager) registerLoop(ctx context.Context, reg *Registration) {
	defer close(reg.done)

	wasRegistered := false
	for {
		m.regMu.Lock()
		reg.Attempts++
		if !wasRegistered {
			reg.State = RegStateRegistering
		}
		cfg := reg.Config
		m.regMu.Unlock()

		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.RegisterTimeout)
		expires, err := m.registrar.Register(attemptCtx, cfg, cfg.Expires)
		cancel()
		if ctx.Err() != nil {
			return
		}

		var wait time.Duration
		if err != nil {
			wasRegistered = false
			m.regMu.Lock()
			reg.State = RegStateFailed
			reg.LastError = err.Error()
			attempts := reg.Attempts
			m.regMu.Unlock()

			slog.Warn("[Register] Registration failed, will retry",
				"agent_id", reg.AgentID,
				"host", cfg.Host,
				"attempt", attempts,
				"retry_in", m.cfg.ReconnectBackoff,
				"error", err,
			)
			m.emit(Event{Type: EventRegistrationFailed, AgentID: reg.AgentID, Reason: err.Error(), Err: err})
			wait = m.cfg.ReconnectBackoff
		} else {
			now := time.Now()
			m.regMu.Lock()
			reg.State = RegStateRegistered
			reg.LastError = ""
			reg.RegisteredAt = now
			reg.ExpiresAt = now.Add(expires)
			m.regMu.Unlock()

			if !wasRegistered {
				slog.Info("[Register] Registered", "agent_id", reg.AgentID, "host", cfg.Host, "expires", expires)
				m.emit(Event{Type: EventRegistered, AgentID: reg.AgentID})
			}
			wasRegistered = true
			wait = max(expires/2, minRefresh)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// UnregisterAgent stops the agent's loop and removes its binding best
// effort.
func (m *Manager) UnregisterAgent(agentID string) error {
	m.regMu.Lock()
	reg, ok := m.regs[agentID]
	if ok {
		delete(m.regs, agentID)
	}
	m.regMu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", agentID, ErrAgentNotRegistered)
	}

	reg.cancel()
	<-reg.done

	m.regMu.Lock()
	wasRegistered := reg.State == RegStateRegistered
	reg.State = RegStateUnregistered
	cfg := reg.Config
	m.regMu.Unlock()

	if wasRegistered {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RegisterTimeout)
		if _, err := m.registrar.Register(ctx, cfg, 0); err != nil {
			slog.Warn("[Register] Unregister failed", "agent_id", agentID, "error", err)
		}
		cancel()
	}

	slog.Info("[Register] Unregistered", "agent_id", agentID)
	m.emit(Event{Type: EventUnregistered, AgentID: agentID})
	return nil
}

// Registration returns a snapshot of an agent's registration.
func (m *Manager) Registration(agentID string) (RegistrationInfo, bool) {
	m.regMu.RLock()
	defer m.regMu.RUnlock()
	reg, ok := m.regs[agentID]
	if !ok {
		return RegistrationInfo{}, false
	}
	return reg.info(), true
}

// Registrations returns snapshots of every agent.
func (m *Manager) Registrations() []RegistrationInfo {
	m.regMu.RLock()
	defer m.regMu.RUnlock()
	out := make([]RegistrationInfo, 0, len(m.regs))
	for _, reg := range m.regs {
		out = append(out, reg.info())
	}
	return out
}

// agentConfig returns the account of a known agent.
func (m *Manager) agentConfig(agentID string) (AgentConfig, bool) {
	m.regMu.RLock()
	defer m.regMu.RUnlock()
	reg, ok := m.regs[agentID]
	if !ok {
		return AgentConfig{}, false
	}
	return reg.Config, true
}

// resolveAgent maps an inbound INVITE to the agent whose username matches
// the Request-URI or To user, falling back to the default agent.
func (m *Manager) resolveAgent(req *sip.Request) string {
	users := []string{req.Recipient.User}
	if to := req.To(); to != nil {
		users = append(users, to.Address.User)
	}

	m.regMu.RLock()
	defer m.regMu.RUnlock()
	for _, user := range users {
		if user == "" {
			continue
		}
		for id, reg := range m.regs {
			if reg.Config.Username == user || id == user {
				return id
			}
		}
	}
	return m.cfg.DefaultAgent
}
