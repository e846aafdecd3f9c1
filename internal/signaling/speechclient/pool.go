// Package speechclient talks to the speech gateway: speech-to-text,
// text-to-speech and the conversational turn generator, spread over a pool
// of gateway nodes that are health-checked over the gRPC health protocol.
package speechclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// ErrNoAvailableNodes is returned when every gateway node is unhealthy.
var ErrNoAvailableNodes = errors.New("no available speech nodes")

// Node is one speech gateway instance.
type Node struct {
	ID      string
	BaseURL string
	// HealthAddr is the gRPC health endpoint. Empty means the node is
	// assumed healthy and only request failures count against it.
	HealthAddr string
}

// PoolConfig holds configuration for the gateway pool
type PoolConfig struct {
	Nodes               []Node
	HealthService       string
	ConnectTimeout      time.Duration
	KeepaliveInterval   time.Duration
	KeepaliveTimeout    time.Duration
	HealthCheckInterval time.Duration
	UnhealthyThreshold  int // consecutive failed checks before marking unhealthy
	HealthyThreshold    int // consecutive good checks before marking healthy
}

// DefaultPoolConfig returns sensible defaults
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		ConnectTimeout:      5 * time.Second,
		KeepaliveInterval:   30 * time.Second,
		KeepaliveTimeout:    10 * time.Second,
		HealthCheckInterval: 5 * time.Second,
		UnhealthyThreshold:  3,
		HealthyThreshold:    2,
	}
}

type member struct {
	node         Node
	conn         *grpc.ClientConn
	health       healthpb.HealthClient
	healthy      atomic.Bool
	failCount    atomic.Int32
	successCount atomic.Int32
}

// Pool balances requests over healthy gateway nodes.
type Pool struct {
	members   []*member
	cfg       PoolConfig
	nextIndex atomic.Uint64
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewPool creates the pool and starts health checking. Nodes start healthy.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if len(cfg.Nodes) == 0 {
		return nil, fmt.Errorf("no speech gateway nodes configured")
	}
	def := DefaultPoolConfig()
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = def.HealthCheckInterval
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = def.KeepaliveInterval
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = def.UnhealthyThreshold
	}
	if cfg.HealthyThreshold <= 0 {
		cfg.HealthyThreshold = def.HealthyThreshold
	}

	p := &Pool{cfg: cfg, stopCh: make(chan struct{})}
	for i, n := range cfg.Nodes {
		if n.ID == "" {
			n.ID = fmt.Sprintf("speech-%d", i)
		}
		m := &member{node: n}
		m.healthy.Store(true)
		if n.HealthAddr != "" {
			conn, err := grpc.NewClient(n.HealthAddr,
				grpc.WithTransportCredentials(insecure.NewCredentials()),
				grpc.WithKeepaliveParams(keepalive.ClientParameters{
					Time:                cfg.KeepaliveInterval,
					Timeout:             cfg.KeepaliveTimeout,
					PermitWithoutStream: true,
				}),
			)
			if err != nil {
				p.closeConns()
				return nil, fmt.Errorf("speech node %s health client: %w", n.ID, err)
			}
			m.conn = conn
			m.health = healthpb.NewHealthClient(conn)
		}
		p.members = append(p.members, m)
	}

	p.wg.Add(1)
	go p.healthChecker()

	slog.Info("[Speech] Gateway pool initialized", "nodes", len(p.members))
	return p, nil
}

func (p *Pool) healthChecker() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.checkAllHealth()
		}
	}
}

func (p *Pool) checkAllHealth() {
	for _, m := range p.members {
		if m.health == nil {
			continue
		}
		p.record(m, p.checkMember(m))
	}
}

func (p *Pool) checkMember(m *member) bool {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectTimeout)
	defer cancel()
	resp, err := m.health.Check(ctx, &healthpb.HealthCheckRequest{Service: p.cfg.HealthService})
	if err != nil {
		slog.Debug("[Speech] Health check failed", "node_id", m.node.ID, "error", err)
		return false
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

// record applies one check or request result to the member's thresholds.
func (p *Pool) record(m *member, ok bool) {
	if ok {
		m.failCount.Store(0)
		n := m.successCount.Add(1)
		if !m.healthy.Load() && int(n) >= p.cfg.HealthyThreshold {
			m.healthy.Store(true)
			slog.Info("[Speech] Node marked healthy", "node_id", m.node.ID)
		}
		return
	}
	m.successCount.Store(0)
	n := m.failCount.Add(1)
	if m.healthy.Load() && int(n) >= p.cfg.UnhealthyThreshold {
		m.healthy.Store(false)
		slog.Warn("[Speech] Node marked unhealthy", "node_id", m.node.ID)
	}
}

// pick returns a healthy node, round-robin.
func (p *Pool) pick() (*member, error) {
	available := make([]*member, 0, len(p.members))
	for _, m := range p.members {
		if m.healthy.Load() {
			available = append(available, m)
		}
	}
	if len(available) == 0 {
		return nil, ErrNoAvailableNodes
	}
	idx := p.nextIndex.Add(1) % uint64(len(available))
	return available[idx], nil
}

// Ready reports whether any node is healthy.
func (p *Pool) Ready() bool {
	for _, m := range p.members {
		if m.healthy.Load() {
			return true
		}
	}
	return false
}

// NodeStats is a point-in-time view of one node.
type NodeStats struct {
	ID      string `json:"id"`
	BaseURL string `json:"base_url"`
	Healthy bool   `json:"healthy"`
}

// Stats returns the state of every node.
func (p *Pool) Stats() []NodeStats {
	out := make([]NodeStats, 0, len(p.members))
	for _, m := range p.members {
		out = append(out, NodeStats{ID: m.node.ID, BaseURL: m.node.BaseURL, Healthy: m.healthy.Load()})
	}
	return out
}

// Close stops health checking and closes health connections.
func (p *Pool) Close() error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	return p.closeConns()
}

func (p *Pool) closeConns() error {
	var errs []error
	for _, m := range p.members {
		if m.conn != nil {
			errs = append(errs, m.conn.Close())
		}
	}
	return errors.Join(errs...)
}
