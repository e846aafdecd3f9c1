// Package bridge relays audio frames between two endpoints, typically the
// SIP media leg of a call and a WebSocket peer. It knows nothing about
// call semantics.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

var (
	ErrBridgeNotFound  = errors.New("bridge not found")
	ErrAlreadyBridged  = errors.New("endpoint already bridged")
	ErrSameEndpointIDs = errors.New("endpoints must differ")
)

// Bridge is a bidirectional frame relay between A and B.
type Bridge struct {
	ID string
	A  Endpoint
	B  Endpoint

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Statistics
	framesA2B atomic.Int64
	framesB2A atomic.Int64
	bytesA2B  atomic.Int64
	bytesB2A  atomic.Int64
	writeErrs atomic.Int64
}

// Stats is a snapshot of bridge counters.
type Stats struct {
	FramesA2B int64 `json:"frames_a2b"`
	FramesB2A int64 `json:"frames_b2a"`
	BytesA2B  int64 `json:"bytes_a2b"`
	BytesB2A  int64 `json:"bytes_b2a"`
	Errors    int64 `json:"errors"`
}

// Stats returns current bridge statistics.
func (b *Bridge) Stats() Stats {
	return Stats{
		FramesA2B: b.framesA2B.Load(),
		FramesB2A: b.framesB2A.Load(),
		BytesA2B:  b.bytesA2B.Load(),
		BytesB2A:  b.bytesB2A.Load(),
		Errors:    b.writeErrs.Load(),
	}
}

// Done is closed once the bridge is torn down.
func (b *Bridge) Done() <-chan struct{} {
	return b.ctx.Done()
}

// Manager tracks active bridges by ID and by endpoint ID.
type Manager struct {
	bridges     map[string]*Bridge // bridgeID -> Bridge
	endpointMap map[string]string  // endpointID -> bridgeID
	mu          sync.RWMutex
}

// NewManager creates a new bridge manager.
func NewManager() *Manager {
	return &Manager{
		bridges:     make(map[string]*Bridge),
		endpointMap: make(map[string]string),
	}
}

// Create starts relaying between a and b. When either side stops reading
// the whole bridge is torn down and both endpoints are closed.
func (m *Manager) Create(a, b Endpoint) (*Bridge, error) {
	if a.ID() == b.ID() {
		return nil, ErrSameEndpointIDs
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if bridgeID, exists := m.endpointMap[a.ID()]; exists {
		return nil, fmt.Errorf("%s is in bridge %s: %w", a.ID(), bridgeID, ErrAlreadyBridged)
	}
	if bridgeID, exists := m.endpointMap[b.ID()]; exists {
		return nil, fmt.Errorf("%s is in bridge %s: %w", b.ID(), bridgeID, ErrAlreadyBridged)
	}

	ctx, cancel := context.WithCancel(context.Background())
	br := &Bridge{
		ID:     "bridge-" + uuid.New().String(),
		A:      a,
		B:      b,
		ctx:    ctx,
		cancel: cancel,
	}

	m.bridges[br.ID] = br
	m.endpointMap[a.ID()] = br.ID
	m.endpointMap[b.ID()] = br.ID

	br.wg.Add(2)
	go m.relay(br, a, b, &br.framesA2B, &br.bytesA2B, "A->B")
	go m.relay(br, b, a, &br.framesB2A, &br.bytesB2A, "B->A")

	slog.Info("[Bridge] Created",
		"bridge_id", br.ID,
		"a", a.ID(), "a_kind", a.Kind(),
		"b", b.ID(), "b_kind", b.Kind(),
	)
	return br, nil
}

func (m *Manager) relay(br *Bridge, src, dst Endpoint, frames, bytes *atomic.Int64, dir string) {
	defer br.wg.Done()

	for {
		pcm, err := src.ReadFrame(br.ctx)
		if err != nil {
			if br.ctx.Err() == nil {
				slog.Debug("[Bridge] Relay source ended", "bridge_id", br.ID, "dir", dir, "error", err)
				// Tear down from a separate goroutine; destroy waits on wg.
				go m.Destroy(br.ID)
			}
			return
		}

		if frames.Load() == 0 {
			slog.Info("[Bridge] First frame", "bridge_id", br.ID, "dir", dir, "size", len(pcm))
		}

		if err := dst.WriteFrame(pcm); err != nil {
			br.writeErrs.Add(1)
			if errors.Is(err, ErrEndpointClosed) {
				if br.ctx.Err() == nil {
					go m.Destroy(br.ID)
				}
				return
			}
			slog.Debug("[Bridge] Write error", "bridge_id", br.ID, "dir", dir, "error", err)
			continue
		}

		frames.Add(1)
		bytes.Add(int64(len(pcm)))
	}
}

// Destroy tears down a bridge and closes both endpoints.
func (m *Manager) Destroy(bridgeID string) error {
	m.mu.Lock()
	br, exists := m.bridges[bridgeID]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", bridgeID, ErrBridgeNotFound)
	}
	m.removeLocked(br)
	m.mu.Unlock()

	m.shutdown(br)
	return nil
}

// DestroyByEndpoint destroys the bridge containing an endpoint. It returns
// an empty ID when the endpoint is not bridged.
func (m *Manager) DestroyByEndpoint(endpointID string) (string, error) {
	m.mu.Lock()
	bridgeID, exists := m.endpointMap[endpointID]
	if !exists {
		m.mu.Unlock()
		return "", nil
	}
	br, exists := m.bridges[bridgeID]
	if !exists {
		delete(m.endpointMap, endpointID)
		m.mu.Unlock()
		return bridgeID, nil
	}
	m.removeLocked(br)
	m.mu.Unlock()

	m.shutdown(br)
	return bridgeID, nil
}

func (m *Manager) removeLocked(br *Bridge) {
	delete(m.endpointMap, br.A.ID())
	delete(m.endpointMap, br.B.ID())
	delete(m.bridges, br.ID)
}

func (m *Manager) shutdown(br *Bridge) {
	br.cancel()
	_ = br.A.Close()
	_ = br.B.Close()
	br.wg.Wait()

	stats := br.Stats()
	slog.Info("[Bridge] Destroyed",
		"bridge_id", br.ID,
		"frames_a2b", stats.FramesA2B,
		"frames_b2a", stats.FramesB2A,
		"bytes_a2b", stats.BytesA2B,
		"bytes_b2a", stats.BytesB2A,
		"errors", stats.Errors,
	)
}

// Get returns a bridge by ID.
func (m *Manager) Get(bridgeID string) (*Bridge, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	br, ok := m.bridges[bridgeID]
	return br, ok
}

// GetByEndpoint returns the bridge containing an endpoint.
func (m *Manager) GetByEndpoint(endpointID string) (*Bridge, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bridgeID, exists := m.endpointMap[endpointID]
	if !exists {
		return nil, false
	}
	br, ok := m.bridges[bridgeID]
	return br, ok
}

// IsBridged reports whether an endpoint is part of a bridge.
func (m *Manager) IsBridged(endpointID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.endpointMap[endpointID]
	return exists
}

// Count returns the number of active bridges.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bridges)
}

// CloseAll destroys all active bridges.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Bridge, 0, len(m.bridges))
	for _, br := range m.bridges {
		m.removeLocked(br)
		all = append(all, br)
	}
	m.mu.Unlock()

	for _, br := range all {
		m.shutdown(br)
	}
}
