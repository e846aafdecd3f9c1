package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Repository for development and tests.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string][]Message
	messageIDs    map[string]bool
	calls         map[string]*CallRecord
	campaigns     map[string]*CampaignRecord
	campaignCalls map[string]*CampaignCallRecord
	recordings    map[string]*Recording
}

// NewMemory creates an empty Memory repository.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]Message),
		messageIDs:    make(map[string]bool),
		calls:         make(map[string]*CallRecord),
		campaigns:     make(map[string]*CampaignRecord),
		campaignCalls: make(map[string]*CampaignCallRecord),
		recordings:    make(map[string]*Recording),
	}
}

func (m *Memory) CreateConversation(_ context.Context, agentID, callID string) (string, error) {
	id := uuid.NewString()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[id] = &Conversation{
		ID:        id,
		AgentID:   agentID,
		CallID:    callID,
		StartedAt: time.Now(),
	}
	return id, nil
}

func (m *Memory) AddMessage(_ context.Context, conversationID string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if m.messageIDs[msg.ID] {
		return nil
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.ConversationID = conversationID
	m.messageIDs[msg.ID] = true
	m.messages[conversationID] = append(m.messages[conversationID], msg)
	return nil
}

func (m *Memory) EndConversation(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if conv.EndedAt == nil {
		now := time.Now()
		conv.EndedAt = &now
	}
	return nil
}

func (m *Memory) ListMessages(_ context.Context, conversationID string) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// Conversation returns a copy of a conversation.
func (m *Memory) Conversation(id string) (Conversation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.conversations[id]
	if !ok {
		return Conversation{}, false
	}
	return *conv, true
}

func (m *Memory) SaveCall(_ context.Context, rec *CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.calls[rec.ID] = &cp
	return nil
}

func (m *Memory) GetCall(_ context.Context, id string) (*CallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.calls[id]
	if !ok {
		return nil, fmt.Errorf("call %s: %w", id, ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (m *Memory) SaveCampaign(_ context.Context, rec *CampaignRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.campaigns[rec.ID] = &cp
	return nil
}

func (m *Memory) SaveCampaignCall(_ context.Context, rec *CampaignCallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.campaignCalls[rec.ID] = &cp
	return nil
}

func (m *Memory) ListCampaigns(_ context.Context) ([]*CampaignRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*CampaignRecord, 0, len(m.campaigns))
	for _, rec := range m.campaigns {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) SaveRecording(_ context.Context, rec *Recording) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.recordings[rec.CallID] = &cp
	return nil
}

// Recording returns the stored recording for a call.
func (m *Memory) Recording(callID string) (*Recording, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recordings[callID]
	return rec, ok
}

func (m *Memory) Close() {}

var _ Repository = (*Memory)(nil)
