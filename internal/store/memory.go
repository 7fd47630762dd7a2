package store

import (
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/Dermis/internal/models"
	"github.com/BTreeMap/Dermis/internal/util"
)

// InMemoryStore keeps everything in maps. It is used in tests and when no
// database is configured.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]map[string]string
	flows    map[string]models.FlowState
	outbox   map[string]*OutboxMessage
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]map[string]string),
		flows:    make(map[string]models.FlowState),
		outbox:   make(map[string]*OutboxMessage),
	}
}

func (s *InMemoryStore) GetSession(deviceID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.sessions[deviceID]))
	maps.Copy(out, s.sessions[deviceID])
	return out, nil
}

func (s *InMemoryStore) UpdateSession(deviceID string, set map[string]string, del []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kv := s.sessions[deviceID]
	if kv == nil {
		kv = make(map[string]string)
		s.sessions[deviceID] = kv
	}
	for _, k := range del {
		delete(kv, k)
	}
	maps.Copy(kv, set)
	return nil
}

func flowKey(deviceID string, flowType models.FlowType) string {
	return deviceID + "|" + string(flowType)
}

func (s *InMemoryStore) SaveFlowState(state models.FlowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state.StateData = maps.Clone(state.StateData)
	s.flows[flowKey(state.DeviceID, state.FlowType)] = state
	return nil
}

func (s *InMemoryStore) GetFlowState(deviceID string, flowType models.FlowType) (*models.FlowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.flows[flowKey(deviceID, flowType)]
	if !ok {
		return nil, nil
	}
	state.StateData = maps.Clone(state.StateData)
	return &state, nil
}

func (s *InMemoryStore) DeleteFlowState(deviceID string, flowType models.FlowType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flows, flowKey(deviceID, flowType))
	return nil
}

func (s *InMemoryStore) EnqueueOutboxMessage(deviceID, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && !m.Status.Terminal() {
				return m.ID, nil
			}
		}
	}
	now := time.Now().UTC()
	m := &OutboxMessage{
		ID:          util.GenerateOutboxID(),
		DeviceID:    deviceID,
		Kind:        kind,
		PayloadJSON: payloadJSON,
		Status:      OutboxStatusQueued,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.outbox[m.ID] = m
	return m.ID, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*OutboxMessage
	for _, m := range s.outbox {
		if m.Status == OutboxStatusQueued && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]OutboxMessage, 0, len(due))
	for _, m := range due {
		locked := now
		m.Status = OutboxStatusSending
		m.LockedAt = &locked
		m.UpdatedAt = now
		out = append(out, *m)
	}
	return out, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(id string) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusSent
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		next := nextAttemptAt
		m.Status = OutboxStatusQueued
		m.Attempts++
		m.LastError = errMsg
		m.NextAttemptAt = &next
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) GiveUpOutboxMessage(id string, errMsg string) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusFailed
		m.Attempts++
		m.LastError = errMsg
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			m.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) CancelOutboxMessages(dedupeKey string, reason string) (int, error) {
	if dedupeKey == "" {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.DedupeKey == dedupeKey && (m.Status == OutboxStatusQueued || m.Status == OutboxStatusSending) {
			m.Status = OutboxStatusCanceled
			m.LastError = reason
			m.LockedAt = nil
			m.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) ListOutboxMessages(deviceID string) ([]OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []OutboxMessage
	for _, m := range s.outbox {
		if m.DeviceID == deviceID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) updateOutbox(id string, fn func(*OutboxMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok || m.Status != OutboxStatusSending {
		return ErrOutboxMessageNotFound
	}
	fn(m)
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
