package testutil

import (
	"fmt"
	"sync"

	"github.com/stacknerd/msghub/internal/hostapi"
	"github.com/stacknerd/msghub/internal/message"
)

// MemStore is an in-memory hostapi.Store. It counts writes so tests can
// assert idempotence.
type MemStore struct {
	mu       sync.Mutex
	messages map[string]*message.Message

	AddCalls      int
	UpdateWrites  int
	CompleteCalls int
	RemoveCalls   int
}

func NewMemStore() *MemStore {
	return &MemStore{messages: map[string]*message.Message{}}
}

// Message returns a copy of the stored message at ref, or nil.
func (s *MemStore) Message(ref string) *message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[ref]
	if !ok {
		return nil
	}
	cp := *m
	return &cp
}

// Seed stores a message directly, bypassing the add-conflict check.
func (s *MemStore) Seed(m *message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.messages[m.Ref] = &cp
}

func (s *MemStore) GetMessageByRef(ref string, scope hostapi.ReadScope) (*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[ref]
	if !ok {
		return nil, nil
	}
	if scope == hostapi.ScopeQuasiOpen && !m.QuasiOpen() {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *MemStore) AddMessage(msg *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.messages[msg.Ref]; ok && existing.QuasiOpen() {
		return fmt.Errorf("memstore: ref %s already open", msg.Ref)
	}
	cp := *msg
	s.messages[msg.Ref] = &cp
	s.AddCalls++
	return nil
}

func (s *MemStore) UpdateMessage(ref string, patch message.Patch) (bool, error) {
	if patch.Empty() {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[ref]
	if !ok {
		return false, nil
	}
	patch.Apply(m)
	s.UpdateWrites++
	return true, nil
}

func (s *MemStore) CompleteAfterCauseEliminated(ref string, actor string, finishedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[ref]
	if !ok || !m.QuasiOpen() {
		return nil
	}
	m.Lifecycle.State = message.StateClosed
	m.Lifecycle.StateChangedBy = actor
	m.Lifecycle.StateChangedAt = finishedAt
	if m.Timing.EndAt == 0 {
		m.Timing.EndAt = finishedAt
	}
	s.CompleteCalls++
	return nil
}

func (s *MemStore) RemoveMessage(ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, ref)
	s.RemoveCalls++
	return nil
}
