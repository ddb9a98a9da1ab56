package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gzhole/moltshield/internal/governor"
)

// MemoryStore keeps state in process. State does not survive a restart,
// so it is only suitable for tests and dry runs.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string][]byte)}
}

func (s *MemoryStore) Load(_ context.Context, agentID string) (governor.RateState, error) {
	s.mu.RLock()
	data, ok := s.states[agentID]
	s.mu.RUnlock()

	var st governor.RateState
	if !ok {
		return st, governor.ErrNoState
	}
	err := json.Unmarshal(data, &st)
	return st, err
}

func (s *MemoryStore) Save(_ context.Context, agentID string, st governor.RateState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current governor.RateState
	if data, ok := s.states[agentID]; ok {
		if err := json.Unmarshal(data, &current); err != nil {
			return err
		}
	}
	if current.Version != st.Version {
		return governor.ErrStateConflict
	}

	st.Version++
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	s.states[agentID] = data
	return nil
}

func (s *MemoryStore) Close() error { return nil }
