package store

import (
	"context"
	"sync"

	"custody/internal/ledger"
	"custody/internal/seal"
)

// MemStore implements Store in memory. For tests and one-shot CLI runs.
type MemStore struct {
	*seal.MemBlobs

	mu      sync.RWMutex
	cases   map[string][]*seal.Envelope
	order   []string
	entries []ledger.Entry
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		MemBlobs: seal.NewMemBlobs(),
		cases:    make(map[string][]*seal.Envelope),
	}
}

func (s *MemStore) Append(_ context.Context, caseID string, env *seal.Envelope) error {
	if err := checkAppend(caseID, env); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	envs, ok := s.cases[caseID]
	if !ok {
		s.order = append(s.order, caseID)
	}
	for _, e := range envs {
		if sameEnvelope(e, env) {
			return nil
		}
	}
	s.cases[caseID] = append(envs, env)
	return nil
}

func (s *MemStore) List(_ context.Context, caseID string) ([]*seal.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	envs, ok := s.cases[caseID]
	if !ok {
		return nil, nil
	}
	return append([]*seal.Envelope(nil), envs...), nil
}

func (s *MemStore) Load(ctx context.Context, caseID string) (*CaseRecord, error) {
	s.mu.RLock()
	_, ok := s.cases[caseID]
	s.mu.RUnlock()
	if !ok {
		return nil, notFound(caseID)
	}
	envs, err := s.List(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return &CaseRecord{CaseID: caseID, Envelopes: envs}, nil
}

func (s *MemStore) Cases(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...), nil
}

// AppendEntry implements ledger.Sink.
func (s *MemStore) AppendEntry(_ context.Context, e ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

// Entries implements ledger.Source.
func (s *MemStore) Entries(context.Context) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ledger.Entry(nil), s.entries...), nil
}

func (s *MemStore) Close() error { return nil }
