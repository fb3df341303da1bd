package requirement

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists extracted job requirements.
type Store interface {
	Save(ctx context.Context, r Requirement) (Requirement, error)
	Get(ctx context.Context, id string) (Requirement, error)
	List(ctx context.Context, limit int) ([]Requirement, error)
	BySession(ctx context.Context, sessionID string) ([]Requirement, error)
	Close() error
}

// InMemoryStore is a simple in-process requirement store for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]Requirement
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]Requirement)}
}

func (s *InMemoryStore) Save(_ context.Context, r Requirement) (Requirement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if r.ID == "" {
		r.ID = uuid.NewString()
		r.CreatedAt = now
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	s.records[r.ID] = r
	return r, nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (Requirement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return Requirement{}, ErrNotFound
	}
	return r, nil
}

func (s *InMemoryStore) List(_ context.Context, limit int) ([]Requirement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Requirement, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) BySession(_ context.Context, sessionID string) ([]Requirement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Requirement, 0)
	for _, r := range s.records {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
