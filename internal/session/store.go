package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists intake sessions and their message history.
type Store interface {
	Create(ctx context.Context, preset, voice, userID string) (Session, error)
	Get(ctx context.Context, id string) (Session, error)
	// List returns recent sessions, newest first. A non-empty userID
	// restricts the listing to that user's sessions.
	List(ctx context.Context, userID string, limit int) ([]Session, error)
	Touch(ctx context.Context, id string) error
	AppendMessage(ctx context.Context, msg Message) (Message, error)
	Messages(ctx context.Context, sessionID string) ([]Message, error)
	LinkRequirement(ctx context.Context, id, requirementID string) error
	End(ctx context.Context, id, requirementID string) (Session, error)
	ExpireInactive(ctx context.Context, olderThan time.Duration) ([]Session, error)
	ActiveCount(ctx context.Context) (int, error)
	Close() error
}

// InMemoryStore keeps sessions in-process for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	messages map[string][]Message
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*Session),
		messages: make(map[string][]Message),
	}
}

func (s *InMemoryStore) Create(_ context.Context, preset, voice, userID string) (Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Status:         StatusActive,
		Preset:         preset,
		Voice:          voice,
		StartedAt:      now,
		LastActivityAt: now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return *sess, nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return *sess, nil
}

func (s *InMemoryStore) List(_ context.Context, userID string, limit int) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if userID != "" && sess.UserID != userID {
			continue
		}
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) Touch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.LastActivityAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) AppendMessage(_ context.Context, msg Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[msg.SessionID]
	if !ok {
		return Message{}, ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], msg)
	sess.LastActivityAt = time.Now().UTC()
	return msg, nil
}

func (s *InMemoryStore) Messages(_ context.Context, sessionID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrNotFound
	}
	return append([]Message(nil), s.messages[sessionID]...), nil
}

func (s *InMemoryStore) LinkRequirement(_ context.Context, id, requirementID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.RequirementID = requirementID
	sess.LastActivityAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) End(_ context.Context, id, requirementID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	now := time.Now().UTC()
	sess.Status = StatusCompleted
	if requirementID != "" {
		sess.RequirementID = requirementID
	}
	sess.LastActivityAt = now
	sess.EndedAt = &now
	return *sess, nil
}

func (s *InMemoryStore) ExpireInactive(_ context.Context, olderThan time.Duration) ([]Session, error) {
	now := time.Now().UTC()
	var expired []Session

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.Status != StatusActive {
			continue
		}
		if now.Sub(sess.LastActivityAt) < olderThan {
			continue
		}
		sess.Status = StatusAbandoned
		sess.LastActivityAt = now
		ended := now
		sess.EndedAt = &ended
		expired = append(expired, *sess)
	}
	return expired, nil
}

func (s *InMemoryStore) ActiveCount(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, sess := range s.sessions {
		if sess.Status == StatusActive {
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) Close() error { return nil }

// StartJanitor marks sessions abandoned after the inactivity timeout,
// polling until ctx is cancelled. Expired sessions are handed to hook, if
// any.
func StartJanitor(ctx context.Context, store Store, timeout, interval time.Duration, hook func(Session)) {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				expired, err := store.ExpireInactive(ctx, timeout)
				if err != nil {
					continue
				}
				if hook != nil {
					for _, sess := range expired {
						hook(sess)
					}
				}
			}
		}
	}()
}
