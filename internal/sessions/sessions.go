// Package sessions provides in-memory storage for assistant sessions.
// Sessions live for the process lifetime only.
package sessions

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Lukeus/my-context-kit-sub013/pkg/models"
)

// ErrNotFound is returned when a requested session does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// MemorySessionStore is a thread-safe in-memory implementation of SessionStore.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session // key: session ID
}

// NewMemorySessionStore creates a new in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*models.Session),
	}
}

// CreateSession stores a new session.
func (s *MemorySessionStore) CreateSession(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

// GetSession retrieves a copy of a session by ID.
func (s *MemorySessionStore) GetSession(_ context.Context, sessionID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, &ErrNotFound{Entity: "session", Key: sessionID}
	}
	cp := *session
	return &cp, nil
}

// UpdateSession replaces the session state.
func (s *MemorySessionStore) UpdateSession(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; !exists {
		return &ErrNotFound{Entity: "session", Key: session.ID}
	}
	cp := *session
	cp.UpdatedAt = time.Now().UTC()
	s.sessions[session.ID] = &cp
	return nil
}

// ListSessions lists sessions for a user, oldest first. An empty userID
// lists every session.
func (s *MemorySessionStore) ListSessions(_ context.Context, userID string) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []models.Session
	for _, sess := range s.sessions {
		if userID == "" || sess.UserID == userID {
			result = append(result, *sess)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// DeleteSession removes a session.
func (s *MemorySessionStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sessionID]; !exists {
		return &ErrNotFound{Entity: "session", Key: sessionID}
	}
	delete(s.sessions, sessionID)
	return nil
}
