// Package history persists chat transcripts per session on the backend.
package history

import (
	"context"
	"sync"

	"github.com/orchestra-mcp/chatlink/src/types"
)

// Store keeps the frozen messages of each chat session.
type Store interface {
	// Append adds messages to the end of a session transcript.
	Append(ctx context.Context, sessionID string, msgs ...types.Message) error

	// List returns the session transcript, oldest first.
	List(ctx context.Context, sessionID string) ([]types.Message, error)

	// Clear removes the session transcript.
	Clear(ctx context.Context, sessionID string) error
}

// MemoryStore is an in-process Store. Each session keeps at most limit
// messages; older ones are dropped first.
type MemoryStore struct {
	mu       sync.RWMutex
	limit    int
	sessions map[string][]types.Message
}

// NewMemoryStore creates a MemoryStore. A limit of zero or less keeps
// everything.
func NewMemoryStore(limit int) *MemoryStore {
	return &MemoryStore{
		limit:    limit,
		sessions: make(map[string][]types.Message),
	}
}

func (s *MemoryStore) Append(_ context.Context, sessionID string, msgs ...types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := append(s.sessions[sessionID], msgs...)
	if s.limit > 0 && len(list) > s.limit {
		list = append([]types.Message(nil), list[len(list)-s.limit:]...)
	}
	s.sessions[sessionID] = list
	return nil
}

func (s *MemoryStore) List(_ context.Context, sessionID string) ([]types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.sessions[sessionID]
	out := make([]types.Message, len(list))
	copy(out, list)
	return out, nil
}

func (s *MemoryStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}
