// In-memory conversation storage.
//
// Information Hiding:
// - Map storage structure hidden from users
// - Thread-safe access via mutex hidden behind interface
// - Expiry is checked lazily on access; there is no background sweeper

package history

import (
	"context"
	"sync"
	"time"
)

type memorySession struct {
	messages  []Message
	expiresAt time.Time
}

// MemoryStore implements Store using an in-process map. Data is lost when
// the process terminates. Serves as the fallback backend and for tests.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*memorySession
	maxTurns int
	ttl      time.Duration

	// now is swapped out in tests to control expiry.
	now func() time.Time
}

// NewMemoryStore creates an in-memory store. maxTurns <= 0 disables
// trimming; ttl <= 0 disables expiry.
func NewMemoryStore(maxTurns int, ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*memorySession),
		maxTurns: maxTurns,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Append adds a message, trims to max turns, and refreshes the TTL.
func (s *MemoryStore) Append(ctx context.Context, sessionID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.sessions[sessionID]
	if entry == nil || s.expiredLocked(entry) {
		entry = &memorySession{}
		s.sessions[sessionID] = entry
	}

	msg.Role = NormalizeRole(msg.Role)
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	entry.messages = append(entry.messages, msg)

	if s.maxTurns > 0 && len(entry.messages) > s.maxTurns {
		overflow := len(entry.messages) - s.maxTurns
		entry.messages = append([]Message(nil), entry.messages[overflow:]...)
	}

	if s.ttl > 0 {
		entry.expiresAt = s.now().Add(s.ttl)
	}

	return nil
}

// Messages returns the session's history, or empty if absent or expired.
func (s *MemoryStore) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.sessions[sessionID]
	if entry == nil {
		return []Message{}, nil
	}
	if s.expiredLocked(entry) {
		delete(s.sessions, sessionID)
		return []Message{}, nil
	}

	// Return a copy to avoid external mutations
	copied := make([]Message, len(entry.messages))
	copy(copied, entry.messages)
	return copied, nil
}

// Clear deletes the session's history.
func (s *MemoryStore) Clear(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionID)
	return nil
}

// Count returns the number of stored messages.
func (s *MemoryStore) Count(ctx context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.sessions[sessionID]
	if entry == nil {
		return 0, nil
	}
	if s.expiredLocked(entry) {
		delete(s.sessions, sessionID)
		return 0, nil
	}
	return len(entry.messages), nil
}

// Ping always succeeds; the process's own memory is always reachable.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Name returns the backend label.
func (s *MemoryStore) Name() string {
	return "memory"
}

func (s *MemoryStore) expiredLocked(entry *memorySession) bool {
	return !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt)
}

// Verify MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
