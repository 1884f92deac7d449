package sessionstore

import (
	"sync"
	"time"

	"github.com/finagent-ai/finagent/history"
)

// MemoryStore is the default Session Store: a map guarded by a
// RWMutex, one lock/unlock per operation rather than held across a
// Get/Set round trip, matching the in-memory backend's reentrant-lock
// requirement. Grounded on the teacher's InMemorySessionService map;
// unlike a get-or-create map, Get reports a miss as ok=false and
// creates nothing.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memoryEntry
	ttl      time.Duration // zero disables expiry
}

type memoryEntry struct {
	history *history.MessageHistory
	touched time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithTTL evicts a session if it hasn't been Set within d; Get does not
// refresh it. A zero or negative d (the default) disables expiry.
func WithTTL(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.ttl = d }
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{sessions: make(map[string]*memoryEntry)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) expired(e *memoryEntry) bool {
	return s.ttl > 0 && time.Since(e.touched) > s.ttl
}

// Get returns the session's history, or ok=false if absent or expired.
func (s *MemoryStore) Get(sessionID string) (*history.MessageHistory, bool, error) {
	s.mu.RLock()
	e, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if s.expired(e) {
		s.mu.Lock()
		delete(s.sessions, sessionID)
		s.mu.Unlock()
		return nil, false, nil
	}
	return e.history, true, nil
}

// Set stores h under sessionID, replacing any prior value.
func (s *MemoryStore) Set(sessionID string, h *history.MessageHistory) error {
	s.mu.Lock()
	s.sessions[sessionID] = &memoryEntry{history: h, touched: time.Now()}
	s.mu.Unlock()
	return nil
}

// Delete removes a session. Deleting an absent session is a no-op.
func (s *MemoryStore) Delete(sessionID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}

// Exists reports whether sessionID is present and unexpired.
func (s *MemoryStore) Exists(sessionID string) (bool, error) {
	_, ok, err := s.Get(sessionID)
	return ok, err
}

// Count returns the number of sessions currently held, expired or not.
// Intended for metrics, mirroring the teacher's SessionCount.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// BackendName identifies this store in metrics labels.
func (s *MemoryStore) BackendName() string { return "memory" }
