package store

import (
	"context"
	"sync"
	"time"

	"github.com/ashureev/coursechat/internal/domain"
)

// MemorySessionStore keeps histories in process memory.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[domain.SessionKey][]domain.ConversationMessage
	touched  map[domain.SessionKey]time.Time
	now      func() time.Time
}

var _ ExpiringSessionStore = (*MemorySessionStore)(nil)

// NewMemorySessionStore creates an empty in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[domain.SessionKey][]domain.ConversationMessage),
		touched:  make(map[domain.SessionKey]time.Time),
		now:      time.Now,
	}
}

// Append adds a message to the slot's history.
func (m *MemorySessionStore) Append(_ context.Context, key domain.SessionKey, msg domain.ConversationMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[key] = append(m.sessions[key], msg)
	m.touched[key] = m.now()
	return nil
}

// Read returns a copy of the slot's history.
func (m *MemorySessionStore) Read(_ context.Context, key domain.SessionKey) ([]domain.ConversationMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	history := m.sessions[key]
	if len(history) == 0 {
		return nil, nil
	}
	out := make([]domain.ConversationMessage, len(history))
	copy(out, history)
	return out, nil
}

// Reset clears the slot.
func (m *MemorySessionStore) Reset(_ context.Context, key domain.SessionKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key)
	delete(m.touched, key)
	return nil
}

// CleanupExpiredSessions drops slots untouched for longer than ttl.
func (m *MemorySessionStore) CleanupExpiredSessions(_ context.Context, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-ttl)
	var removed int64
	for key, at := range m.touched {
		if at.Before(cutoff) {
			delete(m.sessions, key)
			delete(m.touched, key)
			removed++
		}
	}
	return removed, nil
}
