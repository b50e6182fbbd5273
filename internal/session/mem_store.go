package session

import (
	"context"
	"sync"
	"time"
)

// MemStore keeps sessions in process memory. Under real CGI each request
// is a new process, so this only suits tests and in-process hosting.
type MemStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func NewMemStore() *MemStore {
	return &MemStore{sessions: map[string]Session{}}
}

func (m *MemStore) Put(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.Token]; ok {
		return ErrExists
	}
	m.sessions[s.Token] = s
	return nil
}

func (m *MemStore) Get(ctx context.Context, token string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemStore) Delete(ctx context.Context, token string) error {
	m.mu.Lock()
	delete(m.sessions, token)
	m.mu.Unlock()
	return nil
}

func (m *MemStore) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for tok, s := range m.sessions {
		if s.CreatedAt.Before(olderThan) {
			delete(m.sessions, tok)
			n++
		}
	}
	return n, nil
}
