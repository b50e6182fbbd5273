package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by a Store when no record exists for a token.
	ErrNotFound = errors.New("session: not found")
	// ErrExpired means a token was presented but maps to no live session.
	// It is distinct from presenting no token at all.
	ErrExpired = errors.New("session: expired or not found")
	// ErrExists is returned by Store.Put when the token is already taken.
	ErrExists = errors.New("session: token already exists")
)

// Session maps an opaque token to the user who logged in with it.
type Session struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists whole session records. Records are never updated in
// place: Put creates, Get reads, Delete removes.
type Store interface {
	// Put stores a new record and fails with ErrExists if the token is taken.
	Put(ctx context.Context, s Session) error
	// Get returns ErrNotFound when no record exists.
	Get(ctx context.Context, token string) (*Session, error)
	// Delete is idempotent.
	Delete(ctx context.Context, token string) error
}

// Sweeper is implemented by stores that can drop records older than a cutoff.
type Sweeper interface {
	Sweep(ctx context.Context, olderThan time.Time) (int, error)
}

type Manager struct {
	Store Store
	TTL   time.Duration
	Now   func() time.Time
}

func NewManager(store Store, ttl time.Duration) *Manager {
	return &Manager{Store: store, TTL: ttl, Now: time.Now}
}

// Create starts a session for username and returns its token.
func (m *Manager) Create(ctx context.Context, username string) (string, error) {
	// A collision on 256 random bits means the RNG is broken; retry once
	// and then give up rather than loop.
	for attempt := 0; attempt < 2; attempt++ {
		token, err := NewToken()
		if err != nil {
			return "", err
		}
		err = m.Store.Put(ctx, Session{Token: token, Username: username, CreatedAt: m.now()})
		if errors.Is(err, ErrExists) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("session: create: %w", err)
		}
		return token, nil
	}
	return "", fmt.Errorf("session: create: %w", ErrExists)
}

// Lookup returns the username for token. A malformed, unknown, or
// outlived token yields ErrExpired; outlived records are removed.
func (m *Manager) Lookup(ctx context.Context, token string) (string, error) {
	if !ValidToken(token) {
		return "", ErrExpired
	}
	s, err := m.Store.Get(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return "", ErrExpired
	}
	if err != nil {
		return "", fmt.Errorf("session: lookup: %w", err)
	}
	if m.TTL > 0 && m.now().Sub(s.CreatedAt) >= m.TTL {
		_ = m.Store.Delete(ctx, token)
		return "", ErrExpired
	}
	return s.Username, nil
}

// Delete removes the session; unknown tokens are not an error.
func (m *Manager) Delete(ctx context.Context, token string) error {
	if !ValidToken(token) {
		return nil
	}
	if err := m.Store.Delete(ctx, token); err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	return nil
}

// Expire drops every record past the TTL, when the store supports it.
func (m *Manager) Expire(ctx context.Context) (int, error) {
	sw, ok := m.Store.(Sweeper)
	if !ok || m.TTL <= 0 {
		return 0, nil
	}
	return sw.Sweep(ctx, m.now().Add(-m.TTL))
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

const tokenBytes = 32

// NewToken returns 256 bits from crypto/rand, hex encoded.
func NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("session: failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ValidToken reports whether s could have come from NewToken. Anything
// else is rejected before it reaches a store.
func ValidToken(s string) bool {
	if len(s) != 2*tokenBytes {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return false
		}
	}
	return true
}
