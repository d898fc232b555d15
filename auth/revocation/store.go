// Package revocation tracks token ids and session ids revoked out of band
// and rejects identities that carry them.
package revocation

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// MinEntryTTL tolerates clock skew and out of order delivery.
	MinEntryTTL       = 60 * time.Second
	DefaultEntryTTL   = time.Hour
	DefaultMaxEntries = 1 << 20
)

// Store holds revocation markers keyed by token id and by session id. A
// marker expires on its own; nothing deletes it explicitly.
type Store struct {
	mu       sync.Mutex
	tokens   *lru.Cache[string, time.Time]
	sessions *lru.Cache[string, time.Time]
	now      func() time.Time
}

type StoreConfig struct {
	// MaxEntries bounds each of the token and session maps. Zero means
	// DefaultMaxEntries.
	MaxEntries int
	Now        func() time.Time
}

func NewStore(config *StoreConfig) (*Store, error) {
	if config == nil {
		config = &StoreConfig{}
	}
	size := config.MaxEntries
	if size <= 0 {
		size = DefaultMaxEntries
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}

	tokens, err := lru.New[string, time.Time](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create token revocation map: %w", err)
	}
	sessions, err := lru.New[string, time.Time](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create session revocation map: %w", err)
	}

	return &Store{tokens: tokens, sessions: sessions, now: now}, nil
}

// MarkToken revokes a single token id for ttl.
func (s *Store) MarkToken(tokenID string, ttl time.Duration) {
	s.mark(s.tokens, tokenID, ttl)
}

// MarkSession revokes every token issued under sessionID for ttl.
func (s *Store) MarkSession(sessionID string, ttl time.Duration) {
	s.mark(s.sessions, sessionID, ttl)
}

// mark keeps the later expiry when a key is marked twice.
func (s *Store) mark(m *lru.Cache[string, time.Time], key string, ttl time.Duration) {
	if key == "" || ttl <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt := s.now().Add(ttl)
	if current, ok := m.Peek(key); ok && current.After(expiresAt) {
		return
	}
	m.Add(key, expiresAt)
}

func (s *Store) IsTokenRevoked(tokenID string) bool {
	return s.live(s.tokens, tokenID)
}

func (s *Store) IsSessionRevoked(sessionID string) bool {
	return s.live(s.sessions, sessionID)
}

// IsRevoked reports whether either the token id or the session id carries
// a live marker. Empty ids never match.
func (s *Store) IsRevoked(tokenID, sessionID string) bool {
	return s.IsTokenRevoked(tokenID) || s.IsSessionRevoked(sessionID)
}

func (s *Store) live(m *lru.Cache[string, time.Time], key string) bool {
	if key == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt, ok := m.Get(key)
	if !ok {
		return false
	}
	if !s.now().Before(expiresAt) {
		m.Remove(key)
		return false
	}
	return true
}

// Len returns the number of token and session markers, expired ones
// included until they are next read.
func (s *Store) Len() (tokens, sessions int) {
	return s.tokens.Len(), s.sessions.Len()
}
