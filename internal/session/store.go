// Package session implements the in-memory login session store. Sessions are
// opaque bearer tokens minted on login and destroyed on logout, on 24 hours
// of inactivity, or when the process restarts — there is no persistence.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultTTL is the inactivity window after which a session expires.
const DefaultTTL = 24 * time.Hour

// SweepInterval is how often the background sweep should run.
const SweepInterval = 10 * time.Minute

// Session records one authenticated login.
type Session struct {
	Token      string
	UserID     string
	CreatedAt  time.Time
	LastActive time.Time
}

// Store holds active sessions keyed by token. Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	logger   *zap.Logger
}

// New creates a session store with the given inactivity TTL.
func New(ttl time.Duration, logger *zap.Logger) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		logger:   logger.Named("session"),
	}
}

// Create mints a session for the user and returns the bearer token.
func (s *Store) Create(userID string) string {
	token := uuid.NewString()
	now := time.Now()

	s.mu.Lock()
	s.sessions[token] = &Session{
		Token:      token,
		UserID:     userID,
		CreatedAt:  now,
		LastActive: now,
	}
	s.mu.Unlock()

	s.logger.Info("session created", zap.String("user_id", userID))
	return token
}

// Validate resolves a token to its user id. A successful check refreshes the
// session's activity timestamp; an expired session is deleted on the spot.
func (s *Store) Validate(token string) (userID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[token]
	if !exists {
		return "", false
	}
	if time.Since(sess.LastActive) > s.ttl {
		delete(s.sessions, token)
		return "", false
	}
	sess.LastActive = time.Now()
	return sess.UserID, true
}

// Delete removes a session. Deleting an unknown token is a no-op.
func (s *Store) Delete(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
}

// Sweep removes every session whose last activity is older than the TTL.
// Intended to run periodically; Validate already lazy-deletes on access, so
// the sweep only reclaims memory for sessions that are never touched again.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for token, sess := range s.sessions {
		if time.Since(sess.LastActive) > s.ttl {
			delete(s.sessions, token)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("swept expired sessions", zap.Int("removed", removed))
	}
	return removed
}

// Count returns the number of live sessions. Used by the health endpoint
// and the sessions gauge.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Touch backdates a session's activity timestamp. Only useful in tests that
// exercise TTL behaviour without waiting.
func (s *Store) Touch(token string, lastActive time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[token]; ok {
		sess.LastActive = lastActive
	}
}
