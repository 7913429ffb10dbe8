// Package invite implements machine-scoped share tokens. An invite grants
// viewer access to exactly one machine without a login session. Invites have
// an absolute expiry and are deleted lazily: the first access past the
// expiry both rejects and removes the token, so no background sweep is
// needed.
package invite

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultTTL is the absolute lifetime of an invite.
const DefaultTTL = 7 * 24 * time.Hour

// Sentinel errors. Callers compare with errors.Is.
var (
	// ErrInvalid is returned for unknown or expired invite tokens.
	ErrInvalid = errors.New("invite: invalid or expired invite link")

	// ErrForbidden is returned when a user tries to revoke another
	// user's invite.
	ErrForbidden = errors.New("invite: not the invite owner")
)

// Invite grants viewer access to one (user, machine) pair. DisplayName and
// MachineName are snapshots taken at creation so the share page can render
// without a user-store lookup even after a rename.
type Invite struct {
	Token       string    `json:"token"`
	UserID      string    `json:"userId"`
	MachineID   string    `json:"machineId"`
	DisplayName string    `json:"displayName"`
	MachineName string    `json:"machineName"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Store holds live invites keyed by token. Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	invites map[string]*Invite
	ttl     time.Duration
	logger  *zap.Logger
}

// New creates an invite store with the given absolute TTL.
func New(ttl time.Duration, logger *zap.Logger) *Store {
	return &Store{
		invites: make(map[string]*Invite),
		ttl:     ttl,
		logger:  logger.Named("invite"),
	}
}

// Create mints an invite for the (user, machine) pair and returns it.
func (s *Store) Create(userID, machineID, displayName, machineName string) *Invite {
	now := time.Now()
	inv := &Invite{
		Token:       uuid.NewString(),
		UserID:      userID,
		MachineID:   machineID,
		DisplayName: displayName,
		MachineName: machineName,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}

	s.mu.Lock()
	s.invites[inv.Token] = inv
	s.mu.Unlock()

	s.logger.Info("invite created",
		zap.String("user_id", userID),
		zap.String("machine_id", machineID),
		zap.Time("expires_at", inv.ExpiresAt),
	)
	cp := *inv
	return &cp
}

// Inspect resolves a token to its invite. An expired token is removed and
// reported as invalid.
func (s *Store) Inspect(token string) (*Invite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invites[token]
	if !ok {
		return nil, ErrInvalid
	}
	if time.Now().After(inv.ExpiresAt) {
		delete(s.invites, token)
		return nil, ErrInvalid
	}
	cp := *inv
	return &cp, nil
}

// Revoke deletes an invite. Only the issuing user may revoke it; an unknown
// or expired token is reported as invalid either way.
func (s *Store) Revoke(userID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invites[token]
	if !ok {
		return ErrInvalid
	}
	if time.Now().After(inv.ExpiresAt) {
		delete(s.invites, token)
		return ErrInvalid
	}
	if inv.UserID != userID {
		return ErrForbidden
	}
	delete(s.invites, token)

	s.logger.Info("invite revoked", zap.String("user_id", userID))
	return nil
}

// Expire backdates an invite's expiry. Only useful in tests.
func (s *Store) Expire(token string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inv, ok := s.invites[token]; ok {
		inv.ExpiresAt = expiresAt
	}
}
