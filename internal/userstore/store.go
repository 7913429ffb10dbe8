// Package userstore manages the durable user and machine records backing the
// relay. All records live in a single JSON document on disk; every mutation
// rewrites the whole document atomically (write to a temp file, then rename)
// so a crash mid-write can never leave a truncated document behind.
//
// The store is intentionally small: users are created only by first-run
// seeding, and the document is read fully into memory at startup. Mutations
// are serialised by a mutex and written through synchronously before the
// mutating call returns.
package userstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// bcryptCost yields roughly 100–250 ms per verification on current server
// hardware, which is the work factor we want for a password check.
const bcryptCost = 12

// Sentinel errors returned by store operations. Callers compare with errors.Is.
var (
	// ErrUserNotFound is returned when no user exists for the given id.
	ErrUserNotFound = errors.New("userstore: user not found")

	// ErrMachineNotFound is returned when a machine id does not exist under
	// the given user.
	ErrMachineNotFound = errors.New("userstore: machine not found")

	// ErrInvalidPassword is returned by AuthenticateByPassword when no
	// user's verifier matches.
	ErrInvalidPassword = errors.New("userstore: invalid password")
)

// Machine is one agent installation owned by a user. The AgentKey is the
// machine's sole credential: it is generated at creation, never rotated, and
// losing it revokes all connectivity for the machine.
type Machine struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	AgentKey         string `json:"agentKey"`
	MACAddress       string `json:"macAddress,omitempty"`
	BroadcastAddress string `json:"broadcastAddress,omitempty"`
}

// User is a durable identity with an ordered list of machines.
// PasswordHash is a bcrypt verifier; the plaintext is never stored.
type User struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"displayName"`
	PasswordHash string    `json:"passwordHash"`
	Machines     []Machine `json:"machines"`

	// LegacyAgentKey holds the pre-machines single-key layout. It is
	// consumed by the load-time migration and never written back.
	LegacyAgentKey string `json:"agentKey,omitempty"`
}

// Store is the process-wide user registry. Safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	path   string
	users  []*User
	logger *zap.Logger
}

// Open loads the user document at path, or seeds it with the two demo users
// on first run. Legacy records carrying a top-level agent key are migrated
// into the single-machine form and the document is rewritten.
func Open(path string, logger *zap.Logger) (*Store, error) {
	s := &Store{
		path:   path,
		logger: logger.Named("userstore"),
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := s.seed(); err != nil {
			return nil, fmt.Errorf("userstore: seeding demo users: %w", err)
		}
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("userstore: reading %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &s.users); err != nil {
		return nil, fmt.Errorf("userstore: parsing %s: %w", path, err)
	}

	if s.migrate() {
		if err := s.persistLocked(); err != nil {
			return nil, fmt.Errorf("userstore: rewriting migrated document: %w", err)
		}
	}

	s.logger.Info("user store loaded",
		zap.String("path", path),
		zap.Int("users", len(s.users)),
	)
	return s, nil
}

// seed creates the two demo users with one machine each. Demo passwords
// equal the user ids; the first thing a real deployment does is change them.
func (s *Store) seed() error {
	for _, u := range []struct{ id, name string }{
		{"kingpin", "Kingpin"},
		{"tez", "Tez"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.id), bcryptCost)
		if err != nil {
			return err
		}
		s.users = append(s.users, &User{
			ID:           u.id,
			DisplayName:  u.name,
			PasswordHash: string(hash),
			Machines: []Machine{{
				ID:       newMachineID(nil),
				Name:     u.name + "'s Machine",
				AgentKey: uuid.NewString(),
			}},
		})
	}

	if err := s.persistLocked(); err != nil {
		return err
	}

	s.logger.Info("seeded demo users", zap.String("path", s.path))
	return nil
}

// migrate rewrites legacy single-key records into the machines layout.
// Returns true if anything changed.
func (s *Store) migrate() bool {
	changed := false
	for _, u := range s.users {
		if len(u.Machines) == 0 && u.LegacyAgentKey != "" {
			u.Machines = []Machine{{
				ID:       newMachineID(nil),
				Name:     u.DisplayName + "'s Machine",
				AgentKey: u.LegacyAgentKey,
			}}
			u.LegacyAgentKey = ""
			changed = true
			s.logger.Info("migrated legacy user record", zap.String("user_id", u.ID))
		}
	}
	return changed
}

// persistLocked writes the full document atomically. The caller must hold
// the write lock (or be the only goroutine with access, as during Open).
func (s *Store) persistLocked() error {
	users := s.users
	if users == nil {
		users = []*User{}
	}

	data, err := json.MarshalIndent(users, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".users-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}

	return os.Rename(tmp.Name(), s.path)
}

// AuthenticateByPassword scans users in stored order and returns the first
// whose verifier matches. Passwords are therefore required to be unique
// across users — two users sharing a password would silently resolve to
// whichever is stored first.
func (s *Store) AuthenticateByPassword(password string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil {
			return copyUser(u), nil
		}
	}
	return nil, ErrInvalidPassword
}

// GetUser returns the user with the given id.
func (s *Store) GetUser(userID string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u := s.findUser(userID)
	if u == nil {
		return nil, ErrUserNotFound
	}
	return copyUser(u), nil
}

// GetByAgentKey resolves an agent key to its owning user and machine.
// Returns ErrMachineNotFound when no machine carries the key.
func (s *Store) GetByAgentKey(key string) (*User, *Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if key == "" {
		return nil, nil, ErrMachineNotFound
	}
	for _, u := range s.users {
		for i := range u.Machines {
			if u.Machines[i].AgentKey == key {
				m := u.Machines[i]
				return copyUser(u), &m, nil
			}
		}
	}
	return nil, nil, ErrMachineNotFound
}

// GetMachines returns a copy of the user's machine list.
func (s *Store) GetMachines(userID string) ([]Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u := s.findUser(userID)
	if u == nil {
		return nil, ErrUserNotFound
	}
	machines := make([]Machine, len(u.Machines))
	copy(machines, u.Machines)
	return machines, nil
}

// GetMachine returns one machine by user and machine id.
func (s *Store) GetMachine(userID, machineID string) (*Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u := s.findUser(userID)
	if u == nil {
		return nil, ErrUserNotFound
	}
	for i := range u.Machines {
		if u.Machines[i].ID == machineID {
			m := u.Machines[i]
			return &m, nil
		}
	}
	return nil, ErrMachineNotFound
}

// AddMachine creates a machine with a fresh id and agent key and persists
// the document before returning.
func (s *Store) AddMachine(userID, name string) (*Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.findUser(userID)
	if u == nil {
		return nil, ErrUserNotFound
	}

	taken := make(map[string]struct{}, len(u.Machines))
	for i := range u.Machines {
		taken[u.Machines[i].ID] = struct{}{}
	}

	m := Machine{
		ID:       newMachineID(taken),
		Name:     name,
		AgentKey: uuid.NewString(),
	}
	u.Machines = append(u.Machines, m)

	if err := s.persistLocked(); err != nil {
		return nil, fmt.Errorf("userstore: persisting new machine: %w", err)
	}

	s.logger.Info("machine added",
		zap.String("user_id", userID),
		zap.String("machine_id", m.ID),
	)
	return &m, nil
}

// RenameMachine updates the machine's display name.
func (s *Store) RenameMachine(userID, machineID, name string) (*Machine, error) {
	return s.updateMachine(userID, machineID, func(m *Machine) {
		m.Name = name
	})
}

// SetMacAddress sets or clears the machine's Wake-on-LAN parameters.
// Empty strings clear the corresponding field. Format validation is the
// caller's responsibility (the HTTP layer enforces it).
func (s *Store) SetMacAddress(userID, machineID, mac, broadcast string) (*Machine, error) {
	return s.updateMachine(userID, machineID, func(m *Machine) {
		m.MACAddress = mac
		m.BroadcastAddress = broadcast
	})
}

// RemoveMachine deletes the machine and persists the document.
func (s *Store) RemoveMachine(userID, machineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.findUser(userID)
	if u == nil {
		return ErrUserNotFound
	}

	for i := range u.Machines {
		if u.Machines[i].ID == machineID {
			u.Machines = append(u.Machines[:i], u.Machines[i+1:]...)
			if err := s.persistLocked(); err != nil {
				return fmt.Errorf("userstore: persisting machine removal: %w", err)
			}
			s.logger.Info("machine removed",
				zap.String("user_id", userID),
				zap.String("machine_id", machineID),
			)
			return nil
		}
	}
	return ErrMachineNotFound
}

// updateMachine applies fn to the machine under the write lock and persists.
func (s *Store) updateMachine(userID, machineID string, fn func(*Machine)) (*Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.findUser(userID)
	if u == nil {
		return nil, ErrUserNotFound
	}
	for i := range u.Machines {
		if u.Machines[i].ID == machineID {
			fn(&u.Machines[i])
			if err := s.persistLocked(); err != nil {
				return nil, fmt.Errorf("userstore: persisting machine update: %w", err)
			}
			m := u.Machines[i]
			return &m, nil
		}
	}
	return nil, ErrMachineNotFound
}

// findUser returns the live record for userID, or nil. Caller holds a lock.
func (s *Store) findUser(userID string) *User {
	for _, u := range s.users {
		if u.ID == userID {
			return u
		}
	}
	return nil
}

// copyUser returns a deep copy so callers never alias the live record.
func copyUser(u *User) *User {
	cp := *u
	cp.Machines = make([]Machine, len(u.Machines))
	copy(cp.Machines, u.Machines)
	return &cp
}

// newMachineID derives an id from the current wall clock, with a short
// random suffix when the millisecond id is already taken (two machines
// created within the same millisecond).
func newMachineID(taken map[string]struct{}) string {
	id := fmt.Sprintf("m%d", time.Now().UnixMilli())
	if _, dup := taken[id]; !dup {
		return id
	}
	return id + "-" + uuid.NewString()[:8]
}
