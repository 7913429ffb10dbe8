// Package authn resolves credentials into identities. It is the only place
// that constructs a Role, and the single chokepoint every socket handshake
// and HTTP session check passes through.
package authn

import (
	"errors"
	"fmt"

	"github.com/peekdesk/peekdesk/internal/invite"
	"github.com/peekdesk/peekdesk/internal/session"
	"github.com/peekdesk/peekdesk/internal/userstore"
)

// Role is the closed set of socket roles.
type Role int

const (
	// RoleAgent is the desktop-side peer: it streams frames and accepts input.
	RoleAgent Role = iota
	// RoleViewer is the browser-side peer attached to one machine.
	RoleViewer
	// RoleDashboard is a status-only listener scoped to a user.
	RoleDashboard
)

// String implements fmt.Stringer for log fields.
func (r Role) String() string {
	switch r {
	case RoleAgent:
		return "agent"
	case RoleViewer:
		return "viewer"
	case RoleDashboard:
		return "dashboard"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// Handshake refusal reasons. Each unresolved handshake maps to a distinct
// error kind so the client can render a meaningful failure.
var (
	ErrInvalidSession  = errors.New("authn: invalid or expired session")
	ErrInvalidAgentKey = errors.New("authn: unknown agent key")
	ErrInvalidInvite   = errors.New("authn: invalid or expired invite link")
	ErrUnknownRole     = errors.New("authn: unknown role")
	ErrUnknownMachine  = errors.New("authn: unknown machine")
)

// Handshake carries the fields a connecting socket presents. All fields are
// opaque to the transport; only the authenticator interprets them.
type Handshake struct {
	Token       string // session token (viewer, dashboard)
	Role        string // "agent" | "viewer" | "dashboard"
	AgentKey    string // required when Role == "agent"
	MachineID   string // target machine (viewer with a session)
	InviteToken string // alternative viewer credential
}

// Identity is the resolved result of a handshake: who the socket is, which
// user scope it belongs to, and — for agents and viewers — which machine it
// is bound to.
type Identity struct {
	Role        Role
	UserID      string
	DisplayName string
	MachineID   string
	AgentKey    string

	// ViaInvite marks viewer identities granted by an invite token. Invite
	// viewers can watch their one machine but never manage machines.
	ViaInvite bool
}

// Authenticator resolves handshakes and session tokens against the three
// stores. It holds no state of its own.
type Authenticator struct {
	users    *userstore.Store
	sessions *session.Store
	invites  *invite.Store
}

// New creates an Authenticator.
func New(users *userstore.Store, sessions *session.Store, invites *invite.Store) *Authenticator {
	return &Authenticator{users: users, sessions: sessions, invites: invites}
}

// ResolveSession validates a session token and returns the user it
// authorizes. Used by the HTTP control plane.
func (a *Authenticator) ResolveSession(token string) (*userstore.User, error) {
	userID, ok := a.sessions.Validate(token)
	if !ok {
		return nil, ErrInvalidSession
	}
	user, err := a.users.GetUser(userID)
	if err != nil {
		// Session for a user that no longer exists — treat as invalid.
		return nil, ErrInvalidSession
	}
	return user, nil
}

// ResolveSocket turns a handshake into an Identity or a refusal. The refusal
// happens before the connection is admitted to any group.
func (a *Authenticator) ResolveSocket(h Handshake) (*Identity, error) {
	// Invite tokens take a dedicated path: they grant a viewer identity
	// without any session.
	if h.InviteToken != "" {
		return a.resolveInvite(h.InviteToken)
	}

	switch h.Role {
	case "agent":
		user, machine, err := a.users.GetByAgentKey(h.AgentKey)
		if err != nil {
			return nil, ErrInvalidAgentKey
		}
		return &Identity{
			Role:        RoleAgent,
			UserID:      user.ID,
			DisplayName: user.DisplayName,
			MachineID:   machine.ID,
			AgentKey:    machine.AgentKey,
		}, nil

	case "viewer":
		user, err := a.ResolveSession(h.Token)
		if err != nil {
			return nil, err
		}
		machine, err := a.users.GetMachine(user.ID, h.MachineID)
		if err != nil {
			return nil, ErrUnknownMachine
		}
		return &Identity{
			Role:        RoleViewer,
			UserID:      user.ID,
			DisplayName: user.DisplayName,
			MachineID:   machine.ID,
			AgentKey:    machine.AgentKey,
		}, nil

	case "dashboard":
		user, err := a.ResolveSession(h.Token)
		if err != nil {
			return nil, err
		}
		return &Identity{
			Role:        RoleDashboard,
			UserID:      user.ID,
			DisplayName: user.DisplayName,
		}, nil
	}

	return nil, ErrUnknownRole
}

// resolveInvite maps an invite token to a machine-scoped viewer identity.
// The machine is re-resolved on every handshake so an invite to a deleted
// machine stops working immediately.
func (a *Authenticator) resolveInvite(token string) (*Identity, error) {
	inv, err := a.invites.Inspect(token)
	if err != nil {
		return nil, ErrInvalidInvite
	}
	machine, err := a.users.GetMachine(inv.UserID, inv.MachineID)
	if err != nil {
		return nil, ErrInvalidInvite
	}
	return &Identity{
		Role:        RoleViewer,
		UserID:      inv.UserID,
		DisplayName: inv.DisplayName,
		MachineID:   machine.ID,
		AgentKey:    machine.AgentKey,
		ViaInvite:   true,
	}, nil
}
