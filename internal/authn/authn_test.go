package authn

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peekdesk/peekdesk/internal/invite"
	"github.com/peekdesk/peekdesk/internal/session"
	"github.com/peekdesk/peekdesk/internal/userstore"
)

type fixtures struct {
	auth     *Authenticator
	users    *userstore.Store
	sessions *session.Store
	invites  *invite.Store

	token     string // kingpin session
	machineID string
	agentKey  string
}

func newFixtures(t *testing.T) *fixtures {
	t.Helper()
	logger := zap.NewNop()

	users, err := userstore.Open(filepath.Join(t.TempDir(), "users.json"), logger)
	require.NoError(t, err)
	sessions := session.New(session.DefaultTTL, logger)
	invites := invite.New(invite.DefaultTTL, logger)

	machines, err := users.GetMachines("kingpin")
	require.NoError(t, err)
	require.NotEmpty(t, machines)

	return &fixtures{
		auth:      New(users, sessions, invites),
		users:     users,
		sessions:  sessions,
		invites:   invites,
		token:     sessions.Create("kingpin"),
		machineID: machines[0].ID,
		agentKey:  machines[0].AgentKey,
	}
}

func TestResolveSession(t *testing.T) {
	f := newFixtures(t)

	user, err := f.auth.ResolveSession(f.token)
	require.NoError(t, err)
	assert.Equal(t, "kingpin", user.ID)

	_, err = f.auth.ResolveSession("bogus")
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestResolveAgent(t *testing.T) {
	f := newFixtures(t)

	id, err := f.auth.ResolveSocket(Handshake{Role: "agent", AgentKey: f.agentKey})
	require.NoError(t, err)
	assert.Equal(t, RoleAgent, id.Role)
	assert.Equal(t, "kingpin", id.UserID)
	assert.Equal(t, f.machineID, id.MachineID)
	assert.Equal(t, f.agentKey, id.AgentKey)

	_, err = f.auth.ResolveSocket(Handshake{Role: "agent", AgentKey: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidAgentKey)

	_, err = f.auth.ResolveSocket(Handshake{Role: "agent"})
	assert.ErrorIs(t, err, ErrInvalidAgentKey)
}

func TestResolveViewer(t *testing.T) {
	f := newFixtures(t)

	id, err := f.auth.ResolveSocket(Handshake{Role: "viewer", Token: f.token, MachineID: f.machineID})
	require.NoError(t, err)
	assert.Equal(t, RoleViewer, id.Role)
	assert.Equal(t, f.agentKey, id.AgentKey)
	assert.False(t, id.ViaInvite)

	_, err = f.auth.ResolveSocket(Handshake{Role: "viewer", Token: "bogus", MachineID: f.machineID})
	assert.ErrorIs(t, err, ErrInvalidSession)

	_, err = f.auth.ResolveSocket(Handshake{Role: "viewer", Token: f.token, MachineID: "m0"})
	assert.ErrorIs(t, err, ErrUnknownMachine)

	// A valid session does not grant access to another user's machine.
	tezMachines, err := f.users.GetMachines("tez")
	require.NoError(t, err)
	_, err = f.auth.ResolveSocket(Handshake{Role: "viewer", Token: f.token, MachineID: tezMachines[0].ID})
	assert.ErrorIs(t, err, ErrUnknownMachine)
}

func TestResolveDashboard(t *testing.T) {
	f := newFixtures(t)

	id, err := f.auth.ResolveSocket(Handshake{Role: "dashboard", Token: f.token})
	require.NoError(t, err)
	assert.Equal(t, RoleDashboard, id.Role)
	assert.Equal(t, "kingpin", id.UserID)
	assert.Empty(t, id.AgentKey)

	_, err = f.auth.ResolveSocket(Handshake{Role: "dashboard", Token: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestResolveUnknownRole(t *testing.T) {
	f := newFixtures(t)

	_, err := f.auth.ResolveSocket(Handshake{Role: "admin", Token: f.token})
	assert.ErrorIs(t, err, ErrUnknownRole)

	_, err = f.auth.ResolveSocket(Handshake{})
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestResolveInvite(t *testing.T) {
	f := newFixtures(t)

	inv := f.invites.Create("kingpin", f.machineID, "Kingpin", "Kingpin's Machine")

	// The invite token is the sole credential; the role field is ignored.
	id, err := f.auth.ResolveSocket(Handshake{InviteToken: inv.Token})
	require.NoError(t, err)
	assert.Equal(t, RoleViewer, id.Role)
	assert.Equal(t, f.agentKey, id.AgentKey)
	assert.True(t, id.ViaInvite)

	_, err = f.auth.ResolveSocket(Handshake{InviteToken: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidInvite)

	// An expired invite stops resolving.
	f.invites.Expire(inv.Token, time.Now().Add(-time.Second))
	_, err = f.auth.ResolveSocket(Handshake{InviteToken: inv.Token})
	assert.ErrorIs(t, err, ErrInvalidInvite)
}

func TestInviteToDeletedMachine(t *testing.T) {
	f := newFixtures(t)

	inv := f.invites.Create("kingpin", f.machineID, "Kingpin", "Kingpin's Machine")
	require.NoError(t, f.users.RemoveMachine("kingpin", f.machineID))

	_, err := f.auth.ResolveSocket(Handshake{InviteToken: inv.Token})
	assert.ErrorIs(t, err, ErrInvalidInvite)
}

func TestRoleString(t *testing.T) {
	assert.Equal(t, "agent", RoleAgent.String())
	assert.Equal(t, "viewer", RoleViewer.String())
	assert.Equal(t, "dashboard", RoleDashboard.String())
	assert.Equal(t, "role(9)", Role(9).String())
}
