package relay

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peekdesk/peekdesk/internal/authn"
	"github.com/peekdesk/peekdesk/internal/invite"
	"github.com/peekdesk/peekdesk/internal/metrics"
	"github.com/peekdesk/peekdesk/internal/session"
	"github.com/peekdesk/peekdesk/internal/userstore"
)

// rig assembles a dispatcher on a real HTTP listener with freshly seeded
// stores. Each test gets its own.
type rig struct {
	srv        *httptest.Server
	users      *userstore.Store
	sessions   *session.Store
	invites    *invite.Store
	dispatcher *Dispatcher

	token     string // session for kingpin
	machineID string
	agentKey  string
}

func newRig(t *testing.T) *rig {
	t.Helper()
	logger := zap.NewNop()

	users, err := userstore.Open(filepath.Join(t.TempDir(), "users.json"), logger)
	require.NoError(t, err)

	sessions := session.New(session.DefaultTTL, logger)
	invites := invite.New(invite.DefaultTTL, logger)
	auth := authn.New(users, sessions, invites)

	d := NewDispatcher(auth, users, NewRegistry(logger), metrics.New(sessions.Count), logger)
	srv := httptest.NewServer(http.HandlerFunc(d.ServeWS))
	t.Cleanup(srv.Close)

	machines, err := users.GetMachines("kingpin")
	require.NoError(t, err)
	require.NotEmpty(t, machines)

	return &rig{
		srv:        srv,
		users:      users,
		sessions:   sessions,
		invites:    invites,
		dispatcher: d,
		token:      sessions.Create("kingpin"),
		machineID:  machines[0].ID,
		agentKey:   machines[0].AgentKey,
	}
}

func (r *rig) dial(t *testing.T, params url.Values) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(r.wsURL(params), nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })
	return ws
}

func (r *rig) wsURL(params url.Values) string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/ws?" + params.Encode()
}

func (r *rig) dialAgent(t *testing.T) *websocket.Conn {
	return r.dial(t, url.Values{"role": {"agent"}, "agentKey": {r.agentKey}})
}

func (r *rig) dialViewer(t *testing.T) *websocket.Conn {
	return r.dial(t, url.Values{"role": {"viewer"}, "token": {r.token}, "machineId": {r.machineID}})
}

func (r *rig) dialDashboard(t *testing.T) *websocket.Conn {
	return r.dial(t, url.Values{"role": {"dashboard"}, "token": {r.token}})
}

// waitForEvent reads text messages until one carries the wanted event name.
func waitForEvent(t *testing.T, ws *websocket.Conn, event string) Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		mt, data, err := ws.ReadMessage()
		require.NoError(t, err, "waiting for %q", event)
		if mt != websocket.TextMessage {
			continue
		}
		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		if env.Event == event {
			return env
		}
	}
}

// expectSilence asserts that nothing arrives on ws within d.
func expectSilence(t *testing.T, ws *websocket.Conn, d time.Duration) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(d)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func sendEnvelope(t *testing.T, ws *websocket.Conn, event, data string) {
	t.Helper()
	msg := `{"event":"` + event + `"`
	if data != "" {
		msg += `,"data":` + data
	}
	msg += `}`
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func TestHandshakeRefusals(t *testing.T) {
	r := newRig(t)

	tests := []struct {
		name   string
		params url.Values
	}{
		{"unknown role", url.Values{"role": {"admin"}, "token": {r.token}}},
		{"bad agent key", url.Values{"role": {"agent"}, "agentKey": {"bogus"}}},
		{"bad session", url.Values{"role": {"viewer"}, "token": {"bogus"}, "machineId": {r.machineID}}},
		{"unknown machine", url.Values{"role": {"viewer"}, "token": {r.token}, "machineId": {"m0"}}},
		{"bad invite", url.Values{"inviteToken": {"bogus"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws, resp, err := websocket.DefaultDialer.Dial(r.wsURL(tt.params), nil)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.Nil(t, ws)
			require.NotNil(t, resp)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
}

func TestFrameRelayedVerbatim(t *testing.T) {
	r := newRig(t)

	agent := r.dialAgent(t)
	viewer := r.dialViewer(t)

	env := waitForEvent(t, viewer, EventAgentStatus)
	var st AgentStatus
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.True(t, st.Connected)

	// The first viewer triggers capture.
	waitForEvent(t, agent, EventStartStreaming)

	frame := []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}
	require.NoError(t, agent.WriteMessage(websocket.BinaryMessage, frame))

	require.NoError(t, viewer.SetReadDeadline(time.Now().Add(3*time.Second)))
	mt, data, err := viewer.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, frame, data)
}

func TestViewerSeesAgentLifecycle(t *testing.T) {
	r := newRig(t)

	viewer := r.dialViewer(t)

	// No agent yet.
	env := waitForEvent(t, viewer, EventAgentStatus)
	var st AgentStatus
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.False(t, st.Connected)

	agent := r.dialAgent(t)
	env = waitForEvent(t, viewer, EventAgentStatus)
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.True(t, st.Connected)

	// Agent was told to stream because a viewer was already waiting.
	waitForEvent(t, agent, EventStartStreaming)

	agent.Close()
	env = waitForEvent(t, viewer, EventAgentStatus)
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.False(t, st.Connected)
}

func TestDuplicateAgentEvicted(t *testing.T) {
	r := newRig(t)

	first := r.dialAgent(t)
	viewer := r.dialViewer(t)
	waitForEvent(t, viewer, EventAgentStatus)

	second := r.dialAgent(t)

	// The displaced connection hears why before it is closed.
	env := waitForEvent(t, first, EventKicked)
	var k Kicked
	require.NoError(t, json.Unmarshal(env.Data, &k))
	assert.Equal(t, "Another agent connected for this machine", k.Reason)

	require.NoError(t, first.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := first.ReadMessage()
	require.Error(t, err)

	// The machine never appeared offline: the viewer keeps receiving frames
	// from the replacement, with no disconnected status in between.
	frame := []byte{0x10, 0x20, 0x30}
	require.NoError(t, second.WriteMessage(websocket.BinaryMessage, frame))

	require.NoError(t, viewer.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		mt, data, err := viewer.ReadMessage()
		require.NoError(t, err)
		if mt == websocket.BinaryMessage {
			assert.Equal(t, frame, data)
			break
		}
		var env Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Event == EventAgentStatus {
			var st AgentStatus
			require.NoError(t, json.Unmarshal(env.Data, &st))
			assert.True(t, st.Connected, "viewer must never see the machine go offline during eviction")
		}
	}
}

func TestStopStreamingOnLastViewerExit(t *testing.T) {
	r := newRig(t)

	agent := r.dialAgent(t)
	viewer1 := r.dialViewer(t)
	waitForEvent(t, agent, EventStartStreaming)

	viewer2 := r.dialViewer(t)
	waitForEvent(t, viewer2, EventAgentStatus)

	// First viewer leaving changes nothing — one viewer remains.
	viewer1.Close()
	expectSilence(t, agent, 300*time.Millisecond)

	viewer2.Close()
	waitForEvent(t, agent, EventStopStreaming)
}

func TestLatencyProbeEchoedNotForwarded(t *testing.T) {
	r := newRig(t)

	agent := r.dialAgent(t)
	viewer := r.dialViewer(t)
	waitForEvent(t, agent, EventStartStreaming)

	sendEnvelope(t, viewer, EventLatencyPing, `{"t":1724600000123}`)

	env := waitForEvent(t, viewer, EventLatencyPong)
	assert.JSONEq(t, `{"t":1724600000123}`, string(env.Data))

	// The probe measures the viewer-relay leg only.
	expectSilence(t, agent, 300*time.Millisecond)
}

func TestInvalidInputDroppedSilently(t *testing.T) {
	r := newRig(t)

	agent := r.dialAgent(t)
	viewer := r.dialViewer(t)
	waitForEvent(t, agent, EventStartStreaming)

	// Out-of-range coordinate: dropped without any reply to either side.
	sendEnvelope(t, viewer, "mouse-move", `{"x":999999,"y":10}`)
	expectSilence(t, agent, 300*time.Millisecond)

	// Valid input arrives byte-for-byte.
	sendEnvelope(t, viewer, "mouse-move", `{"x":12.5,"y":0.25}`)
	env := waitForEvent(t, agent, "mouse-move")
	assert.Equal(t, `{"x":12.5,"y":0.25}`, string(env.Data))
}

func TestScreenInfoReplayedToLateViewer(t *testing.T) {
	r := newRig(t)

	agent := r.dialAgent(t)
	sendEnvelope(t, agent, EventScreenInfo, `{"width":1920,"height":1080}`)

	// Wait for the dispatcher to cache it before attaching the viewer.
	require.Eventually(t, func() bool {
		ac := r.dispatcher.Registry().Agent(r.agentKey)
		return ac != nil && ac.ScreenInfo() != nil
	}, 2*time.Second, 10*time.Millisecond)

	viewer := r.dialViewer(t)
	env := waitForEvent(t, viewer, EventScreenInfo)
	assert.JSONEq(t, `{"width":1920,"height":1080}`, string(env.Data))
}

func TestDashboardReplaysMachineStatus(t *testing.T) {
	r := newRig(t)

	dash := r.dialDashboard(t)
	env := waitForEvent(t, dash, EventMachineStatus)
	var ms MachineStatus
	require.NoError(t, json.Unmarshal(env.Data, &ms))
	assert.Equal(t, r.machineID, ms.MachineID)
	assert.False(t, ms.Connected)

	// A connecting agent is announced to the user group.
	r.dialAgent(t)
	env = waitForEvent(t, dash, EventMachineStatus)
	require.NoError(t, json.Unmarshal(env.Data, &ms))
	assert.Equal(t, r.machineID, ms.MachineID)
	assert.True(t, ms.Connected)
}

func TestInviteViewerHandshake(t *testing.T) {
	r := newRig(t)

	inv := r.invites.Create("kingpin", r.machineID, "Kingpin", "Kingpin's Machine")
	viewer := r.dial(t, url.Values{"inviteToken": {inv.Token}})

	env := waitForEvent(t, viewer, EventAgentStatus)
	var st AgentStatus
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.False(t, st.Connected)
}

func TestShutdownNotifiesSockets(t *testing.T) {
	r := newRig(t)

	viewer := r.dialViewer(t)
	waitForEvent(t, viewer, EventAgentStatus)

	agent := r.dialAgent(t)
	waitForEvent(t, agent, EventStartStreaming)

	r.dispatcher.Shutdown("Server is shutting down")

	for _, ws := range []*websocket.Conn{viewer, agent} {
		env := waitForEvent(t, ws, EventServerShutdown)
		var s ServerShutdown
		require.NoError(t, json.Unmarshal(env.Data, &s))
		assert.Equal(t, "Server is shutting down", s.Message)

		require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
		_, _, err := ws.ReadMessage()
		require.Error(t, err)
	}
}
