package relay

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/peekdesk/peekdesk/internal/authn"
	"github.com/peekdesk/peekdesk/internal/metrics"
	"github.com/peekdesk/peekdesk/internal/userstore"
	"github.com/peekdesk/peekdesk/internal/validate"
)

// upgrader performs the HTTP → WebSocket handshake. CheckOrigin always
// passes: the front proxy terminates TLS and owns origin policy, exactly as
// in production deployments behind nginx/Caddy. Payload compression stays
// off — frames are JPEG-compressed already and recompressing them burns CPU
// for nothing.
var upgrader = websocket.Upgrader{
	ReadBufferSize:    4096,
	WriteBufferSize:   4096,
	EnableCompression: false,
	CheckOrigin:       func(r *http.Request) bool { return true },
}

// Dispatcher authenticates incoming sockets and runs the per-role event
// loops. One goroutine per socket reads messages in arrival order; fan-out
// goes through the Registry so handlers never write another socket's wire
// directly.
type Dispatcher struct {
	auth    *authn.Authenticator
	users   *userstore.Store
	reg     *Registry
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewDispatcher wires the dispatcher to its collaborators.
func NewDispatcher(auth *authn.Authenticator, users *userstore.Store, reg *Registry, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		auth:    auth,
		users:   users,
		reg:     reg,
		metrics: m,
		logger:  logger.Named("dispatcher"),
	}
}

// Registry exposes the live switch for health and shutdown wiring.
func (d *Dispatcher) Registry() *Registry {
	return d.reg
}

// ServeWS handles GET /ws. Credentials arrive as query parameters — the
// browser WebSocket API cannot set headers — and are resolved before the
// upgrade, so a refused handshake is an ordinary HTTP error and never
// becomes a connection.
func (d *Dispatcher) ServeWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, err := d.auth.ResolveSocket(authn.Handshake{
		Token:       q.Get("token"),
		Role:        q.Get("role"),
		AgentKey:    q.Get("agentKey"),
		MachineID:   q.Get("machineId"),
		InviteToken: q.Get("inviteToken"),
	})
	if err != nil {
		d.logger.Info("handshake refused",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		http.Error(w, refusalReason(err), http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the error response.
		d.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	logger := d.logger.With(
		zap.Stringer("role", id.Role),
		zap.String("user_id", id.UserID),
		zap.String("remote_addr", r.RemoteAddr),
	)
	conn := NewConn(ws, logger)
	logger.Info("socket connected")

	switch id.Role {
	case authn.RoleAgent:
		d.runAgent(conn, id)
	case authn.RoleViewer:
		d.runViewer(conn, id)
	case authn.RoleDashboard:
		d.runDashboard(conn, id)
	}

	logger.Info("socket disconnected")
}

// refusalReason maps handshake errors to the short reason strings clients
// display.
func refusalReason(err error) string {
	switch {
	case errors.Is(err, authn.ErrInvalidAgentKey):
		return "Invalid agent key"
	case errors.Is(err, authn.ErrInvalidInvite):
		return "Invalid or expired invite link"
	case errors.Is(err, authn.ErrUnknownMachine):
		return "Unknown machine"
	case errors.Is(err, authn.ErrUnknownRole):
		return "Unknown role"
	default:
		return "Authentication failed"
	}
}

// runAgent drives one agent socket from registration to teardown.
func (d *Dispatcher) runAgent(c *Conn, id *authn.Identity) {
	ac := &AgentConn{
		Conn:      c,
		UserID:    id.UserID,
		MachineID: id.MachineID,
		AgentKey:  id.AgentKey,
	}

	if evicted := d.reg.RegisterAgent(ac); evicted != nil {
		evicted.Conn.SendEvent(EventKicked, Kicked{
			Reason: "Another agent connected for this machine",
		})
		evicted.Conn.Close()
	}
	d.metrics.ConnectedAgents.Inc()

	viewers := ViewerGroup(id.AgentKey)
	users := UserGroup(id.UserID)

	d.reg.Broadcast(users, EventMachineStatus, MachineStatus{MachineID: id.MachineID, Connected: true})
	d.reg.Broadcast(viewers, EventAgentStatus, AgentStatus{Connected: true})
	if d.reg.GroupSize(viewers) > 0 {
		// Viewers were waiting for this machine to come online.
		c.SendEvent(EventStartStreaming, nil)
	}

	defer func() {
		d.metrics.ConnectedAgents.Dec()
		if d.reg.UnregisterAgent(id.AgentKey, c) {
			// Normal exit from Active: announce offline. An evicted
			// connection skips this — its replacement already owns the key
			// and the machine never appeared offline.
			d.reg.Broadcast(users, EventMachineStatus, MachineStatus{MachineID: id.MachineID, Connected: false})
			d.reg.Broadcast(viewers, EventAgentStatus, AgentStatus{Connected: false})
		}
		c.Close()
	}()

	for {
		messageType, data, err := c.ReadMessage()
		if err != nil {
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			// A frame. Opaque to the relay: fan out verbatim, volatile.
			sent, dropped := d.reg.BroadcastFrame(viewers, data)
			d.metrics.FramesRelayed.Add(float64(sent))
			d.metrics.FramesDropped.Add(float64(dropped))

		case websocket.TextMessage:
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			switch env.Event {
			case EventScreenInfo:
				ac.SetScreenInfo(env.Data)
				d.reg.BroadcastRaw(viewers, data)
			case EventDisplaysList, EventClipboardContent:
				d.reg.BroadcastRaw(viewers, data)
			default:
				// Unknown agent events are ignored.
			}
		}
	}
}

// runViewer drives one viewer socket. Attached-state entry and exit carry
// the streaming control obligations: exactly one start-streaming on the
// 0→1 viewer transition and exactly one stop-streaming on 1→0, both decided
// under the registry lock via the Join/Leave return values.
func (d *Dispatcher) runViewer(c *Conn, id *authn.Identity) {
	d.metrics.ConnectedClients.Inc()

	viewers := ViewerGroup(id.AgentKey)
	users := UserGroup(id.UserID)

	d.reg.Join(users, c)
	size := d.reg.Join(viewers, c)

	if ac := d.reg.Agent(id.AgentKey); ac != nil {
		c.SendEvent(EventAgentStatus, AgentStatus{Connected: true})
		if si := ac.ScreenInfo(); si != nil {
			c.SendEvent(EventScreenInfo, si)
		}
		if size == 1 {
			ac.Conn.SendEvent(EventStartStreaming, nil)
		}
	} else {
		c.SendEvent(EventAgentStatus, AgentStatus{Connected: false})
	}

	defer func() {
		d.metrics.ConnectedClients.Dec()
		d.reg.Leave(users, c)
		if remaining := d.reg.Leave(viewers, c); remaining == 0 {
			if ac := d.reg.Agent(id.AgentKey); ac != nil {
				// Last viewer gone — let the agent pause capture.
				ac.Conn.SendEvent(EventStopStreaming, nil)
			}
		}
		c.Close()
	}()

	for {
		messageType, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			// Viewers have no business sending binary. Drop.
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		// Latency probe: echoed immediately, never forwarded. It measures
		// the viewer↔relay leg only.
		if env.Event == EventLatencyPing {
			c.SendEvent(EventLatencyPong, env.Data)
			continue
		}

		// Everything else is agent-bound input. Validate, then forward the
		// original bytes so numeric contents pass through untouched.
		// Failures are dropped silently — no error to the viewer, no event
		// to the agent.
		if !validate.Inbound(env.Event, env.Data) {
			continue
		}
		if ac := d.reg.Agent(id.AgentKey); ac != nil {
			ac.Conn.SendRaw(data)
		}
	}
}

// runDashboard drives one status-only listener. On attach it replays the
// machine-status of every machine the user owns, then only receives
// broadcasts until it disconnects.
func (d *Dispatcher) runDashboard(c *Conn, id *authn.Identity) {
	d.metrics.ConnectedClients.Inc()

	users := UserGroup(id.UserID)
	d.reg.Join(users, c)

	machines, err := d.users.GetMachines(id.UserID)
	if err == nil {
		for _, m := range machines {
			c.SendEvent(EventMachineStatus, MachineStatus{
				MachineID: m.ID,
				Connected: d.reg.Agent(m.AgentKey) != nil,
			})
		}
	}

	defer func() {
		d.metrics.ConnectedClients.Dec()
		d.reg.Leave(users, c)
		c.Close()
	}()

	// Dashboards send nothing meaningful; keep reading to service pongs and
	// detect disconnect.
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

// Shutdown notifies every live socket and closes it. Called during graceful
// drain before the listener stops.
func (d *Dispatcher) Shutdown(message string) {
	conns := d.reg.Conns()
	d.logger.Info("shutdown fan-out", zap.Int("sockets", len(conns)))
	for _, c := range conns {
		c.SendEvent(EventServerShutdown, ServerShutdown{Message: message})
		c.Close()
	}
}
