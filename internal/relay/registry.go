package relay

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// ViewerGroup names the fan-out group of all viewers watching one machine.
func ViewerGroup(agentKey string) string {
	return "viewers:" + agentKey
}

// UserGroup names the fan-out group of all non-agent sockets for a user.
// It receives machine-status lifecycle events.
func UserGroup(userID string) string {
	return "user:" + userID
}

// AgentConn is the live socket for one agent, plus the most recent
// screen-info payload it emitted. Exactly one exists per agent key; a new
// connection with the same key evicts the prior one.
type AgentConn struct {
	Conn      *Conn
	UserID    string
	MachineID string
	AgentKey  string

	mu         sync.Mutex
	screenInfo json.RawMessage
}

// SetScreenInfo caches the agent's latest screen metadata.
func (a *AgentConn) SetScreenInfo(raw json.RawMessage) {
	a.mu.Lock()
	a.screenInfo = raw
	a.mu.Unlock()
}

// ScreenInfo returns the cached screen metadata, or nil if the agent has
// not emitted any yet.
func (a *AgentConn) ScreenInfo() json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.screenInfo
}

// Registry is the live switch: it owns the agent-key → AgentConn map and
// the named fan-out groups. All operations are short and non-blocking; the
// lock is never held across a wire write — broadcasts copy the member set
// first and send outside the lock, so one stalled socket cannot wedge the
// switch.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*AgentConn
	groups map[string]map[*Conn]struct{}
	logger *zap.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*AgentConn),
		groups: make(map[string]map[*Conn]struct{}),
		logger: logger.Named("registry"),
	}
}

// RegisterAgent installs ac as the sole connection for its agent key and
// returns the displaced prior connection, if any. The swap is atomic: at no
// instant do two connections hold the key.
func (r *Registry) RegisterAgent(ac *AgentConn) (evicted *AgentConn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted = r.agents[ac.AgentKey]
	r.agents[ac.AgentKey] = ac

	if evicted != nil {
		r.logger.Warn("evicting prior agent connection",
			zap.String("machine_id", ac.MachineID),
			zap.String("user_id", ac.UserID),
		)
	}
	return evicted
}

// UnregisterAgent removes the agent entry, but only if conn is still the
// current holder — an evicted connection's cleanup must not tear down its
// replacement. Reports whether the entry was removed.
func (r *Registry) UnregisterAgent(agentKey string, conn *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ac, ok := r.agents[agentKey]
	if !ok || ac.Conn != conn {
		return false
	}
	delete(r.agents, agentKey)
	return true
}

// Agent returns the live connection for an agent key, or nil.
func (r *Registry) Agent(agentKey string) *AgentConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[agentKey]
}

// AgentCount returns the number of connected agents.
func (r *Registry) AgentCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Join adds conn to the named group and returns the group size afterwards.
// The size is computed under the lock, so 0→1 transitions are observed by
// exactly one caller.
func (r *Registry) Join(group string, conn *Conn) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.groups[group]
	if members == nil {
		members = make(map[*Conn]struct{})
		r.groups[group] = members
	}
	members[conn] = struct{}{}
	return len(members)
}

// Leave removes conn from the named group and returns the remaining size.
// Empty groups are deleted. Leaving a group the conn is not in is a no-op
// that returns the current size.
func (r *Registry) Leave(group string, conn *Conn) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.groups[group]
	if members == nil {
		return 0
	}
	delete(members, conn)
	n := len(members)
	if n == 0 {
		delete(r.groups, group)
	}
	return n
}

// GroupSize returns the current size of the named group.
func (r *Registry) GroupSize(group string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups[group])
}

// Broadcast marshals an event once and delivers it reliably to every member
// of the group.
func (r *Registry) Broadcast(group, event string, data any) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			r.logger.Error("marshal broadcast payload", zap.String("event", event), zap.Error(err))
			return
		}
		raw = b
	}
	msg, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		r.logger.Error("marshal broadcast envelope", zap.String("event", event), zap.Error(err))
		return
	}
	r.BroadcastRaw(group, msg)
}

// BroadcastRaw delivers pre-marshaled text bytes reliably to every member
// of the group.
func (r *Registry) BroadcastRaw(group string, msg []byte) {
	for _, c := range r.members(group) {
		c.SendRaw(msg)
	}
}

// BroadcastFrame fans a binary frame out to the group on the volatile path.
// Returns how many members accepted the frame and how many dropped it.
func (r *Registry) BroadcastFrame(group string, buf []byte) (sent, dropped int) {
	for _, c := range r.members(group) {
		if c.SendFrame(buf) {
			sent++
		} else {
			dropped++
		}
	}
	return sent, dropped
}

// members snapshots the group under a read lock so sends happen outside it.
func (r *Registry) members(group string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.groups[group]
	if len(members) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(members))
	for c := range members {
		out = append(out, c)
	}
	return out
}

// Conns returns every live connection — agents and group members alike —
// deduplicated. Used by the shutdown fan-out.
func (r *Registry) Conns() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[*Conn]struct{})
	for _, ac := range r.agents {
		seen[ac.Conn] = struct{}{}
	}
	for _, members := range r.groups {
		for c := range members {
			seen[c] = struct{}{}
		}
	}
	out := make([]*Conn, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	return out
}
