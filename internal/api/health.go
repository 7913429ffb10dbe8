package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/peekdesk/peekdesk/internal/relay"
	"github.com/peekdesk/peekdesk/internal/session"
)

// HealthHandler answers the liveness probe with a few cheap gauges.
type HealthHandler struct {
	sessions *session.Store
	registry *relay.Registry
	started  time.Time
}

// NewHealthHandler creates a HealthHandler anchored to the given start time.
func NewHealthHandler(sessions *session.Store, registry *relay.Registry, started time.Time) *HealthHandler {
	return &HealthHandler{
		sessions: sessions,
		registry: registry,
		started:  started,
	}
}

// Health handles GET /api/health.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	JSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"uptime":   time.Since(h.started).Round(time.Second).String(),
		"sessions": h.sessions.Count(),
		"agents":   h.registry.AgentCount(),
		"memory":   ms.Alloc,
	})
}
