package api

import (
	"errors"
	"net"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/peekdesk/peekdesk/internal/ratelimit"
	"github.com/peekdesk/peekdesk/internal/relay"
	"github.com/peekdesk/peekdesk/internal/userstore"
	"github.com/peekdesk/peekdesk/internal/wol"
)

// macPattern matches colon- or dash-separated EUI-48 addresses.
var macPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}[:\-]){5}[0-9A-Fa-f]{2}$`)

// MachineHandler groups machine CRUD and the Wake-on-LAN trigger.
// All routes are owner-only; RequireOwner has already matched the session
// user against the {userID} path segment.
type MachineHandler struct {
	users       *userstore.Store
	registry    *relay.Registry
	wakeLimiter *ratelimit.Limiter
	wake        func(mac, broadcast string) error
	logger      *zap.Logger
}

// NewMachineHandler creates a MachineHandler. wake may be overridden in
// tests to capture the emitted packet; nil selects the real UDP emitter.
func NewMachineHandler(users *userstore.Store, registry *relay.Registry, wakeLimiter *ratelimit.Limiter, wake func(mac, broadcast string) error, logger *zap.Logger) *MachineHandler {
	if wake == nil {
		wake = wol.Wake
	}
	return &MachineHandler{
		users:       users,
		registry:    registry,
		wakeLimiter: wakeLimiter,
		wake:        wake,
		logger:      logger.Named("machine_handler"),
	}
}

// machineResponse is the JSON shape of a machine. The agent key is included
// — only the owner ever sees it, and it is what the setup scripts embed.
type machineResponse struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	AgentKey         string `json:"agentKey"`
	MACAddress       string `json:"macAddress,omitempty"`
	BroadcastAddress string `json:"broadcastAddress,omitempty"`
	Connected        bool   `json:"connected"`
}

func (h *MachineHandler) toResponse(m *userstore.Machine) machineResponse {
	return machineResponse{
		ID:               m.ID,
		Name:             m.Name,
		AgentKey:         m.AgentKey,
		MACAddress:       m.MACAddress,
		BroadcastAddress: m.BroadcastAddress,
		Connected:        h.registry.Agent(m.AgentKey) != nil,
	}
}

// List handles GET /api/machines/{userID}.
func (h *MachineHandler) List(w http.ResponseWriter, r *http.Request) {
	machines, err := h.users.GetMachines(chi.URLParam(r, "userID"))
	if err != nil {
		ErrNotFound(w)
		return
	}
	out := make([]machineResponse, len(machines))
	for i := range machines {
		out[i] = h.toResponse(&machines[i])
	}
	JSON(w, http.StatusOK, out)
}

// createMachineRequest is the body for POST /api/machines/{userID}.
type createMachineRequest struct {
	Name string `json:"name"`
}

// Create handles POST /api/machines/{userID}.
func (h *MachineHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createMachineRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		Err(w, http.StatusBadRequest, "name is required")
		return
	}

	m, err := h.users.AddMachine(chi.URLParam(r, "userID"), req.Name)
	if err != nil {
		if errors.Is(err, userstore.ErrUserNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("add machine failed", zap.Error(err))
		Err(w, http.StatusInternalServerError, "could not create machine")
		return
	}
	JSON(w, http.StatusCreated, h.toResponse(m))
}

// renameMachineRequest is the body for PATCH /api/machines/{userID}/{machineID}.
type renameMachineRequest struct {
	Name string `json:"name"`
}

// Rename handles PATCH /api/machines/{userID}/{machineID}.
func (h *MachineHandler) Rename(w http.ResponseWriter, r *http.Request) {
	var req renameMachineRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		Err(w, http.StatusBadRequest, "name is required")
		return
	}

	m, err := h.users.RenameMachine(chi.URLParam(r, "userID"), chi.URLParam(r, "machineID"), req.Name)
	if err != nil {
		h.notFoundOrInternal(w, err)
		return
	}
	JSON(w, http.StatusOK, h.toResponse(m))
}

// Delete handles DELETE /api/machines/{userID}/{machineID}.
func (h *MachineHandler) Delete(w http.ResponseWriter, r *http.Request) {
	err := h.users.RemoveMachine(chi.URLParam(r, "userID"), chi.URLParam(r, "machineID"))
	if err != nil {
		h.notFoundOrInternal(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// setMacRequest is the body for PATCH /api/machines/{userID}/{machineID}/mac.
// Empty strings clear the stored values.
type setMacRequest struct {
	MACAddress       string `json:"macAddress"`
	BroadcastAddress string `json:"broadcastAddress"`
}

// SetMac handles PATCH /api/machines/{userID}/{machineID}/mac.
func (h *MachineHandler) SetMac(w http.ResponseWriter, r *http.Request) {
	var req setMacRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.MACAddress != "" && !macPattern.MatchString(req.MACAddress) {
		Err(w, http.StatusBadRequest, "invalid MAC address")
		return
	}
	if req.BroadcastAddress != "" {
		ip := net.ParseIP(req.BroadcastAddress)
		if ip == nil || ip.To4() == nil {
			Err(w, http.StatusBadRequest, "invalid broadcast address")
			return
		}
	}

	m, err := h.users.SetMacAddress(chi.URLParam(r, "userID"), chi.URLParam(r, "machineID"), req.MACAddress, req.BroadcastAddress)
	if err != nil {
		h.notFoundOrInternal(w, err)
		return
	}
	JSON(w, http.StatusOK, h.toResponse(m))
}

// Wake handles POST /api/machines/{userID}/{machineID}/wake. A machine that
// is already connected gets a short-circuit reply and no packet. The
// trigger is rate-limited per source — magic packets are cheap to request
// and noisy on the target LAN.
func (h *MachineHandler) Wake(w http.ResponseWriter, r *http.Request) {
	m, err := h.users.GetMachine(chi.URLParam(r, "userID"), chi.URLParam(r, "machineID"))
	if err != nil {
		h.notFoundOrInternal(w, err)
		return
	}

	if h.registry.Agent(m.AgentKey) != nil {
		JSON(w, http.StatusOK, map[string]any{"ok": true, "alreadyOnline": true})
		return
	}

	if m.MACAddress == "" {
		Err(w, http.StatusBadRequest, "machine has no MAC address configured")
		return
	}

	if ok, retryAfter := h.wakeLimiter.TryAcquire(sourceIP(r)); !ok {
		Err(w, http.StatusTooManyRequests, ratelimit.RetryHint(retryAfter))
		return
	}

	if err := h.wake(m.MACAddress, m.BroadcastAddress); err != nil {
		h.logger.Error("wake failed",
			zap.String("machine_id", m.ID),
			zap.Error(err),
		)
		Err(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.logger.Info("wake packet sent",
		zap.String("machine_id", m.ID),
		zap.String("mac", m.MACAddress),
	)
	JSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"message": "Wake-on-LAN packet sent to " + m.MACAddress,
	})
}

// notFoundOrInternal maps store errors to 404 for missing subjects and 500
// for everything else (which, for the user store, means a failed disk write).
func (h *MachineHandler) notFoundOrInternal(w http.ResponseWriter, err error) {
	if errors.Is(err, userstore.ErrUserNotFound) || errors.Is(err, userstore.ErrMachineNotFound) {
		ErrNotFound(w)
		return
	}
	h.logger.Error("machine operation failed", zap.Error(err))
	Err(w, http.StatusInternalServerError, "operation failed")
}
