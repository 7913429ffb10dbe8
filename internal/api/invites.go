package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/peekdesk/peekdesk/internal/invite"
	"github.com/peekdesk/peekdesk/internal/userstore"
)

// InviteHandler groups the share-link endpoints. Creation and revocation
// are owner-only; inspection is public — the share page must render for a
// recipient who has no session.
type InviteHandler struct {
	users   *userstore.Store
	invites *invite.Store
	logger  *zap.Logger
}

// NewInviteHandler creates an InviteHandler.
func NewInviteHandler(users *userstore.Store, invites *invite.Store, logger *zap.Logger) *InviteHandler {
	return &InviteHandler{
		users:   users,
		invites: invites,
		logger:  logger.Named("invite_handler"),
	}
}

// inviteResponse is the JSON shape of an invite.
type inviteResponse struct {
	Token       string    `json:"token"`
	MachineID   string    `json:"machineId"`
	MachineName string    `json:"machineName"`
	DisplayName string    `json:"displayName"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func toInviteResponse(inv *invite.Invite) inviteResponse {
	return inviteResponse{
		Token:       inv.Token,
		MachineID:   inv.MachineID,
		MachineName: inv.MachineName,
		DisplayName: inv.DisplayName,
		ExpiresAt:   inv.ExpiresAt,
	}
}

// Create handles POST /api/invites/{userID}/{machineID}. The machine name
// is snapshotted into the invite so the share page stays stable across
// renames.
func (h *InviteHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	machineID := chi.URLParam(r, "machineID")

	user := userFromCtx(r.Context())
	machine, err := h.users.GetMachine(userID, machineID)
	if err != nil {
		ErrNotFound(w)
		return
	}

	inv := h.invites.Create(userID, machineID, user.DisplayName, machine.Name)
	JSON(w, http.StatusCreated, toInviteResponse(inv))
}

// Info handles GET /api/invite-info/{inviteToken}. Public: no session
// required. Expired tokens are reported invalid and removed by the lookup.
func (h *InviteHandler) Info(w http.ResponseWriter, r *http.Request) {
	inv, err := h.invites.Inspect(chi.URLParam(r, "inviteToken"))
	if err != nil {
		ErrNotFound(w)
		return
	}
	JSON(w, http.StatusOK, toInviteResponse(inv))
}

// Revoke handles DELETE /api/invites/{userID}/{inviteToken}.
func (h *InviteHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	err := h.invites.Revoke(chi.URLParam(r, "userID"), chi.URLParam(r, "inviteToken"))
	switch {
	case errors.Is(err, invite.ErrForbidden):
		ErrForbidden(w)
	case err != nil:
		ErrNotFound(w)
	default:
		h.logger.Info("invite revoked", zap.String("user_id", chi.URLParam(r, "userID")))
		JSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}
