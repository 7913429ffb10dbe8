package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/peekdesk/peekdesk/internal/metrics"
	"github.com/peekdesk/peekdesk/internal/ratelimit"
	"github.com/peekdesk/peekdesk/internal/session"
	"github.com/peekdesk/peekdesk/internal/userstore"
)

// AuthHandler groups the login, logout, and session endpoints.
type AuthHandler struct {
	users    *userstore.Store
	sessions *session.Store
	limiter  *ratelimit.Limiter
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(users *userstore.Store, sessions *session.Store, limiter *ratelimit.Limiter, m *metrics.Metrics, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		users:    users,
		sessions: sessions,
		limiter:  limiter,
		metrics:  m,
		logger:   logger.Named("auth_handler"),
	}
}

// loginRequest is the JSON body expected by POST /api/login. Authentication
// is password-only: the password is checked against every user's verifier
// in turn and the first match wins.
type loginRequest struct {
	Password string `json:"password"`
}

// loginResponse is returned on successful login.
type loginResponse struct {
	Token       string `json:"token"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// Login handles POST /api/login. Failures count against the source's
// lockout window; hitting the limit turns further replies into 429 with a
// retry hint until the window expires.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	src := sourceIP(r)

	if blocked, retryAfter := h.limiter.Blocked(src); blocked {
		Err(w, http.StatusTooManyRequests, ratelimit.RetryHint(retryAfter))
		return
	}

	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Password == "" {
		Err(w, http.StatusBadRequest, "password is required")
		return
	}

	user, err := h.users.AuthenticateByPassword(req.Password)
	if err != nil {
		if errors.Is(err, userstore.ErrInvalidPassword) {
			h.metrics.LoginFailures.Inc()
			h.limiter.Fail(src)
			if blocked, retryAfter := h.limiter.Blocked(src); blocked {
				Err(w, http.StatusTooManyRequests, ratelimit.RetryHint(retryAfter))
				return
			}
			Err(w, http.StatusUnauthorized, "invalid password")
			return
		}
		h.logger.Error("login failed", zap.Error(err))
		Err(w, http.StatusInternalServerError, "login failed")
		return
	}

	h.limiter.Reset(src)
	token := h.sessions.Create(user.ID)

	h.logger.Info("login", zap.String("user_id", user.ID), zap.String("source", src))
	JSON(w, http.StatusOK, loginResponse{
		Token:       token,
		UserID:      user.ID,
		DisplayName: user.DisplayName,
	})
}

// Logout handles POST /api/logout. Deleting an absent session is a no-op —
// the client clears its token regardless.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if token := bearerToken(r); token != "" {
		h.sessions.Delete(token)
	}
	JSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Session handles GET /api/session: validates the token (refreshing its
// activity window) and returns who it belongs to.
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	user := userFromCtx(r.Context())
	if user == nil {
		ErrUnauthorized(w)
		return
	}
	JSON(w, http.StatusOK, map[string]string{
		"userId":      user.ID,
		"displayName": user.DisplayName,
	})
}
