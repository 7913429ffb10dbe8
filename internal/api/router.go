package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/peekdesk/peekdesk/internal/authn"
)

// RouterConfig carries the handlers and middleware dependencies the router
// wires together.
type RouterConfig struct {
	Auth     *AuthHandler
	Machines *MachineHandler
	Invites  *InviteHandler
	Setup    *SetupHandler
	Health   *HealthHandler

	Authenticator *authn.Authenticator
	Socket        http.HandlerFunc
	Metrics       http.Handler

	Logger *zap.Logger
}

// NewRouter builds the full route tree. Public endpoints come first; the
// authenticated group layers Authenticate, and owner-scoped routes add
// RequireOwner on top. Unknown paths redirect to the dashboard root, which
// the front proxy serves.
func NewRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger.Named("http")))
	r.Use(middleware.Recoverer)

	// Public.
	r.Post("/api/login", cfg.Auth.Login)
	r.Get("/api/invite-info/{inviteToken}", cfg.Invites.Info)
	r.Get("/api/setup/{agentKey}", cfg.Setup.Unix)
	r.Get("/api/setup-win/{agentKey}", cfg.Setup.Windows)
	r.Handle("/agent-files/*", cfg.Setup.AgentFiles())
	r.Get("/api/health", cfg.Health.Health)
	r.Handle("/metrics", cfg.Metrics)
	r.Get("/ws", cfg.Socket)

	// Session required.
	r.Group(func(r chi.Router) {
		r.Use(Authenticate(cfg.Authenticator))

		r.Post("/api/logout", cfg.Auth.Logout)
		r.Get("/api/session", cfg.Auth.Session)

		// Owner-scoped.
		r.Group(func(r chi.Router) {
			r.Use(RequireOwner)

			r.Get("/api/machines/{userID}", cfg.Machines.List)
			r.Post("/api/machines/{userID}", cfg.Machines.Create)
			r.Patch("/api/machines/{userID}/{machineID}", cfg.Machines.Rename)
			r.Delete("/api/machines/{userID}/{machineID}", cfg.Machines.Delete)
			r.Patch("/api/machines/{userID}/{machineID}/mac", cfg.Machines.SetMac)
			r.Post("/api/machines/{userID}/{machineID}/wake", cfg.Machines.Wake)

			r.Post("/api/invites/{userID}/{machineID}", cfg.Invites.Create)
			r.Delete("/api/invites/{userID}/{inviteToken}", cfg.Invites.Revoke)
		})
	})

	// Anything else belongs to the dashboard single-page app, which the
	// front proxy serves at the root.
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Write([]byte("peekdesk relay\n"))
			return
		}
		http.Redirect(w, r, "/", http.StatusFound)
	})

	return r
}
