package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/peekdesk/peekdesk/internal/authn"
	"github.com/peekdesk/peekdesk/internal/userstore"
)

// contextKey is an unexported type for context keys defined in this package.
type contextKey int

const (
	// contextKeyUser holds the authenticated *userstore.User after a
	// successful session check.
	contextKeyUser contextKey = iota
)

// bearerToken extracts the session token from the Authorization header,
// falling back to the token query parameter for clients that cannot set
// headers.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}
	return r.URL.Query().Get("token")
}

// Authenticate validates the session token and stores the resolved user in
// the request context. The check refreshes the session's activity window.
func Authenticate(auth *authn.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				ErrUnauthorized(w)
				return
			}
			user, err := auth.ResolveSession(token)
			if err != nil {
				ErrUnauthorized(w)
				return
			}
			ctx := context.WithValue(r.Context(), contextKeyUser, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireOwner allows the request through only when the session user matches
// the {userID} path parameter. Must run after Authenticate.
func RequireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := userFromCtx(r.Context())
		if user == nil {
			ErrUnauthorized(w)
			return
		}
		if user.ID != chi.URLParam(r, "userID") {
			ErrForbidden(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestLogger logs each request with method, path, status, and latency
// metadata via the injected zap logger.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// userFromCtx retrieves the user stored by Authenticate, or nil.
func userFromCtx(ctx context.Context) *userstore.User {
	user, _ := ctx.Value(contextKeyUser).(*userstore.User)
	return user
}

// sourceIP returns the client address without the port, as the rate-limiter
// key. Behind the front proxy chi's RealIP middleware has already rewritten
// RemoteAddr from the forwarding headers.
func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
