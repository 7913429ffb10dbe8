// Package api implements the HTTP/JSON control plane: login and sessions,
// machine CRUD, invites, Wake-on-LAN, bootstrap scripts, and the health
// probe. It uses Chi as the router. The socket channel is mounted on the
// same listener; this package only covers the request/response surface.
package api

import (
	"encoding/json"
	"net/http"
)

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Err writes the short {"error": ...} body every failing endpoint returns.
func Err(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// ErrUnauthorized writes a 401 for missing or invalid sessions.
func ErrUnauthorized(w http.ResponseWriter) {
	Err(w, http.StatusUnauthorized, "authentication required")
}

// ErrForbidden writes a 403 for cross-user access.
func ErrForbidden(w http.ResponseWriter) {
	Err(w, http.StatusForbidden, "forbidden")
}

// ErrNotFound writes a 404 for a missing subject.
func ErrNotFound(w http.ResponseWriter) {
	Err(w, http.StatusNotFound, "not found")
}

// decodeJSON decodes the request body into dst. Returns false and writes a
// 400 if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		Err(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
