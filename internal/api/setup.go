package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/peekdesk/peekdesk/internal/userstore"
)

// SetupHandler serves the agent bootstrap scripts and the agent source
// files they download. The scripts are mechanical templates personalized
// with the relay origin the request arrived on and the machine's agent key.
type SetupHandler struct {
	users         *userstore.Store
	agentFilesDir string
	logger        *zap.Logger
}

// NewSetupHandler creates a SetupHandler. agentFilesDir may be empty, in
// which case /agent-files/* answers 404.
func NewSetupHandler(users *userstore.Store, agentFilesDir string, logger *zap.Logger) *SetupHandler {
	return &SetupHandler{
		users:         users,
		agentFilesDir: agentFilesDir,
		logger:        logger.Named("setup_handler"),
	}
}

// origin reconstructs the externally visible base URL. The front proxy
// terminates TLS, so the scheme comes from X-Forwarded-Proto when present.
func origin(r *http.Request) string {
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		if r.TLS != nil {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	return scheme + "://" + r.Host
}

// resolveKey verifies the agent key exists before emitting a script for it.
func (h *SetupHandler) resolveKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := chi.URLParam(r, "agentKey")
	if _, _, err := h.users.GetByAgentKey(key); err != nil {
		h.logger.Info("setup script refused for unknown key", zap.String("remote_addr", r.RemoteAddr))
		ErrNotFound(w)
		return "", false
	}
	return key, true
}

// Unix handles GET /api/setup/{agentKey}: a POSIX shell installer.
func (h *SetupHandler) Unix(w http.ResponseWriter, r *http.Request) {
	key, ok := h.resolveKey(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, `#!/bin/sh
# peekdesk agent bootstrap
set -eu

SERVER=%q
AGENT_KEY=%q
INSTALL_DIR="${HOME}/.peekdesk-agent"

mkdir -p "${INSTALL_DIR}"
cd "${INSTALL_DIR}"

for f in agent.js package.json; do
  curl -fsSL "${SERVER}/agent-files/${f}" -o "${f}"
done

npm install --omit=dev

cat > agent.env <<EOF
SERVER_URL=${SERVER}
AGENT_KEY=${AGENT_KEY}
EOF

echo "Agent installed in ${INSTALL_DIR}."
echo "Start it with: cd ${INSTALL_DIR} && node agent.js"
`, origin(r), key)
}

// Windows handles GET /api/setup-win/{agentKey}: a PowerShell installer.
func (h *SetupHandler) Windows(w http.ResponseWriter, r *http.Request) {
	key, ok := h.resolveKey(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, `# peekdesk agent bootstrap (Windows)
$ErrorActionPreference = "Stop"

$Server = %q
$AgentKey = %q
$InstallDir = Join-Path $env:USERPROFILE ".peekdesk-agent"

New-Item -ItemType Directory -Force -Path $InstallDir | Out-Null
Set-Location $InstallDir

foreach ($f in @("agent.js", "package.json")) {
    Invoke-WebRequest -Uri "$Server/agent-files/$f" -OutFile $f
}

npm install --omit=dev

@"
SERVER_URL=$Server
AGENT_KEY=$AgentKey
"@ | Set-Content agent.env

Write-Host "Agent installed in $InstallDir."
Write-Host "Start it with: node agent.js"
`, origin(r), key)
}

// AgentFiles returns the handler for GET /agent-files/*: a static fetch of
// the agent sources the bootstrap scripts download.
func (h *SetupHandler) AgentFiles() http.Handler {
	if h.agentFilesDir == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ErrNotFound(w)
		})
	}
	return http.StripPrefix("/agent-files/", http.FileServer(http.Dir(h.agentFilesDir)))
}
