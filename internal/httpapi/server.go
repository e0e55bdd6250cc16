package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ehrlich-b/tower/internal/address"
	"github.com/ehrlich-b/tower/internal/registry"
	"github.com/ehrlich-b/tower/internal/sessionmgr"
	"github.com/ehrlich-b/tower/internal/store"
	"github.com/ehrlich-b/tower/internal/wsbridge"
)

// smallQueryTimeout and launchTimeout are the two request-level budgets
// spec.md §5 names: "≥30s for launch/adopt, 10s for small queries".
const (
	smallQueryTimeout = 10 * time.Second
	launchTimeout     = 30 * time.Second

	// activateRateLimit caps workspace activation at 10/min/client,
	// grounded on the teacher's internal/relay/bandwidth.go limiter map.
	activateRateLimit = rate.Limit(10.0 / 60.0)
	activateBurst     = 10
)

// Deps bundles every daemon-internal collaborator the HTTP surface
// wires together. WebKey and Watcher may be left empty; Log,
// DefaultCols and DefaultRows fall back to defaults in New.
type Deps struct {
	Store      *store.Store
	Registry   *registry.Registry
	Resolver   *address.Resolver
	Dispatcher *address.Dispatcher
	SessionMgr *sessionmgr.Manager
	Bus        *wsbridge.MessageBus
	Watcher    *registry.WorkspaceWatcher
	Log        *slog.Logger

	RingBufferCapacity int
	DefaultCols        uint16
	DefaultRows        uint16
	WebKey             string // empty disables bearer auth
}

// Server is the daemon's HTTP/WebSocket listener, a thin http.ServeMux
// the way internal/direct.Server is in the teacher repo — no OAuth,
// no cluster routing, just routes and a bearer-token gate.
type Server struct {
	deps    Deps
	log     *slog.Logger
	mux     *http.ServeMux
	started time.Time

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// New builds a Server and registers every route from spec.md §6.
func New(deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.DefaultCols == 0 {
		deps.DefaultCols = 80
	}
	if deps.DefaultRows == 0 {
		deps.DefaultRows = 24
	}
	s := &Server{
		deps:     deps,
		log:      deps.Log,
		mux:      http.NewServeMux(),
		started:  time.Now(),
		limiters: make(map[string]*rate.Limiter),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/workspaces", s.handleListWorkspaces)
	s.mux.HandleFunc("POST /api/workspaces/{b64}/activate", s.withRateLimit(s.handleActivateWorkspace))
	s.mux.HandleFunc("POST /api/workspaces/{b64}/deactivate", s.handleDeactivateWorkspace)
	s.mux.HandleFunc("GET /api/workspaces/{b64}/status", s.handleWorkspaceStatus)

	s.mux.HandleFunc("POST /api/terminals", s.handleCreateTerminal)
	s.mux.HandleFunc("GET /api/terminals/{id}", s.handleGetTerminal)
	s.mux.HandleFunc("DELETE /api/terminals/{id}", s.handleDeleteTerminal)
	s.mux.HandleFunc("POST /api/terminals/{id}/write", s.handleWriteTerminal)
	s.mux.HandleFunc("POST /api/terminals/{id}/resize", s.handleResizeTerminal)
	s.mux.HandleFunc("GET /api/terminals/{id}/output", s.handleTerminalOutput)

	s.mux.HandleFunc("POST /api/send", s.handleSend)

	s.mux.HandleFunc("GET /ws/terminal/{id}", s.handleWSTerminal)
	s.mux.HandleFunc("GET /workspace/{b64}/ws/terminal/{id}", s.handleWSTerminal)
	s.mux.HandleFunc("GET /ws/messages", s.handleWSMessages)
}

// ServeHTTP applies the bearer-auth gate ahead of every route, matching
// spec.md §6: "every HTTP request and every WS upgrade requires a
// bearer/protocol token that matches in constant time" when WEB_KEY is set.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.deps.WebKey != "" && !s.authorized(r) {
		writeError(w, codeInvalidParams, "missing or invalid bearer token", nil)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) authorized(r *http.Request) bool {
	token := bearerToken(r)
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.deps.WebKey)) == 1
}

// bearerToken extracts the token from the Authorization header, or from
// the Sec-WebSocket-Protocol header for browser WS clients that cannot
// set arbitrary headers on the upgrade request.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		for _, p := range strings.Split(proto, ",") {
			p = strings.TrimSpace(p)
			if strings.HasPrefix(p, "bearer.") {
				return strings.TrimPrefix(p, "bearer.")
			}
		}
	}
	return r.URL.Query().Get("token")
}

// withRateLimit enforces activateRateLimit per client (keyed by bearer
// token when one is sent, else by remote host), the only endpoint
// spec.md §6 calls out as rate-limited.
func (s *Server) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if !s.limiterFor(key).Allow() {
			writeError(w, codeRateLimited, "too many activation requests", nil)
			return
		}
		next(w, r)
	}
}

func (s *Server) limiterFor(key string) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(activateRateLimit, activateBurst)
		s.limiters[key] = l
	}
	return l
}

func clientKey(r *http.Request) string {
	if token := bearerToken(r); token != "" {
		return token
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"uptimeSeconds": time.Since(s.started).Seconds(),
		"workspaces":    len(s.deps.Registry.Workspaces()),
	})
}

// withTimeout applies one of the two request-level budgets spec.md §5
// names, cancelling the handler's context if exceeded.
func withTimeout(r *http.Request, d time.Duration) (*http.Request, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(r.Context(), d)
	return r.WithContext(ctx), cancel
}

// ListenAndServe binds addr (expected to be a loopback address per
// spec.md §6) and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
