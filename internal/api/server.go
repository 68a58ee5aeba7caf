// Package api serves the management HTTP API and the live audit feed.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/opswarden/opswarden/internal/action"
	"github.com/opswarden/opswarden/internal/audit"
	"github.com/opswarden/opswarden/internal/auth"
	"github.com/opswarden/opswarden/internal/config"
	"github.com/opswarden/opswarden/internal/executor"
	"github.com/opswarden/opswarden/internal/safety"
)

// Server is the management API server.
type Server struct {
	config     config.ServerConfig
	exec       *executor.Executor
	dispatcher *executor.Dispatcher
	safety     *safety.Controller
	auditor    *audit.Auditor
	tokens     *auth.TokenManager
	wsHub      *WebSocketHub
	mux        *http.ServeMux
	httpServer *http.Server
	logger     *slog.Logger
}

// Deps are the components the API exposes. Dispatcher may be nil, in which
// case asynchronous execution is unavailable. Tokens is required when
// auth is enabled in the server config.
type Deps struct {
	Executor   *executor.Executor
	Dispatcher *executor.Dispatcher
	Safety     *safety.Controller
	Auditor    *audit.Auditor
	Tokens     *auth.TokenManager
}

// NewServer creates a management API server and subscribes its WebSocket
// hub to the audit log.
func NewServer(cfg config.ServerConfig, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:     cfg,
		exec:       deps.Executor,
		dispatcher: deps.Dispatcher,
		safety:     deps.Safety,
		auditor:    deps.Auditor,
		tokens:     deps.Tokens,
		wsHub:      NewWebSocketHub(logger, cfg.CORS),
		mux:        http.NewServeMux(),
		logger:     logger.With("component", "api.Server"),
	}
	if s.auditor != nil {
		s.auditor.Subscribe(s.wsHub.Publish)
	}

	s.registerRoutes()
	return s
}

type callerKey struct{}

// callerFrom returns the authenticated caller, if auth is enabled.
func callerFrom(ctx context.Context) (auth.Token, bool) {
	t, ok := ctx.Value(callerKey{}).(auth.Token)
	return t, ok
}

// authRequired wraps a handler with token-based authentication. If auth is
// disabled in config, the handler is returned unwrapped.
func (s *Server) authRequired(perm string, next http.HandlerFunc) http.HandlerFunc {
	if !s.config.Auth.Enabled {
		return next
	}

	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if s.tokens == nil || !strings.HasPrefix(header, "Bearer ") {
			writeErrorStatus(w, http.StatusUnauthorized, "unauthorized", "missing or malformed Authorization header")
			return
		}

		token, err := s.tokens.ValidateToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeErrorStatus(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			return
		}
		if !auth.HasPermission(token.Role, perm) {
			s.logger.Warn("permission denied", "token", token.Name, "role", token.Role, "permission", perm, "path", r.URL.Path)
			writeErrorStatus(w, http.StatusForbidden, "forbidden", "insufficient permissions")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, token)))
	}
}

func (s *Server) registerRoutes() {
	// Actions
	s.mux.HandleFunc("GET /api/actions", s.authRequired(auth.PermRead, s.handleListActions))

	// Proposals
	s.mux.HandleFunc("GET /api/proposals", s.authRequired(auth.PermRead, s.handleListProposals))
	s.mux.HandleFunc("GET /api/proposals/pending", s.authRequired(auth.PermRead, s.handleListPending))
	s.mux.HandleFunc("POST /api/proposals", s.authRequired(auth.PermPropose, s.handlePropose))
	s.mux.HandleFunc("GET /api/proposals/{id}", s.authRequired(auth.PermRead, s.handleShowProposal))
	s.mux.HandleFunc("POST /api/proposals/{id}/validate", s.authRequired(auth.PermValidate, s.handleValidate))
	s.mux.HandleFunc("POST /api/proposals/{id}/approve", s.authRequired(auth.PermApprove, s.handleApprove))
	s.mux.HandleFunc("POST /api/proposals/{id}/execute", s.authRequired(auth.PermExecute, s.handleExecute))
	s.mux.HandleFunc("POST /api/proposals/{id}/cancel", s.authRequired(auth.PermCancel, s.handleCancel))

	// Audit
	s.mux.HandleFunc("GET /api/audit", s.authRequired(auth.PermRead, s.handleListAudit))
	s.mux.HandleFunc("GET /api/audit/verify", s.authRequired(auth.PermRead, s.handleVerifyAudit))

	// Safety
	s.mux.HandleFunc("GET /api/mode", s.authRequired(auth.PermRead, s.handleGetMode))
	s.mux.HandleFunc("PUT /api/mode", s.authRequired(auth.PermMode, s.handleSetMode))
	s.mux.HandleFunc("POST /api/kill", s.authRequired(auth.PermKill, s.handleKill))

	// System: health is always public
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/stats", s.authRequired(auth.PermRead, s.handleStats))

	// WebSocket
	s.mux.HandleFunc("GET /api/ws/audit", s.authRequired(auth.PermRead, s.wsHub.HandleWebSocket))
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if s.config.CORS {
		return corsMiddleware(s.mux)
	}
	return s.mux
}

// Start serves the API on addr until Shutdown.
func (s *Server) Start(addr string) error {
	go s.wsHub.Run()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute, // synchronous execute waits for the backend
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("management API listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsHub.Close()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers for local dashboards.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// statusForKind maps an error kind to its HTTP status.
func statusForKind(kind string) int {
	switch kind {
	case action.KindValidation:
		return http.StatusBadRequest
	case action.KindNotFound:
		return http.StatusNotFound
	case action.KindAlreadyTerminal:
		return http.StatusConflict
	case action.KindObserveOnly, action.KindKillSwitch, action.KindPolicyDenied:
		return http.StatusForbidden
	case action.KindApprovalRequired:
		return http.StatusPreconditionRequired
	case action.KindRateLimited:
		return http.StatusTooManyRequests
	case action.KindBackend:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Addr formats host and port as a listen address.
func Addr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
