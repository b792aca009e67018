// Package server implements the HTTP API: agent authentication, job
// commands, snapshots over SSE, and operator reads.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/unso/internal/auth"
	"github.com/ashita-ai/unso/internal/ctxutil"
	"github.com/ashita-ai/unso/internal/model"
	"github.com/ashita-ai/unso/internal/ratelimit"
	"github.com/ashita-ai/unso/internal/service/recovery"
	"github.com/ashita-ai/unso/internal/storage"
	"github.com/ashita-ai/unso/internal/supervisor"
)

// Server is the unso HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, Audit, MCPServer, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Store      storage.Store
	Supervisor *supervisor.Supervisor
	Recovery   *recovery.Service
	JWTMgr     *auth.JWTManager
	Broker     *Broker
	Logger     *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	Audit     DepthReporter
	MCPServer *mcpserver.MCPServer

	// Job terms applied to every accepted offer.
	BaseTerms         model.JobTerms
	MaxDeliveryWindow time.Duration
	IngestWait        time.Duration

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Supervisor:          cfg.Supervisor,
		Recovery:            cfg.Recovery,
		JWTMgr:              cfg.JWTMgr,
		Broker:              cfg.Broker,
		Audit:               cfg.Audit,
		Logger:              cfg.Logger,
		BaseTerms:           cfg.BaseTerms,
		MaxDeliveryWindow:   cfg.MaxDeliveryWindow,
		IngestWait:          cfg.IngestWait,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	reqIDFunc := func(r *http.Request) string { return ctxutil.RequestIDFromContext(r.Context()) }
	agentRL := ratelimit.Middleware(cfg.Limiter, agentKeyFunc, reqIDFunc, cfg.Logger)
	authRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	adminOnly := requireRole(model.RoleAdmin)
	agentOnly := requireRole(model.RoleAgent)
	anyRole := requireRole(model.RoleAdmin, model.RoleAgent, model.RoleObserver)
	readers := requireRole(model.RoleAdmin, model.RoleObserver)

	mux := http.NewServeMux()

	// Auth (no token, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Agent registry.
	mux.Handle("POST /v1/agents", adminOnly(http.HandlerFunc(h.HandleCreateAgent)))

	// Agent commands (rate limited per agent).
	mux.Handle("POST /v1/jobs/{job_id}/accept", agentRL(agentOnly(http.HandlerFunc(h.HandleAcceptJob))))
	mux.Handle("POST /v1/jobs/{job_id}/events", agentRL(agentOnly(http.HandlerFunc(h.HandleReport))))
	mux.Handle("POST /v1/jobs/{job_id}/resync", agentRL(agentOnly(http.HandlerFunc(h.HandleResync))))

	// Operator commands and reads.
	mux.Handle("POST /v1/jobs/{job_id}/outcome", adminOnly(http.HandlerFunc(h.HandleOutcome)))
	mux.Handle("GET /v1/jobs/{job_id}/events", adminOnly(http.HandlerFunc(h.HandleJobEvents)))
	mux.Handle("GET /v1/jobs/{job_id}/rejections", adminOnly(http.HandlerFunc(h.HandleJobRejections)))
	mux.Handle("GET /v1/jobs", readers(http.HandlerFunc(h.HandleListJobs)))

	// Snapshot reads: agents see their own job only.
	mux.Handle("GET /v1/jobs/{job_id}", agentRL(anyRole(http.HandlerFunc(h.HandleGetJob))))

	// Event stream (long-lived, not rate limited).
	mux.Handle("GET /v1/subscribe", anyRole(http.HandlerFunc(h.HandleSubscribe)))

	// MCP StreamableHTTP transport for operator tooling.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", readers(mcpserver.NewStreamableHTTPServer(cfg.MCPServer)))
	}

	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// agentKeyFunc keys rate limits by agent_id. Admins are exempt.
func agentKeyFunc(r *http.Request) string {
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil || claims.Role == model.RoleAdmin {
		return ""
	}
	return "agent:" + claims.AgentID
}

// Handlers returns the underlying Handlers for access to SeedAdmin.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
