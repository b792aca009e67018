package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/unso/internal/auth"
	"github.com/ashita-ai/unso/internal/ctxutil"
	"github.com/ashita-ai/unso/internal/model"
	"github.com/ashita-ai/unso/internal/service/recovery"
	"github.com/ashita-ai/unso/internal/storage"
	"github.com/ashita-ai/unso/internal/supervisor"
)

// keepaliveInterval spaces SSE comment frames on idle connections.
const keepaliveInterval = 15 * time.Second

// DepthReporter exposes the depth of a background buffer for health checks.
type DepthReporter interface {
	Len() int
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               storage.Store
	sup                 *supervisor.Supervisor
	recovery            *recovery.Service
	jwtMgr              *auth.JWTManager
	broker              *Broker
	audit               DepthReporter
	logger              *slog.Logger
	baseTerms           model.JobTerms
	maxDeliveryWindow   time.Duration
	ingestWait          time.Duration
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Audit, OpenAPISpec.
type HandlersDeps struct {
	Store               storage.Store
	Supervisor          *supervisor.Supervisor
	Recovery            *recovery.Service
	JWTMgr              *auth.JWTManager
	Broker              *Broker
	Audit               DepthReporter
	Logger              *slog.Logger
	BaseTerms           model.JobTerms
	MaxDeliveryWindow   time.Duration
	IngestWait          time.Duration
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	if d.IngestWait <= 0 {
		d.IngestWait = 2 * time.Second
	}
	return &Handlers{
		store:               d.Store,
		sup:                 d.Supervisor,
		recovery:            d.Recovery,
		jwtMgr:              d.JWTMgr,
		broker:              d.Broker,
		audit:               d.Audit,
		logger:              d.Logger,
		baseTerms:           d.BaseTerms,
		maxDeliveryWindow:   d.MaxDeliveryWindow,
		ingestWait:          d.IngestWait,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	agent, err := h.store.GetAgentByAgentID(r.Context(), req.AgentID)
	if err != nil || agent.APIKeyHash == nil {
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			h.logger.Error("auth: agent lookup failed", "agent_id", req.AgentID, "error", err)
		}
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	valid, err := auth.VerifyAPIKey(req.APIKey, *agent.APIKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(agent)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}
	h.logger.Info("token issued", "agent_id", agent.AgentID, "role", agent.Role)
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleCreateAgent handles POST /v1/agents (admin-only).
func (h *Handlers) HandleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req model.CreateAgentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateAgentID(req.AgentID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if model.RoleRank(req.Role) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, fmt.Sprintf("unknown role %q", req.Role))
		return
	}
	if len(req.APIKey) < 16 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "api_key must be at least 16 characters")
		return
	}

	hash, err := auth.HashAPIKey(req.APIKey)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash api key", err)
		return
	}
	name := req.Name
	if name == "" {
		name = req.AgentID
	}
	agent, err := h.store.CreateAgent(r.Context(), model.Agent{
		AgentID:    req.AgentID,
		Name:       name,
		Role:       req.Role,
		APIKeyHash: &hash,
	})
	if errors.Is(err, storage.ErrAgentExists) {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "agent_id already registered")
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to create agent", err)
		return
	}
	h.logger.Info("agent registered",
		"agent_id", agent.AgentID, "role", agent.Role, "by", ctxutil.AgentIDFromContext(r.Context()))
	writeJSON(w, r, http.StatusCreated, agent)
}

// HandleSubscribe handles GET /v1/subscribe. Agents receive snapshots of the
// job they own and get an immediate resync; observers and admins receive
// notices for every job. When an agent's last stream closes its job is
// marked awaiting resync.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}
	claims := ctxutil.ClaimsFromContext(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Long-lived stream: lift the server's WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	var ch chan []byte
	if claims.Role == model.RoleAgent {
		ch = h.broker.SubscribeAgent(claims.AgentID)
		defer func() {
			if h.broker.UnsubscribeAgent(claims.AgentID, ch) {
				h.sup.DisconnectAgent(claims.AgentID)
			}
		}()
		go h.resyncOnConnect(claims.AgentID)
	} else {
		ch = h.broker.SubscribeObserver()
		defer h.broker.UnsubscribeObserver(ch)
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// resyncOnConnect pushes a fresh snapshot to a newly connected agent. The
// snapshot reaches the stream through the broker.
func (h *Handlers) resyncOnConnect(agentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), h.ingestWait)
	defer cancel()
	res, owns, err := h.recovery.ResyncAgent(ctx, agentID)
	switch {
	case err != nil:
		h.logger.Warn("subscribe: resync failed", "agent_id", agentID, "error", err)
	case owns:
		h.logger.Debug("subscribe: agent resynced", "agent_id", agentID, "outcome", res.Outcome)
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Storage: "connected",
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		resp.Storage = "disconnected"
		resp.Status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp.OpenJobs = len(h.sup.Open(false))
	resp.UnhealthyJobs = len(h.sup.Open(true))
	if resp.UnhealthyJobs > 0 && resp.Status == "healthy" {
		resp.Status = "degraded"
	}
	if h.audit != nil {
		resp.AuditDepth = h.audit.Len()
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// SeedAdmin creates the initial admin agent if no agents exist.
func (h *Handlers) SeedAdmin(ctx context.Context, adminAPIKey string) error {
	count, err := h.store.CountAgents(ctx)
	if err != nil {
		return fmt.Errorf("seed admin: count agents: %w", err)
	}
	if count > 0 {
		h.logger.Info("agents exist, skipping admin seed", "existing_agents", count)
		return nil
	}
	if adminAPIKey == "" {
		return fmt.Errorf("seed admin: UNSO_ADMIN_API_KEY is empty and no agents exist; set it to bootstrap initial admin access")
	}

	hash, err := auth.HashAPIKey(adminAPIKey)
	if err != nil {
		return fmt.Errorf("seed admin: hash key: %w", err)
	}
	_, err = h.store.CreateAgent(ctx, model.Agent{
		AgentID:    "admin",
		Name:       "System Admin",
		Role:       model.RoleAdmin,
		APIKeyHash: &hash,
	})
	if err != nil && !errors.Is(err, storage.ErrAgentExists) {
		return fmt.Errorf("seed admin: create agent: %w", err)
	}
	h.logger.Info("seeded initial admin agent")
	return nil
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", ctxutil.RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

func parseJobID(r *http.Request) (uuid.UUID, error) {
	raw := r.PathValue("job_id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid job_id %q", raw)
	}
	return id, nil
}
