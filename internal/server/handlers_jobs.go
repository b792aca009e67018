package server

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/ashita-ai/unso/internal/ctxutil"
	"github.com/ashita-ai/unso/internal/ingress"
	"github.com/ashita-ai/unso/internal/integrity"
	"github.com/ashita-ai/unso/internal/job"
	"github.com/ashita-ai/unso/internal/model"
	"github.com/ashita-ai/unso/internal/supervisor"
)

// HandleAcceptJob handles POST /v1/jobs/{job_id}/accept.
func (h *Handlers) HandleAcceptJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := parseJobID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.AcceptJobRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	terms, err := ingress.Terms(jobID, req, h.baseTerms, h.maxDeliveryWindow)
	if err != nil {
		h.writeSupervisorError(w, r, err)
		return
	}

	agentID := ctxutil.AgentIDFromContext(r.Context())
	rc, err := h.sup.Accept(r.Context(), jobID, agentID, terms)
	if err != nil {
		h.writeSupervisorError(w, r, err)
		return
	}
	h.writeResult(w, r, h.wait(r.Context(), rc))
}

// HandleReport handles POST /v1/jobs/{job_id}/events.
func (h *Handlers) HandleReport(w http.ResponseWriter, r *http.Request) {
	jobID, err := parseJobID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.ReportRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	cand, err := ingress.Normalize(jobID, ctxutil.AgentIDFromContext(r.Context()), req)
	if err != nil {
		h.writeSupervisorError(w, r, err)
		return
	}

	rc, err := h.sup.Report(r.Context(), cand)
	if err != nil {
		h.writeSupervisorError(w, r, err)
		return
	}
	h.writeResult(w, r, h.wait(r.Context(), rc))
}

// HandleResync handles POST /v1/jobs/{job_id}/resync.
func (h *Handlers) HandleResync(w http.ResponseWriter, r *http.Request) {
	jobID, err := parseJobID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.ingestWait)
	defer cancel()

	res, err := h.recovery.Resync(ctx, jobID, ctxutil.AgentIDFromContext(r.Context()))
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		h.writeSupervisorError(w, r, err)
		return
	}
	h.writeResult(w, r, res)
}

// HandleOutcome handles POST /v1/jobs/{job_id}/outcome (admin-only).
func (h *Handlers) HandleOutcome(w http.ResponseWriter, r *http.Request) {
	jobID, err := parseJobID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.OutcomeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Outcome != model.EventRejected && req.Outcome != model.EventStolen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "outcome must be rejected or stolen")
		return
	}

	rc, err := h.sup.Outcome(jobID, req.Outcome, req.Note)
	if err != nil {
		h.writeSupervisorError(w, r, err)
		return
	}
	h.writeResult(w, r, h.wait(r.Context(), rc))
}

// HandleGetJob handles GET /v1/jobs/{job_id}. Agents may read only the job
// they own; another agent's job reads as not found.
func (h *Handlers) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := parseJobID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.ingestWait)
	defer cancel()

	snap, err := h.sup.Snapshot(ctx, jobID)
	if err != nil {
		h.writeSupervisorError(w, r, err)
		return
	}
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims.Role == model.RoleAgent && snap.AgentID != claims.AgentID {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "job not found")
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

// HandleJobEvents handles GET /v1/jobs/{job_id}/events (admin-only). The
// response carries the result of re-verifying the hash chain.
func (h *Handlers) HandleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID, err := parseJobID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	events, err := h.store.LoadEvents(r.Context(), jobID)
	if err != nil {
		h.writeInternalError(w, r, "failed to load events", err)
		return
	}
	if len(events) == 0 {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "job not found")
		return
	}

	resp := model.JobEventsResponse{Events: events, ChainValid: integrity.VerifyChain(events) < 0}
	if resp.ChainValid {
		resp.MerkleRoot = integrity.EventRoot(events)
	} else {
		h.logger.Warn("event chain failed verification", "job_id", jobID)
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleJobRejections handles GET /v1/jobs/{job_id}/rejections (admin-only).
func (h *Handlers) HandleJobRejections(w http.ResponseWriter, r *http.Request) {
	jobID, err := parseJobID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	rejections, err := h.store.ListRejections(r.Context(), jobID, limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to list rejections", err)
		return
	}
	writeList(w, r, rejections, len(rejections))
}

// HandleListJobs handles GET /v1/jobs (admin-only). With unhealthy=true only
// jobs flagged unhealthy are listed.
func (h *Handlers) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	unhealthyOnly := false
	if raw := r.URL.Query().Get("unhealthy"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unhealthy must be a boolean")
			return
		}
		unhealthyOnly = v
	}
	snaps := h.sup.Open(unhealthyOnly)
	slices.SortFunc(snaps, func(a, b model.Snapshot) int {
		if c := a.AcceptedAt.Compare(b.AcceptedAt); c != 0 {
			return c
		}
		return strings.Compare(a.JobID.String(), b.JobID.String())
	})
	writeList(w, r, snaps, len(snaps))
}

// wait blocks for a receipt's outcome up to the ingest wait. A message still
// in the mailbox when the wait ends answers "queued".
func (h *Handlers) wait(ctx context.Context, rc supervisor.Receipt) supervisor.Result {
	ctx, cancel := context.WithTimeout(ctx, h.ingestWait)
	defer cancel()
	return rc.Wait(ctx)
}

// writeResult reports a processed message. Agents see only the outcome and
// the latest snapshot, never the rejection reason.
func (h *Handlers) writeResult(w http.ResponseWriter, r *http.Request, res supervisor.Result) {
	if errors.Is(res.Err, supervisor.ErrStopped) {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "shutting down")
		return
	}
	status := http.StatusOK
	if res.Outcome == model.OutcomeQueued {
		status = http.StatusAccepted
	}
	writeJSON(w, r, status, model.ReportResponse{Outcome: res.Outcome, Snapshot: res.Snapshot})
}

// writeSupervisorError maps domain sentinel errors to the error envelope.
func (h *Handlers) writeSupervisorError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ingress.ErrMalformed), errors.Is(err, job.ErrInvalidTerms):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, supervisor.ErrNoSuchJob):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "job not found")
	case errors.Is(err, supervisor.ErrJobExists):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "job already accepted")
	case errors.Is(err, supervisor.ErrAgentBusy):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "agent already owns an open job")
	case errors.Is(err, supervisor.ErrBacklogFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "job backlog full")
	case errors.Is(err, supervisor.ErrStopped):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "shutting down")
	default:
		h.writeInternalError(w, r, "request failed", err)
	}
}
