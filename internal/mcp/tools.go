package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/unso/internal/integrity"
	"github.com/ashita-ai/unso/internal/supervisor"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("unso_job_status",
			mcplib.WithDescription(`Current state of one job: status, integrity, seal, compliance, armed timers, and whether the job is unhealthy or awaiting an agent resync.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("job_id", mcplib.Description("Job UUID"), mcplib.Required()),
		),
		s.handleJobStatus,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("unso_job_events",
			mcplib.WithDescription(`Full event log of one job with the result of re-verifying its hash chain. chain_valid=false means the stored log was altered; first_invalid_seq names the first event that fails.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("job_id", mcplib.Description("Job UUID"), mcplib.Required()),
		),
		s.handleJobEvents,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("unso_unhealthy_jobs",
			mcplib.WithDescription(`Open jobs flagged unhealthy: persistence backlog overflowed, append conflicts, or a log that failed verification at startup.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleUnhealthyJobs,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("unso_job_rejections",
			mcplib.WithDescription(`Reports the authority ignored for one job, newest first, with the reason for each.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("job_id", mcplib.Description("Job UUID"), mcplib.Required()),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum rejections to return"),
				mcplib.Min(1),
				mcplib.Max(500),
				mcplib.DefaultNumber(50),
			),
		),
		s.handleJobRejections,
	)
}

func jobIDArg(request mcplib.CallToolRequest) (uuid.UUID, error) {
	raw := request.GetString("job_id", "")
	if raw == "" {
		return uuid.Nil, errors.New("job_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid job_id %q", raw)
	}
	return id, nil
}

func (s *Server) handleJobStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	jobID, err := jobIDArg(request)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	snap, err := s.jobs.Snapshot(ctx, jobID)
	if errors.Is(err, supervisor.ErrNoSuchJob) {
		return errorResult("job not found"), nil
	}
	if err != nil {
		s.logger.Error("mcp: job status", "job_id", jobID, "error", err)
		return errorResult(fmt.Sprintf("failed to read job: %v", err)), nil
	}
	return jsonResult(snap)
}

func (s *Server) handleJobEvents(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	jobID, err := jobIDArg(request)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	events, err := s.store.LoadEvents(ctx, jobID)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to load events: %v", err)), nil
	}
	if len(events) == 0 {
		return errorResult("job not found"), nil
	}

	out := map[string]any{
		"job_id":      jobID,
		"events":      events,
		"chain_valid": true,
	}
	if bad := integrity.VerifyChain(events); bad >= 0 {
		out["chain_valid"] = false
		out["first_invalid_seq"] = events[bad].Seq
	} else {
		out["merkle_root"] = integrity.EventRoot(events)
	}
	return jsonResult(out)
}

func (s *Server) handleUnhealthyJobs(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	jobs := s.jobs.Open(true)
	return jsonResult(map[string]any{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

func (s *Server) handleJobRejections(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	jobID, err := jobIDArg(request)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	limit := min(max(request.GetInt("limit", 50), 1), 500)
	rejections, err := s.store.ListRejections(ctx, jobID, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to list rejections: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"job_id":     jobID,
		"rejections": rejections,
		"total":      len(rejections),
	})
}
