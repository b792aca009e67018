package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// investigate-job walks an operator through auditing one job.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("investigate-job",
			mcplib.WithPromptDescription("Audit one job: state, event chain, and ignored reports"),
			mcplib.WithArgument("job_id",
				mcplib.ArgumentDescription("Job UUID to investigate"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleInvestigateJobPrompt,
	)
}

func (s *Server) handleInvestigateJobPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	jobID := request.Params.Arguments["job_id"]
	if jobID == "" {
		return nil, fmt.Errorf("job_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Investigate job %s", jobID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Investigate job %[1]s:

1. CALL unso_job_status with job_id="%[1]s". Note status, integrity, seal,
   compliance, unhealthy, and awaiting_resync.

2. CALL unso_job_events with job_id="%[1]s".
   - If chain_valid is false, stop and report first_invalid_seq: the stored
     log was altered and nothing after that event can be trusted.
   - Otherwise summarize the events in order, separating agent-reported
     facts (origin "agent") from authority decisions (origin "authority").

3. CALL unso_job_rejections with job_id="%[1]s" and explain any pattern in
   the ignored reports (not-owner, cooldown, awaiting-resync, backlog-full).

4. CONCLUDE with whether the job's current state is consistent with its log
   and what an operator should do next.`, jobID),
				},
			},
		},
	}, nil
}
