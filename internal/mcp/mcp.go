// Package mcp exposes read-only operator tooling over the Model Context
// Protocol: job status, event-chain audits, unhealthy jobs, and the
// rejection trail. Nothing here can change a job.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/unso/internal/model"
)

// Jobs reads live job state.
type Jobs interface {
	Snapshot(ctx context.Context, jobID uuid.UUID) (model.Snapshot, error)
	Open(unhealthyOnly bool) []model.Snapshot
}

// Store reads the durable log and rejection trail.
type Store interface {
	LoadEvents(ctx context.Context, jobID uuid.UUID) ([]model.JobEvent, error)
	ListRejections(ctx context.Context, jobID uuid.UUID, limit int) ([]model.Rejection, error)
}

// Server wraps the MCP server with the job read path.
type Server struct {
	mcpServer *mcpserver.MCPServer
	jobs      Jobs
	store     Store
	logger    *slog.Logger
}

// New creates and configures an MCP server with all resources, tools, and
// prompts.
func New(jobs Jobs, store Store, logger *slog.Logger, version string) *Server {
	s := &Server{
		jobs:   jobs,
		store:  store,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"unso",
		version,
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithPromptCapabilities(false),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("failed to encode result: " + err.Error()), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
