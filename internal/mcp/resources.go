package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	openJobsURI    = "unso://jobs/open"
	jobURIPrefix   = "unso://jobs/"
	jobURITemplate = "unso://jobs/{id}"
)

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			openJobsURI,
			"Open Jobs",
			mcplib.WithResourceDescription("Latest snapshot of every job this instance supervises"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleOpenJobs,
	)

	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			jobURITemplate,
			"Job",
			mcplib.WithTemplateDescription("Current snapshot of one job"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleJobResource,
	)
}

func (s *Server) handleOpenJobs(_ context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(s.jobs.Open(false), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal open jobs: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{URI: openJobsURI, MIMEType: "application/json", Text: string(data)},
	}, nil
}

func (s *Server) handleJobResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	jobID, err := uuid.Parse(strings.TrimPrefix(uri, jobURIPrefix))
	if err != nil || !strings.HasPrefix(uri, jobURIPrefix) {
		return nil, fmt.Errorf("mcp: invalid job URI: %s", uri)
	}
	snap, err := s.jobs.Snapshot(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("mcp: job %s: %w", jobID, err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal job: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{URI: uri, MIMEType: "application/json", Text: string(data)},
	}, nil
}
