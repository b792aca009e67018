package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/unso/internal/integrity"
	"github.com/ashita-ai/unso/internal/model"
	"github.com/ashita-ai/unso/internal/supervisor"
	"github.com/ashita-ai/unso/internal/testutil"
)

type fakeJobs struct {
	snaps map[uuid.UUID]model.Snapshot
}

func (f *fakeJobs) Snapshot(_ context.Context, id uuid.UUID) (model.Snapshot, error) {
	s, ok := f.snaps[id]
	if !ok {
		return model.Snapshot{}, supervisor.ErrNoSuchJob
	}
	return s, nil
}

func (f *fakeJobs) Open(unhealthyOnly bool) []model.Snapshot {
	var out []model.Snapshot
	for _, s := range f.snaps {
		if unhealthyOnly && !s.Unhealthy {
			continue
		}
		out = append(out, s)
	}
	return out
}

type fakeStore struct {
	events     map[uuid.UUID][]model.JobEvent
	rejections []model.Rejection
	err        error
}

func (f *fakeStore) LoadEvents(_ context.Context, id uuid.UUID) ([]model.JobEvent, error) {
	return f.events[id], f.err
}

func (f *fakeStore) ListRejections(_ context.Context, id uuid.UUID, limit int) ([]model.Rejection, error) {
	var out []model.Rejection
	for _, r := range f.rejections {
		if r.JobID == id && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, f.err
}

var (
	healthyID   = uuid.MustParse("0195a0c2-0000-7000-8000-000000000001")
	unhealthyID = uuid.MustParse("0195a0c2-0000-7000-8000-000000000002")
)

func newTestServer(t *testing.T) (*Server, *fakeStore) {
	t.Helper()
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	events, err := integrity.Chain(0, "", []model.JobEvent{
		{JobID: healthyID, Kind: model.EventJobAccepted, Origin: model.OriginAuthority, OccurredAt: at},
		{JobID: healthyID, Kind: model.EventSealApplied, Origin: model.OriginAgent, ReportedBy: "truck-1", OccurredAt: at.Add(time.Minute)},
	})
	require.NoError(t, err)

	jobs := &fakeJobs{snaps: map[uuid.UUID]model.Snapshot{
		healthyID:   {JobID: healthyID, AgentID: "truck-1", Status: model.StatusAtOrigin, Integrity: 100},
		unhealthyID: {JobID: unhealthyID, AgentID: "truck-2", Status: model.StatusInTransit, Unhealthy: true},
	}}
	store := &fakeStore{
		events: map[uuid.UUID][]model.JobEvent{healthyID: events},
		rejections: []model.Rejection{
			{JobID: healthyID, AgentID: "truck-1", Kind: model.EventSealApplied, Reason: model.RejectDuplicate},
			{JobID: healthyID, AgentID: "truck-9", Kind: model.EventDeparted, Reason: model.RejectNotOwner},
			{JobID: unhealthyID, AgentID: "truck-2", Kind: model.EventDeparted, Reason: model.RejectBacklogFull},
		},
	}
	return New(jobs, store, testutil.TestLogger(), "test"), store
}

func callRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: name, Arguments: args},
	}
}

func resultText(t *testing.T, r *mcplib.CallToolResult) string {
	t.Helper()
	require.NotNil(t, r)
	require.Len(t, r.Content, 1)
	tc, ok := r.Content[0].(mcplib.TextContent)
	require.True(t, ok, "expected text content")
	return tc.Text
}

func TestJobStatus(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleJobStatus(ctx, callRequest("unso_job_status", map[string]any{"job_id": healthyID.String()}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))

	var snap model.Snapshot
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &snap))
	assert.Equal(t, healthyID, snap.JobID)
	assert.Equal(t, 100, snap.Integrity)

	res, err = s.handleJobStatus(ctx, callRequest("unso_job_status", map[string]any{"job_id": uuid.NewString()}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "not found")

	res, err = s.handleJobStatus(ctx, callRequest("unso_job_status", map[string]any{"job_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "invalid job_id")

	res, err = s.handleJobStatus(ctx, callRequest("unso_job_status", nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestJobEventsVerifiesChain(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()
	req := callRequest("unso_job_events", map[string]any{"job_id": healthyID.String()})

	res, err := s.handleJobEvents(ctx, req)
	require.NoError(t, err)
	var out struct {
		Events          []model.JobEvent `json:"events"`
		ChainValid      bool             `json:"chain_valid"`
		MerkleRoot      string           `json:"merkle_root"`
		FirstInvalidSeq int64            `json:"first_invalid_seq"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	assert.True(t, out.ChainValid)
	assert.Len(t, out.Events, 2)
	assert.Equal(t, integrity.EventRoot(store.events[healthyID]), out.MerkleRoot)

	store.events[healthyID][1].ReportedBy = "truck-7"
	res, err = s.handleJobEvents(ctx, req)
	require.NoError(t, err)
	out.MerkleRoot = ""
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	assert.False(t, out.ChainValid)
	assert.Equal(t, int64(2), out.FirstInvalidSeq)
	assert.Empty(t, out.MerkleRoot)
}

func TestJobEventsUnknownJob(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleJobEvents(ctx, callRequest("unso_job_events", map[string]any{"job_id": uuid.NewString()}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	store.err = errors.New("connection reset")
	res, err = s.handleJobEvents(ctx, callRequest("unso_job_events", map[string]any{"job_id": healthyID.String()}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "connection reset")
}

func TestUnhealthyJobs(t *testing.T) {
	s, _ := newTestServer(t)

	res, err := s.handleUnhealthyJobs(context.Background(), callRequest("unso_unhealthy_jobs", nil))
	require.NoError(t, err)
	var out struct {
		Jobs  []model.Snapshot `json:"jobs"`
		Total int              `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	require.Equal(t, 1, out.Total)
	assert.Equal(t, unhealthyID, out.Jobs[0].JobID)
}

func TestJobRejections(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleJobRejections(ctx, callRequest("unso_job_rejections", map[string]any{
		"job_id": healthyID.String(),
	}))
	require.NoError(t, err)
	var out struct {
		Rejections []model.Rejection `json:"rejections"`
		Total      int               `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	assert.Equal(t, 2, out.Total)

	res, err = s.handleJobRejections(ctx, callRequest("unso_job_rejections", map[string]any{
		"job_id": healthyID.String(),
		"limit":  float64(1),
	}))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	assert.Equal(t, 1, out.Total)
	assert.Equal(t, model.RejectDuplicate, out.Rejections[0].Reason)
}

func TestOpenJobsResource(t *testing.T) {
	s, _ := newTestServer(t)

	contents, err := s.handleOpenJobs(context.Background(), mcplib.ReadResourceRequest{})
	require.NoError(t, err)
	require.Len(t, contents, 1)
	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, openJobsURI, text.URI)

	var snaps []model.Snapshot
	require.NoError(t, json.Unmarshal([]byte(text.Text), &snaps))
	assert.Len(t, snaps, 2)
}

func TestJobResource(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	req := mcplib.ReadResourceRequest{}
	req.Params.URI = jobURIPrefix + healthyID.String()
	contents, err := s.handleJobResource(ctx, req)
	require.NoError(t, err)
	require.Len(t, contents, 1)
	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Contains(t, text.Text, `"agent_id": "truck-1"`)

	req.Params.URI = jobURIPrefix + "not-a-uuid"
	_, err = s.handleJobResource(ctx, req)
	require.Error(t, err)

	req.Params.URI = jobURIPrefix + uuid.NewString()
	_, err = s.handleJobResource(ctx, req)
	require.ErrorIs(t, err, supervisor.ErrNoSuchJob)
}

func TestInvestigateJobPrompt(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	req := mcplib.GetPromptRequest{}
	req.Params.Name = "investigate-job"
	req.Params.Arguments = map[string]string{"job_id": healthyID.String()}
	res, err := s.handleInvestigateJobPrompt(ctx, req)
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	tc, ok := res.Messages[0].Content.(mcplib.TextContent)
	require.True(t, ok)
	assert.True(t, strings.Contains(tc.Text, "unso_job_events"))
	assert.Contains(t, tc.Text, healthyID.String())

	req.Params.Arguments = map[string]string{}
	_, err = s.handleInvestigateJobPrompt(ctx, req)
	require.Error(t, err)
}
