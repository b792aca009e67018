// Package storetest is a conformance suite run against every storage.Store
// implementation.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/unso/internal/integrity"
	"github.com/ashita-ai/unso/internal/job"
	"github.com/ashita-ai/unso/internal/model"
	"github.com/ashita-ai/unso/internal/storage"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// AcceptedJob builds a chained job-accepted event and the aggregate it
// produces, for seeding stores in tests.
func AcceptedJob(t testing.TB, agentID string, at time.Time) (*job.Job, []model.JobEvent) {
	t.Helper()
	draft, err := job.Accept(uuid.New(), agentID, job.DefaultTerms(), at)
	require.NoError(t, err)
	events, err := integrity.Chain(0, "", []model.JobEvent{draft})
	require.NoError(t, err)
	j, err := job.Replay(events)
	require.NoError(t, err)
	return j, events
}

// Next chains drafts onto j, applies them, and returns the persisted form.
func Next(t testing.TB, j *job.Job, drafts ...model.JobEvent) []model.JobEvent {
	t.Helper()
	events, err := integrity.Chain(j.Seq, j.LastHash, drafts)
	require.NoError(t, err)
	for _, e := range events {
		require.NoError(t, j.Apply(e))
	}
	return events
}

func report(t testing.TB, j *job.Job, kind model.EventKind, at time.Time) model.JobEvent {
	t.Helper()
	drafts, err := j.Decide(model.Candidate{JobID: j.ID, AgentID: j.AgentID, Kind: kind}, at, nil)
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	return drafts[0]
}

// Run exercises s. The store must be empty of the agents it creates.
func Run(t *testing.T, s storage.Store) {
	t.Run("AppendAndLoad", func(t *testing.T) { testAppendAndLoad(t, s) })
	t.Run("SeqConflict", func(t *testing.T) { testSeqConflict(t, s) })
	t.Run("OpenAndArchive", func(t *testing.T) { testOpenAndArchive(t, s) })
	t.Run("Rejections", func(t *testing.T) { testRejections(t, s) })
	t.Run("Agents", func(t *testing.T) { testAgents(t, s) })
	t.Run("Ping", func(t *testing.T) { require.NoError(t, s.Ping(context.Background())) })
}

func testAppendAndLoad(t *testing.T, s storage.Store) {
	ctx := context.Background()
	j, first := AcceptedJob(t, "hauler-1", epoch)
	require.NoError(t, s.AppendEvents(ctx, j.Record(epoch), first))

	at := epoch.Add(time.Minute)
	more := Next(t, j, report(t, j, model.EventDeparted, at))
	require.NoError(t, s.AppendEvents(ctx, j.Record(at), more))

	got, err := s.LoadEvents(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].Seq)
	assert.Equal(t, model.EventDeparted, got[1].Kind)
	assert.Equal(t, -1, integrity.VerifyChain(got), "stored chain must verify")
	require.NotNil(t, got[0].Payload.Terms)
	assert.Equal(t, job.DefaultTerms(), *got[0].Payload.Terms)

	replayed, err := job.Replay(got)
	require.NoError(t, err)
	assert.Equal(t, j.Snapshot(at), replayed.Snapshot(at))

	rec, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInTransit, rec.Status)
	assert.Equal(t, int64(2), rec.LastSeq)
	assert.Equal(t, j.LastHash, rec.LastHash)
	assert.Equal(t, "hauler-1", rec.State.AgentID)
	assert.Nil(t, rec.ArchivedAt)

	_, err = s.GetJob(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	none, err := s.LoadEvents(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testSeqConflict(t *testing.T, s storage.Store) {
	ctx := context.Background()
	j, first := AcceptedJob(t, "hauler-2", epoch)
	require.NoError(t, s.AppendEvents(ctx, j.Record(epoch), first))

	err := s.AppendEvents(ctx, j.Record(epoch), first)
	require.ErrorIs(t, err, storage.ErrSeqConflict)

	got, err := s.LoadEvents(ctx, j.ID)
	require.NoError(t, err)
	assert.Len(t, got, 1, "a conflicting append must write nothing")
}

func testOpenAndArchive(t *testing.T, s storage.Store) {
	ctx := context.Background()
	j, first := AcceptedJob(t, "hauler-3", epoch.Add(time.Hour))
	require.NoError(t, s.AppendEvents(ctx, j.Record(epoch), first))

	open, err := s.ListOpenJobs(ctx)
	require.NoError(t, err)
	assert.True(t, containsJob(open, j.ID))

	root := integrity.EventRoot(first)
	archivedAt := epoch.Add(2 * time.Hour)
	require.NoError(t, s.ArchiveJob(ctx, j.ID, archivedAt, root))

	open, err = s.ListOpenJobs(ctx)
	require.NoError(t, err)
	assert.False(t, containsJob(open, j.ID))

	rec, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, rec.ArchivedAt)
	assert.True(t, rec.ArchivedAt.Equal(archivedAt))
	require.NotNil(t, rec.MerkleRoot)
	assert.Equal(t, root, *rec.MerkleRoot)

	err = s.ArchiveJob(ctx, j.ID, archivedAt, root)
	assert.ErrorIs(t, err, storage.ErrNotFound, "archiving twice")
}

func containsJob(recs []model.JobRecord, id uuid.UUID) bool {
	for _, r := range recs {
		if r.ID == id {
			return true
		}
	}
	return false
}

func testRejections(t *testing.T, s storage.Store) {
	ctx := context.Background()
	jobID := uuid.New()
	batch := []model.Rejection{
		{JobID: jobID, AgentID: "hauler-4", Kind: model.EventDelivered, Reason: model.RejectInvalidTransition, RecordedAt: epoch},
		{JobID: jobID, AgentID: "hauler-4", Kind: model.EventIntegrityLoss, Reason: model.RejectCooldown, Detail: "rollover", RecordedAt: epoch.Add(time.Second)},
	}
	n, err := s.InsertRejections(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := s.ListRejections(ctx, jobID, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.RejectCooldown, got[0].Reason, "newest first")
	assert.Equal(t, "rollover", got[0].Detail)
	assert.NotEqual(t, uuid.Nil, got[0].ID)

	got, err = s.ListRejections(ctx, jobID, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func testAgents(t *testing.T, s storage.Store) {
	ctx := context.Background()
	before, err := s.CountAgents(ctx)
	require.NoError(t, err)

	hash := "argon2id$stub"
	created, err := s.CreateAgent(ctx, model.Agent{AgentID: "dispatcher", Name: "Dispatch", Role: model.RoleAdmin, APIKeyHash: &hash})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, created.ID)

	_, err = s.CreateAgent(ctx, model.Agent{AgentID: "dispatcher", Role: model.RoleAgent})
	assert.ErrorIs(t, err, storage.ErrAgentExists)

	got, err := s.GetAgentByAgentID(ctx, "dispatcher")
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, got.Role)
	require.NotNil(t, got.APIKeyHash)
	assert.Equal(t, hash, *got.APIKeyHash)

	_, err = s.GetAgentByAgentID(ctx, "nobody")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	after, err := s.CountAgents(ctx)
	require.NoError(t, err)
	assert.Equal(t, before+1, after)
}

