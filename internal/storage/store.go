package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/unso/internal/model"
)

// Store is the durable layer behind the supervisor: the per-job event log,
// the current-aggregate rows, the rejection trail, and agent identities.
// DB (Postgres) and sqlite.Store both implement it.
type Store interface {
	// AppendEvents atomically appends events and upserts the job row that
	// results from applying them. Nothing is written if any event collides
	// with an existing (job_id, seq).
	AppendEvents(ctx context.Context, rec model.JobRecord, events []model.JobEvent) error
	LoadEvents(ctx context.Context, jobID uuid.UUID) ([]model.JobEvent, error)
	GetJob(ctx context.Context, jobID uuid.UUID) (model.JobRecord, error)
	ListOpenJobs(ctx context.Context) ([]model.JobRecord, error)
	ArchiveJob(ctx context.Context, jobID uuid.UUID, archivedAt time.Time, merkleRoot string) error

	InsertRejections(ctx context.Context, batch []model.Rejection) (int64, error)
	ListRejections(ctx context.Context, jobID uuid.UUID, limit int) ([]model.Rejection, error)

	CreateAgent(ctx context.Context, agent model.Agent) (model.Agent, error)
	GetAgentByAgentID(ctx context.Context, agentID string) (model.Agent, error)
	CountAgents(ctx context.Context) (int, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context)
}

var _ Store = (*DB)(nil)
