package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/unso/internal/model"
)

// InsertRejections writes a batch of rejection records using the COPY protocol.
func (db *DB) InsertRejections(ctx context.Context, batch []model.Rejection) (int64, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	columns := []string{"id", "job_id", "agent_id", "kind", "reason", "detail", "recorded_at"}
	rows := make([][]any, len(batch))
	for i, r := range batch {
		id := r.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		rows[i] = []any{id, r.JobID, r.AgentID, string(r.Kind), string(r.Reason), r.Detail, r.RecordedAt}
	}

	copyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	n, err := db.pool.CopyFrom(copyCtx, pgx.Identifier{"job_rejections"}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("storage: copy rejections: %w", err)
	}
	return n, nil
}

// ListRejections returns the most recent rejections for a job, newest first.
func (db *DB) ListRejections(ctx context.Context, jobID uuid.UUID, limit int) ([]model.Rejection, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, job_id, agent_id, kind, reason, detail, recorded_at
		 FROM job_rejections WHERE job_id = $1 ORDER BY recorded_at DESC LIMIT $2`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list rejections: %w", err)
	}
	defer rows.Close()

	var out []model.Rejection
	for rows.Next() {
		var r model.Rejection
		var kind, reason string
		if err := rows.Scan(&r.ID, &r.JobID, &r.AgentID, &kind, &reason, &r.Detail, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("storage: scan rejection: %w", err)
		}
		r.Kind = model.EventKind(kind)
		r.Reason = model.RejectReason(reason)
		r.RecordedAt = r.RecordedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
