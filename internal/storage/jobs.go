package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/unso/internal/model"
)

const jobColumns = `id, agent_id, status, integrity, seal, compliance, last_seq, last_hash, state,
	accepted_at, deadline, archived_at, merkle_root, updated_at`

// GetJob returns the current row for a job.
func (db *DB) GetJob(ctx context.Context, jobID uuid.UUID) (model.JobRecord, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	rec, err := scanJob(row)
	if err != nil {
		return model.JobRecord{}, errNoRows(err, "get job")
	}
	return rec, nil
}

// ListOpenJobs returns every job that has not been archived, oldest first.
func (db *DB) ListOpenJobs(ctx context.Context) ([]model.JobRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE archived_at IS NULL ORDER BY accepted_at`)
	if err != nil {
		return nil, fmt.Errorf("storage: list open jobs: %w", err)
	}
	defer rows.Close()

	var out []model.JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan job: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ArchiveJob marks a terminal job archived and seals its event log root.
func (db *DB) ArchiveJob(ctx context.Context, jobID uuid.UUID, archivedAt time.Time, merkleRoot string) error {
	return WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		tag, err := db.pool.Exec(ctx,
			`UPDATE jobs SET archived_at = $2, merkle_root = $3, updated_at = $2
			 WHERE id = $1 AND archived_at IS NULL`,
			jobID, archivedAt, merkleRoot)
		if err != nil {
			return fmt.Errorf("storage: archive job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: open job %s", ErrNotFound, jobID)
		}
		return nil
	})
}

func scanJob(row pgx.Row) (model.JobRecord, error) {
	var rec model.JobRecord
	var status, seal, compliance string
	err := row.Scan(&rec.ID, &rec.AgentID, &status, &rec.Integrity, &seal, &compliance,
		&rec.LastSeq, &rec.LastHash, &rec.State, &rec.AcceptedAt, &rec.Deadline,
		&rec.ArchivedAt, &rec.MerkleRoot, &rec.UpdatedAt)
	if err != nil {
		return model.JobRecord{}, err
	}
	rec.Status = model.JobStatus(status)
	rec.Seal = model.SealState(seal)
	rec.Compliance = model.Compliance(compliance)
	rec.AcceptedAt = rec.AcceptedAt.UTC()
	rec.Deadline = rec.Deadline.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if rec.ArchivedAt != nil {
		t := rec.ArchivedAt.UTC()
		rec.ArchivedAt = &t
	}
	return rec, nil
}
