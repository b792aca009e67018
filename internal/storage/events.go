package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/unso/internal/model"
)

// AppendEvents writes events and the resulting job row in one transaction and
// publishes a notice per event on ChannelJobNotices when the transaction commits.
func (db *DB) AppendEvents(ctx context.Context, rec model.JobRecord, events []model.JobEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO jobs (id, agent_id, status, integrity, seal, compliance, last_seq, last_hash,
		                   state, accepted_at, deadline, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
		   agent_id = EXCLUDED.agent_id,
		   status = EXCLUDED.status,
		   integrity = EXCLUDED.integrity,
		   seal = EXCLUDED.seal,
		   compliance = EXCLUDED.compliance,
		   last_seq = EXCLUDED.last_seq,
		   last_hash = EXCLUDED.last_hash,
		   state = EXCLUDED.state,
		   updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.AgentID, string(rec.Status), rec.Integrity, string(rec.Seal), string(rec.Compliance),
		rec.LastSeq, rec.LastHash, rec.State, rec.AcceptedAt, rec.Deadline, rec.UpdatedAt,
	); err != nil {
		return fmt.Errorf("storage: upsert job: %w", err)
	}

	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(
			`INSERT INTO job_events (job_id, seq, kind, origin, reported_by, payload, coordinates,
			                         occurred_at, prev_hash, hash)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			e.JobID, e.Seq, string(e.Kind), string(e.Origin), e.ReportedBy, e.Payload, e.Coordinates,
			e.OccurredAt, e.PrevHash, e.Hash,
		)
		notice, err := json.Marshal(model.Notice{
			JobID: e.JobID, AgentID: rec.AgentID, Seq: e.Seq, Kind: e.Kind, OccurredAt: e.OccurredAt,
		})
		if err != nil {
			return fmt.Errorf("storage: marshal notice: %w", err)
		}
		batch.Queue(`SELECT pg_notify($1, $2)`, ChannelJobNotices, string(notice))
	}
	br := tx.SendBatch(ctx, batch)
	for range batch.Len() {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: job %s", ErrSeqConflict, rec.ID)
			}
			return fmt.Errorf("storage: insert job event: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("storage: close event batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit append tx: %w", err)
	}
	return nil
}

// LoadEvents returns a job's complete event log in sequence order.
func (db *DB) LoadEvents(ctx context.Context, jobID uuid.UUID) ([]model.JobEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT job_id, seq, kind, origin, reported_by, payload, coordinates, occurred_at, prev_hash, hash
		 FROM job_events WHERE job_id = $1 ORDER BY seq`, jobID)
	if err != nil {
		return nil, fmt.Errorf("storage: query job events: %w", err)
	}
	defer rows.Close()

	var events []model.JobEvent
	for rows.Next() {
		var e model.JobEvent
		var kind, origin string
		if err := rows.Scan(&e.JobID, &e.Seq, &kind, &origin, &e.ReportedBy, &e.Payload, &e.Coordinates,
			&e.OccurredAt, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("storage: scan job event: %w", err)
		}
		e.Kind = model.EventKind(kind)
		e.Origin = model.Origin(origin)
		e.OccurredAt = e.OccurredAt.UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate job events: %w", err)
	}
	return events, nil
}

// errNoRows normalises pgx's no-rows error to ErrNotFound.
func errNoRows(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return fmt.Errorf("storage: %s: %w", what, err)
}
