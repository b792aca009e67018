// Package sqlite is a single-node storage.Store on an embedded SQLite
// database. It backs local runs and tests that should not need Postgres.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/google/uuid"
	sqlitedrv "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ashita-ai/unso/internal/model"
	"github.com/ashita-ai/unso/internal/storage"
)

// Store implements storage.Store on SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// Open opens (or creates) the database at path and applies migrationsFS.
func Open(ctx context.Context, path string, migrationsFS fs.FS, logger *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// One writer at a time; SQLite serialises writes anyway and a single
	// connection avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(ctx, migrationsFS); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("sqlite: create schema_migrations: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("sqlite: load applied migrations: %w", err)
	}
	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			_ = rows.Close()
			return fmt.Errorf("sqlite: scan migration: %w", err)
		}
		applied[v] = true
	}
	_ = rows.Close()

	names, err := storage.PendingMigrations(migrationsFS, applied)
	if err != nil {
		return err
	}
	for _, name := range names {
		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("sqlite: read migration %s: %w", name, err)
		}
		s.logger.Info("running migration", "file", name)
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("sqlite: begin migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite: execute migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			name, time.Now().UnixNano()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite: record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("sqlite: commit migration %s: %w", name, err)
		}
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database.
func (s *Store) Close(context.Context) { _ = s.db.Close() }

func isConstraint(err error) bool {
	var se *sqlitedrv.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

// AppendEvents writes events and the job row in one transaction.
func (s *Store) AppendEvents(ctx context.Context, rec model.JobRecord, events []model.JobEvent) error {
	if len(events) == 0 {
		return nil
	}
	state, err := json.Marshal(rec.State)
	if err != nil {
		return fmt.Errorf("sqlite: marshal state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (id, agent_id, status, integrity, seal, compliance, last_seq, last_hash,
		                   state, accepted_at, deadline, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   agent_id = excluded.agent_id,
		   status = excluded.status,
		   integrity = excluded.integrity,
		   seal = excluded.seal,
		   compliance = excluded.compliance,
		   last_seq = excluded.last_seq,
		   last_hash = excluded.last_hash,
		   state = excluded.state,
		   updated_at = excluded.updated_at`,
		rec.ID.String(), rec.AgentID, string(rec.Status), rec.Integrity, string(rec.Seal), string(rec.Compliance),
		rec.LastSeq, rec.LastHash, string(state), nanos(rec.AcceptedAt), nanos(rec.Deadline), nanos(rec.UpdatedAt),
	); err != nil {
		return fmt.Errorf("sqlite: upsert job: %w", err)
	}

	for _, e := range events {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("sqlite: marshal payload: %w", err)
		}
		var coords sql.NullString
		if e.Coordinates != nil {
			b, err := json.Marshal(e.Coordinates)
			if err != nil {
				return fmt.Errorf("sqlite: marshal coordinates: %w", err)
			}
			coords = sql.NullString{String: string(b), Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO job_events (job_id, seq, kind, origin, reported_by, payload, coordinates,
			                         occurred_at, prev_hash, hash)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.JobID.String(), e.Seq, string(e.Kind), string(e.Origin), e.ReportedBy, string(payload), coords,
			nanos(e.OccurredAt), e.PrevHash, e.Hash,
		); err != nil {
			if isConstraint(err) {
				return fmt.Errorf("%w: job %s seq %d", storage.ErrSeqConflict, e.JobID, e.Seq)
			}
			return fmt.Errorf("sqlite: insert job event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit append tx: %w", err)
	}
	return nil
}

// LoadEvents returns a job's event log in sequence order.
func (s *Store) LoadEvents(ctx context.Context, jobID uuid.UUID) ([]model.JobEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, kind, origin, reported_by, payload, coordinates, occurred_at, prev_hash, hash
		 FROM job_events WHERE job_id = ? ORDER BY seq`, jobID.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite: query job events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []model.JobEvent
	for rows.Next() {
		e := model.JobEvent{JobID: jobID}
		var kind, origin, payload string
		var coords sql.NullString
		var occurred int64
		if err := rows.Scan(&e.Seq, &kind, &origin, &e.ReportedBy, &payload, &coords, &occurred, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("sqlite: scan job event: %w", err)
		}
		e.Kind = model.EventKind(kind)
		e.Origin = model.Origin(origin)
		e.OccurredAt = fromNanos(occurred)
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("sqlite: decode payload: %w", err)
		}
		if coords.Valid {
			e.Coordinates = &model.Coordinates{}
			if err := json.Unmarshal([]byte(coords.String), e.Coordinates); err != nil {
				return nil, fmt.Errorf("sqlite: decode coordinates: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

const jobColumns = `id, agent_id, status, integrity, seal, compliance, last_seq, last_hash, state,
	accepted_at, deadline, archived_at, merkle_root, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (model.JobRecord, error) {
	var rec model.JobRecord
	var id, status, seal, compliance, state string
	var accepted, deadline, updated int64
	var archived sql.NullInt64
	var root sql.NullString
	if err := row.Scan(&id, &rec.AgentID, &status, &rec.Integrity, &seal, &compliance, &rec.LastSeq,
		&rec.LastHash, &state, &accepted, &deadline, &archived, &root, &updated); err != nil {
		return model.JobRecord{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return model.JobRecord{}, fmt.Errorf("sqlite: parse job id: %w", err)
	}
	rec.ID = parsed
	rec.Status = model.JobStatus(status)
	rec.Seal = model.SealState(seal)
	rec.Compliance = model.Compliance(compliance)
	rec.AcceptedAt = fromNanos(accepted)
	rec.Deadline = fromNanos(deadline)
	rec.UpdatedAt = fromNanos(updated)
	if archived.Valid {
		t := fromNanos(archived.Int64)
		rec.ArchivedAt = &t
	}
	if root.Valid {
		rec.MerkleRoot = &root.String
	}
	if err := json.Unmarshal([]byte(state), &rec.State); err != nil {
		return model.JobRecord{}, fmt.Errorf("sqlite: decode job state: %w", err)
	}
	return rec, nil
}

// GetJob returns the current row for a job.
func (s *Store) GetJob(ctx context.Context, jobID uuid.UUID) (model.JobRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID.String())
	rec, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.JobRecord{}, fmt.Errorf("%w: job %s", storage.ErrNotFound, jobID)
	}
	if err != nil {
		return model.JobRecord{}, fmt.Errorf("sqlite: get job: %w", err)
	}
	return rec, nil
}

// ListOpenJobs returns every job not yet archived, oldest first.
func (s *Store) ListOpenJobs(ctx context.Context) ([]model.JobRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE archived_at IS NULL ORDER BY accepted_at`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list open jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan job: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ArchiveJob marks a job archived and records its Merkle root.
func (s *Store) ArchiveJob(ctx context.Context, jobID uuid.UUID, archivedAt time.Time, merkleRoot string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET archived_at = ?, merkle_root = ?, updated_at = ? WHERE id = ? AND archived_at IS NULL`,
		nanos(archivedAt), merkleRoot, nanos(archivedAt), jobID.String())
	if err != nil {
		return fmt.Errorf("sqlite: archive job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: open job %s", storage.ErrNotFound, jobID)
	}
	return nil
}

// InsertRejections writes a batch of rejection records in one transaction.
func (s *Store) InsertRejections(ctx context.Context, batch []model.Rejection) (int64, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin rejections tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO job_rejections (id, job_id, agent_id, kind, reason, detail, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("sqlite: prepare rejection insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range batch {
		id := r.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		if _, err := stmt.ExecContext(ctx, id.String(), r.JobID.String(), r.AgentID, string(r.Kind),
			string(r.Reason), r.Detail, nanos(r.RecordedAt)); err != nil {
			return 0, fmt.Errorf("sqlite: insert rejection: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit rejections: %w", err)
	}
	return int64(len(batch)), nil
}

// ListRejections returns the most recent rejections for a job, newest first.
func (s *Store) ListRejections(ctx context.Context, jobID uuid.UUID, limit int) ([]model.Rejection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, kind, reason, detail, recorded_at FROM job_rejections
		 WHERE job_id = ? ORDER BY recorded_at DESC LIMIT ?`, jobID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list rejections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Rejection
	for rows.Next() {
		r := model.Rejection{JobID: jobID}
		var id, kind, reason string
		var recorded int64
		if err := rows.Scan(&id, &r.AgentID, &kind, &reason, &r.Detail, &recorded); err != nil {
			return nil, fmt.Errorf("sqlite: scan rejection: %w", err)
		}
		r.ID, _ = uuid.Parse(id)
		r.Kind = model.EventKind(kind)
		r.Reason = model.RejectReason(reason)
		r.RecordedAt = fromNanos(recorded)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateAgent inserts a new agent.
func (s *Store) CreateAgent(ctx context.Context, agent model.Agent) (model.Agent, error) {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, agent_id, name, role, api_key_hash, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		agent.ID.String(), agent.AgentID, agent.Name, string(agent.Role), agent.APIKeyHash, nanos(agent.CreatedAt))
	if err != nil {
		if isConstraint(err) {
			return model.Agent{}, fmt.Errorf("%w: %s", storage.ErrAgentExists, agent.AgentID)
		}
		return model.Agent{}, fmt.Errorf("sqlite: create agent: %w", err)
	}
	return agent, nil
}

// GetAgentByAgentID looks up an agent by its public identifier.
func (s *Store) GetAgentByAgentID(ctx context.Context, agentID string) (model.Agent, error) {
	var a model.Agent
	var id, role string
	var hash sql.NullString
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, name, role, api_key_hash, created_at FROM agents WHERE agent_id = ?`, agentID,
	).Scan(&id, &a.AgentID, &a.Name, &role, &hash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Agent{}, fmt.Errorf("%w: agent %s", storage.ErrNotFound, agentID)
	}
	if err != nil {
		return model.Agent{}, fmt.Errorf("sqlite: get agent: %w", err)
	}
	a.ID, _ = uuid.Parse(id)
	a.Role = model.AgentRole(role)
	if hash.Valid {
		a.APIKeyHash = &hash.String
	}
	a.CreatedAt = fromNanos(created)
	return a, nil
}

// CountAgents returns the number of registered agents.
func (s *Store) CountAgents(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM agents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count agents: %w", err)
	}
	return n, nil
}
