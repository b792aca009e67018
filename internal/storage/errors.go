package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrSeqConflict is returned when an append collides with an existing
	// (job_id, seq) pair. Another writer advanced the job; the append must
	// not be retried.
	ErrSeqConflict = errors.New("storage: event sequence conflict")
	// ErrAgentExists is returned when registering a duplicate agent_id.
	ErrAgentExists = errors.New("storage: agent already exists")
)

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
