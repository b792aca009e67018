package supervisor

import "errors"

var (
	// ErrBacklogFull is returned when a job's telemetry backlog is at its
	// bound. The job is flagged unhealthy.
	ErrBacklogFull = errors.New("supervisor: job backlog full")

	// ErrNoSuchJob is returned for a job that was never accepted.
	ErrNoSuchJob = errors.New("supervisor: no such job")

	// ErrJobExists is returned when accepting a job ID already in use.
	ErrJobExists = errors.New("supervisor: job already exists")

	// ErrAgentBusy is returned when an agent that already owns an open job
	// tries to accept or receive another.
	ErrAgentBusy = errors.New("supervisor: agent already owns an open job")

	// ErrStopped is returned once the supervisor is shutting down.
	ErrStopped = errors.New("supervisor: stopped")

	errMailboxClosed = errors.New("supervisor: mailbox closed")
)
