package unso

import (
	"time"

	"github.com/google/uuid"
)

// Role is an agent's access role.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleAgent    Role = "agent"
	RoleObserver Role = "observer"
)

// Notice is the public summary of one accepted job event. It mirrors what
// observers receive over SSE and carries no internal types.
type Notice struct {
	JobID      uuid.UUID
	AgentID    string
	Seq        int64
	Kind       string
	Summary    string
	OccurredAt time.Time
}
