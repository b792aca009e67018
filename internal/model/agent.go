package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentRole represents the role assigned to a caller of the API.
type AgentRole string

const (
	// RoleAdmin operates the authority: registers agents, records external
	// outcomes, and reads any job's event log.
	RoleAdmin AgentRole = "admin"
	// RoleAgent drives jobs it owns.
	RoleAgent AgentRole = "agent"
	// RoleObserver receives job notices and reads snapshots but never reports.
	RoleObserver AgentRole = "observer"
)

// Agent is a registered identity allowed to authenticate against the authority.
type Agent struct {
	ID         uuid.UUID `json:"id"`
	AgentID    string    `json:"agent_id"`
	Name       string    `json:"name"`
	Role       AgentRole `json:"role"`
	APIKeyHash *string   `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// RoleRank returns the numeric rank of a role (higher = more privileges).
func RoleRank(r AgentRole) int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleAgent:
		return 2
	case RoleObserver:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole AgentRole) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// ValidateAgentID checks that an agent ID conforms to the allowed format.
// Agent IDs must be 1-255 ASCII characters: alphanumeric, dots, hyphens,
// underscores, and @ signs.
func ValidateAgentID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("agent_id is required")
	}
	if len(id) > 255 {
		return fmt.Errorf("agent_id must be at most 255 characters")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' && c != '@' {
			return fmt.Errorf("agent_id contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
