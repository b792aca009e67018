package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/unso/internal/model"
)

// CreateAgent inserts a new agent.
func (db *DB) CreateAgent(ctx context.Context, agent model.Agent) (model.Agent, error) {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agents (id, agent_id, name, role, api_key_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		agent.ID, agent.AgentID, agent.Name, string(agent.Role), agent.APIKeyHash, agent.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Agent{}, fmt.Errorf("%w: %s", ErrAgentExists, agent.AgentID)
		}
		return model.Agent{}, fmt.Errorf("storage: create agent: %w", err)
	}
	return agent, nil
}

// GetAgentByAgentID looks up an agent by its public identifier.
func (db *DB) GetAgentByAgentID(ctx context.Context, agentID string) (model.Agent, error) {
	var a model.Agent
	var role string
	err := db.pool.QueryRow(ctx,
		`SELECT id, agent_id, name, role, api_key_hash, created_at FROM agents WHERE agent_id = $1`,
		agentID,
	).Scan(&a.ID, &a.AgentID, &a.Name, &role, &a.APIKeyHash, &a.CreatedAt)
	if err != nil {
		return model.Agent{}, errNoRows(err, "get agent")
	}
	a.Role = model.AgentRole(role)
	return a, nil
}

// CountAgents returns the number of registered agents.
func (db *DB) CountAgents(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM agents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count agents: %w", err)
	}
	return n, nil
}
