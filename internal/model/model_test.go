package model_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/unso/internal/model"
)

func TestValidateAgentID(t *testing.T) {
	for _, id := range []string{"agent", "truck-07", "driver.v2", "Ops_01", "fleet@depot", strings.Repeat("a", 255)} {
		require.NoError(t, model.ValidateAgentID(id), "expected valid: %q", id)
	}
	for _, id := range []string{"", strings.Repeat("a", 256), "has space", "slash/id"} {
		require.Error(t, model.ValidateAgentID(id), "expected invalid: %q", id)
	}
}

func TestRoleAtLeast(t *testing.T) {
	assert.True(t, model.RoleAtLeast(model.RoleAdmin, model.RoleAgent))
	assert.True(t, model.RoleAtLeast(model.RoleAgent, model.RoleAgent))
	assert.False(t, model.RoleAtLeast(model.RoleObserver, model.RoleAgent))
	assert.False(t, model.RoleAtLeast(model.AgentRole("unknown"), model.RoleObserver))
}

func TestTerminalStatuses(t *testing.T) {
	terminal := []model.JobStatus{
		model.StatusDelivered, model.StatusAbandoned, model.StatusStolen,
		model.StatusExpired, model.StatusRejected,
	}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []model.JobStatus{model.StatusAtOrigin, model.StatusInTransit, model.StatusAtStop, model.StatusAtDestination} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestEventKindClassification(t *testing.T) {
	assert.True(t, model.EventExcursionStart.AgentReportable())
	assert.True(t, model.EventAbandoned.AgentReportable())
	assert.False(t, model.EventSealBroken.AgentReportable())
	assert.False(t, model.EventJobAccepted.AgentReportable())
	assert.True(t, model.EventSealBroken.Known())
	assert.False(t, model.EventKind("teleported").Known())
}
