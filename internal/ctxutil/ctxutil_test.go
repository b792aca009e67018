package ctxutil_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/unso/internal/auth"
	"github.com/ashita-ai/unso/internal/ctxutil"
	"github.com/ashita-ai/unso/internal/model"
)

func TestClaimsRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, ctxutil.ClaimsFromContext(ctx))
	assert.Empty(t, ctxutil.AgentIDFromContext(ctx))

	ctx = ctxutil.WithClaims(ctx, &auth.Claims{AgentID: "truck-7", Role: model.RoleAgent})
	assert.Equal(t, "truck-7", ctxutil.AgentIDFromContext(ctx))
	assert.Equal(t, model.RoleAgent, ctxutil.ClaimsFromContext(ctx).Role)
}

func TestRequestID(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ctxutil.RequestIDFromContext(ctx))
	assert.Equal(t, "req-1", ctxutil.RequestIDFromContext(ctxutil.WithRequestID(ctx, "req-1")))
}
