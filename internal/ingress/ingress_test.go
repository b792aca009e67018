package ingress

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/unso/internal/job"
	"github.com/ashita-ai/unso/internal/model"
)

func TestNormalizeMalformed(t *testing.T) {
	jobID := uuid.New()
	tests := []struct {
		name  string
		job   uuid.UUID
		agent string
		req   model.ReportRequest
	}{
		{"missing job", uuid.Nil, "a", model.ReportRequest{Kind: model.EventDeparted}},
		{"missing agent", jobID, "", model.ReportRequest{Kind: model.EventDeparted}},
		{"missing kind", jobID, "a", model.ReportRequest{}},
		{"unknown kind", jobID, "a", model.ReportRequest{Kind: "teleported"}},
		{"loss without cause", jobID, "a", model.ReportRequest{Kind: model.EventIntegrityLoss}},
		{"loss unknown cause", jobID, "a", model.ReportRequest{Kind: model.EventIntegrityLoss, Cause: "meteor"}},
		{"loss negative estimate", jobID, "a", model.ReportRequest{Kind: model.EventIntegrityLoss, Cause: "rollover", Estimate: -1}},
		{"transfer without receiver", jobID, "a", model.ReportRequest{Kind: model.EventTransferAccepted}},
		{"bad latitude", jobID, "a", model.ReportRequest{Kind: model.EventDeparted, Coordinates: &model.Coordinates{Lat: 91}}},
		{"nan longitude", jobID, "a", model.ReportRequest{Kind: model.EventDeparted, Coordinates: &model.Coordinates{Lon: math.NaN()}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Normalize(tc.job, tc.agent, tc.req)
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestNormalizeStripsIrrelevantFields(t *testing.T) {
	jobID := uuid.New()
	c, err := Normalize(jobID, "driver-1", model.ReportRequest{
		Kind:      model.EventDeparted,
		Cause:     "rollover",
		Estimate:  50,
		ToAgentID: "driver-2",
	})
	require.NoError(t, err)
	assert.Equal(t, model.Candidate{JobID: jobID, AgentID: "driver-1", Kind: model.EventDeparted}, c)

	c, err = Normalize(jobID, "driver-1", model.ReportRequest{
		Kind:        model.EventIntegrityLoss,
		Cause:       "collision-major",
		Estimate:    20,
		Coordinates: &model.Coordinates{Lat: 35.6, Lon: 139.7},
	})
	require.NoError(t, err)
	assert.Equal(t, "collision-major", c.Cause)
	assert.Equal(t, 20, c.Estimate)
	require.NotNil(t, c.Coordinates)
	assert.InDelta(t, 139.7, c.Coordinates.Lon, 1e-9)
}

func TestNormalizePassesAuthorityKinds(t *testing.T) {
	// Authority-only kinds are well-formed; the supervisor rejects them and
	// records the attempt.
	c, err := Normalize(uuid.New(), "driver-1", model.ReportRequest{Kind: model.EventSealBroken})
	require.NoError(t, err)
	assert.Equal(t, model.EventSealBroken, c.Kind)
}

func TestTerms(t *testing.T) {
	base := job.DefaultTerms()
	terms, err := Terms(uuid.New(), model.AcceptJobRequest{
		Cargo:                 model.CargoFragile,
		Refrigerated:          true,
		StopCount:             2,
		DeliveryWindowSeconds: 1800,
	}, base, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, model.CargoFragile, terms.Cargo)
	assert.True(t, terms.Refrigerated)
	assert.Equal(t, 2, terms.StopCount)
	assert.Equal(t, 1800*time.Second, terms.DeliveryWindow)
	assert.Equal(t, base.ExcursionThreshold, terms.ExcursionThreshold)

	terms, err = Terms(uuid.New(), model.AcceptJobRequest{}, base, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, model.CargoStandard, terms.Cargo)
	assert.Equal(t, base.DeliveryWindow, terms.DeliveryWindow)

	_, err = Terms(uuid.New(), model.AcceptJobRequest{DeliveryWindowSeconds: 3 * 3600}, base, 2*time.Hour)
	require.ErrorIs(t, err, ErrMalformed)
	// 18446744074s wraps to under a second if multiplied before the bound check.
	_, err = Terms(uuid.New(), model.AcceptJobRequest{DeliveryWindowSeconds: 18446744074}, base, 2*time.Hour)
	require.ErrorIs(t, err, ErrMalformed)
	_, err = Terms(uuid.New(), model.AcceptJobRequest{DeliveryWindowSeconds: 18446744074}, base, 0)
	require.ErrorIs(t, err, ErrMalformed)
	_, err = Terms(uuid.New(), model.AcceptJobRequest{Cargo: "livestock"}, base, 0)
	require.ErrorIs(t, err, ErrMalformed)
	_, err = Terms(uuid.Nil, model.AcceptJobRequest{}, base, 0)
	require.ErrorIs(t, err, ErrMalformed)
}
