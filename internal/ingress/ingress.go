// Package ingress turns raw agent reports into candidate events. It checks
// shape only; whether a candidate is allowed is decided by the supervisor.
package ingress

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/unso/internal/model"
)

// ErrMalformed marks a report missing required fields or carrying values
// outside their domain. Malformed reports never reach the job's log.
var ErrMalformed = errors.New("ingress: malformed report")

// MaxEstimate bounds the agent's damage estimate hint.
const MaxEstimate = 100

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Normalize validates a report and strips fields that do not apply to its kind.
func Normalize(jobID uuid.UUID, agentID string, req model.ReportRequest) (model.Candidate, error) {
	if jobID == uuid.Nil {
		return model.Candidate{}, malformed("job_id is required")
	}
	if agentID == "" {
		return model.Candidate{}, malformed("agent identity is required")
	}
	if req.Kind == "" {
		return model.Candidate{}, malformed("kind is required")
	}
	if !req.Kind.Known() {
		return model.Candidate{}, malformed("unknown kind %q", req.Kind)
	}

	c := model.Candidate{JobID: jobID, AgentID: agentID, Kind: req.Kind}

	switch req.Kind {
	case model.EventIntegrityLoss:
		if req.Cause == "" {
			return model.Candidate{}, malformed("cause is required for %s", req.Kind)
		}
		if !slices.Contains(model.DamageCauses, model.DamageCause(req.Cause)) {
			return model.Candidate{}, malformed("unknown cause %q", req.Cause)
		}
		if req.Estimate < 0 || req.Estimate > MaxEstimate {
			return model.Candidate{}, malformed("estimate must be between 0 and %d", MaxEstimate)
		}
		c.Cause = req.Cause
		c.Estimate = req.Estimate
	case model.EventTransferAccepted:
		if err := model.ValidateAgentID(req.ToAgentID); err != nil {
			return model.Candidate{}, malformed("to_agent_id: %v", err)
		}
		c.ToAgentID = req.ToAgentID
	}

	if req.Coordinates != nil {
		if err := validateCoordinates(*req.Coordinates); err != nil {
			return model.Candidate{}, err
		}
		coords := *req.Coordinates
		c.Coordinates = &coords
	}
	return c, nil
}

func validateCoordinates(c model.Coordinates) error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return malformed("coordinates must be finite")
	}
	if c.Lat < -90 || c.Lat > 90 {
		return malformed("latitude %v out of range", c.Lat)
	}
	if c.Lon < -180 || c.Lon > 180 {
		return malformed("longitude %v out of range", c.Lon)
	}
	return nil
}

// Terms merges an offer's accept request into the authority's base terms.
// Timing thresholds always come from base; the offer only chooses cargo,
// refrigeration, stop count, and a delivery window up to maxWindow.
func Terms(jobID uuid.UUID, req model.AcceptJobRequest, base model.JobTerms, maxWindow time.Duration) (model.JobTerms, error) {
	if jobID == uuid.Nil {
		return model.JobTerms{}, malformed("job_id is required")
	}
	terms := base
	if req.Cargo != "" {
		if !req.Cargo.Valid() {
			return model.JobTerms{}, malformed("unknown cargo profile %q", req.Cargo)
		}
		terms.Cargo = req.Cargo
	}
	if req.StopCount < 0 {
		return model.JobTerms{}, malformed("stop_count must not be negative")
	}
	terms.StopCount = req.StopCount
	terms.Refrigerated = req.Refrigerated

	if req.DeliveryWindowSeconds < 0 {
		return model.JobTerms{}, malformed("delivery_window_seconds must not be negative")
	}
	if req.DeliveryWindowSeconds > 0 {
		limit := int64(math.MaxInt64 / int64(time.Second))
		if maxWindow > 0 {
			limit = int64(maxWindow / time.Second)
		}
		if int64(req.DeliveryWindowSeconds) > limit {
			return model.JobTerms{}, malformed("delivery window exceeds %s", time.Duration(limit)*time.Second)
		}
		terms.DeliveryWindow = time.Duration(req.DeliveryWindowSeconds) * time.Second
	}
	return terms, nil
}
