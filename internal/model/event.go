package model

import (
	"time"

	"github.com/google/uuid"
)

// EventKind is the closed set of facts that can appear in a job's event log.
type EventKind string

const (
	// Reported by the owning agent.
	EventDeparted           EventKind = "departed"
	EventArrivedStop        EventKind = "arrived-stop"
	EventStopCompleted      EventKind = "stop-completed"
	EventArrivedDestination EventKind = "arrived-destination"
	EventDelivered          EventKind = "delivered"
	EventSealApplied        EventKind = "seal-applied"
	EventDecoupled          EventKind = "decoupled"
	EventCoupled            EventKind = "coupled"
	EventTransferAccepted   EventKind = "transfer-accepted"
	EventTransferCompleted  EventKind = "transfer-completed"
	EventExcursionStart     EventKind = "excursion-start"
	EventExcursionEnd       EventKind = "excursion-end"
	EventIntegrityLoss      EventKind = "integrity-loss"
	EventRestStop           EventKind = "rest-stop"
	EventStationaryDetected EventKind = "stationary-detected"
	EventMovingResumed      EventKind = "moving-resumed"
	EventDistressRaised     EventKind = "distress-raised"
	EventDistressCleared    EventKind = "distress-cleared"
	EventAbandoned          EventKind = "abandoned"

	// Produced only by the authority.
	EventJobAccepted         EventKind = "job-accepted"
	EventSealBroken          EventKind = "seal-broken"
	EventTransferWindowClose EventKind = "transfer-window-closed"
	EventExcursionEscalated  EventKind = "excursion-escalated"
	EventExpired             EventKind = "expired"
	EventRejected            EventKind = "rejected"
	EventStolen              EventKind = "stolen"
)

var agentReportable = map[EventKind]bool{
	EventDeparted:           true,
	EventArrivedStop:        true,
	EventStopCompleted:      true,
	EventArrivedDestination: true,
	EventDelivered:          true,
	EventSealApplied:        true,
	EventDecoupled:          true,
	EventCoupled:            true,
	EventTransferAccepted:   true,
	EventTransferCompleted:  true,
	EventExcursionStart:     true,
	EventExcursionEnd:       true,
	EventIntegrityLoss:      true,
	EventRestStop:           true,
	EventStationaryDetected: true,
	EventMovingResumed:      true,
	EventDistressRaised:     true,
	EventDistressCleared:    true,
	EventAbandoned:          true,
}

// AgentReportable reports whether agents may submit k as telemetry.
func (k EventKind) AgentReportable() bool { return agentReportable[k] }

// Known reports whether k belongs to the event enumeration.
func (k EventKind) Known() bool {
	if agentReportable[k] {
		return true
	}
	switch k {
	case EventJobAccepted, EventSealBroken, EventTransferWindowClose,
		EventExcursionEscalated, EventExpired, EventRejected, EventStolen:
		return true
	}
	return false
}

// Origin identifies who produced an event.
type Origin string

const (
	OriginAgent     Origin = "agent"
	OriginAuthority Origin = "authority"
)

// Causes recorded on authority events.
const (
	CauseUnauthorizedDecouple = "unauthorized-decouple"
	CauseStationaryTimeout    = "stationary-timeout"
	CauseAgentAbandoned       = "agent-abandoned"
	CauseWindowElapsed        = "delivery-window-elapsed"
)

// Coordinates is an optional position attached to a report.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Payload carries the kind-specific fields of an event. Only the fields
// relevant to the event's kind are set.
type Payload struct {
	Cause     string        `json:"cause,omitempty"`
	Estimate  int           `json:"estimate,omitempty"`
	Deduction int           `json:"deduction,omitempty"`
	Restored  int           `json:"restored,omitempty"`
	ToAgentID string        `json:"to_agent_id,omitempty"`
	AgentID   string        `json:"agent_id,omitempty"`
	Terms     *JobTerms     `json:"terms,omitempty"`
	Excursion time.Duration `json:"excursion,omitempty"`
	Clean     *bool         `json:"clean,omitempty"`
	Note      string        `json:"note,omitempty"`
}

// JobEvent is an immutable entry in a job's event log. OccurredAt is always
// the authority's clock; agent-supplied times are never recorded.
type JobEvent struct {
	JobID       uuid.UUID    `json:"job_id"`
	Seq         int64        `json:"seq"`
	Kind        EventKind    `json:"kind"`
	Origin      Origin       `json:"origin"`
	ReportedBy  string       `json:"reported_by,omitempty"`
	Payload     Payload      `json:"payload"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
	OccurredAt  time.Time    `json:"occurred_at"`
	PrevHash    string       `json:"prev_hash"`
	Hash        string       `json:"hash"`
}

// Candidate is a normalized, not yet trusted, agent report.
type Candidate struct {
	JobID       uuid.UUID
	AgentID     string
	Kind        EventKind
	Cause       string
	Estimate    int
	ToAgentID   string
	Coordinates *Coordinates
}
