package unso

import (
	"time"

	"github.com/google/uuid"
)

// CargoProfile selects the damage table applied to a job's cargo.
type CargoProfile string

const (
	CargoStandard CargoProfile = "standard"
	CargoFragile  CargoProfile = "fragile"
	CargoHeavy    CargoProfile = "heavy"
	CargoHazmat   CargoProfile = "hazmat"
)

// Kind is a state change an agent may report.
type Kind string

const (
	KindDeparted           Kind = "departed"
	KindArrivedStop        Kind = "arrived-stop"
	KindStopCompleted      Kind = "stop-completed"
	KindArrivedDestination Kind = "arrived-destination"
	KindDelivered          Kind = "delivered"
	KindSealApplied        Kind = "seal-applied"
	KindDecoupled          Kind = "decoupled"
	KindCoupled            Kind = "coupled"
	KindTransferAccepted   Kind = "transfer-accepted"
	KindTransferCompleted  Kind = "transfer-completed"
	KindExcursionStart     Kind = "excursion-start"
	KindExcursionEnd       Kind = "excursion-end"
	KindIntegrityLoss      Kind = "integrity-loss"
	KindRestStop           Kind = "rest-stop"
	KindStationaryDetected Kind = "stationary-detected"
	KindMovingResumed      Kind = "moving-resumed"
	KindDistressRaised     Kind = "distress-raised"
	KindDistressCleared    Kind = "distress-cleared"
	KindAbandoned          Kind = "abandoned"
)

// Damage causes accepted with KindIntegrityLoss.
const (
	CauseCollisionMinor    = "collision-minor"
	CauseCollisionModerate = "collision-moderate"
	CauseCollisionMajor    = "collision-major"
	CauseRollover          = "rollover"
	CauseSharpCornering    = "sharp-cornering"
	CauseOffRoad           = "off-road"
)

// Job statuses.
const (
	StatusAtOrigin      = "at-origin"
	StatusInTransit     = "in-transit"
	StatusAtStop        = "at-stop"
	StatusAtDestination = "at-destination"
	StatusDelivered     = "delivered"
	StatusAbandoned     = "abandoned"
	StatusStolen        = "stolen"
	StatusExpired       = "expired"
	StatusRejected      = "rejected"
)

// Temperature compliance values.
const (
	ComplianceNotApplicable = "not-applicable"
	ComplianceClean         = "clean"
	ComplianceMinor         = "minor-excursion"
	ComplianceSignificant   = "significant-excursion"
)

// Coordinates is an optional position attached to a report.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Offer is what the job board published; the agent accepts it as is.
type Offer struct {
	Cargo          CargoProfile
	Refrigerated   bool
	StopCount      int
	DeliveryWindow time.Duration
}

// Report is one state change. Only the fields relevant to Kind are sent.
type Report struct {
	Kind        Kind         `json:"kind"`
	Cause       string       `json:"cause,omitempty"`
	Estimate    int          `json:"estimate,omitempty"`
	ToAgentID   string       `json:"to_agent_id,omitempty"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
}

// Outcome is what the authority did with a command.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeIgnored  Outcome = "ignored"
	// OutcomeQueued means the result was not known in time; it arrives as
	// the next snapshot on the subscription.
	OutcomeQueued Outcome = "queued"
)

// Result is the reply to accept, report, and resync.
type Result struct {
	Outcome  Outcome   `json:"outcome"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
}

// TimerView is the agent-visible state of one armed timer.
type TimerView struct {
	Kind      string        `json:"kind"`
	ExpiresAt time.Time     `json:"expires_at"`
	Remaining time.Duration `json:"remaining"`
}

// Snapshot is the authority's full view of a job. Detectors re-arm from it.
type Snapshot struct {
	JobID                uuid.UUID     `json:"job_id"`
	AgentID              string        `json:"agent_id"`
	Status               string        `json:"status"`
	Seq                  int64         `json:"seq"`
	Cargo                CargoProfile  `json:"cargo"`
	Integrity            int           `json:"integrity"`
	CleanEligible        bool          `json:"clean_eligible"`
	Seal                 string        `json:"seal"`
	Coupled              bool          `json:"coupled"`
	Compliance           string        `json:"compliance"`
	ReeferOperational    bool          `json:"reefer_operational"`
	SignificantExcursion time.Duration `json:"significant_excursion"`
	Stationary           bool          `json:"stationary"`
	Distress             bool          `json:"distress"`
	StopIndex            int           `json:"stop_index"`
	StopCount            int           `json:"stop_count"`
	TransferTo           string        `json:"transfer_to,omitempty"`
	AcceptedAt           time.Time     `json:"accepted_at"`
	Deadline             time.Time     `json:"deadline"`
	Timers               []TimerView   `json:"timers"`
	AwaitingResync       bool          `json:"awaiting_resync"`
	Unhealthy            bool          `json:"unhealthy"`
	AsOf                 time.Time     `json:"as_of"`
}

// Terminal reports whether the job has ended.
func (s Snapshot) Terminal() bool {
	switch s.Status {
	case StatusDelivered, StatusAbandoned, StatusStolen, StatusExpired, StatusRejected:
		return true
	}
	return false
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Storage       string `json:"storage"`
	OpenJobs      int    `json:"open_jobs"`
	UnhealthyJobs int    `json:"unhealthy_jobs"`
	AuditDepth    int    `json:"audit_depth"`
	Uptime        int64  `json:"uptime_seconds"`
}

type acceptBody struct {
	Cargo                 CargoProfile `json:"cargo"`
	Refrigerated          bool         `json:"refrigerated"`
	StopCount             int          `json:"stop_count"`
	DeliveryWindowSeconds int          `json:"delivery_window_seconds"`
}
