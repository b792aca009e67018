package model

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the position of a job in its lifecycle.
type JobStatus string

const (
	StatusAtOrigin      JobStatus = "at-origin"
	StatusInTransit     JobStatus = "in-transit"
	StatusAtStop        JobStatus = "at-stop"
	StatusAtDestination JobStatus = "at-destination"

	// Terminal statuses.
	StatusDelivered JobStatus = "delivered"
	StatusAbandoned JobStatus = "abandoned"
	StatusStolen    JobStatus = "stolen"
	StatusExpired   JobStatus = "expired"
	StatusRejected  JobStatus = "rejected"
)

// Terminal reports whether no further transition can leave s.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusDelivered, StatusAbandoned, StatusStolen, StatusExpired, StatusRejected:
		return true
	}
	return false
}

// Moving reports whether s is one of the on-the-road statuses where the seal,
// distress, and transfer rules apply.
func (s JobStatus) Moving() bool {
	return s == StatusInTransit || s == StatusAtStop
}

// SealState tracks the cargo seal. It only moves forward.
type SealState string

const (
	SealUnsealed SealState = "unsealed"
	SealSealed   SealState = "sealed"
	SealBroken   SealState = "broken"
)

// Compliance is the temperature-compliance classification of a job.
type Compliance string

const (
	ComplianceNotApplicable Compliance = "not-applicable"
	ComplianceClean         Compliance = "clean"
	ComplianceMinor         Compliance = "minor-excursion"
	ComplianceSignificant   Compliance = "significant-excursion"
)

// CargoProfile selects the damage table applied to integrity-loss reports.
type CargoProfile string

const (
	CargoStandard CargoProfile = "standard"
	CargoFragile  CargoProfile = "fragile"
	CargoHeavy    CargoProfile = "heavy"
	CargoHazmat   CargoProfile = "hazmat"
)

// Valid reports whether p is a known profile.
func (p CargoProfile) Valid() bool {
	switch p {
	case CargoStandard, CargoFragile, CargoHeavy, CargoHazmat:
		return true
	}
	return false
}

// DamageCause is the agent-proposed reason for an integrity loss.
type DamageCause string

const (
	CauseCollisionMinor    DamageCause = "collision-minor"
	CauseCollisionModerate DamageCause = "collision-moderate"
	CauseCollisionMajor    DamageCause = "collision-major"
	CauseRollover          DamageCause = "rollover"
	CauseSharpCornering    DamageCause = "sharp-cornering"
	CauseOffRoad           DamageCause = "off-road"
)

// DamageCauses lists every cause in a stable order.
var DamageCauses = []DamageCause{
	CauseCollisionMinor,
	CauseCollisionModerate,
	CauseCollisionMajor,
	CauseRollover,
	CauseSharpCornering,
	CauseOffRoad,
}

// TimerKind names one of the authority-owned timers scoped to a job.
type TimerKind string

const (
	TimerDeliveryWindow TimerKind = "delivery-window"
	TimerExcursion      TimerKind = "excursion"
	TimerStationary     TimerKind = "stationary"
	TimerTransfer       TimerKind = "transfer-authorization"
)

// TimerKinds lists every timer kind in a stable order.
var TimerKinds = []TimerKind{TimerDeliveryWindow, TimerExcursion, TimerStationary, TimerTransfer}

// JobTerms are fixed when a job is accepted and recorded in its first event,
// so replaying a log never depends on the authority's current configuration.
type JobTerms struct {
	Cargo              CargoProfile  `json:"cargo"`
	Refrigerated       bool          `json:"refrigerated"`
	StopCount          int           `json:"stop_count"`
	DeliveryWindow     time.Duration `json:"delivery_window"`
	TransferWindow     time.Duration `json:"transfer_window"`
	ExcursionThreshold time.Duration `json:"excursion_threshold"`
	StationaryLimit    time.Duration `json:"stationary_limit"`
	DamageCooldown     time.Duration `json:"damage_cooldown"`
	RestCooldown       time.Duration `json:"rest_cooldown"`
	RestRestore        int           `json:"rest_restore"`
	RejectionThreshold int           `json:"rejection_threshold"`
}

// JobRecord is the durable row holding a job's current aggregate.
type JobRecord struct {
	ID         uuid.UUID  `json:"id"`
	AgentID    string     `json:"agent_id"`
	Status     JobStatus  `json:"status"`
	Integrity  int        `json:"integrity"`
	Seal       SealState  `json:"seal"`
	Compliance Compliance `json:"compliance"`
	LastSeq    int64      `json:"last_seq"`
	LastHash   string     `json:"last_hash"`
	State      Snapshot   `json:"state"`
	AcceptedAt time.Time  `json:"accepted_at"`
	Deadline   time.Time  `json:"deadline"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
	MerkleRoot *string    `json:"merkle_root,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
