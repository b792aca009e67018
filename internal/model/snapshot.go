package model

import (
	"time"

	"github.com/google/uuid"
)

// TimerView is the agent-visible state of one armed timer.
type TimerView struct {
	Kind      TimerKind     `json:"kind"`
	ExpiresAt time.Time     `json:"expires_at"`
	Remaining time.Duration `json:"remaining"`
}

// Snapshot is the full read-only projection of a job pushed to its agent.
// Local detectors re-arm from it after a reconnect.
type Snapshot struct {
	JobID                uuid.UUID     `json:"job_id"`
	AgentID              string        `json:"agent_id"`
	Status               JobStatus     `json:"status"`
	Seq                  int64         `json:"seq"`
	Cargo                CargoProfile  `json:"cargo"`
	Integrity            int           `json:"integrity"`
	CleanEligible        bool          `json:"clean_eligible"`
	Seal                 SealState     `json:"seal"`
	Coupled              bool          `json:"coupled"`
	Compliance           Compliance    `json:"compliance"`
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

// Notice is a fire-and-forget summary of an accepted event for UI and
// other non-authoritative collaborators.
type Notice struct {
	JobID      uuid.UUID `json:"job_id"`
	AgentID    string    `json:"agent_id"`
	Seq        int64     `json:"seq"`
	Kind       EventKind `json:"kind"`
	Summary    string    `json:"summary"`
	OccurredAt time.Time `json:"occurred_at"`
}

// RejectReason classifies why a report or message had no effect.
type RejectReason string

const (
	RejectInvalidTransition RejectReason = "invalid-transition"
	RejectNotOwner          RejectReason = "not-owner"
	RejectTerminal          RejectReason = "terminal"
	RejectUnknownJob        RejectReason = "unknown-job"
	RejectAwaitingResync    RejectReason = "awaiting-resync"
	RejectCooldown          RejectReason = "cooldown"
	RejectDuplicate         RejectReason = "duplicate-state"
	RejectBacklogFull       RejectReason = "backlog-full"
)

// Rejection is one audit record of an ignored report.
type Rejection struct {
	ID         uuid.UUID    `json:"id"`
	JobID      uuid.UUID    `json:"job_id"`
	AgentID    string       `json:"agent_id"`
	Kind       EventKind    `json:"kind"`
	Reason     RejectReason `json:"reason"`
	Detail     string       `json:"detail,omitempty"`
	RecordedAt time.Time    `json:"recorded_at"`
}
