// Package job holds the job aggregate: the authoritative state of one cargo
// movement, the fixed status transition table, and the pure fold that
// rebuilds state from the event log.
//
// Decide validates a candidate against the current state and returns the
// events it implies without touching the aggregate. Apply folds one
// persisted event into the aggregate. Replaying a log through Apply always
// reconstructs the same Job.
package job

import (
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/unso/internal/model"
)

// TimerFact is the authority's record of one timer. The live clock timer is
// derived from it; the fact itself is rebuilt by replay.
type TimerFact struct {
	Armed     bool          `json:"armed"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Deadline is the instant the timer expires.
func (t TimerFact) Deadline() time.Time { return t.StartedAt.Add(t.Duration) }

// Job is the in-memory aggregate. Only Apply mutates it.
type Job struct {
	ID         uuid.UUID
	AgentID    string
	Terms      model.JobTerms
	Status     model.JobStatus
	AcceptedAt time.Time
	Deadline   time.Time

	StopIndex    int
	StopServiced bool

	Integrity     int
	CleanEligible bool
	LastDamage    map[model.DamageCause]time.Time
	LastRest      time.Time

	Seal    model.SealState
	Coupled bool

	Compliance           model.Compliance
	ReeferOperational    bool
	ExcursionSince       time.Time
	ExcursionEscalated   bool
	SignificantExcursion time.Duration

	Stationary bool
	Distress   bool
	TransferTo string

	Timers map[model.TimerKind]TimerFact

	Seq      int64
	LastHash string
}

// Replay folds a complete event log into a fresh aggregate.
func Replay(events []model.JobEvent) (*Job, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("job: replay: empty event log")
	}
	if events[0].Kind != model.EventJobAccepted {
		return nil, fmt.Errorf("job: replay: first event is %s, want %s", events[0].Kind, model.EventJobAccepted)
	}
	j := &Job{}
	for _, e := range events {
		if err := j.Apply(e); err != nil {
			return nil, err
		}
	}
	return j, nil
}

// Clone returns a deep copy suitable for applying events speculatively.
func (j *Job) Clone() *Job {
	c := *j
	c.LastDamage = maps.Clone(j.LastDamage)
	c.Timers = maps.Clone(j.Timers)
	return &c
}

// Apply folds one persisted event into the aggregate. Events must arrive in
// sequence order with no gaps.
func (j *Job) Apply(e model.JobEvent) error {
	if e.Seq != j.Seq+1 {
		return fmt.Errorf("job: apply %s: sequence %d follows %d", e.Kind, e.Seq, j.Seq)
	}
	if e.Kind != model.EventJobAccepted && j.Status.Terminal() {
		return fmt.Errorf("job: apply %s: job is %s", e.Kind, j.Status)
	}
	at := e.OccurredAt

	switch e.Kind {
	case model.EventJobAccepted:
		if j.Seq != 0 || e.Payload.Terms == nil {
			return fmt.Errorf("job: apply %s: malformed acceptance", e.Kind)
		}
		j.init(e.JobID, e.Payload.AgentID, *e.Payload.Terms, at)

	case model.EventDeparted:
		j.Status = model.StatusInTransit
		j.StopServiced = false
	case model.EventArrivedStop:
		j.Status = model.StatusAtStop
		j.StopServiced = false
		j.settle()
	case model.EventStopCompleted:
		j.StopIndex++
		j.StopServiced = true
	case model.EventArrivedDestination:
		j.Status = model.StatusAtDestination
		j.settle()

	case model.EventSealApplied:
		j.Seal = model.SealSealed
	case model.EventSealBroken:
		j.Seal = model.SealBroken
	case model.EventDecoupled:
		j.Coupled = false
	case model.EventCoupled:
		j.Coupled = true

	case model.EventTransferAccepted:
		j.TransferTo = e.Payload.ToAgentID
		j.arm(model.TimerTransfer, at, j.Terms.TransferWindow)
	case model.EventTransferCompleted:
		j.AgentID = j.TransferTo
		j.TransferTo = ""
		j.Coupled = true
		j.disarm(model.TimerTransfer)
	case model.EventTransferWindowClose:
		j.TransferTo = ""
		j.disarm(model.TimerTransfer)

	case model.EventExcursionStart:
		j.ReeferOperational = false
		j.ExcursionSince = at
		j.ExcursionEscalated = false
		if j.Compliance != model.ComplianceSignificant {
			j.Compliance = model.ComplianceMinor
		}
		j.arm(model.TimerExcursion, at, j.Terms.ExcursionThreshold)
	case model.EventExcursionEscalated:
		j.Compliance = model.ComplianceSignificant
		j.ExcursionEscalated = true
		j.disarm(model.TimerExcursion)
	case model.EventExcursionEnd:
		j.ReeferOperational = true
		j.closeExcursion(at)
		if j.Compliance == model.ComplianceMinor {
			j.Compliance = model.ComplianceClean
		}

	case model.EventIntegrityLoss:
		j.Integrity = max(0, j.Integrity-e.Payload.Deduction)
		j.LastDamage[model.DamageCause(e.Payload.Cause)] = at
		if j.Integrity < j.Terms.RejectionThreshold {
			j.CleanEligible = false
		}
	case model.EventRestStop:
		j.Integrity = min(MaxIntegrity, j.Integrity+e.Payload.Restored)
		j.LastRest = at

	case model.EventStationaryDetected:
		j.Stationary = true
		j.arm(model.TimerStationary, at, j.Terms.StationaryLimit)
	case model.EventMovingResumed:
		j.settle()

	case model.EventDistressRaised:
		j.Distress = true
	case model.EventDistressCleared:
		j.Distress = false

	case model.EventDelivered:
		j.finish(model.StatusDelivered, at)
	case model.EventAbandoned:
		j.finish(model.StatusAbandoned, at)
	case model.EventExpired:
		j.finish(model.StatusExpired, at)
	case model.EventRejected:
		j.finish(model.StatusRejected, at)
	case model.EventStolen:
		j.finish(model.StatusStolen, at)

	default:
		return fmt.Errorf("job: apply: unknown event kind %q", e.Kind)
	}

	j.Seq = e.Seq
	j.LastHash = e.Hash
	return nil
}

func (j *Job) init(id uuid.UUID, agentID string, terms model.JobTerms, at time.Time) {
	*j = Job{
		ID:            id,
		AgentID:       agentID,
		Terms:         terms,
		Status:        model.StatusAtOrigin,
		AcceptedAt:    at,
		Deadline:      at.Add(terms.DeliveryWindow),
		Integrity:     startIntegrity,
		CleanEligible: true,
		LastDamage:    make(map[model.DamageCause]time.Time),
		Seal:          model.SealUnsealed,
		Coupled:       true,
		Compliance:    model.ComplianceNotApplicable,
		Timers:        make(map[model.TimerKind]TimerFact),
	}
	if terms.Refrigerated {
		j.Compliance = model.ComplianceClean
		j.ReeferOperational = true
	}
	j.arm(model.TimerDeliveryWindow, at, terms.DeliveryWindow)
}

// settle clears stationary tracking.
func (j *Job) settle() {
	j.Stationary = false
	j.disarm(model.TimerStationary)
}

// closeExcursion ends the running excursion, adding its length to the
// significant total when it escalated.
func (j *Job) closeExcursion(at time.Time) {
	if j.ExcursionEscalated && !j.ExcursionSince.IsZero() {
		j.SignificantExcursion += at.Sub(j.ExcursionSince)
	}
	j.ExcursionSince = time.Time{}
	j.ExcursionEscalated = false
	j.disarm(model.TimerExcursion)
}

func (j *Job) finish(status model.JobStatus, at time.Time) {
	if !j.ReeferOperational && j.Terms.Refrigerated {
		j.closeExcursion(at)
	}
	j.Status = status
	j.Stationary = false
	j.TransferTo = ""
	for k := range j.Timers {
		j.disarm(k)
	}
}

func (j *Job) arm(kind model.TimerKind, at time.Time, d time.Duration) {
	j.Timers[kind] = TimerFact{Armed: true, StartedAt: at, Duration: d}
}

func (j *Job) disarm(kind model.TimerKind) {
	delete(j.Timers, kind)
}

// ArmedTimers returns the armed timer facts keyed by kind.
func (j *Job) ArmedTimers() map[model.TimerKind]TimerFact {
	out := make(map[model.TimerKind]TimerFact, len(j.Timers))
	for k, t := range j.Timers {
		if t.Armed {
			out[k] = t
		}
	}
	return out
}

// DueTimers returns the armed timers whose deadline is at or before now, in
// deadline order.
func (j *Job) DueTimers(now time.Time) []model.TimerKind {
	var due []model.TimerKind
	for _, k := range model.TimerKinds {
		t, ok := j.Timers[k]
		if ok && t.Armed && !t.Deadline().After(now) {
			due = append(due, k)
		}
	}
	sort.SliceStable(due, func(a, b int) bool {
		return j.Timers[due[a]].Deadline().Before(j.Timers[due[b]].Deadline())
	})
	return due
}

// Snapshot projects the aggregate into the view pushed to agents.
func (j *Job) Snapshot(now time.Time) model.Snapshot {
	s := model.Snapshot{
		JobID:                j.ID,
		AgentID:              j.AgentID,
		Status:               j.Status,
		Seq:                  j.Seq,
		Cargo:                j.Terms.Cargo,
		Integrity:            j.Integrity,
		CleanEligible:        j.CleanEligible,
		Seal:                 j.Seal,
		Coupled:              j.Coupled,
		Compliance:           j.Compliance,
		ReeferOperational:    j.ReeferOperational,
		SignificantExcursion: j.SignificantExcursion,
		Stationary:           j.Stationary,
		Distress:             j.Distress,
		StopIndex:            j.StopIndex,
		StopCount:            j.Terms.StopCount,
		TransferTo:           j.TransferTo,
		AcceptedAt:           j.AcceptedAt,
		Deadline:             j.Deadline,
		Timers:               []model.TimerView{},
		AsOf:                 now,
	}
	for _, k := range model.TimerKinds {
		t, ok := j.Timers[k]
		if !ok || !t.Armed {
			continue
		}
		s.Timers = append(s.Timers, model.TimerView{
			Kind:      k,
			ExpiresAt: t.Deadline(),
			Remaining: max(0, t.Deadline().Sub(now)),
		})
	}
	return s
}

// Record builds the durable row for the aggregate.
func (j *Job) Record(now time.Time) model.JobRecord {
	return model.JobRecord{
		ID:         j.ID,
		AgentID:    j.AgentID,
		Status:     j.Status,
		Integrity:  j.Integrity,
		Seal:       j.Seal,
		Compliance: j.Compliance,
		LastSeq:    j.Seq,
		LastHash:   j.LastHash,
		State:      j.Snapshot(now),
		AcceptedAt: j.AcceptedAt,
		Deadline:   j.Deadline,
		UpdatedAt:  now,
	}
}
