package job

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/unso/internal/model"
)

// statusTransitions is the complete table of agent-driven status changes.
// Terminal transitions are handled separately: every non-terminal status may
// move to any terminal status through its own rules.
var statusTransitions = map[model.JobStatus]map[model.EventKind]model.JobStatus{
	model.StatusAtOrigin: {
		model.EventDeparted: model.StatusInTransit,
	},
	model.StatusInTransit: {
		model.EventArrivedStop:        model.StatusAtStop,
		model.EventArrivedDestination: model.StatusAtDestination,
	},
	model.StatusAtStop: {
		model.EventDeparted: model.StatusInTransit,
	},
	model.StatusAtDestination: {
		model.EventDelivered: model.StatusDelivered,
	},
}

// NextStatus returns the status reached from s on kind, if the table has it.
func NextStatus(s model.JobStatus, kind model.EventKind) (model.JobStatus, bool) {
	to, ok := statusTransitions[s][kind]
	return to, ok
}

// Accept builds the first event of a new job's log.
func Accept(jobID uuid.UUID, agentID string, terms model.JobTerms, now time.Time) (model.JobEvent, error) {
	if err := ValidateTerms(terms); err != nil {
		return model.JobEvent{}, err
	}
	t := terms
	return model.JobEvent{
		JobID:      jobID,
		Kind:       model.EventJobAccepted,
		Origin:     model.OriginAuthority,
		ReportedBy: agentID,
		Payload:    model.Payload{AgentID: agentID, Terms: &t},
		OccurredAt: now,
	}, nil
}

// Decide validates an agent report against the aggregate and returns the
// events it implies, stamped at now. It never mutates j.
func (j *Job) Decide(c model.Candidate, now time.Time, d Deriver) ([]model.JobEvent, error) {
	if c.AgentID != j.AgentID {
		return nil, ErrNotOwner
	}
	if j.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminal, j.Status)
	}
	if !c.Kind.AgentReportable() {
		return nil, fmt.Errorf("%w: %s is not reportable", ErrInvalidTransition, c.Kind)
	}

	ev := j.draft(c.Kind, model.OriginAgent, now)
	ev.ReportedBy = c.AgentID
	ev.Coordinates = c.Coordinates

	switch c.Kind {
	case model.EventDeparted:
		if j.Status == model.StatusAtStop && !j.StopServiced {
			return nil, fmt.Errorf("%w: stop %d not completed", ErrInvalidTransition, j.StopIndex+1)
		}
		if err := j.requireTransition(c.Kind); err != nil {
			return nil, err
		}
	case model.EventArrivedStop:
		if err := j.requireTransition(c.Kind); err != nil {
			return nil, err
		}
		if j.StopIndex >= j.Terms.StopCount {
			return nil, fmt.Errorf("%w: no stops remain", ErrInvalidTransition)
		}
	case model.EventStopCompleted:
		if j.Status != model.StatusAtStop {
			return nil, j.invalid(c.Kind)
		}
		if j.StopServiced {
			return nil, ErrDuplicate
		}
	case model.EventArrivedDestination:
		if err := j.requireTransition(c.Kind); err != nil {
			return nil, err
		}
		if j.StopIndex < j.Terms.StopCount {
			return nil, fmt.Errorf("%w: %d of %d stops completed", ErrInvalidTransition, j.StopIndex, j.Terms.StopCount)
		}
	case model.EventDelivered:
		if err := j.requireTransition(c.Kind); err != nil {
			return nil, err
		}
		clean := j.CleanEligible && j.Seal != model.SealBroken && j.Compliance != model.ComplianceSignificant
		ev.Payload.Clean = &clean

	case model.EventSealApplied:
		if j.Seal != model.SealUnsealed {
			return nil, fmt.Errorf("%w: seal is %s", ErrInvalidTransition, j.Seal)
		}
		if j.Status != model.StatusAtOrigin && j.Status != model.StatusAtStop {
			return nil, j.invalid(c.Kind)
		}
	case model.EventDecoupled:
		if j.Status.Moving() && j.Seal == model.SealSealed && j.TransferTo == "" {
			broken := j.draft(model.EventSealBroken, model.OriginAuthority, now)
			broken.Payload.Cause = model.CauseUnauthorizedDecouple
			return []model.JobEvent{ev, broken}, nil
		}
	case model.EventCoupled:
		if j.Coupled {
			return nil, ErrDuplicate
		}

	case model.EventTransferAccepted:
		if !j.Status.Moving() {
			return nil, j.invalid(c.Kind)
		}
		if j.TransferTo != "" {
			return nil, ErrDuplicate
		}
		if c.ToAgentID == "" || c.ToAgentID == j.AgentID {
			return nil, fmt.Errorf("%w: transfer needs a different receiving agent", ErrInvalidTransition)
		}
		ev.Payload.ToAgentID = c.ToAgentID
	case model.EventTransferCompleted:
		if j.TransferTo == "" {
			return nil, fmt.Errorf("%w: no transfer window open", ErrInvalidTransition)
		}
		ev.Payload.ToAgentID = j.TransferTo

	case model.EventExcursionStart:
		if !j.Terms.Refrigerated {
			return nil, fmt.Errorf("%w: cargo is not refrigerated", ErrInvalidTransition)
		}
		if !j.ReeferOperational {
			return nil, ErrDuplicate
		}
	case model.EventExcursionEnd:
		if !j.Terms.Refrigerated {
			return nil, fmt.Errorf("%w: cargo is not refrigerated", ErrInvalidTransition)
		}
		if j.ReeferOperational {
			return nil, ErrDuplicate
		}
		if j.ExcursionEscalated {
			ev.Payload.Excursion = now.Sub(j.ExcursionSince)
		}

	case model.EventIntegrityLoss:
		cause := model.DamageCause(c.Cause)
		if last, ok := j.LastDamage[cause]; ok && now.Sub(last) < j.Terms.DamageCooldown {
			return nil, fmt.Errorf("%w: %s", ErrCooldown, cause)
		}
		n, ok := d.Deduction(j.Terms.Cargo, cause)
		if !ok {
			return nil, fmt.Errorf("%w: unknown cause %q", ErrInvalidTransition, c.Cause)
		}
		ev.Payload.Cause = c.Cause
		ev.Payload.Estimate = c.Estimate
		ev.Payload.Deduction = n
	case model.EventRestStop:
		if !j.Status.Moving() {
			return nil, j.invalid(c.Kind)
		}
		if !j.LastRest.IsZero() && now.Sub(j.LastRest) < j.Terms.RestCooldown {
			return nil, ErrCooldown
		}
		ev.Payload.Restored = min(j.Terms.RestRestore, MaxIntegrity-j.Integrity)

	case model.EventStationaryDetected:
		if j.Status != model.StatusInTransit {
			return nil, j.invalid(c.Kind)
		}
		if j.Stationary {
			return nil, ErrDuplicate
		}
	case model.EventMovingResumed:
		if !j.Stationary {
			return nil, ErrDuplicate
		}

	case model.EventDistressRaised:
		if !j.Status.Moving() {
			return nil, j.invalid(c.Kind)
		}
		if j.Distress {
			return nil, ErrDuplicate
		}
	case model.EventDistressCleared:
		if !j.Distress {
			return nil, ErrDuplicate
		}

	case model.EventAbandoned:
		ev.Payload.Cause = model.CauseAgentAbandoned
	}

	return []model.JobEvent{ev}, nil
}

// Expire returns the authority events produced by the expiry of kind's
// timer. The deadline must match the armed timer; anything else is a stale
// expiry that raced a disarm and has no effect.
func (j *Job) Expire(kind model.TimerKind, deadline time.Time) ([]model.JobEvent, error) {
	if j.Status.Terminal() {
		return nil, ErrStaleTimer
	}
	t, ok := j.Timers[kind]
	if !ok || !t.Armed || !t.Deadline().Equal(deadline) {
		return nil, ErrStaleTimer
	}

	var ev model.JobEvent
	switch kind {
	case model.TimerDeliveryWindow:
		ev = j.draft(model.EventExpired, model.OriginAuthority, deadline)
		ev.Payload.Cause = model.CauseWindowElapsed
	case model.TimerExcursion:
		ev = j.draft(model.EventExcursionEscalated, model.OriginAuthority, deadline)
	case model.TimerStationary:
		ev = j.draft(model.EventAbandoned, model.OriginAuthority, deadline)
		ev.Payload.Cause = model.CauseStationaryTimeout
	case model.TimerTransfer:
		ev = j.draft(model.EventTransferWindowClose, model.OriginAuthority, deadline)
		ev.Payload.ToAgentID = j.TransferTo
	default:
		return nil, fmt.Errorf("job: unknown timer kind %q", kind)
	}
	return []model.JobEvent{ev}, nil
}

// Outcome records a terminal verdict reached by an external collaborator.
func (j *Job) Outcome(kind model.EventKind, note string, now time.Time) ([]model.JobEvent, error) {
	if j.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminal, j.Status)
	}
	if kind != model.EventRejected && kind != model.EventStolen {
		return nil, fmt.Errorf("%w: %s is not an outcome", ErrInvalidTransition, kind)
	}
	ev := j.draft(kind, model.OriginAuthority, now)
	ev.Payload.Note = note
	return []model.JobEvent{ev}, nil
}

func (j *Job) draft(kind model.EventKind, origin model.Origin, at time.Time) model.JobEvent {
	return model.JobEvent{
		JobID:      j.ID,
		Kind:       kind,
		Origin:     origin,
		OccurredAt: at,
	}
}

func (j *Job) requireTransition(kind model.EventKind) error {
	if _, ok := NextStatus(j.Status, kind); !ok {
		return j.invalid(kind)
	}
	return nil
}

func (j *Job) invalid(kind model.EventKind) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, kind, j.Status)
}
