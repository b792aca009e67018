package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/unso/internal/integrity"
	"github.com/ashita-ai/unso/internal/job"
	"github.com/ashita-ai/unso/internal/model"
	"github.com/ashita-ai/unso/internal/storage"
	"github.com/ashita-ai/unso/internal/timers"
)

// actor owns one job. All fields except last and unhealthy are touched only
// by the run goroutine.
type actor struct {
	sup    *Supervisor
	id     uuid.UUID
	box    *mailbox
	timers *timers.Registry
	logger *slog.Logger

	job            *job.Job
	awaitingResync bool
	done           bool

	unhealthy atomic.Bool
	last      atomic.Pointer[model.Snapshot]
}

func (s *Supervisor) newActor(jobID uuid.UUID, j *job.Job) *actor {
	a := &actor{
		sup:    s,
		id:     jobID,
		box:    newMailbox(jobID, s.cfg.Backlog),
		logger: s.logger.With("job_id", jobID),
		job:    j,
	}
	a.timers = timers.New(s.clock, jobID, func(exp timers.Expiry) {
		_ = a.box.push(message{kind: msgExpiry, exp: exp})
	})
	return a
}

func (a *actor) run() {
	defer a.sup.wg.Done()
	a.sup.metrics.active.Add(1)
	defer a.sup.metrics.active.Add(-1)

	for {
		select {
		case <-a.box.signal:
		case <-a.sup.ctx.Done():
			a.stop()
			return
		}
		for {
			msg, ok := a.box.pop()
			if !ok {
				break
			}
			a.handle(msg)
			if a.done {
				a.finalize()
				return
			}
			if a.sup.ctx.Err() != nil {
				a.stop()
				return
			}
		}
	}
}

func (a *actor) handle(msg message) {
	switch msg.kind {
	case msgAccept:
		a.handleAccept(msg)
	case msgReport:
		a.handleReport(msg)
	case msgExpiry:
		a.handleExpiry(msg.exp)
	case msgResync:
		a.handleResync(msg)
	case msgDisconnect:
		if a.job != nil && msg.agentID == a.job.AgentID && !a.awaitingResync {
			a.awaitingResync = true
			a.refresh(a.sup.now())
			a.logger.Info("agent disconnected, awaiting resync", "agent_id", msg.agentID)
		}
	case msgOutcome:
		a.handleOutcome(msg)
	case msgQuery:
		snap := a.refresh(a.sup.now())
		msg.respond(Result{Outcome: model.OutcomeAccepted, Snapshot: snap})
	}
}

func (a *actor) handleAccept(msg message) {
	now := a.sup.now()
	draft, err := job.Accept(a.id, msg.agentID, msg.terms, now)
	if err == nil {
		err = a.commit([]model.JobEvent{draft})
	}
	if err != nil {
		if errors.Is(err, storage.ErrSeqConflict) {
			err = fmt.Errorf("%w: %s", ErrJobExists, a.id)
		}
		a.logger.Warn("job accept failed", "agent_id", msg.agentID, "error", err)
		msg.respond(Result{Outcome: model.OutcomeIgnored, Err: err})
		a.job = nil
		a.done = true
		return
	}
	a.logger.Info("job accepted", "agent_id", msg.agentID, "deadline", a.job.Deadline)
	snap := a.refresh(now)
	a.sup.publishSnapshot(msg.agentID, *snap)
	msg.respond(Result{Outcome: model.OutcomeAccepted, Snapshot: snap})
}

func (a *actor) handleReport(msg message) {
	c := msg.cand
	if c.AgentID != a.job.AgentID {
		a.ignore(msg, model.RejectNotOwner, job.ErrNotOwner)
		return
	}
	if a.awaitingResync {
		a.ignore(msg, model.RejectAwaitingResync, nil)
		return
	}
	now := a.sup.now()
	if err := a.fireDue(now); err != nil {
		msg.respond(a.failure(err))
		return
	}

	drafts, err := a.job.Decide(c, now, a.sup.cfg.Deriver)
	if err != nil {
		a.ignore(msg, job.ReasonFor(err), err)
		return
	}

	var reserved string
	switch c.Kind {
	case model.EventTransferAccepted:
		if !a.sup.agentFree(c.ToAgentID, a.id) {
			a.ignore(msg, model.RejectInvalidTransition, fmt.Errorf("%w: %s", ErrAgentBusy, c.ToAgentID))
			return
		}
	case model.EventTransferCompleted:
		if !a.sup.reserveAgent(a.job.TransferTo, a.id) {
			a.ignore(msg, model.RejectInvalidTransition, fmt.Errorf("%w: %s", ErrAgentBusy, a.job.TransferTo))
			return
		}
		reserved = a.job.TransferTo
	}

	from := a.job.AgentID
	if err := a.commit(drafts); err != nil {
		if reserved != "" {
			a.sup.releaseAgent(reserved, a.id)
		}
		msg.respond(a.failure(err))
		return
	}
	if reserved != "" {
		a.sup.releaseAgent(from, a.id)
		a.logger.Info("job handed off", "from", from, "to", reserved)
		a.sup.publishSnapshot(reserved, *a.last.Load())
	}
	msg.respond(Result{Outcome: model.OutcomeAccepted, Snapshot: a.last.Load()})
}

func (a *actor) handleExpiry(exp timers.Expiry) {
	if a.job == nil || !a.timers.Current(exp) {
		a.logger.Debug("stale timer expiry", "kind", exp.Kind, "deadline", exp.Deadline)
		return
	}
	if errors.Is(a.expire(exp.Kind, exp.Deadline), job.ErrStaleTimer) {
		a.logger.Debug("stale timer expiry", "kind", exp.Kind, "deadline", exp.Deadline)
	}
}

// expire commits the authority event for one timer.
func (a *actor) expire(kind model.TimerKind, deadline time.Time) error {
	drafts, err := a.job.Expire(kind, deadline)
	if err != nil {
		return err
	}
	if err := a.commit(drafts); err != nil {
		a.logger.Error("timer expiry not persisted", "kind", kind, "error", err)
		return err
	}
	a.sup.metrics.timerFired(a.sup.ctx, kind)
	a.logger.Info("timer expired", "kind", kind, "event", drafts[0].Kind, "deadline", deadline)
	return nil
}

// fireDue commits, in deadline order, every armed timer whose deadline is
// at or before now. A report is always decided against a state in which
// the timers that should already have fired have done so.
func (a *actor) fireDue(now time.Time) error {
	for !a.job.Status.Terminal() {
		due := a.job.DueTimers(now)
		if len(due) == 0 {
			return nil
		}
		if err := a.expire(due[0], a.job.Timers[due[0]].Deadline()); err != nil {
			return err
		}
	}
	return nil
}

func (a *actor) handleResync(msg message) {
	if a.job == nil {
		msg.respond(Result{Outcome: model.OutcomeIgnored, Err: fmt.Errorf("%w: %s", ErrNoSuchJob, a.id)})
		return
	}
	if msg.agentID != a.job.AgentID {
		a.sup.reject(model.Candidate{JobID: a.id, AgentID: msg.agentID}, model.RejectNotOwner, job.ErrNotOwner)
		msg.respond(Result{Outcome: model.OutcomeIgnored, Reason: model.RejectNotOwner, Err: job.ErrNotOwner})
		return
	}
	if err := a.fireDue(a.sup.now()); err != nil {
		msg.respond(a.failure(err))
		return
	}
	a.awaitingResync = false
	snap := a.refresh(a.sup.now())
	a.sup.publishSnapshot(msg.agentID, *snap)
	a.logger.Info("agent resynced", "agent_id", msg.agentID, "seq", snap.Seq)
	msg.respond(Result{Outcome: model.OutcomeAccepted, Snapshot: snap})
}

func (a *actor) handleOutcome(msg message) {
	now := a.sup.now()
	if err := a.fireDue(now); err != nil {
		msg.respond(a.failure(err))
		return
	}
	drafts, err := a.job.Outcome(msg.outcome, msg.note, now)
	if err != nil {
		msg.respond(Result{Outcome: model.OutcomeIgnored, Reason: job.ReasonFor(err), Snapshot: a.last.Load(), Err: err})
		return
	}
	if err := a.commit(drafts); err != nil {
		msg.respond(a.failure(err))
		return
	}
	a.logger.Info("outcome recorded", "kind", msg.outcome)
	msg.respond(Result{Outcome: model.OutcomeAccepted, Snapshot: a.last.Load()})
}

// ignore rejects a report. Only the owning agent gets the snapshot back.
func (a *actor) ignore(msg message, reason model.RejectReason, err error) {
	a.sup.reject(msg.cand, reason, err)
	res := Result{Outcome: model.OutcomeIgnored, Reason: reason, Err: err}
	if reason != model.RejectNotOwner && a.owns(msg.cand.AgentID) {
		res.Snapshot = a.last.Load()
	}
	msg.respond(res)
}

func (a *actor) owns(agentID string) bool {
	return a.job != nil && agentID == a.job.AgentID
}

// failure maps a commit error to the caller's result. A cancelled append
// was never applied; the report may be resent after resync.
func (a *actor) failure(err error) Result {
	if errors.Is(err, context.Canceled) {
		return Result{Outcome: model.OutcomeQueued, Err: ErrStopped}
	}
	return Result{Outcome: model.OutcomeIgnored, Snapshot: a.last.Load(), Err: err}
}

// commit chains drafts onto the log, persists them, and only then applies
// them to the aggregate and re-syncs the live timers.
func (a *actor) commit(drafts []model.JobEvent) error {
	var (
		lastSeq  int64
		lastHash string
		next     = &job.Job{}
	)
	if a.job != nil {
		lastSeq, lastHash = a.job.Seq, a.job.LastHash
		next = a.job.Clone()
	}
	events, err := integrity.Chain(lastSeq, lastHash, drafts)
	if err != nil {
		return fmt.Errorf("supervisor: chain events: %w", err)
	}
	for _, e := range events {
		if err := next.Apply(e); err != nil {
			return fmt.Errorf("supervisor: apply: %w", err)
		}
	}

	now := a.sup.now()
	rec := next.Record(now)
	rec.State.AwaitingResync = a.awaitingResync
	rec.State.Unhealthy = a.unhealthy.Load()
	if err := a.persist(rec, events); err != nil {
		if errors.Is(err, storage.ErrSeqConflict) && a.job != nil {
			a.reload()
		}
		return err
	}

	a.job = next
	a.timers.Sync(deadlines(next))
	snap := a.refresh(now)
	a.sup.metrics.appended(a.sup.ctx, len(events))

	authority := false
	for _, e := range events {
		authority = authority || e.Origin == model.OriginAuthority
		a.sup.publishNotice(model.Notice{
			JobID:      e.JobID,
			AgentID:    next.AgentID,
			Seq:        e.Seq,
			Kind:       e.Kind,
			Summary:    summarize(e, next),
			OccurredAt: e.OccurredAt,
		})
	}
	if (authority || next.Status.Terminal()) && events[0].Kind != model.EventJobAccepted {
		a.sup.publishSnapshot(next.AgentID, *snap)
	}
	if next.Status.Terminal() {
		a.done = true
	}
	return nil
}

// persist appends until the store accepts the write, the supervisor stops,
// or the log turns out to have moved underneath this actor.
func (a *actor) persist(rec model.JobRecord, events []model.JobEvent) error {
	b := newBackoff(a.sup.cfg.RetryBase, a.sup.cfg.RetryMax)
	for attempt := 1; ; attempt++ {
		err := a.sup.store.AppendEvents(a.sup.ctx, rec, events)
		if err == nil {
			if attempt > 1 {
				a.logger.Info("append recovered", "attempts", attempt, "seq", rec.LastSeq)
			}
			return nil
		}
		if errors.Is(err, storage.ErrSeqConflict) {
			a.markUnhealthy("event log sequence conflict")
			return err
		}
		if a.sup.ctx.Err() != nil {
			return a.sup.ctx.Err()
		}

		delay := b.next()
		a.sup.metrics.retried(a.sup.ctx)
		a.logger.Warn("append failed, retrying",
			"attempt", attempt, "backoff", delay, "backlog", a.box.depth(), "error", err)
		select {
		case <-a.sup.clock.After(delay):
		case <-a.sup.ctx.Done():
			return a.sup.ctx.Err()
		}
	}
}

// reload rebuilds the aggregate from the stored log after a conflicting
// write by someone else.
func (a *actor) reload() {
	events, err := a.sup.store.LoadEvents(a.sup.ctx, a.id)
	if err != nil {
		a.logger.Error("reload after conflict", "error", err)
		return
	}
	j, err := job.Replay(events)
	if err != nil {
		a.logger.Error("replay after conflict", "error", err)
		return
	}
	a.job = j
	a.timers.Sync(deadlines(j))
	a.refresh(a.sup.now())
	if j.Status.Terminal() {
		a.done = true
	}
}

func (a *actor) markUnhealthy(why string) {
	if a.unhealthy.CompareAndSwap(false, true) {
		a.logger.Warn("job marked unhealthy", "reason", why)
	}
}

// refresh recomputes and publishes the actor's latest snapshot.
func (a *actor) refresh(now time.Time) *model.Snapshot {
	if a.job == nil {
		return nil
	}
	snap := a.job.Snapshot(now)
	snap.AwaitingResync = a.awaitingResync
	snap.Unhealthy = a.unhealthy.Load()
	a.last.Store(&snap)
	return &snap
}

// finalize runs once after a terminal event: timers are disarmed, the log
// is sealed with its Merkle root, and anything still queued is ignored.
func (a *actor) finalize() {
	if a.timers.DisarmAll() && a.job != nil {
		a.sup.metrics.disarmed(a.sup.ctx)
	}
	if a.job != nil {
		a.archive()
	}
	a.sup.remove(a)
	rest := a.box.close()

	for _, msg := range rest {
		switch msg.kind {
		case msgReport:
			switch {
			case a.job == nil:
				a.ignore(msg, model.RejectUnknownJob, nil)
			case !a.owns(msg.cand.AgentID):
				a.ignore(msg, model.RejectNotOwner, job.ErrNotOwner)
			default:
				a.ignore(msg, model.RejectTerminal, nil)
			}
		case msgResync:
			res := Result{Outcome: model.OutcomeIgnored, Reason: model.RejectTerminal}
			if a.owns(msg.agentID) {
				res.Snapshot = a.last.Load()
			}
			msg.respond(res)
		default:
			msg.respond(Result{Outcome: model.OutcomeIgnored, Reason: model.RejectTerminal, Snapshot: a.last.Load()})
		}
	}
}

func (a *actor) archive() {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(a.sup.ctx), 10*time.Second)
	defer cancel()

	events, err := a.sup.store.LoadEvents(ctx, a.id)
	if err != nil {
		a.logger.Error("archive: load events", "error", err)
		return
	}
	if bad := integrity.VerifyChain(events); bad >= 0 {
		a.logger.Error("archive: event chain does not verify", "index", bad)
	}
	root := integrity.EventRoot(events)
	if err := a.sup.store.ArchiveJob(ctx, a.id, a.sup.now(), root); err != nil {
		a.logger.Error("archive job", "error", err)
		return
	}
	a.logger.Info("job archived", "status", a.job.Status, "events", len(events), "merkle_root", root)
}

// stop ends the actor on shutdown without touching the job's state.
func (a *actor) stop() {
	a.timers.DisarmAll()
	a.sup.remove(a)
	for _, msg := range a.box.close() {
		msg.respond(Result{Outcome: model.OutcomeQueued, Err: ErrStopped})
	}
}

func deadlines(j *job.Job) map[model.TimerKind]time.Time {
	out := make(map[model.TimerKind]time.Time)
	for kind, t := range j.ArmedTimers() {
		out[kind] = t.Deadline()
	}
	return out
}

func summarize(e model.JobEvent, j *job.Job) string {
	switch e.Kind {
	case model.EventIntegrityLoss:
		return fmt.Sprintf("integrity -%d (%s) now %d", e.Payload.Deduction, e.Payload.Cause, j.Integrity)
	case model.EventRestStop:
		return fmt.Sprintf("integrity +%d now %d", e.Payload.Restored, j.Integrity)
	case model.EventSealBroken, model.EventAbandoned, model.EventExpired:
		if e.Payload.Cause != "" {
			return fmt.Sprintf("%s: %s", e.Kind, e.Payload.Cause)
		}
	case model.EventExcursionEscalated:
		return "temperature excursion is significant"
	case model.EventTransferAccepted, model.EventTransferCompleted:
		return fmt.Sprintf("%s to %s", e.Kind, e.Payload.ToAgentID)
	case model.EventDelivered:
		if e.Payload.Clean != nil && *e.Payload.Clean {
			return "delivered clean"
		}
		return "delivered with exceptions"
	}
	return fmt.Sprintf("%s, status %s", e.Kind, j.Status)
}
