// Package supervisor runs one actor per open job. Every change to a job,
// whether an agent report, a timer expiry, a resync, or an operator outcome,
// passes through that job's mailbox and is handled in arrival order by a
// single goroutine, so the aggregate never sees concurrent writers.
//
// An actor appends the events a message implies before applying them. If
// the append fails it retries with jittered backoff on the supervisor's
// clock and leaves the aggregate untouched until the write is durable.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/unso/internal/clock"
	"github.com/ashita-ai/unso/internal/job"
	"github.com/ashita-ai/unso/internal/model"
	"github.com/ashita-ai/unso/internal/storage"
)

// Store is the persistence the supervisor needs.
type Store interface {
	AppendEvents(ctx context.Context, rec model.JobRecord, events []model.JobEvent) error
	LoadEvents(ctx context.Context, jobID uuid.UUID) ([]model.JobEvent, error)
	GetJob(ctx context.Context, jobID uuid.UUID) (model.JobRecord, error)
	ArchiveJob(ctx context.Context, jobID uuid.UUID, archivedAt time.Time, merkleRoot string) error
}

// Publisher delivers snapshots to agents and notices to observers. Both
// calls must not block.
type Publisher interface {
	PublishSnapshot(agentID string, s model.Snapshot)
	PublishNotice(n model.Notice)
}

// Auditor records ignored reports.
type Auditor interface {
	Record(r model.Rejection)
}

// Config holds the dependencies and tuning of a Supervisor. Publisher and
// Auditor may be nil.
type Config struct {
	Store   Store
	Clock   clock.Clock
	Deriver job.Deriver
	Logger  *slog.Logger

	Publisher Publisher
	Auditor   Auditor

	// Backlog bounds the queued agent reports per job. Default 256.
	Backlog int
	// RetryBase and RetryMax shape the append retry backoff.
	RetryBase time.Duration
	RetryMax  time.Duration
}

const (
	DefaultBacklog   = 256
	DefaultRetryBase = 100 * time.Millisecond
	DefaultRetryMax  = 5 * time.Second
)

// Supervisor owns the actors of every open job.
type Supervisor struct {
	cfg    Config
	store  Store
	clock  clock.Clock
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	actors  map[uuid.UUID]*actor
	byAgent map[string]uuid.UUID
	stopped bool

	metrics *metrics
}

// New creates a Supervisor with no open jobs.
func New(cfg Config) *Supervisor {
	if cfg.Backlog <= 0 {
		cfg.Backlog = DefaultBacklog
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = max(DefaultRetryMax, cfg.RetryBase)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Deriver == nil {
		cfg.Deriver = job.NewTableDeriver(job.DefaultDamage, uint64(time.Now().UnixNano())) //nolint:gosec // seed only
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:     cfg,
		store:   cfg.Store,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		ctx:     ctx,
		cancel:  cancel,
		actors:  make(map[uuid.UUID]*actor),
		byAgent: make(map[string]uuid.UUID),
	}
	s.metrics = newMetrics(s)
	return s
}

// Result is the answer to one queued message.
type Result struct {
	Outcome  model.Outcome
	Reason   model.RejectReason
	Snapshot *model.Snapshot
	Err      error
}

// Receipt is returned by every enqueueing call. Callers may wait on it or
// drop it; the message is processed either way.
type Receipt struct {
	ch chan Result
}

func newReceipt() Receipt { return Receipt{ch: make(chan Result, 1)} }

func resolved(r Result) Receipt {
	rc := newReceipt()
	rc.ch <- r
	return rc
}

// Wait blocks until the message has been handled or ctx is done. On ctx
// expiry the outcome is queued: the message is still in the mailbox.
func (r Receipt) Wait(ctx context.Context) Result {
	select {
	case res := <-r.ch:
		return res
	case <-ctx.Done():
		return Result{Outcome: model.OutcomeQueued}
	}
}

// Accept opens a new job owned by agentID. The job-accepted event is
// appended by the new actor before the receipt resolves.
func (s *Supervisor) Accept(ctx context.Context, jobID uuid.UUID, agentID string, terms model.JobTerms) (Receipt, error) {
	if err := job.ValidateTerms(terms); err != nil {
		return Receipt{}, err
	}
	if _, err := s.store.GetJob(ctx, jobID); err == nil {
		return Receipt{}, fmt.Errorf("%w: %s", ErrJobExists, jobID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Receipt{}, fmt.Errorf("supervisor: accept: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return Receipt{}, ErrStopped
	}
	if _, ok := s.actors[jobID]; ok {
		return Receipt{}, fmt.Errorf("%w: %s", ErrJobExists, jobID)
	}
	if other, ok := s.byAgent[agentID]; ok {
		return Receipt{}, fmt.Errorf("%w: %s owns %s", ErrAgentBusy, agentID, other)
	}

	a := s.newActor(jobID, nil)
	s.actors[jobID] = a
	s.byAgent[agentID] = jobID

	rc := newReceipt()
	_ = a.box.push(message{kind: msgAccept, agentID: agentID, terms: terms, reply: rc.ch})
	s.start(a)
	return rc, nil
}

// Adopt hands a job rebuilt from its log to a new actor. The job is marked
// awaiting resync and its timers are re-armed for their remaining time;
// deadlines already passed fire at once.
func (s *Supervisor) Adopt(j *job.Job, unhealthy bool) error {
	if j.Status.Terminal() {
		return fmt.Errorf("supervisor: adopt %s: job is %s", j.ID, j.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if _, ok := s.actors[j.ID]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, j.ID)
	}
	if other, ok := s.byAgent[j.AgentID]; ok {
		return fmt.Errorf("%w: %s owns %s", ErrAgentBusy, j.AgentID, other)
	}
	a := s.newActor(j.ID, j)
	a.awaitingResync = true
	a.unhealthy.Store(unhealthy)
	a.refresh(s.now())
	s.actors[j.ID] = a
	s.byAgent[j.AgentID] = j.ID
	// Overdue deadlines enqueue their expiries here, ahead of any query.
	a.timers.Sync(deadlines(j))
	s.start(a)
	return nil
}

// Report enqueues a normalized agent report. Reports for unknown or closed
// jobs resolve immediately as ignored.
func (s *Supervisor) Report(ctx context.Context, c model.Candidate) (Receipt, error) {
	a := s.actor(c.JobID)
	if a == nil {
		return s.rejectClosed(ctx, c), nil
	}

	rc := newReceipt()
	err := a.box.push(message{kind: msgReport, cand: c, reply: rc.ch})
	switch {
	case err == nil:
		return rc, nil
	case errors.Is(err, ErrBacklogFull):
		a.markUnhealthy("telemetry backlog full")
		s.reject(c, model.RejectBacklogFull, err)
		return Receipt{}, fmt.Errorf("%w: job %s", ErrBacklogFull, c.JobID)
	default:
		return s.rejectClosed(ctx, c), nil
	}
}

// rejectClosed answers a report for a job with no live actor.
func (s *Supervisor) rejectClosed(ctx context.Context, c model.Candidate) Receipt {
	reason := model.RejectUnknownJob
	var snap *model.Snapshot
	if rec, err := s.store.GetJob(ctx, c.JobID); err == nil {
		reason = model.RejectNotOwner
		if rec.AgentID == c.AgentID {
			reason = model.RejectTerminal
			state := rec.State
			snap = &state
		}
	}
	s.reject(c, reason, nil)
	return resolved(Result{Outcome: model.OutcomeIgnored, Reason: reason, Snapshot: snap})
}

// Resync re-enables telemetry for agentID's job and pushes a full snapshot.
func (s *Supervisor) Resync(jobID uuid.UUID, agentID string) (Receipt, error) {
	a := s.actor(jobID)
	if a == nil {
		return Receipt{}, fmt.Errorf("%w: %s", ErrNoSuchJob, jobID)
	}
	rc := newReceipt()
	if err := a.box.push(message{kind: msgResync, agentID: agentID, reply: rc.ch}); err != nil {
		return Receipt{}, fmt.Errorf("%w: %s", ErrNoSuchJob, jobID)
	}
	return rc, nil
}

// DisconnectAgent marks the open job owned by agentID as awaiting resync.
// Timers keep running.
func (s *Supervisor) DisconnectAgent(agentID string) {
	jobID, ok := s.jobFor(agentID)
	if !ok {
		return
	}
	if a := s.actor(jobID); a != nil {
		_ = a.box.push(message{kind: msgDisconnect, agentID: agentID})
	}
}

// Outcome records an operator verdict (rejected or stolen) on an open job.
func (s *Supervisor) Outcome(jobID uuid.UUID, kind model.EventKind, note string) (Receipt, error) {
	a := s.actor(jobID)
	if a == nil {
		return Receipt{}, fmt.Errorf("%w: %s", ErrNoSuchJob, jobID)
	}
	rc := newReceipt()
	if err := a.box.push(message{kind: msgOutcome, outcome: kind, note: note, reply: rc.ch}); err != nil {
		return Receipt{}, fmt.Errorf("%w: %s", ErrNoSuchJob, jobID)
	}
	return rc, nil
}

// Snapshot returns the job's current state. For a live job the query passes
// through the mailbox, so it reflects every message queued before it.
// Archived jobs are read from the store.
func (s *Supervisor) Snapshot(ctx context.Context, jobID uuid.UUID) (model.Snapshot, error) {
	if a := s.actor(jobID); a != nil {
		rc := newReceipt()
		if err := a.box.push(message{kind: msgQuery, reply: rc.ch}); err == nil {
			res := rc.Wait(ctx)
			if res.Snapshot != nil {
				return *res.Snapshot, nil
			}
			if res.Outcome == model.OutcomeQueued {
				if snap := a.last.Load(); snap != nil {
					return *snap, nil
				}
				return model.Snapshot{}, ctx.Err()
			}
		}
	}
	rec, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Snapshot{}, fmt.Errorf("%w: %s", ErrNoSuchJob, jobID)
	}
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("supervisor: snapshot: %w", err)
	}
	return rec.State, nil
}

// Open returns the latest committed snapshot of every live job, optionally
// only the unhealthy ones.
func (s *Supervisor) Open(unhealthyOnly bool) []model.Snapshot {
	s.mu.Lock()
	actors := make([]*actor, 0, len(s.actors))
	for _, a := range s.actors {
		actors = append(actors, a)
	}
	s.mu.Unlock()

	out := make([]model.Snapshot, 0, len(actors))
	for _, a := range actors {
		snap := a.last.Load()
		if snap == nil {
			continue
		}
		if unhealthyOnly && !a.unhealthy.Load() {
			continue
		}
		cp := *snap
		cp.Unhealthy = a.unhealthy.Load()
		out = append(out, cp)
	}
	return out
}

// JobFor returns the open job owned by agentID.
func (s *Supervisor) JobFor(agentID string) (uuid.UUID, bool) { return s.jobFor(agentID) }

// Close stops every actor. Queued messages resolve as queued with
// ErrStopped; their effects were never applied.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("supervisor: close: %w", ctx.Err())
	}
}

func (s *Supervisor) start(a *actor) {
	s.wg.Add(1)
	go a.run()
}

func (s *Supervisor) actor(jobID uuid.UUID) *actor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actors[jobID]
}

func (s *Supervisor) jobFor(agentID string) (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byAgent[agentID]
	return id, ok
}

// reserveAgent claims agentID for jobID unless it owns another open job.
func (s *Supervisor) reserveAgent(agentID string, jobID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if other, ok := s.byAgent[agentID]; ok && other != jobID {
		return false
	}
	s.byAgent[agentID] = jobID
	return true
}

func (s *Supervisor) releaseAgent(agentID string, jobID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byAgent[agentID] == jobID {
		delete(s.byAgent, agentID)
	}
}

func (s *Supervisor) agentFree(agentID string, jobID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	other, ok := s.byAgent[agentID]
	return !ok || other == jobID
}

// remove drops a finished actor and the agent mappings pointing at it.
func (s *Supervisor) remove(a *actor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.actors[a.id] == a {
		delete(s.actors, a.id)
	}
	for agent, id := range s.byAgent {
		if id == a.id {
			delete(s.byAgent, agent)
		}
	}
}

func (s *Supervisor) reject(c model.Candidate, reason model.RejectReason, err error) {
	s.metrics.rejected(s.ctx, reason)
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	s.logger.Debug("report ignored",
		"job_id", c.JobID, "agent_id", c.AgentID, "kind", c.Kind, "reason", reason, "error", detail)
	if s.cfg.Auditor == nil {
		return
	}
	s.cfg.Auditor.Record(model.Rejection{
		ID:         uuid.New(),
		JobID:      c.JobID,
		AgentID:    c.AgentID,
		Kind:       c.Kind,
		Reason:     reason,
		Detail:     detail,
		RecordedAt: s.now(),
	})
}

func (s *Supervisor) publishSnapshot(agentID string, snap model.Snapshot) {
	if s.cfg.Publisher != nil {
		s.cfg.Publisher.PublishSnapshot(agentID, snap)
	}
}

func (s *Supervisor) publishNotice(n model.Notice) {
	if s.cfg.Publisher != nil {
		s.cfg.Publisher.PublishNotice(n)
	}
}

// now is the authority clock at the precision every store keeps.
func (s *Supervisor) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Microsecond)
}
