// Package recovery rebuilds open jobs from their event logs when the
// authority starts, and brings reconnecting agents back in step with the
// authoritative state.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/unso/internal/clock"
	"github.com/ashita-ai/unso/internal/integrity"
	"github.com/ashita-ai/unso/internal/job"
	"github.com/ashita-ai/unso/internal/model"
	"github.com/ashita-ai/unso/internal/supervisor"
)

// Store is the persistence recovery reads from.
type Store interface {
	ListOpenJobs(ctx context.Context) ([]model.JobRecord, error)
	LoadEvents(ctx context.Context, jobID uuid.UUID) ([]model.JobEvent, error)
	ArchiveJob(ctx context.Context, jobID uuid.UUID, archivedAt time.Time, merkleRoot string) error
}

// Service restores and resyncs jobs.
type Service struct {
	store  Store
	sup    *supervisor.Supervisor
	clock  clock.Clock
	logger *slog.Logger

	resyncs singleflight.Group
}

// New creates a recovery Service.
func New(store Store, sup *supervisor.Supervisor, c clock.Clock, logger *slog.Logger) *Service {
	return &Service{store: store, sup: sup, clock: c, logger: logger}
}

// Summary counts what Recover did.
type Summary struct {
	Restored  int
	Archived  int
	Unhealthy int
	Failed    int
}

// Recover replays every open job and hands it to the supervisor, awaiting
// resync. Jobs whose log already ends in a terminal event were interrupted
// before archiving and are archived now. A job whose hash chain does not
// verify is still restored, flagged unhealthy.
func (s *Service) Recover(ctx context.Context) (Summary, error) {
	var sum Summary
	recs, err := s.store.ListOpenJobs(ctx)
	if err != nil {
		return sum, fmt.Errorf("recovery: list open jobs: %w", err)
	}

	for _, rec := range recs {
		log := s.logger.With("job_id", rec.ID, "agent_id", rec.AgentID)
		events, err := s.store.LoadEvents(ctx, rec.ID)
		if err != nil {
			return sum, fmt.Errorf("recovery: load events for %s: %w", rec.ID, err)
		}
		j, err := job.Replay(events)
		if err != nil {
			sum.Failed++
			log.Error("recovery: replay failed", "events", len(events), "error", err)
			continue
		}

		unhealthy := false
		if bad := integrity.VerifyChain(events); bad >= 0 {
			unhealthy = true
			sum.Unhealthy++
			log.Error("recovery: event chain does not verify", "seq", events[bad].Seq)
		}

		if j.Status.Terminal() {
			root := integrity.EventRoot(events)
			if err := s.store.ArchiveJob(ctx, rec.ID, s.clock.Now().UTC(), root); err != nil {
				return sum, fmt.Errorf("recovery: archive %s: %w", rec.ID, err)
			}
			sum.Archived++
			log.Info("recovery: archived interrupted terminal job", "status", j.Status)
			continue
		}

		if err := s.sup.Adopt(j, unhealthy); err != nil {
			sum.Failed++
			log.Error("recovery: adopt failed", "error", err)
			continue
		}
		sum.Restored++
		log.Debug("recovery: job restored", "seq", j.Seq, "timers", len(j.ArmedTimers()))
	}

	s.logger.Info("recovery complete",
		"restored", sum.Restored, "archived", sum.Archived, "unhealthy", sum.Unhealthy, "failed", sum.Failed)
	return sum, nil
}

// Resync pushes a full snapshot of jobID to agentID and re-enables its
// telemetry. Concurrent resyncs for the same pair share one mailbox trip.
func (s *Service) Resync(ctx context.Context, jobID uuid.UUID, agentID string) (supervisor.Result, error) {
	key := jobID.String() + "/" + agentID
	// The shared call must not inherit one caller's cancellation.
	ch := s.resyncs.DoChan(key, func() (any, error) {
		rc, err := s.sup.Resync(jobID, agentID)
		if err != nil {
			return nil, err
		}
		waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return rc.Wait(waitCtx), nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return supervisor.Result{}, fmt.Errorf("recovery: resync %s: %w", jobID, r.Err)
		}
		return r.Val.(supervisor.Result), nil
	case <-ctx.Done():
		return supervisor.Result{Outcome: model.OutcomeQueued}, ctx.Err()
	}
}

// ResyncAgent resyncs whichever open job agentID owns. It reports false if
// the agent has none.
func (s *Service) ResyncAgent(ctx context.Context, agentID string) (supervisor.Result, bool, error) {
	jobID, ok := s.sup.JobFor(agentID)
	if !ok {
		return supervisor.Result{}, false, nil
	}
	res, err := s.Resync(ctx, jobID, agentID)
	if errors.Is(err, supervisor.ErrNoSuchJob) {
		return supervisor.Result{}, false, nil
	}
	return res, true, err
}
