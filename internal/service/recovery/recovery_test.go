package recovery_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/unso/internal/clock"
	"github.com/ashita-ai/unso/internal/job"
	"github.com/ashita-ai/unso/internal/model"
	"github.com/ashita-ai/unso/internal/service/recovery"
	"github.com/ashita-ai/unso/internal/storage/sqlite"
	"github.com/ashita-ai/unso/internal/storage/storetest"
	"github.com/ashita-ai/unso/internal/supervisor"
	"github.com/ashita-ai/unso/internal/testutil"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newSupervisor(t *testing.T, store *sqlite.Store, clk clock.Clock) *supervisor.Supervisor {
	t.Helper()
	sup := supervisor.New(supervisor.Config{
		Store:  store,
		Clock:  clk,
		Logger: testutil.TestLogger(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Close(ctx)
	})
	return sup
}

func ctx5(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRestartRearmsTimersAndAwaitsResync(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	clk := clock.NewFake(t0)

	// First life: accept a refrigerated job and start an excursion.
	first := newSupervisor(t, store, clk)
	terms := job.DefaultTerms()
	terms.Refrigerated = true
	id := uuid.New()
	rc, err := first.Accept(ctx5(t), id, "hauler-1", terms)
	require.NoError(t, err)
	require.Equal(t, model.OutcomeAccepted, rc.Wait(ctx5(t)).Outcome)
	rc, err = first.Report(ctx5(t), model.Candidate{JobID: id, AgentID: "hauler-1", Kind: model.EventExcursionStart})
	require.NoError(t, err)
	require.Equal(t, model.OutcomeAccepted, rc.Wait(ctx5(t)).Outcome)
	require.NoError(t, first.Close(ctx5(t)))

	// Down for 20s: the excursion deadline passes while nobody is watching.
	clk.Advance(20 * time.Second)

	second := newSupervisor(t, store, clk)
	svc := recovery.New(store, second, clk, testutil.TestLogger())
	sum, err := svc.Recover(ctx5(t))
	require.NoError(t, err)
	assert.Equal(t, recovery.Summary{Restored: 1}, sum)

	snap, err := second.Snapshot(ctx5(t), id)
	require.NoError(t, err)
	assert.True(t, snap.AwaitingResync)
	assert.Equal(t, model.ComplianceSignificant, snap.Compliance)

	rc, err = second.Report(ctx5(t), model.Candidate{JobID: id, AgentID: "hauler-1", Kind: model.EventExcursionEnd})
	require.NoError(t, err)
	assert.Equal(t, model.RejectAwaitingResync, rc.Wait(ctx5(t)).Reason)

	res, ok, err := svc.ResyncAgent(ctx5(t), "hauler-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.OutcomeAccepted, res.Outcome)
	require.NotNil(t, res.Snapshot)
	assert.False(t, res.Snapshot.AwaitingResync)

	var delivery *model.TimerView
	for i := range res.Snapshot.Timers {
		if res.Snapshot.Timers[i].Kind == model.TimerDeliveryWindow {
			delivery = &res.Snapshot.Timers[i]
		}
	}
	require.NotNil(t, delivery)
	assert.Equal(t, job.DefaultDeliveryWindow-20*time.Second, delivery.Remaining)

	rc, err = second.Report(ctx5(t), model.Candidate{JobID: id, AgentID: "hauler-1", Kind: model.EventExcursionEnd})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeAccepted, rc.Wait(ctx5(t)).Outcome)

	events, err := store.LoadEvents(context.Background(), id)
	require.NoError(t, err)
	escalated := events[len(events)-2]
	assert.Equal(t, model.EventExcursionEscalated, escalated.Kind)
	assert.True(t, escalated.OccurredAt.Equal(t0.Add(15*time.Second)))
}

func TestRecoverArchivesInterruptedTerminalJobs(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	clk := clock.NewFake(t0)
	ctx := context.Background()

	j, events := storetest.AcceptedJob(t, "hauler-2", t0)
	require.NoError(t, store.AppendEvents(ctx, j.Record(t0), events))
	drafts, err := j.Outcome(model.EventStolen, "", t0.Add(time.Minute))
	require.NoError(t, err)
	more := storetest.Next(t, j, drafts...)
	require.NoError(t, store.AppendEvents(ctx, j.Record(t0), more))

	svc := recovery.New(store, newSupervisor(t, store, clk), clk, testutil.TestLogger())
	sum, err := svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, recovery.Summary{Archived: 1}, sum)

	rec, err := store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.NotNil(t, rec.ArchivedAt)
}

func TestRecoverFlagsBrokenChain(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	clk := clock.NewFake(t0)
	ctx := context.Background()

	j, events := storetest.AcceptedJob(t, "hauler-3", t0)
	events[0].Hash = "v1:0000"
	j.LastHash = events[0].Hash
	require.NoError(t, store.AppendEvents(ctx, j.Record(t0), events))

	sup := newSupervisor(t, store, clk)
	sum, err := recovery.New(store, sup, clk, testutil.TestLogger()).Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, recovery.Summary{Restored: 1, Unhealthy: 1}, sum)

	unhealthy := sup.Open(true)
	require.Len(t, unhealthy, 1)
	assert.Equal(t, j.ID, unhealthy[0].JobID)
}

func TestConcurrentResyncsShareOneCall(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	clk := clock.NewFake(t0)
	sup := newSupervisor(t, store, clk)
	svc := recovery.New(store, sup, clk, testutil.TestLogger())

	id := uuid.New()
	rc, err := sup.Accept(ctx5(t), id, "hauler-4", job.DefaultTerms())
	require.NoError(t, err)
	require.Equal(t, model.OutcomeAccepted, rc.Wait(ctx5(t)).Outcome)
	sup.DisconnectAgent("hauler-4")

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Resync(ctx5(t), id, "hauler-4")
			assert.NoError(t, err)
			assert.Equal(t, model.OutcomeAccepted, res.Outcome)
		}()
	}
	wg.Wait()

	_, ok, err := svc.ResyncAgent(ctx5(t), "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}
