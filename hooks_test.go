package unso

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/unso/internal/model"
	"github.com/ashita-ai/unso/internal/testutil"
)

type recordingHook struct {
	mu   sync.Mutex
	seqs []int64
	err  error
}

func (h *recordingHook) OnNotice(_ context.Context, n Notice) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seqs = append(h.seqs, n.Seq)
	return h.err
}

func (h *recordingHook) seen() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int64(nil), h.seqs...)
}

type countingPublisher struct {
	mu        sync.Mutex
	notices   int
	snapshots int
}

func (p *countingPublisher) PublishSnapshot(string, model.Snapshot) {
	p.mu.Lock()
	p.snapshots++
	p.mu.Unlock()
}

func (p *countingPublisher) PublishNotice(model.Notice) {
	p.mu.Lock()
	p.notices++
	p.mu.Unlock()
}

func TestHookPublisherDeliversInOrder(t *testing.T) {
	failing := &recordingHook{err: errors.New("board offline")}
	ok := &recordingHook{}
	d := newHookDispatcher([]NoticeHook{failing, ok}, testutil.TestLogger())
	inner := &countingPublisher{}
	pub := hookPublisher{Publisher: inner, hooks: d}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.run(ctx)

	jobID := uuid.New()
	for seq := int64(1); seq <= 5; seq++ {
		pub.PublishNotice(model.Notice{JobID: jobID, Seq: seq, Kind: model.EventDeparted})
	}
	pub.PublishSnapshot("truck-1", model.Snapshot{JobID: jobID})

	require.Eventually(t, func() bool { return len(ok.seen()) == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, ok.seen())
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, failing.seen(), "a failing hook still sees every notice")

	inner.mu.Lock()
	defer inner.mu.Unlock()
	assert.Equal(t, 5, inner.notices)
	assert.Equal(t, 1, inner.snapshots)
}

func TestHookDispatcherDropsWhenFull(t *testing.T) {
	d := newHookDispatcher([]NoticeHook{&recordingHook{}}, testutil.TestLogger())
	for seq := range hookQueueSize + 10 {
		d.enqueue(model.Notice{Seq: int64(seq)})
	}
	assert.Len(t, d.queue, hookQueueSize)
}

func TestToPublicNotice(t *testing.T) {
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	n := toPublicNotice(model.Notice{
		JobID: uuid.New(), AgentID: "truck-1", Seq: 3,
		Kind: model.EventSealApplied, Summary: "seal applied", OccurredAt: at,
	})
	assert.Equal(t, "seal-applied", n.Kind)
	assert.Equal(t, "truck-1", n.AgentID)
	assert.Equal(t, at, n.OccurredAt)
}
