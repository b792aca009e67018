package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/unso/internal/clock"
	"github.com/ashita-ai/unso/internal/model"
	"github.com/ashita-ai/unso/internal/testutil"
)

type memWriter struct {
	mu      sync.Mutex
	batches [][]model.Rejection
	fail    bool
	wrote   chan struct{}
}

func newMemWriter() *memWriter { return &memWriter{wrote: make(chan struct{}, 16)} }

func (w *memWriter) InsertRejections(_ context.Context, batch []model.Rejection) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return 0, errors.New("database unavailable")
	}
	w.batches = append(w.batches, batch)
	w.wrote <- struct{}{}
	return int64(len(batch)), nil
}

func (w *memWriter) total() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.batches {
		n += len(b)
	}
	return n
}

func rejection() model.Rejection {
	return model.Rejection{
		ID:     uuid.New(),
		JobID:  uuid.New(),
		Kind:   model.EventDeparted,
		Reason: model.RejectInvalidTransition,
	}
}

func TestFlushOnSize(t *testing.T) {
	w := newMemWriter()
	c := clock.NewFake(time.Now())
	b := NewBuffer(w, c, testutil.TestLogger(), 3, time.Hour)
	b.Start(context.Background())
	defer b.Drain(context.Background())

	for range 3 {
		b.Record(rejection())
	}
	select {
	case <-w.wrote:
	case <-time.After(5 * time.Second):
		t.Fatal("size-triggered flush did not happen")
	}
	assert.Equal(t, 3, w.total())
	assert.Equal(t, 0, b.Len())
}

func TestFlushOnInterval(t *testing.T) {
	w := newMemWriter()
	c := clock.NewFake(time.Now())
	b := NewBuffer(w, c, testutil.TestLogger(), 100, time.Second)
	b.Start(context.Background())
	defer b.Drain(context.Background())

	b.Record(rejection())
	c.WaitForTimers(1)
	c.Advance(time.Second)
	select {
	case <-w.wrote:
	case <-time.After(5 * time.Second):
		t.Fatal("interval flush did not happen")
	}
	assert.Equal(t, 1, w.total())
}

func TestFailedFlushRequeues(t *testing.T) {
	w := newMemWriter()
	w.fail = true
	c := clock.NewFake(time.Now())
	b := NewBuffer(w, c, testutil.TestLogger(), 100, time.Second)

	b.Record(rejection())
	b.Record(rejection())
	b.flush(context.Background())
	assert.Equal(t, 2, b.Len())

	w.mu.Lock()
	w.fail = false
	w.mu.Unlock()
	b.flush(context.Background())
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, int64(2), b.Flushed())
}

func TestDrainFlushesRemainder(t *testing.T) {
	w := newMemWriter()
	c := clock.NewFake(time.Now())
	b := NewBuffer(w, c, testutil.TestLogger(), 100, time.Hour)
	b.Start(context.Background())

	b.Record(rejection())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.Drain(ctx)
	require.Equal(t, 1, w.total())
}
