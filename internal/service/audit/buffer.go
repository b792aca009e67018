// Package audit batches rejected-report records and writes them to the
// rejection trail off the supervisor's hot path.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/unso/internal/clock"
	"github.com/ashita-ai/unso/internal/model"
	"github.com/ashita-ai/unso/internal/telemetry"
)

// maxBufferCapacity bounds buffered rejections. A flood of rejected reports
// from a misbehaving agent must not grow memory without limit.
const maxBufferCapacity = 50_000

// Writer persists a batch of rejection records.
type Writer interface {
	InsertRejections(ctx context.Context, batch []model.Rejection) (int64, error)
}

// Buffer accumulates rejections in memory and flushes them when either the
// batch size or the flush interval is reached.
type Buffer struct {
	writer        Writer
	clock         clock.Clock
	logger        *slog.Logger
	maxSize       int
	flushInterval time.Duration

	mu      sync.Mutex
	records []model.Rejection

	dropped atomic.Int64
	flushed atomic.Int64

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context
}

// NewBuffer creates a rejection buffer.
func NewBuffer(writer Writer, c clock.Clock, logger *slog.Logger, maxSize int, flushInterval time.Duration) *Buffer {
	return &Buffer{
		writer:        writer,
		clock:         c,
		logger:        logger,
		maxSize:       maxSize,
		flushInterval: flushInterval,
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Start begins the background flush loop and registers metrics. Call Drain
// to stop.
func (b *Buffer) Start(ctx context.Context) {
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Record queues one rejection. It never blocks; when the buffer is at
// capacity the record is counted as dropped.
func (b *Buffer) Record(r model.Rejection) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.records) >= maxBufferCapacity {
		b.dropped.Add(1)
		return
	}
	b.records = append(b.records, r)

	if len(b.records) >= b.maxSize {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := b.clock.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if b.drainCtx != nil {
				b.flush(b.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				b.flush(fallbackCtx)
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

func (b *Buffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.records) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.records
	b.records = nil
	b.mu.Unlock()

	count, err := b.writer.InsertRejections(ctx, batch)
	if err != nil {
		b.logger.Error("audit: flush failed", "error", err, "batch_size", len(batch))
		b.mu.Lock()
		if len(b.records)+len(batch) <= maxBufferCapacity {
			b.records = append(batch, b.records...)
		} else {
			b.dropped.Add(int64(len(batch)))
			b.logger.Error("audit: dropping rejections, buffer at capacity after flush failure", "dropped", len(batch))
		}
		b.mu.Unlock()
		return
	}
	b.flushed.Add(count)
	b.logger.Debug("audit: batch flushed", "batch_size", count)
}

// Drain stops the flush loop after a final flush bounded by ctx.
func (b *Buffer) Drain(ctx context.Context) {
	b.drainCtx = ctx
	if b.cancelLoop != nil {
		b.cancelLoop()
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("audit: drain timed out waiting for flush loop")
	}
}

func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("unso/audit")

	_, _ = meter.Int64ObservableGauge("unso.audit.depth",
		metric.WithDescription("Rejection records waiting to be written"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("unso.audit.dropped_total",
		metric.WithDescription("Rejection records dropped because the buffer was full"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.Dropped())
			return nil
		}),
	)
}

// Len returns the number of buffered records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Dropped returns the total number of records lost to capacity limits.
func (b *Buffer) Dropped() int64 { return b.dropped.Load() }

// Flushed returns the total number of records written.
func (b *Buffer) Flushed() int64 { return b.flushed.Load() }
