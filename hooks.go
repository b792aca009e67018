package unso

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashita-ai/unso/internal/model"
	"github.com/ashita-ai/unso/internal/supervisor"
)

const (
	hookQueueSize = 1024
	hookTimeout   = 10 * time.Second
)

// hookPublisher forwards everything to the broker and copies notices to the
// registered hooks.
type hookPublisher struct {
	supervisor.Publisher
	hooks *hookDispatcher
}

func (p hookPublisher) PublishNotice(n model.Notice) {
	p.Publisher.PublishNotice(n)
	p.hooks.enqueue(n)
}

// hookDispatcher delivers notices to hooks from a single goroutine so each
// hook sees them in append order. A full queue drops the notice.
type hookDispatcher struct {
	hooks  []NoticeHook
	queue  chan Notice
	logger *slog.Logger
}

func newHookDispatcher(hooks []NoticeHook, logger *slog.Logger) *hookDispatcher {
	return &hookDispatcher{
		hooks:  hooks,
		queue:  make(chan Notice, hookQueueSize),
		logger: logger,
	}
}

func (d *hookDispatcher) enqueue(n model.Notice) {
	select {
	case d.queue <- toPublicNotice(n):
	default:
		d.logger.Warn("notice hook queue full, dropping notice", "job_id", n.JobID, "seq", n.Seq)
	}
}

func (d *hookDispatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-d.queue:
			d.deliver(ctx, n)
		}
	}
}

func (d *hookDispatcher) deliver(ctx context.Context, n Notice) {
	hookCtx, cancel := context.WithTimeout(ctx, hookTimeout)
	defer cancel()
	for _, h := range d.hooks {
		if err := h.OnNotice(hookCtx, n); err != nil {
			d.logger.Warn("notice hook failed", "error", err, "job_id", n.JobID, "seq", n.Seq)
		}
	}
}

func toPublicNotice(n model.Notice) Notice {
	return Notice{
		JobID:      n.JobID,
		AgentID:    n.AgentID,
		Seq:        n.Seq,
		Kind:       string(n.Kind),
		Summary:    n.Summary,
		OccurredAt: n.OccurredAt,
	}
}
