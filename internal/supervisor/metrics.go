package supervisor

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/unso/internal/model"
	"github.com/ashita-ai/unso/internal/telemetry"
)

type metrics struct {
	active atomic.Int64

	events     metric.Int64Counter
	rejections metric.Int64Counter
	retries    metric.Int64Counter
	fires      metric.Int64Counter
	disarms    metric.Int64Counter
}

func newMetrics(s *Supervisor) *metrics {
	m := &metrics{}
	meter := telemetry.Meter("unso/supervisor")

	m.events, _ = meter.Int64Counter("unso.supervisor.events_appended",
		metric.WithDescription("Events durably appended to job logs"))
	m.rejections, _ = meter.Int64Counter("unso.supervisor.rejections",
		metric.WithDescription("Reports ignored, by reason"))
	m.retries, _ = meter.Int64Counter("unso.supervisor.append_retries",
		metric.WithDescription("Failed event appends that were retried"))
	m.fires, _ = meter.Int64Counter("unso.supervisor.timer_expiries",
		metric.WithDescription("Timer expiries that produced an authority event, by kind"))
	m.disarms, _ = meter.Int64Counter("unso.supervisor.jobs_finalized",
		metric.WithDescription("Jobs whose timers were disarmed on reaching a terminal status"))

	_, _ = meter.Int64ObservableGauge("unso.supervisor.active_jobs",
		metric.WithDescription("Jobs with a running actor"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.active.Load())
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("unso.supervisor.unhealthy_jobs",
		metric.WithDescription("Open jobs flagged unhealthy"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(len(s.Open(true))))
			return nil
		}),
	)
	return m
}

func (m *metrics) appended(ctx context.Context, n int) { m.events.Add(ctx, int64(n)) }

func (m *metrics) rejected(ctx context.Context, reason model.RejectReason) {
	m.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(reason))))
}

func (m *metrics) retried(ctx context.Context) { m.retries.Add(ctx, 1) }

func (m *metrics) timerFired(ctx context.Context, kind model.TimerKind) {
	m.fires.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

func (m *metrics) disarmed(ctx context.Context) { m.disarms.Add(ctx, 1) }
