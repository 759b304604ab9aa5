package scheduler

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics receives scheduler counters. Implementations must be safe for
// concurrent use.
type Metrics interface {
	Submitted(ctx context.Context, scheduler string)
	Executed(ctx context.Context, scheduler string, took time.Duration)
	Failed(ctx context.Context, scheduler string)
	Cancelled(ctx context.Context, scheduler string, n int)
	// Lag is execution start minus deadline.
	Lag(ctx context.Context, scheduler string, lag time.Duration)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (NoopMetrics) Submitted(context.Context, string)               {}
func (NoopMetrics) Executed(context.Context, string, time.Duration) {}
func (NoopMetrics) Failed(context.Context, string)                  {}
func (NoopMetrics) Cancelled(context.Context, string, int)          {}
func (NoopMetrics) Lag(context.Context, string, time.Duration)      {}

type otelMetrics struct {
	submitted metric.Int64Counter
	executed  metric.Int64Counter
	failed    metric.Int64Counter
	cancelled metric.Int64Counter
	duration  metric.Float64Histogram
	lag       metric.Float64Histogram
}

// NewMetrics registers the guildbot.scheduler.* instruments on meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	var (
		m   otelMetrics
		err error
	)
	if m.submitted, err = meter.Int64Counter("guildbot.scheduler.submitted",
		metric.WithDescription("Tasks accepted into a scheduler queue.")); err != nil {
		return nil, err
	}
	if m.executed, err = meter.Int64Counter("guildbot.scheduler.executed",
		metric.WithDescription("Tasks that completed successfully.")); err != nil {
		return nil, err
	}
	if m.failed, err = meter.Int64Counter("guildbot.scheduler.failed",
		metric.WithDescription("Tasks whose last attempt failed.")); err != nil {
		return nil, err
	}
	if m.cancelled, err = meter.Int64Counter("guildbot.scheduler.cancelled",
		metric.WithDescription("Pending tasks removed by cancellation.")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("guildbot.scheduler.duration_ms",
		metric.WithUnit("ms"), metric.WithDescription("Execution time including retries.")); err != nil {
		return nil, err
	}
	if m.lag, err = meter.Float64Histogram("guildbot.scheduler.lag_ms",
		metric.WithUnit("ms"), metric.WithDescription("Execution start minus deadline.")); err != nil {
		return nil, err
	}
	return &m, nil
}

func attrs(scheduler string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("scheduler", scheduler))
}

func (m *otelMetrics) Submitted(ctx context.Context, s string) { m.submitted.Add(ctx, 1, attrs(s)) }
func (m *otelMetrics) Failed(ctx context.Context, s string)    { m.failed.Add(ctx, 1, attrs(s)) }

func (m *otelMetrics) Executed(ctx context.Context, s string, took time.Duration) {
	m.executed.Add(ctx, 1, attrs(s))
	m.duration.Record(ctx, float64(took)/float64(time.Millisecond), attrs(s))
}

func (m *otelMetrics) Cancelled(ctx context.Context, s string, n int) {
	m.cancelled.Add(ctx, int64(n), attrs(s))
}

func (m *otelMetrics) Lag(ctx context.Context, s string, lag time.Duration) {
	m.lag.Record(ctx, float64(max(lag, 0))/float64(time.Millisecond), attrs(s))
}
