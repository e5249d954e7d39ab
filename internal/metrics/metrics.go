// Package metrics records poll and notification counters through the
// OpenTelemetry metric API. A nil *Recorder is valid and records nothing.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const scope = "github.com/thebtf/shiftwatch"

// Poll outcomes.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
	OutcomeStale = "stale"
)

// Recorder holds the instruments.
type Recorder struct {
	polls        metric.Int64Counter
	pollDuration metric.Float64Histogram
	newRecords   metric.Int64Counter
	relevant     metric.Int64Counter
	dispatches   metric.Int64Counter
	pushes       metric.Int64Counter
	taskFailures metric.Int64Counter
}

// New creates the instruments on provider. A nil provider uses the global
// one.
func New(provider metric.MeterProvider) (*Recorder, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	m := provider.Meter(scope)

	var (
		r   Recorder
		err error
	)
	if r.polls, err = m.Int64Counter("shiftwatch.polls",
		metric.WithDescription("Completed polls by trigger and outcome")); err != nil {
		return nil, err
	}
	if r.pollDuration, err = m.Float64Histogram("shiftwatch.poll.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Wall time of one poll")); err != nil {
		return nil, err
	}
	if r.newRecords, err = m.Int64Counter("shiftwatch.records.new",
		metric.WithDescription("Records above the watermark")); err != nil {
		return nil, err
	}
	if r.relevant, err = m.Int64Counter("shiftwatch.records.relevant",
		metric.WithDescription("New records matching the user's assignment")); err != nil {
		return nil, err
	}
	if r.dispatches, err = m.Int64Counter("shiftwatch.notify.dispatches",
		metric.WithDescription("Notification batches raised")); err != nil {
		return nil, err
	}
	if r.pushes, err = m.Int64Counter("shiftwatch.watermark.pushes",
		metric.WithDescription("Watermark pushes to the server by outcome")); err != nil {
		return nil, err
	}
	if r.taskFailures, err = m.Int64Counter("shiftwatch.tasks.failures",
		metric.WithDescription("Failed background tasks")); err != nil {
		return nil, err
	}
	return &r, nil
}

// Poll records one finished poll.
func (r *Recorder) Poll(ctx context.Context, trigger, outcome string, elapsed time.Duration, newCount, relevantCount int) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("trigger", trigger),
		attribute.String("outcome", outcome),
	)
	r.polls.Add(ctx, 1, attrs)
	r.pollDuration.Record(ctx, elapsed.Seconds(), attrs)
	if newCount > 0 {
		r.newRecords.Add(ctx, int64(newCount))
	}
	if relevantCount > 0 {
		r.relevant.Add(ctx, int64(relevantCount))
	}
}

func (r *Recorder) Dispatch(ctx context.Context, trigger string) {
	if r == nil {
		return
	}
	r.dispatches.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

func (r *Recorder) WatermarkPush(ctx context.Context, ok bool) {
	if r == nil {
		return
	}
	outcome := OutcomeOK
	if !ok {
		outcome = OutcomeError
	}
	r.pushes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// TaskFailed satisfies tasks.FailureRecorder.
func (r *Recorder) TaskFailed(ctx context.Context, name string) {
	if r == nil {
		return
	}
	r.taskFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("task", name)))
}
