package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the engine metrics:
// - HTTP: request latency, traffic and errors
// - Jobs: submissions, outcomes per state and error kind, duration, resubmissions
// - Queue: pending jobs and admission deferrals
// - Invocations: state changes
// - Notifications: delivery outcomes, latency and backlog
//
// All Record methods are safe to call on a nil *Metrics.
type Metrics struct {
	meter metric.Meter

	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	JobDuration      metric.Float64Histogram
	JobsSubmitted    metric.Int64Counter
	JobsFinished     metric.Int64Counter
	JobsResubmitted  metric.Int64Counter
	JobsActive       metric.Int64UpDownCounter
	QueuePending     metric.Int64Gauge
	QueueDeferred    metric.Int64Counter
	InvocationsTotal metric.Int64Counter

	NotificationDuration metric.Float64Histogram
	NotificationsTotal   metric.Int64Counter
	NotificationBacklog  metric.Int64Gauge
}

var (
	latencyBuckets      = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	jobBuckets          = []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600, 14400}
	notificationBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
)

// instruments creates instruments on one meter and collects every
// creation error.
type instruments struct {
	meter metric.Meter
	errs  *multierror.Error
}

func (b *instruments) check(name string, err error) {
	if err != nil {
		b.errs = multierror.Append(b.errs, fmt.Errorf("%s: %w", name, err))
	}
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.check(name, err)
	return c
}

func (b *instruments) upDown(name, desc string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.check(name, err)
	return c
}

func (b *instruments) gauge(name, desc string) metric.Int64Gauge {
	g, err := b.meter.Int64Gauge(name, metric.WithDescription(desc))
	b.check(name, err)
	return g
}

func (b *instruments) seconds(name, desc string, buckets []float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(buckets...),
	)
	b.check(name, err)
	return h
}

// NewMetrics registers the engine instruments with a Prometheus exporter
// and returns the handler serving them.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	b := &instruments{meter: provider.Meter("jobengine")}
	m := &Metrics{
		meter: b.meter,

		HTTPRequestDuration: b.seconds("http_request_duration_seconds", "HTTP request latency", latencyBuckets),
		HTTPRequestsTotal:   b.counter("http_requests_total", "HTTP requests served"),
		HTTPErrorsTotal:     b.counter("http_errors_total", "HTTP requests answered with 4xx or 5xx"),

		JobDuration:      b.seconds("job_duration_seconds", "Time from backend submission to a terminal state", jobBuckets),
		JobsSubmitted:    b.counter("jobs_submitted_total", "Jobs handed to a runner"),
		JobsFinished:     b.counter("jobs_finished_total", "Jobs reaching a terminal state"),
		JobsResubmitted:  b.counter("jobs_resubmitted_total", "Failed jobs given a new attempt"),
		JobsActive:       b.upDown("jobs_active", "Jobs currently held by a runner"),
		QueuePending:     b.gauge("queue_pending_jobs", "Jobs waiting for admission"),
		QueueDeferred:    b.counter("queue_deferred_total", "Admission attempts deferred to a later pass"),
		InvocationsTotal: b.counter("invocations_total", "Workflow invocations reaching scheduled, failed or cancelled"),

		NotificationDuration: b.seconds("notification_delivery_seconds", "Time to deliver a state change notification, retries included", notificationBuckets),
		NotificationsTotal:   b.counter("notifications_total", "State change notifications by outcome"),
		NotificationBacklog:  b.gauge("notification_backlog", "Notifications buffered for delivery"),
	}
	if err := b.errs.ErrorOrNil(); err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobSubmitted records a job handed to a runner.
func (m *Metrics) RecordJobSubmitted(ctx context.Context, destination string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(destinationAttr(destination))
	m.JobsSubmitted.Add(ctx, 1, attrs)
	m.JobsActive.Add(ctx, 1, attrs)
}

// RecordJobFinished records a job leaving its runner in a terminal state.
// A zero duration means the job never ran and is not observed.
func (m *Metrics) RecordJobFinished(ctx context.Context, destination, state, errorKind string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.JobsFinished.Add(ctx, 1, metric.WithAttributes(destinationAttr(destination), stateAttr(state), kindAttr(errorKind)))
	if durationSeconds > 0 {
		m.JobDuration.Record(ctx, durationSeconds, metric.WithAttributes(destinationAttr(destination), stateAttr(state)))
	}
}

// RecordJobReleased records a runner slot being given back.
func (m *Metrics) RecordJobReleased(ctx context.Context, destination string) {
	if m == nil {
		return
	}
	m.JobsActive.Add(ctx, -1, metric.WithAttributes(destinationAttr(destination)))
}

// RecordJobResubmitted records a new attempt of a failed job.
func (m *Metrics) RecordJobResubmitted(ctx context.Context, errorKind string) {
	if m == nil {
		return
	}
	m.JobsResubmitted.Add(ctx, 1, metric.WithAttributes(kindAttr(errorKind)))
}

// RecordQueuePending records the number of jobs waiting for admission.
func (m *Metrics) RecordQueuePending(ctx context.Context, pending int64) {
	if m == nil {
		return
	}
	m.QueuePending.Record(ctx, pending)
}

// RecordQueueDeferred records a job left queued for a later pass.
func (m *Metrics) RecordQueueDeferred(ctx context.Context, destination, reason string) {
	if m == nil {
		return
	}
	m.QueueDeferred.Add(ctx, 1, metric.WithAttributes(destinationAttr(destination), reasonAttr(reason)))
}

// RecordInvocation records an invocation state change.
func (m *Metrics) RecordInvocation(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.InvocationsTotal.Add(ctx, 1, metric.WithAttributes(stateAttr(state)))
}

// RecordNotification records one notification outcome. Only delivered
// notifications observe their duration.
func (m *Metrics) RecordNotification(ctx context.Context, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.NotificationsTotal.Add(ctx, 1, metric.WithAttributes(outcomeAttr(outcome)))
	if outcome == "delivered" {
		m.NotificationDuration.Record(ctx, durationSeconds)
	}
}

// RecordNotificationBacklog records the number of buffered notifications.
func (m *Metrics) RecordNotificationBacklog(ctx context.Context, size int64) {
	if m == nil {
		return
	}
	m.NotificationBacklog.Record(ctx, size)
}
