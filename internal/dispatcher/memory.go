package dispatcher

import (
	"context"
	"errors"
	"jobengine/pkg/backoff"
	"jobengine/pkg/circuitbreaker"
	"jobengine/pkg/cloudevent"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
)

// maxRetryAfter caps how long a receiver's Retry-After hint may hold a
// worker.
const maxRetryAfter = 30 * time.Second

type outcome int

const (
	delivered outcome = iota
	failed
	dropped
	requeued
	outcomeCount
)

var outcomeNames = [outcomeCount]string{"delivered", "failed", "dropped", "requeued"}

// MetricsRecorder receives delivery outcomes.
type MetricsRecorder interface {
	RecordNotification(ctx context.Context, outcome string, durationSeconds float64)
	RecordNotificationBacklog(ctx context.Context, size int64)
}

type nopMetrics struct{}

func (nopMetrics) RecordNotification(context.Context, string, float64) {}
func (nopMetrics) RecordNotificationBacklog(context.Context, int64)    {}

// Memory buffers events in a bounded channel drained by a worker pool.
// Each receiver host has its own circuit breaker; events for a host whose
// breaker is open wait out the cooldown and go back into the buffer.
type Memory struct {
	queue    chan *Event
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	cfg      MemoryConfig
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued   atomic.Int64
	outcomes [outcomeCount]atomic.Int64
	retries  atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// NewMemory starts a dispatcher. metrics may be nil.
func NewMemory(cfg MemoryConfig, metrics MetricsRecorder) *Memory {
	cfg = cfg.withDefaults()
	if metrics == nil {
		metrics = nopMetrics{}
	}
	d := &Memory{
		queue:    make(chan *Event, cfg.BufferSize),
		sender:   cloudevent.NewSender(cfg.HTTPTimeout),
		cfg:      cfg,
		logger:   slog.With("component", "dispatcher"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}
	d.breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{
		Threshold: cfg.BreakerThreshold,
		Cooldown:  cfg.BreakerCooldown,
		OnStateChange: func(host string, from, to circuitbreaker.State) {
			d.logger.Warn("Receiver breaker changed state", "host", host, "from", from.String(), "to", to.String())
		},
	})

	d.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go d.worker()
	}
	go d.reportBacklog()

	d.logger.Info("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

func (d *Memory) reportBacklog() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordNotificationBacklog(context.Background(), int64(len(d.queue)))
		}
	}
}

// Dispatch buffers event for delivery.
func (d *Memory) Dispatch(event *Event) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if !d.enqueue(event) {
		d.drop(event, "buffer full")
		return ErrBufferFull
	}
	d.queued.Add(1)
	return nil
}

func (d *Memory) enqueue(event *Event) bool {
	select {
	case d.queue <- event:
		return true
	default:
		return false
	}
}

// Stats implements Dispatcher.
func (d *Memory) Stats() Stats {
	return Stats{
		QueueDepth: len(d.queue),
		Queued:     d.queued.Load(),
		Delivered:  d.outcomes[delivered].Load(),
		Failed:     d.outcomes[failed].Load(),
		Dropped:    d.outcomes[dropped].Load(),
		Requeued:   d.outcomes[requeued].Load(),
		Retries:    d.retries.Load(),
		OpenHosts:  d.breakers.Tripped(),
	}
}

// Close stops accepting events and delivers the buffer until ctx is done.
// Events waiting on an open breaker are dropped.
func (d *Memory) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}
	d.logger.Info("Dispatcher shutting down", "buffered", len(d.queue))
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Info("Dispatcher shutdown complete",
			"delivered", d.outcomes[delivered].Load(),
			"failed", d.outcomes[failed].Load(),
			"dropped", d.outcomes[dropped].Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", len(d.queue))
		return ctx.Err()
	}
}

func (d *Memory) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.shutdown:
			d.drain()
			return
		case event := <-d.queue:
			d.deliver(event)
		}
	}
}

func (d *Memory) drain() {
	for {
		select {
		case event := <-d.queue:
			d.deliver(event)
		default:
			return
		}
	}
}

func (d *Memory) record(o outcome, durationSeconds float64) {
	d.outcomes[o].Add(1)
	d.metrics.RecordNotification(context.Background(), outcomeNames[o], durationSeconds)
}

func (d *Memory) drop(event *Event, reason string) {
	d.record(dropped, 0)
	d.logger.Warn("Event dropped", "reason", reason,
		"host", extractHost(event.Destination),
		"type", event.Payload.Type,
		"subject", event.Payload.Subject,
	)
}

func (d *Memory) deliver(event *Event) {
	host := extractHost(event.Destination)
	breaker := d.breakers.Get(host)
	if !breaker.Allow() {
		d.requeue(event)
		return
	}

	timeout := time.Duration(d.cfg.MaxAttempts)*d.cfg.HTTPTimeout + maxRetryAfter
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	err := d.send(ctx, event)
	var answered *cloudevent.DeliveryError
	switch {
	case err == nil:
		breaker.RecordSuccess()
		d.record(delivered, time.Since(start).Seconds())
		return
	case cloudevent.Retryable(err):
		breaker.RecordFailure()
	case errors.As(err, &answered):
		// the receiver is up, it just refused this event
		breaker.RecordSuccess()
	default:
		breaker.Abandon()
	}
	d.record(failed, 0)
	d.logger.Warn("Delivery failed", "host", host, "type", event.Payload.Type, "subject", event.Payload.Subject, "error", err)
}

// send posts event, retrying retryable failures with exponential backoff
// stretched to the receiver's Retry-After hint.
func (d *Memory) send(ctx context.Context, event *Event) error {
	attempt := 0
	opts := append(backoff.RetryOptions(d.cfg.MaxAttempts, &d.cfg.Backoff, cloudevent.Retryable),
		retry.DelayType(d.delay),
		retry.Context(ctx),
	)
	return retry.Do(func() error {
		if attempt > 0 {
			d.retries.Add(1)
		}
		attempt++
		return d.sender.Send(ctx, event.Destination, event.Payload, event.SigningKey)
	}, opts...)
}

func (d *Memory) delay(n uint, err error, _ *retry.Config) time.Duration {
	wait := backoff.Exponential(int(n)+1, &d.cfg.Backoff)
	var de *cloudevent.DeliveryError
	if errors.As(err, &de) && de.RetryAfter > wait {
		wait = min(de.RetryAfter, maxRetryAfter)
	}
	return wait
}

// requeue puts event back into the buffer once its host's breaker cooldown
// has passed.
func (d *Memory) requeue(event *Event) {
	if event.requeues >= d.cfg.MaxRequeues {
		d.drop(event, "max requeues")
		return
	}
	event.requeues++
	d.record(requeued, 0)

	go func() {
		timer := time.NewTimer(d.cfg.BreakerCooldown)
		defer timer.Stop()
		select {
		case <-d.shutdown:
			d.drop(event, "shutdown")
			return
		case <-timer.C:
		}
		if d.closed.Load() {
			d.drop(event, "shutdown")
			return
		}
		if !d.enqueue(event) {
			d.drop(event, "buffer full")
		}
	}()
}

// extractHost keys breakers by receiver host.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

var _ Dispatcher = (*Memory)(nil)
