// Package sleeper provides an interruptible sleep and a poller built on it.
//
// Every periodic loop in the engine waits through a Sleeper so that shutdown
// (or new work arriving) can cut a long interval short.
package sleeper

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sleeper is an interruptible sleep. Wakes are coalesced: a Wake with nobody
// sleeping makes the next Sleep return immediately.
type Sleeper struct {
	signal chan struct{}
}

// New creates a Sleeper.
func New() *Sleeper {
	return &Sleeper{signal: make(chan struct{}, 1)}
}

// Sleep blocks until d elapses, Wake is called or ctx is done.
// It reports whether the caller should keep going, which is false once ctx is done.
func (s *Sleeper) Sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-s.signal:
		return true
	case <-timer.C:
		return true
	}
}

// Wake interrupts the current (or next) Sleep.
func (s *Sleeper) Wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Poller runs fn immediately and then every interval until stopped.
// It never starts itself; the owner calls Start and Stop.
type Poller struct {
	name     string
	interval time.Duration
	fn       func(context.Context)
	sleeper  *Sleeper
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a stopped poller.
func NewPoller(name string, interval time.Duration, fn func(context.Context)) *Poller {
	return &Poller{
		name:     name,
		interval: interval,
		fn:       fn,
		sleeper:  New(),
		logger:   slog.With("component", "poller", "poller", name),
	}
}

// Start launches the polling goroutine. Calling Start on a running poller is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.run(ctx)
	p.logger.Debug("Poller started", "interval", p.interval)
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		p.fn(ctx)
		if !p.sleeper.Sleep(ctx, p.interval) {
			return
		}
	}
}

// Wake runs the next pass now instead of waiting out the interval.
func (p *Poller) Wake() {
	p.sleeper.Wake()
}

// Stop cancels the poller and waits for the current pass to return.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
	p.logger.Debug("Poller stopped")
}
