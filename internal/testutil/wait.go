// Package testutil polls asynchronous engine state from tests.
package testutil

import (
	"fmt"
	"testing"
	"time"
)

type waitOptions struct {
	timeout  time.Duration
	interval time.Duration
	message  string
}

// WaitOption configures a wait.
type WaitOption func(*waitOptions)

// WithTimeout sets the maximum wait (default 30s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *waitOptions) { o.timeout = d }
}

// WithInterval sets the polling interval (default 100ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *waitOptions) { o.interval = d }
}

// WithMessage describes what is awaited in the failure of a Must wait.
func WithMessage(format string, args ...any) WaitOption {
	return func(o *waitOptions) { o.message = fmt.Sprintf(format, args...) }
}

func options(opts []WaitOption) waitOptions {
	o := waitOptions{timeout: 30 * time.Second, interval: 100 * time.Millisecond, message: "condition"}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Poll calls get until it reports ok, returning the last value and whether
// ok was reached before the timeout. get is always called at least once.
func Poll[T any](tb testing.TB, get func() (T, bool), opts ...WaitOption) (T, bool) {
	tb.Helper()
	o := options(opts)

	deadline := time.NewTimer(o.timeout)
	defer deadline.Stop()
	tick := time.NewTicker(o.interval)
	defer tick.Stop()
	for {
		v, ok := get()
		if ok {
			return v, true
		}
		select {
		case <-deadline.C:
			v, ok = get()
			return v, ok
		case <-tick.C:
		}
	}
}

// MustPoll is Poll failing the test on timeout. The failure shows the last
// value seen.
func MustPoll[T any](tb testing.TB, get func() (T, bool), opts ...WaitOption) T {
	tb.Helper()
	v, ok := Poll(tb, get, opts...)
	if !ok {
		tb.Fatalf("timed out waiting for %s (last: %+v)", options(opts).message, v)
	}
	return v
}

// WaitFor polls condition until it holds, reporting false on timeout.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	_, ok := Poll(tb, func() (struct{}, bool) { return struct{}{}, condition() }, opts...)
	return ok
}

// MustWaitFor polls condition until it holds and fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatalf("timed out waiting for %s", options(opts).message)
	}
}
