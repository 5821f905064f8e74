package sleeper

import (
	"context"
	"jobengine/internal/testutil"
	"sync/atomic"
	"testing"
	"time"
)

func TestSleepTimesOut(t *testing.T) {
	t.Parallel()
	s := New()
	start := time.Now()
	if !s.Sleep(context.Background(), 20*time.Millisecond) {
		t.Fatal("Sleep should report continue after timeout")
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("Sleep returned after %v", elapsed)
	}
}

func TestWakeInterruptsSleep(t *testing.T) {
	t.Parallel()
	s := New()
	done := make(chan bool)
	go func() {
		done <- s.Sleep(context.Background(), time.Hour)
	}()
	time.Sleep(10 * time.Millisecond)
	s.Wake()

	select {
	case cont := <-done:
		if !cont {
			t.Error("woken Sleep should report continue")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wake did not interrupt Sleep")
	}
}

func TestWakeBeforeSleepIsNotLost(t *testing.T) {
	t.Parallel()
	s := New()
	s.Wake()
	s.Wake()
	start := time.Now()
	s.Sleep(context.Background(), time.Hour)
	if time.Since(start) > time.Second {
		t.Fatal("pending wake was lost")
	}
}

func TestSleepStopsOnCancel(t *testing.T) {
	t.Parallel()
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if s.Sleep(ctx, time.Hour) {
		t.Error("Sleep should report stop once the context is cancelled")
	}
	if s.Sleep(ctx, time.Hour) {
		t.Error("Sleep on a done context should return immediately")
	}
}

func TestPollerLifecycle(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	p := NewPoller("test", time.Hour, func(context.Context) {
		runs.Add(1)
	})

	p.Start(context.Background())
	p.Start(context.Background())
	testutil.MustWaitFor(t, func() bool { return runs.Load() == 1 }, testutil.WithTimeout(5*time.Second), testutil.WithInterval(5*time.Millisecond))

	p.Wake()
	testutil.MustWaitFor(t, func() bool { return runs.Load() == 2 }, testutil.WithTimeout(5*time.Second), testutil.WithInterval(5*time.Millisecond))

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not interrupt the hour-long interval")
	}
	p.Stop()
	if runs.Load() != 2 {
		t.Errorf("runs = %d after stop", runs.Load())
	}
}
