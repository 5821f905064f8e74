// Package dispatcher delivers state change notifications to HTTP receivers
// in the background.
package dispatcher

import (
	"context"
	"errors"
	"jobengine/pkg/cloudevent"
)

var (
	// ErrBufferFull is returned when an event is dropped because the
	// buffer is full.
	ErrBufferFull = errors.New("dispatcher buffer full, event dropped")
	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("dispatcher closed")
)

// Dispatcher hands events to a background deliverer.
type Dispatcher interface {
	// Dispatch queues event without blocking.
	Dispatch(event *Event) error
	Stats() Stats
	// Close delivers what is buffered until ctx is done.
	Close(ctx context.Context) error
}

// Event is a CloudEvent addressed to a receiver.
type Event struct {
	Payload     *cloudevent.Event
	Destination string // receiver URL
	SigningKey  string // HMAC key; empty sends unsigned

	requeues int
}

// Stats are cumulative dispatcher counters.
type Stats struct {
	QueueDepth int
	Queued     int64
	Delivered  int64
	Failed     int64 // final failures after retries
	Dropped    int64 // buffer full, max requeues or closed while waiting
	Requeued   int64 // waits on an open breaker
	Retries    int64
	// OpenHosts lists receiver hosts whose breaker is not closed.
	OpenHosts []string
}
