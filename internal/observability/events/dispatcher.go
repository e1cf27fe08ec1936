// Package events fans observability events out to sinks without ever
// blocking the request path.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kirillkom/hansen-persona-rag/internal/core/domain"
)

const defaultBuffer = 1024

// Sink consumes events on the dispatcher goroutine.
type Sink interface {
	Handle(ctx context.Context, event domain.Event)
}

type SinkFunc func(ctx context.Context, event domain.Event)

func (f SinkFunc) Handle(ctx context.Context, event domain.Event) { f(ctx, event) }

type Dispatcher struct {
	sinks  []Sink
	queue  chan domain.Event
	done   chan struct{}
	onDrop func()
	now    func() time.Time

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

type Options struct {
	Buffer int
	// OnDrop is called once per event discarded on a full buffer.
	OnDrop func()
}

// NewDispatcher starts the delivery goroutine. Close must be called to
// flush buffered events.
func NewDispatcher(options Options, sinks ...Sink) *Dispatcher {
	buffer := options.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	d := &Dispatcher{
		sinks:  sinks,
		queue:  make(chan domain.Event, buffer),
		done:   make(chan struct{}),
		onDrop: options.OnDrop,
		now:    time.Now,
	}
	go d.run()
	return d
}

// Emit never blocks. Events emitted on a full buffer or after Close are
// dropped and counted.
func (d *Dispatcher) Emit(event domain.Event) {
	if event.Time.IsZero() {
		event.Time = d.now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop()
		return
	}
	select {
	case d.queue <- event:
	default:
		d.drop()
	}
}

func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Close stops intake and waits for the queue to drain or ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) drop() {
	d.dropped.Add(1)
	if d.onDrop != nil {
		d.onDrop()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	ctx := context.Background()
	for event := range d.queue {
		for _, sink := range d.sinks {
			deliver(ctx, sink, event)
		}
	}
}

func deliver(ctx context.Context, sink Sink, event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event_sink_panic", "kind", event.Kind, "panic", r)
		}
	}()
	sink.Handle(ctx, event)
}
