package events

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/hansen-persona-rag/internal/core/domain"
)

type collectSinkFake struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *collectSinkFake) Handle(_ context.Context, event domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *collectSinkFake) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type publisherFake struct {
	err      error
	calls    int
	deadline bool
}

func (p *publisherFake) PublishEvent(ctx context.Context, _ domain.Event) error {
	p.calls++
	_, p.deadline = ctx.Deadline()
	return p.err
}

func TestDispatcherDeliversToAllSinksAndDrainsOnClose(t *testing.T) {
	first := &collectSinkFake{}
	second := &collectSinkFake{}
	d := NewDispatcher(Options{Buffer: 16}, first, second)

	for i := 0; i < 10; i++ {
		d.Emit(domain.Event{Kind: domain.EventCacheLookup})
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	if first.len() != 10 || second.len() != 10 {
		t.Fatalf("expected 10 events per sink, got %d and %d", first.len(), second.len())
	}
	if first.events[0].Time.IsZero() {
		t.Fatalf("expected emit to stamp event time")
	}
}

func TestDispatcherDropsWhenFullWithoutBlocking(t *testing.T) {
	release := make(chan struct{})
	blocking := SinkFunc(func(context.Context, domain.Event) { <-release })
	var dropped int
	var mu sync.Mutex
	d := NewDispatcher(Options{Buffer: 1, OnDrop: func() {
		mu.Lock()
		dropped++
		mu.Unlock()
	}}, blocking)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			d.Emit(domain.Event{Kind: domain.EventAnswer})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected emit to never block")
	}
	close(release)
	_ = d.Close(context.Background())

	if d.Dropped() == 0 {
		t.Fatalf("expected dropped events on a full buffer")
	}
	mu.Lock()
	defer mu.Unlock()
	if uint64(dropped) != d.Dropped() {
		t.Fatalf("expected OnDrop calls %d to match counter %d", dropped, d.Dropped())
	}
}

func TestDispatcherEmitAfterCloseIsDropped(t *testing.T) {
	sink := &collectSinkFake{}
	d := NewDispatcher(Options{}, sink)
	_ = d.Close(context.Background())

	d.Emit(domain.Event{Kind: domain.EventAnswer})

	if d.Dropped() != 1 {
		t.Fatalf("expected 1 dropped event, got %d", d.Dropped())
	}
	if sink.len() != 0 {
		t.Fatalf("expected no delivery after close")
	}
}

func TestDispatcherSurvivesPanickingSink(t *testing.T) {
	sink := &collectSinkFake{}
	panicking := SinkFunc(func(context.Context, domain.Event) { panic("boom") })
	d := NewDispatcher(Options{}, panicking, sink)

	d.Emit(domain.Event{Kind: domain.EventAnswer})
	d.Emit(domain.Event{Kind: domain.EventAnswer})
	_ = d.Close(context.Background())

	if sink.len() != 2 {
		t.Fatalf("expected 2 events after panicking sink, got %d", sink.len())
	}
}

func TestLogSinkWritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	sink.Handle(context.Background(), domain.Event{
		Kind:     domain.EventCircuitChange,
		Provider: "ollama",
		Reason:   "closed",
		Status:   "open",
	})

	out := buf.String()
	for _, want := range []string{`"msg":"rag_event"`, `"level":"WARN"`, `"provider":"ollama"`, `"status":"open"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in %s", want, out)
		}
	}
}

func TestPublishSinkBoundsCallAndSwallowsErrors(t *testing.T) {
	publisher := &publisherFake{err: errors.New("nats down")}
	sink := NewPublishSink(publisher, 0)

	sink.Handle(context.Background(), domain.Event{Kind: domain.EventAnswer})

	if publisher.calls != 1 {
		t.Fatalf("expected 1 publish, got %d", publisher.calls)
	}
	if !publisher.deadline {
		t.Fatalf("expected publish context to carry a deadline")
	}
}
