package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/kirillkom/hansen-persona-rag/internal/core/domain"
)

// LogSink writes one structured line per event.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Handle(ctx context.Context, event domain.Event) {
	attrs := []any{"kind", string(event.Kind), "time", event.Time}
	add := func(key, value string) {
		if value != "" {
			attrs = append(attrs, key, value)
		}
	}
	add("request_id", event.RequestID)
	add("persona", string(event.Persona))
	add("provider", event.Provider)
	add("namespace", event.Namespace)
	add("stage", event.Stage)
	add("status", event.Status)
	add("reason", event.Reason)
	add("error", event.Error)
	if event.Kind == domain.EventCacheLookup {
		attrs = append(attrs, "hit", event.Hit)
	}
	if event.Latency > 0 {
		attrs = append(attrs, "latency_ms", event.Latency.Milliseconds())
	}

	level := slog.LevelInfo
	switch {
	case event.Error != "", event.Kind == domain.EventCircuitChange, event.Kind == domain.EventDegradedMode:
		level = slog.LevelWarn
	case event.Kind == domain.EventCacheLookup, event.Kind == domain.EventProviderCall:
		level = slog.LevelDebug
	}
	s.logger.Log(ctx, level, "rag_event", attrs...)
}

type eventPublisher interface {
	PublishEvent(ctx context.Context, event domain.Event) error
}

// PublishSink forwards events to a broker, bounding each publish.
type PublishSink struct {
	publisher eventPublisher
	timeout   time.Duration
}

func NewPublishSink(publisher eventPublisher, timeout time.Duration) *PublishSink {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &PublishSink{publisher: publisher, timeout: timeout}
}

func (s *PublishSink) Handle(ctx context.Context, event domain.Event) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.publisher.PublishEvent(ctx, event); err != nil {
		slog.Warn("event_publish_failed", "kind", event.Kind, "error", err)
	}
}
