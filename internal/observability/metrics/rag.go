package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/hansen-persona-rag/internal/core/domain"
)

// RAGMetrics turns orchestration events into Prometheus series.
type RAGMetrics struct {
	service string

	answersTotal        *prometheus.CounterVec
	cacheLookupsTotal   *prometheus.CounterVec
	providerCallsTotal  *prometheus.CounterVec
	providerDuration    *prometheus.HistogramVec
	providerSkipsTotal  *prometheus.CounterVec
	circuitChangesTotal *prometheus.CounterVec
	degradedTotal       *prometheus.CounterVec
	scopeRejectedTotal  *prometheus.CounterVec
	rateLimitedTotal    prometheus.Counter
	answerDuration      *prometheus.HistogramVec
	eventsDroppedTotal  prometheus.Counter
}

func NewRAGMetrics(service string, registry *prometheus.Registry) *RAGMetrics {
	m := &RAGMetrics{
		service: service,
		answersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rag", Name: "answers_total",
			Help: "Answers returned by persona and outcome.",
		}, []string{"service", "persona", "outcome", "cached"}),
		answerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "rag", Name: "answer_duration_seconds",
			Help:    "End-to-end orchestration latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40},
		}, []string{"service", "persona"}),
		cacheLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "lookups_total",
			Help: "Cache lookups by namespace and result.",
		}, []string{"service", "namespace", "result"}),
		providerCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "llm", Name: "provider_calls_total",
			Help: "Language model provider calls by status.",
		}, []string{"service", "provider", "status"}),
		providerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "llm", Name: "provider_call_duration_seconds",
			Help:    "Language model provider call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "provider"}),
		providerSkipsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "llm", Name: "provider_skips_total",
			Help: "Providers skipped without a network call.",
		}, []string{"service", "provider", "reason"}),
		circuitChangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "llm", Name: "circuit_transitions_total",
			Help: "Circuit breaker transitions by target state.",
		}, []string{"service", "provider", "to"}),
		degradedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rag", Name: "degraded_total",
			Help: "Degraded-mode triggers by reason.",
		}, []string{"service", "reason"}),
		scopeRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rag", Name: "scope_rejections_total",
			Help: "Scope guard rejections by checkpoint.",
		}, []string{"service", "stage"}),
		rateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rag", Name: "rate_limited_total",
			Help:        "Requests rejected by the per-client rate limiter.",
			ConstLabels: prometheus.Labels{"service": service},
		}),
		eventsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "dropped_total",
			Help:        "Observability events dropped because the buffer was full.",
			ConstLabels: prometheus.Labels{"service": service},
		}),
	}

	registry.MustRegister(
		m.answersTotal,
		m.answerDuration,
		m.cacheLookupsTotal,
		m.providerCallsTotal,
		m.providerDuration,
		m.providerSkipsTotal,
		m.circuitChangesTotal,
		m.degradedTotal,
		m.scopeRejectedTotal,
		m.rateLimitedTotal,
		m.eventsDroppedTotal,
	)
	return m
}

// Handle implements the event sink contract of the dispatcher.
func (m *RAGMetrics) Handle(_ context.Context, event domain.Event) {
	switch event.Kind {
	case domain.EventCacheLookup:
		result := "miss"
		if event.Hit {
			result = "hit"
		}
		m.cacheLookupsTotal.WithLabelValues(m.service, event.Namespace, result).Inc()
	case domain.EventProviderCall:
		m.providerCallsTotal.WithLabelValues(m.service, event.Provider, event.Status).Inc()
		m.providerDuration.WithLabelValues(m.service, event.Provider).Observe(event.Latency.Seconds())
	case domain.EventProviderSkip:
		m.providerSkipsTotal.WithLabelValues(m.service, event.Provider, event.Reason).Inc()
	case domain.EventCircuitChange:
		m.circuitChangesTotal.WithLabelValues(m.service, event.Provider, event.Status).Inc()
	case domain.EventDegradedMode:
		m.degradedTotal.WithLabelValues(m.service, event.Reason).Inc()
	case domain.EventScopeRejection:
		m.scopeRejectedTotal.WithLabelValues(m.service, event.Stage).Inc()
	case domain.EventRateLimited:
		m.rateLimitedTotal.Inc()
	case domain.EventAnswer:
		m.answersTotal.WithLabelValues(m.service, string(event.Persona), event.Status, boolLabel(event.Hit)).Inc()
		m.answerDuration.WithLabelValues(m.service, string(event.Persona)).Observe(event.Latency.Seconds())
	}
}

func (m *RAGMetrics) EventDropped() {
	m.eventsDroppedTotal.Inc()
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
