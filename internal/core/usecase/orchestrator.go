package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kirillkom/hansen-persona-rag/internal/core/domain"
	"github.com/kirillkom/hansen-persona-rag/internal/core/ports"
)

const (
	defaultMaxQueryRunes = 2000
	tracerName           = "github.com/kirillkom/hansen-persona-rag/internal/core/usecase"
)

type OrchestratorConfig struct {
	TopK          int
	MaxQueryRunes int
}

type Orchestrator struct {
	limiter     ports.RateLimiter
	guard       *ScopeGuard
	retriever   *Retriever
	synthesizer *Synthesizer
	cache       ports.AnswerCache
	personas    Personas
	sink        ports.EventSink
	tracer      trace.Tracer
	cfg         OrchestratorConfig
	now         func() time.Time
}

// NewOrchestrator composes the pipeline. limiter, cache and sink may be nil.
func NewOrchestrator(
	cfg OrchestratorConfig,
	limiter ports.RateLimiter,
	guard *ScopeGuard,
	retriever *Retriever,
	synthesizer *Synthesizer,
	cache ports.AnswerCache,
	personas Personas,
	sink ports.EventSink,
) *Orchestrator {
	if cfg.MaxQueryRunes <= 0 {
		cfg.MaxQueryRunes = defaultMaxQueryRunes
	}
	if cfg.TopK <= 0 {
		cfg.TopK = retriever.TopK()
	}
	if personas == nil {
		personas = DefaultPersonas()
	}
	return &Orchestrator{
		limiter:     limiter,
		guard:       guard,
		retriever:   retriever,
		synthesizer: synthesizer,
		cache:       cache,
		personas:    personas,
		sink:        sink,
		tracer:      otel.Tracer(tracerName),
		cfg:         cfg,
		now:         time.Now,
	}
}

// pipeline carries one request through the stages.
type pipeline struct {
	req        domain.OrchestrationRequest
	requestID  string
	profile    domain.PersonaProfile
	normalized string
	outcome    domain.Outcome
	answer     string
	cited      []string
	fromCache  bool
}

// Answer runs the request pipeline. For a valid persona it only fails with
// domain.ErrRateLimitExceeded; every other failure is absorbed into a
// degraded, non-empty response.
func (o *Orchestrator) Answer(ctx context.Context, req domain.OrchestrationRequest) (resp *domain.OrchestrationResponse, err error) {
	start := o.now()
	profile, ok := o.personas.Profile(req.PersonaID)
	if !ok {
		return nil, domain.WrapError(domain.ErrInvalidInput, "answer", fmt.Errorf("unknown persona %q", req.PersonaID))
	}
	if utf8.RuneCountInString(req.RawQuery) > o.cfg.MaxQueryRunes {
		return nil, domain.WrapError(domain.ErrInvalidInput, "answer", fmt.Errorf("query longer than %d characters", o.cfg.MaxQueryRunes))
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.answer", trace.WithAttributes(
		attribute.String("persona", string(req.PersonaID)),
	))
	defer span.End()

	p := &pipeline{
		req:        req,
		requestID:  domain.RequestIDFromContext(ctx),
		profile:    profile,
		normalized: NormalizeQuery(req.RawQuery),
		outcome:    domain.Success(),
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("orchestrator_panic", "request_id", p.requestID, "panic", r)
			span.SetStatus(codes.Error, "panic")
			p.answer = profile.DeclineMessage
			p.cited = nil
			p.fromCache = false
			p.outcome = p.outcome.Degrade(domain.ReasonInternal)
			resp, err = o.respond(p, start, span), nil
		}
	}()

	if err := o.checkRateLimit(ctx, p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rate limited")
		return nil, err
	}

	o.run(ctx, p)
	return o.respond(p, start, span), nil
}

func (o *Orchestrator) run(ctx context.Context, p *pipeline) {
	// Scope pre-check happens before any network call.
	if decision := o.guard.CheckQuery(p.req.RawQuery); !decision.InScope {
		o.emit(p, domain.Event{Kind: domain.EventScopeRejection, Stage: "pre", Reason: decision.Reason})
		p.outcome = domain.Rejected(domain.ReasonScopeRejected)
		p.answer = p.profile.OutOfScopeMessage
		return
	}

	result, ok := o.retrieve(ctx, p)
	if !ok {
		return
	}

	if len(result.Chunks) == 0 {
		p.outcome = p.outcome.Degrade(domain.ReasonNoKnowledge)
		p.answer = p.profile.DeclineMessage
		return
	}

	if o.cache != nil {
		if cached, hit := o.cache.LookupAnswer(ctx, p.normalized, p.profile.ID, result.ChunkIDs()); hit {
			p.answer = cached.AnswerText
			p.cited = cached.CitedSources
			p.fromCache = true
			return
		}
	}

	o.synthesize(ctx, p, result)
	if ctx.Err() != nil || !cacheable(p.outcome) || o.cache == nil {
		return
	}
	o.cache.StoreAnswer(context.WithoutCancel(ctx), p.normalized, p.profile.ID, result.ChunkIDs(), domain.CachedAnswer{
		AnswerText:   p.answer,
		PersonaID:    p.profile.ID,
		CitedSources: p.cited,
		Reasons:      p.outcome.Reasons,
	})
}

func (o *Orchestrator) checkRateLimit(ctx context.Context, p *pipeline) error {
	if o.limiter == nil {
		return nil
	}
	identity := strings.TrimSpace(p.req.ClientIdentity)
	if identity == "" {
		identity = "anonymous"
	}
	allowed, retryAfter, err := o.limiter.CheckAndIncrement(ctx, identity)
	if err != nil {
		slog.Warn("rate_limiter_unavailable", "request_id", p.requestID, "error", err)
		return nil
	}
	if allowed {
		return nil
	}
	o.emit(p, domain.Event{Kind: domain.EventRateLimited, Status: "rejected"})
	return &domain.RateLimitError{ClientIdentity: identity, RetryAfter: retryAfter}
}

// retrieve returns false when the request was cancelled and the pipeline
// must stop.
func (o *Orchestrator) retrieve(ctx context.Context, p *pipeline) (domain.RetrievalResult, bool) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.retrieve")
	defer span.End()

	result, err := o.retriever.Retrieve(ctx, p.req.RawQuery, o.cfg.TopK)
	if err != nil {
		if ctx.Err() != nil {
			o.cancelled(p)
			return domain.RetrievalResult{}, false
		}
		span.RecordError(err)
		reason := domain.ReasonIndexUnavailable
		if domain.IsKind(err, domain.ErrEmbeddingUnavailable) {
			reason = domain.ReasonEmbeddingUnavailable
		}
		o.degrade(p, reason, err)
		result = o.retriever.RetrieveLexical(ctx, p.req.RawQuery, o.cfg.TopK)
	}
	if result.IndexFallback {
		o.degrade(p, domain.ReasonIndexUnavailable, nil)
	}
	if result.BelowThreshold {
		o.degrade(p, domain.ReasonBelowThreshold, domain.ErrRetrievalDegraded)
	}
	span.SetAttributes(
		attribute.String("strategy", string(result.Strategy)),
		attribute.Int("chunks", len(result.Chunks)),
		attribute.Float64("top_score", result.TopScore()),
		attribute.Bool("below_threshold", result.BelowThreshold),
	)
	return result, true
}

func (o *Orchestrator) synthesize(ctx context.Context, p *pipeline, result domain.RetrievalResult) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.synthesize")
	defer span.End()

	synthesis, err := o.synthesizer.Answer(ctx, p.profile, p.req.RawQuery, result)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		o.cancelled(p)
		return
	case domain.IsKind(err, domain.ErrAllProvidersExhausted):
		span.RecordError(err)
		o.degrade(p, domain.ReasonProvidersExhausted, err)
		synthesis = Fallback(p.profile, result)
	case domain.IsKind(err, domain.ErrSynthesisValidationFailed):
		span.RecordError(err)
		o.degrade(p, domain.ReasonSynthesisValidation, err)
	default:
		span.RecordError(err)
		o.degrade(p, domain.ReasonInternal, err)
		synthesis = Synthesis{Text: p.profile.DeclineMessage}
	}
	span.SetAttributes(attribute.String("provider", synthesis.Provider), attribute.Bool("regenerated", synthesis.Regenerated))

	if synthesis.Generated {
		if decision := o.guard.CheckAnswer(synthesis.Text); !decision.InScope {
			o.emit(p, domain.Event{Kind: domain.EventScopeRejection, Stage: "post", Reason: decision.Reason})
			o.degrade(p, domain.ReasonPostScopeRejected, nil)
			synthesis = Synthesis{Text: p.profile.DeclineMessage}
		} else if result.BelowThreshold && p.profile.LowConfidenceNote != "" {
			synthesis.Text = p.profile.LowConfidenceNote + " " + synthesis.Text
		}
	}
	p.answer = synthesis.Text
	p.cited = synthesis.CitedSources
}

func (o *Orchestrator) cancelled(p *pipeline) {
	p.outcome = p.outcome.Degrade(domain.ReasonCancelled)
	p.answer = p.profile.DeclineMessage
	p.cited = nil
}

func (o *Orchestrator) degrade(p *pipeline, reason domain.OutcomeReason, cause error) {
	if p.outcome.Has(reason) {
		return
	}
	p.outcome = p.outcome.Degrade(reason)
	event := domain.Event{Kind: domain.EventDegradedMode, Reason: string(reason)}
	if cause != nil {
		event.Error = cause.Error()
	}
	o.emit(p, event)
}

func (o *Orchestrator) respond(p *pipeline, start time.Time, span trace.Span) *domain.OrchestrationResponse {
	if strings.TrimSpace(p.answer) == "" {
		p.answer = p.profile.DeclineMessage
		if p.outcome.Kind == domain.OutcomeSuccess {
			p.outcome = p.outcome.Degrade(domain.ReasonInternal)
		}
	}
	cited := p.cited
	if cited == nil {
		cited = []string{}
	}
	latency := o.now().Sub(start)

	resp := &domain.OrchestrationResponse{
		AnswerText:      p.answer,
		PersonaID:       p.profile.ID,
		CitedSources:    cited,
		ServedFromCache: p.fromCache,
		DegradedMode:    p.outcome.IsDegraded(),
		LatencyMs:       latency.Milliseconds(),
		Outcome:         p.outcome.Kind,
		Reasons:         p.outcome.Reasons,
	}

	span.SetAttributes(
		attribute.String("outcome", string(resp.Outcome)),
		attribute.Bool("served_from_cache", resp.ServedFromCache),
		attribute.Bool("degraded_mode", resp.DegradedMode),
	)
	o.emit(p, domain.Event{
		Kind:    domain.EventAnswer,
		Status:  string(resp.Outcome),
		Hit:     resp.ServedFromCache,
		Latency: latency,
		Reason:  joinReasons(resp.Reasons),
	})
	return resp
}

func (o *Orchestrator) emit(p *pipeline, event domain.Event) {
	if o.sink == nil {
		return
	}
	event.Time = o.now().UTC()
	event.RequestID = p.requestID
	event.Persona = p.profile.ID
	o.sink.Emit(event)
}

// cacheable excludes answers that are not a stable function of the query
// and evidence set.
func cacheable(outcome domain.Outcome) bool {
	for _, r := range outcome.Reasons {
		switch r {
		case domain.ReasonProvidersExhausted,
			domain.ReasonSynthesisValidation,
			domain.ReasonPostScopeRejected,
			domain.ReasonInternal,
			domain.ReasonCancelled:
			return false
		}
	}
	return outcome.Kind != domain.OutcomeRejected
}

func joinReasons(reasons []domain.OutcomeReason) string {
	parts := make([]string, 0, len(reasons))
	for _, r := range reasons {
		parts = append(parts, string(r))
	}
	return strings.Join(parts, ",")
}

// IsRateLimited reports the only error kind Answer surfaces for valid input.
func IsRateLimited(err error) (time.Duration, bool) {
	var rl *domain.RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, domain.IsKind(err, domain.ErrRateLimitExceeded)
}
