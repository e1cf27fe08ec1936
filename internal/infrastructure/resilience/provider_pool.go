package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/kirillkom/hansen-persona-rag/internal/core/domain"
	"github.com/kirillkom/hansen-persona-rag/internal/core/ports"
)

var (
	errMalformedResponse = errors.New("malformed provider response")
	errCallerGone        = errors.New("caller cancelled")
)

// ClassifyingModel is implemented by providers that can tell transient
// transport errors from permanent ones.
type ClassifyingModel interface {
	ClassifyError(err error) ErrorClassification
}

// Provider is the startup configuration of one pool member.
type Provider struct {
	Model         ports.LanguageModel
	Priority      int
	TimeoutBudget time.Duration
}

// ProviderPool exposes a single generate capability over a prioritized list
// of language models. Each member has its own circuit breaker; open
// members are skipped without a network call until their cooldown elapses.
type ProviderPool struct {
	cfg       PoolConfig
	providers []*providerState
	byName    map[string]*providerState
	sink      ports.EventSink
	now       func() time.Time
}

type providerState struct {
	name       string
	model      ports.LanguageModel
	priority   int
	timeout    time.Duration
	classifier ErrorClassifier

	breaker    atomic.Pointer[gobreaker.CircuitBreaker[string]]
	generation atomic.Uint64

	cooldown      atomic.Int64
	openUntil     atomic.Int64
	failureCount  atomic.Uint32
	lastFailure   atomic.Int64
	totalCalls    atomic.Uint64
	totalFailures atomic.Uint64
}

func NewProviderPool(cfg PoolConfig, providers []Provider, sink ports.EventSink) (*ProviderPool, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("provider pool: no providers configured")
	}
	pool := &ProviderPool{
		cfg:    cfg.normalize(),
		byName: make(map[string]*providerState, len(providers)),
		sink:   sink,
		now:    time.Now,
	}

	for _, p := range providers {
		if p.Model == nil {
			return nil, fmt.Errorf("provider pool: nil model")
		}
		name := strings.TrimSpace(p.Model.Name())
		if name == "" {
			return nil, fmt.Errorf("provider pool: provider without name")
		}
		if _, dup := pool.byName[name]; dup {
			return nil, fmt.Errorf("provider pool: duplicate provider %q", name)
		}
		timeout := p.TimeoutBudget
		if timeout <= 0 {
			timeout = pool.cfg.DefaultTimeout
		}
		state := &providerState{
			name:       name,
			model:      p.Model,
			priority:   p.Priority,
			timeout:    timeout,
			classifier: providerClassifier(p.Model),
		}
		state.cooldown.Store(int64(pool.cfg.BaseCooldown))
		state.breaker.Store(pool.newBreaker(state, 0))
		pool.providers = append(pool.providers, state)
		pool.byName[name] = state
	}

	sort.SliceStable(pool.providers, func(i, j int) bool {
		return pool.providers[i].priority < pool.providers[j].priority
	})
	return pool, nil
}

// Generate walks providers in priority order and returns the first valid
// completion. It fails with domain.ErrAllProvidersExhausted when every
// provider is open or failed for this request.
func (pool *ProviderPool) Generate(
	ctx context.Context,
	prompt string,
	params domain.GenerationParams,
) (domain.Generation, error) {
	var errs []error
	for _, p := range pool.providers {
		if err := ctx.Err(); err != nil {
			return domain.Generation{}, err
		}
		if pool.isCoolingDown(p) {
			pool.emitSkip(p, "circuit_open")
			continue
		}

		text, attempts, err := pool.call(ctx, p, prompt, params)
		if err == nil {
			return domain.Generation{Text: text, Provider: p.name, Attempts: attempts}, nil
		}
		if IsCircuitOpen(err) {
			reason := "circuit_open"
			if errors.Is(err, gobreaker.ErrTooManyRequests) {
				reason = "half_open_probe_in_flight"
			}
			pool.emitSkip(p, reason)
			continue
		}
		if ctx.Err() != nil {
			return domain.Generation{}, ctx.Err()
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.name, err))
	}

	cause := errors.Join(errs...)
	if cause == nil {
		cause = errors.New("no provider available")
	}
	return domain.Generation{}, domain.WrapError(domain.ErrAllProvidersExhausted, "generate", cause)
}

func (pool *ProviderPool) call(
	ctx context.Context,
	p *providerState,
	prompt string,
	params domain.GenerationParams,
) (string, int, error) {
	breaker := p.breaker.Load()
	started := time.Now()
	attempts := 0

	text, err := breaker.Execute(func() (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		var out string
		n, err := Retry(callCtx, "generate_"+p.name, pool.cfg.Retry, func(c context.Context) error {
			raw, err := p.model.Generate(c, prompt, params)
			if err != nil {
				return err
			}
			if strings.TrimSpace(raw) == "" {
				return errMalformedResponse
			}
			out = raw
			return nil
		}, p.classifier)
		attempts = n

		switch {
		case err == nil:
			return out, nil
		case ctx.Err() != nil:
			return "", fmt.Errorf("%w: %w", errCallerGone, err)
		case errors.Is(callCtx.Err(), context.DeadlineExceeded):
			return "", fmt.Errorf("timeout budget %s exceeded: %w", p.timeout, err)
		default:
			return "", err
		}
	})
	if IsCircuitOpen(err) {
		return "", 0, err
	}

	pool.record(p, time.Since(started), err)
	return text, attempts, err
}

func (pool *ProviderPool) newBreaker(p *providerState, generation uint64) *gobreaker.CircuitBreaker[string] {
	return gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        p.name,
		MaxRequests: 1,
		Interval:    pool.cfg.FailureWindow,
		Timeout:     pool.cfg.BaseCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= pool.cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, errCallerGone) {
				return true
			}
			return !p.classifier(err).RecordFailure
		},
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			if p.generation.Load() != generation {
				return
			}
			pool.onStateChange(p, from, to)
		},
	})
}

// onStateChange runs under the breaker lock and only touches atomics.
func (pool *ProviderPool) onStateChange(p *providerState, from, to gobreaker.State) {
	now := pool.now()
	switch to {
	case gobreaker.StateOpen:
		cooldown := pool.cfg.BaseCooldown
		if from == gobreaker.StateHalfOpen {
			cooldown = min(2*time.Duration(p.cooldown.Load()), pool.cfg.MaxCooldown)
		}
		p.cooldown.Store(int64(cooldown))
		p.openUntil.Store(now.Add(cooldown).UnixNano())
	case gobreaker.StateClosed:
		p.cooldown.Store(int64(pool.cfg.BaseCooldown))
		p.openUntil.Store(0)
	}

	slog.Warn("circuit_breaker_state_change",
		"provider", p.name,
		"from", from.String(),
		"to", to.String(),
		"cooldown_ms", time.Duration(p.cooldown.Load()).Milliseconds(),
	)
	pool.emit(domain.Event{
		Kind:     domain.EventCircuitChange,
		Time:     now,
		Provider: p.name,
		Reason:   string(mapState(from)),
		Status:   string(mapState(to)),
	})
}

func (pool *ProviderPool) record(p *providerState, latency time.Duration, err error) {
	p.totalCalls.Add(1)
	status := "success"
	errText := ""

	switch {
	case err == nil:
		p.failureCount.Store(0)
	case errors.Is(err, errCallerGone):
		status = "cancelled"
	case p.classifier(err).RecordFailure:
		status = "failure"
		errText = err.Error()
		p.failureCount.Add(1)
		p.totalFailures.Add(1)
		p.lastFailure.Store(pool.now().UnixNano())
	default:
		status = "rejected"
		errText = err.Error()
	}

	pool.emit(domain.Event{
		Kind:     domain.EventProviderCall,
		Time:     pool.now(),
		Provider: p.name,
		Status:   status,
		Latency:  latency,
		Error:    errText,
	})
}

func (pool *ProviderPool) isCoolingDown(p *providerState) bool {
	until := p.openUntil.Load()
	return until > 0 && pool.now().UnixNano() < until
}

// Descriptors returns snapshots in priority order.
func (pool *ProviderPool) Descriptors() []domain.ProviderDescriptor {
	out := make([]domain.ProviderDescriptor, 0, len(pool.providers))
	for _, p := range pool.providers {
		out = append(out, pool.describe(p))
	}
	return out
}

func (pool *ProviderPool) describe(p *providerState) domain.ProviderDescriptor {
	state := mapState(p.breaker.Load().State())
	if pool.isCoolingDown(p) {
		state = domain.CircuitOpen
	}
	d := domain.ProviderDescriptor{
		Name:           p.name,
		Priority:       p.priority,
		TimeoutBudget:  p.timeout,
		CircuitState:   state,
		FailureCount:   p.failureCount.Load(),
		CooldownWindow: time.Duration(p.cooldown.Load()),
		TotalCalls:     p.totalCalls.Load(),
		TotalFailures:  p.totalFailures.Load(),
	}
	if ts := p.lastFailure.Load(); ts > 0 {
		d.LastFailure = time.Unix(0, ts)
	}
	if ts := p.openUntil.Load(); ts > 0 {
		d.OpenUntil = time.Unix(0, ts)
	}
	return d
}

// Reset closes the named circuit and clears its failure state. Calls still in
// flight on the previous breaker no longer affect the descriptor.
func (pool *ProviderPool) Reset(name string) bool {
	p, ok := pool.byName[strings.TrimSpace(name)]
	if !ok {
		return false
	}
	generation := p.generation.Add(1)
	p.breaker.Store(pool.newBreaker(p, generation))
	p.cooldown.Store(int64(pool.cfg.BaseCooldown))
	p.openUntil.Store(0)
	p.failureCount.Store(0)

	slog.Info("provider_circuit_reset", "provider", p.name)
	pool.emit(domain.Event{
		Kind:     domain.EventCircuitChange,
		Time:     pool.now(),
		Provider: p.name,
		Reason:   "manual_reset",
		Status:   string(domain.CircuitClosed),
	})
	return true
}

func (pool *ProviderPool) emitSkip(p *providerState, reason string) {
	pool.emit(domain.Event{
		Kind:     domain.EventProviderSkip,
		Time:     pool.now(),
		Provider: p.name,
		Reason:   reason,
	})
}

func (pool *ProviderPool) emit(event domain.Event) {
	if pool.sink != nil {
		pool.sink.Emit(event)
	}
}

func providerClassifier(model ports.LanguageModel) ErrorClassifier {
	classifying, _ := model.(ClassifyingModel)
	return func(err error) ErrorClassification {
		switch {
		case errors.Is(err, errMalformedResponse), errors.Is(err, context.DeadlineExceeded):
			return ErrorClassification{Retryable: false, RecordFailure: true}
		case classifying != nil:
			return classifying.ClassifyError(err)
		default:
			return defaultClassifier(err)
		}
	}
}

func mapState(state gobreaker.State) domain.CircuitState {
	switch state {
	case gobreaker.StateOpen:
		return domain.CircuitOpen
	case gobreaker.StateHalfOpen:
		return domain.CircuitHalfOpen
	default:
		return domain.CircuitClosed
	}
}
