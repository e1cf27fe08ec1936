package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/hansen-persona-rag/internal/core/domain"
	"github.com/kirillkom/hansen-persona-rag/internal/core/ports"
	"github.com/kirillkom/hansen-persona-rag/internal/observability/metrics"
)

const (
	clientIDHeader  = "X-Client-Id"
	maxRequestBytes = 64 << 10
)

type Options struct {
	Service        string
	MaxInFlight    int
	QueueWait      time.Duration
	ThrottleRPS    float64
	ThrottleBurst  int
	RequestTimeout time.Duration
}

type Router struct {
	answers   ports.AnswerService
	providers ports.ProviderAdmin
	cache     ports.CacheAdmin
	metrics   *metrics.HTTPServerMetrics
	opts      Options
}

// NewRouter builds the HTTP surface. providers, cache and httpMetrics may be
// nil; the matching endpoints are then not mounted.
func NewRouter(
	answers ports.AnswerService,
	providers ports.ProviderAdmin,
	cache ports.CacheAdmin,
	httpMetrics *metrics.HTTPServerMetrics,
	opts Options,
) *Router {
	if opts.Service == "" {
		opts.Service = "api"
	}
	if opts.QueueWait <= 0 {
		opts.QueueWait = 100 * time.Millisecond
	}
	return &Router{
		answers:   answers,
		providers: providers,
		cache:     cache,
		metrics:   httpMetrics,
		opts:      opts,
	}
}

func (rt *Router) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("/v1/answer", rt.answer)
	if rt.providers != nil {
		api.HandleFunc("/v1/providers", rt.listProviders)
		api.HandleFunc("/v1/providers/", rt.resetProvider)
	}
	if rt.cache != nil {
		api.HandleFunc("/v1/cache/purge", rt.purgeCache)
	}

	var guarded http.Handler = api
	guarded = backpressureMiddlewareWithReject(guarded, rt.opts.MaxInFlight, rt.opts.QueueWait, rt.rejected("backpressure"))
	guarded = throttleMiddleware(guarded, rt.opts.ThrottleRPS, rt.opts.ThrottleBurst, rt.rejected("throttle"))

	root := http.NewServeMux()
	root.HandleFunc("/healthz", rt.healthz)
	if rt.metrics != nil {
		root.Handle("/metrics", rt.metrics.Handler())
	}
	root.Handle("/v1/", guarded)

	var handler http.Handler = root
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(rt.opts.Service, handler)
	}
	return requestIDMiddleware(accessLogMiddleware(handler))
}

func (rt *Router) rejected(reason string) func() {
	if rt.metrics == nil {
		return nil
	}
	return func() { rt.metrics.RecordRejected(rt.opts.Service, reason) }
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type answerRequest struct {
	Query   string `json:"query"`
	Persona string `json:"persona"`
}

func (rt *Router) answer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req answerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query is required"})
		return
	}
	persona, err := domain.ParsePersona(req.Persona)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	if rt.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rt.opts.RequestTimeout)
		defer cancel()
	}

	resp, err := rt.answers.Answer(ctx, domain.OrchestrationRequest{
		RawQuery:       req.Query,
		PersonaID:      persona,
		ClientIdentity: clientIdentity(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) listProviders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": rt.providers.Descriptors()})
}

func (rt *Router) resetProvider(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/providers/")
	name, action, ok := strings.Cut(rest, "/")
	if !ok || action != "reset" || name == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	if !rt.providers.Reset(name) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown provider " + name})
		return
	}
	slog.Info("provider_circuit_reset", "provider", name, "request_id", requestIDFromContext(r.Context()))
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "provider": name})
}

func (rt *Router) purgeCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if err := rt.cache.PurgeAll(r.Context()); err != nil {
		slog.Error("cache_purge_failed", "error", err, "request_id", requestIDFromContext(r.Context()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cache purge failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "purged"})
}

// clientIdentity keys the per-client limiter. X-Client-Id is trusted only
// because the front-end sets it; a body field would let callers rotate
// identities freely.
func clientIdentity(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(clientIDHeader)); id != "" {
		return id
	}
	return remoteHost(r)
}

func writeError(w http.ResponseWriter, err error) {
	status := mapErrorToHTTPStatus(err)
	var rl *domain.RateLimitError
	if errors.As(err, &rl) {
		w.Header().Set("Retry-After", retryAfterSeconds(rl.RetryAfter))
	}
	message := err.Error()
	if status >= http.StatusInternalServerError {
		message = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
