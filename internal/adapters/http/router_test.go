package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/hansen-persona-rag/internal/core/domain"
	"github.com/kirillkom/hansen-persona-rag/internal/observability/metrics"
)

type answerServiceFake struct {
	err  error
	last domain.OrchestrationRequest
	ctx  context.Context
}

func (f *answerServiceFake) Answer(ctx context.Context, req domain.OrchestrationRequest) (*domain.OrchestrationResponse, error) {
	f.last = req
	f.ctx = ctx
	if f.err != nil {
		return nil, f.err
	}
	return &domain.OrchestrationResponse{
		AnswerText:   "resposta [C1]",
		PersonaID:    req.PersonaID,
		CitedSources: []string{"c1"},
		Outcome:      domain.OutcomeSuccess,
	}, nil
}

type providerAdminFake struct {
	reset []string
}

func (f *providerAdminFake) Descriptors() []domain.ProviderDescriptor {
	return []domain.ProviderDescriptor{{Name: "ollama", Priority: 0, CircuitState: domain.CircuitOpen}}
}

func (f *providerAdminFake) Reset(name string) bool {
	if name != "ollama" {
		return false
	}
	f.reset = append(f.reset, name)
	return true
}

type cacheAdminFake struct {
	err    error
	purges int
}

func (f *cacheAdminFake) PurgeAll(context.Context) error {
	f.purges++
	return f.err
}

func newTestHandler(answers *answerServiceFake, opts Options) http.Handler {
	return NewRouter(answers, &providerAdminFake{}, &cacheAdminFake{}, nil, opts).Handler()
}

func postAnswer(handler http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/answer", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func TestAnswerReturnsOrchestrationResponse(t *testing.T) {
	answers := &answerServiceFake{}
	handler := newTestHandler(answers, Options{})

	req := httptest.NewRequest(http.MethodPost, "/v1/answer", strings.NewReader(`{"query":"dose?","persona":"Technical"}`))
	req.Header.Set(clientIDHeader, "clinic-7")
	req.Header.Set(requestIDHeader, "req-42")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", res.Code, res.Body.String())
	}
	var resp domain.OrchestrationResponse
	if err := json.Unmarshal(res.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.AnswerText == "" || resp.PersonaID != domain.PersonaTechnical {
		t.Fatalf("unexpected response %+v", resp)
	}
	if answers.last.ClientIdentity != "clinic-7" {
		t.Fatalf("expected client id from header, got %q", answers.last.ClientIdentity)
	}
	if got := domain.RequestIDFromContext(answers.ctx); got != "req-42" {
		t.Fatalf("expected request id propagated, got %q", got)
	}
	if res.Header().Get(requestIDHeader) != "req-42" {
		t.Fatalf("expected request id echoed")
	}
}

func TestAnswerIgnoresBodyClientID(t *testing.T) {
	answers := &answerServiceFake{}
	handler := newTestHandler(answers, Options{})

	for _, id := range []string{"patient-1", "patient-2"} {
		postAnswer(handler, `{"query":"dose?","persona":"empathetic","client_id":"`+id+`"}`)
		if answers.last.ClientIdentity == id {
			t.Fatalf("expected body client id %q to be ignored", id)
		}
	}
	if answers.last.ClientIdentity != "192.0.2.1" {
		t.Fatalf("expected peer address identity, got %q", answers.last.ClientIdentity)
	}
}

func TestAnswerValidation(t *testing.T) {
	handler := newTestHandler(&answerServiceFake{}, Options{})

	cases := map[string]string{
		"invalid json":    `{`,
		"missing query":   `{"query":"  ","persona":"technical"}`,
		"unknown persona": `{"query":"dose?","persona":"pirate"}`,
	}
	for name, body := range cases {
		if res := postAnswer(handler, body); res.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, res.Code)
		}
	}

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/answer", nil))
	if res.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", res.Code)
	}
}

func TestAnswerMapsRateLimitTo429(t *testing.T) {
	answers := &answerServiceFake{err: &domain.RateLimitError{ClientIdentity: "c", RetryAfter: 1500 * time.Millisecond}}
	handler := newTestHandler(answers, Options{})

	res := postAnswer(handler, `{"query":"dose?","persona":"technical"}`)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", res.Code)
	}
	if res.Header().Get("Retry-After") != "2" {
		t.Fatalf("expected Retry-After 2, got %q", res.Header().Get("Retry-After"))
	}
}

func TestAnswerHidesInternalErrors(t *testing.T) {
	answers := &answerServiceFake{err: errors.New("secret dsn in message")}
	handler := newTestHandler(answers, Options{})

	res := postAnswer(handler, `{"query":"dose?","persona":"technical"}`)
	if res.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", res.Code)
	}
	if strings.Contains(res.Body.String(), "secret") {
		t.Fatalf("expected internal error detail hidden, got %s", res.Body.String())
	}
}

func TestAnswerAppliesRequestTimeout(t *testing.T) {
	answers := &answerServiceFake{}
	handler := newTestHandler(answers, Options{RequestTimeout: time.Second})

	postAnswer(handler, `{"query":"dose?","persona":"technical"}`)
	if _, ok := answers.ctx.Deadline(); !ok {
		t.Fatalf("expected request deadline on orchestrator context")
	}
}

func TestProviderEndpoints(t *testing.T) {
	providers := &providerAdminFake{}
	handler := NewRouter(&answerServiceFake{}, providers, nil, nil, Options{}).Handler()

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/providers", nil))
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), `"circuit_state":"open"`) {
		t.Fatalf("unexpected providers response %d %s", res.Code, res.Body.String())
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/v1/providers/ollama/reset", nil))
	if res.Code != http.StatusOK || len(providers.reset) != 1 {
		t.Fatalf("expected reset to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/v1/providers/unknown/reset", nil))
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown provider, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/v1/cache/purge", nil))
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected cache purge unmounted without cache admin, got %d", res.Code)
	}
}

func TestCachePurgeEndpoint(t *testing.T) {
	cache := &cacheAdminFake{}
	handler := NewRouter(&answerServiceFake{}, nil, cache, nil, Options{}).Handler()

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/v1/cache/purge", nil))
	if res.Code != http.StatusOK || cache.purges != 1 {
		t.Fatalf("expected purge, got %d purges=%d", res.Code, cache.purges)
	}

	cache.err = errors.New("redis down")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/v1/cache/purge", nil))
	if res.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on purge failure, got %d", res.Code)
	}
}

func TestMetricsEndpointMounted(t *testing.T) {
	registry := prometheus.NewRegistry()
	httpMetrics := metrics.NewHTTPServerMetrics("api", registry)
	handler := NewRouter(&answerServiceFake{}, nil, nil, httpMetrics, Options{Service: "api"}).Handler()

	postAnswer(handler, `{"query":"dose?","persona":"technical"}`)

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), `path="/v1/answer"`) {
		t.Fatalf("expected answer request in metrics, got %d %s", res.Code, res.Body.String())
	}
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.WrapError(domain.ErrInvalidInput, "op", errors.New("x")), http.StatusBadRequest},
		{domain.ErrRateLimitExceeded, http.StatusTooManyRequests},
		{domain.WrapError(domain.ErrTemporary, "op", errors.New("x")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := mapErrorToHTTPStatus(tc.err); got != tc.want {
			t.Fatalf("expected %d for %v, got %d", tc.want, tc.err, got)
		}
	}
}
