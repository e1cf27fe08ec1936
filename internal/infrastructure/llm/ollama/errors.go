package ollama

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/kirillkom/hansen-persona-rag/internal/core/domain"
	"github.com/kirillkom/hansen-persona-rag/internal/infrastructure/resilience"
)

// StatusError is a non-2xx reply from the Ollama API.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("ollama %s: http %d", e.Op, e.Code)
	if body := strings.TrimSpace(e.Body); body != "" {
		msg += ": " + body
	}
	return msg
}

// transient reports replies worth retrying against the same backend.
func (e *StatusError) transient() bool {
	return e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// modelMissing is returned when the configured model was never pulled; the
// backend stays unusable until an operator intervenes.
func (e *StatusError) modelMissing() bool {
	return e.Code == http.StatusNotFound || strings.Contains(strings.ToLower(e.Body), "not found")
}

func classifyOllamaError(err error) resilience.ErrorClassification {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || resilience.IsCircuitOpen(err) {
		return resilience.ErrorClassification{}
	}

	var status *StatusError
	if errors.As(err, &status) {
		return resilience.ErrorClassification{
			Retryable:     status.transient(),
			RecordFailure: status.transient() || status.modelMissing(),
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return resilience.ErrorClassification{RecordFailure: true}
}

// asTemporary tags failures the caller may recover from by waiting.
func asTemporary(operation string, err error) error {
	switch {
	case err == nil:
		return nil
	case domain.IsKind(err, domain.ErrTemporary):
		return err
	case classifyOllamaError(err).Retryable, resilience.IsCircuitOpen(err):
		return domain.WrapError(domain.ErrTemporary, operation, err)
	default:
		return err
	}
}
