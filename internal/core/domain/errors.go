package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrTemporary     = errors.New("temporary failure")
	ErrChunkNotFound = errors.New("knowledge chunk not found")

	// Orchestration taxonomy. Only ErrRateLimitExceeded leaves the
	// orchestrator; the rest are absorbed into degraded responses.
	ErrScopeRejected             = errors.New("query outside declared scope")
	ErrEmbeddingUnavailable      = errors.New("embedding backend unavailable")
	ErrRetrievalDegraded         = errors.New("retrieval below similarity floor")
	ErrAllProvidersExhausted     = errors.New("all language model providers exhausted")
	ErrSynthesisValidationFailed = errors.New("synthesis validation failed")
	ErrRateLimitExceeded         = errors.New("rate limit exceeded")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// RateLimitError carries the backoff hint for a rejected client.
type RateLimitError struct {
	ClientIdentity string
	RetryAfter     time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q, retry after %s", e.ClientIdentity, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimitExceeded }
