package ports

import (
	"context"

	"github.com/kirillkom/hansen-persona-rag/internal/core/domain"
)

// AnswerService is the inbound contract consumed by the API layer. The only
// error it returns for a well-formed request is domain.ErrRateLimitExceeded.
type AnswerService interface {
	Answer(ctx context.Context, req domain.OrchestrationRequest) (*domain.OrchestrationResponse, error)
}

// ProviderAdmin exposes descriptor snapshots and manual circuit resets.
type ProviderAdmin interface {
	Descriptors() []domain.ProviderDescriptor
	Reset(name string) bool
}

// CacheAdmin purges cache namespaces.
type CacheAdmin interface {
	PurgeAll(ctx context.Context) error
}
