package httpadapter

import (
	"net/http"

	"github.com/kirillkom/hansen-persona-rag/internal/core/domain"
)

// statusByKind is checked in order; the first matching kind wins.
var statusByKind = []struct {
	kind   error
	status int
}{
	{domain.ErrRateLimitExceeded, http.StatusTooManyRequests},
	{domain.ErrInvalidInput, http.StatusBadRequest},
	{domain.ErrChunkNotFound, http.StatusNotFound},
	{domain.ErrTemporary, http.StatusServiceUnavailable},
}

func mapErrorToHTTPStatus(err error) int {
	for _, m := range statusByKind {
		if domain.IsKind(err, m.kind) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}
