package domain

import "time"

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// ProviderDescriptor is a point-in-time snapshot of one configured
// language-model backend.
type ProviderDescriptor struct {
	Name           string        `json:"name"`
	Priority       int           `json:"priority"`
	TimeoutBudget  time.Duration `json:"timeout_budget"`
	CircuitState   CircuitState  `json:"circuit_state"`
	FailureCount   uint32        `json:"failure_count"`
	LastFailure    time.Time     `json:"last_failure,omitempty"`
	CooldownWindow time.Duration `json:"cooldown_window"`
	OpenUntil      time.Time     `json:"open_until,omitempty"`
	TotalCalls     uint64        `json:"total_calls"`
	TotalFailures  uint64        `json:"total_failures"`
}

// GenerationParams are passed unchanged to every provider.
type GenerationParams struct {
	Temperature float32
	MaxTokens   int
}

// Generation is the provider-independent result of a generate call.
type Generation struct {
	Text     string
	Provider string
	Attempts int
}
