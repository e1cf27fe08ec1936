package resilience

import "time"

// RetryPolicy bounds attempts against one backend.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     400 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	out := p
	def := DefaultRetryPolicy()

	if out.MaxAttempts <= 0 {
		out.MaxAttempts = def.MaxAttempts
	}
	if out.InitialBackoff <= 0 {
		out.InitialBackoff = def.InitialBackoff
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = def.MaxBackoff
	}
	if out.MaxBackoff < out.InitialBackoff {
		out.MaxBackoff = out.InitialBackoff
	}
	if out.Multiplier < 1.0 {
		out.Multiplier = def.Multiplier
	}
	return out
}

// Config drives the Executor used for embedding and index calls.
type Config struct {
	Retry RetryPolicy

	BreakerEnabled          bool
	BreakerMinRequests      uint32
	BreakerFailureRatio     float64
	BreakerOpenTimeout      time.Duration
	BreakerHalfOpenMaxCalls uint32
}

func DefaultConfig() Config {
	return Config{
		Retry: DefaultRetryPolicy(),

		BreakerEnabled:          true,
		BreakerMinRequests:      10,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      30 * time.Second,
		BreakerHalfOpenMaxCalls: 2,
	}
}

func (c Config) normalize() Config {
	out := c
	def := DefaultConfig()

	out.Retry = out.Retry.normalize()
	if out.BreakerMinRequests == 0 {
		out.BreakerMinRequests = def.BreakerMinRequests
	}
	if out.BreakerFailureRatio <= 0 || out.BreakerFailureRatio > 1 {
		out.BreakerFailureRatio = def.BreakerFailureRatio
	}
	if out.BreakerOpenTimeout <= 0 {
		out.BreakerOpenTimeout = def.BreakerOpenTimeout
	}
	if out.BreakerHalfOpenMaxCalls == 0 {
		out.BreakerHalfOpenMaxCalls = def.BreakerHalfOpenMaxCalls
	}
	return out
}

// PoolConfig drives the per-provider circuit breakers of ProviderPool.
type PoolConfig struct {
	// FailureThreshold consecutive failures inside FailureWindow open the circuit.
	FailureThreshold uint32
	FailureWindow    time.Duration
	// BaseCooldown is the first open period. A failed half-open probe doubles
	// the current cooldown up to MaxCooldown.
	BaseCooldown time.Duration
	MaxCooldown  time.Duration

	DefaultTimeout time.Duration
	Retry          RetryPolicy
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		FailureThreshold: 3,
		FailureWindow:    60 * time.Second,
		BaseCooldown:     30 * time.Second,
		MaxCooldown:      5 * time.Minute,
		DefaultTimeout:   20 * time.Second,
		Retry: RetryPolicy{
			MaxAttempts:    2,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     400 * time.Millisecond,
			Multiplier:     2.0,
		},
	}
}

func (c PoolConfig) normalize() PoolConfig {
	out := c
	def := DefaultPoolConfig()

	if out.FailureThreshold == 0 {
		out.FailureThreshold = def.FailureThreshold
	}
	if out.FailureWindow <= 0 {
		out.FailureWindow = def.FailureWindow
	}
	if out.BaseCooldown <= 0 {
		out.BaseCooldown = def.BaseCooldown
	}
	if out.MaxCooldown < out.BaseCooldown {
		out.MaxCooldown = out.BaseCooldown
	}
	if out.DefaultTimeout <= 0 {
		out.DefaultTimeout = def.DefaultTimeout
	}
	if out.Retry.MaxAttempts <= 0 {
		out.Retry = def.Retry
	}
	out.Retry = out.Retry.normalize()
	return out
}
