package jobs

import (
	"math"
	"math/rand"
	"time"
)

// RetryConfig is the per-job-type backoff configuration. Immutable once
// registered; usually loaded from the service config file.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay" json:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier"`
	JitterFactor      float64       `yaml:"jitter_factor" json:"jitter_factor"`
}

// DefaultRetryConfig applies to job types without an explicit policy.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:       3,
	BaseDelay:         time.Second,
	MaxDelay:          5 * time.Minute,
	BackoffMultiplier: 2.0,
	JitterFactor:      0.2,
}

// Policy computes exponential-backoff-with-jitter delays. The random source
// is injectable so tests can pin the jitter draw.
type Policy struct {
	rand func() float64
}

// NewPolicy returns a policy backed by the global math/rand source.
func NewPolicy() *Policy {
	return &Policy{rand: rand.Float64}
}

// NewPolicyWithRand returns a policy with a caller-supplied draw in [0, 1).
func NewPolicyWithRand(r func() float64) *Policy {
	return &Policy{rand: r}
}

// Delay returns the backoff before retry number attempt (1-based: the first
// retry after the first failure uses attempt=1). The exponential curve is
// capped at MaxDelay, then scaled by a uniform draw from
// [1-JitterFactor, 1+JitterFactor] to break up synchronized retry storms.
func (p *Policy) Delay(attempt int, cfg RetryConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := cfg.BaseDelay
	if base <= 0 {
		base = DefaultRetryConfig.BaseDelay
	}
	mult := cfg.BackoffMultiplier
	if mult <= 0 {
		mult = DefaultRetryConfig.BackoffMultiplier
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultRetryConfig.MaxDelay
	}

	exp := float64(base) * math.Pow(mult, float64(attempt-1))
	if exp > float64(maxDelay) {
		exp = float64(maxDelay)
	}

	jitter := 1.0
	if cfg.JitterFactor > 0 {
		jitter = 1 - cfg.JitterFactor + 2*cfg.JitterFactor*p.rand()
	}

	return time.Duration(exp * jitter)
}
