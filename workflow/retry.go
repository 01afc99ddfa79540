package workflow

import (
	"math"
	"time"
)

const defaultBackoffMultiplier = 2.0

// RetryPolicy bounds how many times an instance may be executed and how long to
// wait between attempts.
type RetryPolicy struct {
	// MaxAttempts is the total number of executions allowed, including the first.
	// Values <= 0 are treated as 1.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`

	// Multiplier grows the delay for each subsequent retry. 1.0 is a constant backoff.
	// Values <= 0 default to 2.0 when InitialBackoff is set.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// MaxBackoff caps the delay. Zero means no cap.
	MaxBackoff time.Duration `yaml:"max_backoff" json:"max_backoff"`
}

// Attempts returns the normalized maximum number of attempts.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// CanRetry reports whether another attempt is allowed after `attempts` executions.
func (p RetryPolicy) CanRetry(attempts int) bool {
	return attempts < p.Attempts()
}

// Backoff returns the delay before the retry that follows the given failed attempt
// (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.InitialBackoff <= 0 || attempt < 1 {
		return 0
	}

	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = defaultBackoffMultiplier
	}

	delay := float64(p.InitialBackoff) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxBackoff > 0 && delay > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	if delay > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
