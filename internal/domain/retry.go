package domain

import (
	"fmt"
	"math"
	"time"
)

// ErrorClass tags a failure so a retry policy can be chosen for it.
type ErrorClass string

const (
	ClassNetwork   ErrorClass = "network"
	ClassAuth      ErrorClass = "auth"
	ClassSystem    ErrorClass = "system"
	ClassRateLimit ErrorClass = "rate_limit"
	ClassTemporary ErrorClass = "temporary"
	ClassUnknown   ErrorClass = "unknown"
	// ClassCancelled marks cooperative cancellation. It has no policy.
	ClassCancelled ErrorClass = "cancelled"
)

// PolicyClasses are the classes that carry a retry policy.
var PolicyClasses = []ErrorClass{
	ClassNetwork, ClassAuth, ClassSystem, ClassRateLimit, ClassTemporary, ClassUnknown,
}

// ParseErrorClass converts a config key into an ErrorClass.
func ParseErrorClass(s string) (ErrorClass, error) {
	for _, c := range PolicyClasses {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown error class %q", s)
}

// BackoffKind selects how delays grow between attempts.
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffLinear      BackoffKind = "linear"
)

// RetryPolicy configures retries for one error class.
type RetryPolicy struct {
	MaxAttempts int           `toml:"max_attempts" json:"max_attempts" validate:"gte=1"`
	BaseDelay   time.Duration `toml:"base_delay" json:"base_delay" validate:"gte=0"`
	MaxDelay    time.Duration `toml:"max_delay" json:"max_delay" validate:"gtefield=BaseDelay"`
	Multiplier  float64       `toml:"backoff_multiplier" json:"backoff_multiplier" validate:"gte=1"`
	Kind        BackoffKind   `toml:"backoff_kind" json:"backoff_kind" validate:"oneof=exponential linear"`
	Jitter      bool          `toml:"jitter" json:"jitter"`
}

// Delay returns the un-jittered delay applied after attempt n (1-indexed).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	var d float64
	switch p.Kind {
	case BackoffLinear:
		d = float64(p.BaseDelay) * float64(n)
	default:
		d = float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(n-1))
	}
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.MaxDelay
	}
	return time.Duration(d)
}
