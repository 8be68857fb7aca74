// Package retrypolicy decides whether a failed transfer attempt should be retried and how long
// to wait before the next one. It holds no state and performs no I/O, so the loops that
// consume it (part uploads, completion) stay free of policy decisions.
package retrypolicy

import (
	"math/rand"
	"time"
)

// FailureKind classifies why an attempt failed.
type FailureKind int

const (
	// Unknown is never produced by Classify; it is the zero value.
	Unknown FailureKind = iota
	// RateLimited is HTTP 429.
	RateLimited
	// ServerError is any HTTP 5xx.
	ServerError
	// NetworkTransient covers connection resets, timeouts and hung attempts.
	NetworkTransient
	// AuthExpired means the signed URL expired; the next attempt must use a fresh URL.
	AuthExpired
	// ClientError is any 4xx other than 429. Never retried.
	ClientError
	// Fatal is anything else, e.g. a checksum mismatch reported by the store. Never retried.
	Fatal
)

func (k FailureKind) String() string {
	switch k {
	case RateLimited:
		return "rate_limited"
	case ServerError:
		return "server_error"
	case NetworkTransient:
		return "network_transient"
	case AuthExpired:
		return "auth_expired"
	case ClientError:
		return "client_error"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Retryable reports whether failures of this kind may be retried at all.
func (k FailureKind) Retryable() bool {
	switch k {
	case RateLimited, ServerError, NetworkTransient, AuthExpired:
		return true
	default:
		return false
	}
}

// Decision is the outcome of Policy.Decide.
type Decision struct {
	ShouldRetry bool
	Delay       time.Duration
	// RefreshURL is set when the next attempt has to obtain a new signed URL before sending.
	RefreshURL bool
}

const (
	// DefaultMaxAttempts bounds the attempts made for one part, the first one included.
	DefaultMaxAttempts = 6
	// DefaultBaseDelay is the delay after the first failed attempt.
	DefaultBaseDelay = time.Second
	// DefaultMaxDelay caps the exponential backoff before jitter is added.
	DefaultMaxDelay = 60 * time.Second
	// DefaultJitterFraction is the upper bound of the random jitter, relative to the delay.
	DefaultJitterFraction = 0.25
)

// Policy holds the retry parameters.
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64

	// Rand returns a number in [0, 1). Nil means math/rand.
	Rand func() float64
}

// DefaultPolicy returns the policy used when the caller does not configure one.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    DefaultMaxAttempts,
		BaseDelay:      DefaultBaseDelay,
		MaxDelay:       DefaultMaxDelay,
		JitterFraction: DefaultJitterFraction,
	}
}

// Decide returns what to do after attempt number `attempt` (1-based) failed with `kind`.
func (p Policy) Decide(attempt int, kind FailureKind) Decision {
	if !kind.Retryable() {
		return Decision{}
	}
	if attempt >= p.maxAttempts() {
		return Decision{}
	}

	// A fresh URL fixes an expired one, waiting does not.
	if kind == AuthExpired {
		return Decision{ShouldRetry: true, RefreshURL: true}
	}

	return Decision{
		ShouldRetry: true,
		Delay:       p.Backoff(attempt),
	}
}

// Backoff returns the delay after attempt number `attempt` (1-based):
// BaseDelay * 2^(attempt-1), capped at MaxDelay, plus up to JitterFraction of it.
// A zero MaxDelay means DefaultMaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	maxDelay := p.maxDelay()
	delay := p.BaseDelay
	if delay > maxDelay {
		delay = maxDelay
	}
	for i := 1; i < attempt && delay < maxDelay; i++ {
		// delay*2 must not overflow.
		if delay > maxDelay/2 {
			delay = maxDelay
			break
		}
		delay *= 2
	}

	if p.JitterFraction > 0 && delay > 0 {
		delay += time.Duration(float64(delay) * p.JitterFraction * p.random())
	}

	return delay
}

func (p Policy) maxDelay() time.Duration {
	if p.MaxDelay <= 0 {
		return DefaultMaxDelay
	}
	return p.MaxDelay
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) random() float64 {
	if p.Rand != nil {
		return p.Rand()
	}
	return rand.Float64()
}
