// Package classify maps every adapter
// failure onto exactly one ErrorKind, and computes the retry backoff for
// the kinds that are retryable. It deliberately knows nothing about HTTP,
// rate limiters, or circuit breakers — those live in pkg/ratelimit and
// pkg/breaker. pkg/worker is the caller that consults Classify,
// Retryable and Backoff when an adapter call fails.
package classify

import (
	"math/rand"
	"time"
)

// ErrorKind is the taxonomy of adapter failures: RATE_LIMIT, NETWORK, API,
// PARSE, VALIDATION, PERMANENT, CIRCUIT_OPEN, CACHE, INTERNAL.
type ErrorKind string

const (
	RateLimit   ErrorKind = "RATE_LIMIT"
	Network     ErrorKind = "NETWORK"
	API         ErrorKind = "API"
	Parse       ErrorKind = "PARSE"
	Validation  ErrorKind = "VALIDATION"
	Permanent   ErrorKind = "PERMANENT"
	CircuitOpen ErrorKind = "CIRCUIT_OPEN"
	Cache       ErrorKind = "CACHE"
	Internal    ErrorKind = "INTERNAL"
)

// DefaultMaxRetries is the project-wide default of 5, overridable per task
// via AdapterConfig.MaxRetries.
const DefaultMaxRetries = 5

// AdapterError is the typed, ErrorKind-tagged failure value
// adapters return instead of raising an ordinary error.
// Adapters that already know their failure kind (PARSE, VALIDATION) set
// Kind directly; adapters reporting raw transport/HTTP failures leave Kind
// empty and let Classify derive it from StatusCode/Timeout/Cause.
type AdapterError struct {
	Kind       ErrorKind
	StatusCode int // 0 if not an HTTP response (e.g. a dial timeout)
	Timeout    bool
	RetryAfter time.Duration // from a 429's Retry-After header, if present
	Cause      error
}

func (e *AdapterError) Error() string {
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return string(Classify(e))
}

func (e *AdapterError) Unwrap() error { return e.Cause }

// permanentStatuses are 4xx codes classified PERMANENT rather than API.
var permanentStatuses = map[int]bool{400: true, 401: true, 403: true, 404: true}

// Classify derives the ErrorKind for an AdapterError. If the adapter
// already set Kind explicitly (PARSE, VALIDATION),
// that's returned unchanged — Classify never overrides an adapter's own
// determination, only fills in the gap for transport/HTTP failures.
func Classify(e *AdapterError) ErrorKind {
	if e.Kind != "" {
		return e.Kind
	}
	switch {
	case e.StatusCode == 429:
		return RateLimit
	case e.Timeout || (e.StatusCode == 0 && e.Cause != nil):
		return Network
	case e.StatusCode >= 500:
		return API
	case permanentStatuses[e.StatusCode]:
		return Permanent
	case e.StatusCode >= 400:
		return API
	default:
		return Internal
	}
}

// Retryable reports whether a worker should retry a call that failed with
// kind. CIRCUIT_OPEN is retryable in the sense that the
// worker waits for HALF_OPEN rather than failing the task, but it does
// not consume a retry attempt — see pkg/worker, which checks for
// CircuitOpen before charging an attempt.
func Retryable(kind ErrorKind) bool {
	switch kind {
	case RateLimit, Network, API, CircuitOpen:
		return true
	default:
		return false
	}
}

// backoff families.
const (
	rateLimitBase = 2 * time.Second
	rateLimitCap  = 60 * time.Second
	networkUnit   = 1 * time.Second
	networkCap    = 30 * time.Second
	apiBase       = 4 * time.Second
	apiCap        = 120 * time.Second
	circuitOpenUnit = 5 * time.Second
	circuitOpenCap  = 60 * time.Second
)

// jitterFrac is the uniform +/-25% jitter applied to every
// retryable delay, to avoid synchronized reattempts across workers.
const jitterFrac = 0.25

// randFloat is overridable in tests for deterministic jitter assertions.
var randFloat = rand.Float64

// Backoff computes the delay before attempt number attempt (1-based) for
// the given ErrorKind, honoring an adapter-supplied Retry-After hint for
// RATE_LIMIT. The result always includes +/-25% jitter.
func Backoff(kind ErrorKind, attempt int, retryAfter time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var base time.Duration
	switch kind {
	case RateLimit:
		base = expCap(rateLimitBase, attempt, rateLimitCap)
		if retryAfter > base {
			base = retryAfter
		}
	case Network:
		base = networkUnit * time.Duration(attempt)
		if base > networkCap {
			base = networkCap
		}
	case API:
		base = expCap(apiBase, attempt, apiCap)
	case CircuitOpen:
		base = circuitOpenUnit * time.Duration(attempt)
		if base > circuitOpenCap {
			base = circuitOpenCap
		}
	default:
		return 0
	}

	return jitter(base)
}

// expCap returns base * 2^(attempt-1), capped at ceiling.
func expCap(base time.Duration, attempt int, ceiling time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		d = ceiling
	}
	return d
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFrac
	offset := (randFloat()*2 - 1) * delta // uniform in [-delta, +delta]
	result := time.Duration(float64(d) + offset)
	if result < 0 {
		result = 0
	}
	return result
}
