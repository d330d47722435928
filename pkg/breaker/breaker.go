// Package breaker implements a per-source circuit breaker with
// CLOSED/OPEN/HALF_OPEN states, wrapping github.com/sony/gobreaker so the
// state machine itself isn't hand-rolled — only the source-keyed registry
// and the translation into classify.ErrorKind are ours.
package breaker

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kraklabs/sysrev/pkg/classify"
)

// Config parameterizes one source's breaker.
type Config struct {
	FailureThreshold uint32        // consecutive failures before tripping; 0 -> DefaultFailureThreshold
	Cooldown         time.Duration // OPEN -> HALF_OPEN delay; 0 -> DefaultCooldown
}

const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 60 * time.Second
)

// Breaker wraps one source's gobreaker state machine. The zero value is not
// usable; construct with New.
type Breaker struct {
	source string
	cb     *gobreaker.CircuitBreaker
}

func New(source string, cfg Config) *Breaker {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = DefaultFailureThreshold
	}
	cooldown := cfg.Cooldown
	if cooldown == 0 {
		cooldown = DefaultCooldown
	}

	settings := gobreaker.Settings{
		Name:        source,
		MaxRequests: 1, // exactly one probe in HALF_OPEN
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	}
	return &Breaker{source: source, cb: gobreaker.NewCircuitBreaker(settings)}
}

// State reports the breaker's current state.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

func (b *Breaker) State() State {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return Open
	case gobreaker.StateHalfOpen:
		return HalfOpen
	default:
		return Closed
	}
}

// Call runs fn through the breaker. If the breaker is OPEN (or HALF_OPEN
// with its single probe slot taken), fn never runs and Call returns a
// classify.AdapterError{Kind: classify.CircuitOpen} — the synthetic error
// workers treat as retryable without charging an attempt (see pkg/worker).
func Call[T any](b *Breaker, fn func() (T, error)) (T, error) {
	result, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return zero, &classify.AdapterError{Kind: classify.CircuitOpen, Cause: err}
		}
		if r, ok := result.(T); ok {
			return r, err
		}
		return zero, err
	}
	return result.(T), nil
}

// Registry is a shared, process-wide singleton keyed by source name.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	configs  map[string]Config
}

func NewRegistry() *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		configs:  make(map[string]Config),
	}
}

// Configure overrides the threshold/cooldown for source. Must be called
// before the source's first Get.
func (r *Registry) Configure(source string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[source] = cfg
}

func (r *Registry) Get(source string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[source]; ok {
		return b
	}
	b := New(source, r.configs[source])
	r.breakers[source] = b
	return b
}
