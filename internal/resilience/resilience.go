// Package resilience provides the fault-tolerance patterns spec.md §5
// requires at every suspending external call site: a retrying helper with
// capped exponential backoff and a circuit breaker. It is a thin adapter
// over github.com/sony/gobreaker/v2 and github.com/cenkalti/backoff/v4,
// keeping one small API surface instead of each caller reaching for the
// libraries directly.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"github.com/r3e-network/knowledgecore/internal/logging"
)

// State mirrors gobreaker's circuit state.
type State int

const (
	StateClosed   State = State(gobreaker.StateClosed)
	StateHalfOpen State = State(gobreaker.StateHalfOpen)
	StateOpen     State = State(gobreaker.StateOpen)
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config configures a CircuitBreaker.
type Config struct {
	MaxFailures   int
	Timeout       time.Duration
	HalfOpenMax   int
	OnStateChange func(from, to State)
}

// DefaultConfig returns sensible defaults for an external API bucket.
func DefaultConfig() Config {
	return Config{MaxFailures: 5, Timeout: 30 * time.Second, HalfOpenMax: 3}
}

// CircuitBreaker wraps gobreaker.CircuitBreaker with an Execute(ctx, fn)
// call shape so call sites don't depend on gobreaker directly.
type CircuitBreaker struct {
	gb *gobreaker.CircuitBreaker[any]
}

// New builds a CircuitBreaker.
func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}

	maxFailures := uint32(cfg.MaxFailures)
	settings := gobreaker.Settings{
		MaxRequests: uint32(cfg.HalfOpenMax),
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(_ string, from, to gobreaker.State) {
			cfg.OnStateChange(State(from), State(to))
		}
	}

	return &CircuitBreaker{gb: gobreaker.NewCircuitBreaker[any](settings)}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() State { return State(cb.gb.State()) }

// Execute runs fn through the breaker. ctx is accepted for call-site
// symmetry with the rest of the core; callers enforce their own deadline
// on fn via context.
func (cb *CircuitBreaker) Execute(_ context.Context, fn func() error) error {
	_, err := cb.gb.Execute(func() (any, error) { return nil, fn() })
	if err != nil {
		return mapGobreakerError(err)
	}
	return nil
}

func mapGobreakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) {
		return ErrCircuitOpen
	}
	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrTooManyRequests
	}
	return err
}

// RetryConfig configures Retry's backoff.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

// DefaultRetryConfig is the capped-exponential-backoff default spec.md §4.F
// and §4.A describe for transient failures.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// Retry runs fn with capped exponential backoff, honoring ctx cancellation
// between attempts.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	if cfg.InitialDelay > 0 {
		bo.InitialInterval = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		bo.MaxInterval = cfg.MaxDelay
	}
	if cfg.Multiplier > 0 {
		bo.Multiplier = cfg.Multiplier
	}
	bo.RandomizationFactor = cfg.Jitter
	bo.MaxElapsedTime = 0 // bounded by MaxRetries, not elapsed wall time

	maxRetries := uint64(cfg.MaxAttempts - 1)
	withCtx := backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx)

	return backoff.Retry(fn, withCtx)
}

// WithStateLogging returns OnStateChange hook that logs circuit transitions.
func WithStateLogging(log *logging.Logger) func(from, to State) {
	return func(from, to State) {
		log.WithFields(map[string]interface{}{
			"from_state": from.String(),
			"to_state":   to.String(),
		}).Warn("circuit breaker state changed")
	}
}
