// Package ratelimit implements spec.md §4.B as one token bucket per logical
// bucket (one bucket per external API family — "drive", "gmail", …),
// shared across all concurrent callers of that family. A bucket refills at
// R operations per second and admits bursts up to its Burst size, so it
// does not cap operations at R per sliding one-second window. Ground: the teacher's
// infrastructure/ratelimit/ratelimit.go single-bucket limiter, generalized
// into a bucket manager since this core talks to many API families at
// once.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Config configures one bucket.
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig is a reasonable default for an unspecified bucket.
func DefaultConfig() Config {
	return Config{RequestsPerSecond: 10, Burst: 20}
}

// Manager holds one token-bucket limiter per logical API-family bucket.
type Manager struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	defaults Config
}

// NewManager creates a Manager. defaultCfg is used for buckets that have
// not been explicitly configured via Configure.
func NewManager(defaultCfg Config) *Manager {
	if defaultCfg.RequestsPerSecond <= 0 {
		defaultCfg = DefaultConfig()
	}
	return &Manager{buckets: make(map[string]*rate.Limiter), defaults: defaultCfg}
}

// Configure sets (or replaces) the limiter for a named bucket.
func (m *Manager) Configure(bucket string, cfg Config) {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = m.defaults.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[bucket] = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
}

func (m *Manager) limiter(bucket string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.buckets[bucket]
	if !ok {
		cfg := m.defaults
		l = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
		m.buckets[bucket] = l
	}
	return l
}

// Wait cooperatively suspends the caller until the named bucket has a
// token for one more operation, or ctx is done.
func (m *Manager) Wait(ctx context.Context, bucket string) error {
	return m.limiter(bucket).Wait(ctx)
}

// Allow reports, without blocking, whether the bucket currently admits one
// more operation.
func (m *Manager) Allow(bucket string) bool {
	return m.limiter(bucket).Allow()
}
