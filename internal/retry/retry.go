// Package retry provides bounded exponential backoff and a circuit breaker
// for outbound deliveries. Both act within a single delivery attempt; the
// alert pipeline's own retry is the next processing cycle.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int `yaml:"max_attempts"`

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// BackoffMultiplier is applied to the backoff after each retry.
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`

	// Jitter adds ±Jitter relative randomness to each delay.
	Jitter float64 `yaml:"jitter"`

	// RetryIf decides whether an error is worth another attempt.
	// If nil, all errors are retried.
	RetryIf func(error) bool `yaml:"-"`
}

// DefaultConfig keeps delivery attempts short: a tick should not stall on
// a dead link.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		RetryIf:           IsRetryable,
	}
}

// Retryer performs operations with automatic retry on failure.
type Retryer struct {
	config Config
}

// New creates a retryer. Invalid fields fall back to DefaultConfig.
func New(config Config) *Retryer {
	def := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = def.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = def.MaxBackoff
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = def.BackoffMultiplier
	}
	if config.Jitter < 0 || config.Jitter > 1 {
		config.Jitter = def.Jitter
	}
	return &Retryer{config: config}
}

// Result describes a finished retry loop.
type Result struct {
	Attempts int
	LastErr  error
}

// Do executes op until it succeeds, returns a non-retryable error, the
// attempts run out or ctx is done.
func (r *Retryer) Do(ctx context.Context, op func() error) Result {
	var lastErr error
	backoff := r.config.InitialBackoff

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return Result{Attempts: attempt}
		}
		if r.config.RetryIf != nil && !r.config.RetryIf(lastErr) {
			return Result{Attempts: attempt, LastErr: lastErr}
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return Result{Attempts: attempt, LastErr: ctx.Err()}
		case <-time.After(r.addJitter(backoff)):
		}

		backoff = time.Duration(float64(backoff) * r.config.BackoffMultiplier)
		if backoff > r.config.MaxBackoff {
			backoff = r.config.MaxBackoff
		}
	}

	return Result{Attempts: r.config.MaxAttempts, LastErr: lastErr}
}

func (r *Retryer) addJitter(d time.Duration) time.Duration {
	if r.config.Jitter == 0 {
		return d
	}
	jitterRange := float64(d) * r.config.Jitter
	jitter := (rand.Float64()*2 - 1) * jitterRange
	return time.Duration(float64(d) + jitter)
}

var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"timeout",
	"temporary failure",
	"service unavailable",
	"too many requests",
	"rate limit",
	"503",
	"502",
	"504",
	"429",
}

// IsRetryable reports whether err looks transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// ErrCircuitOpen is returned when the breaker rejects a call.
var ErrCircuitOpen = errors.New("retry: circuit breaker is open")

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// Breaker stops calling a failing link after maxFailures consecutive
// errors and lets one probe through after resetTimeout. It is safe for
// concurrent use.
type Breaker struct {
	mu           sync.Mutex
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time
	failures     int
	lastFailure  time.Time
	state        circuitState
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithBreakerClock replaces time.Now for failure and reset timing.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBreaker creates a closed breaker.
func NewBreaker(maxFailures int, resetTimeout time.Duration, opts ...BreakerOption) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	b := &Breaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute runs op through the breaker.
func (b *Breaker) Execute(op func() error) error {
	b.mu.Lock()
	allowed := b.allowLocked()
	b.mu.Unlock()
	if !allowed {
		return ErrCircuitOpen
	}

	err := op()

	b.mu.Lock()
	b.recordLocked(err)
	b.mu.Unlock()
	return err
}

func (b *Breaker) allowLocked() bool {
	if b.state == circuitOpen {
		if b.now().Sub(b.lastFailure) > b.resetTimeout {
			b.state = circuitHalfOpen
			return true
		}
		return false
	}
	return true
}

func (b *Breaker) recordLocked(err error) {
	if err == nil {
		b.failures = 0
		b.state = circuitClosed
		return
	}
	b.failures++
	b.lastFailure = b.now()
	if b.failures >= b.maxFailures || b.state == circuitHalfOpen {
		b.state = circuitOpen
	}
}

// State returns "closed", "open" or "half-open".
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case circuitClosed:
		return "closed"
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
