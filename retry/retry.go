// Package retry wraps a single network call with bounded exponential
// backoff. Only errors matching [muxerrors.ErrTransient] are retried; any
// other error is returned immediately. The backoff schedule for attempt n
// (0-indexed) is
//
//	multiplier^n * interval * (1 - jitter + random[0, 2*jitter])
//
// with cumulative slept time capped: once the next sleep would reach or
// exceed the cap, retrying stops and the most recent transient error is
// returned. There is no attempt-count limit besides the time cap.
package retry

import (
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/oasmux/oasmux/muxerrors"
)

// retryLogger is used for backoff diagnostics.
// Tests can replace this with a discard logger to suppress expected warnings.
var retryLogger = slog.Default()

// Default backoff parameters.
const (
	DefaultMultiplier = 1.5
	DefaultInterval   = 500 * time.Millisecond
	DefaultJitter     = 0.5
	DefaultMaxSleep   = 10 * time.Second
)

// Caller retries a single call on transient network failure. A Caller is
// stateless across calls and safe for concurrent use; each call owns its own
// backoff loop and blocks its calling goroutine during sleeps.
type Caller struct {
	multiplier float64
	interval   time.Duration
	jitter     float64
	maxSleep   time.Duration

	sleep     func(time.Duration)
	randFloat func() float64
}

// Option configures a Caller.
type Option func(*Caller)

// WithBackoff overrides the backoff parameters.
func WithBackoff(multiplier float64, interval time.Duration, jitter float64, maxSleep time.Duration) Option {
	return func(c *Caller) {
		c.multiplier = multiplier
		c.interval = interval
		c.jitter = jitter
		c.maxSleep = maxSleep
	}
}

// WithSleep replaces the sleep function. Intended for tests that need to
// observe or skip the backoff sleeps.
func WithSleep(fn func(time.Duration)) Option {
	return func(c *Caller) {
		c.sleep = fn
	}
}

// WithRand replaces the jitter random source with fn, which must return
// values in [0, 1). Intended for deterministic tests.
func WithRand(fn func() float64) Option {
	return func(c *Caller) {
		c.randFloat = fn
	}
}

// New creates a Caller with the default backoff schedule.
func New(opts ...Option) *Caller {
	c := &Caller{
		multiplier: DefaultMultiplier,
		interval:   DefaultInterval,
		jitter:     DefaultJitter,
		maxSleep:   DefaultMaxSleep,
		sleep:      time.Sleep,
		randFloat:  rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do invokes fn, retrying with exponential backoff while fn returns an error
// matching muxerrors.ErrTransient and the cumulative sleep stays under the
// cap. On success it returns nil; on a non-transient error it returns that
// error immediately; once the cap is hit it returns the last transient error.
func (c *Caller) Do(fn func() error) error {
	var (
		lastErr error
		total   time.Duration
	)
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, muxerrors.ErrTransient) {
			return err
		}
		lastErr = err

		factor := 1 - c.jitter + c.randFloat()*2*c.jitter
		next := time.Duration(math.Pow(c.multiplier, float64(attempt)) * float64(c.interval) * factor)
		if total+next >= c.maxSleep {
			retryLogger.Warn("retry: backoff cap reached, giving up",
				"attempts", attempt+1, "slept", total, "cap", c.maxSleep, "error", err)
			return lastErr
		}
		total += next
		retryLogger.Warn("retry: got a transient error, backing off",
			"error", err, "sleep", next, "slept", total, "cap", c.maxSleep)
		c.sleep(next)
	}
}

// Call invokes fn through c.Do and returns its result. On failure the zero
// value of T is returned alongside the final error.
func Call[T any](c *Caller, fn func() (T, error)) (T, error) {
	var result T
	err := c.Do(func() error {
		r, err := fn()
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}
