package retry

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oasmux/oasmux/muxerrors"
)

func init() {
	// Tests below exercise the failure paths on purpose; keep the expected
	// backoff warnings out of the test output.
	retryLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestCaller returns a Caller with real default backoff parameters, a
// fake sleep that accumulates into slept, and the jitter draw pinned to the
// midpoint (factor 1.0).
func newTestCaller(slept *time.Duration) *Caller {
	return New(
		WithSleep(func(d time.Duration) { *slept += d }),
		WithRand(func() float64 { return 0.5 }),
	)
}

func TestDoSuccessFirstAttempt(t *testing.T) {
	var slept time.Duration
	c := newTestCaller(&slept)

	calls := 0
	err := c.Do(func() error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Zero(t, slept, "no sleep on immediate success")
}

func TestDoSuccessAfterTransientFailures(t *testing.T) {
	var slept time.Duration
	c := newTestCaller(&slept)

	calls := 0
	err := c.Do(func() error {
		calls++
		if calls < 3 {
			return &muxerrors.TransportError{URL: "http://upstream", Cause: errors.New("connection refused")}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	// attempt 0 sleeps 0.5s, attempt 1 sleeps 0.75s (factor pinned to 1.0)
	assert.Equal(t, 1250*time.Millisecond, slept)
}

func TestDoFatalErrorNotRetried(t *testing.T) {
	var slept time.Duration
	c := newTestCaller(&slept)

	fatal := errors.New("boom")
	calls := 0
	err := c.Do(func() error {
		calls++
		return fatal
	})

	assert.Equal(t, fatal, err)
	assert.Equal(t, 1, calls)
	assert.Zero(t, slept)
}

func TestDoCumulativeSleepStaysUnderCap(t *testing.T) {
	var slept time.Duration
	c := newTestCaller(&slept)

	transient := &muxerrors.TransportError{URL: "http://upstream", Cause: errors.New("connection refused")}
	calls := 0
	err := c.Do(func() error {
		calls++
		return transient
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, muxerrors.ErrTransient), "final error is the last transient error")
	assert.Less(t, slept, DefaultMaxSleep, "cumulative sleep must stay under the cap")
	assert.Greater(t, calls, 1, "at least one retry happened before the cap")

	// With the jitter factor pinned to 1.0 the schedule is deterministic:
	// sleeps of 0.5, 0.75, 1.125, 1.6875 and 2.53125 seconds, then a stop
	// because the next sleep (3.796875s on top of 6.59375s) would cross the
	// 10s cap. That is 6 attempts in total.
	assert.Equal(t, 6, calls)
	assert.Equal(t, 6593750*time.Microsecond, slept)
}

func TestDoCumulativeSleepUnderCapForManySchedules(t *testing.T) {
	// Property from the backoff contract: whatever the jitter draws, the
	// caller never sleeps 10s or more in total before giving up.
	draws := []float64{0, 0.1, 0.25, 0.5, 0.75, 0.9, 0.999}
	for _, draw := range draws {
		var slept time.Duration
		c := New(
			WithSleep(func(d time.Duration) { slept += d }),
			WithRand(func() float64 { return draw }),
		)
		err := c.Do(func() error {
			return &muxerrors.TransportError{Cause: errors.New("down")}
		})
		require.Error(t, err)
		assert.Less(t, slept, DefaultMaxSleep, "draw %v slept %v", draw, slept)
	}
}

func TestDoZeroCapMeansSingleAttempt(t *testing.T) {
	var slept time.Duration
	c := New(
		WithBackoff(DefaultMultiplier, DefaultInterval, DefaultJitter, 0),
		WithSleep(func(d time.Duration) { slept += d }),
		WithRand(func() float64 { return 0.5 }),
	)

	calls := 0
	err := c.Do(func() error {
		calls++
		return &muxerrors.TransportError{Cause: errors.New("down")}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Zero(t, slept)
}

func TestCallReturnsResultUnchanged(t *testing.T) {
	var slept time.Duration
	c := newTestCaller(&slept)

	type payload struct{ Value string }
	want := payload{Value: "hello"}

	got, err := Call(c, func() (payload, error) {
		return want, nil
	})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestCallZeroValueOnFailure(t *testing.T) {
	var slept time.Duration
	c := newTestCaller(&slept)

	got, err := Call(c, func() (string, error) {
		return "partial", &muxerrors.TransportError{Cause: errors.New("down")}
	})
	require.Error(t, err)
	assert.Empty(t, got)
}
