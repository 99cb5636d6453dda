package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safewatch/internal/clock"
	"safewatch/internal/types"
)

var epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func quietLogger() types.Logger {
	return types.NopLogger{}
}

// waitForTimer blocks until the loop goroutine has parked on the fake clock.
func waitForTimer(t *testing.T, c *clock.Fake) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Pending() > 0 }, time.Second, time.Millisecond)
}

func TestBackoff_Next(t *testing.T) {
	b := Backoff{Min: time.Second, Max: 8 * time.Second, Rand: func() float64 { return 0.5 }}

	assert.Equal(t, time.Second, b.Next(0))
	assert.Equal(t, 1500*time.Millisecond, b.Next(1))
	assert.Equal(t, 2500*time.Millisecond, b.Next(2))
	// Clamped at Max: Min + 0.5*(8s-1s)
	assert.Equal(t, 4500*time.Millisecond, b.Next(10))

	assert.Equal(t, time.Duration(0), Backoff{}.Next(3))
}

func TestBackoff_NeverBelowMinOrAboveMax(t *testing.T) {
	b := Backoff{Min: 3 * time.Second, Max: 30 * time.Second}
	for n := 0; n < 20; n++ {
		d := b.Next(n)
		assert.GreaterOrEqual(t, d, 3*time.Second)
		assert.LessOrEqual(t, d, 30*time.Second)
	}
}

func TestLoop_ReportsReconnectingThenRecovered(t *testing.T) {
	c := clock.NewFake(epoch)
	calls := make(chan int, 10)
	statuses := make(chan Status, 4)
	n := 0

	loop := &Loop{
		Name:              "approval",
		Interval:          3 * time.Second,
		Backoff:           Backoff{Min: 3 * time.Second, Max: 30 * time.Second},
		ReconnectingAfter: 3,
		OnStatus:          func(s Status) { statuses <- s },
		Clock:             c,
		Logger:            quietLogger(),
		Task: func(ctx context.Context) error {
			n++
			calls <- n
			if n <= 3 {
				return errors.New("backend unreachable")
			}
			return nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	for i := 1; i <= 4; i++ {
		require.Equal(t, i, <-calls)
		waitForTimer(t, c)
		if i == 3 {
			assert.Equal(t, StatusReconnecting, <-statuses)
		}
		if i < 4 {
			c.Advance(30 * time.Second)
		}
	}
	assert.Equal(t, StatusRecovered, <-statuses)

	cancel()
	require.NoError(t, <-done)
}

func TestLoop_StopsAfterMaxConsecutiveFailures(t *testing.T) {
	c := clock.NewFake(epoch)
	calls := make(chan struct{}, 10)
	loop := &Loop{
		Name:                   "liveness",
		Interval:               10 * time.Second,
		Backoff:                Backoff{Min: time.Second, Max: time.Second},
		MaxConsecutiveFailures: 2,
		Clock:                  c,
		Logger:                 quietLogger(),
		Task: func(ctx context.Context) error {
			calls <- struct{}{}
			return errors.New("timeout")
		},
	}

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	<-calls
	waitForTimer(t, c)
	c.Advance(time.Second)
	<-calls

	err := <-done
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTooManyFailures)
}

func TestLoop_ErrDoneEndsLoop(t *testing.T) {
	loop := &Loop{
		Name:     "one-shot",
		Interval: time.Hour,
		Clock:    clock.NewFake(epoch),
		Logger:   quietLogger(),
		Task:     func(ctx context.Context) error { return ErrDone },
	}
	assert.NoError(t, loop.Run(context.Background()))
}

func TestLoop_RequiresTask(t *testing.T) {
	loop := &Loop{Name: "empty"}
	assert.Error(t, loop.Run(context.Background()))
}

func TestRetry_DoublingDelayFromBase(t *testing.T) {
	c := clock.NewFake(epoch)
	attempts := make(chan time.Time, 5)
	n := 0

	done := make(chan error, 1)
	go func() {
		done <- Retry(context.Background(), c, 3, 10*time.Second, func(ctx context.Context) error {
			n++
			attempts <- c.Now()
			if n < 4 {
				return errors.New("no fix")
			}
			return nil
		})
	}()

	var got []time.Duration
	for i := 0; i < 4; i++ {
		at := <-attempts
		got = append(got, at.Sub(epoch))
		if i < 3 {
			waitForTimer(t, c)
			c.Advance(time.Minute)
		}
	}
	require.NoError(t, <-done)
	assert.Equal(t, []time.Duration{0, 10 * time.Second, 30 * time.Second, 70 * time.Second}, got)
}

func TestRetry_ReturnsLastError(t *testing.T) {
	sentinel := errors.New("denied")
	err := Retry(context.Background(), clock.NewFake(epoch), 0, time.Second, func(ctx context.Context) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
}

func TestSleep_CancelledContext(t *testing.T) {
	c := clock.NewFake(epoch)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Sleep(ctx, c, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.Pending())
}
