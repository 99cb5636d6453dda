// Package scheduler runs the engine's periodic work: approval and liveness
// polls, location retries, and any other task that must repeat on a fixed
// interval and survive an unreliable backend.
//
// Key behaviors:
//   - A Loop runs its task immediately, then waits Interval after a success.
//   - After a failure it waits a jittered exponential backoff instead, capped
//     at Backoff.Max, so a dead backend is not hammered every few seconds.
//   - After ReconnectingAfter consecutive failures the loop reports
//     StatusReconnecting; the next success reports StatusRecovered.
//   - MaxConsecutiveFailures > 0 bounds the retry count.
//   - The loop ends when the context is cancelled or the task returns ErrDone.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"safewatch/internal/clock"
	"safewatch/internal/types"
)

// ErrDone is returned by a task to end its loop without error, e.g. when a
// pairing request reached a terminal state.
var ErrDone = errors.New("scheduler: loop done")

// ErrTooManyFailures is returned by Run when MaxConsecutiveFailures is hit.
var ErrTooManyFailures = errors.New("scheduler: too many consecutive failures")

// Status is a connectivity transition reported by a Loop.
type Status string

const (
	StatusReconnecting Status = "reconnecting"
	StatusRecovered    Status = "recovered"
)

// Task is one iteration of a loop.
type Task func(ctx context.Context) error

// Loop is a cancellable periodic task with backoff on consecutive failures.
type Loop struct {
	Name     string
	Interval time.Duration
	Backoff  Backoff
	Task     Task

	// ReconnectingAfter is the number of consecutive failures after which
	// OnStatus(StatusReconnecting) fires. Zero disables status reporting.
	ReconnectingAfter int
	// MaxConsecutiveFailures stops the loop when exceeded. Zero means retry
	// forever.
	MaxConsecutiveFailures int
	OnStatus               func(Status)

	Clock  clock.Clock
	Logger types.Logger
}

// Run executes the loop until ctx is done, the task returns ErrDone, or the
// failure bound is exceeded.
func (l *Loop) Run(ctx context.Context) error {
	if l.Task == nil {
		return fmt.Errorf("scheduler: loop %q has no task", l.Name)
	}
	clk := l.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := l.Logger
	if logger == nil {
		logger = types.NopLogger{}
	}
	logger = logger.With("loop", l.Name)

	failures := 0
	reconnecting := false

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := l.Task(ctx)
		var wait time.Duration

		switch {
		case errors.Is(err, ErrDone):
			logger.Info("loop finished")
			return nil
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			failures++
			wait = l.Backoff.Next(failures - 1)
			logger.Warn("loop iteration failed",
				"error", err,
				"consecutive_failures", failures,
				"retry_in", wait.String(),
			)
			if l.ReconnectingAfter > 0 && failures == l.ReconnectingAfter && !reconnecting {
				reconnecting = true
				l.report(StatusReconnecting)
			}
			if l.MaxConsecutiveFailures > 0 && failures >= l.MaxConsecutiveFailures {
				return fmt.Errorf("%w: %s after %d attempts: %v", ErrTooManyFailures, l.Name, failures, err)
			}
		default:
			if reconnecting {
				reconnecting = false
				l.report(StatusRecovered)
				logger.Info("loop recovered", "after_failures", failures)
			}
			failures = 0
			wait = l.Interval
		}

		if err := Sleep(ctx, clk, wait); err != nil {
			return nil
		}
	}
}

func (l *Loop) report(s Status) {
	if l.OnStatus != nil {
		l.OnStatus(s)
	}
}

// Sleep blocks for d on clk or until ctx is done, returning ctx.Err() in the
// latter case.
func Sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	done := make(chan struct{})
	t := clk.AfterFunc(d, func() { close(done) })
	select {
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Retry runs fn up to 1+retries times, doubling the delay from base between
// attempts (base, 2*base, 4*base, ...). It returns the last error when every
// attempt fails.
func Retry(ctx context.Context, clk clock.Clock, retries int, base time.Duration, fn func(ctx context.Context) error) error {
	if clk == nil {
		clk = clock.Real{}
	}
	var lastErr error
	delay := base
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := Sleep(ctx, clk, delay); err != nil {
				return err
			}
			delay *= 2
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}
