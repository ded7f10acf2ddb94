// Package backoff implements the reconnect delay table: one delay per
// consecutive failure, after which the peer is treated as gone.
package backoff

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrExhausted is returned once every delay in the table has been used.
var ErrExhausted = errors.New("backoff table exhausted")

// DefaultDelays is the reconnect schedule used by the connection.
var DefaultDelays = []time.Duration{
	10 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	time.Second,
	2500 * time.Millisecond,
	5 * time.Second,
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Table counts consecutive failures against a fixed delay schedule.
type Table struct {
	mu       sync.Mutex
	delays   []time.Duration
	failures int
	sleep    SleepFunc
	onRetry  func(attempt int, delay time.Duration)
}

// Option configures a Table.
type Option func(*Table)

// WithSleep replaces the wait between attempts.
func WithSleep(fn SleepFunc) Option {
	return func(t *Table) { t.sleep = fn }
}

// WithOnRetry is called before each wait with the failure count and delay.
func WithOnRetry(fn func(attempt int, delay time.Duration)) Option {
	return func(t *Table) { t.onRetry = fn }
}

// New creates a Table over delays. An empty schedule uses DefaultDelays.
func New(delays []time.Duration, opts ...Option) *Table {
	if len(delays) == 0 {
		delays = DefaultDelays
	}
	t := &Table{
		delays: append([]time.Duration(nil), delays...),
		sleep:  Sleep,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Delay returns the wait after failure n (zero-based), capped at the last
// entry.
func (t *Table) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n >= len(t.delays) {
		return t.delays[len(t.delays)-1]
	}
	return t.delays[n]
}

// Exhausted reports whether failure n (zero-based) is past the schedule.
func (t *Table) Exhausted(n int) bool {
	return n >= len(t.delays)
}

// Next records a failure and returns the delay to wait before the next
// attempt. ok is false once the schedule is exhausted.
func (t *Table) Next() (delay time.Duration, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.failures
	t.failures++
	if t.Exhausted(n) {
		return 0, false
	}
	return t.Delay(n), true
}

// Reset clears the failure count after a success.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = 0
}

// Failures returns the current consecutive failure count.
func (t *Table) Failures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures
}

// Retry treats the caller's last outcome as a failure, then waits and calls
// fn until it succeeds, the schedule is exhausted, or ctx is done.
func (t *Table) Retry(ctx context.Context, fn func(ctx context.Context) error) error {
	for {
		delay, ok := t.Next()
		if !ok {
			return ErrExhausted
		}
		if t.onRetry != nil {
			t.onRetry(t.Failures(), delay)
		}
		if err := t.sleep(ctx, delay); err != nil {
			return err
		}
		if err := fn(ctx); err == nil {
			t.Reset()
			return nil
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
