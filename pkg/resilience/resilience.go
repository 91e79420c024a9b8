// Package resilience provides the reliability primitives the relay fabric
// leans on: exponential backoff with jitter for reconnects, retry, a timeout
// wrapper for awaitables, and a bulkhead bounding handler concurrency.
package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"
)

// ------------------------------------------------------------------
// Backoff - stateful exponential backoff with bounded jitter
// ------------------------------------------------------------------

// BackoffConfig shapes a reconnect delay sequence.
type BackoffConfig struct {
	Initial    time.Duration // first delay (default 1s)
	Ceiling    time.Duration // cap (default 30s)
	Multiplier float64       // growth factor (default 2.0)
	JitterFrac float64       // +/- uniform fraction (default 0.2)
}

func (c *BackoffConfig) defaults() {
	if c.Initial <= 0 {
		c.Initial = time.Second
	}
	if c.Ceiling <= 0 {
		c.Ceiling = 30 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.JitterFrac <= 0 {
		c.JitterFrac = 0.2
	}
}

// Backoff produces successive delays. Not safe for concurrent use; each
// connection loop owns its own.
type Backoff struct {
	config BackoffConfig
	next   time.Duration
}

// NewBackoff creates a backoff sequence. The zero config gives 1s doubling to
// a 30s ceiling with 20% jitter, the relay reconnect policy.
func NewBackoff(config BackoffConfig) *Backoff {
	config.defaults()
	return &Backoff{config: config, next: config.Initial}
}

// Next returns the delay to sleep before the next attempt and advances the
// sequence.
func (b *Backoff) Next() time.Duration {
	base := b.next
	grown := time.Duration(float64(b.next) * b.config.Multiplier)
	if grown > b.config.Ceiling {
		grown = b.config.Ceiling
	}
	b.next = grown

	jitter := time.Duration(float64(base) * b.config.JitterFrac * (rand.Float64()*2 - 1))
	d := base + jitter
	if d < 0 {
		d = base
	}
	return d
}

// Reset returns the sequence to its initial delay after a successful connect.
func (b *Backoff) Reset() {
	b.next = b.config.Initial
}

// Sleep waits for the next backoff delay or ctx cancellation.
func (b *Backoff) Sleep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(b.Next()):
		return nil
	}
}

// ------------------------------------------------------------------
// Retry
// ------------------------------------------------------------------

// RetryConfig configures Retry.
type RetryConfig struct {
	MaxAttempts  int
	Backoff      BackoffConfig
	RetryableErr func(error) bool // nil retries everything
}

// Retry runs fn up to MaxAttempts times with backoff between failures.
func Retry(ctx context.Context, config RetryConfig, fn func(attempt int) error) error {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	backoff := NewBackoff(config.Backoff)

	var lastErr error
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if config.RetryableErr != nil && !config.RetryableErr(lastErr) {
			return lastErr
		}
		if attempt < config.MaxAttempts-1 {
			if err := backoff.Sleep(ctx); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("max attempts (%d) exceeded: %w", config.MaxAttempts, lastErr)
}

// ------------------------------------------------------------------
// Timeout wrapper
// ------------------------------------------------------------------

// WithTimeout runs fn under a deadline, returning an error if it elapses
// before fn does.
func WithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("operation timed out after %s", timeout)
	}
}

// ------------------------------------------------------------------
// Bulkhead
// ------------------------------------------------------------------

// Bulkhead bounds concurrent executions. The endpoint worker wraps every
// command handler in one so a flood of tool-servers cannot exhaust the
// browser.
type Bulkhead struct {
	name     string
	sem      chan struct{}
	active   atomic.Int64
	rejected atomic.Int64
}

// NewBulkhead creates a bulkhead admitting at most maxConcurrent executions.
func NewBulkhead(name string, maxConcurrent int) *Bulkhead {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &Bulkhead{name: name, sem: make(chan struct{}, maxConcurrent)}
}

// Execute waits for capacity (or ctx cancellation) and runs fn.
func (b *Bulkhead) Execute(ctx context.Context, fn func() error) error {
	select {
	case b.sem <- struct{}{}:
		b.active.Add(1)
		defer func() {
			<-b.sem
			b.active.Add(-1)
		}()
		return fn()
	case <-ctx.Done():
		b.rejected.Add(1)
		return fmt.Errorf("bulkhead %s: context cancelled while waiting", b.name)
	}
}

// Active returns the number of executions currently admitted.
func (b *Bulkhead) Active() int { return int(b.active.Load()) }

// Rejected returns how many executions were turned away.
func (b *Bulkhead) Rejected() int { return int(b.rejected.Load()) }
