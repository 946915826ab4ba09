// Package retry repeats operations that failed with a transient I/O error.
package retry

import (
	"context"
	"time"

	"github.com/thebluefowl/reelvault/internal/fault"
)

const (
	DefaultAttempts = 3
	DefaultBase     = 50 * time.Millisecond
)

type Policy struct {
	Attempts int
	Base     time.Duration
}

var Default = Policy{Attempts: DefaultAttempts, Base: DefaultBase}

// Do runs fn with the default policy.
func Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return Default.Do(ctx, fn)
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// attempts are used up. The delay doubles after every failure.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.Base

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil || !fault.Retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
		delay *= 2
	}
	return err
}
