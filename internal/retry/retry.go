// Package retry wraps session acquisition and batch dispatch with
// bounded exponential backoff and a circuit breaker. Only
// transport-class failures are retried; terminal conditions pass
// through untouched.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/andrej220/winbatch/pkg/batch"
	"github.com/andrej220/winbatch/pkg/lg"
)

// Controller retries retryable operations up to MaxRetries additional
// attempts with exponential backoff, behind a shared circuit breaker.
type Controller struct {
	MaxRetries int

	// NewBackOff builds the per-call backoff schedule. Overridable
	// so tests run without real sleeps.
	NewBackOff func() backoff.BackOff

	breaker *gobreaker.CircuitBreaker
	log     lg.Logger
}

func New(maxRetries int, log lg.Logger) *Controller {
	if log == nil {
		log = lg.Discard
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	cbs := gobreaker.Settings{
		Name:        "winbatch-transport",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}
	return &Controller{
		MaxRetries: maxRetries,
		NewBackOff: defaultBackOff,
		breaker:    gobreaker.NewCircuitBreaker(cbs),
		log:        log,
	}
}

func defaultBackOff() backoff.BackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		Multiplier:          1.5,
		RandomizationFactor: 0.5,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
}

// Do runs fn, retrying transport-class failures. Anything the taxonomy
// marks non-retryable (auth rejections, task failures, mid-batch
// session loss) stops the loop immediately.
func (c *Controller) Do(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	operation := func() error {
		attempt++
		_, err := c.breaker.Execute(func() (any, error) {
			return nil, fn()
		})
		if err == nil {
			return nil
		}
		if !batch.Retryable(err) {
			return backoff.Permanent(err)
		}
		c.log.Warn("retryable failure",
			lg.String("op", op),
			lg.Int("attempt", attempt),
			lg.Err(err))
		return err
	}

	b := backoff.WithMaxRetries(backoff.WithContext(c.NewBackOff(), ctx), uint64(c.MaxRetries))
	return backoff.Retry(operation, b)
}
