// Package retry provides the bounded attempt/classify/backoff loop shared by
// the remote operations.
package retry

import (
	"context"
	"time"
)

type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second}
}

// Classifier decides whether an error is worth another attempt.
type Classifier func(error) bool

// Do runs op up to MaxAttempts times, sleeping with capped exponential
// backoff between attempts. It returns the last error once retryable says no
// or the budget is spent, and the attempt count actually used. The context is
// checked before every retry so a stop can unblock a waiting worker.
func Do(ctx context.Context, p Policy, retryable Classifier, op func(ctx context.Context) error) (int, error) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	delay := p.BaseDelay
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return attempt, nil
		}
		if !retryable(err) || attempt == p.MaxAttempts {
			return attempt, err
		}
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return attempt, sleepErr
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return p.MaxAttempts, err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
