package retry

import (
	"context"
	"errors"
	"time"
)

// Hinted is implemented by errors that carry a server supplied retry delay.
type Hinted interface {
	RetryAfter() time.Duration
}

// Policy retries an operation while IsRetryable reports true, up to MaxAttempts.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// HintPadding is added to a server supplied delay.
	HintPadding time.Duration
	IsRetryable func(error) bool
	Sleep       func(ctx context.Context, d time.Duration) error
	OnRetry     func(attempt int, delay time.Duration, err error)
}

// Default returns a policy with 5 attempts and a 1s..30s exponential schedule.
func Default(isRetryable func(error) bool) Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		HintPadding: 500 * time.Millisecond,
		IsRetryable: isRetryable,
	}
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent. The last error is returned in the latter cases.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if p.IsRetryable == nil || !p.IsRetryable(err) || attempt == attempts {
			return err
		}
		delay := p.Delay(attempt, err)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return errors.Join(serr, err)
		}
	}
	return err
}

// Delay returns the wait before the attempt following attempt n.
func (p Policy) Delay(n int, err error) time.Duration {
	var h Hinted
	if errors.As(err, &h) {
		if d := h.RetryAfter(); d > 0 {
			return d + p.HintPadding
		}
	}
	d := p.BaseDelay
	if d <= 0 {
		d = time.Second
	}
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
