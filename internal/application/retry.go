package application

import (
	"context"
	"errors"
	"time"

	"tokenpoints/internal/domain"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy retries storage calls that fail for reasons other than a
// classified domain error.
type RetryPolicy struct {
	MaxRetries uint64
	Initial    time.Duration
	Max        time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Initial: 50 * time.Millisecond, Max: time.Second}
}

// Do runs op until it succeeds, fails permanently or the retries run out.
// Exhausted transient failures come back as domain.ErrServiceUnavailable.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		b.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}
	b.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !transient(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx))
	if err != nil && ctx.Err() == nil && transient(err) {
		return domain.Unavailable(err)
	}
	return err
}

func transient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var classified *domain.Error
	return !errors.As(err, &classified)
}
