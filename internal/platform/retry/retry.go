// Package retry bounds transient-failure retries with exponential backoff.
package retry

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/louisbranch/concord/internal/errors"
	"github.com/louisbranch/concord/internal/store"
)

// Policy bounds the attempts and the backoff window of a retried operation.
type Policy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy is the engine-wide retry budget for transactional operations.
var DefaultPolicy = Policy{
	MaxAttempts:     5,
	InitialInterval: 20 * time.Millisecond,
	MaxInterval:     500 * time.Millisecond,
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultPolicy.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultPolicy.MaxInterval
	}
	return p
}

// Do runs op until it succeeds, fails permanently, or the attempt budget is
// exhausted. Only transient store failures and optimistic-concurrency
// conflicts are retried; logical errors surface immediately.
func Do[T any](ctx context.Context, policy Policy, op func() (T, error)) (T, error) {
	policy = policy.withDefaults()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = policy.InitialInterval
	expo.MaxInterval = policy.MaxInterval

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err == nil {
			return v, nil
		}
		if retryable(err) {
			return v, err
		}
		return v, backoff.Permanent(err)
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(policy.MaxAttempts))
}

// retryable classifies an error as worth another attempt. Typed engine
// errors are verdicts, never retried; only transient store failures and
// optimistic-concurrency conflicts from the store itself qualify.
func retryable(err error) bool {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var typed *errors.Error
	if stderrors.As(err, &typed) {
		return false
	}
	return stderrors.Is(err, store.ErrUnavailable) || stderrors.Is(err, store.ErrRevMismatch)
}
