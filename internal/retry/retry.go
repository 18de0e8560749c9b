// Package retry implements the backoff policy shared by every call to the
// cloud service. Service-unavailable responses are retried with exponential
// backoff; every other failure is returned after the first attempt with its
// class (http, connection, timeout, request) kept in the message.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrMaxRetriesExceeded is returned when a transient failure persists for
// every attempt allowed by the policy.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

const (
	defaultMaxAttempts = 5
	defaultBackoffBase = time.Second
	maxBackoff         = 5 * time.Minute
)

// Policy configures retries for one logical call.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first. Default 5.
	MaxAttempts int
	// BackoffBase is the wait before the second attempt; each further wait doubles.
	BackoffBase time.Duration
	// Logger receives failure and retry logs. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Default returns the policy used by the cloud client unless configured otherwise.
func Default() Policy {
	return Policy{MaxAttempts: defaultMaxAttempts, BackoffBase: defaultBackoffBase}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = defaultBackoffBase
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return p
}

// newBackOff returns base * 2^attempt waits without jitter.
func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BackoffBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = maxBackoff
	b.Reset()
	return b
}

// Do runs op under policy p. Transient failures (see IsTransient) are retried
// until MaxAttempts is reached, after which the last error is returned wrapped
// in ErrMaxRetriesExceeded. Any other error stops the loop immediately and is
// returned prefixed with its class. The response body of a failed HTTP call is
// logged before returning.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	p = p.withDefaults()
	attempt := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if IsTransient(err) {
			return v, err
		}
		return v, backoff.Permanent(err)
	},
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			p.Logger.Warn("transient failure, retrying", "attempt", attempt, "max_attempts", p.MaxAttempts, "wait", wait, "error", err)
		}),
	)
	if err == nil {
		return res, nil
	}

	logFailure(p.Logger, err)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("%s: %w", Classify(ctxErr), err)
	}
	if IsTransient(err) {
		return res, fmt.Errorf("%w after %d attempts: %w", ErrMaxRetriesExceeded, attempt, err)
	}
	return res, fmt.Errorf("%s: %w", Classify(err), err)
}

func logFailure(logger *slog.Logger, err error) {
	var se *StatusError
	if errors.As(err, &se) && len(se.Body) > 0 {
		logger.Error("request failed", "status", se.StatusCode, "url", se.URL, "body", se.PrettyBody())
	}
	logger.Error("request failed", "class", Classify(err), "error", err)
}
