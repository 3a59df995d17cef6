// Package backoff provides a generic retry combinator with exponential
// backoff, jitter and a pluggable retry classifier.
package backoff

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"

	xferr "github.com/brucemcpherson/bm-drive-cloud/internal/errors"
)

// Defaults applied by WithDefaults.
const (
	DefaultBaseDelay   = 750 * time.Millisecond
	DefaultMaxAttempts = 5
	DefaultMaxDelay    = 60 * time.Second
)

// transientPrefixes is the allow-list used by IsTransient. Google API errors
// render as "googleapi: Error <code>: <message>", so both the rendered form
// and the bare message are listed.
var transientPrefixes = []string{
	"googleapi: Error 429",
	"googleapi: Error 500",
	"googleapi: Error 502",
	"googleapi: Error 503",
	"googleapi: Error 504",
	"googleapi: Error 403: Rate Limit Exceeded",
	"googleapi: Error 403: User Rate Limit Exceeded",
	"googleapi: Error 403: User rate limit exceeded",
	"Rate Limit Exceeded",
	"User Rate Limit Exceeded",
	"User rate limit exceeded",
	"Service invoked too many times",
	"Internal error",
	"Backend Error",
	"SlowDown",
	"ServerBusy",
}

// IsTransient reports whether err's message starts with a known transient or
// rate-limit phrase. It is the default classifier.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, p := range transientPrefixes {
		if strings.HasPrefix(msg, p) {
			return true
		}
	}
	return false
}

// Config controls one Retry call. The zero value is usable after WithDefaults.
type Config[T any] struct {
	// BaseDelay is the unit of the exponential wait and the jitter range.
	BaseDelay time.Duration
	// MaxAttempts bounds retries. The operation runs at most MaxAttempts+1 times.
	MaxAttempts int
	// MaxDelay caps the exponential term of the wait.
	MaxDelay time.Duration
	// IsRetryable classifies errors. Defaults to IsTransient.
	IsRetryable func(error) bool
	// Lookahead, when set, can reject a successful result and force a retry.
	Lookahead func(result T, attempt int) bool
	// SilenceAttempts turns off per-attempt logging.
	SilenceAttempts bool
	// Logger receives attempt logs. Defaults to slog.Default().
	Logger *slog.Logger
	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)

	// sleep waits between attempts. Overridable in tests.
	sleep func(ctx context.Context, d time.Duration) error
	// jitter returns a value in [0, max). Overridable in tests.
	jitter func(max time.Duration) time.Duration
}

// WithDefaults returns a copy of c with every unset field populated.
// c itself is not modified.
func (c Config[T]) WithDefaults() Config[T] {
	out := c
	if out.BaseDelay <= 0 {
		out.BaseDelay = DefaultBaseDelay
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = DefaultMaxAttempts
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = DefaultMaxDelay
	}
	if out.IsRetryable == nil {
		out.IsRetryable = IsTransient
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.sleep == nil {
		out.sleep = timeSleep
	}
	if out.jitter == nil {
		out.jitter = randJitter
	}
	return out
}

// Delay returns the wait before the attempt following attempt:
// 2^attempt * BaseDelay, capped at MaxDelay, plus jitter in [0, BaseDelay).
func (c Config[T]) Delay(attempt int) time.Duration {
	c = c.WithDefaults()
	d := c.BaseDelay
	for i := 0; i < attempt && d < c.MaxDelay; i++ {
		d *= 2
	}
	if d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d + c.jitter(c.BaseDelay)
}

// Operation is the unit of work retried by Retry. It receives the effective
// config and the 1-based attempt number.
type Operation[T any] func(ctx context.Context, cfg Config[T], attempt int) (T, error)

// ExhaustedError is returned when retries run out.
type ExhaustedError struct {
	// Attempts is how many times the operation ran.
	Attempts int
	// Last is the final error, nil if the last result was rejected by Lookahead.
	Last error
}

func (e *ExhaustedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("backoff exhausted after %d attempts: result rejected by lookahead", e.Attempts)
	}
	return fmt.Sprintf("backoff exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Is matches xferr.ErrBackoffExhausted.
func (e *ExhaustedError) Is(target error) bool { return target == xferr.ErrBackoffExhausted }

// nonRetryable carries the original error with a captured stack. Its message
// is the original's and errors.Is still reaches the original.
type nonRetryable struct {
	error
}

func (e nonRetryable) Unwrap() error { return e.error }

func (e nonRetryable) Is(target error) bool { return target == xferr.ErrNonRetryableFailure }

// Format delegates to the stack-carrying error so %+v prints the stack.
func (e nonRetryable) Format(s fmt.State, verb rune) {
	if f, ok := e.error.(fmt.Formatter); ok {
		f.Format(s, verb)
		return
	}
	fmt.Fprintf(s, "%v", e.error)
}

// Retry runs op until it succeeds with an acceptable result, fails with a
// non-retryable error, or runs out of attempts. Each wait completes before
// the next attempt starts; cancelling ctx aborts the wait.
func Retry[T any](ctx context.Context, op Operation[T], cfg Config[T]) (T, error) {
	cfg = cfg.WithDefaults()
	var zero T

	for attempt := 1; ; attempt++ {
		result, err := op(ctx, cfg, attempt)

		switch {
		case err == nil && (cfg.Lookahead == nil || !cfg.Lookahead(result, attempt)):
			if attempt > 1 && !cfg.SilenceAttempts {
				cfg.Logger.Info("retry succeeded", "attempt", attempt)
			}
			return result, nil
		case err != nil && !cfg.IsRetryable(err):
			return zero, nonRetryable{pkgerrors.WithStack(err)}
		}

		if attempt > cfg.MaxAttempts {
			return zero, &ExhaustedError{Attempts: attempt, Last: err}
		}

		wait := cfg.Delay(attempt)
		if !cfg.SilenceAttempts {
			reason := "lookahead rejected result"
			if err != nil {
				reason = err.Error()
			}
			cfg.Logger.Info("retrying after backoff",
				"attempt", attempt,
				"max_attempts", cfg.MaxAttempts,
				"wait", wait,
				"reason", reason,
			)
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, wait)
		}
		if sleepErr := cfg.sleep(ctx, wait); sleepErr != nil {
			return zero, fmt.Errorf("backoff wait after attempt %d: %w", attempt, sleepErr)
		}
	}
}

// timeSleep waits for d or until ctx is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func randJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max))) //nolint:gosec // jitter does not need crypto rand
}
