// Package retry wraps a single external call with attempt-capped exponential
// backoff. Classification of outcomes is delegated to the policy package; the
// executor itself carries no saga knowledge.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/graph"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/observability"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/policy"
)

const (
	DefaultMaxAttempts   = 4
	DefaultBaseDelay     = 1 * time.Second
	DefaultRateLimitBase = 5 * time.Second
	DefaultMaxDelay      = 30 * time.Second
)

// ExhaustedError reports that every attempt of an operation failed with a
// retriable outcome.
type ExhaustedError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("operation %s failed after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// PermanentError marks an outcome the classifier ruled non-retryable.
type PermanentError struct {
	Op    string
	Cause error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("operation %s failed permanently: %v", e.Op, e.Cause)
}

func (e *PermanentError) Unwrap() error { return e.Cause }

type Executor struct {
	classifier    *policy.Classifier
	maxAttempts   int
	baseDelay     time.Duration
	rateLimitBase time.Duration
	maxDelay      time.Duration
	sleep         func(ctx context.Context, d time.Duration) error
	log           zerolog.Logger
}

type Options struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	RateLimitBase time.Duration
	MaxDelay      time.Duration
}

func NewExecutor(classifier *policy.Classifier, opts Options, log zerolog.Logger) *Executor {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.RateLimitBase <= 0 {
		opts.RateLimitBase = DefaultRateLimitBase
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	return &Executor{
		classifier:    classifier,
		maxAttempts:   opts.MaxAttempts,
		baseDelay:     opts.BaseDelay,
		rateLimitBase: opts.RateLimitBase,
		maxDelay:      opts.MaxDelay,
		sleep:         sleepCtx,
		log:           log,
	}
}

// Execute invokes call until it succeeds, fails permanently, or attempts run
// out. The returned error is a *PermanentError or *ExhaustedError; a nil
// error guarantees res.Success.
func (e *Executor) Execute(ctx context.Context, op string, call func(ctx context.Context) (graph.Result, error)) (graph.Result, error) {
	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		res, err := call(ctx)
		if err == nil && res.Success {
			return res, nil
		}

		outcome := err
		if outcome == nil {
			if res.Error != nil {
				outcome = res.Error
			} else {
				outcome = fmt.Errorf("%s returned unsuccessful response without error detail", op)
			}
		}
		lastErr = outcome

		class := e.classifier.Classify(res, err)
		observability.Default.IncCounter("external_call_failures_total",
			map[string]string{"op": op, "class": class.String()}, 1)
		if class == policy.ClassPermanent {
			return res, &PermanentError{Op: op, Cause: outcome}
		}

		if attempt == e.maxAttempts {
			break
		}
		delay := e.backoff(class, attempt)
		e.log.Warn().Str("op", op).Int("attempt", attempt).Dur("backoff", delay).
			Err(outcome).Msg("external call failed, retrying")
		if err := e.sleep(ctx, delay); err != nil {
			return graph.Result{}, err
		}
	}
	return graph.Result{}, &ExhaustedError{Op: op, Attempts: e.maxAttempts, Last: lastErr}
}

func (e *Executor) backoff(class policy.Class, attempt int) time.Duration {
	base := e.baseDelay
	if class == policy.ClassRateLimited {
		base = e.rateLimitBase
	}
	d := base << (attempt - 1)
	if d > e.maxDelay || d <= 0 {
		d = e.maxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
