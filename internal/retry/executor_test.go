package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/graph"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/policy"
)

func newTestExecutor(t *testing.T, opts Options) (*Executor, *[]time.Duration) {
	t.Helper()
	e := NewExecutor(policy.New(policy.DefaultConfig()), opts, zerolog.Nop())
	slept := make([]time.Duration, 0, 4)
	e.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return e, &slept
}

func TestSucceedsAfterTransientFailures(t *testing.T) {
	e, slept := newTestExecutor(t, Options{})
	calls := 0
	res, err := e.Execute(context.Background(), "subscribeApp", func(context.Context) (graph.Result, error) {
		calls++
		if calls < 3 {
			return graph.Result{}, &graph.TransportError{Op: "subscribeApp", StatusCode: 502}
		}
		return graph.Result{Success: true}, nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !res.Success || calls != 3 {
		t.Fatalf("expected success on third call, calls=%d", calls)
	}
	want := []time.Duration{1 * time.Second, 2 * time.Second}
	if len(*slept) != len(want) {
		t.Fatalf("expected %d backoffs, got %v", len(want), *slept)
	}
	for i, d := range want {
		if (*slept)[i] != d {
			t.Fatalf("backoff %d: expected %v, got %v", i, d, (*slept)[i])
		}
	}
}

func TestPermanentErrorStopsImmediately(t *testing.T) {
	e, slept := newTestExecutor(t, Options{})
	calls := 0
	_, err := e.Execute(context.Background(), "debugToken", func(context.Context) (graph.Result, error) {
		calls++
		return graph.Result{Error: &graph.APIError{Code: 190, Message: "invalid token"}}, nil
	})
	var perm *PermanentError
	if !errors.As(err, &perm) {
		t.Fatalf("expected PermanentError, got %v", err)
	}
	if calls != 1 || len(*slept) != 0 {
		t.Fatalf("permanent failure must not retry: calls=%d backoffs=%d", calls, len(*slept))
	}
}

func TestPermanentErrorInsideTransportSuccess(t *testing.T) {
	// HTTP 200 carrying an OAuthException body must not be retried.
	e, _ := newTestExecutor(t, Options{})
	calls := 0
	_, err := e.Execute(context.Background(), "exchangeCode", func(context.Context) (graph.Result, error) {
		calls++
		return graph.Result{Success: false, Error: &graph.APIError{Code: 9000, Type: "OAuthException", Message: "bad code"}}, nil
	})
	var perm *PermanentError
	if !errors.As(err, &perm) {
		t.Fatalf("expected PermanentError, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestRateLimitUsesSlowerBase(t *testing.T) {
	e, slept := newTestExecutor(t, Options{})
	calls := 0
	_, err := e.Execute(context.Background(), "listPhoneNumbers", func(context.Context) (graph.Result, error) {
		calls++
		return graph.Result{Error: &graph.APIError{Code: 4, Message: "rate limited"}}, nil
	})
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if exhausted.Attempts != DefaultMaxAttempts || calls != DefaultMaxAttempts {
		t.Fatalf("expected %d attempts, got %d", DefaultMaxAttempts, calls)
	}
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}
	for i, d := range want {
		if (*slept)[i] != d {
			t.Fatalf("rate-limit backoff %d: expected %v, got %v", i, d, (*slept)[i])
		}
	}
}

func TestBackoffIsCapped(t *testing.T) {
	e, slept := newTestExecutor(t, Options{MaxAttempts: 8})
	_, err := e.Execute(context.Background(), "getAccount", func(context.Context) (graph.Result, error) {
		return graph.Result{}, &graph.TransportError{Op: "getAccount", StatusCode: 500}
	})
	if err == nil {
		t.Fatal("expected exhaustion")
	}
	for _, d := range *slept {
		if d > DefaultMaxDelay {
			t.Fatalf("backoff %v exceeds cap %v", d, DefaultMaxDelay)
		}
	}
	if (*slept)[len(*slept)-1] != DefaultMaxDelay {
		t.Fatalf("expected final backoff at cap, got %v", (*slept)[len(*slept)-1])
	}
}

func TestContextCancellationDuringBackoff(t *testing.T) {
	e := NewExecutor(policy.New(policy.DefaultConfig()), Options{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Execute(ctx, "subscribeApp", func(context.Context) (graph.Result, error) {
		return graph.Result{}, &graph.TransportError{Op: "subscribeApp", StatusCode: 500}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
