package policy

import (
	"errors"
	"testing"

	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/graph"
)

func TestPermanentCodeInSuccessBody(t *testing.T) {
	c := New(DefaultConfig())
	res := graph.Result{Success: false, Error: &graph.APIError{Code: 190, Message: "invalid access token"}}
	if got := c.Classify(res, nil); got != ClassPermanent {
		t.Fatalf("expected permanent for code 190, got %s", got)
	}
}

func TestAuthErrorTypeIsPermanentRegardlessOfCode(t *testing.T) {
	c := New(DefaultConfig())
	res := graph.Result{Error: &graph.APIError{Code: 9999, Type: "OAuthException", Message: "expired session"}}
	if got := c.Classify(res, nil); got != ClassPermanent {
		t.Fatalf("expected permanent for OAuthException, got %s", got)
	}
}

func TestRateLimitCodeOutranksPermanentList(t *testing.T) {
	c := New(Config{PermanentCodes: []int{4}, RateLimitCodes: []int{4}})
	res := graph.Result{Error: &graph.APIError{Code: 4, Message: "too many calls"}}
	if got := c.Classify(res, nil); got != ClassRateLimited {
		t.Fatalf("expected rate_limited, got %s", got)
	}
}

func TestTransportErrorsAreTransient(t *testing.T) {
	c := New(DefaultConfig())
	err := &graph.TransportError{Op: "registerPhone", StatusCode: 503}
	if got := c.Classify(graph.Result{}, err); got != ClassTransient {
		t.Fatalf("expected transient for 503, got %s", got)
	}
}

func TestUnknownErrorIsPermanent(t *testing.T) {
	c := New(DefaultConfig())
	if got := c.Classify(graph.Result{}, errors.New("decode payload")); got != ClassPermanent {
		t.Fatalf("expected permanent for local error, got %s", got)
	}
}

func TestAlreadyRegisteredDetection(t *testing.T) {
	c := New(DefaultConfig())
	if !c.IsAlreadyRegistered(&graph.APIError{Code: 1331031, Message: "x"}) {
		t.Fatal("expected already-registered for configured code")
	}
	if !c.IsAlreadyRegistered(&graph.APIError{Code: 1, Message: "phone Already Registered on another account"}) {
		t.Fatal("expected already-registered via message match")
	}
	if c.IsAlreadyRegistered(&graph.APIError{Code: 1, Message: "unrelated"}) {
		t.Fatal("did not expect already-registered")
	}
}

func TestConsumedCodeDetection(t *testing.T) {
	c := New(DefaultConfig())
	if !c.IsCodeConsumed(&graph.APIError{Code: 100, Subcode: 36009, Message: "x"}) {
		t.Fatal("expected consumed-code for configured subcode")
	}
	if c.IsCodeConsumed(nil) {
		t.Fatal("nil error must not match")
	}
}
