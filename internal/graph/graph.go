// Package graph is the boundary to the remote Graph-style API that onboarding
// talks to. Payloads are carried opaquely; the only structure the saga engine
// depends on is the result envelope and the error code/type pair.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
)

// Result is the envelope every remote call resolves to. A transport-level
// success can still carry an application-level error in Error.
type Result struct {
	Success bool
	Payload json.RawMessage
	Error   *APIError
}

// APIError is the structured error the remote API embeds in response bodies.
type APIError struct {
	Code    int    `json:"code"`
	Subcode int    `json:"error_subcode,omitempty"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Subcode != 0 {
		return fmt.Sprintf("graph error %d/%d (%s): %s", e.Code, e.Subcode, e.Type, e.Message)
	}
	return fmt.Sprintf("graph error %d (%s): %s", e.Code, e.Type, e.Message)
}

// TransportError wraps network-level failures (timeouts, 5xx, connection
// resets) where the remote outcome is unknown.
type TransportError struct {
	Op         string
	StatusCode int
	Cause      error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("graph transport failure on %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("graph transport failure on %s: %v", e.Op, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// Credential is a working bearer token plus what the saga needs to know about
// its provenance.
type Credential struct {
	Token           string
	ExpiresInSec    int64
	ServiceIdentity bool
}

// Client is the per-step request/response contract consumed by the onboarding
// saga and the phone registration saga.
type Client interface {
	// ExchangeCode trades a single-use embedded-signup code for a short-lived
	// token. The code is consumed on the remote side whether or not the
	// response arrives.
	ExchangeCode(ctx context.Context, code string) (Credential, Result, error)

	// ExtendToken upgrades a short-lived token to a long-lived one.
	ExtendToken(ctx context.Context, token string) (Credential, Result, error)

	// DebugToken inspects a token and reports its granted scopes.
	DebugToken(ctx context.Context, token string) ([]string, Result, error)

	// GetAccount resolves a WABA by id, or discovers the caller's WABA when
	// id is empty. Returns the WABA id and its owning business id.
	GetAccount(ctx context.Context, token, wabaID string) (string, string, Result, error)

	// GetBusiness verifies the owning business is accessible.
	GetBusiness(ctx context.Context, token, businessID string) (Result, error)

	// ListPhoneNumbers lists phone number ids attached to a WABA.
	ListPhoneNumbers(ctx context.Context, token, wabaID string) ([]string, Result, error)

	// SubscribeApp subscribes the application to the WABA's webhook events.
	SubscribeApp(ctx context.Context, token, wabaID string) (Result, error)

	// GetSubscriptions reports whether the app subscription is in place.
	GetSubscriptions(ctx context.Context, token, wabaID string) (bool, Result, error)

	// RegisterPhone registers a phone number for cloud-API messaging. This is
	// the side-effecting call the two-phase saga wraps.
	RegisterPhone(ctx context.Context, token, phoneNumberID, pin string) (Result, error)

	// CreateSystemUserToken mints a permanent service-identity token.
	CreateSystemUserToken(ctx context.Context, token, businessID string) (Credential, Result, error)
}
