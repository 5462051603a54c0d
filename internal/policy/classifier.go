// Package policy decides how an external-call outcome is treated: retried,
// retried with rate-limit pacing, or surfaced immediately. The code lists are
// provider-specific and drift over time, so they are configuration, not
// constants.
package policy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/graph"
)

// Class is the retry classification of one call outcome.
type Class int

const (
	// ClassTransient outcomes are retried with normal backoff.
	ClassTransient Class = iota
	// ClassRateLimited outcomes are retried with a slower backoff base.
	ClassRateLimited
	// ClassPermanent outcomes are never retried.
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassRateLimited:
		return "rate_limited"
	case ClassPermanent:
		return "permanent"
	default:
		return "transient"
	}
}

// Config is the on-disk shape of a classifier policy file.
type Config struct {
	PermanentCodes  []int    `yaml:"permanent_codes"`
	RateLimitCodes  []int    `yaml:"rate_limit_codes"`
	AuthErrorTypes  []string `yaml:"auth_error_types"`
	AlreadyExists   []int    `yaml:"already_exists_codes"`
	ConsumedCodeSub []int    `yaml:"consumed_code_subcodes"`
}

// Classifier applies the configured code lists to call outcomes.
type Classifier struct {
	permanent     map[int]struct{}
	rateLimited   map[int]struct{}
	authTypes     map[string]struct{}
	alreadyExists map[int]struct{}
	consumedSubs  map[int]struct{}
}

// DefaultConfig carries the provider codes observed in production: invalid
// credential (190), permission denied (200, 10), invalid parameter (100),
// session invalid (102); rate limiting (4, 613, 80007).
func DefaultConfig() Config {
	return Config{
		PermanentCodes:  []int{190, 200, 10, 100, 102},
		RateLimitCodes:  []int{4, 613, 80007},
		AuthErrorTypes:  []string{"OAuthException"},
		AlreadyExists:   []int{1331031},
		ConsumedCodeSub: []int{36009},
	}
}

func New(cfg Config) *Classifier {
	c := &Classifier{
		permanent:     make(map[int]struct{}, len(cfg.PermanentCodes)),
		rateLimited:   make(map[int]struct{}, len(cfg.RateLimitCodes)),
		authTypes:     make(map[string]struct{}, len(cfg.AuthErrorTypes)),
		alreadyExists: make(map[int]struct{}, len(cfg.AlreadyExists)),
		consumedSubs:  make(map[int]struct{}, len(cfg.ConsumedCodeSub)),
	}
	for _, code := range cfg.PermanentCodes {
		c.permanent[code] = struct{}{}
	}
	for _, code := range cfg.RateLimitCodes {
		c.rateLimited[code] = struct{}{}
	}
	for _, t := range cfg.AuthErrorTypes {
		c.authTypes[strings.ToLower(t)] = struct{}{}
	}
	for _, code := range cfg.AlreadyExists {
		c.alreadyExists[code] = struct{}{}
	}
	for _, sub := range cfg.ConsumedCodeSub {
		c.consumedSubs[sub] = struct{}{}
	}
	return c
}

// LoadFromEnv builds a classifier from WABA_CLASSIFIER_FILE, falling back to
// the defaults when unset.
func LoadFromEnv() (*Classifier, error) {
	path := strings.TrimSpace(os.Getenv("WABA_CLASSIFIER_FILE"))
	if path == "" {
		return New(DefaultConfig()), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read classifier file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse classifier file %s: %w", path, err)
	}
	return New(cfg), nil
}

// Classify inspects both layers of an outcome: the transport error, and the
// application error embedded in the response body. A transport-level success
// can still carry a permanent application failure.
func (c *Classifier) Classify(res graph.Result, err error) Class {
	if err != nil {
		var transport *graph.TransportError
		if errors.As(err, &transport) {
			return ClassTransient
		}
		var netErr net.Error
		if errors.As(err, &netErr) {
			return ClassTransient
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return ClassTransient
		}
		var apiErr *graph.APIError
		if errors.As(err, &apiErr) {
			return c.classifyAPIError(apiErr)
		}
		return ClassPermanent
	}
	if res.Error != nil {
		return c.classifyAPIError(res.Error)
	}
	return ClassTransient
}

func (c *Classifier) classifyAPIError(apiErr *graph.APIError) Class {
	if _, ok := c.rateLimited[apiErr.Code]; ok {
		return ClassRateLimited
	}
	if _, ok := c.permanent[apiErr.Code]; ok {
		return ClassPermanent
	}
	if _, ok := c.authTypes[strings.ToLower(apiErr.Type)]; ok {
		return ClassPermanent
	}
	return ClassTransient
}

// IsAlreadyRegistered reports whether the error means the external side
// already holds the registration. Callers treat that as success.
func (c *Classifier) IsAlreadyRegistered(apiErr *graph.APIError) bool {
	if apiErr == nil {
		return false
	}
	if _, ok := c.alreadyExists[apiErr.Code]; ok {
		return true
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "already registered")
}

// IsCodeConsumed reports whether the error means the single-use signup code
// was already exchanged.
func (c *Classifier) IsCodeConsumed(apiErr *graph.APIError) bool {
	if apiErr == nil {
		return false
	}
	if _, ok := c.consumedSubs[apiErr.Subcode]; ok {
		return true
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "authorization code has been used")
}
