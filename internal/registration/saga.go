// Package registration runs phone-number activation as a two-phase saga:
// durably record intent, make the side-effecting external call with no
// transaction open, then conditionally finalize. A crash at any point leaves
// a row the next attempt can resume from.
package registration

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/graph"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/observability"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/policy"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/retry"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/state"
)

const DefaultMaxPerWABA = 25

var (
	// ErrAccountNotActive is returned when the owning WABA has not completed
	// onboarding.
	ErrAccountNotActive = errors.New("waba account is not active")

	// ErrLimitExceeded is returned when the WABA already carries the maximum
	// number of registrations.
	ErrLimitExceeded = errors.New("registration limit reached for waba")

	// ErrDisabled is returned for a phone number in the terminal DISABLED
	// state; no retry path exists.
	ErrDisabled = errors.New("phone number registration is disabled")
)

type Saga struct {
	store      state.Store
	client     graph.Client
	exec       *retry.Executor
	classifier *policy.Classifier
	maxPerWABA int
	log        zerolog.Logger
}

func New(store state.Store, client graph.Client, exec *retry.Executor, classifier *policy.Classifier, maxPerWABA int, log zerolog.Logger) *Saga {
	if maxPerWABA <= 0 {
		maxPerWABA = DefaultMaxPerWABA
	}
	return &Saga{
		store:      store,
		client:     client,
		exec:       exec,
		classifier: classifier,
		maxPerWABA: maxPerWABA,
		log:        log.With().Str("component", "registration").Logger(),
	}
}

// Register drives one phone number to ACTIVE. Re-entry is safe in every
// state: ACTIVE returns immediately, PENDING resumes at the external call,
// REGISTRATION_FAILED resets to PENDING first, DISABLED is rejected.
func (s *Saga) Register(ctx context.Context, wabaID, phoneNumberID, pin, token string) (state.RegistrationRecord, error) {
	existing, found, err := s.store.GetRegistration(ctx, phoneNumberID)
	if err != nil {
		return state.RegistrationRecord{}, err
	}
	if found {
		switch existing.Status {
		case state.RegistrationActive:
			return existing, nil
		case state.RegistrationDisabled:
			return existing, ErrDisabled
		case state.RegistrationPending:
			// Intent is already durable; resume at the external call.
			return s.callAndFinalize(ctx, existing, pin, token)
		case state.RegistrationFailed:
			// The limit was checked when intent was first committed; a retry
			// only needs the row back in PENDING.
			if _, err := s.store.ResetRegistrationFailed(ctx, phoneNumberID); err != nil {
				return state.RegistrationRecord{}, err
			}
			rec, stillThere, err := s.store.GetRegistration(ctx, phoneNumberID)
			if err != nil {
				return state.RegistrationRecord{}, err
			}
			if stillThere && rec.Status == state.RegistrationPending {
				return s.callAndFinalize(ctx, rec, pin, token)
			}
			return rec, nil
		}
	}

	rec, err := s.commitIntent(ctx, wabaID, phoneNumberID)
	if err != nil {
		return state.RegistrationRecord{}, err
	}
	if rec.Status != state.RegistrationPending {
		// A racing caller finalized between the reset and here.
		if rec.Status == state.RegistrationDisabled {
			return rec, ErrDisabled
		}
		return rec, nil
	}

	return s.callAndFinalize(ctx, rec, pin, token)
}

// commitIntent is phase 1: its writes commit before any external call so a
// crash can never leave an untracked remote registration.
func (s *Saga) commitIntent(ctx context.Context, wabaID, phoneNumberID string) (state.RegistrationRecord, error) {
	account, found, err := s.store.GetAccountByWABA(ctx, wabaID)
	if err != nil {
		return state.RegistrationRecord{}, err
	}
	if !found || account.Status != "ACTIVE" {
		return state.RegistrationRecord{}, ErrAccountNotActive
	}
	count, err := s.store.CountRegistrationsByWABA(ctx, wabaID)
	if err != nil {
		return state.RegistrationRecord{}, err
	}
	if count >= s.maxPerWABA {
		return state.RegistrationRecord{}, fmt.Errorf("%w: %d of %d used", ErrLimitExceeded, count, s.maxPerWABA)
	}
	return s.store.EnsureRegistrationPending(ctx, phoneNumberID, wabaID)
}

// callAndFinalize is phases 2 and 3. The external call happens with no
// transaction open; the outcome lands via a conditional PENDING-only update,
// so a racing finalizer cannot double-apply.
func (s *Saga) callAndFinalize(ctx context.Context, rec state.RegistrationRecord, pin, token string) (state.RegistrationRecord, error) {
	reconciled := false
	_, callErr := s.exec.Execute(ctx, "register_phone", func(ctx context.Context) (graph.Result, error) {
		res, err := s.client.RegisterPhone(ctx, token, rec.PhoneNumberID, pin)
		if err == nil && res.Error != nil && s.classifier.IsAlreadyRegistered(res.Error) {
			// The remote side already holds this registration; the desired
			// end state exists, so the outcome is success.
			reconciled = true
			res.Success = true
			res.Error = nil
		}
		return res, err
	})

	target := state.RegistrationActive
	lastError := ""
	if callErr != nil {
		if s.alreadyRegistered(callErr) {
			reconciled = true
		} else {
			target = state.RegistrationFailed
			lastError = callErr.Error()
		}
	}
	if reconciled {
		s.log.Info().Str("phone_number_id", rec.PhoneNumberID).
			Msg("phone already registered upstream, reconciling")
	}

	applied, err := s.store.FinalizeRegistration(ctx, rec.PhoneNumberID, target, lastError)
	if err != nil {
		return state.RegistrationRecord{}, err
	}
	if !applied {
		s.log.Warn().Str("phone_number_id", rec.PhoneNumberID).
			Msg("registration finalized elsewhere, keeping stored outcome")
	}
	observability.Default.IncCounter("registration_finalized_total",
		map[string]string{"status": string(target)}, 1)

	out, _, err := s.store.GetRegistration(ctx, rec.PhoneNumberID)
	if err != nil {
		return state.RegistrationRecord{}, err
	}
	if out.Status == state.RegistrationFailed {
		return out, fmt.Errorf("phone registration failed: %s", out.LastError)
	}
	return out, nil
}

func (s *Saga) alreadyRegistered(err error) bool {
	var apiErr *graph.APIError
	if errors.As(err, &apiErr) {
		return s.classifier.IsAlreadyRegistered(apiErr)
	}
	return false
}

// Status reads the stored registration record.
func (s *Saga) Status(ctx context.Context, phoneNumberID string) (state.RegistrationRecord, bool, error) {
	return s.store.GetRegistration(ctx, phoneNumberID)
}
