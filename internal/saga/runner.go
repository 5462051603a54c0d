// Package saga drives the embedded-signup onboarding sequence: a fixed order
// of steps, each persisted through a completed-step bitmask so a reclaimed
// task resumes where the previous worker stopped. Every durable write doubles
// as an ownership check; losing ownership aborts the run without marking the
// task failed.
package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/graph"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/observability"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/policy"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/registration"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/retry"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/secrets"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/state"
)

// ErrOwnershipLost signals that another actor moved the task out of
// PROCESSING mid-run. The caller must abort without recording a failure;
// whoever took the task owns its outcome now.
var ErrOwnershipLost = errors.New("task ownership lost")

// UnrecoverableError carries operator-facing guidance for failures no retry
// can fix, such as a consumed single-use code.
type UnrecoverableError struct {
	Guidance string
	Cause    error
}

func (e *UnrecoverableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Guidance, e.Cause)
	}
	return e.Guidance
}

func (e *UnrecoverableError) Unwrap() error { return e.Cause }

const consumedCodeGuidance = "signup code was consumed by an earlier attempt; restart embedded signup to obtain a fresh code"

var requiredScopes = []string{
	"whatsapp_business_management",
	"whatsapp_business_messaging",
	"business_management",
}

// Input is the in-memory part of a task: the single-use code and the
// registration PIN are never persisted, so a task redispatched after a
// restart arrives with them empty.
type Input struct {
	TaskID string
	Code   string
	PIN    string
}

// Outcome is what a finished run hands back for the terminal-state write.
type Outcome struct {
	AccountID string
	Summary   string
}

type Runner struct {
	store      state.Store
	client     graph.Client
	exec       *retry.Executor
	classifier *policy.Classifier
	cipher     *secrets.Cipher
	phones     *registration.Saga
	log        zerolog.Logger
}

func NewRunner(store state.Store, client graph.Client, exec *retry.Executor, classifier *policy.Classifier, cipher *secrets.Cipher, phones *registration.Saga, log zerolog.Logger) *Runner {
	return &Runner{
		store:      store,
		client:     client,
		exec:       exec,
		classifier: classifier,
		cipher:     cipher,
		phones:     phones,
		log:        log.With().Str("component", "saga").Logger(),
	}
}

// Run executes the onboarding sequence for a claimed task. It returns
// ErrOwnershipLost when a step-boundary write is rejected, an
// *UnrecoverableError or retry error for failures, and an Outcome on
// success. Steps after the account commit are best-effort: their failures
// land in the summary, not in the task status.
func (r *Runner) Run(ctx context.Context, task state.TaskRecord, input Input) (Outcome, error) {
	log := r.log.With().Str("task_id", task.ID).Str("org_id", task.OrgID).Logger()

	if task.Attempts > 1 && !task.CompletedSteps.Has(state.StepExchangeCode) {
		// The first attempt reached the remote side far enough to consume the
		// code, or the code never left the original process. Either way no
		// retry can redo the exchange.
		return Outcome{}, &UnrecoverableError{Guidance: consumedCodeGuidance}
	}

	token, err := r.runCredentialSteps(ctx, &task, input, log)
	if err != nil {
		return Outcome{}, err
	}

	if err := r.runResolutionSteps(ctx, &task, token, log); err != nil {
		return Outcome{}, err
	}

	accountID, err := r.commitAccount(ctx, &task, token, log)
	if err != nil {
		return Outcome{}, err
	}

	notes := r.runBestEffortSteps(ctx, &task, input, token, log)

	summary := fmt.Sprintf("onboarded waba %s", task.ResolvedWABAID)
	if len(notes) > 0 {
		summary += "; " + strings.Join(notes, "; ")
	}
	return Outcome{AccountID: accountID, Summary: summary}, nil
}

// runCredentialSteps covers exchange, extension and scope verification, and
// returns a working long-lived token whether the steps ran now or on a
// previous attempt.
func (r *Runner) runCredentialSteps(ctx context.Context, task *state.TaskRecord, input Input, log zerolog.Logger) (string, error) {
	if !task.CompletedSteps.Has(state.StepExchangeCode) {
		cred, err := r.executeCredential(ctx, "exchange_code", func(ctx context.Context) (graph.Credential, graph.Result, error) {
			return r.client.ExchangeCode(ctx, input.Code)
		})
		if err != nil {
			if r.codeConsumed(err) {
				return "", &UnrecoverableError{Guidance: consumedCodeGuidance, Cause: err}
			}
			return "", err
		}
		if err := r.storeCredential(ctx, task.OrgID, cred); err != nil {
			return "", err
		}
		if err := r.markStep(ctx, task, state.StepExchangeCode, state.ResolvedPatch{}); err != nil {
			return "", err
		}
		log.Info().Msg("signup code exchanged")
	}

	token, err := r.loadToken(ctx, task.OrgID)
	if err != nil {
		return "", err
	}

	if !task.CompletedSteps.Has(state.StepExtendToken) {
		cred, err := r.executeCredential(ctx, "extend_token", func(ctx context.Context) (graph.Credential, graph.Result, error) {
			return r.client.ExtendToken(ctx, token)
		})
		if err != nil {
			return "", err
		}
		if err := r.storeCredential(ctx, task.OrgID, cred); err != nil {
			return "", err
		}
		if err := r.markStep(ctx, task, state.StepExtendToken, state.ResolvedPatch{}); err != nil {
			return "", err
		}
		token = cred.Token
	}

	if !task.CompletedSteps.Has(state.StepVerifyScopes) {
		var scopes []string
		_, err := r.exec.Execute(ctx, "verify_scopes", func(ctx context.Context) (graph.Result, error) {
			var res graph.Result
			var err error
			scopes, res, err = r.client.DebugToken(ctx, token)
			return res, err
		})
		if err != nil {
			return "", err
		}
		if missing := missingScopes(scopes); len(missing) > 0 {
			return "", &UnrecoverableError{
				Guidance: fmt.Sprintf("token is missing required scopes %s; re-run signup granting all permissions", strings.Join(missing, ", ")),
			}
		}
		if err := r.markStep(ctx, task, state.StepVerifyScopes, state.ResolvedPatch{}); err != nil {
			return "", err
		}
	}

	return token, nil
}

func (r *Runner) runResolutionSteps(ctx context.Context, task *state.TaskRecord, token string, log zerolog.Logger) error {
	if !task.CompletedSteps.Has(state.StepResolveWABA) {
		var wabaID, businessID string
		_, err := r.exec.Execute(ctx, "resolve_waba", func(ctx context.Context) (graph.Result, error) {
			var res graph.Result
			var err error
			wabaID, businessID, res, err = r.client.GetAccount(ctx, token, task.WABAID)
			return res, err
		})
		if err != nil {
			return err
		}
		if wabaID == "" {
			return &UnrecoverableError{Guidance: "no accessible waba found for this token; complete embedded signup first"}
		}
		if err := r.markStep(ctx, task, state.StepResolveWABA, state.ResolvedPatch{WABAID: wabaID, BusinessID: businessID}); err != nil {
			return err
		}
		log.Info().Str("waba_id", wabaID).Str("business_id", businessID).Msg("waba resolved")
	}

	if !task.CompletedSteps.Has(state.StepResolveBusiness) {
		_, err := r.exec.Execute(ctx, "resolve_business", func(ctx context.Context) (graph.Result, error) {
			return r.client.GetBusiness(ctx, token, task.ResolvedBusinessID)
		})
		if err != nil {
			return err
		}
		if err := r.markStep(ctx, task, state.StepResolveBusiness, state.ResolvedPatch{}); err != nil {
			return err
		}
	}

	if !task.CompletedSteps.Has(state.StepResolvePhoneNumber) {
		phoneID, err := r.resolvePhoneNumber(ctx, task, token)
		if err != nil {
			return err
		}
		if err := r.markStep(ctx, task, state.StepResolvePhoneNumber, state.ResolvedPatch{PhoneNumberID: phoneID}); err != nil {
			return err
		}
	}

	return nil
}

func (r *Runner) resolvePhoneNumber(ctx context.Context, task *state.TaskRecord, token string) (string, error) {
	var phones []string
	_, err := r.exec.Execute(ctx, "resolve_phone_number", func(ctx context.Context) (graph.Result, error) {
		var res graph.Result
		var err error
		phones, res, err = r.client.ListPhoneNumbers(ctx, token, task.ResolvedWABAID)
		return res, err
	})
	if err != nil {
		return "", err
	}
	if task.PhoneNumberID != "" {
		for _, p := range phones {
			if p == task.PhoneNumberID {
				return p, nil
			}
		}
		return "", &UnrecoverableError{
			Guidance: fmt.Sprintf("requested phone number %s is not attached to waba %s", task.PhoneNumberID, task.ResolvedWABAID),
		}
	}
	if len(phones) > 0 {
		return phones[0], nil
	}
	// A waba with no numbers yet is onboardable; registration comes later.
	return "", nil
}

// commitAccount is the durability point of the saga. The unique index on the
// waba id arbitrates racing commits across organizations.
func (r *Runner) commitAccount(ctx context.Context, task *state.TaskRecord, token string, log zerolog.Logger) (string, error) {
	if task.CompletedSteps.Has(state.StepCommitAccount) {
		account, found, err := r.store.GetAccountByWABA(ctx, task.ResolvedWABAID)
		if err != nil {
			return "", err
		}
		if found {
			return account.ID, nil
		}
		return "", fmt.Errorf("account for waba %s marked committed but missing", task.ResolvedWABAID)
	}

	account := state.AccountRecord{
		ID:         uuid.NewString(),
		OrgID:      task.OrgID,
		WABAID:     task.ResolvedWABAID,
		BusinessID: task.ResolvedBusinessID,
		Status:     "ACTIVE",
	}
	err := r.store.CreateAccount(ctx, account)
	if errors.Is(err, state.ErrWABATaken) {
		existing, found, lookupErr := r.store.GetAccountByWABA(ctx, task.ResolvedWABAID)
		if lookupErr != nil {
			return "", lookupErr
		}
		if found && existing.OrgID == task.OrgID {
			// A previous attempt committed before the step marker landed.
			account = existing
		} else {
			return "", &UnrecoverableError{
				Guidance: fmt.Sprintf("waba %s is already onboarded by another organization", task.ResolvedWABAID),
				Cause:    err,
			}
		}
	} else if err != nil {
		return "", err
	}

	if err := r.markStep(ctx, task, state.StepCommitAccount, state.ResolvedPatch{}); err != nil {
		return "", err
	}
	observability.Default.IncCounter("accounts_committed_total", nil, 1)
	log.Info().Str("account_id", account.ID).Str("waba_id", account.WABAID).Msg("account committed")
	return account.ID, nil
}

// runBestEffortSteps runs the post-commit follow-ups. Each failure becomes a
// summary note; only ownership loss stops the walk, and even that is dropped
// because the account is already durably committed.
func (r *Runner) runBestEffortSteps(ctx context.Context, task *state.TaskRecord, input Input, token string, log zerolog.Logger) []string {
	notes := make([]string, 0, 4)

	note := r.bestEffort(ctx, task, state.StepSubscribeWebhooks, func() error {
		_, err := r.exec.Execute(ctx, "subscribe_webhooks", func(ctx context.Context) (graph.Result, error) {
			return r.client.SubscribeApp(ctx, token, task.ResolvedWABAID)
		})
		if err != nil {
			return err
		}
		var subscribed bool
		_, err = r.exec.Execute(ctx, "verify_subscription", func(ctx context.Context) (graph.Result, error) {
			var res graph.Result
			var err error
			subscribed, res, err = r.client.GetSubscriptions(ctx, token, task.ResolvedWABAID)
			return res, err
		})
		if err != nil {
			return err
		}
		if !subscribed {
			return errors.New("subscription not visible after subscribe call")
		}
		return nil
	})
	notes = appendNote(notes, "webhook subscription", note)
	if errors.Is(note, ErrOwnershipLost) {
		return notes
	}

	note = r.bestEffort(ctx, task, state.StepSyncPhoneNumbers, func() error {
		var phones []string
		_, err := r.exec.Execute(ctx, "sync_phone_numbers", func(ctx context.Context) (graph.Result, error) {
			var res graph.Result
			var err error
			phones, res, err = r.client.ListPhoneNumbers(ctx, token, task.ResolvedWABAID)
			return res, err
		})
		if err != nil {
			return err
		}
		log.Info().Int("count", len(phones)).Msg("phone numbers synced")
		return nil
	})
	notes = appendNote(notes, "phone number sync", note)
	if errors.Is(note, ErrOwnershipLost) {
		return notes
	}

	if task.ResolvedPhoneNumberID != "" {
		note = r.bestEffort(ctx, task, state.StepRegisterPhone, func() error {
			_, err := r.phones.Register(ctx, task.ResolvedWABAID, task.ResolvedPhoneNumberID, input.PIN, token)
			return err
		})
		notes = appendNote(notes, "phone registration", note)
		if errors.Is(note, ErrOwnershipLost) {
			return notes
		}
	}

	note = r.bestEffort(ctx, task, state.StepUpgradeCredential, func() error {
		cred, err := r.executeCredential(ctx, "upgrade_credential", func(ctx context.Context) (graph.Credential, graph.Result, error) {
			return r.client.CreateSystemUserToken(ctx, token, task.ResolvedBusinessID)
		})
		if err != nil {
			return err
		}
		cred.ServiceIdentity = true
		return r.storeCredential(ctx, task.OrgID, cred)
	})
	notes = appendNote(notes, "credential upgrade", note)

	return notes
}

// bestEffort runs one post-commit step. The step bit is written only on
// success so a later manual retry can redo the work.
func (r *Runner) bestEffort(ctx context.Context, task *state.TaskRecord, step state.Step, run func() error) error {
	if task.CompletedSteps.Has(step) {
		return nil
	}
	if err := run(); err != nil {
		observability.Default.IncCounter("best_effort_step_failures_total",
			map[string]string{"step": step.String()}, 1)
		r.log.Warn().Str("task_id", task.ID).Str("step", step.String()).Err(err).
			Msg("best effort step failed")
		// A failure here can be the echo of a cancellation; if the task moved
		// out of PROCESSING the walk stops instead of noting more skips.
		if owned, verr := r.store.VerifyOwnership(ctx, task.ID); verr == nil && !owned {
			return ErrOwnershipLost
		}
		return err
	}
	if err := r.markStep(ctx, task, step, state.ResolvedPatch{}); err != nil {
		r.log.Warn().Str("task_id", task.ID).Str("step", step.String()).
			Msg("ownership lost after account commit, stopping follow-ups")
		return err
	}
	return nil
}

func appendNote(notes []string, label string, err error) []string {
	if err == nil {
		return notes
	}
	return append(notes, fmt.Sprintf("%s skipped: %v", label, err))
}

// markStep persists the step bit plus any resolved outputs and keeps the
// in-memory record in sync. A rejected write means the task moved out of
// PROCESSING under us.
func (r *Runner) markStep(ctx context.Context, task *state.TaskRecord, step state.Step, patch state.ResolvedPatch) error {
	ok, err := r.store.MarkStepCompleted(ctx, task.ID, step, patch)
	if err != nil {
		return err
	}
	if !ok {
		observability.Default.IncCounter("ownership_lost_total", nil, 1)
		return ErrOwnershipLost
	}
	task.CompletedSteps = task.CompletedSteps.With(step)
	if patch.WABAID != "" {
		task.ResolvedWABAID = patch.WABAID
	}
	if patch.BusinessID != "" {
		task.ResolvedBusinessID = patch.BusinessID
	}
	if patch.PhoneNumberID != "" {
		task.ResolvedPhoneNumberID = patch.PhoneNumberID
	}
	return nil
}

func (r *Runner) executeCredential(ctx context.Context, op string, call func(ctx context.Context) (graph.Credential, graph.Result, error)) (graph.Credential, error) {
	var cred graph.Credential
	_, err := r.exec.Execute(ctx, op, func(ctx context.Context) (graph.Result, error) {
		var res graph.Result
		var err error
		cred, res, err = call(ctx)
		return res, err
	})
	return cred, err
}

func (r *Runner) storeCredential(ctx context.Context, orgID string, cred graph.Credential) error {
	envelope, err := r.cipher.Encrypt(cred.Token)
	if err != nil {
		return err
	}
	rec := state.CredentialRecord{
		OrgID:           orgID,
		Envelope:        envelope,
		ServiceIdentity: cred.ServiceIdentity,
	}
	if cred.ExpiresInSec > 0 {
		rec.ExpiresAt = time.Now().UTC().Add(time.Duration(cred.ExpiresInSec) * time.Second)
	}
	return r.store.UpsertCredential(ctx, rec)
}

func (r *Runner) loadToken(ctx context.Context, orgID string) (string, error) {
	rec, found, err := r.store.GetCredential(ctx, orgID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("no stored credential for org %s", orgID)
	}
	return r.cipher.Decrypt(rec.Envelope)
}

func (r *Runner) codeConsumed(err error) bool {
	var apiErr *graph.APIError
	if errors.As(err, &apiErr) {
		return r.classifier.IsCodeConsumed(apiErr)
	}
	return false
}

func missingScopes(granted []string) []string {
	have := make(map[string]bool, len(granted))
	for _, s := range granted {
		have[s] = true
	}
	missing := make([]string, 0)
	for _, s := range requiredScopes {
		if !have[s] {
			missing = append(missing, s)
		}
	}
	return missing
}
