// Package orchestrator is the front of the coordination layer: it owns task
// creation and dedupe, status reads, cancellation, and the periodic
// maintenance loop that resets stuck tasks, requeues retryable failures and
// archives old terminal rows. Every task reaches a worker through the
// dispatcher, never directly.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/archive"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/dispatch"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/observability"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/saga"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/state"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/pkg/wabaapi"
)

var (
	// ErrInvalidRequest is returned for submissions missing required fields.
	ErrInvalidRequest = errors.New("invalid onboarding request")
)

type Options struct {
	RetryLimit       int
	StuckThreshold   time.Duration
	MaintenanceEvery time.Duration
}

type Orchestrator struct {
	store      state.Store
	dispatcher *dispatch.Dispatcher
	archiver   *archive.Archiver
	opts       Options
	log        zerolog.Logger
}

func New(store state.Store, dispatcher *dispatch.Dispatcher, archiver *archive.Archiver, opts Options, log zerolog.Logger) *Orchestrator {
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = 3
	}
	if opts.StuckThreshold <= 0 {
		opts.StuckThreshold = 10 * time.Minute
	}
	if opts.MaintenanceEvery <= 0 {
		opts.MaintenanceEvery = time.Minute
	}
	return &Orchestrator{
		store:      store,
		dispatcher: dispatcher,
		archiver:   archiver,
		opts:       opts,
		log:        log.With().Str("component", "orchestrator").Logger(),
	}
}

// Enqueue creates or finds the task for a signup submission and hands a
// fresh one to the dispatcher. The idempotency key is derived from the org
// and the auth code, so double-submitting the same signup returns the
// original task instead of burning the code twice.
func (o *Orchestrator) Enqueue(ctx context.Context, req wabaapi.SubmitOnboardingRequest) (state.TaskRecord, bool, error) {
	if strings.TrimSpace(req.OrgID) == "" || strings.TrimSpace(req.AuthCode) == "" {
		return state.TaskRecord{}, false, fmt.Errorf("%w: org_id and auth_code are required", ErrInvalidRequest)
	}

	task := state.TaskRecord{
		ID:             uuid.NewString(),
		OrgID:          req.OrgID,
		IdempotencyKey: idempotencyKey(req.OrgID, req.AuthCode),
		WABAID:         req.WABAID,
		PhoneNumberID:  req.PhoneNumberID,
	}
	stored, created, err := o.store.CreateTask(ctx, task)
	if err != nil {
		return state.TaskRecord{}, false, err
	}
	if !created {
		observability.Default.IncCounter("submissions_deduplicated_total", nil, 1)
		return stored, false, nil
	}

	if err := o.dispatcher.Dispatch(ctx, saga.Input{TaskID: stored.ID, Code: req.AuthCode, PIN: req.PIN}); err != nil {
		// The row is durable; maintenance will pick the PENDING task up.
		o.log.Error().Str("task_id", stored.ID).Err(err).Msg("dispatch failed, task stays pending")
	}
	return stored, true, nil
}

func (o *Orchestrator) GetTask(ctx context.Context, taskID string) (state.TaskRecord, bool, error) {
	return o.store.GetTask(ctx, taskID)
}

// Cancel asks for cooperative cancellation. Live tasks are rejected with
// state.ErrConflict; the store decides staleness using the configured
// threshold.
func (o *Orchestrator) Cancel(ctx context.Context, taskID, reason string) (state.TaskRecord, error) {
	if reason == "" {
		reason = "cancelled by operator"
	}
	task, err := o.store.MarkCancelled(ctx, taskID, reason, o.opts.StuckThreshold, time.Now().UTC())
	if err != nil {
		return task, err
	}
	observability.Default.IncCounter("tasks_cancelled_total", nil, 1)
	return task, nil
}

// ResetStuckTasks returns stale PROCESSING tasks to PENDING and redispatches
// them. The conditional update inside the store guarantees a live worker's
// task can never be stolen.
func (o *Orchestrator) ResetStuckTasks(ctx context.Context) (int, error) {
	olderThan := time.Now().UTC().Add(-o.opts.StuckThreshold)
	reset, err := o.store.ResetStuck(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	for _, task := range reset {
		if err := o.dispatcher.Redispatch(ctx, task); err != nil {
			o.log.Warn().Str("task_id", task.ID).Err(err).Msg("redispatch after stuck reset failed")
		}
	}
	if len(reset) > 0 {
		observability.Default.IncCounter("stuck_tasks_reset_total", nil, float64(len(reset)))
		o.log.Info().Int("count", len(reset)).Msg("stuck tasks reset")
	}
	return len(reset), nil
}

// RedispatchPendingTasks requeues PENDING tasks that never reached a worker:
// rows left behind when dispatch failed after the create, or by a crash
// between create and claim. A task already sitting in the queue just loses
// its second claim.
func (o *Orchestrator) RedispatchPendingTasks(ctx context.Context) (int, error) {
	olderThan := time.Now().UTC().Add(-o.opts.StuckThreshold)
	candidates, err := o.store.ListStalePending(ctx, olderThan, 100)
	if err != nil {
		return 0, err
	}
	redispatched := 0
	for _, task := range candidates {
		if err := o.dispatcher.Redispatch(ctx, task); err != nil {
			o.log.Warn().Str("task_id", task.ID).Err(err).Msg("pending redispatch failed")
			continue
		}
		redispatched++
	}
	if redispatched > 0 {
		observability.Default.IncCounter("pending_tasks_redispatched_total", nil, float64(redispatched))
		o.log.Info().Int("count", redispatched).Msg("stale pending tasks redispatched")
	}
	return redispatched, nil
}

// RetryFailedTasks requeues FAILED tasks that still have retry budget.
func (o *Orchestrator) RetryFailedTasks(ctx context.Context) (int, error) {
	candidates, err := o.store.ListRetryableFailed(ctx, o.opts.RetryLimit, 100)
	if err != nil {
		return 0, err
	}
	retried := 0
	for _, task := range candidates {
		ok, err := o.store.ResetFailed(ctx, task.ID)
		if err != nil {
			return retried, err
		}
		if !ok {
			continue
		}
		if err := o.dispatcher.Redispatch(ctx, task); err != nil {
			o.log.Warn().Str("task_id", task.ID).Err(err).Msg("redispatch after failure reset failed")
			continue
		}
		retried++
	}
	if retried > 0 {
		observability.Default.IncCounter("failed_tasks_retried_total", nil, float64(retried))
	}
	return retried, nil
}

// RunMaintenance executes one maintenance sweep.
func (o *Orchestrator) RunMaintenance(ctx context.Context) {
	if _, err := o.ResetStuckTasks(ctx); err != nil {
		o.log.Error().Err(err).Msg("stuck reset sweep failed")
	}
	if _, err := o.RedispatchPendingTasks(ctx); err != nil {
		o.log.Error().Err(err).Msg("pending redispatch sweep failed")
	}
	if _, err := o.RetryFailedTasks(ctx); err != nil {
		o.log.Error().Err(err).Msg("failed retry sweep failed")
	}
	if o.archiver != nil {
		if _, err := o.archiver.Run(ctx); err != nil {
			o.log.Error().Err(err).Msg("archive sweep failed")
		}
	}
}

// StartScheduler runs maintenance sweeps until the context is cancelled.
func (o *Orchestrator) StartScheduler(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(o.opts.MaintenanceEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.RunMaintenance(ctx)
			}
		}
	}()
}

func idempotencyKey(orgID, code string) string {
	sum := sha256.Sum256([]byte(orgID + "\x00" + code))
	return hex.EncodeToString(sum[:])
}
