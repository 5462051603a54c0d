// Package dispatch hands claimed work to a bounded pool. Submission never
// runs saga code on the caller's goroutine; the channel is the only path in,
// whether the caller is an HTTP handler or the maintenance scheduler.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/observability"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/saga"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/state"
)

const (
	DefaultWorkers      = 8
	DefaultQueueSize    = 256
	DefaultEventWorkers = 2
)

// ErrStopped is returned for submissions after Shutdown.
var ErrStopped = errors.New("dispatcher is stopped")

type Dispatcher struct {
	store  state.Store
	runner *saga.Runner
	log    zerolog.Logger

	jobs   chan saga.Input
	events chan func(context.Context)
	quit   chan struct{}

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

type Options struct {
	Workers      int
	QueueSize    int
	EventWorkers int
}

func New(store state.Store, runner *saga.Runner, opts Options, log zerolog.Logger) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.EventWorkers <= 0 {
		opts.EventWorkers = DefaultEventWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		store:   store,
		runner:  runner,
		log:     log.With().Str("component", "dispatch").Logger(),
		jobs:    make(chan saga.Input, opts.QueueSize),
		events:  make(chan func(context.Context), opts.QueueSize),
		quit:    make(chan struct{}),
		baseCtx: ctx,
		cancel:  cancel,
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.sagaWorker()
	}
	for i := 0; i < opts.EventWorkers; i++ {
		d.wg.Add(1)
		go d.eventWorker()
	}
	return d
}

// Dispatch enqueues a task for a pool worker. It blocks only while the queue
// is full and returns once the handoff happened; the saga itself always runs
// on a worker goroutine.
func (d *Dispatcher) Dispatch(ctx context.Context, input saga.Input) error {
	select {
	case <-d.quit:
		return ErrStopped
	default:
	}
	select {
	case d.jobs <- input:
		observability.Default.IncCounter("tasks_dispatched_total", nil, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.quit:
		return ErrStopped
	}
}

// Redispatch re-enqueues a reset task. The single-use inputs are gone; the
// runner works from the persisted step markers and resolved identifiers.
func (d *Dispatcher) Redispatch(ctx context.Context, task state.TaskRecord) error {
	return d.Dispatch(ctx, saga.Input{TaskID: task.ID})
}

// DispatchEvent hands best-effort work, such as an inbound webhook event, to
// the side-channel pool so bursts cannot starve saga workers. Events are
// dropped with a log line when that pool's queue is full.
func (d *Dispatcher) DispatchEvent(fn func(context.Context)) {
	select {
	case <-d.quit:
		return
	default:
	}
	select {
	case d.events <- fn:
	default:
		observability.Default.IncCounter("webhook_events_dropped_total", nil, 1)
		d.log.Warn().Msg("event queue full, dropping webhook event")
	}
}

// Shutdown stops intake and waits for in-flight work to finish. The intake
// channels are never closed, so a submitter racing shutdown gets ErrStopped
// instead of a send panic. Work still queued at that point is abandoned; the
// rows are durable PENDING and the maintenance sweep redispatches them.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.quit)
	d.mu.Unlock()
	d.wg.Wait()
	d.cancel()
}

func (d *Dispatcher) sagaWorker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.quit:
			return
		case input := <-d.jobs:
			d.process(d.baseCtx, input)
		}
	}
}

func (d *Dispatcher) eventWorker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.quit:
			return
		case fn := <-d.events:
			fn(d.baseCtx)
		}
	}
}

// process is the per-task worker protocol: claim, run, write exactly one
// terminal outcome. A lost claim or lost ownership writes nothing.
func (d *Dispatcher) process(ctx context.Context, input saga.Input) {
	log := d.log.With().Str("task_id", input.TaskID).Logger()

	won, err := d.store.TryClaim(ctx, input.TaskID, time.Now().UTC())
	if err != nil {
		log.Error().Err(err).Msg("claim failed")
		return
	}
	if !won {
		observability.Default.IncCounter("claims_lost_total", nil, 1)
		return
	}
	observability.Default.IncCounter("claims_won_total", nil, 1)

	task, found, err := d.store.GetTask(ctx, input.TaskID)
	if err != nil || !found {
		log.Error().Err(err).Bool("found", found).Msg("claimed task could not be loaded")
		return
	}

	outcome, runErr := d.runner.Run(ctx, task, input)
	switch {
	case runErr == nil:
		applied, err := d.store.MarkCompleted(ctx, task.ID, outcome.AccountID, outcome.Summary)
		if err != nil {
			log.Error().Err(err).Msg("completion write failed")
			return
		}
		if !applied {
			log.Warn().Msg("completion rejected by terminal state, result discarded")
			return
		}
		observability.Default.IncCounter("tasks_completed_total", nil, 1)
		log.Info().Str("account_id", outcome.AccountID).Msg("onboarding completed")

	case errors.Is(runErr, saga.ErrOwnershipLost):
		// Another actor owns the outcome now; recording a failure here
		// could clobber their terminal state.
		log.Warn().Msg("ownership lost mid-run, aborting without failure mark")

	default:
		applied, err := d.store.MarkFailed(ctx, task.ID, runErr.Error())
		if err != nil {
			log.Error().Err(err).Msg("failure write failed")
			return
		}
		if !applied {
			log.Warn().Msg("failure rejected by terminal state, discarded")
			return
		}
		observability.Default.IncCounter("tasks_failed_total", nil, 1)
		log.Warn().Err(runErr).Msg("onboarding failed")
	}
}
