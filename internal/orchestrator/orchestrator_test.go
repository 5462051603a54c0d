package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/dispatch"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/graph"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/policy"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/registration"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/retry"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/saga"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/secrets"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/state"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/pkg/wabaapi"
)

// allOKClient satisfies every saga step so orchestrator tests can focus on
// queueing and maintenance behavior.
type allOKClient struct{}

func ok() graph.Result { return graph.Result{Success: true} }

func (allOKClient) ExchangeCode(context.Context, string) (graph.Credential, graph.Result, error) {
	return graph.Credential{Token: "short", ExpiresInSec: 3600}, ok(), nil
}
func (allOKClient) ExtendToken(context.Context, string) (graph.Credential, graph.Result, error) {
	return graph.Credential{Token: "long", ExpiresInSec: 5184000}, ok(), nil
}
func (allOKClient) DebugToken(context.Context, string) ([]string, graph.Result, error) {
	return []string{"whatsapp_business_management", "whatsapp_business_messaging", "business_management"}, ok(), nil
}
func (allOKClient) GetAccount(context.Context, string, string) (string, string, graph.Result, error) {
	return "waba-1", "biz-1", ok(), nil
}
func (allOKClient) GetBusiness(context.Context, string, string) (graph.Result, error) {
	return ok(), nil
}
func (allOKClient) ListPhoneNumbers(context.Context, string, string) ([]string, graph.Result, error) {
	return []string{"pn-1"}, ok(), nil
}
func (allOKClient) SubscribeApp(context.Context, string, string) (graph.Result, error) {
	return ok(), nil
}
func (allOKClient) GetSubscriptions(context.Context, string, string) (bool, graph.Result, error) {
	return true, ok(), nil
}
func (allOKClient) RegisterPhone(context.Context, string, string, string) (graph.Result, error) {
	return ok(), nil
}
func (allOKClient) CreateSystemUserToken(context.Context, string, string) (graph.Credential, graph.Result, error) {
	return graph.Credential{Token: "system", ServiceIdentity: true}, ok(), nil
}

func newOrchestrator(t *testing.T) (*Orchestrator, *state.MemoryStore) {
	t.Helper()
	return newOrchestratorWithOptions(t, Options{RetryLimit: 3, StuckThreshold: 10 * time.Minute})
}

func newOrchestratorWithOptions(t *testing.T, opts Options) (*Orchestrator, *state.MemoryStore) {
	t.Helper()
	store := state.NewMemoryStore()
	classifier := policy.New(policy.DefaultConfig())
	exec := retry.NewExecutor(classifier, retry.Options{MaxAttempts: 1}, zerolog.Nop())
	cipher, err := secrets.NewCipher(make([]byte, 32))
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	client := allOKClient{}
	phones := registration.New(store, client, exec, classifier, 0, zerolog.Nop())
	runner := saga.NewRunner(store, client, exec, classifier, cipher, phones, zerolog.Nop())
	d := dispatch.New(store, runner, dispatch.Options{Workers: 2, QueueSize: 8}, zerolog.Nop())
	t.Cleanup(d.Shutdown)
	return New(store, d, nil, opts, zerolog.Nop()), store
}

func waitForStatus(t *testing.T, store state.Store, taskID string, want state.TaskStatus) state.TaskRecord {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		task, found, err := store.GetTask(context.Background(), taskID)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if found && task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _, _ := store.GetTask(context.Background(), taskID)
	t.Fatalf("task %s stuck in %s, want %s", taskID, task.Status, want)
	return state.TaskRecord{}
}

func TestEnqueueDeduplicatesSameSignup(t *testing.T) {
	o, store := newOrchestrator(t)
	ctx := context.Background()
	req := wabaapi.SubmitOnboardingRequest{OrgID: "org-42", AuthCode: "code-1"}

	first, created, err := o.Enqueue(ctx, req)
	if err != nil || !created {
		t.Fatalf("first Enqueue = %v, %v", created, err)
	}
	dup, created, err := o.Enqueue(ctx, req)
	if err != nil {
		t.Fatalf("second Enqueue: %v", err)
	}
	if created || dup.ID != first.ID {
		t.Fatalf("duplicate returned (%s, created=%v), want task %s", dup.ID, created, first.ID)
	}

	// A different code from the same org is a new signup.
	other, created, err := o.Enqueue(ctx, wabaapi.SubmitOnboardingRequest{OrgID: "org-42", AuthCode: "code-2"})
	if err != nil || !created {
		t.Fatalf("third Enqueue = %v, %v", created, err)
	}
	if other.ID == first.ID {
		t.Fatal("distinct codes must map to distinct tasks")
	}

	waitForStatus(t, store, first.ID, state.TaskCompleted)
}

func TestEnqueueRejectsMissingFields(t *testing.T) {
	o, _ := newOrchestrator(t)
	_, _, err := o.Enqueue(context.Background(), wabaapi.SubmitOnboardingRequest{OrgID: "org-42"})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("got %v, want ErrInvalidRequest", err)
	}
}

func TestCancelRejectsLiveTask(t *testing.T) {
	o, store := newOrchestrator(t)
	ctx := context.Background()

	if _, created, err := store.CreateTask(ctx, state.TaskRecord{ID: "t1", OrgID: "org-1", IdempotencyKey: "k1"}); err != nil || !created {
		t.Fatalf("CreateTask = %v, %v", created, err)
	}
	if ok, _ := store.TryClaim(ctx, "t1", time.Now().UTC()); !ok {
		t.Fatal("TryClaim should succeed")
	}

	_, err := o.Cancel(ctx, "t1", "operator request")
	if !errors.Is(err, state.ErrConflict) {
		t.Fatalf("cancel of live task = %v, want ErrConflict", err)
	}
}

func TestResetStuckTasksRedispatches(t *testing.T) {
	o, store := newOrchestrator(t)
	ctx := context.Background()

	if _, created, err := store.CreateTask(ctx, state.TaskRecord{ID: "t1", OrgID: "org-1", IdempotencyKey: "k1"}); err != nil || !created {
		t.Fatalf("CreateTask = %v, %v", created, err)
	}
	// Claimed an hour ago by a worker that died mid-run with the first two
	// steps already persisted.
	if ok, _ := store.TryClaim(ctx, "t1", time.Now().UTC().Add(-time.Hour)); !ok {
		t.Fatal("TryClaim should succeed")
	}
	if ok, _ := store.MarkStepCompleted(ctx, "t1", state.StepExchangeCode, state.ResolvedPatch{}); !ok {
		t.Fatal("MarkStepCompleted should succeed")
	}
	if ok, _ := store.MarkStepCompleted(ctx, "t1", state.StepExtendToken, state.ResolvedPatch{}); !ok {
		t.Fatal("MarkStepCompleted should succeed")
	}
	// The resumed run reads the stored credential.
	cipher, _ := secrets.NewCipher(make([]byte, 32))
	envelope, _ := cipher.Encrypt("long")
	if err := store.UpsertCredential(ctx, state.CredentialRecord{OrgID: "org-1", Envelope: envelope}); err != nil {
		t.Fatalf("UpsertCredential: %v", err)
	}

	count, err := o.ResetStuckTasks(ctx)
	if err != nil || count != 1 {
		t.Fatalf("ResetStuckTasks = %d, %v", count, err)
	}

	task := waitForStatus(t, store, "t1", state.TaskCompleted)
	if task.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", task.Attempts)
	}
}

func TestRedispatchPendingRecoversOrphanedRows(t *testing.T) {
	o, store := newOrchestratorWithOptions(t, Options{RetryLimit: 3, StuckThreshold: time.Millisecond})
	ctx := context.Background()

	// The row was persisted but the process died before any worker claimed
	// it, so no dispatch ever happened.
	if _, created, err := store.CreateTask(ctx, state.TaskRecord{ID: "t1", OrgID: "org-1", IdempotencyKey: "k1"}); err != nil || !created {
		t.Fatalf("CreateTask = %v, %v", created, err)
	}
	time.Sleep(10 * time.Millisecond)

	count, err := o.RedispatchPendingTasks(ctx)
	if err != nil || count != 1 {
		t.Fatalf("RedispatchPendingTasks = %d, %v", count, err)
	}

	task := waitForStatus(t, store, "t1", state.TaskCompleted)
	if task.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", task.Attempts)
	}

	// A second sweep finds nothing; the task is no longer PENDING.
	if count, err := o.RedispatchPendingTasks(ctx); err != nil || count != 0 {
		t.Fatalf("second sweep = %d, %v", count, err)
	}
}

func TestRetryFailedTasksHonorsBudget(t *testing.T) {
	o, store := newOrchestrator(t)
	ctx := context.Background()

	fail := func(id string, retries int) {
		t.Helper()
		if _, created, err := store.CreateTask(ctx, state.TaskRecord{ID: id, OrgID: "org-1", IdempotencyKey: "k-" + id}); err != nil || !created {
			t.Fatalf("CreateTask = %v, %v", created, err)
		}
		for i := 0; i < retries; i++ {
			if ok, _ := store.TryClaim(ctx, id, time.Now().UTC()); !ok {
				t.Fatal("TryClaim should succeed")
			}
			if ok, _ := store.MarkFailed(ctx, id, "boom"); !ok {
				t.Fatal("MarkFailed should succeed")
			}
			if i < retries-1 {
				if ok, _ := store.ResetFailed(ctx, id); !ok {
					t.Fatal("ResetFailed should succeed")
				}
			}
		}
	}
	fail("retryable", 1)
	fail("exhausted", 3)

	// Credential for the resumed runs; the retryable task restarts from the
	// exchange step, which fails the consumed-code guard and lands back in
	// FAILED. The exhausted task must not be touched at all.
	count, err := o.RetryFailedTasks(ctx)
	if err != nil || count != 1 {
		t.Fatalf("RetryFailedTasks = %d, %v", count, err)
	}

	waitForStatus(t, store, "retryable", state.TaskFailed)
	exhausted, _, _ := store.GetTask(ctx, "exhausted")
	if exhausted.RetryCount != 3 || exhausted.Status != state.TaskFailed {
		t.Fatalf("exhausted task was touched: %+v", exhausted)
	}
}
