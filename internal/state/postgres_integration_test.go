package state

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestPostgresStoreIntegrationTaskLifecycle(t *testing.T) {
	dsn := os.Getenv("WABA_POSTGRES_DSN_INTEGRATION")
	if dsn == "" {
		t.Skip("set WABA_POSTGRES_DSN_INTEGRATION to run Postgres integration tests")
	}
	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	taskID := uuid.NewString()
	key := "itest-" + time.Now().UTC().Format("20060102150405.000")

	created, wasNew, err := store.CreateTask(ctx, TaskRecord{ID: taskID, OrgID: "org-int", IdempotencyKey: key})
	if err != nil || !wasNew {
		t.Fatalf("create task = %v, %v", wasNew, err)
	}
	if created.Status != TaskPending {
		t.Fatalf("status = %s, want PENDING", created.Status)
	}

	dup, wasNew, err := store.CreateTask(ctx, TaskRecord{ID: uuid.NewString(), OrgID: "org-int", IdempotencyKey: key})
	if err != nil || wasNew || dup.ID != taskID {
		t.Fatalf("dedupe = (%s, %v, %v), want existing task %s", dup.ID, wasNew, err, taskID)
	}

	if ok, err := store.TryClaim(ctx, taskID, time.Now().UTC()); err != nil || !ok {
		t.Fatalf("TryClaim = %v, %v", ok, err)
	}
	if ok, err := store.TryClaim(ctx, taskID, time.Now().UTC()); err != nil || ok {
		t.Fatalf("second claim must lose, got %v, %v", ok, err)
	}

	if ok, err := store.MarkStepCompleted(ctx, taskID, StepResolveWABA, ResolvedPatch{WABAID: "waba-int"}); err != nil || !ok {
		t.Fatalf("MarkStepCompleted = %v, %v", ok, err)
	}
	task, found, err := store.GetTask(ctx, taskID)
	if err != nil || !found {
		t.Fatalf("GetTask = %v, %v", found, err)
	}
	if !task.CompletedSteps.Has(StepResolveWABA) || task.ResolvedWABAID != "waba-int" {
		t.Fatalf("step marker not persisted: %+v", task)
	}

	if ok, err := store.MarkCompleted(ctx, taskID, "acct-int", "onboarded"); err != nil || !ok {
		t.Fatalf("MarkCompleted = %v, %v", ok, err)
	}
	if ok, err := store.MarkFailed(ctx, taskID, "late"); err != nil || ok {
		t.Fatalf("MarkFailed over COMPLETED must lose, got %v, %v", ok, err)
	}
}
