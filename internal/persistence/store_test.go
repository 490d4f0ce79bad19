package persistence_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/planrun/internal/persistence"
)

func openStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "planrun.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createTask(t *testing.T, store *persistence.Store, planHash string) *persistence.Task {
	t.Helper()
	task := &persistence.Task{
		PlanHash:   planHash,
		PlanPath:   "/tmp/plan.json",
		BundlePath: "/tmp/bundle",
	}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

func TestCreateAndGetTask(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	task := &persistence.Task{
		PlanHash:   "sha256:abc",
		PlanPath:   "/tmp/plan.json",
		BundlePath: "/tmp/bundle",
		Metadata:   map[string]any{"source": "cli"},
	}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.ID == "" {
		t.Fatal("CreateTask did not assign an id")
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.State != persistence.StateQueued {
		t.Errorf("state = %q, want %q", got.State, persistence.StateQueued)
	}
	if got.PlanHash != "sha256:abc" {
		t.Errorf("plan hash = %q, want sha256:abc", got.PlanHash)
	}
	if got.Metadata["source"] != "cli" {
		t.Errorf("metadata = %v, want source=cli", got.Metadata)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	store := openStore(t)
	_, err := store.GetTask(context.Background(), "tsk_missing")
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestClaimNextQueuedOrderAndLease(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	first := createTask(t, store, "sha256:one")
	second := createTask(t, store, "sha256:two")

	claimed, err := store.ClaimNextQueued(ctx, "worker-1")
	if err != nil {
		t.Fatalf("ClaimNextQueued: %v", err)
	}
	if claimed == nil || claimed.ID != first.ID {
		t.Fatalf("claimed %+v, want oldest task %s", claimed, first.ID)
	}
	if claimed.State != persistence.StateRunning {
		t.Errorf("state = %q, want running", claimed.State)
	}
	if claimed.LockedBy != "worker-1" || claimed.LockedAt == nil {
		t.Errorf("lease not taken: locked_by=%q locked_at=%v", claimed.LockedBy, claimed.LockedAt)
	}

	next, err := store.ClaimNextQueued(ctx, "worker-2")
	if err != nil {
		t.Fatalf("ClaimNextQueued second: %v", err)
	}
	if next == nil || next.ID != second.ID {
		t.Fatalf("second claim = %+v, want %s", next, second.ID)
	}

	empty, err := store.ClaimNextQueued(ctx, "worker-3")
	if err != nil {
		t.Fatalf("ClaimNextQueued empty: %v", err)
	}
	if empty != nil {
		t.Fatalf("claim on empty queue returned %+v", empty)
	}
}

func TestClaimNextQueuedConcurrentSingleWinner(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	task := createTask(t, store, "sha256:contested")

	const workers = 8
	var wg sync.WaitGroup
	claims := make(chan *persistence.Task, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			claimed, err := store.ClaimNextQueued(ctx, fmt.Sprintf("worker-%d", n))
			if err != nil {
				t.Errorf("ClaimNextQueued: %v", err)
				return
			}
			claims <- claimed
		}(i)
	}
	wg.Wait()
	close(claims)

	winners := 0
	for claimed := range claims {
		if claimed == nil {
			continue
		}
		winners++
		if claimed.ID != task.ID {
			t.Errorf("claimed %q, want %q", claimed.ID, task.ID)
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.State != persistence.StateRunning {
		t.Errorf("state = %q, want running", got.State)
	}
}

func TestAdvanceStepConflicts(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	task := createTask(t, store, "sha256:steps")
	if _, err := store.ClaimNextQueued(ctx, "worker-1"); err != nil {
		t.Fatalf("ClaimNextQueued: %v", err)
	}

	if err := store.AdvanceStep(ctx, task.ID, "worker-1", 1); err != nil {
		t.Fatalf("AdvanceStep 1: %v", err)
	}
	if err := store.AdvanceStep(ctx, task.ID, "worker-1", 2); err != nil {
		t.Fatalf("AdvanceStep 2: %v", err)
	}

	// Wrong worker.
	if err := store.AdvanceStep(ctx, task.ID, "worker-2", 3); !errors.Is(err, persistence.ErrConflict) {
		t.Errorf("wrong worker err = %v, want ErrConflict", err)
	}
	// Skipped step.
	if err := store.AdvanceStep(ctx, task.ID, "worker-1", 4); !errors.Is(err, persistence.ErrConflict) {
		t.Errorf("skipped step err = %v, want ErrConflict", err)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.CurrentStep != 2 {
		t.Errorf("current_step = %d, want 2", got.CurrentStep)
	}
}

func TestWaitingApprovalAndResume(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	task := createTask(t, store, "sha256:gate")
	if _, err := store.ClaimNextQueued(ctx, "worker-1"); err != nil {
		t.Fatalf("ClaimNextQueued: %v", err)
	}

	checkpoint := "w2"
	if err := store.SetWaitingApproval(ctx, task.ID, &checkpoint, 3); err != nil {
		t.Fatalf("SetWaitingApproval: %v", err)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.State != persistence.StateWaitingApproval {
		t.Fatalf("state = %q, want waiting_approval", got.State)
	}
	if got.NextCheckpoint == nil || *got.NextCheckpoint != "w2" {
		t.Errorf("next_checkpoint = %v, want w2", got.NextCheckpoint)
	}
	if got.LockedBy != "" || got.LockedAt != nil {
		t.Errorf("lease not released: locked_by=%q", got.LockedBy)
	}
	if got.CurrentStep != 3 {
		t.Errorf("current_step = %d, want 3", got.CurrentStep)
	}

	claimed, err := store.ClaimWaiting(ctx, task.ID, "worker-2")
	if err != nil {
		t.Fatalf("ClaimWaiting: %v", err)
	}
	if !claimed {
		t.Fatal("ClaimWaiting = false, want true")
	}
	// Second claim loses the race.
	again, err := store.ClaimWaiting(ctx, task.ID, "worker-3")
	if err != nil {
		t.Fatalf("ClaimWaiting again: %v", err)
	}
	if again {
		t.Fatal("second ClaimWaiting succeeded, want false")
	}

	if err := store.ClearGate(ctx, task.ID); err != nil {
		t.Fatalf("ClearGate: %v", err)
	}
	got, err = store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask after resume: %v", err)
	}
	if got.State != persistence.StateRunning {
		t.Errorf("state = %q, want running", got.State)
	}
	if got.NextCheckpoint != nil {
		t.Errorf("next_checkpoint = %v, want nil", got.NextCheckpoint)
	}
	if got.CheckpointID != nil {
		t.Errorf("checkpoint_id = %v, want nil after resume", got.CheckpointID)
	}
	if got.LockedBy != "worker-2" {
		t.Errorf("locked_by = %q, want worker-2", got.LockedBy)
	}
}

func TestCompleteAndFail(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	task := createTask(t, store, "sha256:done")
	if _, err := store.ClaimNextQueued(ctx, "worker-1"); err != nil {
		t.Fatalf("ClaimNextQueued: %v", err)
	}
	if err := store.CompleteTask(ctx, task.ID, 2); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.State != persistence.StateCompleted || got.CurrentStep != 2 {
		t.Errorf("got state=%q step=%d, want completed step 2", got.State, got.CurrentStep)
	}
	if got.LockedBy != "" {
		t.Errorf("lease not released after completion: %q", got.LockedBy)
	}

	// Completed is terminal.
	if err := store.FailTask(ctx, task.ID, "late failure"); !errors.Is(err, persistence.ErrConflict) {
		t.Errorf("fail after complete err = %v, want ErrConflict", err)
	}

	other := createTask(t, store, "sha256:bad")
	if _, err := store.ClaimNextQueued(ctx, "worker-1"); err != nil {
		t.Fatalf("ClaimNextQueued other: %v", err)
	}
	if err := store.FailTask(ctx, other.ID, "tool denied token=secret123"); err != nil {
		t.Fatalf("FailTask: %v", err)
	}
	gotOther, err := store.GetTask(ctx, other.ID)
	if err != nil {
		t.Fatalf("GetTask other: %v", err)
	}
	if gotOther.State != persistence.StateFailed {
		t.Errorf("state = %q, want failed", gotOther.State)
	}
	if gotOther.Error == "" {
		t.Error("failed task has empty error")
	}
}

func TestCancelTask(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	queued := createTask(t, store, "sha256:c1")
	if err := store.CancelTask(ctx, queued.ID); err != nil {
		t.Fatalf("CancelTask queued: %v", err)
	}
	got, err := store.GetTask(ctx, queued.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.State != persistence.StateCanceled {
		t.Errorf("state = %q, want canceled", got.State)
	}

	// Terminal tasks refuse cancel.
	if err := store.CancelTask(ctx, queued.ID); !errors.Is(err, persistence.ErrConflict) {
		t.Errorf("double cancel err = %v, want ErrConflict", err)
	}
}

func TestRequestCancelFlag(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	task := createTask(t, store, "sha256:coop")
	if _, err := store.ClaimNextQueued(ctx, "worker-1"); err != nil {
		t.Fatalf("ClaimNextQueued: %v", err)
	}

	ok, err := store.RequestCancel(ctx, task.ID)
	if err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if !ok {
		t.Fatal("RequestCancel = false, want true")
	}
	flag, err := store.IsCancelRequested(ctx, task.ID)
	if err != nil {
		t.Fatalf("IsCancelRequested: %v", err)
	}
	if !flag {
		t.Fatal("cancel flag not set")
	}

	if err := store.CompleteTask(ctx, task.ID, 1); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	ok, err = store.RequestCancel(ctx, task.ID)
	if err != nil {
		t.Fatalf("RequestCancel terminal: %v", err)
	}
	if ok {
		t.Fatal("RequestCancel on terminal task = true, want false")
	}
}

func TestReapExpiredLeases(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	task := createTask(t, store, "sha256:stale")
	if _, err := store.ClaimNextQueued(ctx, "worker-dead"); err != nil {
		t.Fatalf("ClaimNextQueued: %v", err)
	}
	if err := store.AdvanceStep(ctx, task.ID, "worker-dead", 1); err != nil {
		t.Fatalf("AdvanceStep: %v", err)
	}

	// A generous timeout reaps nothing.
	reaped, err := store.ReapExpiredLeases(ctx, time.Hour)
	if err != nil {
		t.Fatalf("ReapExpiredLeases: %v", err)
	}
	if reaped != 0 {
		t.Fatalf("reaped %d with fresh lease, want 0", reaped)
	}

	reaped, err = store.ReapExpiredLeases(ctx, -time.Second)
	if err != nil {
		t.Fatalf("ReapExpiredLeases stale: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("reaped = %d, want 1", reaped)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.State != persistence.StateQueued {
		t.Errorf("state = %q, want queued", got.State)
	}
	if got.LockedBy != "" || got.LockedAt != nil {
		t.Errorf("lease not cleared: locked_by=%q", got.LockedBy)
	}
	if got.CurrentStep != 1 {
		t.Errorf("current_step = %d, want 1 preserved across reap", got.CurrentStep)
	}
}

func TestApprovalGateMatching(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	checkpoint := "w2"
	if _, err := store.RecordApproval(ctx, "sha256:plan", &checkpoint, "alice"); err != nil {
		t.Fatalf("RecordApproval: %v", err)
	}

	// Checkpoint approval matches only the same checkpoint.
	got, err := store.FindApproval(ctx, "sha256:plan", &checkpoint)
	if err != nil {
		t.Fatalf("FindApproval: %v", err)
	}
	if got == nil || got.CheckpointID == nil || *got.CheckpointID != "w2" {
		t.Fatalf("FindApproval = %+v, want checkpoint w2", got)
	}

	whole, err := store.FindApproval(ctx, "sha256:plan", nil)
	if err != nil {
		t.Fatalf("FindApproval nil: %v", err)
	}
	if whole != nil {
		t.Fatalf("whole-plan lookup matched checkpoint approval %+v", whole)
	}

	if _, err := store.RecordApproval(ctx, "sha256:plan", nil, "bob"); err != nil {
		t.Fatalf("RecordApproval whole: %v", err)
	}
	whole, err = store.FindApproval(ctx, "sha256:plan", nil)
	if err != nil {
		t.Fatalf("FindApproval whole: %v", err)
	}
	if whole == nil || whole.CheckpointID != nil {
		t.Fatalf("FindApproval whole = %+v, want nil checkpoint", whole)
	}

	other := "w9"
	miss, err := store.FindApproval(ctx, "sha256:plan", &other)
	if err != nil {
		t.Fatalf("FindApproval miss: %v", err)
	}
	if miss != nil {
		t.Fatalf("unexpected match for unapproved checkpoint: %+v", miss)
	}
}

func TestTaskEventsMirrorGrows(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	task := createTask(t, store, "sha256:events")
	if _, err := store.ClaimNextQueued(ctx, "worker-1"); err != nil {
		t.Fatalf("ClaimNextQueued: %v", err)
	}
	if err := store.CompleteTask(ctx, task.ID, 1); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	events, err := store.ListTaskEvents(ctx, task.ID)
	if err != nil {
		t.Fatalf("ListTaskEvents: %v", err)
	}
	want := []string{"task_created", "task_queued", "task_claimed", "task_completed"}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(want), events)
	}
	for i, name := range want {
		if events[i].Event != name {
			t.Errorf("event[%d] = %q, want %q", i, events[i].Event, name)
		}
	}
	if events[2].WorkerID != "worker-1" {
		t.Errorf("claim event worker = %q, want worker-1", events[2].WorkerID)
	}
}

func TestListAndCount(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	createTask(t, store, "sha256:a")
	createTask(t, store, "sha256:b")
	if _, err := store.ClaimNextQueued(ctx, "worker-1"); err != nil {
		t.Fatalf("ClaimNextQueued: %v", err)
	}

	queued, err := store.ListTasks(ctx, persistence.StateQueued, 10, 0)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(queued) != 1 {
		t.Fatalf("queued = %d, want 1", len(queued))
	}

	all, err := store.ListTasks(ctx, "", 10, 0)
	if err != nil {
		t.Fatalf("ListTasks all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all = %d, want 2", len(all))
	}

	counts, err := store.CountTasksByState(ctx)
	if err != nil {
		t.Fatalf("CountTasksByState: %v", err)
	}
	if counts[persistence.StateQueued] != 1 || counts[persistence.StateRunning] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestBackupRefusesOverwrite(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	createTask(t, store, "sha256:bk")

	dest := filepath.Join(t.TempDir(), "backup.db")
	if err := store.Backup(ctx, dest); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if err := store.Backup(ctx, dest); err == nil {
		t.Fatal("second Backup to same path succeeded, want error")
	}
}
