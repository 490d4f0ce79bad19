package daemon_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/basket/planrun/internal/bundle"
	"github.com/basket/planrun/internal/config"
	"github.com/basket/planrun/internal/daemon"
	"github.com/basket/planrun/internal/persistence"
	"github.com/basket/planrun/internal/plan"
	"github.com/basket/planrun/internal/policy"
	"github.com/basket/planrun/internal/tools"
)

type env struct {
	store   *persistence.Store
	bundles *bundle.Manager
	live    *policy.LivePolicy
	daemon  *daemon.Daemon
	cfg     config.Config
	work    string
}

func newEnv(t *testing.T, mutate func(*policy.Policy)) *env {
	t.Helper()
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	work := t.TempDir()

	pol := policy.Default()
	pol.AllowedRoots = []string{work}
	if mutate != nil {
		mutate(&pol)
	}

	store, err := persistence.Open(cfg.DBPath(), nil)
	if err != nil {
		t.Fatalf("persistence.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	bundles := bundle.NewManager(cfg.BundlesDir())
	live := policy.NewLivePolicy(pol)
	gate := policy.NewGate(live, tools.Default().Known, nil)

	d := daemon.New(daemon.Options{
		Store:   store,
		Bundles: bundles,
		Gate:    gate,
		Live:    live,
		Config:  cfg,
	})
	return &env{store: store, bundles: bundles, live: live, daemon: d, cfg: cfg, work: work}
}

func writeCall(id, path, content string) plan.ToolCall {
	return plan.ToolCall{
		ID:   id,
		Tool: "fs.apply_write_file",
		Args: map[string]any{"path": path, "content": content},
	}
}

func (e *env) submit(t *testing.T, p *plan.Plan) *persistence.Task {
	t.Helper()
	p.EnsureFields()
	if _, err := p.EnsureHash(); err != nil {
		t.Fatalf("EnsureHash: %v", err)
	}
	taskID := persistence.NewTaskID()
	b, err := e.bundles.Init(taskID, p, nil)
	if err != nil {
		t.Fatalf("bundle Init: %v", err)
	}
	task := &persistence.Task{
		ID:         taskID,
		PlanHash:   p.PlanHash,
		PlanPath:   b.PlanPath,
		BundlePath: b.Root,
	}
	if err := e.store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	for _, name := range []string{bundle.EventTaskCreated, bundle.EventTaskQueued} {
		if err := b.AppendEvent(bundle.Event{
			TaskID: taskID,
			Event:  name,
			State:  persistence.StateQueued,
		}); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	return task
}

func (e *env) drain(t *testing.T) int {
	t.Helper()
	worked, err := e.daemon.RunUntilIdle(context.Background())
	if err != nil {
		t.Fatalf("RunUntilIdle: %v", err)
	}
	return worked
}

func (e *env) taskState(t *testing.T, id string) *persistence.Task {
	t.Helper()
	task, err := e.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	return task
}

func TestPausesAtFirstCheckpointBeforeExecuting(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	a := filepath.Join(e.work, "a.txt")
	b := filepath.Join(e.work, "b.txt")
	c := filepath.Join(e.work, "c.txt")
	p := &plan.Plan{
		Version: plan.Version,
		ToolCalls: []plan.ToolCall{
			writeCall("w1", a, "one"),
			writeCall("w2", b, "two"),
			writeCall("w3", c, "three"),
		},
		Checkpoints: []string{"w1", "w3"},
	}
	task := e.submit(t, p)

	// Without any approval the task pauses at the first declared
	// checkpoint before anything has run.
	e.drain(t)
	got := e.taskState(t, task.ID)
	if got.State != persistence.StateWaitingApproval {
		t.Fatalf("state = %q, want waiting_approval", got.State)
	}
	if got.CurrentStep != 0 {
		t.Errorf("current_step = %d, want 0", got.CurrentStep)
	}
	if got.NextCheckpoint == nil || *got.NextCheckpoint != "w1" {
		t.Errorf("next_checkpoint = %v, want w1", got.NextCheckpoint)
	}
	if _, err := os.Stat(a); err == nil {
		t.Error("first write ran before approval")
	}

	// An approval for a different gate must not resume the task.
	wrong := "w2"
	if _, err := e.store.RecordApproval(ctx, p.PlanHash, &wrong, "tester"); err != nil {
		t.Fatalf("RecordApproval: %v", err)
	}
	if worked := e.drain(t); worked != 0 {
		t.Fatalf("mismatched approval resumed the task (worked=%d)", worked)
	}

	// Approving w1 runs the segment up to the next checkpoint, which
	// pauses again before w3 executes.
	first := "w1"
	if _, err := e.store.RecordApproval(ctx, p.PlanHash, &first, "tester"); err != nil {
		t.Fatalf("RecordApproval: %v", err)
	}
	e.drain(t)
	got = e.taskState(t, task.ID)
	if got.State != persistence.StateWaitingApproval {
		t.Fatalf("state = %q, want waiting_approval (error=%q)", got.State, got.Error)
	}
	if got.CurrentStep != 2 {
		t.Errorf("current_step = %d, want 2", got.CurrentStep)
	}
	if got.NextCheckpoint == nil || *got.NextCheckpoint != "w3" {
		t.Errorf("next_checkpoint = %v, want w3", got.NextCheckpoint)
	}
	for _, path := range []string{a, b} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("approved segment output missing: %v", err)
		}
	}
	if _, err := os.Stat(c); err == nil {
		t.Error("checkpoint call ran before its approval")
	}

	second := "w3"
	if _, err := e.store.RecordApproval(ctx, p.PlanHash, &second, "tester"); err != nil {
		t.Fatalf("RecordApproval: %v", err)
	}
	e.drain(t)

	got = e.taskState(t, task.ID)
	if got.State != persistence.StateCompleted {
		t.Fatalf("state = %q, want completed (error=%q)", got.State, got.Error)
	}
	for _, path := range []string{a, b, c} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected output missing: %v", err)
		}
	}
	if got.CurrentStep != 3 {
		t.Errorf("current_step = %d, want 3", got.CurrentStep)
	}
}

func TestCheckpointOnLastCallStillGated(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	x := filepath.Join(e.work, "x.txt")
	y := filepath.Join(e.work, "y.txt")
	p := &plan.Plan{
		Version: plan.Version,
		ToolCalls: []plan.ToolCall{
			writeCall("s1", x, "setup"),
			writeCall("c1", y, "final"),
		},
		Checkpoints: []string{"c1"},
	}
	task := e.submit(t, p)

	e.drain(t)
	got := e.taskState(t, task.ID)
	if got.State != persistence.StateWaitingApproval {
		t.Fatalf("state = %q, want waiting_approval", got.State)
	}
	if got.NextCheckpoint == nil || *got.NextCheckpoint != "c1" {
		t.Errorf("next_checkpoint = %v, want c1", got.NextCheckpoint)
	}
	if _, err := os.Stat(y); err == nil {
		t.Error("tail checkpoint executed without approval")
	}

	gate := "c1"
	if _, err := e.store.RecordApproval(ctx, p.PlanHash, &gate, "tester"); err != nil {
		t.Fatalf("RecordApproval: %v", err)
	}
	e.drain(t)
	got = e.taskState(t, task.ID)
	if got.State != persistence.StateCompleted {
		t.Fatalf("state = %q, want completed (error=%q)", got.State, got.Error)
	}
	for _, path := range []string{x, y} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected output missing: %v", err)
		}
	}
}

func TestLeaseExpiryResumesAtRecordedStep(t *testing.T) {
	e := newEnv(t, func(p *policy.Policy) { p.RequireApproval = false })
	ctx := context.Background()

	a := filepath.Join(e.work, "a.txt")
	b := filepath.Join(e.work, "b.txt")
	c := filepath.Join(e.work, "c.txt")
	p := &plan.Plan{
		Version: plan.Version,
		ToolCalls: []plan.ToolCall{
			writeCall("w1", a, "fresh"),
			writeCall("w2", b, "two"),
			writeCall("w3", c, "three"),
		},
	}
	task := e.submit(t, p)

	// Simulate a worker that executed step 0, advanced, then died
	// holding the lease. Its output carries a marker so a re-run of
	// step 0 would be visible.
	claimed, err := e.store.ClaimNextQueued(ctx, "w-dead")
	if err != nil {
		t.Fatalf("ClaimNextQueued: %v", err)
	}
	if claimed == nil || claimed.ID != task.ID {
		t.Fatalf("claimed = %+v, want task %s", claimed, task.ID)
	}
	if err := os.WriteFile(a, []byte("written-before-crash"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := e.store.AdvanceStep(ctx, task.ID, "w-dead", 1); err != nil {
		t.Fatalf("AdvanceStep: %v", err)
	}

	reaped, err := e.store.ReapExpiredLeases(ctx, -time.Second)
	if err != nil {
		t.Fatalf("ReapExpiredLeases: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("reaped = %d, want 1", reaped)
	}

	e.drain(t)
	got := e.taskState(t, task.ID)
	if got.State != persistence.StateCompleted {
		t.Fatalf("state = %q, want completed (error=%q)", got.State, got.Error)
	}
	if got.CurrentStep != 3 {
		t.Errorf("current_step = %d, want 3", got.CurrentStep)
	}
	data, err := os.ReadFile(a)
	if err != nil {
		t.Fatalf("read a: %v", err)
	}
	if string(data) != "written-before-crash" {
		t.Errorf("step 0 re-ran after recovery: a = %q", data)
	}
	for _, path := range []string{b, c} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("remaining step output missing: %v", err)
		}
	}
}

func TestWholePlanGatePausesBeforeFirstStep(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	out := filepath.Join(e.work, "out.txt")
	p := &plan.Plan{
		Version:   plan.Version,
		ToolCalls: []plan.ToolCall{writeCall("w1", out, "data")},
	}
	task := e.submit(t, p)

	e.drain(t)
	got := e.taskState(t, task.ID)
	if got.State != persistence.StateWaitingApproval {
		t.Fatalf("state = %q, want waiting_approval", got.State)
	}
	if got.CurrentStep != 0 {
		t.Errorf("current_step = %d, want 0", got.CurrentStep)
	}
	if got.NextCheckpoint != nil {
		t.Errorf("next_checkpoint = %v, want nil whole-plan gate", got.NextCheckpoint)
	}
	if _, err := os.Stat(out); err == nil {
		t.Error("write ran before whole-plan approval")
	}

	if _, err := e.store.RecordApproval(ctx, p.PlanHash, nil, "tester"); err != nil {
		t.Fatalf("RecordApproval: %v", err)
	}
	e.drain(t)
	got = e.taskState(t, task.ID)
	if got.State != persistence.StateCompleted {
		t.Fatalf("state = %q, want completed (error=%q)", got.State, got.Error)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "data" {
		t.Errorf("output = %q", data)
	}
}

func TestRunsWithoutApprovalWhenPolicyAllows(t *testing.T) {
	e := newEnv(t, func(p *policy.Policy) { p.RequireApproval = false })

	out := filepath.Join(e.work, "free.txt")
	p := &plan.Plan{
		Version:   plan.Version,
		ToolCalls: []plan.ToolCall{writeCall("w1", out, "x")},
	}
	task := e.submit(t, p)

	e.drain(t)
	got := e.taskState(t, task.ID)
	if got.State != persistence.StateCompleted {
		t.Fatalf("state = %q, want completed (error=%q)", got.State, got.Error)
	}
}

func TestPolicyDenialFailsTask(t *testing.T) {
	e := newEnv(t, func(p *policy.Policy) { p.RequireApproval = false })

	outside := filepath.Join(t.TempDir(), "escape.txt")
	p := &plan.Plan{
		Version:   plan.Version,
		ToolCalls: []plan.ToolCall{writeCall("w1", outside, "x")},
	}
	task := e.submit(t, p)

	e.drain(t)
	got := e.taskState(t, task.ID)
	if got.State != persistence.StateFailed {
		t.Fatalf("state = %q, want failed", got.State)
	}
	if !strings.Contains(got.Error, "policy denied") {
		t.Errorf("error = %q, want policy denial", got.Error)
	}
	if _, err := os.Stat(outside); err == nil {
		t.Error("denied write still happened")
	}
}

func TestPlanHashMismatchFailsClosed(t *testing.T) {
	e := newEnv(t, func(p *policy.Policy) { p.RequireApproval = false })

	out := filepath.Join(e.work, "out.txt")
	p := &plan.Plan{
		Version:   plan.Version,
		ToolCalls: []plan.ToolCall{writeCall("w1", out, "x")},
	}
	task := e.submit(t, p)

	// Tamper with the stored plan after submission.
	tampered := &plan.Plan{
		Version:   plan.Version,
		CreatedAt: p.CreatedAt,
		ToolCalls: []plan.ToolCall{writeCall("w1", out, "tampered")},
	}
	if err := plan.Write(task.PlanPath, tampered); err != nil {
		t.Fatalf("rewrite plan: %v", err)
	}

	e.drain(t)
	got := e.taskState(t, task.ID)
	if got.State != persistence.StateFailed {
		t.Fatalf("state = %q, want failed", got.State)
	}
	if !strings.Contains(got.Error, "hash mismatch") {
		t.Errorf("error = %q, want hash mismatch", got.Error)
	}
	if _, err := os.Stat(out); err == nil {
		t.Error("tampered plan still executed")
	}
}

func TestCancelRequestStopsBeforeNextStep(t *testing.T) {
	e := newEnv(t, func(p *policy.Policy) { p.RequireApproval = false })
	ctx := context.Background()

	out := filepath.Join(e.work, "never.txt")
	p := &plan.Plan{
		Version:   plan.Version,
		ToolCalls: []plan.ToolCall{writeCall("w1", out, "x")},
	}
	task := e.submit(t, p)

	if _, err := e.store.RequestCancel(ctx, task.ID); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	e.drain(t)
	got := e.taskState(t, task.ID)
	if got.State != persistence.StateCanceled {
		t.Fatalf("state = %q, want canceled", got.State)
	}
	if _, err := os.Stat(out); err == nil {
		t.Error("canceled task still wrote output")
	}
}

func TestExecutionEmitsSpans(t *testing.T) {
	e := newEnv(t, func(p *policy.Policy) { p.RequireApproval = false })
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	d := daemon.New(daemon.Options{
		Store:   e.store,
		Bundles: e.bundles,
		Gate:    policy.NewGate(e.live, tools.Default().Known, nil),
		Live:    e.live,
		Config:  e.cfg,
		Tracer:  tp.Tracer("planrun"),
	})

	out := filepath.Join(e.work, "traced.txt")
	p := &plan.Plan{
		Version:   plan.Version,
		ToolCalls: []plan.ToolCall{writeCall("w1", out, "x")},
	}
	task := e.submit(t, p)

	if _, err := d.RunUntilIdle(context.Background()); err != nil {
		t.Fatalf("RunUntilIdle: %v", err)
	}
	got := e.taskState(t, task.ID)
	if got.State != persistence.StateCompleted {
		t.Fatalf("state = %q, want completed (error=%q)", got.State, got.Error)
	}

	names := make(map[string]int)
	for _, span := range recorder.Ended() {
		names[span.Name()]++
	}
	if names["task.execute"] != 1 {
		t.Errorf("task.execute spans = %d, want 1 (have %v)", names["task.execute"], names)
	}
	if names["tool.call"] != 1 {
		t.Errorf("tool.call spans = %d, want 1 (have %v)", names["tool.call"], names)
	}
}

func TestBundleEventLogRecordsRun(t *testing.T) {
	e := newEnv(t, func(p *policy.Policy) { p.RequireApproval = false })

	out := filepath.Join(e.work, "log.txt")
	p := &plan.Plan{
		Version:   plan.Version,
		ToolCalls: []plan.ToolCall{writeCall("w1", out, "x")},
	}
	task := e.submit(t, p)
	e.drain(t)

	events, err := e.bundles.Open(task.ID).ReadEvents()
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	seen := make(map[string]bool)
	for _, ev := range events {
		seen[ev.Event] = true
	}
	for _, want := range []string{
		bundle.EventTaskCreated,
		bundle.EventTaskClaimed,
		bundle.EventToolCallStarted,
		bundle.EventToolCallFinished,
		bundle.EventTaskCompleted,
	} {
		if !seen[want] {
			t.Errorf("event log missing %s (have %v)", want, seen)
		}
	}
}
