// Package daemon runs the worker loop: claim queued tasks, execute
// their plans step by step under the policy gate, pause at approval
// checkpoints, and resume tasks whose approvals have landed. A
// housekeeping loop reaps expired leases and takes scheduled store
// backups.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/planrun/internal/bundle"
	"github.com/basket/planrun/internal/bus"
	"github.com/basket/planrun/internal/config"
	"github.com/basket/planrun/internal/otel"
	"github.com/basket/planrun/internal/persistence"
	"github.com/basket/planrun/internal/plan"
	"github.com/basket/planrun/internal/policy"
	"github.com/basket/planrun/internal/tools"
)

// Options carries the daemon's dependencies. Everything is constructed
// by the caller and passed in; the daemon holds no process globals.
type Options struct {
	Store    *persistence.Store
	Bundles  *bundle.Manager
	Gate     *policy.Gate
	Live     *policy.LivePolicy
	Registry *tools.Registry
	Bus      *bus.Bus
	Config   config.Config
	Logger   *slog.Logger
	Metrics  *otel.Metrics
	Tracer   trace.Tracer
}

type Daemon struct {
	store    *persistence.Store
	bundles  *bundle.Manager
	gate     *policy.Gate
	live     *policy.LivePolicy
	registry *tools.Registry
	bus      *bus.Bus
	cfg      config.Config
	logger   *slog.Logger
	metrics  *otel.Metrics
	tracer   trace.Tracer
}

func New(opts Options) *Daemon {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := opts.Registry
	if registry == nil {
		registry = tools.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.NoopTracer()
	}
	return &Daemon{
		store:    opts.Store,
		bundles:  opts.Bundles,
		gate:     opts.Gate,
		live:     opts.Live,
		registry: registry,
		bus:      opts.Bus,
		cfg:      opts.Config,
		logger:   logger,
		metrics:  opts.Metrics,
		tracer:   tracer,
	}
}

func (d *Daemon) pollInterval() time.Duration {
	return time.Duration(d.cfg.PollIntervalSeconds) * time.Second
}

func (d *Daemon) leaseTimeout() time.Duration {
	return time.Duration(d.cfg.LeaseTimeoutSeconds) * time.Second
}

func workerName(n int) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "planrun"
	}
	return fmt.Sprintf("%s-%d-%d", host, os.Getpid(), n)
}

// Run starts the configured number of workers plus the housekeeping
// loop and blocks until ctx is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("daemon starting",
		"workers", d.cfg.WorkerCount,
		"poll_interval", d.pollInterval(),
		"lease_timeout", d.leaseTimeout())

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.WorkerCount; i++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			d.workerLoop(ctx, workerID)
		}(workerName(i))
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.housekeeping(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.watchPolicy(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.logBusEvents(ctx)
	}()

	wg.Wait()
	d.logger.Info("daemon stopped")
	return ctx.Err()
}

// RunUntilIdle performs worker passes until no claimable work remains.
// Used by the CLI's one-shot mode. Returns the number of tasks worked.
func (d *Daemon) RunUntilIdle(ctx context.Context) (int, error) {
	workerID := workerName(0)
	if _, err := d.store.ReapExpiredLeases(ctx, d.leaseTimeout()); err != nil {
		return 0, err
	}
	worked := 0
	for {
		progressed, err := d.pass(ctx, workerID)
		if err != nil {
			return worked, err
		}
		if !progressed {
			return worked, nil
		}
		worked++
	}
}

func (d *Daemon) workerLoop(ctx context.Context, workerID string) {
	logger := d.logger.With("worker", workerID)
	for {
		progressed, err := d.pass(ctx, workerID)
		if err != nil {
			logger.Error("worker pass failed", "error", err)
		}
		if progressed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.pollInterval()):
		}
	}
}

// pass tries to do one unit of work: first resume a waiting task whose
// approval has landed, then claim the oldest queued task.
func (d *Daemon) pass(ctx context.Context, workerID string) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}
	task, err := d.claimApprovedWaiting(ctx, workerID)
	if err != nil {
		return false, err
	}
	if task == nil {
		task, err = d.store.ClaimNextQueued(ctx, workerID)
		if err != nil {
			return false, err
		}
	}
	if task == nil {
		return false, nil
	}
	if d.metrics != nil {
		d.metrics.TasksClaimed.Add(ctx, 1)
		d.metrics.ActiveWorkers.Add(ctx, 1)
		defer d.metrics.ActiveWorkers.Add(ctx, -1)
	}
	return d.execute(ctx, task, workerID), nil
}

// claimApprovedWaiting scans waiting_approval tasks and resumes the
// first one whose exact (plan_hash, gate checkpoint) approval exists.
// Tasks without a matching approval are left alone.
func (d *Daemon) claimApprovedWaiting(ctx context.Context, workerID string) (*persistence.Task, error) {
	offset := 0
	const limit = 50
	for {
		candidates, err := d.store.ListTasks(ctx, persistence.StateWaitingApproval, limit, offset)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			return nil, nil
		}
		for _, task := range candidates {
			approval, err := d.store.FindApproval(ctx, task.PlanHash, task.NextCheckpoint)
			if err != nil {
				return nil, err
			}
			if approval == nil {
				continue
			}
			claimed, err := d.store.ClaimWaiting(ctx, task.ID, workerID)
			if err != nil {
				return nil, err
			}
			if !claimed {
				continue
			}
			if err := d.store.ClearGate(ctx, task.ID); err != nil {
				return nil, err
			}
			resumed, err := d.store.GetTask(ctx, task.ID)
			if err != nil {
				return nil, err
			}
			b := d.bundles.Open(task.ID)
			_ = b.AppendEvent(bundle.Event{
				TaskID:   task.ID,
				Event:    bundle.EventTaskResumed,
				State:    persistence.StateRunning,
				WorkerID: workerID,
			})
			return resumed, nil
		}
		offset += len(candidates)
	}
}

// execute runs one claimed task. Never returns an error: every failure
// path lands the task in a terminal or requeued state. The result is
// false only when the task was requeued because its paths were locked
// by another task, so callers can back off instead of reclaiming it
// immediately.
func (d *Daemon) execute(ctx context.Context, task *persistence.Task, workerID string) (worked bool) {
	worked = true
	logger := d.logger.With("task", task.ID, "worker", workerID)
	b := d.bundles.Open(task.ID)

	ctx, span := otel.StartSpan(ctx, d.tracer, "task.execute",
		otel.AttrTaskID.String(task.ID),
		otel.AttrWorkerID.String(workerID),
		otel.AttrPlanHash.String(task.PlanHash),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("task panicked", "panic", r)
			d.failTask(ctx, task, b, fmt.Sprintf("panic: %v", r), workerID)
		}
	}()

	_ = b.AppendEvent(bundle.Event{
		TaskID:   task.ID,
		Event:    bundle.EventTaskClaimed,
		State:    persistence.StateRunning,
		WorkerID: workerID,
	})
	_ = b.UpdateSnapshot(task.ID, task.PlanHash, persistence.StateRunning, task.Metadata, "")

	p, err := plan.Load(task.PlanPath)
	if err != nil {
		d.failTask(ctx, task, b, fmt.Sprintf("load plan: %v", err), workerID)
		return
	}
	hash, err := p.Hash()
	if err != nil {
		d.failTask(ctx, task, b, fmt.Sprintf("hash plan: %v", err), workerID)
		return
	}
	if hash != task.PlanHash {
		d.failTask(ctx, task, b, "plan hash mismatch; refusing to execute", workerID)
		return
	}

	locks, err := acquireLocks(planPaths(p), d.cfg.LocksDir(), task.ID, workerID)
	if err != nil {
		d.failTask(ctx, task, b, fmt.Sprintf("acquire locks: %v", err), workerID)
		return
	}
	if locks == nil {
		logger.Info("paths locked by another task, requeueing")
		if err := d.store.RequeueTask(ctx, task.ID, "locks_busy"); err != nil {
			logger.Error("requeue failed", "error", err)
		}
		// The requeued task stays at the head of the queue; without a
		// backoff the next pass would reclaim it immediately.
		return false
	}
	defer locks.release()

	resume, err := b.ReadResumeState()
	if err != nil {
		d.failTask(ctx, task, b, fmt.Sprintf("read resume state: %v", err), workerID)
		return
	}
	if resume != nil && resume.PlanHash != hash {
		d.failTask(ctx, task, b, "resume state does not match plan hash", workerID)
		return
	}
	completed := make(map[string]bool)
	if resume != nil {
		for _, id := range resume.CompletedIDs {
			completed[id] = true
		}
	}

	pol := d.gate.Snapshot()
	pol.AllowedRoots = append(pol.AllowedRoots, metadataRoots(task.Metadata)...)
	// The run segment is gated before anything executes. The gate is the
	// checkpoint recorded at the last pause, or the first declared
	// checkpoint on a fresh run; nil gates the whole plan. Without a
	// matching approval the task pauses at its current step.
	var approvedGate *string
	if pol.RequireApproval {
		gate := pendingGate(p, resume)
		approval, err := d.store.FindApproval(ctx, hash, gate)
		if err != nil {
			d.failTask(ctx, task, b, fmt.Sprintf("find approval: %v", err), workerID)
			return
		}
		if approval == nil {
			d.pauseTask(ctx, task, b, gate, task.CurrentStep, workerID)
			return
		}
		approvedGate = gate
	}

	checkpointSet := make(map[string]bool, len(p.Checkpoints))
	for _, cp := range p.Checkpoints {
		checkpointSet[cp] = true
	}
	runner := tools.NewRunner(d.registry, pol, b)

	for idx, call := range p.ToolCalls {
		if idx < task.CurrentStep || completed[call.ID] {
			completed[call.ID] = true
			continue
		}

		canceled, err := d.store.IsCancelRequested(ctx, task.ID)
		if err != nil {
			d.failTask(ctx, task, b, fmt.Sprintf("read cancel flag: %v", err), workerID)
			return
		}
		if canceled {
			if err := d.store.CancelTask(ctx, task.ID); err != nil {
				logger.Error("cancel failed", "error", err)
				return
			}
			_ = b.AppendEvent(bundle.Event{
				TaskID:   task.ID,
				Event:    bundle.EventTaskCanceled,
				State:    persistence.StateCanceled,
				Step:     idx,
				WorkerID: workerID,
			})
			_ = b.UpdateSnapshot(task.ID, hash, persistence.StateCanceled, task.Metadata, "")
			return
		}

		// A checkpoint call only executes under its own approval; one
		// approval never carries a run past the next declared checkpoint.
		if pol.RequireApproval && checkpointSet[call.ID] &&
			(approvedGate == nil || *approvedGate != call.ID) {
			pending := call.ID
			ids := make([]string, 0, len(completed))
			for id := range completed {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			if err := b.WriteResumeState(&bundle.ResumeState{
				PlanHash:       hash,
				CompletedIDs:   ids,
				NextCheckpoint: &pending,
			}); err != nil {
				d.failTask(ctx, task, b, fmt.Sprintf("write resume state: %v", err), workerID)
				return
			}
			d.pauseTask(ctx, task, b, &pending, idx, workerID)
			return
		}

		if denial := d.gate.AuthorizeUnder(pol, task.ID, call); denial != nil {
			if d.bus != nil {
				d.bus.Publish(bus.TopicPolicyDenied, bus.PolicyDeniedEvent{
					TaskID: task.ID,
					Tool:   call.Tool,
					Reason: denial.Reason,
				})
			}
			if d.metrics != nil {
				d.metrics.PolicyDenials.Add(ctx, 1)
			}
			d.failTask(ctx, task, b, fmt.Sprintf("policy denied %s: %s", call.Tool, denial.Reason), workerID)
			return
		}

		_ = b.AppendEvent(bundle.Event{
			TaskID:   task.ID,
			Event:    bundle.EventToolCallStarted,
			State:    persistence.StateRunning,
			Step:     idx,
			WorkerID: workerID,
			Message:  call.Tool,
		})

		callCtx, callSpan := otel.StartSpan(ctx, d.tracer, "tool.call",
			otel.AttrToolName.String(call.Tool),
			otel.AttrStep.Int(idx),
		)
		start := time.Now()
		result, err := runner.Run(callCtx, call)
		if d.metrics != nil {
			d.metrics.ToolCallDuration.Record(ctx, time.Since(start).Seconds())
		}
		if err != nil {
			callSpan.RecordError(err)
			callSpan.End()
			if d.metrics != nil {
				d.metrics.ToolCallErrors.Add(ctx, 1)
			}
			_ = b.AppendEvent(bundle.Event{
				TaskID:   task.ID,
				Event:    bundle.EventToolCallFinished,
				State:    persistence.StateRunning,
				Step:     idx,
				WorkerID: workerID,
				Error:    err.Error(),
			})
			d.failTask(ctx, task, b, fmt.Sprintf("%s: %v", call.Tool, err), workerID)
			return
		}
		callSpan.End()

		if err := d.store.AdvanceStep(ctx, task.ID, workerID, idx+1); err != nil {
			if errors.Is(err, persistence.ErrConflict) {
				logger.Warn("lost lease mid-run, abandoning task")
				return
			}
			d.failTask(ctx, task, b, fmt.Sprintf("advance step: %v", err), workerID)
			return
		}
		task.CurrentStep = idx + 1

		for _, line := range result.Lines {
			_ = b.AppendEvent(bundle.Event{
				TaskID:   task.ID,
				Event:    bundle.EventToolCallFinished,
				State:    persistence.StateRunning,
				Step:     idx,
				WorkerID: workerID,
				Message:  line,
			})
		}
		completed[call.ID] = true
	}

	if err := d.store.CompleteTask(ctx, task.ID, len(p.ToolCalls)); err != nil {
		logger.Error("complete failed", "error", err)
		return
	}
	_ = b.ClearResumeState()
	_ = b.AppendEvent(bundle.Event{
		TaskID:   task.ID,
		Event:    bundle.EventTaskCompleted,
		State:    persistence.StateCompleted,
		Step:     len(p.ToolCalls),
		WorkerID: workerID,
	})
	_ = b.UpdateSnapshot(task.ID, hash, persistence.StateCompleted, task.Metadata, "")
	if d.metrics != nil {
		d.metrics.TasksCompleted.Add(ctx, 1)
	}
	logger.Info("task completed", "steps", len(p.ToolCalls))
	return
}

// metadataRoots reads the extra allowed roots a task was submitted with.
func metadataRoots(metadata map[string]any) []string {
	raw, ok := metadata["allow_roots"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		var roots []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				roots = append(roots, s)
			}
		}
		return roots
	}
	return nil
}

// pendingGate resolves which checkpoint gates the next run segment: the
// checkpoint recorded at the last pause, the first declared checkpoint
// on a fresh run, or nil when the whole plan is the unit of approval.
func pendingGate(p *plan.Plan, resume *bundle.ResumeState) *string {
	if resume != nil {
		return resume.NextCheckpoint
	}
	if len(p.Checkpoints) > 0 {
		v := p.Checkpoints[0]
		return &v
	}
	return nil
}

func (d *Daemon) pauseTask(ctx context.Context, task *persistence.Task, b *bundle.Bundle, checkpoint *string, step int, workerID string) {
	if err := d.store.SetWaitingApproval(ctx, task.ID, checkpoint, step); err != nil {
		d.logger.Error("pause failed", "task", task.ID, "error", err)
		return
	}
	_ = b.AppendEvent(bundle.Event{
		TaskID:       task.ID,
		Event:        bundle.EventTaskWaitingApproval,
		State:        persistence.StateWaitingApproval,
		Step:         step,
		CheckpointID: checkpoint,
		WorkerID:     workerID,
	})
	_ = b.UpdateSnapshot(task.ID, task.PlanHash, persistence.StateWaitingApproval, task.Metadata, "")
	if d.bus != nil {
		d.bus.Publish(bus.TopicTaskWaitingApproval, bus.TaskWaitingApprovalEvent{
			TaskID:     task.ID,
			PlanHash:   task.PlanHash,
			Checkpoint: checkpoint,
		})
	}
	if d.metrics != nil {
		d.metrics.TasksPaused.Add(ctx, 1)
	}
	d.logger.Info("task waiting for approval", "task", task.ID, "checkpoint", checkpoint)
}

func (d *Daemon) failTask(ctx context.Context, task *persistence.Task, b *bundle.Bundle, reason, workerID string) {
	if err := d.store.FailTask(ctx, task.ID, reason); err != nil {
		d.logger.Error("fail transition failed", "task", task.ID, "error", err)
	}
	_ = b.AppendEvent(bundle.Event{
		TaskID:   task.ID,
		Event:    bundle.EventTaskFailed,
		State:    persistence.StateFailed,
		WorkerID: workerID,
		Error:    reason,
	})
	_ = b.UpdateSnapshot(task.ID, task.PlanHash, persistence.StateFailed, task.Metadata, reason)
	if d.metrics != nil {
		d.metrics.TasksFailed.Add(ctx, 1)
	}
	d.logger.Warn("task failed", "task", task.ID, "reason", reason)
}

// housekeeping reaps expired leases every poll tick and runs the
// cron-scheduled store backup when configured.
func (d *Daemon) housekeeping(ctx context.Context) {
	var sched *cron.Cron
	if d.cfg.BackupSchedule != "" {
		sched = cron.New()
		_, err := sched.AddFunc(d.cfg.BackupSchedule, func() {
			dest := filepath.Join(d.cfg.BackupDir,
				fmt.Sprintf("planrun-%s.db", time.Now().UTC().Format("20060102T150405Z")))
			if err := d.store.Backup(ctx, dest); err != nil {
				d.logger.Error("scheduled backup failed", "error", err)
				return
			}
			d.logger.Info("store backed up", "path", dest)
		})
		if err != nil {
			d.logger.Error("invalid backup schedule", "schedule", d.cfg.BackupSchedule, "error", err)
		} else {
			sched.Start()
			defer sched.Stop()
		}
	}

	ticker := time.NewTicker(d.pollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reaped, err := d.store.ReapExpiredLeases(ctx, d.leaseTimeout())
			if err != nil {
				d.logger.Error("lease reap failed", "error", err)
				continue
			}
			if reaped > 0 {
				if d.metrics != nil {
					d.metrics.LeaseReaps.Add(ctx, reaped)
				}
				d.logger.Warn("requeued tasks with expired leases", "count", reaped)
			}
		}
	}
}

// watchPolicy live-reloads policy.yaml when it changes on disk. A file
// that fails to parse leaves the previous policy in effect.
func (d *Daemon) watchPolicy(ctx context.Context) {
	if d.live == nil {
		return
	}
	watcher := config.NewWatcher(d.cfg.HomeDir, d.logger)
	if err := watcher.Start(ctx); err != nil {
		d.logger.Warn("config watcher unavailable", "error", err)
		return
	}
	policyPath := config.PolicyPath(d.cfg.HomeDir)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}
			if filepath.Base(ev.Path) != filepath.Base(policyPath) {
				continue
			}
			if err := policy.ReloadFromFile(d.live, policyPath); err != nil {
				d.logger.Error("policy reload failed, keeping previous", "error", err)
				continue
			}
			d.logger.Info("policy reloaded", "version", d.live.Version())
		}
	}
}

// logBusEvents mirrors bus traffic into the daemon log so operators see
// state changes from every publisher, not just this process's workers.
func (d *Daemon) logBusEvents(ctx context.Context) {
	if d.bus == nil {
		return
	}
	sub := d.bus.Subscribe("")
	defer d.bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			switch payload := ev.Payload.(type) {
			case bus.TaskStateChangedEvent:
				d.logger.Info("task state changed",
					"task", payload.TaskID,
					"from", payload.OldStatus,
					"to", payload.NewStatus)
			case bus.TaskWaitingApprovalEvent:
				checkpoint := "<plan>"
				if payload.Checkpoint != nil {
					checkpoint = *payload.Checkpoint
				}
				d.logger.Info("task awaiting approval",
					"task", payload.TaskID,
					"plan_hash", payload.PlanHash,
					"checkpoint", checkpoint)
			case bus.PolicyDeniedEvent:
				d.logger.Warn("policy denied tool call",
					"task", payload.TaskID,
					"tool", payload.Tool,
					"reason", payload.Reason)
			default:
				d.logger.Debug("bus event", "topic", ev.Topic)
			}
		}
	}
}
