package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/basket/planrun/internal/audit"
	"github.com/basket/planrun/internal/bundle"
	"github.com/basket/planrun/internal/bus"
	"github.com/basket/planrun/internal/config"
	"github.com/basket/planrun/internal/daemon"
	otelPkg "github.com/basket/planrun/internal/otel"
	"github.com/basket/planrun/internal/persistence"
	"github.com/basket/planrun/internal/plan"
	"github.com/basket/planrun/internal/policy"
	"github.com/basket/planrun/internal/telemetry"
	"github.com/basket/planrun/internal/tools"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// Exit codes: 0 ok, 1 validation or policy error, 2 not found.
const (
	exitOK         = 0
	exitValidation = 1
	exitNotFound   = 2
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [flags]

COMMANDS:
  submit    Validate a plan and queue it as a task
  daemon    Run the worker daemon (or -once for a single drain)
  approve   Record an approval for a plan hash
  cancel    Cancel a task
  status    Show task counts by state
  list      List tasks
  logs      Print a task's event log
  preview   Validate a plan and print its preview
  version   Print version

Run '%s <command> -h' for command flags.

ENVIRONMENT VARIABLES:
  PLANRUN_HOME    State directory (default: ~/.planrun)
`, os.Args[0], os.Args[0])
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitValidation)
	}
	args := os.Args[2:]
	switch strings.ToLower(strings.TrimSpace(os.Args[1])) {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(exitOK)
	case "submit":
		os.Exit(runSubmit(ctx, args))
	case "daemon":
		os.Exit(runDaemon(ctx, args))
	case "approve":
		os.Exit(runApprove(ctx, args))
	case "cancel":
		os.Exit(runCancel(ctx, args))
	case "status":
		os.Exit(runStatus(ctx, args))
	case "list":
		os.Exit(runList(ctx, args))
	case "logs":
		os.Exit(runLogs(args))
	case "preview":
		os.Exit(runPreview(args))
	case "version":
		fmt.Println(Version)
		os.Exit(exitOK)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(exitValidation)
	}
}

// runtime bundles the components every command needs. Built explicitly
// here; nothing in the internal packages holds process state.
type runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	logClose io.Closer
	store    *persistence.Store
	bundles  *bundle.Manager
	live     *policy.LivePolicy
	gate     *policy.Gate
	auditLog *audit.Logger
	bus      *bus.Bus
}

func (r *runtime) Close() {
	if r.store != nil {
		_ = r.store.Close()
	}
	if r.auditLog != nil {
		_ = r.auditLog.Close()
	}
	if r.logClose != nil {
		_ = r.logClose.Close()
	}
}

// openRuntime loads config and policy and opens the store. quiet keeps
// log lines out of stdout so command output stays clean.
func openRuntime(stateDir string, quiet bool) (*runtime, error) {
	cfg, err := config.Load(stateDir)
	if err != nil {
		return nil, err
	}
	logger, logClose, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(logger)

	pol, err := policy.Load(config.PolicyPath(cfg.HomeDir))
	if err != nil {
		_ = logClose.Close()
		return nil, fmt.Errorf("load policy: %w", err)
	}
	live := policy.NewLivePolicy(pol)

	auditLog, err := audit.New(cfg.AuditLogPath())
	if err != nil {
		_ = logClose.Close()
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	eventBus := bus.New()
	store, err := persistence.Open(cfg.DBPath(), eventBus)
	if err != nil {
		_ = auditLog.Close()
		_ = logClose.Close()
		return nil, fmt.Errorf("open task store: %w", err)
	}
	auditLog.SetDB(store.DB())

	gate := policy.NewGate(live, tools.Default().Known, auditLog)
	return &runtime{
		cfg:      cfg,
		logger:   logger,
		logClose: logClose,
		store:    store,
		bundles:  bundle.NewManager(cfg.BundlesDir()),
		live:     live,
		gate:     gate,
		auditLog: auditLog,
		bus:      eventBus,
	}, nil
}

// stringList collects repeatable string flags.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func runSubmit(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	planPath := fs.String("plan", "", "path to the plan JSON file (required)")
	stateDir := fs.String("state-dir", "", "state directory (default: PLANRUN_HOME or ~/.planrun)")
	autoEvery := fs.Int("auto-checkpoint-every", 0, "insert a checkpoint after every N mutating calls when the plan declares none")
	var allowRoots stringList
	var metadata stringList
	fs.Var(&allowRoots, "allow-root", "extra allowed root for this task (repeatable)")
	fs.Var(&metadata, "metadata", "task metadata as key=value (repeatable)")
	_ = fs.Parse(args)

	if *planPath == "" {
		fmt.Fprintln(os.Stderr, "submit: -plan is required")
		return exitValidation
	}

	rt, err := openRuntime(*stateDir, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitValidation
	}
	defer rt.Close()

	p, err := plan.Load(*planPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid plan: %v\n", err)
		return exitValidation
	}
	if *autoEvery > 0 && len(p.Checkpoints) == 0 {
		p.Checkpoints = plan.AutoCheckpoints(p.ToolCalls, *autoEvery)
	}

	meta := make(map[string]any)
	for _, kv := range metadata {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			fmt.Fprintf(os.Stderr, "submit: bad -metadata value %q, want key=value\n", kv)
			return exitValidation
		}
		meta[key] = value
	}
	if len(allowRoots) > 0 {
		roots := make([]any, len(allowRoots))
		for i, r := range allowRoots {
			roots[i] = r
		}
		meta["allow_roots"] = roots
	}

	pol := rt.gate.Snapshot()
	pol.AllowedRoots = append(pol.AllowedRoots, allowRoots...)
	if errs := rt.gate.ValidatePlanUnder(pol, p); len(errs) > 0 {
		fmt.Fprintln(os.Stderr, "plan rejected by policy:")
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "  - %s\n", e)
		}
		return exitValidation
	}

	taskID := persistence.NewTaskID()
	b, err := rt.bundles.Init(taskID, p, meta)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create bundle: %v\n", err)
		return exitValidation
	}
	task := &persistence.Task{
		ID:         taskID,
		PlanHash:   p.PlanHash,
		PlanPath:   b.PlanPath,
		BundlePath: b.Root,
		Metadata:   meta,
	}
	if err := rt.store.CreateTask(ctx, task); err != nil {
		fmt.Fprintf(os.Stderr, "queue task: %v\n", err)
		return exitValidation
	}
	for _, name := range []string{bundle.EventTaskCreated, bundle.EventTaskQueued} {
		_ = b.AppendEvent(bundle.Event{TaskID: taskID, Event: name, State: persistence.StateQueued})
	}

	rt.logger.Info("task submitted", "task", taskID, "plan_hash", p.PlanHash)
	fmt.Println(taskID)
	fmt.Printf("plan_hash: %s\n", p.PlanHash)
	if len(p.Checkpoints) > 0 {
		fmt.Printf("checkpoints: %s\n", strings.Join(p.Checkpoints, ", "))
	}
	return exitOK
}

func runDaemon(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	stateDir := fs.String("state-dir", "", "state directory (default: PLANRUN_HOME or ~/.planrun)")
	workers := fs.Int("workers", 0, "worker count (default: config worker_count)")
	poll := fs.Int("poll", 0, "poll interval in seconds (default: config poll_interval_seconds)")
	lease := fs.Int("lease", 0, "lease timeout in seconds (default: config lease_timeout_seconds)")
	once := fs.Bool("once", false, "drain claimable work and exit instead of running forever")
	_ = fs.Parse(args)

	quiet := *once && isatty.IsTerminal(os.Stdout.Fd())
	rt, err := openRuntime(*stateDir, quiet)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitValidation
	}
	defer rt.Close()

	if *workers > 0 {
		rt.cfg.WorkerCount = *workers
	}
	if *poll > 0 {
		rt.cfg.PollIntervalSeconds = *poll
	}
	if *lease > 0 {
		rt.cfg.LeaseTimeoutSeconds = *lease
	}

	provider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     rt.cfg.Telemetry.Enabled,
		Exporter:    rt.cfg.Telemetry.Exporter,
		Endpoint:    rt.cfg.Telemetry.Endpoint,
		ServiceName: rt.cfg.Telemetry.ServiceName,
		SampleRate:  rt.cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init telemetry: %v\n", err)
		return exitValidation
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init metrics: %v\n", err)
		return exitValidation
	}

	d := daemon.New(daemon.Options{
		Store:    rt.store,
		Bundles:  rt.bundles,
		Gate:     rt.gate,
		Live:     rt.live,
		Registry: tools.Default(),
		Bus:      rt.bus,
		Config:   rt.cfg,
		Logger:   rt.logger,
		Metrics:  metrics,
		Tracer:   provider.Tracer,
	})

	if *once {
		worked, err := d.RunUntilIdle(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
			return exitValidation
		}
		fmt.Printf("worked %d task(s)\n", worked)
		return exitOK
	}
	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		return exitValidation
	}
	return exitOK
}

func runApprove(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("approve", flag.ExitOnError)
	stateDir := fs.String("state-dir", "", "state directory")
	taskID := fs.String("task", "", "approve the gate a task is currently waiting at")
	planHash := fs.String("plan-hash", "", "plan hash to approve (alternative to -task)")
	checkpoint := fs.String("checkpoint", "", "checkpoint label; empty approves the whole plan")
	approvedBy := fs.String("approved-by", "", "who approved")
	_ = fs.Parse(args)

	rt, err := openRuntime(*stateDir, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitValidation
	}
	defer rt.Close()

	hash := *planHash
	var gate *string
	if *checkpoint != "" {
		gate = checkpoint
	}
	if *taskID != "" {
		task, err := rt.store.GetTask(ctx, *taskID)
		if err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				fmt.Fprintf(os.Stderr, "task not found: %s\n", *taskID)
				return exitNotFound
			}
			fmt.Fprintln(os.Stderr, err)
			return exitValidation
		}
		if task.State != persistence.StateWaitingApproval {
			fmt.Fprintf(os.Stderr, "task %s is %s, not waiting for approval\n", task.ID, task.State)
			return exitValidation
		}
		hash = task.PlanHash
		if *checkpoint == "" {
			gate = task.NextCheckpoint
		}
	}
	if hash == "" {
		fmt.Fprintln(os.Stderr, "approve: -task or -plan-hash is required")
		return exitValidation
	}

	id, err := rt.store.RecordApproval(ctx, hash, gate, *approvedBy)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitValidation
	}
	rt.logger.Info("approval recorded", "approval", id, "plan_hash", hash)
	fmt.Println(id)
	return exitOK
}

func runCancel(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	stateDir := fs.String("state-dir", "", "state directory")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: planrun cancel <task-id>")
		return exitValidation
	}
	taskID := fs.Arg(0)

	rt, err := openRuntime(*stateDir, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitValidation
	}
	defer rt.Close()

	task, err := rt.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "task not found: %s\n", taskID)
			return exitNotFound
		}
		fmt.Fprintln(os.Stderr, err)
		return exitValidation
	}

	switch task.State {
	case persistence.StateRunning:
		// A live worker owns the task; ask it to stop between steps.
		ok, err := rt.store.RequestCancel(ctx, taskID)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitValidation
		}
		if !ok {
			fmt.Fprintf(os.Stderr, "task %s already finished\n", taskID)
			return exitValidation
		}
		fmt.Printf("cancel requested for %s\n", taskID)
	case persistence.StateQueued, persistence.StateWaitingApproval:
		if err := rt.store.CancelTask(ctx, taskID); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitValidation
		}
		b := rt.bundles.Open(taskID)
		_ = b.AppendEvent(bundle.Event{TaskID: taskID, Event: bundle.EventTaskCanceled, State: persistence.StateCanceled})
		_ = b.UpdateSnapshot(taskID, task.PlanHash, persistence.StateCanceled, task.Metadata, "")
		fmt.Printf("canceled %s\n", taskID)
	default:
		fmt.Fprintf(os.Stderr, "task %s is already %s\n", taskID, task.State)
		return exitValidation
	}
	return exitOK
}

func runStatus(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	stateDir := fs.String("state-dir", "", "state directory")
	_ = fs.Parse(args)

	rt, err := openRuntime(*stateDir, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitValidation
	}
	defer rt.Close()

	counts, err := rt.store.CountTasksByState(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitValidation
	}
	states := make([]string, 0, len(counts))
	for state := range counts {
		states = append(states, state)
	}
	sort.Strings(states)
	if len(states) == 0 {
		fmt.Println("no tasks")
		return exitOK
	}
	for _, state := range states {
		fmt.Printf("%-18s %d\n", state, counts[state])
	}
	return exitOK
}

func runList(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	stateDir := fs.String("state-dir", "", "state directory")
	state := fs.String("state", "", "filter by state")
	limit := fs.Int("limit", 50, "max tasks to list")
	_ = fs.Parse(args)

	rt, err := openRuntime(*stateDir, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitValidation
	}
	defer rt.Close()

	tasks, err := rt.store.ListTasks(ctx, *state, *limit, 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitValidation
	}
	for _, task := range tasks {
		gate := "-"
		if task.NextCheckpoint != nil {
			gate = *task.NextCheckpoint
		}
		fmt.Printf("%s  %-18s step=%-3d gate=%-8s %s\n",
			task.ID, task.State, task.CurrentStep, gate, task.CreatedAt.UTC().Format("2006-01-02 15:04:05"))
	}
	return exitOK
}

func runLogs(args []string) int {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	stateDir := fs.String("state-dir", "", "state directory")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: planrun logs <task-id>")
		return exitValidation
	}
	taskID := fs.Arg(0)

	cfg, err := config.Load(*stateDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitValidation
	}
	b := bundle.NewManager(cfg.BundlesDir()).Open(taskID)
	f, err := os.Open(b.EventsPath)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "no event log for task: %s\n", taskID)
			return exitNotFound
		}
		fmt.Fprintln(os.Stderr, err)
		return exitValidation
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		fmt.Println(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitValidation
	}
	return exitOK
}

func runPreview(args []string) int {
	fs := flag.NewFlagSet("preview", flag.ExitOnError)
	stateDir := fs.String("state-dir", "", "state directory")
	planPath := fs.String("plan", "", "path to the plan JSON file (required)")
	_ = fs.Parse(args)

	if *planPath == "" {
		fmt.Fprintln(os.Stderr, "preview: -plan is required")
		return exitValidation
	}
	p, err := plan.Load(*planPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid plan: %v\n", err)
		return exitValidation
	}

	cfg, err := config.Load(*stateDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitValidation
	}
	pol, err := policy.Load(config.PolicyPath(cfg.HomeDir))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitValidation
	}
	gate := policy.NewGate(policy.NewLivePolicy(pol), tools.Default().Known, nil)
	if errs := gate.ValidatePlan(p); len(errs) > 0 {
		fmt.Fprintln(os.Stderr, "plan rejected by policy:")
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "  - %s\n", e)
		}
		return exitValidation
	}

	hash, err := p.Hash()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitValidation
	}
	for _, line := range p.BuildPreview() {
		fmt.Println(line)
	}
	fmt.Printf("Plan hash: %s\n", hash)
	return exitOK
}
