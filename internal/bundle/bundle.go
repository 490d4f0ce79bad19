// Package bundle manages the on-disk task bundle: the plan, its preview,
// a state snapshot, the append-only event log, resume state, and the
// scratch/staging work areas.
package bundle

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/planrun/internal/plan"
)

// Event names recorded in events.jsonl.
const (
	EventTaskCreated         = "task_created"
	EventTaskQueued          = "task_queued"
	EventTaskClaimed         = "task_claimed"
	EventTaskStateChanged    = "task_state_changed"
	EventTaskWaitingApproval = "task_waiting_approval"
	EventTaskResumed         = "task_resumed"
	EventTaskCompleted       = "task_completed"
	EventTaskFailed          = "task_failed"
	EventTaskCanceled        = "task_canceled"
	EventToolCallStarted     = "tool_call_started"
	EventToolCallFinished    = "tool_call_finished"
)

// Event is one line of the bundle event log.
type Event struct {
	TS           string         `json:"ts"`
	TaskID       string         `json:"task_id"`
	Event        string         `json:"event"`
	State        string         `json:"state,omitempty"`
	Step         int            `json:"step,omitempty"`
	CheckpointID *string        `json:"checkpoint_id,omitempty"`
	WorkerID     string         `json:"worker_id,omitempty"`
	Message      string         `json:"message,omitempty"`
	Error        string         `json:"error,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Snapshot is the task.json state mirror, rewritten on every transition.
type Snapshot struct {
	TaskID    string         `json:"task_id"`
	PlanHash  string         `json:"plan_hash"`
	State     string         `json:"state"`
	UpdatedAt string         `json:"updated_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// ResumeState records where a paused run left off.
type ResumeState struct {
	PlanHash       string   `json:"plan_hash"`
	CompletedIDs   []string `json:"completed_ids"`
	NextCheckpoint *string  `json:"next_checkpoint"`
}

// Bundle is one task's bundle directory.
type Bundle struct {
	Root            string
	TaskPath        string
	PlanPath        string
	PreviewPath     string
	EventsPath      string
	ResumeStatePath string
	ScratchDir      string
	StagingDir      string
}

// Manager roots bundles under a common directory, one per task id.
type Manager struct {
	root string
}

func NewManager(root string) *Manager {
	return &Manager{root: root}
}

// Root returns the bundles directory.
func (m *Manager) Root() string { return m.root }

// Open returns the bundle paths for a task without touching disk.
func (m *Manager) Open(taskID string) *Bundle {
	root := filepath.Join(m.root, taskID)
	return &Bundle{
		Root:            root,
		TaskPath:        filepath.Join(root, "task.json"),
		PlanPath:        filepath.Join(root, "plan.json"),
		PreviewPath:     filepath.Join(root, "preview.txt"),
		EventsPath:      filepath.Join(root, "events.jsonl"),
		ResumeStatePath: filepath.Join(root, "resume_state.json"),
		ScratchDir:      filepath.Join(root, "scratch"),
		StagingDir:      filepath.Join(root, "staging"),
	}
}

// Init creates the bundle directory for a task: plan.json (with the
// hash filled in), preview.txt, the initial task.json snapshot, an empty
// event log, and the scratch/staging dirs. The preview is written once
// and never rewritten.
func (m *Manager) Init(taskID string, p *plan.Plan, metadata map[string]any) (*Bundle, error) {
	b := m.Open(taskID)
	for _, dir := range []string{b.Root, b.ScratchDir, b.StagingDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create bundle dir: %w", err)
		}
	}

	// Default version and created_at before hashing, so the recorded
	// hash matches what a re-hash of the written plan.json produces.
	p.EnsureFields()
	planHash, err := p.EnsureHash()
	if err != nil {
		return nil, err
	}
	if err := plan.Write(b.PlanPath, p); err != nil {
		return nil, err
	}

	if _, err := os.Stat(b.PreviewPath); os.IsNotExist(err) {
		preview := strings.Join(p.BuildPreview(), "\n") + "\n"
		if err := atomicWrite(b.PreviewPath, []byte(preview)); err != nil {
			return nil, fmt.Errorf("write preview: %w", err)
		}
	}

	if err := b.UpdateSnapshot(taskID, planHash, "queued", metadata, ""); err != nil {
		return nil, err
	}

	if _, err := os.Stat(b.EventsPath); os.IsNotExist(err) {
		if err := os.WriteFile(b.EventsPath, nil, 0o644); err != nil {
			return nil, fmt.Errorf("create event log: %w", err)
		}
	}
	return b, nil
}

// Ensure initializes the bundle if its snapshot is missing, otherwise
// returns the existing paths untouched.
func (m *Manager) Ensure(taskID string, p *plan.Plan, metadata map[string]any) (*Bundle, error) {
	b := m.Open(taskID)
	if _, err := os.Stat(b.TaskPath); err == nil {
		return b, nil
	}
	return m.Init(taskID, p, metadata)
}

// AppendEvent appends one JSON line to events.jsonl, defaulting the
// timestamp. The log only ever grows.
func (b *Bundle) AppendEvent(ev Event) error {
	if ev.TS == "" {
		ev.TS = utcNow()
	}
	if err := os.MkdirAll(filepath.Dir(b.EventsPath), 0o755); err != nil {
		return fmt.Errorf("create bundle dir: %w", err)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	f, err := os.OpenFile(b.EventsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync event log: %w", err)
	}
	return nil
}

// ReadEvents returns every event in the log in order. Lines that fail to
// decode are skipped rather than aborting the read.
func (b *Bundle) ReadEvents() ([]Event, error) {
	f, err := os.Open(b.EventsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}
	return events, nil
}

// UpdateSnapshot rewrites task.json atomically.
func (b *Bundle) UpdateSnapshot(taskID, planHash, state string, metadata map[string]any, errMsg string) error {
	snap := Snapshot{
		TaskID:    taskID,
		PlanHash:  planHash,
		State:     state,
		UpdatedAt: utcNow(),
		Metadata:  metadata,
		Error:     errMsg,
	}
	if err := atomicWriteJSON(b.TaskPath, snap); err != nil {
		return fmt.Errorf("write task snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot reads task.json.
func (b *Bundle) ReadSnapshot() (*Snapshot, error) {
	data, err := os.ReadFile(b.TaskPath)
	if err != nil {
		return nil, fmt.Errorf("read task snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode task snapshot: %w", err)
	}
	return &snap, nil
}

// WriteResumeState persists resume_state.json atomically.
func (b *Bundle) WriteResumeState(state *ResumeState) error {
	if err := atomicWriteJSON(b.ResumeStatePath, state); err != nil {
		return fmt.Errorf("write resume state: %w", err)
	}
	return nil
}

// ReadResumeState returns the stored resume state, or nil when the task
// has never paused.
func (b *Bundle) ReadResumeState() (*ResumeState, error) {
	data, err := os.ReadFile(b.ResumeStatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read resume state: %w", err)
	}
	var state ResumeState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode resume state: %w", err)
	}
	return &state, nil
}

// ClearResumeState removes resume_state.json. A missing file is fine.
func (b *Bundle) ClearResumeState() error {
	if err := os.Remove(b.ResumeStatePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear resume state: %w", err)
	}
	return nil
}

func utcNow() string {
	return time.Now().UTC().Format("20060102T150405Z")
}
