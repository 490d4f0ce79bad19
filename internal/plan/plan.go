// Package plan loads, validates, hashes, and previews plan documents.
// A plan is a linear list of tool calls plus optional checkpoint labels
// naming the call ids after which execution pauses for approval.
package plan

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// Version is the only supported plan document version.
	Version = 1
	// HashPrefix prefixes every canonical plan hash.
	HashPrefix = "sha256:"
)

// writeTools are the mutating tools counted for auto-checkpoint insertion.
var writeTools = map[string]bool{
	"fs.apply_write_file": true,
	"fs.move":             true,
	"fs.rename":           true,
}

// ToolCall is one step of a plan.
type ToolCall struct {
	ID       string         `json:"id"`
	Tool     string         `json:"tool"`
	Args     map[string]any `json:"args"`
	Rollback string         `json:"rollback,omitempty"`
}

// Plan is a validated plan document.
type Plan struct {
	Version     int        `json:"version"`
	CreatedAt   string     `json:"created_at,omitempty"`
	PlanHash    string     `json:"plan_hash,omitempty"`
	ToolCalls   []ToolCall `json:"tool_calls"`
	Checkpoints []string   `json:"checkpoints,omitempty"`
}

// Load reads and validates a plan document from disk.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return Parse(data)
}

// Parse validates raw plan JSON and decodes it.
func Parse(data []byte) (*Plan, error) {
	if err := ValidateJSON(data); err != nil {
		return nil, err
	}
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Write fills defaulted fields and writes the plan as indented JSON.
func Write(path string, p *Plan) error {
	p.EnsureFields()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create plan dir: %w", err)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write plan: %w", err)
	}
	return nil
}

// EnsureFields defaults version and created_at when unset.
func (p *Plan) EnsureFields() {
	if p.Version == 0 {
		p.Version = Version
	}
	if p.CreatedAt == "" {
		p.CreatedAt = time.Now().UTC().Format("20060102T150405Z")
	}
}

// Validate performs the structural checks the schema cannot express.
func (p *Plan) Validate() error {
	if p.Version != Version {
		return fmt.Errorf("unsupported plan version: %d", p.Version)
	}
	if p.ToolCalls == nil {
		return fmt.Errorf("plan must include tool_calls list")
	}
	ids := make(map[string]bool, len(p.ToolCalls))
	for i, call := range p.ToolCalls {
		if call.ID == "" {
			return fmt.Errorf("tool call %d missing id", i)
		}
		if call.Tool == "" {
			return fmt.Errorf("tool call %d missing tool", i)
		}
		if call.Args == nil {
			return fmt.Errorf("tool call %d missing args", i)
		}
		ids[call.ID] = true
	}
	for _, cp := range p.Checkpoints {
		if !ids[cp] {
			return fmt.Errorf("checkpoint %q does not name a tool call id", cp)
		}
	}
	return nil
}

// Hash computes the canonical plan hash: sha256 over the plan serialized
// with sorted keys and compact separators, with the plan_hash and
// approval fields stripped. The result carries the sha256: prefix.
func (p *Plan) Hash() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode plan for hashing: %w", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		return "", fmt.Errorf("canonicalize plan: %w", err)
	}
	delete(generic, "plan_hash")
	delete(generic, "approval")
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("canonicalize plan: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return fmt.Sprintf("%s%x", HashPrefix, sum), nil
}

// EnsureHash computes the canonical hash and stores it on the plan.
func (p *Plan) EnsureHash() (string, error) {
	h, err := p.Hash()
	if err != nil {
		return "", err
	}
	p.PlanHash = h
	return h, nil
}

// BuildPreview renders one human-readable line per tool call.
func (p *Plan) BuildPreview() []string {
	lines := []string{fmt.Sprintf("Tool calls: %d", len(p.ToolCalls))}
	for _, call := range p.ToolCalls {
		lines = append(lines, formatToolPreview(call))
	}
	if len(p.Checkpoints) > 0 {
		lines = append(lines, fmt.Sprintf("Checkpoints: %d", len(p.Checkpoints)))
	}
	return lines
}

func formatToolPreview(call ToolCall) string {
	argStr := func(key string) string {
		v, _ := call.Args[key].(string)
		return v
	}
	switch call.Tool {
	case "fs.move", "fs.rename":
		line := fmt.Sprintf("- %s: %s -> %s", call.Tool, argStr("path"), argStr("dst"))
		if call.Rollback != "" {
			line += fmt.Sprintf(" (rollback: %s)", call.Rollback)
		}
		return line
	case "fs.read_text", "fs.list_dir", "fs.propose_write_file", "fs.apply_write_file", "doc.extract_text":
		return fmt.Sprintf("- %s: %s", call.Tool, argStr("path"))
	case "web.fetch":
		return fmt.Sprintf("- %s: %s", call.Tool, argStr("url"))
	default:
		return fmt.Sprintf("- %s", call.Tool)
	}
}

// AutoCheckpoints returns the ids of every Nth mutating call. Used by
// submit to insert checkpoints into plans that declare none.
func AutoCheckpoints(calls []ToolCall, every int) []string {
	if every <= 0 {
		return nil
	}
	var checkpoints []string
	writeCount := 0
	for _, call := range calls {
		if !writeTools[call.Tool] {
			continue
		}
		if call.ID == "" {
			continue
		}
		writeCount++
		if writeCount%every == 0 {
			checkpoints = append(checkpoints, call.ID)
		}
	}
	return checkpoints
}
