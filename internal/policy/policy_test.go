package policy_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/planrun/internal/plan"
	"github.com/basket/planrun/internal/policy"
)

func TestLoad_DefaultsWhenMissing(t *testing.T) {
	p, err := policy.Load(filepath.Join(t.TempDir(), "missing-policy.yaml"))
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if !p.RequireApproval {
		t.Fatalf("default policy must require approval")
	}
	if p.WebEnabled {
		t.Fatalf("default policy must disable web")
	}
	if p.AllowPath("/etc/passwd") {
		t.Fatalf("default policy has no roots, must deny all paths")
	}
}

func TestLoad_ParsesKnobs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	raw := "allowed_roots:\n  - " + dir + "\nmax_write_bytes: 1024\nrequire_approval: false\n"
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	p, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if p.RequireApproval {
		t.Fatalf("require_approval=false not honored")
	}
	if got, want := p.MaxWriteBytes, 1024; got != want {
		t.Fatalf("max_write_bytes = %d, want %d", got, want)
	}
	if !p.AllowPath(filepath.Join(dir, "sub", "file.txt")) {
		t.Fatalf("path under allowed root must be permitted")
	}
	if p.AllowPath(filepath.Join(t.TempDir(), "outside.txt")) {
		t.Fatalf("path outside roots must be denied")
	}
}

func TestLoad_RejectsInvalidLimits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("max_read_bytes: -1\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if _, err := policy.Load(path); err == nil {
		t.Fatalf("expected negative limit to be rejected")
	}
}

func TestVersion_ChangesWithKnobs(t *testing.T) {
	a := policy.Default()
	b := policy.Default()
	if a.Version() != b.Version() {
		t.Fatalf("identical policies must share a version")
	}
	b.MaxWriteBytes++
	if a.Version() == b.Version() {
		t.Fatalf("version must change when a knob changes")
	}
	c := policy.Default()
	c.WebAllowlist = []string{"example.com"}
	if a.Version() == c.Version() {
		t.Fatalf("version must change when allowlist changes")
	}
}

func TestReloadFromFile_InvalidRetainsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("allowed_roots:\n  - "+dir+"\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	initial, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	lp := policy.NewLivePolicy(initial)
	before := lp.Version()

	if err := os.WriteFile(path, []byte("max_read_bytes: [broken\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if err := policy.ReloadFromFile(lp, path); err == nil {
		t.Fatalf("expected reload of broken policy to fail")
	}
	if lp.Version() != before {
		t.Fatalf("failed reload must retain previous policy")
	}
}

func gateFor(t *testing.T, p policy.Policy) *policy.Gate {
	t.Helper()
	known := func(tool string) bool {
		switch tool {
		case "fs.read_text", "fs.list_dir", "fs.propose_write_file",
			"fs.apply_write_file", "fs.move", "fs.rename",
			"doc.extract_text", "web.fetch":
			return true
		}
		return false
	}
	return policy.NewGate(policy.NewLivePolicy(p), known, nil)
}

func TestGate_DeniesUnknownTool(t *testing.T) {
	p := policy.Default()
	p.AllowedRoots = []string{t.TempDir()}
	g := gateFor(t, p)

	d := g.Authorize("tsk_x", plan.ToolCall{ID: "c1", Tool: "shell.exec", Args: map[string]any{}})
	if d == nil {
		t.Fatalf("unknown tool must be denied")
	}
}

func TestGate_DeniesPathOutsideRoots(t *testing.T) {
	root := t.TempDir()
	p := policy.Default()
	p.AllowedRoots = []string{root}
	g := gateFor(t, p)

	d := g.Authorize("tsk_x", plan.ToolCall{
		ID: "c1", Tool: "fs.apply_write_file",
		Args: map[string]any{"path": "/etc/planrun-test.txt", "content": "x"},
	})
	if d == nil {
		t.Fatalf("path outside roots must be denied")
	}
}

func TestGate_DeniesOverwrite(t *testing.T) {
	root := t.TempDir()
	existing := filepath.Join(root, "existing.txt")
	if err := os.WriteFile(existing, []byte("old"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	p := policy.Default()
	p.AllowedRoots = []string{root}
	g := gateFor(t, p)

	d := g.Authorize("tsk_x", plan.ToolCall{
		ID: "c1", Tool: "fs.apply_write_file",
		Args: map[string]any{"path": existing, "content": "new"},
	})
	if d == nil {
		t.Fatalf("overwrite must be denied")
	}
}

func TestGate_AllowsWriteUnderRoot(t *testing.T) {
	root := t.TempDir()
	p := policy.Default()
	p.AllowedRoots = []string{root}
	g := gateFor(t, p)

	d := g.Authorize("tsk_x", plan.ToolCall{
		ID: "c1", Tool: "fs.apply_write_file",
		Args: map[string]any{"path": filepath.Join(root, "new.txt"), "content": "hello"},
	})
	if d != nil {
		t.Fatalf("expected allow, got denial: %v", d)
	}
}

func TestGate_WebChecks(t *testing.T) {
	root := t.TempDir()

	base := policy.Default()
	base.AllowedRoots = []string{root}

	webOn := base
	webOn.WebEnabled = true
	webOn.WebAllowlist = []string{"example.com"}

	cases := []struct {
		name string
		pol  policy.Policy
		args map[string]any
		deny bool
	}{
		{
			name: "web disabled",
			pol:  base,
			args: map[string]any{"url": "https://example.com/x", "allowlist": []any{"example.com"}},
			deny: true,
		},
		{
			name: "allowed host",
			pol:  webOn,
			args: map[string]any{"url": "https://api.example.com/x", "allowlist": []any{"example.com"}},
			deny: false,
		},
		{
			name: "missing per-task allowlist",
			pol:  webOn,
			args: map[string]any{"url": "https://example.com/x"},
			deny: true,
		},
		{
			name: "allowlist not subset of policy",
			pol:  webOn,
			args: map[string]any{"url": "https://other.org/x", "allowlist": []any{"other.org"}},
			deny: true,
		},
		{
			name: "query without allow_query",
			pol:  webOn,
			args: map[string]any{"url": "https://example.com/x?q=1", "allowlist": []any{"example.com"}},
			deny: true,
		},
		{
			name: "query with allow_query",
			pol:  webOn,
			args: map[string]any{"url": "https://example.com/x?q=1", "allowlist": []any{"example.com"}, "allow_query": true},
			deny: false,
		},
		{
			name: "non-GET method",
			pol:  webOn,
			args: map[string]any{"url": "https://example.com/x", "allowlist": []any{"example.com"}, "method": "POST"},
			deny: true,
		},
		{
			name: "local content",
			pol:  webOn,
			args: map[string]any{"url": "https://example.com/x", "allowlist": []any{"example.com"}, "body": "secret"},
			deny: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := gateFor(t, tc.pol)
			d := g.Authorize("tsk_x", plan.ToolCall{ID: "c1", Tool: "web.fetch", Args: tc.args})
			if got := d != nil; got != tc.deny {
				t.Fatalf("deny = %v, want %v (denial: %v)", got, tc.deny, d)
			}
		})
	}
}
