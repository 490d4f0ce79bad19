package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/basket/planrun/internal/bundle"
	"github.com/basket/planrun/internal/plan"
	"github.com/basket/planrun/internal/policy"
)

const (
	maxListEntries = 200
	fetchTimeout   = 15 * time.Second
)

// Result holds the one-line summaries a tool call produced. Moves and
// renames add a rollback line describing the inverse operation.
type Result struct {
	Lines []string
}

// Summary returns the first result line.
func (r Result) Summary() string {
	if len(r.Lines) == 0 {
		return ""
	}
	return r.Lines[0]
}

// Runner executes tool calls for one task. File writes are staged in
// the task bundle and published with an atomic rename, so a crashed run
// can be replayed without clobbering output.
type Runner struct {
	registry *Registry
	policy   policy.Policy
	bundle   *bundle.Bundle
	client   *http.Client
}

func NewRunner(registry *Registry, pol policy.Policy, b *bundle.Bundle) *Runner {
	r := &Runner{registry: registry, policy: pol, bundle: b}
	r.client = &http.Client{
		Timeout: fetchTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			allowlist := allowlistFromContext(req.Context())
			if !policy.HostAllowed(req.URL.Hostname(), allowlist) {
				return fmt.Errorf("redirect to host outside allowlist: %s", req.URL.Hostname())
			}
			return nil
		},
	}
	return r
}

type allowlistKey struct{}

func allowlistFromContext(ctx context.Context) []string {
	list, _ := ctx.Value(allowlistKey{}).([]string)
	return list
}

// Run executes a single tool call. The call is assumed to have passed
// the policy gate already; the runner still enforces overwrite and
// allowlist rules because the filesystem may have changed since.
func (r *Runner) Run(ctx context.Context, call plan.ToolCall) (Result, error) {
	if _, ok := r.registry.Get(call.Tool); !ok {
		return Result{}, fmt.Errorf("unknown tool: %s", call.Tool)
	}
	switch call.Tool {
	case "fs.read_text":
		return r.readText(call)
	case "fs.list_dir":
		return r.listDir(call)
	case "fs.propose_write_file":
		return r.proposeWrite(call)
	case "fs.apply_write_file":
		return r.applyWrite(call)
	case "fs.move":
		return r.movePath(call, "moved")
	case "fs.rename":
		return r.movePath(call, "renamed")
	case "doc.extract_text":
		return r.extractText(call)
	case "web.fetch":
		return r.webFetch(ctx, call)
	}
	return Result{}, fmt.Errorf("unknown tool: %s", call.Tool)
}

func argPath(args map[string]any, key string) (string, error) {
	raw, _ := args[key].(string)
	if raw == "" {
		return "", fmt.Errorf("missing %s argument", key)
	}
	abs, err := filepath.Abs(raw)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", key, err)
	}
	return abs, nil
}

func argBytes(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		if v == float64(int(v)) {
			return int(v)
		}
	case interface{ Int64() (int64, error) }:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return fallback
}

func (r *Runner) readText(call plan.ToolCall) (Result, error) {
	path, err := argPath(call.Args, "path")
	if err != nil {
		return Result{}, err
	}
	maxBytes := argBytes(call.Args, "max_bytes", r.policy.MaxReadBytes)
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("fs.read_text: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, int64(maxBytes)))
	if err != nil {
		return Result{}, fmt.Errorf("fs.read_text: %w", err)
	}
	return Result{Lines: []string{fmt.Sprintf("read:%s chars=%d", path, len(data))}}, nil
}

func (r *Runner) listDir(call plan.ToolCall) (Result, error) {
	path, err := argPath(call.Args, "path")
	if err != nil {
		return Result{}, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return Result{}, fmt.Errorf("fs.list_dir: %w", err)
	}
	n := len(entries)
	if n > maxListEntries {
		n = maxListEntries
	}
	return Result{Lines: []string{fmt.Sprintf("list:%s entries=%d", path, n)}}, nil
}

func (r *Runner) proposeWrite(call plan.ToolCall) (Result, error) {
	path, err := argPath(call.Args, "path")
	if err != nil {
		return Result{}, err
	}
	content, _ := call.Args["content"].(string)

	existing := ""
	if f, err := os.Open(path); err == nil {
		data, readErr := io.ReadAll(io.LimitReader(f, int64(r.policy.MaxReadBytes)))
		f.Close()
		if readErr != nil {
			return Result{}, fmt.Errorf("fs.propose_write_file: %w", readErr)
		}
		existing = string(data)
	} else if !os.IsNotExist(err) {
		return Result{}, fmt.Errorf("fs.propose_write_file: %w", err)
	}

	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(existing),
		B:        difflib.SplitLines(content),
		FromFile: path,
		ToFile:   path,
		Context:  3,
	})
	if err != nil {
		return Result{}, fmt.Errorf("fs.propose_write_file diff: %w", err)
	}
	if diff == "" {
		return Result{}, nil
	}
	// Keep the full diff in the bundle for later review.
	if r.bundle != nil {
		diffPath := filepath.Join(r.bundle.ScratchDir, "diff-"+call.ID+".patch")
		if err := os.WriteFile(diffPath, []byte(diff), 0o644); err != nil {
			return Result{}, fmt.Errorf("write diff: %w", err)
		}
	}
	return Result{Lines: []string{fmt.Sprintf("diff:%s", path)}}, nil
}

func (r *Runner) applyWrite(call plan.ToolCall) (Result, error) {
	path, err := argPath(call.Args, "path")
	if err != nil {
		return Result{}, err
	}
	content, ok := call.Args["content"].(string)
	if !ok {
		return Result{}, fmt.Errorf("fs.apply_write_file: content must be a string")
	}
	if r.bundle == nil {
		return Result{}, fmt.Errorf("fs.apply_write_file: no staging area")
	}
	staged, err := r.bundle.Stage(filepath.Join("writes", call.ID), []byte(content))
	if err != nil {
		return Result{}, fmt.Errorf("fs.apply_write_file: %w", err)
	}
	if err := r.bundle.Publish(staged, path); err != nil {
		return Result{}, fmt.Errorf("fs.apply_write_file: %w", err)
	}
	return Result{Lines: []string{fmt.Sprintf("wrote:%s", path)}}, nil
}

func (r *Runner) movePath(call plan.ToolCall, verb string) (Result, error) {
	src, err := argPath(call.Args, "path")
	if err != nil {
		return Result{}, err
	}
	dst, err := argPath(call.Args, "dst")
	if err != nil {
		return Result{}, err
	}
	if _, err := os.Stat(dst); err == nil {
		return Result{}, fmt.Errorf("%s: destination already exists: %s", call.Tool, dst)
	} else if !os.IsNotExist(err) {
		return Result{}, fmt.Errorf("%s: %w", call.Tool, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Result{}, fmt.Errorf("%s: %w", call.Tool, err)
	}
	if err := os.Rename(src, dst); err != nil {
		return Result{}, fmt.Errorf("%s: %w", call.Tool, err)
	}
	return Result{Lines: []string{
		fmt.Sprintf("%s:%s->%s", verb, src, dst),
		fmt.Sprintf("rollback:%s->%s", dst, src),
	}}, nil
}

var (
	nonPrintable = regexp.MustCompile(`[^\t\n\x20-\x7e\p{L}\p{N}\p{P}\p{S}]+`)
	multiSpace   = regexp.MustCompile(`\s+`)
)

func (r *Runner) extractText(call plan.ToolCall) (Result, error) {
	path, err := argPath(call.Args, "path")
	if err != nil {
		return Result{}, err
	}
	maxChars := argBytes(call.Args, "max_chars", r.policy.MaxReadBytes)
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("doc.extract_text: %w", err)
	}
	defer f.Close()
	// Read extra raw bytes since filtering discards markup and binary.
	raw, err := io.ReadAll(io.LimitReader(f, int64(maxChars)*4))
	if err != nil {
		return Result{}, fmt.Errorf("doc.extract_text: %w", err)
	}
	text := nonPrintable.ReplaceAllString(string(raw), " ")
	text = multiSpace.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)
	if len(text) > maxChars {
		text = text[:maxChars]
	}
	if r.bundle != nil && text != "" {
		outPath := filepath.Join(r.bundle.ScratchDir, "extract-"+call.ID+".txt")
		if err := os.WriteFile(outPath, []byte(text), 0o644); err != nil {
			return Result{}, fmt.Errorf("write extract: %w", err)
		}
	}
	return Result{Lines: []string{fmt.Sprintf("extract:%s chars=%d", path, len(text))}}, nil
}

var (
	scriptBlocks = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	htmlTags     = regexp.MustCompile(`(?is)<[^>]+>`)
)

func sanitizeHTML(s string) string {
	s = scriptBlocks.ReplaceAllString(s, " ")
	s = htmlTags.ReplaceAllString(s, " ")
	return strings.TrimSpace(multiSpace.ReplaceAllString(s, " "))
}

func (r *Runner) webFetch(ctx context.Context, call plan.ToolCall) (Result, error) {
	rawURL, _ := call.Args["url"].(string)
	if rawURL == "" {
		return Result{}, fmt.Errorf("web.fetch: missing url argument")
	}
	allowlist := stringSlice(call.Args["allowlist"])
	if len(allowlist) == 0 {
		return Result{}, fmt.Errorf("web.fetch: allowlist must be provided")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return Result{}, fmt.Errorf("web.fetch: %w", err)
	}
	if !policy.HostAllowed(u.Hostname(), allowlist) {
		return Result{}, fmt.Errorf("web.fetch: host outside allowlist: %s", u.Hostname())
	}
	maxBytes := argBytes(call.Args, "max_bytes", r.policy.MaxWebBytes)
	if maxBytes <= 0 {
		return Result{}, fmt.Errorf("web.fetch: max_bytes must be positive")
	}

	ctx = context.WithValue(ctx, allowlistKey{}, allowlist)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("web.fetch: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("web.fetch: %w", err)
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxBytes)))
	if err != nil {
		return Result{}, fmt.Errorf("web.fetch read: %w", err)
	}
	text := string(body)
	if strings.Contains(strings.ToLower(contentType), "text/html") ||
		strings.Contains(strings.ToLower(text), "<html") {
		text = sanitizeHTML(text)
	}
	if r.bundle != nil && text != "" {
		outPath := filepath.Join(r.bundle.ScratchDir, "fetch-"+call.ID+".txt")
		if err := os.WriteFile(outPath, []byte(text), 0o644); err != nil {
			return Result{}, fmt.Errorf("write fetch body: %w", err)
		}
	}
	return Result{Lines: []string{
		fmt.Sprintf("web:%s bytes=%d type=%s", rawURL, len(text), contentType),
	}}, nil
}

func stringSlice(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
