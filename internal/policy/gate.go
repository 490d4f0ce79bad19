package policy

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/planrun/internal/plan"
)

// ErrDenied is matched by errors.Is for every gate denial.
var ErrDenied = errors.New("denied by policy")

// Denial describes why the gate rejected a tool call.
type Denial struct {
	Tool   string
	Reason string
}

func (d *Denial) Error() string {
	return fmt.Sprintf("policy denied %s: %s", d.Tool, d.Reason)
}

func (d *Denial) Is(target error) bool { return target == ErrDenied }

// Auditor records gate decisions. Satisfied by audit.Logger.
type Auditor interface {
	Record(decision, action, reason, policyVersion, subject string)
}

// Gate authorizes tool calls against the live policy. Unknown tools and
// anything the policy does not explicitly permit are denied.
type Gate struct {
	live    *LivePolicy
	known   func(tool string) bool
	auditor Auditor
}

// NewGate builds a gate over the live policy. known reports whether a
// tool id is in the closed registry; auditor may be nil.
func NewGate(live *LivePolicy, known func(string) bool, auditor Auditor) *Gate {
	return &Gate{live: live, known: known, auditor: auditor}
}

// Snapshot exposes the current policy data.
func (g *Gate) Snapshot() Policy { return g.live.Snapshot() }

// Version exposes the current policy version.
func (g *Gate) Version() string { return g.live.Version() }

// RequireApproval reports whether the current policy gates execution on
// recorded approvals.
func (g *Gate) RequireApproval() bool { return g.live.Snapshot().RequireApproval }

// Authorize checks a single tool call. A nil return means allowed; the
// decision is recorded to the audit trail either way.
func (g *Gate) Authorize(taskID string, call plan.ToolCall) *Denial {
	return g.AuthorizeUnder(g.live.Snapshot(), taskID, call)
}

// AuthorizeUnder checks a call against an explicit policy snapshot.
// Used when a task carries extra allowed roots in its metadata.
func (g *Gate) AuthorizeUnder(pol Policy, taskID string, call plan.ToolCall) *Denial {
	version := pol.Version()
	errs := g.validateCall(call, pol)
	if len(errs) > 0 {
		d := &Denial{Tool: call.Tool, Reason: strings.Join(errs, "; ")}
		if g.auditor != nil {
			g.auditor.Record("deny", call.Tool, d.Reason, version, taskID)
		}
		return d
	}
	if g.auditor != nil {
		g.auditor.Record("allow", call.Tool, "", version, taskID)
	}
	return nil
}

// ValidatePlan checks every call of a plan against the current policy
// and returns all violations. Used at submit time so a doomed plan is
// rejected before it is queued.
func (g *Gate) ValidatePlan(p *plan.Plan) []string {
	return g.ValidatePlanUnder(g.live.Snapshot(), p)
}

// ValidatePlanUnder validates a plan against an explicit policy snapshot.
func (g *Gate) ValidatePlanUnder(pol Policy, p *plan.Plan) []string {
	var errs []string
	if len(pol.AllowedRoots) == 0 {
		errs = append(errs, "no allowed roots configured")
	}
	for _, call := range p.ToolCalls {
		errs = append(errs, g.validateCall(call, pol)...)
	}
	return errs
}

func (g *Gate) validateCall(call plan.ToolCall, pol Policy) []string {
	if g.known != nil && !g.known(call.Tool) {
		return []string{fmt.Sprintf("tool not allowlisted: %s", call.Tool)}
	}
	switch {
	case strings.HasPrefix(call.Tool, "fs."):
		return validateFSCall(call.Tool, call.Args, pol)
	case strings.HasPrefix(call.Tool, "doc."):
		return validateDocCall(call.Tool, call.Args, pol)
	case call.Tool == "web.fetch":
		return validateWebCall(call.Args, pol)
	default:
		return []string{fmt.Sprintf("tool not allowlisted: %s", call.Tool)}
	}
}

func validateFSCall(tool string, args map[string]any, pol Policy) []string {
	var errs []string
	path, _ := args["path"].(string)
	if path == "" {
		return []string{fmt.Sprintf("%s missing path", tool)}
	}
	if !pol.AllowPath(path) {
		return []string{fmt.Sprintf("%s path outside allowlist: %s", tool, path)}
	}
	switch tool {
	case "fs.read_text":
		maxBytes, ok := argInt(args, "max_bytes", pol.MaxReadBytes)
		if !ok || maxBytes <= 0 {
			errs = append(errs, "fs.read_text max_bytes must be positive")
		}
		if maxBytes > pol.MaxReadBytes {
			errs = append(errs, "fs.read_text max_bytes exceeds policy limit")
		}
		if fi, err := os.Stat(path); err != nil || fi.IsDir() {
			errs = append(errs, fmt.Sprintf("fs.read_text file missing: %s", path))
		}
	case "fs.list_dir":
		if fi, err := os.Stat(path); err != nil || !fi.IsDir() {
			errs = append(errs, fmt.Sprintf("fs.list_dir directory missing: %s", path))
		}
	case "fs.propose_write_file", "fs.apply_write_file":
		content, ok := args["content"].(string)
		if !ok {
			errs = append(errs, fmt.Sprintf("%s requires content", tool))
		} else if len(content) > pol.MaxWriteBytes {
			errs = append(errs, fmt.Sprintf("%s content exceeds policy limit", tool))
		}
		if tool == "fs.apply_write_file" {
			if _, err := os.Stat(path); err == nil {
				errs = append(errs, "fs.apply_write_file cannot overwrite existing file")
			}
			if _, err := os.Stat(filepath.Dir(path)); err != nil {
				errs = append(errs, "fs.apply_write_file parent directory missing")
			}
		}
	case "fs.move", "fs.rename":
		dst, _ := args["dst"].(string)
		if dst == "" {
			errs = append(errs, fmt.Sprintf("%s missing dst", tool))
			return errs
		}
		if !pol.AllowPath(dst) {
			errs = append(errs, fmt.Sprintf("%s dst outside allowlist: %s", tool, dst))
		}
		if _, err := os.Stat(path); err != nil {
			errs = append(errs, fmt.Sprintf("%s src missing: %s", tool, path))
		}
		if _, err := os.Stat(dst); err == nil {
			errs = append(errs, fmt.Sprintf("%s dst exists (overwrite not allowed)", tool))
		}
	default:
		errs = append(errs, fmt.Sprintf("tool not allowlisted: %s", tool))
	}
	return errs
}

func validateDocCall(tool string, args map[string]any, pol Policy) []string {
	var errs []string
	allowed := map[string]bool{"path": true, "max_chars": true, "ocr_mode": true}
	for key := range args {
		if !allowed[key] {
			errs = append(errs, fmt.Sprintf("%s includes unsupported fields", tool))
			break
		}
	}
	path, _ := args["path"].(string)
	if path == "" {
		errs = append(errs, fmt.Sprintf("%s missing path", tool))
		return errs
	}
	if !pol.AllowPath(path) {
		errs = append(errs, fmt.Sprintf("%s path outside allowlist: %s", tool, path))
	}
	if fi, err := os.Stat(path); err != nil || fi.IsDir() {
		errs = append(errs, fmt.Sprintf("%s file missing: %s", tool, path))
	}
	if mode, set := args["ocr_mode"]; set {
		s, _ := mode.(string)
		if s != "off" && s != "ask" && s != "on" {
			errs = append(errs, fmt.Sprintf("%s invalid ocr_mode", tool))
		}
	}
	if _, set := args["max_chars"]; set {
		maxChars, ok := argInt(args, "max_chars", 0)
		if !ok {
			errs = append(errs, fmt.Sprintf("%s max_chars must be integer", tool))
		} else {
			if maxChars <= 0 {
				errs = append(errs, fmt.Sprintf("%s max_chars must be positive", tool))
			}
			if maxChars > pol.MaxReadBytes {
				errs = append(errs, fmt.Sprintf("%s max_chars exceeds policy limit", tool))
			}
		}
	}
	return errs
}

func validateWebCall(args map[string]any, pol Policy) []string {
	var errs []string
	if !pol.WebEnabled {
		return []string{"web.fetch blocked (web not enabled)"}
	}
	allowed := map[string]bool{"url": true, "allowlist": true, "max_bytes": true, "method": true, "allow_query": true}
	for key := range args {
		if !allowed[key] {
			errs = append(errs, "web.fetch includes unsupported fields")
			break
		}
	}
	for _, forbidden := range []string{"body", "payload", "data", "content", "text", "file", "files"} {
		if _, set := args[forbidden]; set {
			errs = append(errs, "web.fetch cannot send local content")
			break
		}
	}
	allowQuery := false
	if raw, set := args["allow_query"]; set {
		b, ok := raw.(bool)
		if !ok {
			errs = append(errs, "web.fetch allow_query must be boolean")
		}
		allowQuery = ok && b
	}
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		errs = append(errs, "web.fetch missing url")
		return errs
	}
	allowlist := stringList(args["allowlist"])
	if len(allowlist) == 0 {
		errs = append(errs, "web.fetch requires per-task allowlist")
		return errs
	}
	if len(pol.WebAllowlist) > 0 {
		permitted := make(map[string]bool, len(pol.WebAllowlist))
		for _, entry := range pol.WebAllowlist {
			permitted[strings.ToLower(strings.TrimSpace(entry))] = true
		}
		for _, entry := range allowlist {
			if !permitted[strings.ToLower(entry)] {
				errs = append(errs, "web.fetch allowlist not permitted by policy")
				return errs
			}
		}
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, "web.fetch only supports http(s)")
		return errs
	}
	if u.RawQuery != "" {
		if !allowQuery {
			errs = append(errs, "web.fetch query requires allow_query=true")
		}
		if len(u.RawQuery) > pol.MaxQueryChars {
			errs = append(errs, "web.fetch query exceeds policy limit")
		}
	}
	if !HostAllowed(u.Hostname(), allowlist) {
		errs = append(errs, "web.fetch url not in allowlist")
	}
	maxBytes, ok := argInt(args, "max_bytes", pol.MaxWebBytes)
	if !ok || maxBytes <= 0 {
		errs = append(errs, "web.fetch max_bytes must be positive")
	}
	if maxBytes > pol.MaxWebBytes {
		errs = append(errs, "web.fetch max_bytes exceeds policy limit")
	}
	method := "GET"
	if raw, set := args["method"]; set {
		method, _ = raw.(string)
		method = strings.ToUpper(method)
	}
	if method != "GET" {
		errs = append(errs, "web.fetch method must be GET")
	}
	return errs
}

// HostAllowed reports whether host matches an allowlist entry exactly or
// as a subdomain.
func HostAllowed(host string, allowlist []string) bool {
	host = strings.ToLower(host)
	for _, entry := range allowlist {
		candidate := strings.ToLower(strings.TrimSpace(entry))
		if candidate == "" {
			continue
		}
		if host == candidate || strings.HasSuffix(host, "."+candidate) {
			return true
		}
	}
	return false
}

// argInt reads an integer argument that may arrive as int, float64, or
// json.Number after JSON decoding. Bools and fractional floats are
// rejected.
func argInt(args map[string]any, key string, fallback int) (int, bool) {
	raw, set := args[key]
	if !set {
		return fallback, true
	}
	switch v := raw.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != float64(int64(v)) {
			return 0, false
		}
		return int(v), true
	case interface{ Int64() (int64, error) }:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

func stringList(raw any) []string {
	items, ok := raw.([]any)
	if !ok {
		if direct, ok := raw.([]string); ok {
			return direct
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
