// Package policy holds the execution policy and the deny-by-default
// gate that authorizes every tool call against it.
package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Policy is the serializable policy data loaded from policy.yaml.
type Policy struct {
	// AllowedRoots are the directory roots tool calls may touch. A call
	// whose path resolves outside every root is denied.
	AllowedRoots []string `yaml:"allowed_roots"`

	MaxReadBytes  int `yaml:"max_read_bytes"`
	MaxWriteBytes int `yaml:"max_write_bytes"`
	MaxWebBytes   int `yaml:"max_web_bytes"`
	MaxQueryChars int `yaml:"max_query_chars"`

	// RequireApproval gates execution on recorded approvals.
	RequireApproval bool `yaml:"require_approval"`

	WebEnabled   bool     `yaml:"web_enabled"`
	WebAllowlist []string `yaml:"web_allowlist"`
}

func Default() Policy {
	return Policy{
		MaxReadBytes:    200000,
		MaxWriteBytes:   200000,
		MaxWebBytes:     200000,
		MaxQueryChars:   256,
		RequireApproval: true,
		WebEnabled:      false,
	}
}

// Load reads policy.yaml from path. A missing or empty file yields the
// default policy.
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	p := Default()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) validate() error {
	if p.MaxReadBytes <= 0 || p.MaxWriteBytes <= 0 || p.MaxWebBytes <= 0 {
		return fmt.Errorf("policy size limits must be positive")
	}
	if p.MaxQueryChars <= 0 {
		return fmt.Errorf("policy max_query_chars must be positive")
	}
	return nil
}

// Version returns a stable hash of the policy knobs, recorded with every
// gate decision so audit entries can be tied to the policy that made them.
func (p Policy) Version() string {
	h := fnv.New64a()
	for _, v := range p.AllowedRoots {
		_, _ = h.Write([]byte(strings.TrimSpace(v) + "|"))
	}
	fmt.Fprintf(h, "read=%d|write=%d|web=%d|query=%d|approval=%t|webon=%t|",
		p.MaxReadBytes, p.MaxWriteBytes, p.MaxWebBytes, p.MaxQueryChars,
		p.RequireApproval, p.WebEnabled)
	for _, v := range p.WebAllowlist {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

// AllowPath checks whether a filesystem path resolves under one of the
// allowed roots. Symlinks are resolved before the prefix check.
func (p Policy) AllowPath(path string) bool {
	if len(p.AllowedRoots) == 0 {
		return false
	}
	resolved := resolvePath(path)
	if resolved == "" {
		return false
	}
	for _, root := range p.AllowedRoots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if eval, err := filepath.EvalSymlinks(rootAbs); err == nil {
			rootAbs = eval
		}
		if resolved == rootAbs || strings.HasPrefix(resolved, rootAbs+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// resolvePath resolves symlinks, falling back to the parent directory for
// paths that do not exist yet (pending writes).
func resolvePath(path string) string {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		parent, perr := filepath.EvalSymlinks(filepath.Dir(path))
		if perr != nil {
			if abs, aerr := filepath.Abs(path); aerr == nil {
				return abs
			}
			return ""
		}
		resolved = filepath.Join(parent, filepath.Base(path))
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return ""
	}
	return abs
}

// LivePolicy wraps a Policy behind an RWMutex so the daemon can reload
// it while workers are running.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
}

func NewLivePolicy(initial Policy) *LivePolicy {
	return &LivePolicy{data: initial}
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.AllowedRoots = append([]string(nil), lp.data.AllowedRoots...)
	cp.WebAllowlist = append([]string(nil), lp.data.WebAllowlist...)
	return cp
}

// Reload replaces the policy data with a fresh snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

func (lp *LivePolicy) Version() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.Version()
}

// ReloadFromFile updates the live policy only when the incoming file
// parses and validates. On error, the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}
