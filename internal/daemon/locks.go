package daemon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/basket/planrun/internal/plan"
)

// lockHandle holds the advisory lock files a worker took for one task.
type lockHandle struct {
	files []string
}

func (h *lockHandle) release() {
	for _, f := range h.files {
		_ = os.Remove(f)
	}
}

// planPaths collects the filesystem paths a plan touches, deduplicated
// and sorted so lock acquisition order is stable across workers.
func planPaths(p *plan.Plan) []string {
	seen := make(map[string]struct{})
	for _, call := range p.ToolCalls {
		for _, key := range []string{"path", "dst"} {
			raw, _ := call.Args[key].(string)
			if raw == "" {
				continue
			}
			abs, err := filepath.Abs(raw)
			if err != nil {
				abs = raw
			}
			seen[abs] = struct{}{}
		}
	}
	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func lockName(path string) string {
	sum := sha256.Sum256([]byte(path))
	base := strings.ReplaceAll(filepath.Base(path), " ", "_")
	if base == "" || base == string(filepath.Separator) {
		base = "root"
	}
	return fmt.Sprintf("lock-%s-%s.lock", base, hex.EncodeToString(sum[:])[:16])
}

// acquireLocks takes an exclusive lock file per path under locksDir.
// A lock already held by the same task is treated as held (a resumed
// run re-enters its own locks). Returns nil when any path is held by
// another task; partial acquisitions are rolled back.
func acquireLocks(paths []string, locksDir, taskID, owner string) (*lockHandle, error) {
	if err := os.MkdirAll(locksDir, 0o755); err != nil {
		return nil, fmt.Errorf("create locks dir: %w", err)
	}
	handle := &lockHandle{}
	for _, path := range paths {
		lockFile := filepath.Join(locksDir, lockName(path))
		f, err := os.OpenFile(lockFile, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			if os.IsExist(err) {
				if lockTaskID(lockFile) == taskID {
					handle.files = append(handle.files, lockFile)
					continue
				}
				handle.release()
				return nil, nil
			}
			handle.release()
			return nil, fmt.Errorf("create lock file: %w", err)
		}
		payload := fmt.Sprintf("task_id=%s\nowner=%s\ncreated_at=%s\n",
			taskID, owner, time.Now().UTC().Format("20060102T150405Z"))
		if _, err := f.WriteString(payload); err != nil {
			f.Close()
			_ = os.Remove(lockFile)
			handle.release()
			return nil, fmt.Errorf("write lock file: %w", err)
		}
		if err := f.Close(); err != nil {
			_ = os.Remove(lockFile)
			handle.release()
			return nil, fmt.Errorf("close lock file: %w", err)
		}
		handle.files = append(handle.files, lockFile)
	}
	return handle, nil
}

func lockTaskID(lockFile string) string {
	data, err := os.ReadFile(lockFile)
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if id, ok := strings.CutPrefix(line, "task_id="); ok {
			return strings.TrimSpace(id)
		}
	}
	return ""
}
