// Package audit records policy gate decisions to an append-only JSONL
// file, mirrored into the audit_log table when a database is attached.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/planrun/internal/shared"
)

type entry struct {
	Timestamp     string `json:"timestamp"`
	Decision      string `json:"decision"`
	Action        string `json:"action"`
	Reason        string `json:"reason,omitempty"`
	PolicyVersion string `json:"policy_version"`
	Subject       string `json:"subject,omitempty"`
}

// Logger writes audit entries. Safe for concurrent use.
type Logger struct {
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
}

// New opens (creating if needed) the audit JSONL file at path.
func New(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Logger{file: f}, nil
}

// SetDB attaches the task store database so entries are mirrored into
// the audit_log table.
func (l *Logger) SetDB(db *sql.DB) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.db = db
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func (l *Logger) DenyCount() int64 {
	return l.denyCount.Load()
}

// Record persists one gate decision. Reasons and subjects are redacted
// before they touch disk.
func (l *Logger) Record(decision, action, reason, policyVersion, subject string) {
	if decision == "deny" {
		l.denyCount.Add(1)
	}

	reason = shared.Redact(reason)
	subject = shared.Redact(subject)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		ev := entry{
			Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
			Decision:      decision,
			Action:        action,
			Reason:        reason,
			PolicyVersion: policyVersion,
			Subject:       subject,
		}
		if b, err := json.Marshal(ev); err == nil {
			_, _ = l.file.Write(append(b, '\n'))
		}
	}

	if l.db != nil {
		_, _ = l.db.ExecContext(context.Background(), `
			INSERT INTO audit_log (subject, action, decision, reason, policy_version)
			VALUES (?, ?, ?, ?, ?);
		`, subject, action, decision, reason, policyVersion)
	}
}
