package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RecordApproval stores an approval for a plan hash. A nil checkpoint
// approves the whole plan. Returns the approval id.
func (s *Store) RecordApproval(ctx context.Context, planHash string, checkpoint *string, approvedBy string) (string, error) {
	id := NewApprovalID()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO approvals (id, plan_hash, checkpoint_id, approved_by, approved_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, id, planHash, checkpoint, approvedBy)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("record approval: %w", err)
	}
	return id, nil
}

// FindApproval looks up an approval matching the plan hash and gate.
// The match is exact: a nil checkpoint matches only whole-plan
// approvals, never checkpoint-scoped ones, and vice versa. Returns nil
// when nothing matches.
func (s *Store) FindApproval(ctx context.Context, planHash string, checkpoint *string) (*Approval, error) {
	var a Approval
	var checkpointID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, plan_hash, checkpoint_id, approved_at, approved_by
		FROM approvals
		WHERE plan_hash = ? AND checkpoint_id IS ?
		ORDER BY approved_at DESC, rowid DESC
		LIMIT 1;
	`, planHash, checkpoint).Scan(&a.ID, &a.PlanHash, &checkpointID, &a.ApprovedAt, &a.ApprovedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find approval: %w", err)
	}
	if checkpointID.Valid {
		v := checkpointID.String
		a.CheckpointID = &v
	}
	return &a, nil
}

// ListApprovals returns all approvals for a plan hash, newest first.
func (s *Store) ListApprovals(ctx context.Context, planHash string) ([]Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plan_hash, checkpoint_id, approved_at, approved_by
		FROM approvals
		WHERE plan_hash = ?
		ORDER BY approved_at DESC, rowid DESC;
	`, planHash)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var approvals []Approval
	for rows.Next() {
		var a Approval
		var checkpointID sql.NullString
		if err := rows.Scan(&a.ID, &a.PlanHash, &checkpointID, &a.ApprovedAt, &a.ApprovedBy); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		if checkpointID.Valid {
			v := checkpointID.String
			a.CheckpointID = &v
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}
