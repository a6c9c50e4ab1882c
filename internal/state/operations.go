package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/njoerd114/eventsync/internal/model"
)

const operationColumns = `id, config_id, kind, status, entity_type, started_at, completed_at, errors, retry_count`

// CreateOperation inserts a pending operation record.
func (s *Store) CreateOperation(ctx context.Context, op *model.SyncOperation) error {
	if op.ID == "" {
		op.ID = newID()
	}
	if op.StartedAt.IsZero() {
		op.StartedAt = s.now()
	}
	if op.Status == "" {
		op.Status = model.OperationPending
	}
	if op.EntityType == "" {
		op.EntityType = model.EntityEvent
	}

	const q = `INSERT INTO sync_operations (` + operationColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		op.ID, op.ConfigID, string(op.Kind), string(op.Status), string(op.EntityType),
		formatTime(op.StartedAt), formatTime(op.CompletedAt), encodeStrings(op.Errors), op.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("inserting operation for %s: %w", op.ConfigID, err)
	}
	return nil
}

// FinishOperation writes the final status, completion time and error list.
func (s *Store) FinishOperation(ctx context.Context, op *model.SyncOperation) error {
	if op.CompletedAt.IsZero() {
		op.CompletedAt = s.now()
	}
	const q = `UPDATE sync_operations SET status = ?, completed_at = ?, errors = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, q, string(op.Status), formatTime(op.CompletedAt), encodeStrings(op.Errors), op.ID)
	if err != nil {
		return fmt.Errorf("finishing operation %s: %w", op.ID, err)
	}
	return nil
}

// GetOperation returns the operation with the given ID, or (nil, nil).
func (s *Store) GetOperation(ctx context.Context, id string) (*model.SyncOperation, error) {
	q := `SELECT ` + operationColumns + ` FROM sync_operations WHERE id = ?`
	return scanOperation(s.db.QueryRowContext(ctx, q, id))
}

// ListOperations returns the most recent operations of a configuration,
// newest first.
func (s *Store) ListOperations(ctx context.Context, configID string, limit int) ([]*model.SyncOperation, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + operationColumns + ` FROM sync_operations
		WHERE config_id = ? ORDER BY started_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, configID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying operations of %s: %w", configID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func scanOperation(sc scanner) (*model.SyncOperation, error) {
	var (
		op                       model.SyncOperation
		kind, status, entityType string
		started, completed, errs string
	)
	err := sc.Scan(&op.ID, &op.ConfigID, &kind, &status, &entityType, &started, &completed, &errs, &op.RetryCount)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning operation row: %w", err)
	}
	op.Kind = model.OperationKind(kind)
	op.Status = model.OperationStatus(status)
	op.EntityType = model.EntityType(entityType)
	op.StartedAt, _ = parseTime(started)
	op.CompletedAt, _ = parseTime(completed)
	if errs != "" {
		_ = json.Unmarshal([]byte(errs), &op.Errors)
	}
	return &op, nil
}
