package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/warden/internal/task"
)

// SaveTask upserts a full task snapshot. The lifecycle manager calls this
// after every transition, so the row always reflects the latest state.
func (s *Store) SaveTask(ctx context.Context, t *task.Task) error {
	params, err := json.Marshal(t.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	steps, err := json.Marshal(t.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	history, err := json.Marshal(t.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO tasks (id, type, description, parameters, priority, autonomy, status, steps, history, reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			steps = EXCLUDED.steps,
			history = EXCLUDED.history,
			reason = EXCLUDED.reason,
			updated_at = EXCLUDED.updated_at`,
		t.ID, t.Type, t.Description, params, t.Priority, t.Autonomy,
		t.Status, steps, history, t.Reason, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// GetTask loads one task snapshot by id.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, type, description, parameters, priority, autonomy, status, steps, history, reason, created_at, updated_at
		FROM tasks WHERE id = $1`, id)

	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns snapshots ordered by creation time, optionally filtered
// by status. An empty filter returns everything.
func (s *Store) ListTasks(ctx context.Context, filter task.Status) ([]*task.Task, error) {
	query := `
		SELECT id, type, description, parameters, priority, autonomy, status, steps, history, reason, created_at, updated_at
		FROM tasks`
	args := []any{}
	if filter != "" {
		query += ` WHERE status = $1`
		args = append(args, filter)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row pgx.Row) (*task.Task, error) {
	var t task.Task
	var params, steps, history []byte
	if err := row.Scan(
		&t.ID, &t.Type, &t.Description, &params, &t.Priority, &t.Autonomy,
		&t.Status, &steps, &history, &t.Reason, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &t.Parameters); err != nil {
			return nil, fmt.Errorf("unmarshal parameters: %w", err)
		}
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &t.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &t.History); err != nil {
			return nil, fmt.Errorf("unmarshal history: %w", err)
		}
	}
	return &t, nil
}
