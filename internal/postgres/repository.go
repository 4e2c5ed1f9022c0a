package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-task-tracker/internal/domain"
)

// TaskRepository keeps one row per task; history and metadata are JSONB.
type TaskRepository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool.
func NewRepository(pool *pgxpool.Pool) *TaskRepository {
	return &TaskRepository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// Save upserts the full record.
func (r *TaskRepository) Save(ctx context.Context, task *domain.Task) error {
	history, err := json.Marshal(task.History)
	if err != nil {
		return fmt.Errorf("marshal history for task %s: %w", task.ID, err)
	}
	metadata, err := json.Marshal(nonNil(task.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata for task %s: %w", task.ID, err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO tasks
			(id, owner, status, message, metadata, history, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status     = EXCLUDED.status,
			message    = EXCLUDED.message,
			history    = EXCLUDED.history,
			updated_at = EXCLUDED.updated_at
	`,
		task.ID, task.Owner, string(task.Status), task.Message,
		metadata, history, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	return nil
}

func (r *TaskRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// LoadAll returns every row ordered by creation time.
func (r *TaskRepository) LoadAll(ctx context.Context) ([]*domain.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, owner, status, message, metadata, history, created_at, updated_at
		FROM tasks
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (r *TaskRepository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}

// scanTask reads one row of a LoadAll result.
func scanTask(row interface {
	Scan(...any) error
}) (*domain.Task, error) {
	var task domain.Task
	var status string
	var metadata, history []byte
	err := row.Scan(
		&task.ID, &task.Owner, &status, &task.Message,
		&metadata, &history, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Status = domain.Status(status)
	if err := json.Unmarshal(history, &task.History); err != nil {
		return nil, fmt.Errorf("unmarshal history for task %s: %w", task.ID, err)
	}
	if err := json.Unmarshal(metadata, &task.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata for task %s: %w", task.ID, err)
	}
	if len(task.Metadata) == 0 {
		task.Metadata = nil
	}
	return &task, nil
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
