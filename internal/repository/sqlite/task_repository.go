package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/yinshiyionly/jianying-draft/internal/domain"
	"github.com/yinshiyionly/jianying-draft/internal/repository"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS download_tasks (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	file_path TEXT NOT NULL DEFAULT '',
	total_size INTEGER NOT NULL DEFAULT 0,
	downloaded INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	completed_at DATETIME NULL
);
`

type TaskRepository struct {
	db *sql.DB
}

func NewTaskRepository(db *sql.DB) repository.TaskRepository {
	return &TaskRepository{db: db}
}

func (r *TaskRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createTasksTable); err != nil {
		return fmt.Errorf("create download_tasks table: %w", err)
	}
	return nil
}

func (r *TaskRepository) Create(ctx context.Context, task *domain.Task) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO download_tasks (id, url, name, file_path, total_size, downloaded, status, error_message, created_at, updated_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		task.URL,
		task.Name,
		task.FilePath,
		task.TotalSize,
		task.Downloaded,
		string(task.Status),
		task.ErrorMessage,
		task.CreatedAt.UTC(),
		task.UpdatedAt.UTC(),
		nullTime(task.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (r *TaskRepository) Update(ctx context.Context, task *domain.Task) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE download_tasks
SET url=?, name=?, file_path=?, total_size=?, downloaded=?, status=?, error_message=?, updated_at=?, completed_at=?
WHERE id=?`,
		task.URL,
		task.Name,
		task.FilePath,
		task.TotalSize,
		task.Downloaded,
		string(task.Status),
		task.ErrorMessage,
		task.UpdatedAt.UTC(),
		nullTime(task.CompletedAt),
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

func (r *TaskRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM download_tasks WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("task delete rows affected: %w", err)
	}
	if aff == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *TaskRepository) Get(ctx context.Context, id string) (*domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, url, name, file_path, total_size, downloaded, status, error_message, created_at, updated_at, completed_at
FROM download_tasks
WHERE id=?`,
		id,
	)
	return scanTask(row)
}

// List returns all tasks in insertion order.
func (r *TaskRepository) List(ctx context.Context) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, url, name, file_path, total_size, downloaded, status, error_message, created_at, updated_at, completed_at
FROM download_tasks
ORDER BY rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*domain.Task, error) {
	var (
		task        domain.Task
		status      string
		createdAt   time.Time
		updatedAt   time.Time
		completedAt sql.NullTime
	)

	if err := scanner.Scan(
		&task.ID,
		&task.URL,
		&task.Name,
		&task.FilePath,
		&task.TotalSize,
		&task.Downloaded,
		&status,
		&task.ErrorMessage,
		&createdAt,
		&updatedAt,
		&completedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	task.Status = domain.TaskStatus(status)
	task.CreatedAt = createdAt.Local()
	task.UpdatedAt = updatedAt.Local()
	if completedAt.Valid {
		t := completedAt.Time.Local()
		task.CompletedAt = &t
	}
	return &task, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
