package repository

import (
	"context"

	"github.com/yinshiyionly/jianying-draft/internal/domain"
)

// TaskRepository exposes durable persistence for download tasks. The
// registry is the only writer; persistence is best-effort and a stale
// record may trail the in-memory state by at most one update.
type TaskRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, task *domain.Task) error
	Update(ctx context.Context, task *domain.Task) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*domain.Task, error)
	List(ctx context.Context) ([]domain.Task, error)
}
