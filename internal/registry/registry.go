// Package registry holds the in-memory task table and mirrors it to
// durable storage so pending and paused tasks survive a restart.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yinshiyionly/jianying-draft/internal/domain"
	"github.com/yinshiyionly/jianying-draft/internal/repository"
)

// Registry maps task id to task, preserving insertion order. The
// download service is the sole writer; reads may happen concurrently.
// Mirror writes are best-effort: a failed flush is logged and the
// in-memory state stays authoritative.
type Registry struct {
	mu     sync.RWMutex
	tasks  map[string]*domain.Task
	order  []string
	repo   repository.TaskRepository
	logger *logrus.Logger
}

// New creates a registry. repo may be nil for a purely in-memory registry.
func New(repo repository.TaskRepository, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		tasks:  make(map[string]*domain.Task),
		repo:   repo,
		logger: logger,
	}
}

// Load restores persisted tasks. Tasks found in a downloading state are
// reset to paused: no engine survives a restart, so the record cannot
// be trusted as live.
func (r *Registry) Load(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}

	persisted, err := r.repo.List(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range persisted {
		task := persisted[i]
		if task.Status == domain.TaskStatusDownloading {
			task.Status = domain.TaskStatusPaused
			if err := r.repo.Update(ctx, &task); err != nil {
				r.logger.WithField("task_id", task.ID).Warnf("persist reconciled status: %v", err)
			}
		}
		r.tasks[task.ID] = &task
		r.order = append(r.order, task.ID)
	}
	return nil
}

// Put registers a new task.
func (r *Registry) Put(ctx context.Context, task *domain.Task) {
	r.mu.Lock()
	clone := *task
	r.tasks[task.ID] = &clone
	r.order = append(r.order, task.ID)
	r.mu.Unlock()

	if r.repo != nil {
		if err := r.repo.Create(ctx, task); err != nil {
			r.logger.WithField("task_id", task.ID).Warnf("persist task: %v", err)
		}
	}
}

// Get returns a snapshot of the task.
func (r *Registry) Get(id string) (domain.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	return *task, true
}

// List returns snapshots of all tasks in insertion order.
func (r *Registry) List() []domain.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Task, 0, len(r.order))
	for _, id := range r.order {
		if task, ok := r.tasks[id]; ok {
			out = append(out, *task)
		}
	}
	return out
}

// Update applies fn to the task under the registry lock, stamps
// UpdatedAt and mirrors the result. It returns the updated snapshot.
func (r *Registry) Update(ctx context.Context, id string, fn func(*domain.Task)) (domain.Task, bool) {
	r.mu.Lock()
	task, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return domain.Task{}, false
	}
	fn(task)
	task.UpdatedAt = time.Now()
	snapshot := *task
	r.mu.Unlock()

	if r.repo != nil {
		if err := r.repo.Update(ctx, &snapshot); err != nil {
			r.logger.WithField("task_id", id).Warnf("persist task update: %v", err)
		}
	}
	return snapshot, true
}

// Remove deletes the task from the registry and the mirror.
func (r *Registry) Remove(ctx context.Context, id string) bool {
	r.mu.Lock()
	_, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.tasks, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if r.repo != nil {
		if err := r.repo.Delete(ctx, id); err != nil {
			r.logger.WithField("task_id", id).Warnf("remove persisted task: %v", err)
		}
	}
	return true
}
