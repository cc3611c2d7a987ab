package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yinshiyionly/jianying-draft/internal/domain"
	"github.com/yinshiyionly/jianying-draft/internal/repository"
	"github.com/yinshiyionly/jianying-draft/internal/repository/sqlite"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func newTask(id string, status domain.TaskStatus) *domain.Task {
	now := time.Now()
	return &domain.Task{
		ID:        id,
		URL:       "https://example.com/" + id,
		Name:      id,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestRegistryPutGetRemove(t *testing.T) {
	reg := New(nil, testLogger())
	ctx := context.Background()

	reg.Put(ctx, newTask("a", domain.TaskStatusPending))

	got, ok := reg.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", got.ID)

	// snapshots are copies, mutating one must not leak back
	got.Status = domain.TaskStatusFailed
	again, _ := reg.Get("a")
	assert.Equal(t, domain.TaskStatusPending, again.Status)

	assert.True(t, reg.Remove(ctx, "a"))
	_, ok = reg.Get("a")
	assert.False(t, ok)
	assert.False(t, reg.Remove(ctx, "a"))
}

func TestRegistryListInsertionOrder(t *testing.T) {
	reg := New(nil, testLogger())
	ctx := context.Background()

	for _, id := range []string{"z", "m", "a"} {
		reg.Put(ctx, newTask(id, domain.TaskStatusPending))
	}

	tasks := reg.List()
	require.Len(t, tasks, 3)
	assert.Equal(t, "z", tasks[0].ID)
	assert.Equal(t, "m", tasks[1].ID)
	assert.Equal(t, "a", tasks[2].ID)
}

func TestRegistryUpdate(t *testing.T) {
	reg := New(nil, testLogger())
	ctx := context.Background()

	reg.Put(ctx, newTask("a", domain.TaskStatusPending))
	before, _ := reg.Get("a")

	snapshot, ok := reg.Update(ctx, "a", func(task *domain.Task) {
		task.Status = domain.TaskStatusDownloading
		task.Downloaded = 42
	})
	require.True(t, ok)
	assert.Equal(t, domain.TaskStatusDownloading, snapshot.Status)
	assert.Equal(t, int64(42), snapshot.Downloaded)
	assert.False(t, snapshot.UpdatedAt.Before(before.UpdatedAt))

	_, ok = reg.Update(ctx, "missing", func(task *domain.Task) {})
	assert.False(t, ok)
}

func TestRegistryLoadReconcilesDownloading(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var repo repository.TaskRepository = sqlite.NewTaskRepository(db)
	require.NoError(t, repo.Init(ctx))

	reg := New(repo, testLogger())
	reg.Put(ctx, newTask("a", domain.TaskStatusPending))
	reg.Put(ctx, newTask("b", domain.TaskStatusPending))
	reg.Update(ctx, "a", func(task *domain.Task) {
		task.Status = domain.TaskStatusDownloading
		task.Downloaded = 3000
	})
	reg.Update(ctx, "b", func(task *domain.Task) {
		task.Status = domain.TaskStatusCompleted
	})

	// simulate a restart: a fresh registry over the same database
	reloaded := New(repo, testLogger())
	require.NoError(t, reloaded.Load(ctx))

	a, ok := reloaded.Get("a")
	require.True(t, ok)
	assert.Equal(t, domain.TaskStatusPaused, a.Status, "no engine survives a restart")
	assert.Equal(t, int64(3000), a.Downloaded)

	b, ok := reloaded.Get("b")
	require.True(t, ok)
	assert.Equal(t, domain.TaskStatusCompleted, b.Status)

	// the reconciled status is flushed back to the mirror
	persisted, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPaused, persisted.Status)
}
