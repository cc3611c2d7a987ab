// Package service implements the download facade: task lifecycle
// operations, per-task transfer goroutines, speed accounting and
// observer fan-out.
package service

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yinshiyionly/jianying-draft/internal/domain"
	"github.com/yinshiyionly/jianying-draft/internal/registry"
	"github.com/yinshiyionly/jianying-draft/internal/transfer"
)

// ProgressCallback receives a task snapshot on every progress report.
type ProgressCallback func(task domain.Task)

// StatusCallback receives a task snapshot and a human readable message
// on every status transition.
type StatusCallback func(task domain.Task, message string)

type Config struct {
	// DownloadDir is the default destination directory for tasks
	// created without an explicit path.
	DownloadDir string

	// SpeedWindow is the rolling window for speed computation.
	SpeedWindow time.Duration

	Logger *logrus.Logger
}

type stopReason int32

const (
	stopNone stopReason = iota
	stopPause
	stopCancel
)

// taskHandle tracks one running transfer engine.
type taskHandle struct {
	cancel context.CancelFunc
	reason atomic.Int32
	done   chan struct{}
}

type eventKind int

const (
	eventStarted eventKind = iota
	eventProgress
	eventFinished
)

type taskEvent struct {
	kind       eventKind
	taskID     string
	downloaded int64
	total      int64
	err        error
	reason     stopReason
}

// DownloadService owns the task registry and a pool of per-task
// transfer engines. Engines communicate deltas through an internal
// channel; a single event loop serializes all resulting registry
// mutations and observer notifications.
type DownloadService struct {
	cfg      Config
	registry *registry.Registry
	engine   *transfer.Engine
	logger   *logrus.Logger

	mu     sync.Mutex
	active map[string]*taskHandle
	speeds map[string]*speedWindow

	events chan taskEvent
	wg     sync.WaitGroup
	loopWg sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	cbMu              sync.RWMutex
	progressCallbacks []ProgressCallback
	statusCallbacks   []StatusCallback
}

func NewDownloadService(cfg Config, reg *registry.Registry, engine *transfer.Engine) *DownloadService {
	if cfg.SpeedWindow <= 0 {
		cfg.SpeedWindow = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if engine == nil {
		engine = transfer.NewEngine(transfer.Config{Logger: cfg.Logger})
	}
	return &DownloadService{
		cfg:      cfg,
		registry: reg,
		engine:   engine,
		logger:   cfg.Logger,
		active:   make(map[string]*taskHandle),
		speeds:   make(map[string]*speedWindow),
		events:   make(chan taskEvent, 128),
	}
}

// Start launches the event loop. It must be called before any download
// is started.
func (s *DownloadService) Start(ctx context.Context) error {
	if s.cfg.DownloadDir != "" {
		if err := os.MkdirAll(s.cfg.DownloadDir, 0o755); err != nil {
			return fmt.Errorf("create download dir: %w", err)
		}
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.loopWg.Add(1)
	go s.run()
	return nil
}

// Shutdown stops all running transfers and waits for them to clean up.
// Interrupted tasks are reconciled to paused on the next registry load.
func (s *DownloadService) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.loopWg.Wait()
	s.logger.Info("download service stopped")
}

// RegisterProgressCallback adds an observer invoked on every progress
// report, in registration order.
func (s *DownloadService) RegisterProgressCallback(cb ProgressCallback) {
	s.cbMu.Lock()
	s.progressCallbacks = append(s.progressCallbacks, cb)
	s.cbMu.Unlock()
}

// RegisterStatusCallback adds an observer invoked on every status
// transition, in registration order.
func (s *DownloadService) RegisterStatusCallback(cb StatusCallback) {
	s.cbMu.Lock()
	s.statusCallbacks = append(s.statusCallbacks, cb)
	s.cbMu.Unlock()
}

// CreateTask validates the URL, derives name and destination defaults,
// and registers the task as pending. No network I/O happens here.
func (s *DownloadService) CreateTask(ctx context.Context, rawURL, name, filePath string) (*domain.Task, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("%w: url is required", domain.ErrInvalidArgument)
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse url: %v", domain.ErrInvalidArgument, err)
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("%w: unsupported url %q", domain.ErrInvalidArgument, rawURL)
	}

	filename := filenameFromURL(parsed)
	if name == "" {
		name = filename
	}
	if filePath == "" {
		filePath = filepath.Join(s.cfg.DownloadDir, filename)
	}
	if err := ensureWritable(filePath); err != nil {
		return nil, fmt.Errorf("%w: destination not writable: %v", domain.ErrInvalidArgument, err)
	}

	now := time.Now()
	task := &domain.Task{
		ID:        uuid.NewString(),
		URL:       rawURL,
		Name:      name,
		FilePath:  filePath,
		Status:    domain.TaskStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.registry.Put(ctx, task)

	s.logger.WithField("task_id", task.ID).Infof("task created for %s", rawURL)
	s.notifyStatus(*task, "task created")

	snapshot := *task
	return &snapshot, nil
}

// StartDownload spawns a transfer engine for the task and returns
// immediately. Starting a task that is already downloading or completed
// is a no-op.
func (s *DownloadService) StartDownload(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}

	switch task.Status {
	case domain.TaskStatusDownloading, domain.TaskStatusCompleted, domain.TaskStatusCancelled:
		return nil
	}

	// The partial file on disk is the sole source of truth for the
	// resume offset.
	offset := int64(0)
	if info, err := os.Stat(task.FilePath); err == nil && !info.IsDir() {
		offset = info.Size()
	}

	snapshot, _ := s.registry.Update(ctx, id, func(t *domain.Task) {
		t.Status = domain.TaskStatusDownloading
		t.Downloaded = offset
		t.ErrorMessage = ""
	})
	s.spawnLocked(snapshot)
	return nil
}

// ResumeDownload restarts a paused (or failed, as a retry) task from
// the on-disk byte offset.
func (s *DownloadService) ResumeDownload(ctx context.Context, id string) error {
	task, ok := s.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if !task.CanResume() {
		return nil
	}
	return s.StartDownload(ctx, id)
}

// PauseDownload signals the running engine to stop; the paused status
// lands once the engine confirms cleanup. No-op unless downloading.
func (s *DownloadService) PauseDownload(ctx context.Context, id string) error {
	s.mu.Lock()

	task, ok := s.registry.Get(id)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if task.Status != domain.TaskStatusDownloading {
		s.mu.Unlock()
		return nil
	}

	if handle, ok := s.active[id]; ok {
		handle.reason.Store(int32(stopPause))
		handle.cancel()
		s.mu.Unlock()
		return nil
	}

	// No live engine for a downloading task: reconcile directly.
	snapshot, _ := s.registry.Update(ctx, id, func(t *domain.Task) {
		t.Status = domain.TaskStatusPaused
	})
	s.mu.Unlock()
	s.notifyStatus(snapshot, "download paused")
	return nil
}

// CancelDownload stops the task. The destination file is kept; only
// DeleteTask removes it.
func (s *DownloadService) CancelDownload(ctx context.Context, id string) error {
	s.mu.Lock()

	task, ok := s.registry.Get(id)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if task.Status == domain.TaskStatusCompleted || task.Status == domain.TaskStatusCancelled {
		s.mu.Unlock()
		return nil
	}

	if handle, ok := s.active[id]; ok && task.Status == domain.TaskStatusDownloading {
		handle.reason.Store(int32(stopCancel))
		handle.cancel()
		s.mu.Unlock()
		return nil
	}

	snapshot, _ := s.registry.Update(ctx, id, func(t *domain.Task) {
		t.Status = domain.TaskStatusCancelled
	})
	s.mu.Unlock()
	s.notifyStatus(snapshot, "download cancelled")
	return nil
}

// DeleteTask cancels any running transfer, removes the registry entry
// and optionally the destination file. A failure to delete the file is
// logged but does not block removal.
func (s *DownloadService) DeleteTask(ctx context.Context, id string, deleteFile bool) error {
	s.mu.Lock()
	task, ok := s.registry.Get(id)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	handle := s.active[id]
	if handle != nil {
		handle.reason.Store(int32(stopCancel))
		handle.cancel()
	}
	s.mu.Unlock()

	if handle != nil {
		select {
		case <-handle.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.registry.Remove(ctx, id)

	if deleteFile {
		if err := os.Remove(task.FilePath); err != nil && !os.IsNotExist(err) {
			s.logger.WithField("task_id", id).Warnf("delete file %s: %v", task.FilePath, err)
		}
	}

	s.logger.WithField("task_id", id).Info("task deleted")
	s.notifyStatus(task, "task deleted")
	return nil
}

// GetAllTasks returns all tasks in creation order.
func (s *DownloadService) GetAllTasks() []domain.Task {
	return s.registry.List()
}

// GetActiveTasks returns tasks that are pending or downloading.
func (s *DownloadService) GetActiveTasks() []domain.Task {
	all := s.registry.List()
	active := make([]domain.Task, 0, len(all))
	for _, task := range all {
		if task.Status.Active() {
			active = append(active, task)
		}
	}
	return active
}

func (s *DownloadService) GetTaskByID(id string) (*domain.Task, error) {
	task, ok := s.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return &task, nil
}

// GetDownloadSpeed returns bytes per second over the rolling window, or
// 0 for tasks that are not downloading or have too few samples.
func (s *DownloadService) GetDownloadSpeed(id string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.registry.Get(id)
	if !ok || task.Status != domain.TaskStatusDownloading {
		return 0
	}
	window, ok := s.speeds[id]
	if !ok {
		return 0
	}
	return window.rate()
}

// spawnLocked starts the transfer goroutine; s.mu must be held.
func (s *DownloadService) spawnLocked(task domain.Task) {
	taskCtx, cancel := context.WithCancel(s.ctx)
	handle := &taskHandle{cancel: cancel, done: make(chan struct{})}
	s.active[task.ID] = handle
	s.speeds[task.ID] = newSpeedWindow(s.cfg.SpeedWindow)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(handle.done)
		defer cancel()

		s.emit(taskEvent{kind: eventStarted, taskID: task.ID})

		err := s.engine.Run(taskCtx, task.URL, task.FilePath, func(downloaded, total int64) {
			s.emit(taskEvent{kind: eventProgress, taskID: task.ID, downloaded: downloaded, total: total})
		})

		s.emit(taskEvent{
			kind:   eventFinished,
			taskID: task.ID,
			err:    err,
			reason: stopReason(handle.reason.Load()),
		})
	}()
}

// emit delivers an event to the loop without ever blocking past service
// shutdown.
func (s *DownloadService) emit(ev taskEvent) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *DownloadService) run() {
	defer s.loopWg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.events:
			s.handleEvent(ev)
		}
	}
}

func (s *DownloadService) handleEvent(ev taskEvent) {
	switch ev.kind {
	case eventStarted:
		if task, ok := s.registry.Get(ev.taskID); ok {
			s.notifyStatus(task, "download started")
		}
	case eventProgress:
		s.handleProgress(ev)
	case eventFinished:
		s.handleFinished(ev)
	}
}

func (s *DownloadService) handleProgress(ev taskEvent) {
	snapshot, ok := s.registry.Update(context.Background(), ev.taskID, func(t *domain.Task) {
		t.Downloaded = ev.downloaded
		if ev.total > 0 {
			t.TotalSize = ev.total
		}
	})
	if !ok {
		return
	}

	s.mu.Lock()
	if window, ok := s.speeds[ev.taskID]; ok {
		window.add(time.Now(), ev.downloaded)
	}
	s.mu.Unlock()

	s.notifyProgress(snapshot)
}

func (s *DownloadService) handleFinished(ev taskEvent) {
	s.mu.Lock()
	delete(s.active, ev.taskID)
	delete(s.speeds, ev.taskID)
	s.mu.Unlock()

	var (
		status  domain.TaskStatus
		message string
	)
	switch {
	case ev.err == nil:
		status = domain.TaskStatusCompleted
		message = "download completed"
	case transfer.IsInterrupted(ev.err) && ev.reason == stopCancel:
		status = domain.TaskStatusCancelled
		message = "download cancelled"
	case transfer.IsInterrupted(ev.err):
		status = domain.TaskStatusPaused
		message = "download paused"
	default:
		status = domain.TaskStatusFailed
		message = "download failed: " + ev.err.Error()
	}

	snapshot, ok := s.registry.Update(context.Background(), ev.taskID, func(t *domain.Task) {
		t.Status = status
		if status == domain.TaskStatusCompleted {
			now := time.Now()
			t.CompletedAt = &now
			t.ErrorMessage = ""
		}
		if status == domain.TaskStatusFailed {
			t.ErrorMessage = ev.err.Error()
		}
	})
	if !ok {
		return
	}

	logger := s.logger.WithField("task_id", ev.taskID)
	if status == domain.TaskStatusFailed {
		logger.Error(message)
	} else {
		logger.Info(message)
	}
	s.notifyStatus(snapshot, message)
}

func (s *DownloadService) notifyProgress(task domain.Task) {
	s.cbMu.RLock()
	callbacks := make([]ProgressCallback, len(s.progressCallbacks))
	copy(callbacks, s.progressCallbacks)
	s.cbMu.RUnlock()

	for _, cb := range callbacks {
		s.invokeProgress(cb, task)
	}
}

func (s *DownloadService) invokeProgress(cb ProgressCallback, task domain.Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("task_id", task.ID).Errorf("progress callback panic: %v", r)
		}
	}()
	cb(task)
}

func (s *DownloadService) notifyStatus(task domain.Task, message string) {
	s.cbMu.RLock()
	callbacks := make([]StatusCallback, len(s.statusCallbacks))
	copy(callbacks, s.statusCallbacks)
	s.cbMu.RUnlock()

	for _, cb := range callbacks {
		s.invokeStatus(cb, task, message)
	}
}

func (s *DownloadService) invokeStatus(cb StatusCallback, task domain.Task, message string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("task_id", task.ID).Errorf("status callback panic: %v", r)
		}
	}()
	cb(task, message)
}

// filenameFromURL derives a file name from the URL path, falling back
// to a timestamped name when the path has no usable basename.
func filenameFromURL(u *url.URL) string {
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return fmt.Sprintf("download_%d", time.Now().Unix())
	}
	return name
}

// ensureWritable verifies the destination directory exists (creating it
// if needed) and accepts new files.
func ensureWritable(filePath string) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe, err := os.CreateTemp(dir, ".write-probe-*")
	if err != nil {
		return err
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}
