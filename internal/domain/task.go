package domain

import (
	"errors"
	"time"

	"github.com/dustin/go-humanize"
)

// Sentinel errors surfaced synchronously by the download service.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("task not found")
)

type TaskStatus string

const (
	TaskStatusPending     TaskStatus = "pending"
	TaskStatusDownloading TaskStatus = "downloading"
	TaskStatusPaused      TaskStatus = "paused"
	TaskStatusCompleted   TaskStatus = "completed"
	TaskStatusCancelled   TaskStatus = "cancelled"
	TaskStatusFailed      TaskStatus = "failed"
)

// Terminal reports whether the status admits no further transition to
// downloading without an explicit retry.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusCancelled || s == TaskStatusFailed
}

// Active reports whether the task counts towards the active set.
func (s TaskStatus) Active() bool {
	return s == TaskStatusPending || s == TaskStatusDownloading
}

// Task represents one user-initiated file download tracked by the system.
// TotalSize stays 0 until the server declares a content length.
type Task struct {
	ID           string
	URL          string
	Name         string
	FilePath     string
	TotalSize    int64
	Downloaded   int64
	Status       TaskStatus
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// Progress returns the completed percentage in [0,100]; 0 while the
// total size is unknown.
func (t *Task) Progress() float64 {
	if t.TotalSize <= 0 {
		return 0
	}
	p := float64(t.Downloaded) / float64(t.TotalSize) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// CanResume reports whether the task may transition back to downloading.
// A failed task is a sanctioned retry; the on-disk byte length is
// re-validated before the transfer continues.
func (t *Task) CanResume() bool {
	return t.Status == TaskStatusPaused || t.Status == TaskStatusFailed
}

func (t *Task) FormattedSize() string {
	if t.TotalSize <= 0 {
		return "unknown"
	}
	return humanize.IBytes(uint64(t.TotalSize))
}

func (t *Task) FormattedDownloaded() string {
	if t.Downloaded <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(t.Downloaded))
}

// StatusText returns a human readable status description.
func (t *Task) StatusText() string {
	switch t.Status {
	case TaskStatusPending:
		return "waiting to download"
	case TaskStatusDownloading:
		return "downloading"
	case TaskStatusPaused:
		return "paused"
	case TaskStatusCompleted:
		return "completed"
	case TaskStatusCancelled:
		return "cancelled"
	case TaskStatusFailed:
		return "failed"
	default:
		return string(t.Status)
	}
}
