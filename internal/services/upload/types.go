// Package upload orchestrates file uploads: bounded-concurrency transfers,
// reconciliation of remote processing jobs and recovery across restarts.
package upload

import (
	"context"
	"errors"
	"io"
	"time"

	"kbupload/internal/models"
)

// Status is the lifecycle state of an upload task
type Status string

const (
	StatusQueued       Status = "queued"
	StatusTransferring Status = "transferring"
	StatusProcessing   Status = "processing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Active reports whether the task still has work ahead of it.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusTransferring || s == StatusProcessing
}

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	return s.Active() || s.Terminal()
}

// Progress markers
const (
	ProgressStarted  = 10
	ProgressUploaded = 50
	ProgressPending  = 75
	ProgressDone     = 100
)

// Fixed failure reasons
const (
	ReasonInterrupted      = "interrupted by restart"
	ReasonUploadFailed     = "upload failed"
	ReasonProcessingFailed = "processing failed"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task transition")
	ErrNoFiles           = errors.New("no files to upload")
	ErrEmptyTarget       = errors.New("target id is required")
	ErrMissingPayload    = errors.New("file has no payload")
	ErrNotStarted        = errors.New("upload service is not started")
)

// Task is a point-in-time copy of one upload task. Values returned by the
// store are never shared with it.
type Task struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	TargetID    string    `json:"target_id"`
	Status      Status    `json:"status"`
	Progress    int       `json:"progress"`
	RemoteJobID string    `json:"remote_job_id,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// HasPayload is false once the raw content is released or lost to a restart.
	HasPayload bool `json:"has_payload"`

	seq uint64
}

// Payload is the raw content of one file. Open may be called more than once.
type Payload interface {
	Open() (io.ReadCloser, error)
	Size() int64
}

// File is one submission unit.
type File struct {
	Name    string
	Payload Payload
}

// TransferResult is what the remote returns for an accepted upload.
// An empty RemoteJobID means the remote finished synchronously.
type TransferResult struct {
	RemoteJobID string
}

// JobState is the normalized remote processing state.
type JobState int

const (
	JobUnknown JobState = iota
	JobPending
	JobSuccess
	JobFailure
)

func (s JobState) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobSuccess:
		return "success"
	case JobFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// JobStatus is the result of one status query.
type JobStatus struct {
	State JobState
	// Detail carries the remote failure reason, if any.
	Detail string
	// Raw is the state string as reported by the remote.
	Raw string
}

// Transferer hands file content to the remote system.
type Transferer interface {
	SubmitTransfer(ctx context.Context, filename string, payload Payload, targetID string) (TransferResult, error)
}

// StatusChecker queries remote processing jobs. Calls must be idempotent.
type StatusChecker interface {
	QueryJobStatus(ctx context.Context, jobID string) (JobStatus, error)
}

// SnapshotStore persists the whole task collection.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, records []models.UploadTask) error
	LoadSnapshot(ctx context.Context) ([]models.UploadTask, error)
}

// EventKind identifies a notification
type EventKind string

const (
	EventQueued    EventKind = "queued"
	EventFailed    EventKind = "failed"
	EventCompleted EventKind = "completed"
)

// Event is delivered to a Notifier. Queued events describe a whole batch and
// carry Count instead of a task id.
type Event struct {
	Kind     EventKind `json:"kind"`
	TaskID   string    `json:"task_id,omitempty"`
	Filename string    `json:"filename,omitempty"`
	TargetID string    `json:"target_id"`
	Count    int       `json:"count,omitempty"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}

// Notifier receives user-facing events. Notify must not block for long and
// has no acknowledgement.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) {}

func failedEvent(t Task) Event {
	return Event{
		Kind:     EventFailed,
		TaskID:   t.ID,
		Filename: t.Filename,
		TargetID: t.TargetID,
		Message:  t.Error,
		At:       t.UpdatedAt,
	}
}

func completedEvent(t Task) Event {
	return Event{
		Kind:     EventCompleted,
		TaskID:   t.ID,
		Filename: t.Filename,
		TargetID: t.TargetID,
		At:       t.UpdatedAt,
	}
}
