package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Scheduler admits queued tasks into Transferring up to a ceiling and runs
// their transfers. It is driven by store change signals: every finished
// transfer frees a slot and wakes it again.
type Scheduler struct {
	store      *Store
	transferer Transferer
	notifier   Notifier
	ceiling    int
	timeout    time.Duration
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewScheduler creates a scheduler. A ceiling below 1 is raised to 1 and a
// zero timeout leaves transfers unbounded.
func NewScheduler(store *Store, transferer Transferer, notifier Notifier, ceiling int, timeout time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if ceiling < 1 {
		logger.Warn("invalid concurrency ceiling specified, using default",
			"specified", ceiling,
			"default", 1)
		ceiling = 1
	}
	return &Scheduler{
		store:      store,
		transferer: transferer,
		notifier:   notifier,
		ceiling:    ceiling,
		timeout:    timeout,
		logger:     logger.With("component", "transfer_scheduler"),
	}
}

// Run pumps admissions until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	changed, unsubscribe := s.store.Subscribe()
	defer unsubscribe()

	s.logger.Debug("scheduler started", "ceiling", s.ceiling)
	for {
		for s.AdmitNext(ctx) {
		}

		select {
		case <-ctx.Done():
			s.logger.Debug("scheduler stopped")
			return
		case <-changed:
		}
	}
}

// AdmitNext starts the transfer of the oldest admissible queued task, if the
// ceiling allows. It reports whether a task was admitted.
func (s *Scheduler) AdmitNext(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}

	task, payload, ok := s.store.Admit(ctx, s.ceiling)
	if !ok {
		return false
	}

	s.wg.Add(1)
	go s.transfer(ctx, task, payload)
	return true
}

// Wait blocks until every started transfer has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) transfer(ctx context.Context, task Task, payload Payload) {
	defer s.wg.Done()

	logger := s.logger.With(
		"task_id", task.ID,
		"filename", task.Filename,
		"target_id", task.TargetID,
	)

	callCtx, cancel := callContext(ctx, s.timeout)
	defer cancel()

	release, ok := s.store.track(task.ID, cancel)
	if !ok {
		logger.Debug("task removed before transfer started")
		return
	}
	defer release()

	logger.Info("starting transfer", "size", payload.Size())
	result, err := s.transferer.SubmitTransfer(callCtx, task.Filename, payload, task.TargetID)

	if err != nil {
		if ctx.Err() != nil {
			// Shutting down: the task stays Transferring and recovery will
			// mark it interrupted.
			logger.Info("transfer abandoned on shutdown", "error", err)
			return
		}
		s.fail(ctx, logger, task.ID, transferErrorMessage(err, s.timeout))
		return
	}

	if result.RemoteJobID == "" {
		_, uerr := s.store.Update(ctx, task.ID, func(t *Task) error {
			t.Status = StatusCompleted
			t.Progress = ProgressDone
			return nil
		})
		if s.discarded(logger, uerr) {
			return
		}
		logger.Info("transfer completed synchronously")
		return
	}

	_, uerr := s.store.Update(ctx, task.ID, func(t *Task) error {
		t.Status = StatusProcessing
		t.RemoteJobID = result.RemoteJobID
		t.Progress = ProgressUploaded
		return nil
	})
	if s.discarded(logger, uerr) {
		return
	}
	logger.Info("transfer accepted, remote processing started", "job_id", result.RemoteJobID)
}

func (s *Scheduler) fail(ctx context.Context, logger *slog.Logger, id, reason string) {
	failed, err := s.store.Update(ctx, id, func(t *Task) error {
		t.Status = StatusFailed
		t.Error = reason
		t.Progress = 0
		return nil
	})
	if s.discarded(logger, err) {
		return
	}
	logger.Warn("transfer failed", "error", reason)
	s.notifier.Notify(ctx, failedEvent(failed))
}

// discarded logs and swallows update errors. A task removed mid-transfer is
// expected; anything else is a bug worth seeing.
func (s *Scheduler) discarded(logger *slog.Logger, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrTaskNotFound):
		logger.Debug("task removed during transfer, result discarded")
	default:
		logger.Error("failed to record transfer result", "error", err)
	}
	return true
}

func transferErrorMessage(err error, timeout time.Duration) string {
	if errors.Is(err, context.DeadlineExceeded) && timeout > 0 {
		return fmt.Sprintf("upload timed out after %s", timeout)
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return ReasonUploadFailed
}

// callContext derives the context for one remote call, bounded by timeout
// when it is positive.
func callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}
