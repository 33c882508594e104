package upload

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Config tunes the orchestrator.
type Config struct {
	// Concurrency is the ceiling on simultaneously Transferring tasks.
	Concurrency int
	// PollInterval is the reconciliation period. Values under a second are
	// rounded up to one second by the cron schedule.
	PollInterval time.Duration
	// TransferTimeout and PollTimeout bound each remote call; zero means no
	// bound.
	TransferTimeout time.Duration
	PollTimeout     time.Duration
	// MaxPollErrors fails a Processing task after more than this many
	// consecutive status query errors; zero means never.
	MaxPollErrors int
}

// DefaultConfig returns the stock orchestrator settings
func DefaultConfig() Config {
	return Config{
		Concurrency:     2,
		PollInterval:    3 * time.Second,
		TransferTimeout: 10 * time.Minute,
		PollTimeout:     30 * time.Second,
	}
}

// Service is the upload orchestrator: it owns the task store and drives the
// transfer scheduler and reconciliation poller.
type Service struct {
	store     *Store
	scheduler *Scheduler
	poller    *Poller
	snapshots SnapshotStore
	notifier  Notifier
	logger    *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewService wires an orchestrator. snapshots and notifier may be nil.
func NewService(cfg Config, transferer Transferer, checker StatusChecker, snapshots SnapshotStore, notifier Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}

	store := NewStore(snapshots, logger)
	return &Service{
		store:     store,
		scheduler: NewScheduler(store, transferer, notifier, cfg.Concurrency, cfg.TransferTimeout, logger),
		poller:    NewPoller(store, checker, notifier, cfg.PollInterval, cfg.PollTimeout, cfg.MaxPollErrors, logger),
		snapshots: snapshots,
		notifier:  notifier,
		logger:    logger.With("component", "upload_service"),
	}
}

// Start recovers persisted tasks and then starts the scheduler and poller.
// They run until Stop or until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("upload service already started")
	}

	report := Recover(ctx, s.store, s.snapshots, s.logger)

	runCtx, cancel := context.WithCancel(ctx)
	if err := s.poller.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start poller: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.scheduler.Run(runCtx)
	}()

	s.cancel = cancel
	s.done = done
	s.started = true

	s.logger.Info("upload service started",
		"recovered", report.Restored,
		"interrupted", report.Interrupted)
	return nil
}

// Stop halts polling and admission and waits for in-flight transfers to
// return. Transfers cut short stay Transferring and are reported as
// interrupted on the next Start.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	s.poller.Stop()
	<-done
	s.scheduler.Wait()
	s.logger.Info("upload service stopped")
}

// Submit queues one task per file for targetID and returns their ids in
// submission order.
func (s *Service) Submit(ctx context.Context, files []File, targetID string) ([]string, error) {
	if !s.isStarted() {
		return nil, ErrNotStarted
	}

	tasks, err := s.store.Create(ctx, files, targetID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}

	s.logger.Info("files queued for upload", "count", len(ids), "target_id", tasks[0].TargetID)
	s.notifier.Notify(ctx, Event{
		Kind:     EventQueued,
		TargetID: tasks[0].TargetID,
		Count:    len(ids),
		At:       tasks[0].CreatedAt,
	})
	return ids, nil
}

// Remove deletes a task. A transfer or poll in flight for it is cancelled and
// its result discarded.
func (s *Service) Remove(ctx context.Context, id string) error {
	return s.store.Remove(ctx, id)
}

// ClearTerminal removes all Completed and Failed tasks.
func (s *Service) ClearTerminal(ctx context.Context) int {
	return s.store.ClearTerminal(ctx)
}

// Tasks returns every task, newest first.
func (s *Service) Tasks() []Task {
	return s.store.List()
}

// Task returns one task by id.
func (s *Service) Task(id string) (Task, bool) {
	return s.store.Get(id)
}

// ActiveCount is the number of tasks not yet Completed or Failed.
func (s *Service) ActiveCount() int {
	return s.store.ActiveCount()
}

// Tick runs one reconciliation pass immediately.
func (s *Service) Tick(ctx context.Context) {
	s.poller.Tick(ctx)
}

// WaitIdle blocks until no task is active or ctx is done.
func (s *Service) WaitIdle(ctx context.Context) error {
	return s.waitUntil(ctx, func() bool { return s.store.ActiveCount() == 0 })
}

// WaitTransfers blocks until nothing is Queued or Transferring. Tasks may
// still be Processing remotely when it returns.
func (s *Service) WaitTransfers(ctx context.Context) error {
	return s.waitUntil(ctx, func() bool {
		return s.store.Count(StatusQueued)+s.store.Count(StatusTransferring) == 0
	})
}

func (s *Service) waitUntil(ctx context.Context, done func() bool) error {
	changed, unsubscribe := s.store.Subscribe()
	defer unsubscribe()

	for !done() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
	return nil
}

func (s *Service) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}
