package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Poller reconciles Processing tasks with the remote job-status API on a
// fixed interval.
type Poller struct {
	store     *Store
	checker   StatusChecker
	notifier  Notifier
	interval  time.Duration
	timeout   time.Duration
	maxErrors int
	logger    *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewPoller creates a poller. maxErrors bounds consecutive query failures per
// task; zero keeps polling a failing task forever.
func NewPoller(store *Store, checker StatusChecker, notifier Notifier, interval, timeout time.Duration, maxErrors int, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Poller{
		store:     store,
		checker:   checker,
		notifier:  notifier,
		interval:  interval,
		timeout:   timeout,
		maxErrors: maxErrors,
		logger:    logger.With("component", "reconciliation_poller"),
	}
}

// Start schedules Tick every interval until Stop. A tick still running when
// the next one is due causes the next one to be skipped.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cron != nil {
		return fmt.Errorf("poller already started")
	}

	cl := cronLogger{p.logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", p.interval), func() { p.Tick(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule poller: %w", err)
	}

	c.Start()
	p.cron = c
	p.logger.Debug("poller started", "interval", p.interval)
	return nil
}

// Stop unschedules the poller and waits for a running tick to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
		p.logger.Debug("poller stopped")
	}
}

// Tick queries every Processing task once. Tasks are polled concurrently and
// independently; Tick returns when all queries have been applied.
func (p *Poller) Tick(ctx context.Context) {
	tasks := p.store.Processing()
	if len(tasks) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			p.reconcile(ctx, t)
		}(t)
	}
	wg.Wait()
}

func (p *Poller) reconcile(ctx context.Context, task Task) {
	logger := p.logger.With("task_id", task.ID, "job_id", task.RemoteJobID)

	callCtx, cancel := callContext(ctx, p.timeout)
	defer cancel()

	release, ok := p.store.track(task.ID, cancel)
	if !ok {
		return
	}
	defer release()

	status, err := p.checker.QueryJobStatus(callCtx, task.RemoteJobID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.pollFailed(ctx, logger, task, err)
		return
	}
	p.store.resetPollErrors(task.ID)

	switch status.State {
	case JobSuccess:
		done, err := p.store.Update(ctx, task.ID, func(t *Task) error {
			if t.Status != StatusProcessing {
				return errStale
			}
			t.Status = StatusCompleted
			t.Progress = ProgressDone
			return nil
		})
		if p.skipped(logger, err) {
			return
		}
		logger.Info("remote processing completed")
		p.notifier.Notify(ctx, completedEvent(done))

	case JobFailure:
		reason := status.Detail
		if reason == "" {
			reason = ReasonProcessingFailed
		}
		p.fail(ctx, logger, task.ID, reason)

	case JobPending:
		if task.Progress >= ProgressPending {
			return
		}
		_, err := p.store.Update(ctx, task.ID, func(t *Task) error {
			if t.Status != StatusProcessing || t.Progress >= ProgressPending {
				return errStale
			}
			t.Progress = ProgressPending
			return nil
		})
		p.skipped(logger, err)

	default:
		logger.Warn("unrecognized remote job state, leaving task unchanged", "state", status.Raw)
	}
}

func (p *Poller) pollFailed(ctx context.Context, logger *slog.Logger, task Task, err error) {
	count, ok := p.store.recordPollError(task.ID)
	if !ok {
		return
	}
	logger.Warn("status query failed", "error", err, "consecutive_errors", count)

	if p.maxErrors > 0 && count > p.maxErrors {
		p.fail(ctx, logger, task.ID, fmt.Sprintf("status polling failed: %v", err))
	}
}

func (p *Poller) fail(ctx context.Context, logger *slog.Logger, id, reason string) {
	failed, err := p.store.Update(ctx, id, func(t *Task) error {
		if t.Status != StatusProcessing {
			return errStale
		}
		t.Status = StatusFailed
		t.Error = reason
		t.Progress = 0
		return nil
	})
	if p.skipped(logger, err) {
		return
	}
	logger.Warn("remote processing failed", "error", reason)
	p.notifier.Notify(ctx, failedEvent(failed))
}

// skipped reports whether an update did not apply. Removed and already
// resolved tasks are normal outcomes of racing with the caller.
func (p *Poller) skipped(logger *slog.Logger, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, errStale), errors.Is(err, ErrTaskNotFound):
		logger.Debug("poll result discarded", "reason", err)
	default:
		logger.Error("failed to apply poll result", "error", err)
	}
	return true
}

var errStale = errors.New("task no longer processing")

// cronLogger routes cron's own messages through slog.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
