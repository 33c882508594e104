package upload

import (
	"context"
	"log/slog"
)

// RecoveryReport summarizes one recovery pass.
type RecoveryReport struct {
	Restored    int
	Interrupted int
	Skipped     int
}

// Recover rebuilds store from the last persisted snapshot. Tasks that were
// Queued or Transferring cannot resume without their payload and become
// Failed with ReasonInterrupted; all others are restored as they were. An
// unreadable snapshot yields an empty store and malformed records are
// dropped, so recovery never fails.
func Recover(ctx context.Context, store *Store, snapshots SnapshotStore, logger *slog.Logger) RecoveryReport {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "recovery")

	var report RecoveryReport
	if snapshots == nil {
		return report
	}

	records, err := snapshots.LoadSnapshot(ctx)
	if err != nil {
		logger.Error("failed to load task snapshot, starting empty", "error", err)
		store.Restore(ctx, nil)
		return report
	}

	tasks := make([]Task, 0, len(records))
	for _, r := range records {
		t, err := fromRecord(r)
		if err != nil {
			logger.Warn("skipping malformed task record", "error", err)
			report.Skipped++
			continue
		}

		if t.Status == StatusQueued || t.Status == StatusTransferring {
			logger.Info("task interrupted by restart",
				"task_id", t.ID,
				"filename", t.Filename,
				"previous_status", t.Status)
			t.Status = StatusFailed
			t.Error = ReasonInterrupted
			t.Progress = 0
			report.Interrupted++
		}

		tasks = append(tasks, t)
		report.Restored++
	}

	store.Restore(ctx, tasks)

	logger.Info("recovered upload tasks",
		"restored", report.Restored,
		"interrupted", report.Interrupted,
		"skipped", report.Skipped)
	return report
}
