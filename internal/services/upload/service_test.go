package upload

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"kbupload/internal/config"
	"kbupload/internal/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	// Tests drive reconciliation through Tick
	cfg.PollInterval = time.Hour
	return cfg
}

func startService(t *testing.T, svc *Service) {
	t.Helper()
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Stop)
}

func openSnapshots(t *testing.T, path string) *database.TaskSnapshotStore {
	t.Helper()
	db, err := database.Init(config.DatabaseConfig{
		URL:          "sqlite://" + path,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}, "error")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	return database.NewTaskSnapshotStore(db)
}

func TestServiceLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("Should refuse submissions before start", func(t *testing.T) {
		svc := NewService(testConfig(), newBlockingTransferer(), newFakeChecker(), nil, nil, quietLogger())

		_, err := svc.Submit(ctx, testFiles("a.pdf"), "kb1")
		assert.ErrorIs(t, err, ErrNotStarted)
	})

	t.Run("Should refuse to start twice", func(t *testing.T) {
		svc := NewService(testConfig(), newBlockingTransferer(), newFakeChecker(), nil, nil, quietLogger())
		startService(t, svc)

		assert.Error(t, svc.Start(ctx))
	})

	t.Run("Should cancel a hanging status query on stop", func(t *testing.T) {
		cfg := testConfig()
		cfg.PollInterval = time.Second
		cfg.PollTimeout = 0
		transferer := transferFunc(func(context.Context, string, Payload, string) (TransferResult, error) {
			return TransferResult{RemoteJobID: "job-1"}, nil
		})
		querying := make(chan struct{}, 1)
		checker := checkerFunc(func(ctx context.Context, _ string) (JobStatus, error) {
			select {
			case querying <- struct{}{}:
			default:
			}
			<-ctx.Done()
			return JobStatus{}, ctx.Err()
		})
		svc := NewService(cfg, transferer, checker, nil, nil, quietLogger())
		require.NoError(t, svc.Start(ctx))

		_, err := svc.Submit(ctx, testFiles("a.pdf"), "kb1")
		require.NoError(t, err)

		select {
		case <-querying:
		case <-time.After(waitFor):
			t.Fatal("status query never started")
		}

		stopped := make(chan struct{})
		go func() {
			svc.Stop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(waitFor):
			t.Fatal("stop blocked on a running status query")
		}
	})

	t.Run("Should tolerate stop without start", func(t *testing.T) {
		svc := NewService(testConfig(), newBlockingTransferer(), newFakeChecker(), nil, nil, quietLogger())
		svc.Stop()
	})
}

func TestServiceSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("Should run a file through transfer and processing", func(t *testing.T) {
		transferer := newBlockingTransferer()
		checker := newFakeChecker()
		notifier := &recordingNotifier{}
		svc := NewService(testConfig(), transferer, checker, nil, notifier, quietLogger())
		startService(t, svc)

		ids, err := svc.Submit(ctx, testFiles("report.pdf"), "kb1")
		require.NoError(t, err)
		require.Len(t, ids, 1)
		id := ids[0]

		transferer.next(t).Succeed("job-1")
		assert.Eventually(t, func() bool {
			task, _ := svc.Task(id)
			return task.Status == StatusProcessing
		}, waitFor, 10*time.Millisecond)

		checker.Set("job-1", JobStatus{State: JobPending})
		svc.Tick(ctx)
		task, _ := svc.Task(id)
		assert.Equal(t, ProgressPending, task.Progress)

		checker.Set("job-1", JobStatus{State: JobSuccess})
		svc.Tick(ctx)
		svc.Tick(ctx)

		task, ok := svc.Task(id)
		require.True(t, ok)
		assert.Equal(t, StatusCompleted, task.Status)
		assert.Equal(t, ProgressDone, task.Progress)
		assert.Equal(t, "job-1", task.RemoteJobID)
		assert.Zero(t, svc.ActiveCount())

		events := notifier.ForTask(id)
		require.Len(t, events, 1)
		assert.Equal(t, EventCompleted, events[0].Kind)

		queued := notifier.Events()[0]
		assert.Equal(t, EventQueued, queued.Kind)
		assert.Equal(t, 1, queued.Count)
		assert.Equal(t, "kb1", queued.TargetID)
	})

	t.Run("Should queue a batch behind the ceiling", func(t *testing.T) {
		cfg := testConfig()
		cfg.Concurrency = 2
		transferer := newBlockingTransferer()
		notifier := &recordingNotifier{}
		svc := NewService(cfg, transferer, newFakeChecker(), nil, notifier, quietLogger())
		startService(t, svc)

		ids, err := svc.Submit(ctx, testFiles("a.pdf", "b.pdf", "c.pdf"), "kb1")
		require.NoError(t, err)
		require.Len(t, ids, 3)

		first := transferer.next(t)
		second := transferer.next(t)

		third, _ := svc.Task(ids[2])
		assert.Equal(t, StatusQueued, third.Status)
		assert.Equal(t, 3, svc.ActiveCount())

		require.Len(t, notifier.Events(), 1)
		assert.Equal(t, 3, notifier.Events()[0].Count)

		first.Succeed("")
		transferer.next(t).Succeed("")
		second.Succeed("")
		require.NoError(t, waitIdle(svc))
		assert.Zero(t, svc.ActiveCount())
	})

	t.Run("Should reject invalid submissions", func(t *testing.T) {
		svc := NewService(testConfig(), newBlockingTransferer(), newFakeChecker(), nil, nil, quietLogger())
		startService(t, svc)

		_, err := svc.Submit(ctx, nil, "kb1")
		assert.ErrorIs(t, err, ErrNoFiles)
		_, err = svc.Submit(ctx, testFiles("a.pdf"), "")
		assert.ErrorIs(t, err, ErrEmptyTarget)
		assert.Empty(t, svc.Tasks())
	})
}

func TestServiceTaskManagement(t *testing.T) {
	ctx := context.Background()

	t.Run("Should remove a task mid-transfer and move on", func(t *testing.T) {
		cfg := testConfig()
		cfg.Concurrency = 1
		transferer := newBlockingTransferer()
		notifier := &recordingNotifier{}
		svc := NewService(cfg, transferer, newFakeChecker(), nil, notifier, quietLogger())
		startService(t, svc)

		ids, err := svc.Submit(ctx, testFiles("a.pdf", "b.pdf"), "kb1")
		require.NoError(t, err)
		call := transferer.next(t)

		require.NoError(t, svc.Remove(ctx, ids[0]))
		<-call.ctx.Done()

		assert.Equal(t, "b.pdf", transferer.next(t).Filename)
		assert.Len(t, svc.Tasks(), 1)
		assert.Empty(t, notifier.ForTask(ids[0]))
		assert.ErrorIs(t, svc.Remove(ctx, ids[0]), ErrTaskNotFound)
	})

	t.Run("Should clear finished tasks", func(t *testing.T) {
		transferer := transferFunc(func(_ context.Context, filename string, _ Payload, _ string) (TransferResult, error) {
			if filename == "bad.pdf" {
				return TransferResult{}, errRemote
			}
			return TransferResult{}, nil
		})
		svc := NewService(testConfig(), transferer, newFakeChecker(), nil, nil, quietLogger())
		startService(t, svc)

		_, err := svc.Submit(ctx, testFiles("good.pdf", "bad.pdf"), "kb1")
		require.NoError(t, err)
		require.NoError(t, waitIdle(svc))

		assert.Equal(t, 2, svc.ClearTerminal(ctx))
		assert.Empty(t, svc.Tasks())
	})

	t.Run("Should return once transfers drain while processing continues", func(t *testing.T) {
		transferer := transferFunc(func(_ context.Context, filename string, _ Payload, _ string) (TransferResult, error) {
			return TransferResult{RemoteJobID: "job-" + filename}, nil
		})
		svc := NewService(testConfig(), transferer, newFakeChecker(), nil, nil, quietLogger())
		startService(t, svc)

		_, err := svc.Submit(ctx, testFiles("a.pdf", "b.pdf", "c.pdf"), "kb1")
		require.NoError(t, err)

		waitCtx, cancel := context.WithTimeout(ctx, waitFor)
		defer cancel()
		require.NoError(t, svc.WaitTransfers(waitCtx))
		assert.Equal(t, 3, svc.ActiveCount())
		for _, task := range svc.Tasks() {
			assert.Equal(t, StatusProcessing, task.Status)
		}
	})

	t.Run("Should stop waiting for idle when the context ends", func(t *testing.T) {
		svc := NewService(testConfig(), newBlockingTransferer(), newFakeChecker(), nil, nil, quietLogger())
		startService(t, svc)

		_, err := svc.Submit(ctx, testFiles("a.pdf"), "kb1")
		require.NoError(t, err)

		waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, svc.WaitIdle(waitCtx), context.DeadlineExceeded)
	})
}

func TestServiceRestart(t *testing.T) {
	ctx := context.Background()

	t.Run("Should report interrupted work and resume polling after restart", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tasks.db")
		cfg := testConfig()
		cfg.Concurrency = 2

		transferer := newBlockingTransferer()
		first := NewService(cfg, transferer, newFakeChecker(), openSnapshots(t, path), nil, quietLogger())
		require.NoError(t, first.Start(ctx))

		ids, err := first.Submit(ctx, testFiles("remote.pdf", "sending.pdf", "waiting.pdf"), "kb1")
		require.NoError(t, err)

		calls := transferer.collect(t, 2)
		require.Contains(t, calls, "remote.pdf")
		calls["remote.pdf"].Succeed("job-1")
		assert.Eventually(t, func() bool {
			task, _ := first.Task(ids[0])
			return task.Status == StatusProcessing
		}, waitFor, 10*time.Millisecond)
		// remote.pdf freed a slot, so waiting.pdf is now transferring too
		assert.Equal(t, "waiting.pdf", transferer.next(t).Filename)

		first.Stop()

		checker := newFakeChecker()
		checker.Set("job-1", JobStatus{State: JobSuccess})
		notifier := &recordingNotifier{}
		second := NewService(cfg, newBlockingTransferer(), checker, openSnapshots(t, path), notifier, quietLogger())
		startService(t, second)

		require.Len(t, second.Tasks(), 3)
		for _, id := range ids[1:] {
			task, ok := second.Task(id)
			require.True(t, ok)
			assert.Equal(t, StatusFailed, task.Status)
			assert.Equal(t, ReasonInterrupted, task.Error)
		}
		assert.Empty(t, notifier.Events(), "recovery is silent")

		second.Tick(ctx)
		task, _ := second.Task(ids[0])
		assert.Equal(t, StatusCompleted, task.Status)
		assert.Equal(t, "job-1", task.RemoteJobID)
		assert.Len(t, notifier.ForTask(ids[0]), 1)
	})
}

func waitIdle(svc *Service) error {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	return svc.WaitIdle(ctx)
}
