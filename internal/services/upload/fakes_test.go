package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"kbupload/internal/logger"
	"kbupload/internal/models"

	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

func quietLogger() *slog.Logger {
	return logger.Discard()
}

func testFiles(names ...string) []File {
	files := make([]File, len(names))
	for i, name := range names {
		files[i] = File{Name: name, Payload: BytesPayload([]byte("content of " + name))}
	}
	return files
}

// transferCall is one SubmitTransfer invocation held open until the test
// replies to it.
type transferCall struct {
	Filename string
	TargetID string
	ctx      context.Context
	reply    chan transferReply
}

type transferReply struct {
	result TransferResult
	err    error
}

func (c transferCall) Succeed(jobID string) {
	c.reply <- transferReply{result: TransferResult{RemoteJobID: jobID}}
}

func (c transferCall) Fail(err error) {
	c.reply <- transferReply{err: err}
}

// blockingTransferer parks every transfer until the test answers it.
type blockingTransferer struct {
	calls chan transferCall

	mu          sync.Mutex
	inflight    int
	maxInflight int
	order       []string
}

func newBlockingTransferer() *blockingTransferer {
	return &blockingTransferer{calls: make(chan transferCall, 64)}
}

func (b *blockingTransferer) SubmitTransfer(ctx context.Context, filename string, payload Payload, targetID string) (TransferResult, error) {
	b.mu.Lock()
	b.inflight++
	b.maxInflight = max(b.maxInflight, b.inflight)
	b.order = append(b.order, filename)
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.inflight--
		b.mu.Unlock()
	}()

	call := transferCall{Filename: filename, TargetID: targetID, ctx: ctx, reply: make(chan transferReply, 1)}
	b.calls <- call

	select {
	case r := <-call.reply:
		return r.result, r.err
	case <-ctx.Done():
		return TransferResult{}, ctx.Err()
	}
}

func (b *blockingTransferer) next(t *testing.T) transferCall {
	t.Helper()
	select {
	case c := <-b.calls:
		return c
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a transfer")
		return transferCall{}
	}
}

// collect receives n transfers, which may arrive in any order, keyed by
// filename.
func (b *blockingTransferer) collect(t *testing.T, n int) map[string]transferCall {
	t.Helper()
	calls := make(map[string]transferCall, n)
	for range n {
		c := b.next(t)
		calls[c.Filename] = c
	}
	return calls
}

func (b *blockingTransferer) Order() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.order...)
}

func (b *blockingTransferer) MaxInflight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxInflight
}

type transferFunc func(ctx context.Context, filename string, payload Payload, targetID string) (TransferResult, error)

func (f transferFunc) SubmitTransfer(ctx context.Context, filename string, payload Payload, targetID string) (TransferResult, error) {
	return f(ctx, filename, payload, targetID)
}

// fakeChecker answers status queries from a per-job script.
type fakeChecker struct {
	mu      sync.Mutex
	replies map[string][]checkReply
	calls   map[string]int
}

type checkReply struct {
	status JobStatus
	err    error
}

func newFakeChecker() *fakeChecker {
	return &fakeChecker{
		replies: make(map[string][]checkReply),
		calls:   make(map[string]int),
	}
}

// Set makes every following query for jobID answer with status.
func (f *fakeChecker) Set(jobID string, status JobStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[jobID] = []checkReply{{status: status}}
}

// SetError makes every following query for jobID fail.
func (f *fakeChecker) SetError(jobID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[jobID] = []checkReply{{err: err}}
}

func (f *fakeChecker) QueryJobStatus(ctx context.Context, jobID string) (JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[jobID]++
	script := f.replies[jobID]
	if len(script) == 0 {
		return JobStatus{}, fmt.Errorf("no such job %s", jobID)
	}
	r := script[0]
	if len(script) > 1 {
		f.replies[jobID] = script[1:]
	}
	return r.status, r.err
}

func (f *fakeChecker) Calls(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[jobID]
}

type checkerFunc func(ctx context.Context, jobID string) (JobStatus, error)

func (f checkerFunc) QueryJobStatus(ctx context.Context, jobID string) (JobStatus, error) {
	return f(ctx, jobID)
}

// recordingNotifier keeps every event it receives.
type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingNotifier) Notify(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingNotifier) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// ForTask returns the events naming taskID.
func (r *recordingNotifier) ForTask(taskID string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out
}

// memorySnapshots is an in-memory SnapshotStore that keeps every save.
type memorySnapshots struct {
	mu      sync.Mutex
	current []models.UploadTask
	history [][]models.UploadTask
	loadErr error
	saveErr error
}

func (m *memorySnapshots) SaveSnapshot(_ context.Context, records []models.UploadTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.current = append([]models.UploadTask(nil), records...)
	m.history = append(m.history, m.current)
	return nil
}

func (m *memorySnapshots) LoadSnapshot(context.Context) ([]models.UploadTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return append([]models.UploadTask(nil), m.current...), nil
}

func (m *memorySnapshots) Current() []models.UploadTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.UploadTask(nil), m.current...)
}

// StatusesOf lists every status id was saved with, in save order.
func (m *memorySnapshots) StatusesOf(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for _, snap := range m.history {
		for _, r := range snap {
			if r.ID == id && (len(out) == 0 || out[len(out)-1] != r.Status) {
				out = append(out, r.Status)
			}
		}
	}
	return out
}

var errRemote = errors.New("remote unavailable")

// processingTask creates a task and walks it to Processing with jobID.
func processingTask(t *testing.T, store *Store, name, jobID string) Task {
	t.Helper()
	ctx := context.Background()

	created, err := store.Create(ctx, testFiles(name), "kb1")
	require.NoError(t, err)

	admitted, _, ok := store.Admit(ctx, 1000)
	require.True(t, ok)
	require.Equal(t, created[0].ID, admitted.ID)

	task, err := store.Update(ctx, admitted.ID, func(t *Task) error {
		t.Status = StatusProcessing
		t.RemoteJobID = jobID
		t.Progress = ProgressUploaded
		return nil
	})
	require.NoError(t, err)
	return task
}
