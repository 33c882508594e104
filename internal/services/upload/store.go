package upload

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"kbupload/internal/models"

	"github.com/google/uuid"
)

// entry is the store-owned state of one task. Only the store touches it.
type entry struct {
	task       Task
	payload    Payload
	inflight   map[uint64]context.CancelFunc
	pollErrors int
}

// Store is the single owner of all upload tasks. Every write replaces one
// whole record under the store lock and is followed by a snapshot save and a
// change broadcast.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64
	version uint64
	callSeq uint64
	subs    map[uint64]chan struct{}
	subSeq  uint64

	snapshots SnapshotStore
	persistMu sync.Mutex
	persisted uint64

	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates an empty store. snapshots may be nil for a purely
// in-memory store.
func NewStore(snapshots SnapshotStore, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		entries:   make(map[string]*entry),
		subs:      make(map[uint64]chan struct{}),
		snapshots: snapshots,
		logger:    logger.With("component", "task_store"),
		now:       time.Now,
	}
}

// Subscribe returns a channel that receives a value after every change.
// Signals coalesce: a slow reader sees at most one pending signal.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subSeq++
	id := s.subSeq
	ch := make(chan struct{}, 1)
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Create adds one Queued task per file, in order.
func (s *Store) Create(ctx context.Context, files []File, targetID string) ([]Task, error) {
	if len(files) == 0 {
		return nil, ErrNoFiles
	}
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return nil, ErrEmptyTarget
	}
	for i, f := range files {
		if f.Payload == nil {
			return nil, fmt.Errorf("%w: file %d (%q)", ErrMissingPayload, i, f.Name)
		}
		if strings.TrimSpace(f.Name) == "" {
			return nil, fmt.Errorf("file %d has no name", i)
		}
	}

	s.mu.Lock()
	now := s.now()
	created := make([]Task, 0, len(files))
	for _, f := range files {
		s.seq++
		t := Task{
			ID:         uuid.New().String(),
			Filename:   f.Name,
			TargetID:   targetID,
			Status:     StatusQueued,
			CreatedAt:  now,
			UpdatedAt:  now,
			HasPayload: true,
			seq:        s.seq,
		}
		s.entries[t.ID] = &entry{task: t, payload: f.Payload}
		created = append(created, t)
	}
	version, records := s.commitLocked()
	s.mu.Unlock()

	s.persist(ctx, version, records)
	return created, nil
}

// Get returns a copy of the task with the given id.
func (s *Store) Get(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Task{}, false
	}
	return e.task, true
}

// List returns all tasks, newest first.
func (s *Store) List() []Task {
	s.mu.Lock()
	tasks := make([]Task, 0, len(s.entries))
	for _, e := range s.entries {
		tasks = append(tasks, e.task)
	}
	s.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].seq > tasks[j].seq
	})
	return tasks
}

// Processing returns tasks awaiting remote processing, oldest first.
func (s *Store) Processing() []Task {
	s.mu.Lock()
	var tasks []Task
	for _, e := range s.entries {
		if e.task.Status == StatusProcessing && e.task.RemoteJobID != "" {
			tasks = append(tasks, e.task)
		}
	}
	s.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].seq < tasks[j].seq })
	return tasks
}

// Count returns the number of tasks in status.
func (s *Store) Count(status Status) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.entries {
		if e.task.Status == status {
			n++
		}
	}
	return n
}

// ActiveCount returns the number of tasks not yet Completed or Failed.
func (s *Store) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.entries {
		if e.task.Status.Active() {
			n++
		}
	}
	return n
}

// Admit atomically checks the Transferring count against ceiling and, if a
// slot is free, moves the oldest Queued task that still has its payload to
// Transferring. The returned payload belongs to the caller for the transfer.
func (s *Store) Admit(ctx context.Context, ceiling int) (Task, Payload, bool) {
	s.mu.Lock()

	inflight := 0
	var pick *entry
	for _, e := range s.entries {
		switch e.task.Status {
		case StatusTransferring:
			inflight++
		case StatusQueued:
			if e.payload != nil && (pick == nil || e.task.seq < pick.task.seq) {
				pick = e
			}
		}
	}
	if pick == nil || inflight >= ceiling {
		s.mu.Unlock()
		return Task{}, nil, false
	}

	next := pick.task
	next.Status = StatusTransferring
	next.Progress = max(next.Progress, ProgressStarted)
	next.UpdatedAt = s.now()
	pick.task = next
	payload := pick.payload

	version, records := s.commitLocked()
	s.mu.Unlock()

	s.persist(ctx, version, records)
	return next, payload, true
}

// Update applies fn to a copy of the task and stores the result if it is a
// legal successor of the current record. An error from fn aborts the update
// and is returned unchanged.
func (s *Store) Update(ctx context.Context, id string, fn func(t *Task) error) (Task, error) {
	s.mu.Lock()

	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	old := e.task
	next := old
	if err := fn(&next); err != nil {
		s.mu.Unlock()
		return old, err
	}
	if err := settle(old, &next); err != nil {
		s.mu.Unlock()
		return old, err
	}

	if next.Status != StatusQueued && next.Status != StatusTransferring {
		e.payload = nil
	}
	next.HasPayload = e.payload != nil
	next.UpdatedAt = s.now()
	e.task = next

	version, records := s.commitLocked()
	s.mu.Unlock()

	s.persist(ctx, version, records)
	return next, nil
}

// Remove deletes a task and cancels any remote call still running for it.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	delete(s.entries, id)
	cancels := make([]context.CancelFunc, 0, len(e.inflight))
	for _, cancel := range e.inflight {
		cancels = append(cancels, cancel)
	}
	e.inflight = nil
	version, records := s.commitLocked()
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	s.persist(ctx, version, records)
	return nil
}

// ClearTerminal removes every Completed or Failed task and returns how many
// were removed.
func (s *Store) ClearTerminal(ctx context.Context) int {
	s.mu.Lock()
	removed := 0
	for id, e := range s.entries {
		if e.task.Status.Terminal() {
			delete(s.entries, id)
			removed++
		}
	}
	if removed == 0 {
		s.mu.Unlock()
		return 0
	}
	version, records := s.commitLocked()
	s.mu.Unlock()

	s.persist(ctx, version, records)
	return removed
}

// Restore replaces the store contents with tasks, keeping their order as the
// creation order. Restored tasks never carry a payload.
func (s *Store) Restore(ctx context.Context, tasks []Task) {
	s.mu.Lock()
	for _, e := range s.entries {
		for _, cancel := range e.inflight {
			cancel()
		}
	}
	s.entries = make(map[string]*entry, len(tasks))
	for _, t := range tasks {
		s.seq++
		t.seq = s.seq
		t.HasPayload = false
		s.entries[t.ID] = &entry{task: t}
	}
	version, records := s.commitLocked()
	s.mu.Unlock()

	s.persist(ctx, version, records)
}

// track registers cancel for an in-flight remote call on id. The returned
// release must be called when the call returns. ok is false when the task is
// already gone, in which case the call should not be made.
func (s *Store) track(id string, cancel context.CancelFunc) (release func(), ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.entries[id]
	if !found {
		return func() {}, false
	}
	if e.inflight == nil {
		e.inflight = make(map[uint64]context.CancelFunc)
	}
	s.callSeq++
	call := s.callSeq
	e.inflight[call] = cancel

	return func() {
		s.mu.Lock()
		delete(e.inflight, call)
		s.mu.Unlock()
	}, true
}

// recordPollError bumps and returns the consecutive poll error count.
func (s *Store) recordPollError(id string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return 0, false
	}
	e.pollErrors++
	return e.pollErrors, true
}

func (s *Store) resetPollErrors(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[id]; ok {
		e.pollErrors = 0
	}
}

// commitLocked bumps the version, wakes subscribers and captures the
// snapshot to persist. Callers hold s.mu.
func (s *Store) commitLocked() (uint64, []models.UploadTask) {
	s.version++

	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}

	if s.snapshots == nil {
		return s.version, nil
	}

	tasks := make([]Task, 0, len(s.entries))
	for _, e := range s.entries {
		tasks = append(tasks, e.task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].seq < tasks[j].seq })

	records := make([]models.UploadTask, len(tasks))
	for i, t := range tasks {
		records[i] = toRecord(t, i)
	}
	return s.version, records
}

// persist saves a snapshot unless a newer one has already been written.
func (s *Store) persist(ctx context.Context, version uint64, records []models.UploadTask) {
	if s.snapshots == nil {
		return
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	if version <= s.persisted {
		return
	}
	if err := s.snapshots.SaveSnapshot(context.WithoutCancel(ctx), records); err != nil {
		s.logger.Error("failed to persist task snapshot", "version", version, "error", err)
		return
	}
	s.persisted = version
}

// settle validates next against old and fixes up derived fields.
func settle(old Task, next *Task) error {
	next.ID = old.ID
	next.Filename = old.Filename
	next.TargetID = old.TargetID
	next.CreatedAt = old.CreatedAt
	next.seq = old.seq

	if old.Status == next.Status {
		if old.Status.Terminal() {
			return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, old.ID, old.Status)
		}
	} else if !canTransition(old.Status, next.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, old.Status, next.Status)
	}

	if old.RemoteJobID != "" && next.RemoteJobID != old.RemoteJobID {
		return fmt.Errorf("%w: remote job id of task %s is already set", ErrInvalidTransition, old.ID)
	}
	if old.RemoteJobID == "" && next.RemoteJobID != "" && next.Status != StatusProcessing {
		return fmt.Errorf("%w: remote job id requires %s", ErrInvalidTransition, StatusProcessing)
	}
	if next.Status == StatusProcessing && next.RemoteJobID == "" {
		return fmt.Errorf("%w: %s requires a remote job id", ErrInvalidTransition, StatusProcessing)
	}

	if next.Status == StatusFailed {
		next.Progress = 0
		if next.Error == "" {
			next.Error = ReasonUploadFailed
			if old.Status == StatusProcessing {
				next.Error = ReasonProcessingFailed
			}
		}
		return nil
	}

	next.Error = ""
	if next.Status == StatusCompleted {
		next.Progress = ProgressDone
		return nil
	}
	next.Progress = min(max(next.Progress, old.Progress, 0), ProgressDone)
	return nil
}

var transitions = map[Status][]Status{
	StatusQueued:       {StatusTransferring, StatusFailed},
	StatusTransferring: {StatusProcessing, StatusCompleted, StatusFailed},
	StatusProcessing:   {StatusCompleted, StatusFailed},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
