// Package task owns the publish task registry and its state machine. Tasks
// are mutated only through the registry; callers observe them via snapshot
// copies.
package task

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"xhs-toolkit/pkg/types"
)

var (
	// ErrTaskNotFound is returned when a task id is unknown to the registry.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskNotReady signals that a result was requested before the task
	// reached a terminal state. It is a state signal, not a failure.
	ErrTaskNotReady = errors.New("task not finished yet")
	// ErrQueueFull is returned when the worker queue cannot accept more tasks.
	ErrQueueFull = errors.New("task queue is full")
)

// TransitionError reports a rejected state transition, usually a sign of a
// duplicate worker touching the same task.
type TransitionError struct {
	TaskID string
	From   types.TaskState
	To     types.TaskState
	Actual types.TaskState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: cannot move %s -> %s, current state is %s", e.TaskID, e.From, e.To, e.Actual)
}

// ArchiveSink receives terminal tasks when they are evicted from the
// registry. Implementations must tolerate repeated delivery.
type ArchiveSink interface {
	ArchiveTask(snapshot types.TaskSnapshot) error
}

// Registry is the in-process source of truth for publish tasks. It hands out
// task ids, guards state transitions, and feeds the worker queue.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*record

	queue   chan string
	archive ArchiveSink
	now     func() time.Time
}

type record struct {
	id          string
	content     types.NoteContent
	state       types.TaskState
	progress    int
	message     string
	attempts    int
	warnings    []string
	createdAt   time.Time
	updatedAt   time.Time
	completedAt *time.Time
	result      *types.PublishResult
	lastError   *types.ErrorRecord
}

// Options configures a Registry.
type Options struct {
	QueueSize int
	Archive   ArchiveSink
	Now       func() time.Time
}

// NewRegistry constructs an empty registry with a bounded worker queue.
func NewRegistry(opts Options) *Registry {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		tasks:   make(map[string]*record),
		queue:   make(chan string, opts.QueueSize),
		archive: opts.Archive,
		now:     opts.Now,
	}
}

// Queue exposes the worker-side receive channel.
func (r *Registry) Queue() <-chan string {
	return r.queue
}

// Create stores the content as a new queued task and enqueues it. Warnings
// collected during normalization travel with the task so they can be echoed
// in the final result.
func (r *Registry) Create(content types.NoteContent, warnings []string) (string, error) {
	id := newTaskID()
	now := r.now()
	rec := &record{
		id:        id,
		content:   content,
		state:     types.TaskQueued,
		message:   "queued",
		warnings:  append([]string(nil), warnings...),
		createdAt: now,
		updatedAt: now,
	}

	r.mu.Lock()
	r.tasks[id] = rec
	r.mu.Unlock()

	select {
	case r.queue <- id:
		return id, nil
	default:
		r.mu.Lock()
		delete(r.tasks, id)
		r.mu.Unlock()
		return "", ErrQueueFull
	}
}

// Snapshot returns a copy of the task's public state.
func (r *Registry) Snapshot(id string) (types.TaskSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.tasks[id]
	if !ok {
		return types.TaskSnapshot{}, ErrTaskNotFound
	}
	return rec.snapshotLocked(), nil
}

// Content returns the normalized content and warnings behind a task.
func (r *Registry) Content(id string) (types.NoteContent, []string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.tasks[id]
	if !ok {
		return types.NoteContent{}, nil, ErrTaskNotFound
	}
	return rec.content, append([]string(nil), rec.warnings...), nil
}

// Result returns the publish result of a completed task. A failed task yields
// its error record; a non-terminal task yields ErrTaskNotReady.
func (r *Registry) Result(id string) (*types.PublishResult, *types.ErrorRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.tasks[id]
	if !ok {
		return nil, nil, ErrTaskNotFound
	}
	switch rec.state {
	case types.TaskCompleted:
		result := *rec.result
		return &result, nil, nil
	case types.TaskFailed:
		errRec := *rec.lastError
		return nil, &errRec, nil
	default:
		return nil, nil, ErrTaskNotReady
	}
}

// Transition moves a task from one state to another. The move is rejected if
// the current state differs from the expected one or is already terminal.
func (r *Registry) Transition(id string, from, to types.TaskState, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if rec.state.Terminal() || rec.state != from {
		return &TransitionError{TaskID: id, From: from, To: to, Actual: rec.state}
	}
	rec.state = to
	rec.progress = progressFor(to)
	if message != "" {
		rec.message = message
	}
	rec.updatedAt = r.now()
	return nil
}

// SetProgress updates the progress hint without changing state.
func (r *Registry) SetProgress(id string, progress int, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[id]
	if !ok || rec.state.Terminal() {
		return
	}
	if progress >= 0 {
		rec.progress = progress
	}
	if message != "" {
		rec.message = message
	}
	rec.updatedAt = r.now()
}

// RecordAttempt bumps the retry counter for a task.
func (r *Registry) RecordAttempt(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.tasks[id]; ok && !rec.state.Terminal() {
		rec.attempts++
		rec.updatedAt = r.now()
	}
}

// Complete moves a task into the completed terminal state with its result.
func (r *Registry) Complete(id string, result types.PublishResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if rec.state.Terminal() {
		return &TransitionError{TaskID: id, From: rec.state, To: types.TaskCompleted, Actual: rec.state}
	}
	result.Warnings = append(append([]string(nil), rec.warnings...), result.Warnings...)
	now := r.now()
	rec.state = types.TaskCompleted
	rec.progress = 100
	rec.message = "completed"
	rec.result = &result
	rec.completedAt = &now
	rec.updatedAt = now
	return nil
}

// Fail moves a task into the failed terminal state with an error record.
func (r *Registry) Fail(id string, kind, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if rec.state.Terminal() {
		return &TransitionError{TaskID: id, From: rec.state, To: types.TaskFailed, Actual: rec.state}
	}
	now := r.now()
	rec.state = types.TaskFailed
	rec.message = message
	rec.lastError = &types.ErrorRecord{
		Kind:       kind,
		Message:    message,
		Attempts:   rec.attempts,
		OccurredAt: now,
	}
	rec.completedAt = &now
	rec.updatedAt = now
	return nil
}

// PruneTerminal evicts terminal tasks older than maxAge, handing each one to
// the archive sink if configured. Non-terminal tasks are never evicted.
func (r *Registry) PruneTerminal(maxAge time.Duration) int {
	cutoff := r.now().Add(-maxAge)

	r.mu.Lock()
	evicted := make([]types.TaskSnapshot, 0)
	for id, rec := range r.tasks {
		if !rec.state.Terminal() || rec.completedAt == nil {
			continue
		}
		if rec.completedAt.After(cutoff) {
			continue
		}
		evicted = append(evicted, rec.snapshotLocked())
		delete(r.tasks, id)
	}
	r.mu.Unlock()

	if r.archive != nil {
		for _, snap := range evicted {
			// Archive errors are deliberately swallowed; the registry copy
			// is already gone and retrying here cannot help.
			_ = r.archive.ArchiveTask(snap)
		}
	}
	return len(evicted)
}

// Stale returns ids of non-terminal tasks untouched since the cutoff.
func (r *Registry) Stale(olderThan time.Duration) []string {
	cutoff := r.now().Add(-olderThan)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, rec := range r.tasks {
		if rec.state.Terminal() {
			continue
		}
		if rec.updatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Len reports the number of tracked tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

func (rec *record) snapshotLocked() types.TaskSnapshot {
	snap := types.TaskSnapshot{
		TaskID:    rec.id,
		State:     rec.state,
		Progress:  rec.progress,
		Message:   rec.message,
		Attempts:  rec.attempts,
		CreatedAt: rec.createdAt,
		UpdatedAt: rec.updatedAt,
	}
	if rec.completedAt != nil {
		completed := *rec.completedAt
		snap.CompletedAt = &completed
	}
	if rec.result != nil {
		result := *rec.result
		snap.Result = &result
	}
	if rec.lastError != nil {
		lastErr := *rec.lastError
		snap.Error = &lastErr
	}
	return snap
}

// progressFor maps pipeline states to coarse progress hints for pollers.
func progressFor(state types.TaskState) int {
	switch state {
	case types.TaskQueued:
		return 0
	case types.TaskDownloading:
		return 20
	case types.TaskUploading:
		return 50
	case types.TaskPublishing:
		return 80
	case types.TaskCompleted:
		return 100
	default:
		return 0
	}
}

func newTaskID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("task-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
