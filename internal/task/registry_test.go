package task

import (
	"errors"
	"sync"
	"testing"
	"time"

	"xhs-toolkit/pkg/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(Options{QueueSize: 16})
}

func TestCreateEnqueuesTask(t *testing.T) {
	reg := newTestRegistry(t)
	id, err := reg.Create(types.NoteContent{Title: "T"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	select {
	case queued := <-reg.Queue():
		if queued != id {
			t.Fatalf("queued id = %s, want %s", queued, id)
		}
	default:
		t.Fatal("expected task on queue")
	}

	snap, err := reg.Snapshot(id)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.State != types.TaskQueued {
		t.Fatalf("state = %s, want %s", snap.State, types.TaskQueued)
	}
}

func TestCreateUniqueIDsUnderConcurrency(t *testing.T) {
	reg := NewRegistry(Options{QueueSize: 256})
	var mu sync.Mutex
	seen := make(map[string]struct{})
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := reg.Create(types.NoteContent{Title: "T"}, nil)
			if err != nil {
				t.Errorf("Create: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if _, dup := seen[id]; dup {
				t.Errorf("duplicate task id %s", id)
			}
			seen[id] = struct{}{}
		}()
	}
	wg.Wait()
}

func TestCreateQueueFull(t *testing.T) {
	reg := NewRegistry(Options{QueueSize: 1})
	if _, err := reg.Create(types.NoteContent{Title: "T"}, nil); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := reg.Create(types.NoteContent{Title: "T"}, nil); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if reg.Len() != 1 {
		t.Fatalf("registry should not retain the rejected task, len = %d", reg.Len())
	}
}

func TestTransitionGuard(t *testing.T) {
	reg := newTestRegistry(t)
	id, _ := reg.Create(types.NoteContent{Title: "T"}, nil)

	if err := reg.Transition(id, types.TaskQueued, types.TaskDownloading, "downloading"); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	// A stray duplicate worker still thinks the task is queued.
	err := reg.Transition(id, types.TaskQueued, types.TaskDownloading, "")
	var terr *TransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("err = %v, want TransitionError", err)
	}
	if terr.Actual != types.TaskDownloading {
		t.Fatalf("actual = %s, want %s", terr.Actual, types.TaskDownloading)
	}
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	reg := newTestRegistry(t)
	id, _ := reg.Create(types.NoteContent{Title: "T"}, nil)
	if err := reg.Complete(id, types.PublishResult{FinalURL: "https://x/1"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if err := reg.Fail(id, "late", "should not apply"); err == nil {
		t.Fatal("Fail after Complete should be rejected")
	}
	if err := reg.Transition(id, types.TaskCompleted, types.TaskPublishing, ""); err == nil {
		t.Fatal("backward transition should be rejected")
	}

	snap, _ := reg.Snapshot(id)
	if snap.State != types.TaskCompleted || snap.Result == nil {
		t.Fatalf("snapshot = %+v, want completed with result", snap)
	}
}

func TestResultLifecycle(t *testing.T) {
	reg := newTestRegistry(t)
	id, _ := reg.Create(types.NoteContent{Title: "T"}, []string{"extra video dropped"})

	if _, _, err := reg.Result(id); !errors.Is(err, ErrTaskNotReady) {
		t.Fatalf("err = %v, want ErrTaskNotReady", err)
	}

	if err := reg.Complete(id, types.PublishResult{FinalURL: "https://x/1"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	result, errRec, err := reg.Result(id)
	if err != nil || errRec != nil {
		t.Fatalf("Result: result=%v errRec=%v err=%v", result, errRec, err)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("warnings = %v, want creation warnings carried into result", result.Warnings)
	}
}

func TestFailCapturesAttempts(t *testing.T) {
	reg := newTestRegistry(t)
	id, _ := reg.Create(types.NoteContent{Title: "T"}, nil)
	reg.RecordAttempt(id)
	reg.RecordAttempt(id)
	if err := reg.Fail(id, "backend", "submission rejected"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	_, errRec, err := reg.Result(id)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if errRec == nil || errRec.Attempts != 2 || errRec.Kind != "backend" {
		t.Fatalf("error record = %+v", errRec)
	}
}

func TestUnknownTaskID(t *testing.T) {
	reg := newTestRegistry(t)
	if _, err := reg.Snapshot("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("err = %v, want ErrTaskNotFound", err)
	}
	if _, _, err := reg.Result("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("err = %v, want ErrTaskNotFound", err)
	}
}

type captureArchive struct {
	mu    sync.Mutex
	tasks []types.TaskSnapshot
}

func (c *captureArchive) ArchiveTask(snap types.TaskSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, snap)
	return nil
}

func TestPruneTerminalKeepsLiveTasks(t *testing.T) {
	now := time.Now()
	clock := now
	archive := &captureArchive{}
	reg := NewRegistry(Options{
		QueueSize: 16,
		Archive:   archive,
		Now:       func() time.Time { return clock },
	})

	done, _ := reg.Create(types.NoteContent{Title: "done"}, nil)
	live, _ := reg.Create(types.NoteContent{Title: "live"}, nil)
	if err := reg.Complete(done, types.PublishResult{FinalURL: "https://x/1"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	clock = now.Add(2 * time.Hour)
	if n := reg.PruneTerminal(time.Hour); n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if _, err := reg.Snapshot(live); err != nil {
		t.Fatalf("live task evicted: %v", err)
	}
	if len(archive.tasks) != 1 || archive.tasks[0].TaskID != done {
		t.Fatalf("archive = %+v, want the finished task", archive.tasks)
	}
}

func TestWatchdogFailsStaleTasks(t *testing.T) {
	now := time.Now()
	clock := now
	reg := NewRegistry(Options{
		QueueSize: 16,
		Now:       func() time.Time { return clock },
	})
	id, _ := reg.Create(types.NoteContent{Title: "T"}, nil)
	if err := reg.Transition(id, types.TaskQueued, types.TaskDownloading, ""); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	wd := NewWatchdog(reg, 10*time.Minute, time.Hour, nil)
	clock = now.Add(11 * time.Minute)
	wd.Sweep()

	snap, err := reg.Snapshot(id)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.State != types.TaskFailed {
		t.Fatalf("state = %s, want %s", snap.State, types.TaskFailed)
	}
	if snap.Error == nil || snap.Error.Kind != "timeout" {
		t.Fatalf("error = %+v, want timeout kind", snap.Error)
	}
}
