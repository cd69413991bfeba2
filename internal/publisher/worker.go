package publisher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"xhs-toolkit/internal/browser"
	"xhs-toolkit/internal/session"
	"xhs-toolkit/internal/task"
	"xhs-toolkit/pkg/types"
)

// Worker consumes queued tasks and publishes them. Tasks may queue up
// concurrently, but every interaction with the browser happens under the
// session lock, so publishes are strictly serialized.
type Worker struct {
	registry   *task.Registry
	sessions   *session.Manager
	backend    browser.Backend
	downloader *Downloader
	maxRetries int
	backoff    time.Duration
	workers    int
	logger     *slog.Logger
}

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	Registry   *task.Registry
	Sessions   *session.Manager
	Backend    browser.Backend
	Downloader *Downloader
	MaxRetries int
	Backoff    time.Duration
	Workers    int
	Logger     *slog.Logger
}

// NewWorker constructs a publish worker.
func NewWorker(opts WorkerOptions) *Worker {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 2 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{
		registry:   opts.Registry,
		sessions:   opts.Sessions,
		backend:    opts.Backend,
		downloader: opts.Downloader,
		maxRetries: opts.MaxRetries,
		backoff:    opts.Backoff,
		workers:    opts.Workers,
		logger:     opts.Logger,
	}
}

// Run consumes the registry queue until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id, ok := <-w.registry.Queue():
					if !ok {
						return
					}
					w.Process(ctx, id)
				}
			}
		}()
	}
	wg.Wait()
}

// Process runs one task through the pipeline. Exported so tests and the CLI
// can drive a single task synchronously.
func (w *Worker) Process(ctx context.Context, id string) {
	note, _, err := w.registry.Content(id)
	if err != nil {
		w.logger.Error("task vanished before processing", "task_id", id, "error", err)
		return
	}
	logger := w.logger.With("task_id", id)

	if err := w.sessions.Acquire(ctx); err != nil {
		w.fail(id, "session", "could not acquire session lock: "+err.Error())
		return
	}
	defer w.sessions.Release()

	if err := w.sessions.EnsureSession(ctx); err != nil {
		w.fail(id, "session", err.Error())
		return
	}

	if err := w.registry.Transition(id, types.TaskQueued, types.TaskDownloading, "fetching remote media"); err != nil {
		logger.Warn("skipping task, unexpected state", "error", err)
		return
	}

	media, cleanup, err := w.downloader.Stage(ctx, note)
	if err != nil {
		w.fail(id, "download", err.Error())
		return
	}
	defer cleanup()

	if err := w.registry.Transition(id, types.TaskDownloading, types.TaskUploading, "uploading media"); err != nil {
		logger.Warn("skipping task, unexpected state", "error", err)
		return
	}

	result, err := w.publishWithRetry(ctx, id, note, media, logger)
	if err != nil {
		w.fail(id, errorKind(err), err.Error())
		return
	}

	if err := w.registry.Complete(id, result); err != nil {
		logger.Error("could not record completion", "error", err)
		return
	}
	logger.Info("note published", "url", result.FinalURL, "type", note.ContentType())
}

// publishWithRetry drives the backend, retrying transient failures with a
// doubling backoff. An expired session triggers one re-login before the
// attempt counts as spent.
func (w *Worker) publishWithRetry(ctx context.Context, id string, note types.NoteContent, media browser.StagedMedia, logger *slog.Logger) (types.PublishResult, error) {
	onStage := func(stage browser.Stage) {
		if stage == browser.StageSubmitting {
			if err := w.registry.Transition(id, types.TaskUploading, types.TaskPublishing, "submitting note"); err != nil {
				logger.Warn("stage transition rejected", "error", err)
			}
		}
	}

	var lastErr error
	backoff := w.backoff
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			logger.Info("retrying publish", "attempt", attempt)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return types.PublishResult{}, ctx.Err()
			}
			backoff *= 2
		}
		w.registry.RecordAttempt(id)

		result, err := w.backend.Publish(ctx, w.sessions.Jar(), note, media, onStage)
		if err == nil {
			return result, nil
		}
		lastErr = err

		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return types.PublishResult{}, err
		case errors.Is(err, browser.ErrSubmissionRejected):
			// The platform said no; identical retries will not change that.
			return types.PublishResult{}, err
		case errors.Is(err, browser.ErrSessionExpired):
			logger.Warn("session expired mid-publish, re-logging in")
			w.sessions.Invalidate()
			if loginErr := w.sessions.EnsureSession(ctx); loginErr != nil {
				return types.PublishResult{}, loginErr
			}
		default:
			logger.Warn("publish attempt failed", "attempt", attempt, "error", err)
		}
	}
	return types.PublishResult{}, lastErr
}

func (w *Worker) fail(id, kind, message string) {
	if err := w.registry.Fail(id, kind, message); err != nil {
		w.logger.Error("could not record failure", "task_id", id, "error", err)
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, browser.ErrSubmissionRejected):
		return "backend"
	case errors.Is(err, browser.ErrSessionExpired), errors.Is(err, session.ErrLoginFailed):
		return "session"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		var dlErr *DownloadError
		if errors.As(err, &dlErr) {
			return "download"
		}
		return "backend"
	}
}
