package task

import (
	"context"
	"log/slog"
	"time"
)

// Watchdog periodically forces tasks that have been stuck in a non-terminal
// state past their timeout into the failed state, and evicts terminal tasks
// past the retention window. It is the safety net behind lost workers.
type Watchdog struct {
	registry  *Registry
	timeout   time.Duration
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

// NewWatchdog builds a watchdog over the given registry.
func NewWatchdog(registry *Registry, timeout, retention time.Duration, logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	interval := timeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	return &Watchdog{
		registry:  registry,
		timeout:   timeout,
		retention: retention,
		interval:  interval,
		logger:    logger,
	}
}

// Run blocks until the context is cancelled, sweeping on a fixed interval.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep()
		}
	}
}

// Sweep performs one pass: fail stale tasks, then prune old terminal ones.
func (w *Watchdog) Sweep() {
	for _, id := range w.registry.Stale(w.timeout) {
		if err := w.registry.Fail(id, "timeout", "task exceeded overall timeout"); err != nil {
			continue
		}
		w.logger.Warn("task forced to failed by watchdog", "task_id", id, "timeout", w.timeout)
	}
	if w.retention > 0 {
		if n := w.registry.PruneTerminal(w.retention); n > 0 {
			w.logger.Debug("evicted finished tasks", "count", n)
		}
	}
}
