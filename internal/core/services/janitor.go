package services

import (
	"context"
	"log/slog"
	"time"
)

// Janitor periodically reclaims transient state that outlived its job:
// orphaned workspace directories left by crashed workers and retained
// artifacts past their download window.
type Janitor struct {
	logger     *slog.Logger
	workspaces *WorkspaceManager
	results    *ResultStore
	interval   time.Duration
	retention  time.Duration
}

func NewJanitor(logger *slog.Logger, workspaces *WorkspaceManager, results *ResultStore, interval, retention time.Duration) *Janitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if retention <= 0 {
		retention = time.Hour
	}
	return &Janitor{
		logger:     logger,
		workspaces: workspaces,
		results:    results,
		interval:   interval,
		retention:  retention,
	}
}

// Run blocks until ctx is cancelled, sweeping on every tick.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *Janitor) sweep() {
	if n, err := j.workspaces.SweepOrphans(); err != nil {
		j.logger.Error("workspace sweep failed", "error", err)
	} else if n > 0 {
		j.logger.Info("removed orphaned workspaces", "count", n)
	}

	if n, err := j.results.PruneOlderThan(j.retention); err != nil {
		j.logger.Error("artifact prune failed", "error", err)
	} else if n > 0 {
		j.logger.Info("pruned expired artifacts", "count", n)
	}
}
