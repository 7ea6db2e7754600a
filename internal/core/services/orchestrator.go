package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/telchar/muxd/internal/core/domain"
	"github.com/telchar/muxd/internal/core/ports"
)

// JobRequest is what the transport layer hands the orchestrator: a job
// record in the received phase and the spooled upload on disk.
type JobRequest struct {
	Job       domain.Job
	SpoolPath string
}

// Orchestrator owns the lifecycle of a single job: intake -> workspace ->
// invocation -> result retention -> cleanup. Whatever happens, the
// workspace is gone by the time Handle returns.
type Orchestrator struct {
	logger     *slog.Logger
	workspaces *WorkspaceManager
	invoker    ports.Invoker
	repo       ports.Repository
	results    *ResultStore
	events     *EventBus
	deadline   time.Duration
}

func NewOrchestrator(
	logger *slog.Logger,
	workspaces *WorkspaceManager,
	invoker ports.Invoker,
	repo ports.Repository,
	results *ResultStore,
	events *EventBus,
	deadline time.Duration,
) *Orchestrator {
	if deadline <= 0 {
		deadline = 10 * time.Minute
	}
	return &Orchestrator{
		logger:     logger,
		workspaces: workspaces,
		invoker:    invoker,
		repo:       repo,
		results:    results,
		events:     events,
		deadline:   deadline,
	}
}

// Deadline returns the per-job wall-clock limit.
func (o *Orchestrator) Deadline() time.Duration { return o.deadline }

// Handle runs one job to a terminal phase and returns the final record.
func (o *Orchestrator) Handle(ctx context.Context, req JobRequest) domain.Job {
	job := req.Job
	o.logger.Info("handling job", "job_id", job.ID)

	// The spooled upload is transient regardless of outcome.
	defer os.Remove(req.SpoolPath)

	ws, err := o.workspaces.Acquire(job.ID)
	if err != nil {
		var jobErr *domain.JobError
		if !errors.As(err, &jobErr) {
			jobErr = domain.NewJobError(domain.FailureResourceExhaustion, "workspace allocation failed", 0)
		}
		return o.finalize(ctx, job, jobErr)
	}
	// Unconditional cleanup: success, tool failure, timeout, or panic.
	defer func() {
		if err := o.workspaces.Release(ws); err != nil {
			o.logger.Error("workspace release failed", "job_id", job.ID, "error", err)
		}
	}()

	inputPath := filepath.Join(ws.Path, "input"+filepath.Ext(job.InputName))
	if err := moveFile(req.SpoolPath, inputPath); err != nil {
		o.logger.Error("failed to stage input", "job_id", job.ID, "error", err)
		return o.finalize(ctx, job, domain.NewJobError(domain.FailureResourceExhaustion, "failed to stage input file", 0))
	}

	o.advance(ctx, &job, domain.PhaseWorkspaceReady)
	o.advance(ctx, &job, domain.PhaseRunning)

	res, runErr := o.invoker.Run(ctx, ws, inputPath, o.deadline)
	job.Elapsed = res.Elapsed

	if runErr != nil {
		var jobErr *domain.JobError
		if !errors.As(runErr, &jobErr) {
			jobErr = domain.NewJobError(domain.FailureTool, runErr.Error(), res.ExitCode)
		}
		return o.finalize(ctx, job, jobErr)
	}

	if err := o.results.Keep(job.ID, res.ArtifactPath); err != nil {
		o.logger.Error("failed to retain artifact", "job_id", job.ID, "error", err)
		return o.finalize(ctx, job, domain.NewJobError(domain.FailureResourceExhaustion, "failed to retain artifact", 0))
	}

	if err := job.Advance(domain.PhaseSucceeded); err != nil {
		o.logger.Error("phase transition rejected", "job_id", job.ID, "error", err)
	}
	o.results.RecordCompletion()
	o.persist(ctx, job)
	o.events.PublishProgress(job.ID, 100)
	o.events.PublishPhase(job.ID, job.Phase, nil)
	o.logger.Info("job succeeded", "job_id", job.ID, "elapsed", job.Elapsed)
	return job
}

// advance moves the job forward, persists it, and notifies subscribers.
func (o *Orchestrator) advance(ctx context.Context, job *domain.Job, next domain.JobPhase) {
	if err := job.Advance(next); err != nil {
		o.logger.Error("phase transition rejected", "job_id", job.ID, "error", err)
		return
	}
	o.persist(ctx, *job)
	o.events.PublishPhase(job.ID, next, nil)
}

// finalize records a failed terminal state. The error detail never
// includes workspace paths; invokers already bound their diagnostics.
func (o *Orchestrator) finalize(ctx context.Context, job domain.Job, jobErr *domain.JobError) domain.Job {
	job.Error = jobErr
	if err := job.Advance(jobErr.Kind.TerminalPhase()); err != nil {
		o.logger.Error("phase transition rejected", "job_id", job.ID, "error", err)
	}
	o.results.RecordCompletion()
	o.persist(ctx, job)
	o.events.PublishPhase(job.ID, job.Phase, jobErr)
	o.events.PublishLog(job.ID, jobErr.Error())
	o.logger.Warn("job failed", "job_id", job.ID, "kind", jobErr.Kind, "exit_code", jobErr.ExitCode)
	return job
}

func (o *Orchestrator) persist(ctx context.Context, job domain.Job) {
	if err := o.repo.SaveJob(ctx, job); err != nil {
		o.logger.Error("failed to save job record", "job_id", job.ID, "error", err)
	}
}

// moveFile renames src to dst, copying when they sit on different
// filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", filepath.Base(src), err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Base(dst), err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("copy failed: %w", err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
