package services

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/telchar/muxd/internal/core/domain"
	"github.com/telchar/muxd/internal/core/ports"
)

// ErrQueueFull is returned when the intake queue cannot take more jobs.
var ErrQueueFull = errors.New("job queue full")

// Pool is the process-level concurrency boundary: a fixed number of
// workers, each handling one job at a time to completion, parallel
// across workers. A job that panics is contained to its worker and
// recorded as failed; the workspace was already released by the
// orchestrator's deferred cleanup.
type Pool struct {
	logger *slog.Logger
	orch   *Orchestrator
	repo   ports.Repository
	events *EventBus
	queue  chan JobRequest
	width  int
}

func NewPool(logger *slog.Logger, orch *Orchestrator, repo ports.Repository, events *EventBus, width, queueCap int) *Pool {
	if width <= 0 {
		width = 4
	}
	if queueCap <= 0 {
		queueCap = 100
	}
	return &Pool{
		logger: logger,
		orch:   orch,
		repo:   repo,
		events: events,
		queue:  make(chan JobRequest, queueCap),
		width:  width,
	}
}

// Submit queues a job without blocking. Full queue means backpressure.
func (p *Pool) Submit(req JobRequest) error {
	select {
	case p.queue <- req:
		p.logger.Info("job queued", "job_id", req.Job.ID, "depth", len(p.queue))
		return nil
	default:
		return ErrQueueFull
	}
}

// Depth returns how many jobs are waiting.
func (p *Pool) Depth() int { return len(p.queue) }

// Run blocks until ctx is cancelled, consuming the queue with a fixed
// set of workers.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("starting worker pool", "width", p.width)

	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < p.width; i++ {
		worker := i
		g.Go(func() error {
			for {
				select {
				case <-gCtx.Done():
					return nil
				case req := <-p.queue:
					p.logger.Info("worker picked up job", "worker", worker, "job_id", req.Job.ID)
					p.handle(gCtx, req)
				}
			}
		})
	}
	return g.Wait()
}

// handle runs one job, containing panics to this worker.
func (p *Pool) handle(ctx context.Context, req JobRequest) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked", "job_id", req.Job.ID, "panic", r)
			job := req.Job
			job.Error = domain.NewJobError(domain.FailureTool, "internal processing error", 0)
			if err := job.Advance(domain.PhaseFailed); err == nil {
				if err := p.repo.SaveJob(ctx, job); err != nil {
					p.logger.Error("failed to save panicked job", "job_id", job.ID, "error", err)
				}
				p.events.PublishPhase(job.ID, job.Phase, job.Error)
			}
		}
	}()
	p.orch.Handle(ctx, req)
}
