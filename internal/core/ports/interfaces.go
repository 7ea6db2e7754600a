package ports

import (
	"context"
	"time"

	"github.com/telchar/muxd/internal/core/domain"
)

// Invoker abstracts the external transcoding tool (native process,
// container runtime, etc.). Run launches one bounded-duration execution
// rooted at the workspace and never retries internally. A nil error
// means the tool exited zero and produced the artifact; otherwise the
// returned error is a *domain.JobError classifying the outcome.
type Invoker interface {
	Run(ctx context.Context, ws domain.Workspace, inputPath string, deadline time.Duration) (domain.InvocationResult, error)
}

// ProgressFunc receives tool progress as a 0-100 percentage.
type ProgressFunc func(jobID domain.JobID, percent int)

// Repository abstracts the persistent job record store (DuckDB).
type Repository interface {
	SaveJob(ctx context.Context, job domain.Job) error
	GetJob(ctx context.Context, id domain.JobID) (domain.Job, error)
	ListJobs(ctx context.Context, limit int) ([]domain.Job, error)
	DeleteJobs(ctx context.Context) error
	Close() error
}
