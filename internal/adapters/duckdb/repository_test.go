package duckdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telchar/muxd/internal/core/domain"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "muxd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestRepository_SaveAndGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	job := domain.NewJob("job-1", "clip.mp4", "holiday")
	require.NoError(t, repo.SaveJob(ctx, job))

	got, err := repo.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobID("job-1"), got.ID)
	assert.Equal(t, domain.PhaseReceived, got.Phase)
	assert.Equal(t, "clip.mp4", got.InputName)
	assert.Equal(t, "holiday", got.OutputName)
	assert.Nil(t, got.Error)
}

func TestRepository_UpsertPhaseProgression(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	job := domain.NewJob("job-1", "clip.mp4", "out")
	require.NoError(t, repo.SaveJob(ctx, job))

	require.NoError(t, job.Advance(domain.PhaseRunning))
	require.NoError(t, repo.SaveJob(ctx, job))

	job.Error = domain.NewJobError(domain.FailureTool, "broken pipe", 1)
	job.Elapsed = 3 * time.Second
	require.NoError(t, job.Advance(domain.PhaseFailed))
	require.NoError(t, repo.SaveJob(ctx, job))

	got, err := repo.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseFailed, got.Phase)
	assert.Equal(t, 3*time.Second, got.Elapsed)
	require.NotNil(t, got.Error)
	assert.Equal(t, domain.FailureTool, got.Error.Kind)
	assert.Equal(t, "broken pipe", got.Error.Detail)
	assert.Equal(t, 1, got.Error.ExitCode)

	// Still one row.
	jobs, err := repo.ListJobs(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestRepository_GetJobNotFound(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestRepository_ListJobsNewestFirst(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for i, id := range []domain.JobID{"first", "second", "third"} {
		job := domain.NewJob(id, "clip.mp4", "out")
		job.CreatedAt = time.Now().Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.SaveJob(ctx, job))
	}

	jobs, err := repo.ListJobs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, domain.JobID("third"), jobs[0].ID)
	assert.Equal(t, domain.JobID("second"), jobs[1].ID)
}

func TestRepository_DeleteJobs(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.SaveJob(ctx, domain.NewJob("a", "a.mp4", "out")))
	require.NoError(t, repo.SaveJob(ctx, domain.NewJob("b", "b.mp4", "out")))

	require.NoError(t, repo.DeleteJobs(ctx))

	jobs, err := repo.ListJobs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
