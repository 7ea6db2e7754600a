package services

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telchar/muxd/internal/core/domain"
)

func TestPool_ProcessesJobsToCompletion(t *testing.T) {
	invoker := succeedingInvoker()
	fx := newOrchFixture(t, invoker, 8)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	pool := NewPool(logger, fx.orch, fx.repo, fx.bus, 2, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = pool.Run(ctx)
		close(done)
	}()

	for i := 0; i < 5; i++ {
		id := domain.JobID(string(rune('a' + i)))
		require.NoError(t, pool.Submit(fx.spool(t, id)))
	}

	// Wait for every job to reach a terminal phase.
	assert.Eventually(t, func() bool {
		for i := 0; i < 5; i++ {
			id := domain.JobID(string(rune('a' + i)))
			job, err := fx.repo.GetJob(context.Background(), id)
			if err != nil || !job.Phase.IsTerminal() {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestPool_ConcurrencyBound(t *testing.T) {
	var current, peak int64
	var mu sync.Mutex

	invoker := &fakeInvoker{outcome: func(ws domain.Workspace, _ string) (domain.InvocationResult, error) {
		n := atomic.AddInt64(&current, 1)
		mu.Lock()
		if n > peak {
			peak = n
		}
		mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt64(&current, -1)

		artifact := filepath.Join(ws.Path, "output.mkv")
		if err := os.WriteFile(artifact, []byte("muxed"), 0o644); err != nil {
			return domain.InvocationResult{}, err
		}
		return domain.InvocationResult{ArtifactPath: artifact}, nil
	}}
	fx := newOrchFixture(t, invoker, 16)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	pool := NewPool(logger, fx.orch, fx.repo, fx.bus, 2, 20)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pool.Run(ctx) }()

	for i := 0; i < 6; i++ {
		id := domain.JobID(string(rune('a' + i)))
		require.NoError(t, pool.Submit(fx.spool(t, id)))
	}

	assert.Eventually(t, func() bool {
		return invoker.callCount() == 6
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, int64(2), "no more than two jobs may run at once")
}

func TestPool_SubmitBackpressure(t *testing.T) {
	fx := newOrchFixture(t, succeedingInvoker(), 4)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	// Pool never started: the queue fills up.
	pool := NewPool(logger, fx.orch, fx.repo, fx.bus, 1, 2)

	require.NoError(t, pool.Submit(fx.spool(t, "a")))
	require.NoError(t, pool.Submit(fx.spool(t, "b")))
	assert.Equal(t, 2, pool.Depth())

	err := pool.Submit(fx.spool(t, "c"))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestPool_PanicContainedToWorker(t *testing.T) {
	var calls int64
	invoker := &fakeInvoker{outcome: func(ws domain.Workspace, _ string) (domain.InvocationResult, error) {
		if atomic.AddInt64(&calls, 1) == 1 {
			panic("tool adapter bug")
		}
		artifact := filepath.Join(ws.Path, "output.mkv")
		if err := os.WriteFile(artifact, []byte("muxed"), 0o644); err != nil {
			return domain.InvocationResult{}, err
		}
		return domain.InvocationResult{ArtifactPath: artifact}, nil
	}}
	fx := newOrchFixture(t, invoker, 4)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	pool := NewPool(logger, fx.orch, fx.repo, fx.bus, 1, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pool.Run(ctx) }()

	require.NoError(t, pool.Submit(fx.spool(t, "boom")))
	require.NoError(t, pool.Submit(fx.spool(t, "next")))

	// The panicking job is recorded as failed and the worker survives to
	// run the next one.
	assert.Eventually(t, func() bool {
		next, err := fx.repo.GetJob(context.Background(), "next")
		return err == nil && next.Phase == domain.PhaseSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	boom, err := fx.repo.GetJob(context.Background(), "boom")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseFailed, boom.Phase)
	require.NotNil(t, boom.Error)
	assert.Equal(t, domain.FailureTool, boom.Error.Kind)

	// The panicked job's workspace was still cleaned up.
	assert.Equal(t, 0, fx.workspaces.ActiveCount())
}
