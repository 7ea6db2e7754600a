package services

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/telchar/muxd/internal/core/domain"
)

// WorkspaceManager allocates and tears down isolated per-job directories
// under <baseDir>/jobs/<id>. A weighted semaphore caps how many
// workspaces exist at once; hitting the cap is reported as resource
// exhaustion, same as a failed directory allocation.
type WorkspaceManager struct {
	baseDir string
	slots   *semaphore.Weighted

	mu     sync.Mutex
	active map[domain.JobID]struct{}
}

func NewWorkspaceManager(baseDir string, maxActive int64) *WorkspaceManager {
	if maxActive <= 0 {
		maxActive = 32
	}
	return &WorkspaceManager{
		baseDir: baseDir,
		slots:   semaphore.NewWeighted(maxActive),
		active:  make(map[domain.JobID]struct{}),
	}
}

// Acquire creates a fresh, empty, exclusively-owned directory for the job.
func (m *WorkspaceManager) Acquire(id domain.JobID) (domain.Workspace, error) {
	if !m.slots.TryAcquire(1) {
		return domain.Workspace{}, domain.NewJobError(domain.FailureResourceExhaustion, "workspace capacity reached", 0)
	}

	path := filepath.Join(m.baseDir, "jobs", string(id))
	// A leftover tree from a crashed run must not leak into the new job.
	if err := os.RemoveAll(path); err != nil {
		m.slots.Release(1)
		return domain.Workspace{}, domain.NewJobError(domain.FailureResourceExhaustion, "workspace allocation failed", 0)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		m.slots.Release(1)
		return domain.Workspace{}, domain.NewJobError(domain.FailureResourceExhaustion, "workspace allocation failed", 0)
	}

	m.mu.Lock()
	m.active[id] = struct{}{}
	m.mu.Unlock()

	return domain.Workspace{JobID: id, Path: path}, nil
}

// Release recursively removes the workspace. Idempotent: releasing an
// already-released or partially deleted workspace is a no-op.
func (m *WorkspaceManager) Release(ws domain.Workspace) error {
	m.mu.Lock()
	_, held := m.active[ws.JobID]
	delete(m.active, ws.JobID)
	m.mu.Unlock()

	if !held {
		return nil
	}
	defer m.slots.Release(1)

	if err := os.RemoveAll(ws.Path); err != nil {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}
	return nil
}

// ActiveCount returns how many workspaces are currently allocated.
func (m *WorkspaceManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// SweepOrphans removes job directories that have no active lease. Used
// by the janitor and the admin wipe to reclaim space after crashes.
func (m *WorkspaceManager) SweepOrphans() (int, error) {
	jobsDir := filepath.Join(m.baseDir, "jobs")
	entries, err := os.ReadDir(jobsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read workspace dir: %w", err)
	}

	removed := 0
	for _, e := range entries {
		m.mu.Lock()
		_, held := m.active[domain.JobID(e.Name())]
		m.mu.Unlock()
		if held {
			continue
		}
		if err := os.RemoveAll(filepath.Join(jobsDir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
