package services

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/telchar/muxd/internal/core/domain"
)

// ErrStorageFull is returned at intake once the completed-job cap is hit.
var ErrStorageFull = errors.New("storage limit reached")

// ErrArtifactExpired means the artifact was already downloaded or wiped.
var ErrArtifactExpired = errors.New("artifact no longer available")

// ResultStore retains produced artifacts outside the workspace until
// they are downloaded. A completed-job counter caps how much transient
// output the host accumulates between wipes; it counts every terminal
// job, successful or not, because failed runs also consumed storage
// churn on the host.
type ResultStore struct {
	dir   string
	limit int

	mu        sync.Mutex
	completed int
}

func NewResultStore(dir string, limit int) (*ResultStore, error) {
	if limit <= 0 {
		limit = 12
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create results dir: %w", err)
	}
	return &ResultStore{dir: dir, limit: limit}, nil
}

// Full reports whether new jobs should be rejected.
func (s *ResultStore) Full() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed >= s.limit
}

// Usage returns the completed-job count and the configured limit.
func (s *ResultStore) Usage() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed, s.limit
}

// RecordCompletion bumps the counter for any terminal job.
func (s *ResultStore) RecordCompletion() {
	s.mu.Lock()
	s.completed++
	s.mu.Unlock()
}

// Keep moves the artifact out of the workspace into the retained area so
// the workspace can be released before the response is emitted.
func (s *ResultStore) Keep(id domain.JobID, artifactPath string) error {
	if err := moveFile(artifactPath, s.path(id)); err != nil {
		return fmt.Errorf("failed to retain artifact: %w", err)
	}
	return nil
}

// Open returns the retained artifact for streaming plus its size.
func (s *ResultStore) Open(id domain.JobID) (io.ReadCloser, int64, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrArtifactExpired
		}
		return nil, 0, fmt.Errorf("failed to open artifact: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat artifact: %w", err)
	}
	return f, stat.Size(), nil
}

// Remove deletes one retained artifact. Idempotent.
func (s *ResultStore) Remove(id domain.JobID) {
	_ = os.Remove(s.path(id))
}

// Clear wipes every retained artifact and resets the counter.
func (s *ResultStore) Clear() error {
	s.mu.Lock()
	s.completed = 0
	s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read results dir: %w", err)
	}
	for _, e := range entries {
		_ = os.RemoveAll(filepath.Join(s.dir, e.Name()))
	}
	return nil
}

// PruneOlderThan removes retained artifacts past their download window.
func (s *ResultStore) PruneOlderThan(age time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read results dir: %w", err)
	}
	cutoff := time.Now().Add(-age)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func (s *ResultStore) path(id domain.JobID) string {
	return filepath.Join(s.dir, string(id))
}
