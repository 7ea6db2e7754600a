package services

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeArtifact(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestResultStore_KeepOpenRemove(t *testing.T) {
	scratch := t.TempDir()
	store, err := NewResultStore(filepath.Join(scratch, "results"), 12)
	require.NoError(t, err)

	artifact := writeArtifact(t, scratch, "output.mkv", "muxed-bytes")
	require.NoError(t, store.Keep("job-1", artifact))
	// Keep moves, not copies: the workspace copy is gone.
	assert.NoFileExists(t, artifact)

	rc, size, err := store.Open("job-1")
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, int64(len("muxed-bytes")), size)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "muxed-bytes", string(data))

	store.Remove("job-1")
	_, _, err = store.Open("job-1")
	assert.ErrorIs(t, err, ErrArtifactExpired)

	// Remove is idempotent.
	store.Remove("job-1")
}

func TestResultStore_CompletionCounter(t *testing.T) {
	store, err := NewResultStore(t.TempDir(), 3)
	require.NoError(t, err)

	assert.False(t, store.Full())
	store.RecordCompletion()
	store.RecordCompletion()
	assert.False(t, store.Full())
	store.RecordCompletion()
	assert.True(t, store.Full())

	used, limit := store.Usage()
	assert.Equal(t, 3, used)
	assert.Equal(t, 3, limit)

	require.NoError(t, store.Clear())
	assert.False(t, store.Full())
	used, _ = store.Usage()
	assert.Equal(t, 0, used)
}

func TestResultStore_ClearWipesArtifacts(t *testing.T) {
	scratch := t.TempDir()
	store, err := NewResultStore(filepath.Join(scratch, "results"), 12)
	require.NoError(t, err)

	require.NoError(t, store.Keep("job-1", writeArtifact(t, scratch, "a.mkv", "a")))
	require.NoError(t, store.Keep("job-2", writeArtifact(t, scratch, "b.mkv", "b")))

	require.NoError(t, store.Clear())

	_, _, err = store.Open("job-1")
	assert.ErrorIs(t, err, ErrArtifactExpired)
	_, _, err = store.Open("job-2")
	assert.ErrorIs(t, err, ErrArtifactExpired)
}

func TestResultStore_PruneOlderThan(t *testing.T) {
	scratch := t.TempDir()
	store, err := NewResultStore(filepath.Join(scratch, "results"), 12)
	require.NoError(t, err)

	require.NoError(t, store.Keep("old", writeArtifact(t, scratch, "old.mkv", "o")))
	require.NoError(t, store.Keep("fresh", writeArtifact(t, scratch, "fresh.mkv", "f")))

	// Age the first artifact past the window.
	stale := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(scratch, "results", "old"), stale, stale))

	removed, err := store.PruneOlderThan(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, _, err = store.Open("old")
	assert.ErrorIs(t, err, ErrArtifactExpired)
	rc, _, err := store.Open("fresh")
	require.NoError(t, err)
	rc.Close()
}

func TestResultStore_DefaultLimit(t *testing.T) {
	store, err := NewResultStore(t.TempDir(), 0)
	require.NoError(t, err)
	_, limit := store.Usage()
	assert.Equal(t, 12, limit)
}
