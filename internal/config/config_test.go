package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, RunnerNative, cfg.Runner)
	assert.Equal(t, "ffmpeg", cfg.ToolPath)
	assert.Equal(t, []string{"-c", "copy"}, cfg.ToolArgs)
	assert.Equal(t, 10*time.Minute, cfg.JobDeadline)
	assert.Equal(t, 4, cfg.PoolWidth)
	assert.Equal(t, int64(32), cfg.MaxWorkspaces)
	assert.Equal(t, 12, cfg.StorageLimit)
	assert.Equal(t, time.Hour, cfg.ArtifactRetention)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("MUXD_ADDR", ":9090")
	t.Setenv("MUXD_RUNNER", "docker")
	t.Setenv("MUXD_TOOL_ARGS", "-c:v libx264 -preset fast")
	t.Setenv("MUXD_JOB_DEADLINE", "30s")
	t.Setenv("MUXD_WORKERS", "8")
	t.Setenv("MUXD_STORAGE_LIMIT", "5")
	t.Setenv("MUXD_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, RunnerDocker, cfg.Runner)
	assert.Equal(t, []string{"-c:v", "libx264", "-preset", "fast"}, cfg.ToolArgs)
	assert.Equal(t, 30*time.Second, cfg.JobDeadline)
	assert.Equal(t, 8, cfg.PoolWidth)
	assert.Equal(t, 5, cfg.StorageLimit)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestFromEnv_Invalid(t *testing.T) {
	t.Run("unknown runner", func(t *testing.T) {
		t.Setenv("MUXD_RUNNER", "kubernetes")
		_, err := FromEnv()
		assert.Error(t, err)
	})

	t.Run("non-positive workers", func(t *testing.T) {
		t.Setenv("MUXD_WORKERS", "0")
		_, err := FromEnv()
		assert.Error(t, err)
	})

	t.Run("malformed duration falls back", func(t *testing.T) {
		t.Setenv("MUXD_JOB_DEADLINE", "soon")
		cfg, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, 10*time.Minute, cfg.JobDeadline)
	})
}
