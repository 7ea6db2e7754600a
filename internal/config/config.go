package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RunnerKind selects which invoker backend executes the tool.
type RunnerKind string

const (
	RunnerNative RunnerKind = "native"
	RunnerDocker RunnerKind = "docker"
)

// Config is the explicit configuration value supplied at construction
// time. Nothing reads ambient environment state after startup.
type Config struct {
	Addr           string
	AllowedOrigins []string

	DBPath       string
	WorkspaceDir string
	ResultsDir   string
	SpoolDir     string

	Runner      RunnerKind
	ToolPath    string
	ToolImage   string
	ToolArgs    []string
	JobDeadline time.Duration

	PoolWidth     int
	QueueCapacity int
	MaxWorkspaces int64
	StorageLimit  int

	SweepInterval     time.Duration
	ArtifactRetention time.Duration
}

// FromEnv builds the configuration from MUXD_* variables with defaults
// tuned for long-running media jobs.
func FromEnv() (Config, error) {
	cfg := Config{
		Addr:              envOr("MUXD_ADDR", ":8080"),
		AllowedOrigins:    strings.Split(envOr("MUXD_ALLOWED_ORIGINS", "http://localhost:5173"), ","),
		DBPath:            envOr("MUXD_DB_PATH", "muxd.db"),
		WorkspaceDir:      envOr("MUXD_WORKSPACE_DIR", "/var/lib/muxd/work"),
		ResultsDir:        envOr("MUXD_RESULTS_DIR", "/var/lib/muxd/results"),
		SpoolDir:          envOr("MUXD_SPOOL_DIR", "/var/lib/muxd/spool"),
		Runner:            RunnerKind(envOr("MUXD_RUNNER", string(RunnerNative))),
		ToolPath:          envOr("MUXD_TOOL", "ffmpeg"),
		ToolImage:         envOr("MUXD_TOOL_IMAGE", "linuxserver/ffmpeg:latest"),
		ToolArgs:          strings.Fields(envOr("MUXD_TOOL_ARGS", "-c copy")),
		JobDeadline:       envDurationOr("MUXD_JOB_DEADLINE", 10*time.Minute),
		PoolWidth:         envIntOr("MUXD_WORKERS", 4),
		QueueCapacity:     envIntOr("MUXD_QUEUE_CAPACITY", 100),
		MaxWorkspaces:     int64(envIntOr("MUXD_MAX_WORKSPACES", 32)),
		StorageLimit:      envIntOr("MUXD_STORAGE_LIMIT", 12),
		SweepInterval:     envDurationOr("MUXD_SWEEP_INTERVAL", 5*time.Minute),
		ArtifactRetention: envDurationOr("MUXD_ARTIFACT_RETENTION", time.Hour),
	}

	switch cfg.Runner {
	case RunnerNative, RunnerDocker:
	default:
		return Config{}, fmt.Errorf("unknown runner %q", cfg.Runner)
	}
	if cfg.JobDeadline <= 0 {
		return Config{}, fmt.Errorf("job deadline must be positive")
	}
	if cfg.PoolWidth <= 0 {
		return Config{}, fmt.Errorf("worker count must be positive")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
