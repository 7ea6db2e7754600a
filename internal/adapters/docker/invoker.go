package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/telchar/muxd/internal/core/domain"
	"github.com/telchar/muxd/internal/core/ports"
)

const (
	containerWorkdir = "/workspace"
	artifactName     = "output.mkv"
	maxDiagnostics   = 8192
)

// Invoker runs the transcoding tool inside a throwaway container with
// the job's workspace bind-mounted. Same contract as the native invoker;
// isolation is stronger, cost per job is higher.
type Invoker struct {
	logger    *slog.Logger
	cli       *client.Client
	image     string
	tool      string
	extraArgs []string
}

var _ ports.Invoker = (*Invoker)(nil)

func NewInvoker(logger *slog.Logger, imageRef, tool string, extraArgs []string) (*Invoker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Invoker{
		logger:    logger,
		cli:       cli,
		image:     imageRef,
		tool:      tool,
		extraArgs: extraArgs,
	}, nil
}

func (i *Invoker) Run(ctx context.Context, ws domain.Workspace, inputPath string, deadline time.Duration) (domain.InvocationResult, error) {
	name := "muxd-job-" + string(ws.JobID)
	input := filepath.Join(containerWorkdir, filepath.Base(inputPath))
	output := filepath.Join(containerWorkdir, artifactName)

	cmd := []string{i.tool, "-y", "-i", input}
	cmd = append(cmd, i.extraArgs...)
	cmd = append(cmd, output)

	cfg := &container.Config{
		Image:      i.image,
		Cmd:        cmd,
		WorkingDir: containerWorkdir,
		Tty:        false,
		Labels: map[string]string{
			"muxd.managed": "true",
			"muxd.job_id":  string(ws.JobID),
		},
	}
	hostCfg := &container.HostConfig{
		// Transcoding needs no network; the input is already on disk.
		NetworkMode: "none",
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: ws.Path,
				Target: containerWorkdir,
			},
		},
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=64m",
		},
	}

	resp, err := i.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if client.IsErrNotFound(err) {
		reader, pullErr := i.cli.ImagePull(ctx, i.image, image.PullOptions{})
		if pullErr != nil {
			return domain.InvocationResult{}, domain.NewJobError(domain.FailureLaunch, "transcoder image unavailable", 0)
		}
		io.Copy(io.Discard, reader)
		reader.Close()
		resp, err = i.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	}
	if err != nil {
		i.logger.Error("container create failed", "job_id", ws.JobID, "error", err)
		return domain.InvocationResult{}, domain.NewJobError(domain.FailureLaunch, "transcoder container could not be created", 0)
	}
	// The container is always removed, whatever the outcome.
	defer func() {
		_ = i.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
	}()

	start := time.Now()
	if err := i.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		i.logger.Error("container start failed", "job_id", ws.JobID, "error", err)
		return domain.InvocationResult{}, domain.NewJobError(domain.FailureLaunch, "transcoder container could not be started", 0)
	}

	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	statusCh, errCh := i.cli.ContainerWait(waitCtx, resp.ID, container.WaitConditionNotRunning)

	var exitCode int
	select {
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case err := <-errCh:
		elapsed := time.Since(start)
		diagnostics := scrubMounts(i.collectLogs(resp.ID))
		result := domain.InvocationResult{ExitCode: -1, Elapsed: elapsed, Diagnostics: diagnostics}
		if waitCtx.Err() == context.DeadlineExceeded {
			i.logger.Warn("container timed out", "job_id", ws.JobID, "deadline", deadline)
			return result, domain.NewJobError(domain.FailureTimeout, "transcoding exceeded its deadline", -1)
		}
		i.logger.Error("container wait failed", "job_id", ws.JobID, "error", err)
		return result, domain.NewJobError(domain.FailureLaunch, "transcoder container did not run to completion", -1)
	}

	elapsed := time.Since(start)
	diagnostics := scrubMounts(i.collectLogs(resp.ID))
	result := domain.InvocationResult{ExitCode: exitCode, Elapsed: elapsed, Diagnostics: diagnostics}

	if exitCode != 0 {
		i.logger.Warn("tool reported failure", "job_id", ws.JobID, "exit_code", exitCode)
		return result, domain.NewJobError(domain.FailureTool, diagnostics, exitCode)
	}

	hostArtifact := filepath.Join(ws.Path, artifactName)
	if _, err := os.Stat(hostArtifact); err != nil {
		return result, domain.NewJobError(domain.FailureTool, "no output artifact was produced", 0)
	}
	result.ArtifactPath = hostArtifact
	return result, nil
}

// scrubMounts strips the mount point from diagnostics; errors surfaced
// to callers must not reveal where the workspace is mounted.
func scrubMounts(diagnostics string) string {
	return strings.ReplaceAll(diagnostics, containerWorkdir, ".")
}

// collectLogs fetches a bounded stderr excerpt for diagnostics. Uses a
// fresh context so logs are still retrievable after a deadline kill.
func (i *Invoker) collectLogs(containerID string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rc, err := i.cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStderr: true, Tail: "200"})
	if err != nil {
		return ""
	}
	defer rc.Close()

	var buf bytes.Buffer
	_, _ = stdcopy.StdCopy(io.Discard, &buf, io.LimitReader(rc, maxDiagnostics))
	return buf.String()
}
