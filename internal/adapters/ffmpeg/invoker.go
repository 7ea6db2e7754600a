package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/telchar/muxd/internal/core/domain"
	"github.com/telchar/muxd/internal/core/ports"
)

const (
	// ArtifactName is the fixed output path inside every workspace; the
	// orchestrator moves it out before the workspace is released.
	ArtifactName = "output.mkv"

	maxDiagnostics = 8192
)

// Invoker runs the transcoding tool as a local child process rooted at
// the job's workspace, under a wall-clock deadline. It never retries;
// retry policy belongs to the caller.
type Invoker struct {
	logger     *slog.Logger
	toolPath   string
	extraArgs  []string
	onProgress ports.ProgressFunc
}

var _ ports.Invoker = (*Invoker)(nil)

func NewInvoker(logger *slog.Logger, toolPath string, extraArgs []string, onProgress ports.ProgressFunc) *Invoker {
	return &Invoker{
		logger:     logger,
		toolPath:   toolPath,
		extraArgs:  extraArgs,
		onProgress: onProgress,
	}
}

// ResolveToolPath prefers a tool binary shipped next to the process over
// a $PATH lookup, so a bundled build wins inside the container image.
func ResolveToolPath(name string) string {
	wd, err := os.Getwd()
	if err == nil {
		local := filepath.Join(wd, name)
		if info, err := os.Stat(local); err == nil && !info.IsDir() {
			return local
		}
	}
	if resolved, err := exec.LookPath(name); err == nil {
		return resolved
	}
	return name
}

// Run launches one invocation. Output artifacts are written into the
// workspace only; the deadline is enforced by killing the child.
func (i *Invoker) Run(ctx context.Context, ws domain.Workspace, inputPath string, deadline time.Duration) (domain.InvocationResult, error) {
	outputPath := filepath.Join(ws.Path, ArtifactName)

	args := []string{"-y", "-i", inputPath}
	args = append(args, i.extraArgs...)
	args = append(args, outputPath)

	execCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	cmd := exec.CommandContext(execCtx, i.toolPath, args...)
	cmd.Dir = ws.Path

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return domain.InvocationResult{}, domain.NewJobError(domain.FailureLaunch, "failed to attach to tool diagnostics", 0)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		i.logger.Error("tool launch failed", "job_id", ws.JobID, "error", err)
		return domain.InvocationResult{}, domain.NewJobError(domain.FailureLaunch, "transcoding tool could not be started", 0)
	}

	diagnostics := scrubPaths(i.pumpStderr(ws.JobID, stderr), ws.Path)
	waitErr := cmd.Wait()
	elapsed := time.Since(start)

	result := domain.InvocationResult{
		ExitCode:    cmd.ProcessState.ExitCode(),
		Elapsed:     elapsed,
		Diagnostics: diagnostics,
	}

	if execCtx.Err() == context.DeadlineExceeded {
		i.logger.Warn("tool timed out", "job_id", ws.JobID, "deadline", deadline)
		return result, domain.NewJobError(domain.FailureTimeout, "transcoding exceeded its deadline", result.ExitCode)
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			i.logger.Warn("tool reported failure", "job_id", ws.JobID, "exit_code", result.ExitCode)
			return result, domain.NewJobError(domain.FailureTool, diagnostics, result.ExitCode)
		}
		return result, domain.NewJobError(domain.FailureLaunch, "transcoding tool did not run to completion", result.ExitCode)
	}

	if _, err := os.Stat(outputPath); err != nil {
		i.logger.Warn("tool exited clean but produced no artifact", "job_id", ws.JobID)
		return result, domain.NewJobError(domain.FailureTool, "no output artifact was produced", 0)
	}

	result.ArtifactPath = outputPath
	return result, nil
}

// scrubPaths strips the workspace location from diagnostics; errors
// surfaced to callers must never reveal the host filesystem layout.
func scrubPaths(diagnostics, root string) string {
	if root == "" {
		return diagnostics
	}
	return strings.ReplaceAll(diagnostics, root, ".")
}

// pumpStderr reads the tool's diagnostics to completion, deriving
// progress from duration/position lines and keeping a bounded excerpt.
func (i *Invoker) pumpStderr(jobID domain.JobID, r io.Reader) string {
	var buf bytes.Buffer
	var totalSeconds float64
	lastPercent := -1

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	scanner.Split(scanCRLines)
	for scanner.Scan() {
		line := scanner.Text()

		if totalSeconds == 0 {
			if d, ok := parseDurationLine(line); ok {
				totalSeconds = d
			}
		}
		if current, ok := parseTimeLine(line); ok && i.onProgress != nil {
			if p := percent(current, totalSeconds); p > lastPercent {
				lastPercent = p
				i.onProgress(jobID, p)
			}
		}

		if buf.Len() < maxDiagnostics {
			buf.WriteString(line)
			buf.WriteByte('\n')
		}
	}
	// A token past the scanner's cap stops the scan; keep draining so
	// the child never blocks on a full stderr pipe.
	if scanner.Err() != nil {
		_, _ = io.Copy(io.Discard, r)
	}
	return buf.String()
}

// scanCRLines splits on \n or \r; the tool rewrites its progress line
// with bare carriage returns.
func scanCRLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if idx := bytes.IndexAny(data, "\r\n"); idx >= 0 {
		return idx + 1, data[:idx], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
