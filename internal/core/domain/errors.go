package domain

import "fmt"

// FailureKind classifies the four ways a job can fail. It is the only
// error detail exposed to callers besides a bounded diagnostic excerpt.
type FailureKind string

const (
	// FailureResourceExhaustion: workspace storage could not be allocated.
	FailureResourceExhaustion FailureKind = "resource_exhaustion"
	// FailureLaunch: the external tool could not be started at all.
	FailureLaunch FailureKind = "launch_failure"
	// FailureTool: the tool ran and reported failure, or produced no artifact.
	FailureTool FailureKind = "tool_error"
	// FailureTimeout: the deadline expired and the tool was terminated.
	FailureTimeout FailureKind = "timed_out"
)

// TerminalPhase maps a failure kind to the job phase it ends in.
func (k FailureKind) TerminalPhase() JobPhase {
	if k == FailureTimeout {
		return PhaseTimedOut
	}
	return PhaseFailed
}

// JobError is the structured failure attached to a job's terminal state.
// Detail is a bounded excerpt of the tool's diagnostics and must never
// contain internal filesystem paths.
type JobError struct {
	Kind     FailureKind `json:"kind"`
	Detail   string      `json:"detail,omitempty"`
	ExitCode int         `json:"exit_code,omitempty"`
}

func (e *JobError) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

const maxDiagnosticLen = 4096

// NewJobError builds a JobError, truncating the diagnostic excerpt.
func NewJobError(kind FailureKind, detail string, exitCode int) *JobError {
	if len(detail) > maxDiagnosticLen {
		detail = detail[:maxDiagnosticLen] + "\n... (diagnostics truncated at 4KB)"
	}
	return &JobError{Kind: kind, Detail: detail, ExitCode: exitCode}
}
