package domain

import "time"

// InvocationResult is the outcome of one external-tool run. It is
// produced by an invoker and consumed exactly once by the orchestrator.
type InvocationResult struct {
	ExitCode     int
	Elapsed      time.Duration
	Diagnostics  string // bounded stderr excerpt
	ArtifactPath string // inside the workspace; empty when nothing was produced
}
