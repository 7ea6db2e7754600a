package domain

import (
	"errors"
	"fmt"
	"time"
)

type JobID string

type JobPhase string

const (
	PhaseReceived       JobPhase = "received"
	PhaseWorkspaceReady JobPhase = "workspace_ready"
	PhaseRunning        JobPhase = "running"
	PhaseSucceeded      JobPhase = "succeeded"
	PhaseFailed         JobPhase = "failed"
	PhaseTimedOut       JobPhase = "timed_out"
)

// phaseRank orders phases so transitions can only move forward.
// Terminal phases share a rank: once reached, no further moves.
var phaseRank = map[JobPhase]int{
	PhaseReceived:       0,
	PhaseWorkspaceReady: 1,
	PhaseRunning:        2,
	PhaseSucceeded:      3,
	PhaseFailed:         3,
	PhaseTimedOut:       3,
}

// IsTerminal reports whether the phase ends the job's lifecycle.
func (p JobPhase) IsTerminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed || p == PhaseTimedOut
}

// Job is one request-scoped unit of media-processing work. It is owned
// exclusively by the orchestrator from intake until its terminal phase.
type Job struct {
	ID         JobID         `json:"id"`
	Phase      JobPhase      `json:"phase"`
	InputName  string        `json:"input_name"`
	OutputName string        `json:"output_name"`
	Error      *JobError     `json:"error,omitempty"`
	Elapsed    time.Duration `json:"elapsed_ns,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

var ErrJobNotFound = errors.New("job not found")

// NewJob creates a job in the received phase.
func NewJob(id JobID, inputName, outputName string) Job {
	now := time.Now().UTC()
	return Job{
		ID:         id,
		Phase:      PhaseReceived,
		InputName:  inputName,
		OutputName: outputName,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Advance moves the job to the next phase. A job never revisits a phase,
// and terminal phases are final.
func (j *Job) Advance(next JobPhase) error {
	from, ok := phaseRank[j.Phase]
	if !ok {
		return fmt.Errorf("unknown phase %q", j.Phase)
	}
	to, ok := phaseRank[next]
	if !ok {
		return fmt.Errorf("unknown phase %q", next)
	}
	if j.Phase.IsTerminal() || to <= from {
		return fmt.Errorf("illegal transition %s -> %s", j.Phase, next)
	}
	j.Phase = next
	j.UpdatedAt = time.Now().UTC()
	return nil
}
