package pipeline

import (
	"time"

	"github.com/mattjoyce/evexec/internal/executor"
)

// Policy decides what a non-zero exit status means for the rest of a run.
type Policy int

const (
	// Continue records the failure and runs the next step anyway.
	Continue Policy = iota
	// Abort skips every remaining step of the run.
	Abort
)

func (p Policy) String() string {
	if p == Abort {
		return "abort"
	}
	return "continue"
}

// Step is one named external command in a pipeline.
type Step struct {
	Name    string
	Command executor.Command
	Policy  Policy
	// Attempts is how many times a failing command is tried. Values below 2
	// mean a single attempt.
	Attempts int
	// Probe steps only answer a yes/no question. Their exit status is never a
	// failure and never aborts a run.
	Probe bool
}

// StepResult records the outcome of one step.
type StepResult struct {
	Name     string        `json:"name"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	Skipped  bool          `json:"skipped,omitempty"`
	Probe    bool          `json:"probe,omitempty"`
}

// Failed reports whether the step ran and did not succeed.
func (r StepResult) Failed() bool {
	return !r.Skipped && !r.Probe && r.ExitCode != executor.SuccessExitCode
}

// Report is the transient record of one pipeline run. It is logged and
// published, never stored.
type Report struct {
	RunID    string        `json:"run_id"`
	Kind     Kind          `json:"kind"`
	Key      string        `json:"participant"`
	Steps    []StepResult  `json:"steps"`
	Aborted  bool          `json:"aborted"`
	Duration time.Duration `json:"duration"`
}

// Succeeded is true when no executed step failed.
func (r Report) Succeeded() bool {
	if r.Aborted {
		return false
	}
	for _, s := range r.Steps {
		if s.Failed() {
			return false
		}
	}
	return true
}

// StepNames lists the steps that actually executed, in order.
func (r Report) StepNames() []string {
	names := make([]string, 0, len(r.Steps))
	for _, s := range r.Steps {
		if !s.Skipped {
			names = append(names, s.Name)
		}
	}
	return names
}
