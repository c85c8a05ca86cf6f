/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/alexandremahdhaoui/winpxe/internal/runner"
	"github.com/google/uuid"
)

var (
	// ErrNoISOSelected is returned when a run is started without an ISO.
	ErrNoISOSelected = errors.New("please select an ISO file first")

	// ErrAlreadyRunning is returned when a run is started while another one
	// is in flight.
	ErrAlreadyRunning = errors.New("setup is already running")

	// ErrStepFailed is matched by every *StepError.
	ErrStepFailed = errors.New("setup step failed")

	// ErrAborted is returned when the run context is cancelled.
	ErrAborted = errors.New("setup aborted")
)

// State is the pipeline state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateSucceeded
	StateFailed
	StateAborted
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StateSucceeded:
		return "Succeeded"
	case StateFailed:
		return "Failed"
	case StateAborted:
		return "Aborted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether the state ends a run.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateAborted
}

// SetupContext is the operator selection a run works on.
type SetupContext struct {
	// ISOPath is the Windows installation ISO. Required.
	ISOPath string `json:"isoPath"`
	// InterfaceName is the interface dnsmasq binds to.
	InterfaceName string `json:"interfaceName"`
	// IPv4 is the address resolved for InterfaceName. It may hold
	// network.NoAddress and is used verbatim.
	IPv4 string `json:"ipv4"`
}

// Outcome is the result of a single step.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	// OutcomeIgnored marks a best-effort step that failed.
	OutcomeIgnored Outcome = "ignored"
	OutcomeAborted Outcome = "aborted"
)

// StepResult records a step execution.
type StepResult struct {
	Name     string
	Outcome  Outcome
	Duration time.Duration
	Err      error
}

// Report summarises a run.
type Report struct {
	RunID      uuid.UUID
	Context    SetupContext
	State      State
	FailedStep string
	Message    string
	Steps      []StepResult
	StartedAt  time.Time
	FinishedAt time.Time

	// ServiceActive is the status check result, nil when it did not run.
	ServiceActive *bool
}

// CommandError is a command that exited abnormally or with a nonzero status.
type CommandError struct {
	Command runner.Command
	Result  runner.Result
}

func (e *CommandError) Error() string {
	if e.Result.Crashed {
		return fmt.Sprintf("%s crashed", e.Command)
	}
	return fmt.Sprintf("%s exited with code %d", e.Command, e.Result.ExitCode)
}

// StepError is returned when a fatal step fails.
type StepError struct {
	Step    string
	Message string
	Err     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %s: %v", e.Step, e.Message, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Is matches ErrStepFailed.
func (e *StepError) Is(target error) bool { return target == ErrStepFailed }

// Crashed reports whether the failing command terminated abnormally.
func (e *StepError) Crashed() bool {
	var cmdErr *CommandError
	return errors.As(e.Err, &cmdErr) && cmdErr.Result.Crashed
}
