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

// Package pipeline sequences the privileged commands that turn a host into a
// PXE server for a Windows installation ISO.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/alexandremahdhaoui/winpxe/internal/metrics"
	"github.com/alexandremahdhaoui/winpxe/internal/runner"
	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// Observer receives step progress. Calls happen on the goroutine running the
// pipeline.
type Observer interface {
	StepStarted(index, total int, step Step)
	StepFinished(index, total int, result StepResult)
}

// StatusChecker reports whether a systemd unit is active.
type StatusChecker interface {
	IsServiceActive(ctx context.Context, name string) bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithClock sets the clock used for the status delay.
func WithClock(c clock.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithMetrics records step and run metrics into m.
func WithMetrics(m *metrics.Pipeline) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithObserver sets the step observer.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observer = o }
}

// WithStatusChecker enables the service status check after a successful run.
func WithStatusChecker(c StatusChecker) Option {
	return func(p *Pipeline) { p.checker = c }
}

// Pipeline runs the setup sequence. A Pipeline runs at most one setup at a
// time and may be started again once a run reached a terminal state.
type Pipeline struct {
	runner runner.Runner
	config Config
	steps  []Step

	logger   *slog.Logger
	clock    clock.Clock
	metrics  *metrics.Pipeline
	observer Observer
	checker  StatusChecker

	mu    sync.Mutex
	state State
}

// New returns an idle Pipeline issuing its commands through r.
func New(r runner.Runner, config Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		runner: r,
		config: config,
		steps:  steps(),
		logger: slog.Default(),
		clock:  clock.RealClock{},
		state:  StateIdle,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State returns the current state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Steps returns the names of the setup steps in execution order.
func (p *Pipeline) Steps() []string {
	names := make([]string, len(p.steps))
	for i, s := range p.steps {
		names[i] = s.Name
	}
	return names
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

func (p *Pipeline) begin(sctx SetupContext) error {
	if sctx.ISOPath == "" {
		return ErrNoISOSelected
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateIdle && !p.state.Terminal() {
		return ErrAlreadyRunning
	}
	p.state = StateRunning
	return nil
}

// Start runs the setup sequence for sctx, writing banners and command output
// to sink. It blocks until the run reaches a terminal state.
//
// Start returns ErrNoISOSelected or ErrAlreadyRunning without side effects and
// without a report. Otherwise the report is always returned; the error is a
// *StepError when a fatal step failed and wraps ErrAborted when ctx was
// cancelled.
func (p *Pipeline) Start(ctx context.Context, sctx SetupContext, sink io.Writer) (*Report, error) {
	if err := p.begin(sctx); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = io.Discard
	}

	report := &Report{
		RunID:     uuid.New(),
		Context:   sctx,
		State:     StateRunning,
		StartedAt: p.clock.Now(),
	}
	logger := p.logger.With("runID", report.RunID.String(), "iso", sctx.ISOPath, "interface", sctx.InterfaceName)
	logger.Info("starting setup")

	e := &execution{runner: p.runner, sink: sink, config: p.config, sctx: sctx}
	err := p.runSteps(ctx, e, report, logger)

	switch {
	case err == nil:
		report.State = StateSucceeded
		report.Message = fmt.Sprintf("Setup completed. Checking %s status...", p.config.DHCPService)
		fmt.Fprintln(sink, "\n"+report.Message)
	case errors.Is(err, ErrAborted):
		report.State = StateAborted
		report.Message = "Setup aborted."
		fmt.Fprintln(sink, report.Message)
	default:
		report.State = StateFailed
	}
	report.FinishedAt = p.clock.Now()

	p.setState(report.State)
	p.metrics.ObserveRun(report.State.String())
	logger.Info("setup finished", "state", report.State.String(), "duration", report.FinishedAt.Sub(report.StartedAt))

	if report.State == StateSucceeded {
		report.ServiceActive = p.checkStatus(ctx, logger)
	}

	return report, err
}

func (p *Pipeline) runSteps(ctx context.Context, e *execution, report *Report, logger *slog.Logger) error {
	total := len(p.steps)
	for i, step := range p.steps {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: before step %s: %w", ErrAborted, step.Name, context.Cause(ctx))
		}

		if p.observer != nil {
			p.observer.StepStarted(i, total, step)
		}
		fmt.Fprintln(e.sink, step.Banner)

		start := p.clock.Now()
		err := step.Run(ctx, e)
		result := StepResult{Name: step.Name, Duration: p.clock.Since(start), Err: err}

		var ret error
		switch {
		case ctx.Err() != nil:
			result.Outcome = OutcomeAborted
			ret = fmt.Errorf("%w: during step %s: %w", ErrAborted, step.Name, context.Cause(ctx))
		case err == nil:
			result.Outcome = OutcomeSucceeded
		case !step.Fatal:
			result.Outcome = OutcomeIgnored
			logger.Warn("best-effort step failed", "step", step.Name, "err", err)
			fmt.Fprintf(e.sink, "Warning: %v\n", err)
		default:
			result.Outcome = OutcomeFailed
			fmt.Fprintln(e.sink, step.FailureMessage)
			logger.Error("setup step failed", "step", step.Name, "err", err)
			if step.UnmountOnFailure {
				if uerr := e.unmount(ctx); uerr != nil {
					logger.Warn("unmounting ISO after failure", "err", uerr)
				}
			}
			report.FailedStep = step.Name
			report.Message = step.FailureMessage
			ret = &StepError{Step: step.Name, Message: step.FailureMessage, Err: err}
		}

		report.Steps = append(report.Steps, result)
		p.metrics.ObserveStep(step.Name, string(result.Outcome), result.Duration)
		if p.observer != nil {
			p.observer.StepFinished(i, total, result)
		}
		if ret != nil {
			return ret
		}
	}
	return nil
}

// checkStatus waits for the status delay and queries the DHCP service. It
// returns nil when no checker is configured or ctx is done.
func (p *Pipeline) checkStatus(ctx context.Context, logger *slog.Logger) *bool {
	if p.checker == nil {
		return nil
	}

	if p.config.StatusDelay > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-p.clock.After(p.config.StatusDelay):
		}
	}

	active := p.checker.IsServiceActive(ctx, p.config.DHCPService)
	if active {
		logger.Info("service is running", "service", p.config.DHCPService)
	} else {
		logger.Warn("service is not running", "service", p.config.DHCPService)
	}
	return &active
}

// Elapsed returns the wall duration of the run.
func (r *Report) Elapsed() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
