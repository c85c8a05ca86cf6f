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

package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/alexandremahdhaoui/winpxe/pkg/execcontext"
	"golang.org/x/sync/errgroup"
)

// DefaultWaitDelay is how long a terminated command gets to exit before it is
// killed.
const DefaultWaitDelay = 5 * time.Second

var _ Runner = &Local{}

// Local runs commands on this host.
type Local struct {
	execCtx   execcontext.Context
	waitDelay time.Duration
	logger    *slog.Logger
}

// NewLocal returns a Local runner applying execCtx to every command.
func NewLocal(execCtx execcontext.Context, logger *slog.Logger) *Local {
	if execCtx == nil {
		execCtx = execcontext.New(nil, nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		execCtx:   execCtx,
		waitDelay: DefaultWaitDelay,
		logger:    logger,
	}
}

// WithWaitDelay sets the grace period between SIGTERM and SIGKILL on
// cancellation.
func (l *Local) WithWaitDelay(d time.Duration) *Local {
	l.waitDelay = d
	return l
}

// Run implements Runner.
func (l *Local) Run(ctx context.Context, c Command, sink io.Writer) (Result, error) {
	if sink == nil {
		sink = io.Discard
	}

	execCtx := l.commandContext(c)
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	execcontext.ApplyToCmd(execCtx, cmd)
	cmd.Stdin = c.Stdin
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = l.waitDelay

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	l.logger.Debug("running command", "argv", execcontext.Argv(execCtx, c.Name, c.Args...))

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return Result{ExitCode: -1}, fmt.Errorf("%w: %s: %v", ErrStartCommand, c, err)
	}

	var (
		g       errgroup.Group
		waitErr error
	)
	g.Go(func() error {
		waitErr = cmd.Wait()
		return pw.Close()
	})

	output := Pump(pr, sink)
	_ = g.Wait()

	res := resultFromState(cmd.ProcessState, output)
	l.logger.Debug("command finished",
		"command", c.String(),
		"exitCode", res.ExitCode,
		"crashed", res.Crashed)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	if waitErr != nil && cmd.ProcessState == nil {
		return res, fmt.Errorf("%w: %s: %v", ErrStartCommand, c, waitErr)
	}

	return res, nil
}

func (l *Local) commandContext(c Command) execcontext.Context {
	if len(c.Env) == 0 {
		return l.execCtx
	}
	envs := l.execCtx.Envs()
	maps.Copy(envs, c.Env)
	return execcontext.New(envs, l.execCtx.PrependCmd())
}

func resultFromState(state *os.ProcessState, output []byte) Result {
	res := Result{ExitCode: -1, Output: output}
	if state == nil {
		return res
	}
	res.ExitCode = state.ExitCode()
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		res.Crashed = true
	}
	return res
}
