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

// Package status checks the health of a configured PXE server.
package status

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/alexandremahdhaoui/winpxe/internal/runner"
	"github.com/pin/tftp/v3"
)

// ErrProbe is returned when a TFTP download fails.
var ErrProbe = errors.New("tftp probe failed")

// DefaultProbeTimeout bounds a TFTP probe when ctx carries no deadline.
const DefaultProbeTimeout = 5 * time.Second

// Checker queries systemd through a runner.
type Checker struct {
	runner runner.Runner
	logger *slog.Logger
}

// NewChecker returns a Checker issuing its commands through r.
func NewChecker(r runner.Runner, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{runner: r, logger: logger}
}

// IsServiceActive runs "systemctl is-active --quiet <name>". Only a normal
// exit with status 0 counts as active; any failure to run the check counts
// as inactive.
func (c *Checker) IsServiceActive(ctx context.Context, name string) bool {
	res, err := c.runner.Run(ctx, runner.Command{
		Name: "systemctl",
		Args: []string{"is-active", "--quiet", name},
	}, io.Discard)
	if err != nil {
		c.logger.Warn("checking service status", "service", name, "err", err)
		return false
	}
	return res.Success()
}

// ProbeTFTP downloads filename from the TFTP server at addr and returns the
// number of bytes received.
func ProbeTFTP(ctx context.Context, addr, filename string) (int64, error) {
	timeout := DefaultProbeTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return 0, fmt.Errorf("%w: %w", ErrProbe, context.DeadlineExceeded)
		}
	}

	client, err := tftp.NewClient(addr)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrProbe, addr, err)
	}
	client.SetTimeout(timeout)
	client.SetRetries(1)

	type result struct {
		n   int64
		err error
	}
	done := make(chan result, 1)
	go func() {
		wt, err := client.Receive(filename, "octet")
		if err != nil {
			done <- result{err: err}
			return
		}
		n, err := wt.WriteTo(io.Discard)
		done <- result{n: n, err: err}
	}()

	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%w: %w", ErrProbe, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return r.n, fmt.Errorf("%w: %s from %s: %w", ErrProbe, filename, addr, r.err)
		}
		return r.n, nil
	}
}
