// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"os"
	"time"

	"github.com/alexandremahdhaoui/winpxe/internal/runner"
	"github.com/alexandremahdhaoui/winpxe/pkg/execcontext"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/sync/errgroup"
)

const (
	dialTimeout = 10 * time.Second
	// waitDelay is how long a signalled remote command gets before the
	// connection is torn down.
	waitDelay = 5 * time.Second
)

// Client runs commands on a remote host over SSH.
type Client struct {
	Host       string
	User       string
	PrivateKey []byte
	Port       string

	// KnownHostsPath enables host key verification. When empty, host keys are
	// not verified.
	KnownHostsPath string

	execCtx execcontext.Context
}

// NewClient creates a new SSH client.
func NewClient(host, user, privateKeyPath, port string, execCtx execcontext.Context) (*Client, error) {
	key, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}

	if execCtx == nil {
		execCtx = execcontext.New(nil, nil)
	}

	return &Client{
			Host:       host,
			User:       user,
			PrivateKey: key,
			Port:       port,
			execCtx:    execCtx,
		},
		nil
}

func (c *Client) clientConfig() (*ssh.ClientConfig, error) {
	signer, err := ssh.ParsePrivateKey(c.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("unable to parse private key: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("unable to load known hosts: %w", err)
		}
	} else {
		slog.Warn("ssh host key verification disabled", "host", c.Host)
	}

	return &ssh.ClientConfig{
		User: c.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: hostKeyCallback,
		Timeout:         dialTimeout,
	}, nil
}

func (c *Client) dial(ctx context.Context) (*ssh.Client, error) {
	config, err := c.clientConfig()
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(c.Host, c.Port)
	d := net.Dialer{Timeout: dialTimeout}
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to %s: %w", addr, err)
	}

	conn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("unable to establish SSH connection to %s: %w", addr, err)
	}

	return ssh.NewClient(conn, chans, reqs), nil
}

// Run implements runner.Runner. The command line is rendered with the client
// exec context, privilege prefix included, and run by the remote shell.
func (c *Client) Run(ctx context.Context, cmd runner.Command, sink io.Writer) (runner.Result, error) {
	if sink == nil {
		sink = io.Discard
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return runner.Result{ExitCode: -1}, fmt.Errorf("%w: %v", runner.ErrTransport, err)
	}
	defer runFuncAndLogErr(conn.Close)

	session, err := conn.NewSession()
	if err != nil {
		return runner.Result{ExitCode: -1}, fmt.Errorf("%w: unable to create SSH session: %v", runner.ErrTransport, err)
	}
	defer runFuncAndLogErr(session.Close)

	pr, pw := io.Pipe()
	session.Stdout = pw
	session.Stderr = pw
	session.Stdin = cmd.Stdin

	line := execcontext.FormatCmd(c.commandContext(cmd), append([]string{cmd.Name}, cmd.Args...)...)
	slog.Debug("running remote command", "host", c.Host, "command", line)

	if err := session.Start(line); err != nil {
		_ = pw.Close()
		return runner.Result{ExitCode: -1}, fmt.Errorf("%w: %s: %v", runner.ErrStartCommand, cmd, err)
	}

	done := make(chan struct{})
	var (
		g       errgroup.Group
		waitErr error
	)
	g.Go(func() error {
		defer close(done)
		waitErr = session.Wait()
		return pw.Close()
	})
	g.Go(func() error {
		select {
		case <-done:
		case <-ctx.Done():
			_ = session.Signal(ssh.SIGTERM)
			select {
			case <-done:
			case <-time.After(waitDelay):
				_ = conn.Close()
			}
		}
		return nil
	})

	output := runner.Pump(pr, sink)
	_ = g.Wait()

	res, err := resultFromWait(waitErr, output)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	if err != nil {
		return res, fmt.Errorf("%w: %s: %v", runner.ErrTransport, cmd, err)
	}

	return res, nil
}

func resultFromWait(waitErr error, output []byte) (runner.Result, error) {
	res := runner.Result{Output: output}

	var exitErr *ssh.ExitError
	var missingErr *ssh.ExitMissingError
	switch {
	case waitErr == nil:
		return res, nil
	case errors.As(waitErr, &exitErr):
		if exitErr.Signal() != "" {
			res.ExitCode = -1
			res.Crashed = true
			return res, nil
		}
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	case errors.As(waitErr, &missingErr):
		res.ExitCode = -1
		res.Crashed = true
		return res, nil
	default:
		res.ExitCode = -1
		return res, waitErr
	}
}

func (c *Client) commandContext(cmd runner.Command) execcontext.Context {
	if len(cmd.Env) == 0 {
		return c.execCtx
	}
	envs := c.execCtx.Envs()
	maps.Copy(envs, cmd.Env)
	return execcontext.New(envs, c.execCtx.PrependCmd())
}

// AwaitServer waits for the SSH server to accept a connection.
func (c *Client) AwaitServer(ctx context.Context, timeout time.Duration) error {
	addr := net.JoinHostPort(c.Host, c.Port)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		conn, err := c.dial(ctx)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		slog.Debug("ssh server not available yet", "addr", addr, "err", err.Error())

		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for SSH server at %s: %w", addr, err)
		case <-tick.C:
		}
	}
}

func runFuncAndLogErr(f func() error) {
	if err := f(); err != nil && !errors.Is(err, io.EOF) {
		slog.Debug("error closing ssh session or connection", "err", err.Error())
	}
}
