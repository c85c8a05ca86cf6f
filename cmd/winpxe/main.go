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

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/alexandremahdhaoui/winpxe/internal/runner"
	"github.com/alexandremahdhaoui/winpxe/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/winpxe/internal/util/logging"
	"github.com/alexandremahdhaoui/winpxe/internal/util/ssh"
	"github.com/alexandremahdhaoui/winpxe/pkg/execcontext"
	flag "github.com/spf13/pflag"
)

const (
	Name = "winpxe"

	exitOK          = 0
	exitFailed      = 1
	exitUsage       = 2
	exitInactive    = 3
	exitInterrupted = gracefulshutdown.ExitCodeInterrupted
)

func usage(w io.Writer) {
	fmt.Fprintf(w, `Usage: %[1]s <command> [options]

Turns this host into a PXE server that boots WinPE and installs Windows from
a Samba share populated from an installation ISO.

Commands:
  setup        Run the setup pipeline
  interfaces   List the network interfaces that are up and running
  status       Check the DHCP service and optionally probe the TFTP server
  history      List previous setup runs

Environment Variables:
  %[2]s   Config file (default: %[3]s when present)
  WINPXE_LOG_LEVEL     debug, info, warn or error
  WINPXE_SSH_HOST      Run the commands on a remote host over SSH

Examples:
  %[1]s interfaces
  %[1]s setup --iso /isos/Win11_23H2.iso --interface eth0
  %[1]s status --tftp 192.168.1.10:69
  %[1]s history --limit 5

Run '%[1]s <command> --help' for the options of a command.
`, Name, ConfigPathEnvKey, DefaultConfigPath)
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(exitUsage)
	}

	command, args := os.Args[1], os.Args[2:]
	switch command {
	case "setup":
		cmdSetup(args)
	case "interfaces":
		os.Exit(cmdInterfaces(args, os.Stdout))
	case "status":
		os.Exit(cmdStatus(args, os.Stdout))
	case "history":
		os.Exit(cmdHistory(args, os.Stdout))
	case "-h", "--help", "help":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		usage(os.Stderr)
		os.Exit(exitUsage)
	}
}

// commonOptions are accepted by every command.
type commonOptions struct {
	configPath string
	logLevel   string
}

func newFlagSet(command string, opts *commonOptions) *flag.FlagSet {
	fs := flag.NewFlagSet(Name+" "+command, flag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", os.Getenv(ConfigPathEnvKey), "path to the YAML config file")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level, overrides the config file")
	return fs
}

// load reads the configuration and installs the logger.
func (o *commonOptions) load() (*Config, *slog.Logger, error) {
	cfg, err := LoadConfig(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	logger := logging.Setup(logging.Options{
		Development: cfg.DevelopmentMode,
		Level:       level,
		Output:      os.Stderr,
	})
	return cfg, logger, nil
}

// newRunner returns the runner the commands go through: the local host, or
// the configured remote host over SSH once it accepts connections.
func newRunner(ctx context.Context, cfg *Config, logger *slog.Logger) (runner.Runner, error) {
	var execCtx execcontext.Context
	if cfg.Sudo {
		execCtx = execcontext.Sudo(cfg.Env)
	} else {
		execCtx = execcontext.New(cfg.Env, nil)
	}

	if cfg.Remote == nil {
		return runner.NewLocal(execCtx, logger), nil
	}

	port := cfg.Remote.Port
	if port == 0 {
		port = 22
	}
	client, err := ssh.NewClient(cfg.Remote.Host, cfg.Remote.User, cfg.Remote.PrivateKeyPath, strconv.Itoa(port), execCtx)
	if err != nil {
		return nil, fmt.Errorf("creating ssh client for %s: %w", cfg.Remote.Host, err)
	}
	client.KnownHostsPath = cfg.Remote.KnownHostsPath

	timeout := cfg.Remote.connectTimeout()
	logger.Info("waiting for remote host", "host", cfg.Remote.Host, "port", port, "timeout", timeout)
	if err := client.AwaitServer(ctx, timeout); err != nil {
		return nil, err
	}

	logger.Info("running commands on remote host", "host", cfg.Remote.Host, "user", cfg.Remote.User)
	return client, nil
}

func fail(format string, args ...any) int {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	return exitFailed
}
