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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/alexandremahdhaoui/winpxe/internal/history"
	"github.com/alexandremahdhaoui/winpxe/internal/metrics"
	"github.com/alexandremahdhaoui/winpxe/internal/pipeline"
	"github.com/alexandremahdhaoui/winpxe/internal/status"
	"github.com/alexandremahdhaoui/winpxe/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/winpxe/pkg/network"
	"github.com/prometheus/client_golang/prometheus"
	flag "github.com/spf13/pflag"
	"golang.org/x/term"
)

var errUnknownInterface = errors.New("unknown network interface")

type setupOptions struct {
	commonOptions

	iso             string
	iface           string
	ipv4            string
	quiet           bool
	noHistory       bool
	metricsTextfile string
}

func cmdSetup(args []string) {
	var opts setupOptions
	fs := newFlagSet("setup", &opts.commonOptions)
	fs.StringVar(&opts.iso, "iso", "", "Windows installation ISO (required)")
	fs.StringVarP(&opts.iface, "interface", "i", "", "interface dnsmasq binds to (default: first interface that is up)")
	fs.StringVar(&opts.ipv4, "ip", "", "IPv4 address of the share host (default: the interface address)")
	fs.BoolVarP(&opts.quiet, "quiet", "q", false, "hide command output and show a progress bar")
	fs.BoolVar(&opts.noHistory, "no-history", false, "do not record the run")
	fs.StringVar(&opts.metricsTextfile, "metrics-textfile", "", "write run metrics to this file, overrides the config file")

	if code, done := parseFlags(fs, args); done {
		os.Exit(code)
	}

	cfg, logger, err := opts.load()
	if err != nil {
		os.Exit(fail("%v", err))
	}
	if opts.metricsTextfile != "" {
		cfg.MetricsTextfile = opts.metricsTextfile
	}

	gs := gracefulshutdown.New(Name)
	gs.Go(func(ctx context.Context) int {
		return runSetup(ctx, cfg, &opts, logger)
	})
	gs.Ready()
	gs.Wait()
	gs.Shutdown(gs.ExitCode())
}

func runSetup(ctx context.Context, cfg *Config, opts *setupOptions, logger *slog.Logger) int {
	sctx, err := resolveSetupContext(cfg, opts)
	if errors.Is(err, pipeline.ErrNoISOSelected) {
		return fail("%v (use --iso)", err)
	} else if err != nil {
		return fail("%v", err)
	}

	r, err := newRunner(ctx, cfg, logger)
	if err != nil {
		return fail("%v", err)
	}

	reg := prometheus.NewRegistry()
	m, err := metrics.NewPipeline(reg)
	if err != nil {
		return fail("%v", err)
	}

	var (
		sink io.Writer = os.Stdout
		disp *display
	)
	switch {
	case opts.quiet && isTerminal(os.Stderr):
		sink = io.Discard
		disp = newProgressDisplay(os.Stderr)
	case opts.quiet:
		sink = io.Discard
		disp = newTextDisplay(os.Stderr)
	default:
		disp = newTextDisplay(os.Stderr)
	}

	p := pipeline.New(r, cfg.Pipeline,
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(m),
		pipeline.WithObserver(disp),
		pipeline.WithStatusChecker(status.NewChecker(r, logger)),
	)

	report, err := p.Start(ctx, sctx, sink)
	disp.Close()
	if report == nil {
		if errors.Is(err, pipeline.ErrNoISOSelected) {
			return fail("%v (use --iso)", err)
		}
		return fail("%v", err)
	}

	if !opts.noHistory && cfg.HistoryPath != "" {
		if err := recordRun(context.WithoutCancel(ctx), cfg.HistoryPath, report); err != nil {
			logger.Warn("recording run history", "err", err)
		}
	}
	if cfg.MetricsTextfile != "" {
		if err := metrics.WriteTextfile(cfg.MetricsTextfile, reg); err != nil {
			logger.Warn("writing metrics", "err", err)
		}
	}

	fmt.Fprintln(os.Stdout, summary(report, err, cfg.Pipeline.DHCPService))
	return exitCode(report)
}

// resolveSetupContext picks the interface and its address. A remote target
// cannot be enumerated locally, so it requires --interface. A missing ISO is
// reported before any interface error.
func resolveSetupContext(cfg *Config, opts *setupOptions) (pipeline.SetupContext, error) {
	sctx := pipeline.SetupContext{
		ISOPath:       opts.iso,
		InterfaceName: opts.iface,
		IPv4:          opts.ipv4,
	}
	if sctx.ISOPath == "" {
		return sctx, pipeline.ErrNoISOSelected
	}

	if cfg.Remote != nil {
		if sctx.InterfaceName == "" {
			return sctx, errors.New("--interface is required with a remote host")
		}
		if sctx.IPv4 == "" {
			sctx.IPv4 = network.NoAddress
		}
		return sctx, nil
	}

	ifaces, err := network.ListInterfaces()
	if err != nil {
		return sctx, err
	}
	return selectInterface(sctx, ifaces)
}

func selectInterface(sctx pipeline.SetupContext, ifaces []network.NetworkInterface) (pipeline.SetupContext, error) {
	var iface network.NetworkInterface
	switch {
	case sctx.InterfaceName != "":
		var ok bool
		iface, ok = network.FindInterface(ifaces, sctx.InterfaceName)
		if !ok {
			return sctx, fmt.Errorf("%w: %s", errUnknownInterface, sctx.InterfaceName)
		}
	case len(ifaces) > 0:
		iface = ifaces[0]
	default:
		return sctx, fmt.Errorf("%w: no interface is up and running", errUnknownInterface)
	}

	sctx.InterfaceName = iface.Name
	if sctx.IPv4 == "" {
		sctx.IPv4 = network.PrimaryIPv4(iface)
	}
	return sctx, nil
}

func recordRun(ctx context.Context, path string, report *pipeline.Report) error {
	store, err := history.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	return store.Record(ctx, history.Record{
		RunID:         report.RunID.String(),
		State:         report.State.String(),
		FailedStep:    report.FailedStep,
		Message:       report.Message,
		ISOPath:       report.Context.ISOPath,
		Interface:     report.Context.InterfaceName,
		IPv4:          report.Context.IPv4,
		ServiceActive: report.ServiceActive,
		StartedAt:     report.StartedAt,
		FinishedAt:    report.FinishedAt,
	})
}

// summary is the final message of a run.
func summary(report *pipeline.Report, err error, service string) string {
	elapsed := formatDuration(report.Elapsed())
	unit := strings.ToUpper(service)

	switch report.State {
	case pipeline.StateSucceeded:
		switch {
		case report.ServiceActive == nil:
			return fmt.Sprintf("PXE Server setup completed in %s.", elapsed)
		case *report.ServiceActive:
			return fmt.Sprintf("PXE Server setup completed successfully!\n%s is running.", unit)
		default:
			return fmt.Sprintf("PXE Server setup completed but %s is not running.\nPlease check the system logs for details.", unit)
		}
	case pipeline.StateAborted:
		return fmt.Sprintf("Setup aborted after %s.", elapsed)
	}

	var stepErr *pipeline.StepError
	if errors.As(err, &stepErr) {
		if stepErr.Crashed() {
			return fmt.Sprintf("The setup process crashed! (step %s)", stepErr.Step)
		}
		var cmdErr *pipeline.CommandError
		if errors.As(err, &cmdErr) {
			return fmt.Sprintf("The setup process finished with exit code %d\n%s", cmdErr.Result.ExitCode, stepErr.Message)
		}
		return fmt.Sprintf("%s\n%v", stepErr.Message, stepErr.Err)
	}
	return fmt.Sprintf("Setup failed: %v", err)
}

func exitCode(report *pipeline.Report) int {
	switch report.State {
	case pipeline.StateSucceeded:
		if report.ServiceActive != nil && !*report.ServiceActive {
			return exitInactive
		}
		return exitOK
	case pipeline.StateAborted:
		return exitInterrupted
	default:
		return exitFailed
	}
}

// parseFlags parses args. done reports that the command must exit with code.
func parseFlags(fs *flag.FlagSet, args []string) (code int, done bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK, true
		}
		return exitUsage, true
	}
	return exitOK, false
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
