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
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alexandremahdhaoui/winpxe/internal/history"
	"github.com/alexandremahdhaoui/winpxe/internal/status"
	"github.com/alexandremahdhaoui/winpxe/pkg/network"
	"github.com/dustin/go-humanize"
)

func cmdInterfaces(args []string, w io.Writer) int {
	var opts commonOptions
	fs := newFlagSet("interfaces", &opts)
	if code, done := parseFlags(fs, args); done {
		return code
	}

	ifaces, err := network.ListInterfaces()
	if err != nil {
		return fail("%v", err)
	}
	printInterfaces(w, ifaces)
	return exitOK
}

func printInterfaces(w io.Writer, ifaces []network.NetworkInterface) {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "NAME\tIPV4\tADDRESSES")
	for _, iface := range ifaces {
		addrs := make([]string, len(iface.Addresses))
		for i, a := range iface.Addresses {
			addrs[i] = a.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", iface.Name, network.PrimaryIPv4(iface), strings.Join(addrs, ","))
	}
	_ = tw.Flush()
}

type statusOptions struct {
	commonOptions

	service  string
	tftpAddr string
	file     string
	timeout  time.Duration
}

func cmdStatus(args []string, w io.Writer) int {
	var opts statusOptions
	fs := newFlagSet("status", &opts.commonOptions)
	fs.StringVar(&opts.service, "service", "", "systemd unit to check (default: the configured DHCP service)")
	fs.StringVar(&opts.tftpAddr, "tftp", "", "also download a file from the TFTP server at this address")
	fs.StringVar(&opts.file, "file", network.DefaultBootFilename, "file to download with --tftp")
	fs.DurationVar(&opts.timeout, "timeout", 10*time.Second, "overall timeout")
	if code, done := parseFlags(fs, args); done {
		return code
	}

	cfg, logger, err := opts.load()
	if err != nil {
		return fail("%v", err)
	}
	if opts.service == "" {
		opts.service = cfg.Pipeline.DHCPService
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	r, err := newRunner(ctx, cfg, logger)
	if err != nil {
		return fail("%v", err)
	}

	code := exitOK
	if status.NewChecker(r, logger).IsServiceActive(ctx, opts.service) {
		fmt.Fprintf(w, "%s: active\n", opts.service)
	} else {
		fmt.Fprintf(w, "%s: inactive\n", opts.service)
		code = exitInactive
	}

	if opts.tftpAddr != "" {
		start := time.Now()
		n, err := status.ProbeTFTP(ctx, opts.tftpAddr, opts.file)
		if err != nil {
			fmt.Fprintf(w, "tftp %s: %v\n", opts.tftpAddr, err)
			return exitFailed
		}
		fmt.Fprintf(w, "tftp %s: %s (%s) in %s\n", opts.tftpAddr, opts.file, humanize.Bytes(uint64(n)), formatDuration(time.Since(start)))
	}
	return code
}

func cmdHistory(args []string, w io.Writer) int {
	var opts commonOptions
	var limit int
	fs := newFlagSet("history", &opts)
	fs.IntVarP(&limit, "limit", "n", 20, "number of runs to show, 0 for all")
	if code, done := parseFlags(fs, args); done {
		return code
	}

	cfg, _, err := opts.load()
	if err != nil {
		return fail("%v", err)
	}
	if cfg.HistoryPath == "" {
		return fail("history is disabled (historyPath is empty)")
	}

	store, err := history.Open(cfg.HistoryPath)
	if err != nil {
		return fail("%v", err)
	}
	defer func() { _ = store.Close() }()

	records, err := store.List(context.Background(), limit)
	if err != nil {
		return fail("%v", err)
	}
	printHistory(w, records, time.Now())
	return exitOK
}

func printHistory(w io.Writer, records []history.Record, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tSTARTED\tDURATION\tSTATE\tFAILED STEP\tINTERFACE\tISO")
	for _, rec := range records {
		failed := rec.FailedStep
		if failed == "" {
			failed = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(rec.RunID),
			humanize.RelTime(rec.StartedAt, now, "ago", "from now"),
			formatDuration(rec.Duration()),
			rec.State,
			failed,
			rec.Interface,
			rec.ISOPath,
		)
	}
	_ = tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
