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

// Command winpxe-tftp serves the TFTP root prepared by "winpxe setup" when
// dnsmasq's built-in TFTP server is not used.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/alexandremahdhaoui/winpxe/internal/driver/tftp"
	"github.com/alexandremahdhaoui/winpxe/internal/metrics"
	"github.com/alexandremahdhaoui/winpxe/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/winpxe/internal/util/httputil"
	"github.com/alexandremahdhaoui/winpxe/internal/util/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

const (
	Name = "winpxe-tftp"
)

// Config is read from the environment.
type Config struct {
	Server         *tftp.ServerConfig
	MetricsAddress string
	LogLevel       slog.Level
	Development    bool
}

func loadConfig() (*Config, error) {
	var errs []error

	config := &Config{
		Server:         tftp.NewDefaultConfig(),
		MetricsAddress: getEnv("WINPXE_TFTP_METRICS_ADDRESS", ":9169"),
		Development:    getEnv("WINPXE_DEV_MODE", "") == "true",
	}
	config.Server.Address = getEnv("WINPXE_TFTP_ADDRESS", config.Server.Address)
	config.Server.RootDir = getEnv("WINPXE_TFTP_ROOT_DIR", config.Server.RootDir)

	if val := os.Getenv("WINPXE_TFTP_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			errs = append(errs, fmt.Errorf("WINPXE_TFTP_TIMEOUT: %w", err))
		}
		config.Server.Timeout = d
	}
	if val := os.Getenv("WINPXE_TFTP_RETRIES"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			errs = append(errs, fmt.Errorf("WINPXE_TFTP_RETRIES: %w", err))
		}
		config.Server.Retries = n
	}

	level, err := logging.ParseLevel(getEnv("WINPXE_LOG_LEVEL", "info"))
	if err != nil {
		errs = append(errs, err)
	}
	config.LogLevel = level

	return config, errors.Join(errs...)
}

func main() {
	config, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logger := logging.Setup(logging.Options{
		Development: config.Development,
		Level:       config.LogLevel,
		Output:      os.Stderr,
	})

	logger.Info("TFTP server configuration",
		"address", config.Server.Address,
		"rootDir", config.Server.RootDir,
		"metricsAddress", config.MetricsAddress)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.NewTFTP(reg)
	if err != nil {
		logger.Error("Failed to register metrics", "error", err)
		os.Exit(1)
	}

	server, err := tftp.New(config.Server, logger, tftp.WithMetrics(m))
	if err != nil {
		logger.Error("Failed to create TFTP server", "error", err)
		os.Exit(1)
	}

	gs := gracefulshutdown.New(Name)
	gs.Go(func(ctx context.Context) int {
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return server.Start(ctx)
		})
		if config.MetricsAddress != "" {
			g.Go(func() error {
				return httputil.ListenAndServe(ctx, httputil.MetricsServer(config.MetricsAddress, reg))
			})
		}

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Server error", "error", err)
			return 1
		}
		return 0
	})
	gs.Ready()
	gs.Wait()
	gs.Shutdown(gs.ExitCode())
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
