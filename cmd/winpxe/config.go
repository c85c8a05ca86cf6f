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
	"errors"
	"fmt"
	"maps"
	"os"
	"path"
	"slices"
	"strconv"
	"time"

	"github.com/alexandremahdhaoui/winpxe/internal/pipeline"
	"github.com/alexandremahdhaoui/winpxe/internal/util/logging"
	"sigs.k8s.io/yaml"
)

const (
	// ConfigPathEnvKey is the environment variable key for the config file path
	ConfigPathEnvKey = "WINPXE_CONFIG_PATH"

	// DefaultConfigPath is read when it exists and no path is given.
	DefaultConfigPath = "/etc/winpxe/config.yaml"

	// DefaultConnectTimeout is how long a remote host is awaited.
	DefaultConnectTimeout = 30 * time.Second
)

// RemoteConfig targets a remote host over SSH instead of the local machine.
type RemoteConfig struct {
	Host           string `json:"host"`
	User           string `json:"user"`
	Port           int    `json:"port"`
	PrivateKeyPath string `json:"privateKeyPath"`
	// KnownHostsPath enables host key verification.
	KnownHostsPath string `json:"knownHostsPath,omitempty"`
	// ConnectTimeout bounds the wait for the SSH server before a command
	// runs. Defaults to DefaultConnectTimeout.
	ConnectTimeout string `json:"connectTimeout,omitempty"`
}

func (r *RemoteConfig) connectTimeout() time.Duration {
	d, err := time.ParseDuration(r.ConnectTimeout)
	if err != nil || d <= 0 {
		return DefaultConnectTimeout
	}
	return d
}

// Config holds the configuration for winpxe
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"logLevel"`

	// DevelopmentMode enables human-readable logs.
	DevelopmentMode bool `json:"developmentMode"`

	// Sudo prefixes every command with sudo.
	Sudo bool `json:"sudo"`

	// Env is added to the environment of every command.
	Env map[string]string `json:"env,omitempty"`

	// StatusDelay is parsed with time.ParseDuration.
	StatusDelay string `json:"statusDelay"`

	// HistoryPath is the SQLite run journal. Empty disables it.
	HistoryPath string `json:"historyPath"`

	// MetricsTextfile receives the run metrics. Empty disables it.
	MetricsTextfile string `json:"metricsTextfile,omitempty"`

	// Remote, when set, runs the setup on another host.
	Remote *RemoteConfig `json:"remote,omitempty"`

	Pipeline pipeline.Config `json:"pipeline"`
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Sudo:     true,
		Env: map[string]string{
			"PYTHONUNBUFFERED": "1",
			"PYTHONIOENCODING": "utf-8",
		},
		StatusDelay: "2s",
		HistoryPath: "/var/lib/winpxe/history.db",
		Pipeline:    pipeline.DefaultConfig(),
	}
}

// LoadConfig loads configuration from a YAML (or JSON) file, then applies
// environment overrides. An empty configPath falls back to DefaultConfigPath
// when that file exists.
func LoadConfig(configPath string) (*Config, error) {
	config := NewDefaultConfig()

	if configPath == "" {
		if _, err := os.Stat(DefaultConfigPath); err == nil {
			configPath = DefaultConfigPath
		}
	}

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
		}
	}

	if err := config.applyEnvironmentOverrides(); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	config.Pipeline.StatusDelay, _ = time.ParseDuration(config.StatusDelay)
	return config, nil
}

func parseBool(val string) bool {
	return val == "true" || val == "1" || val == "yes"
}

// applyEnvironmentOverrides applies environment variable overrides to the config
func (c *Config) applyEnvironmentOverrides() error {
	if val := os.Getenv("WINPXE_LOG_LEVEL"); val != "" {
		c.LogLevel = val
	}
	if val := os.Getenv("WINPXE_DEV_MODE"); val != "" {
		c.DevelopmentMode = parseBool(val)
	}
	if val := os.Getenv("WINPXE_SUDO"); val != "" {
		c.Sudo = parseBool(val)
	}
	if val := os.Getenv("WINPXE_STATUS_DELAY"); val != "" {
		c.StatusDelay = val
	}
	if val := os.Getenv("WINPXE_HISTORY_PATH"); val != "" {
		c.HistoryPath = val
	}
	if val := os.Getenv("WINPXE_METRICS_TEXTFILE"); val != "" {
		c.MetricsTextfile = val
	}

	if val := os.Getenv("WINPXE_SSH_HOST"); val != "" {
		if c.Remote == nil {
			c.Remote = &RemoteConfig{}
		}
		c.Remote.Host = val
	}
	if c.Remote == nil {
		return nil
	}
	if val := os.Getenv("WINPXE_SSH_USER"); val != "" {
		c.Remote.User = val
	}
	if val := os.Getenv("WINPXE_SSH_KEY"); val != "" {
		c.Remote.PrivateKeyPath = val
	}
	if val := os.Getenv("WINPXE_SSH_KNOWN_HOSTS"); val != "" {
		c.Remote.KnownHostsPath = val
	}
	if val := os.Getenv("WINPXE_SSH_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("parsing WINPXE_SSH_PORT: %w", err)
		}
		c.Remote.Port = port
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	if d, err := time.ParseDuration(c.StatusDelay); err != nil {
		errs = append(errs, fmt.Errorf("statusDelay: %w", err))
	} else if d < 0 {
		errs = append(errs, errors.New("statusDelay cannot be negative"))
	}

	paths := map[string]string{
		"pipeline.mountDir":      c.Pipeline.MountDir,
		"pipeline.sharePath":     c.Pipeline.SharePath,
		"pipeline.tftpRoot":      c.Pipeline.TFTPRoot,
		"pipeline.dnsmasqConfig": c.Pipeline.DnsmasqConfig,
		"pipeline.sambaConfig":   c.Pipeline.SambaConfig,
		"pipeline.winpeImage":    c.Pipeline.WinPEImage,
	}
	for _, name := range slices.Sorted(maps.Keys(paths)) {
		if !path.IsAbs(paths[name]) {
			errs = append(errs, fmt.Errorf("%s must be an absolute path, got %q", name, paths[name]))
		}
	}

	if len(c.Pipeline.Packages) == 0 {
		errs = append(errs, errors.New("pipeline.packages cannot be empty"))
	}
	if c.Pipeline.DHCPService == "" {
		errs = append(errs, errors.New("pipeline.dhcpService cannot be empty"))
	}
	if c.Pipeline.SambaService == "" {
		errs = append(errs, errors.New("pipeline.sambaService cannot be empty"))
	}

	if r := c.Remote; r != nil {
		if r.Host == "" {
			errs = append(errs, errors.New("remote.host cannot be empty"))
		}
		if r.User == "" {
			errs = append(errs, errors.New("remote.user cannot be empty"))
		}
		if r.PrivateKeyPath == "" {
			errs = append(errs, errors.New("remote.privateKeyPath cannot be empty"))
		}
		if r.Port < 0 || r.Port > 65535 {
			errs = append(errs, fmt.Errorf("remote.port %d is out of range", r.Port))
		}
		if r.ConnectTimeout != "" {
			if d, err := time.ParseDuration(r.ConnectTimeout); err != nil {
				errs = append(errs, fmt.Errorf("remote.connectTimeout: %w", err))
			} else if d <= 0 {
				errs = append(errs, errors.New("remote.connectTimeout must be positive"))
			}
		}
	}

	return errors.Join(errs...)
}
