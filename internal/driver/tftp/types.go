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

package tftp

import (
	"time"

	"github.com/alexandremahdhaoui/winpxe/pkg/network"
)

// ServerConfig holds the configuration of the read-only TFTP server.
type ServerConfig struct {
	// Address is the UDP address to bind to, ":69" by default.
	Address string

	// RootDir is the directory files are served from.
	RootDir string

	// Timeout bounds a single TFTP exchange.
	Timeout time.Duration

	// Retries is the number of retransmissions before a transfer fails.
	Retries int
}

// NewDefaultConfig serves the TFTP root populated by the setup pipeline.
func NewDefaultConfig() *ServerConfig {
	return &ServerConfig{
		Address: ":69",
		RootDir: network.DefaultTFTPRoot,
		Timeout: 5 * time.Second,
		Retries: 5,
	}
}
