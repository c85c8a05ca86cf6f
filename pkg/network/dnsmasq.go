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

package network

import (
	"bytes"
	"fmt"
	"text/template"
)

const (
	// DefaultTFTPRoot is the directory dnsmasq serves over TFTP.
	DefaultTFTPRoot = "/srv/tftp"
	// DefaultBootFilename is the first file PXE clients download.
	DefaultBootFilename = "pxelinux.0"
	// DefaultLeaseTime is the DHCP lease duration.
	DefaultLeaseTime = "12h"
)

// DnsmasqConfig contains dnsmasq configuration
type DnsmasqConfig struct {
	Interface    string // Network interface (e.g., "eth0")
	RangeStart   string // e.g., "192.168.1.100"
	RangeEnd     string // e.g., "192.168.1.200"
	LeaseTime    string // e.g., "12h"
	TFTPRoot     string // TFTP root directory
	BootFilename string // PXE boot file (e.g., "pxelinux.0")
}

const dnsmasqConfTemplate = `port=0
interface={{.Interface}}
bind-interfaces
dhcp-range={{.RangeStart}},{{.RangeEnd}},{{.LeaseTime}}
dhcp-boot={{.BootFilename}}
enable-tftp
tftp-root={{.TFTPRoot}}
`

var dnsmasqTmpl = template.Must(template.New("dnsmasq").Parse(dnsmasqConfTemplate))

// NewDnsmasqConfig returns the PXE configuration handing out
// <prefix>.100 to <prefix>.200 on the given interface.
func NewDnsmasqConfig(interfaceName, subnetPrefix string) DnsmasqConfig {
	return DnsmasqConfig{
		Interface:    interfaceName,
		RangeStart:   subnetPrefix + ".100",
		RangeEnd:     subnetPrefix + ".200",
		LeaseTime:    DefaultLeaseTime,
		TFTPRoot:     DefaultTFTPRoot,
		BootFilename: DefaultBootFilename,
	}
}

// GenerateConfig generates the dnsmasq configuration content.
// Fields are embedded verbatim; nothing is validated.
func (c DnsmasqConfig) GenerateConfig() ([]byte, error) {
	var buf bytes.Buffer
	if err := dnsmasqTmpl.Execute(&buf, c); err != nil {
		return nil, fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.Bytes(), nil
}

// RenderDHCPConfig renders the dnsmasq configuration for interfaceName with a
// DHCP range derived from subnetPrefix.
func RenderDHCPConfig(interfaceName, subnetPrefix string) string {
	return NewDnsmasqConfig(interfaceName, subnetPrefix).String()
}

// String implements fmt.Stringer.
func (c DnsmasqConfig) String() string {
	b, err := c.GenerateConfig()
	if err != nil {
		// the template only references string fields.
		panic(err)
	}
	return string(b)
}
