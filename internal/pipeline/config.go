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

package pipeline

import (
	"time"

	"github.com/alexandremahdhaoui/winpxe/pkg/bootcfg"
	"github.com/alexandremahdhaoui/winpxe/pkg/network"
)

// Paths are the well-known locations the pipeline writes to.
type Paths struct {
	// MountDir is the scratch mount point of the ISO.
	MountDir string `json:"mountDir"`
	// SharePath receives the ISO content and is exported over Samba.
	SharePath string `json:"sharePath"`
	// TFTPRoot is served by dnsmasq.
	TFTPRoot string `json:"tftpRoot"`
	// DnsmasqConfig is overwritten on every run.
	DnsmasqConfig string `json:"dnsmasqConfig"`
	// SambaConfig is appended to on every run.
	SambaConfig string `json:"sambaConfig"`
	// WinPEImage is the temporary output of the image builder.
	WinPEImage string `json:"winpeImage"`
}

// Config configures the pipeline steps.
type Config struct {
	Paths `json:",inline"`

	// Packages are installed by the first step.
	Packages []string `json:"packages"`
	// BootloaderPackages provide BootloaderFiles.
	BootloaderPackages []string `json:"bootloaderPackages"`
	// BootloaderFiles are copied into the TFTP root.
	BootloaderFiles []string `json:"bootloaderFiles"`

	// SambaService and DHCPService are systemd units.
	SambaService string `json:"sambaService"`
	DHCPService  string `json:"dhcpService"`

	// FirewallRule is passed to "ufw allow".
	FirewallRule string `json:"firewallRule"`

	// StatusDelay is waited after success before the service status check.
	// Zero checks immediately.
	StatusDelay time.Duration `json:"-"`
}

// DefaultConfig returns the layout of a Debian/Ubuntu PXE server.
func DefaultConfig() Config {
	return Config{
		Paths: Paths{
			MountDir:      "/mnt/winiso",
			SharePath:     bootcfg.DefaultSharePath,
			TFTPRoot:      network.DefaultTFTPRoot,
			DnsmasqConfig: "/etc/dnsmasq.d/pxe.conf",
			SambaConfig:   "/etc/samba/smb.conf",
			WinPEImage:    "/tmp/winpe.iso",
		},
		Packages: []string{
			"dnsmasq", "samba", "genisoimage", "wget", "unzip", "wimtools", "rsync",
		},
		BootloaderPackages: []string{"syslinux-common", "pxelinux"},
		BootloaderFiles: []string{
			"/usr/lib/syslinux/modules/bios/libutil.c32",
			"/usr/lib/syslinux/modules/bios/menu.c32",
			"/usr/lib/syslinux/memdisk",
			"/usr/lib/PXELINUX/pxelinux.0",
			"/usr/lib/syslinux/modules/bios/ldlinux.c32",
		},
		SambaService: "smbd",
		DHCPService:  "dnsmasq",
		FirewallRule: "69/udp",
		StatusDelay:  2 * time.Second,
	}
}
