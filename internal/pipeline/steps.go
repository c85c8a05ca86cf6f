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
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/alexandremahdhaoui/winpxe/internal/runner"
	"github.com/alexandremahdhaoui/winpxe/pkg/bootcfg"
	"github.com/alexandremahdhaoui/winpxe/pkg/network"
)

// Step names.
const (
	StepInstallPackages = "install-packages"
	StepCreateMountDir  = "create-mount-dir"
	StepMountISO        = "mount-iso"
	StepCreateShareDir  = "create-share-dir"
	StepCopyFiles       = "copy-files"
	StepUnmountISO      = "unmount-iso"
	StepWriteDnsmasq    = "write-dnsmasq-config"
	StepSetupTFTP       = "setup-tftp-root"
	StepSetupSamba      = "setup-samba-share"
	StepWriteBootConfig = "write-boot-config"
	StepBuildWinPE      = "build-winpe-image"
	StepCopyWinPE       = "copy-winpe-image"
	StepRestartDHCP     = "restart-dhcp-service"
	StepOpenFirewall    = "open-firewall"
)

// Step is an ordered unit of work.
type Step struct {
	Name string
	// Banner is written to the output before the step runs.
	Banner string
	// FailureMessage is written to the output when a fatal step fails.
	FailureMessage string
	// Fatal steps abort the run on failure; the others are best-effort.
	Fatal bool
	// UnmountOnFailure unmounts the ISO before the run fails.
	UnmountOnFailure bool

	Run func(ctx context.Context, e *execution) error
}

// execution is the per-run state handed to steps.
type execution struct {
	runner runner.Runner
	sink   io.Writer
	config Config
	sctx   SetupContext
}

func (e *execution) run(ctx context.Context, name string, args ...string) error {
	cmd := runner.Command{Name: name, Args: args}
	res, err := e.runner.Run(ctx, cmd, e.sink)
	if err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	if !res.Success() {
		return &CommandError{Command: cmd, Result: res}
	}
	return nil
}

func (e *execution) writeFile(ctx context.Context, path, content string, appendMode bool) error {
	res, err := runner.WriteFile(ctx, e.runner, path, []byte(content), appendMode)
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if !res.Success() {
		cmd := runner.Command{Name: "tee", Args: []string{path}}
		if appendMode {
			cmd.Args = []string{"-a", path}
		}
		return &CommandError{Command: cmd, Result: res}
	}
	return nil
}

// each runs every fn regardless of failures and joins their errors. It stops
// early only when ctx is done.
func each(ctx context.Context, fns ...func(context.Context) error) error {
	var errs []error
	for _, fn := range fns {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return errors.Join(errs...)
}

func (e *execution) cmd(name string, args ...string) func(context.Context) error {
	return func(ctx context.Context) error { return e.run(ctx, name, args...) }
}

func (e *execution) write(path, content string, appendMode bool) func(context.Context) error {
	return func(ctx context.Context) error { return e.writeFile(ctx, path, content, appendMode) }
}

// dirContent returns dir with a trailing slash, so rsync copies the content
// of dir rather than dir itself.
func dirContent(dir string) string {
	return strings.TrimSuffix(dir, "/") + "/"
}

func (e *execution) unmount(ctx context.Context) error {
	return e.run(ctx, "umount", e.config.MountDir)
}

// bootMenu names the image under the basename it is copied to the TFTP
// root with.
func (e *execution) bootMenu() bootcfg.BootMenu {
	return bootcfg.BootMenu{
		Title:      bootcfg.DefaultMenuTitle,
		Timeout:    bootcfg.DefaultMenuTimeout,
		WinPEImage: path.Base(e.config.WinPEImage),
	}
}

func (e *execution) startScriptPath() string {
	return path.Join(e.config.TFTPRoot, "winpe", "start.cmd")
}

// steps returns the setup sequence.
func steps() []Step {
	return []Step{
		{
			Name:           StepInstallPackages,
			Banner:         "Installing required packages...",
			FailureMessage: "Failed to install packages!",
			Fatal:          true,
			Run: func(ctx context.Context, e *execution) error {
				return e.run(ctx, "apt", append([]string{"install", "-y"}, e.config.Packages...)...)
			},
		},
		{
			Name:           StepCreateMountDir,
			Banner:         "Setting up temporary mount point...",
			FailureMessage: "Failed to create mount point!",
			Fatal:          true,
			Run: func(ctx context.Context, e *execution) error {
				return e.run(ctx, "mkdir", "-p", e.config.MountDir)
			},
		},
		{
			Name:           StepMountISO,
			Banner:         "Mounting Windows ISO...",
			FailureMessage: "Failed to mount ISO!",
			Fatal:          true,
			Run: func(ctx context.Context, e *execution) error {
				return e.run(ctx, "mount", "-o", "loop,ro", e.sctx.ISOPath, e.config.MountDir)
			},
		},
		{
			Name:             StepCreateShareDir,
			Banner:           "Creating Samba share directory...",
			FailureMessage:   "Failed to create Samba directory!",
			Fatal:            true,
			UnmountOnFailure: true,
			Run: func(ctx context.Context, e *execution) error {
				return e.run(ctx, "mkdir", "-p", e.config.SharePath)
			},
		},
		{
			Name:             StepCopyFiles,
			Banner:           "Copying Windows installation files (this may take a while)...",
			FailureMessage:   "Failed to copy files!",
			Fatal:            true,
			UnmountOnFailure: true,
			Run: func(ctx context.Context, e *execution) error {
				return e.run(ctx, "rsync", "-avh", "--progress",
					dirContent(e.config.MountDir), dirContent(e.config.SharePath))
			},
		},
		{
			Name:   StepUnmountISO,
			Banner: "Unmounting ISO...",
			Run: func(ctx context.Context, e *execution) error {
				return e.unmount(ctx)
			},
		},
		{
			Name:   StepWriteDnsmasq,
			Banner: "Configuring PXE server...",
			Run: func(ctx context.Context, e *execution) error {
				conf := network.NewDnsmasqConfig(e.sctx.InterfaceName, network.DerivePrefix(e.sctx.IPv4))
				conf.TFTPRoot = e.config.TFTPRoot
				return e.writeFile(ctx, e.config.DnsmasqConfig, conf.String(), false)
			},
		},
		{
			Name:   StepSetupTFTP,
			Banner: "Setting up TFTP directory...",
			Run: func(ctx context.Context, e *execution) error {
				fns := []func(context.Context) error{
					e.cmd("mkdir", "-p", e.config.TFTPRoot),
					e.cmd("apt", append([]string{"install", "-y"}, e.config.BootloaderPackages...)...),
				}
				for _, file := range e.config.BootloaderFiles {
					fns = append(fns, e.cmd("cp", file, dirContent(e.config.TFTPRoot)))
				}
				return each(ctx, fns...)
			},
		},
		{
			Name:   StepSetupSamba,
			Banner: "Configuring Samba share...",
			Run: func(ctx context.Context, e *execution) error {
				share := bootcfg.SambaShare{Name: bootcfg.DefaultShareName, Path: e.config.SharePath}
				return each(ctx,
					e.write(e.config.SambaConfig, "\n"+share.String(), true),
					e.cmd("systemctl", "restart", e.config.SambaService),
					e.cmd("systemctl", "enable", e.config.SambaService),
				)
			},
		},
		{
			Name:   StepWriteBootConfig,
			Banner: "Creating WinPE configuration...",
			Run: func(ctx context.Context, e *execution) error {
				cfgDir := path.Join(e.config.TFTPRoot, "pxelinux.cfg")
				winpeDir := path.Join(e.config.TFTPRoot, "winpe")
				return each(ctx,
					e.cmd("mkdir", "-p", cfgDir),
					e.write(path.Join(cfgDir, "default"), e.bootMenu().String(), false),
					e.cmd("mkdir", "-p", winpeDir),
					e.write(e.startScriptPath(), bootcfg.RenderWinPEStartScript(e.sctx.IPv4), false),
				)
			},
		},
		{
			Name:           StepBuildWinPE,
			Banner:         "Creating WinPE ISO...",
			FailureMessage: "Failed to create WinPE ISO!",
			Fatal:          true,
			Run: func(ctx context.Context, e *execution) error {
				return e.run(ctx, "mkwinpeimg", "--iso",
					"--windows-dir="+e.config.SharePath,
					"--start-script="+e.startScriptPath(),
					e.config.WinPEImage)
			},
		},
		{
			Name:   StepCopyWinPE,
			Banner: "Copying WinPE ISO to TFTP directory...",
			Run: func(ctx context.Context, e *execution) error {
				return e.run(ctx, "cp", e.config.WinPEImage, dirContent(e.config.TFTPRoot))
			},
		},
		{
			Name:   StepRestartDHCP,
			Banner: "Restarting services...",
			Run: func(ctx context.Context, e *execution) error {
				return each(ctx,
					e.cmd("systemctl", "restart", e.config.DHCPService),
					e.cmd("systemctl", "enable", e.config.DHCPService),
				)
			},
		},
		{
			Name:   StepOpenFirewall,
			Banner: "Configuring firewall...",
			Run: func(ctx context.Context, e *execution) error {
				return e.run(ctx, "ufw", "allow", e.config.FirewallRule)
			},
		},
	}
}
