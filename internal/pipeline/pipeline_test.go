//go:build unit

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
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/winpxe/internal/metrics"
	"github.com/alexandremahdhaoui/winpxe/internal/runner"
	"github.com/alexandremahdhaoui/winpxe/internal/util/fakes/runnerfake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"
)

var testSetup = SetupContext{
	ISOPath:       "/isos/win11.iso",
	InterfaceName: "eth0",
	IPv4:          "192.168.50.10",
}

var expectedCommands = []string{
	"apt install -y dnsmasq samba genisoimage wget unzip wimtools rsync",
	"mkdir -p /mnt/winiso",
	"mount -o loop,ro /isos/win11.iso /mnt/winiso",
	"mkdir -p /srv/samba/install",
	"rsync -avh --progress /mnt/winiso/ /srv/samba/install/",
	"umount /mnt/winiso",
	"tee /etc/dnsmasq.d/pxe.conf",
	"mkdir -p /srv/tftp",
	"apt install -y syslinux-common pxelinux",
	"cp /usr/lib/syslinux/modules/bios/libutil.c32 /srv/tftp/",
	"cp /usr/lib/syslinux/modules/bios/menu.c32 /srv/tftp/",
	"cp /usr/lib/syslinux/memdisk /srv/tftp/",
	"cp /usr/lib/PXELINUX/pxelinux.0 /srv/tftp/",
	"cp /usr/lib/syslinux/modules/bios/ldlinux.c32 /srv/tftp/",
	"tee -a /etc/samba/smb.conf",
	"systemctl restart smbd",
	"systemctl enable smbd",
	"mkdir -p /srv/tftp/pxelinux.cfg",
	"tee /srv/tftp/pxelinux.cfg/default",
	"mkdir -p /srv/tftp/winpe",
	"tee /srv/tftp/winpe/start.cmd",
	"mkwinpeimg --iso --windows-dir=/srv/samba/install --start-script=/srv/tftp/winpe/start.cmd /tmp/winpe.iso",
	"cp /tmp/winpe.iso /srv/tftp/",
	"systemctl restart dnsmasq",
	"systemctl enable dnsmasq",
	"ufw allow 69/udp",
}

func testConfig() Config {
	c := DefaultConfig()
	c.StatusDelay = 0
	return c
}

type fakeChecker struct {
	mu     sync.Mutex
	active bool
	calls  []string
}

func (c *fakeChecker) IsServiceActive(_ context.Context, name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, name)
	return c.active
}

func (c *fakeChecker) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type recordingObserver struct {
	started  []string
	finished []StepResult
}

func (o *recordingObserver) StepStarted(_, _ int, step Step) {
	o.started = append(o.started, step.Name)
}

func (o *recordingObserver) StepFinished(_, _ int, result StepResult) {
	o.finished = append(o.finished, result)
}

func TestPipeline_Start_Success(t *testing.T) {
	fake := runnerfake.New()
	checker := &fakeChecker{active: true}
	observer := &recordingObserver{}
	p := New(fake, testConfig(), WithStatusChecker(checker), WithObserver(observer))

	var out bytes.Buffer
	report, err := p.Start(context.Background(), testSetup, &out)
	require.NoError(t, err)

	assert.Equal(t, expectedCommands, fake.Lines())
	assert.Equal(t, StateSucceeded, report.State)
	assert.Equal(t, StateSucceeded, p.State())
	assert.Empty(t, report.FailedStep)
	assert.Len(t, report.Steps, len(p.Steps()))
	for _, s := range report.Steps {
		assert.Equal(t, OutcomeSucceeded, s.Outcome, s.Name)
	}

	require.NotNil(t, report.ServiceActive)
	assert.True(t, *report.ServiceActive)
	assert.Equal(t, []string{"dnsmasq"}, checker.Calls())

	assert.Equal(t, p.Steps(), observer.started)
	assert.Len(t, observer.finished, len(p.Steps()))

	assert.Contains(t, out.String(), "Installing required packages...")
	assert.Contains(t, out.String(), "Setup completed. Checking dnsmasq status...")
	assert.Less(t,
		strings.Index(out.String(), "Mounting Windows ISO..."),
		strings.Index(out.String(), "mount -o loop,ro"),
		"banner precedes the command output")
}

func TestPipeline_Start_WritesFiles(t *testing.T) {
	fake := runnerfake.New()
	fake.SetFile("/etc/samba/smb.conf", "[global]\n")
	p := New(fake, testConfig())

	_, err := p.Start(context.Background(), testSetup, nil)
	require.NoError(t, err)

	dnsmasq, ok := fake.File("/etc/dnsmasq.d/pxe.conf")
	require.True(t, ok)
	assert.Contains(t, dnsmasq, "interface=eth0\n")
	assert.Contains(t, dnsmasq, "dhcp-range=192.168.50.100,192.168.50.200,12h\n")

	smb, _ := fake.File("/etc/samba/smb.conf")
	assert.Equal(t, "[global]\n\n[install]\npath = /srv/samba/install\nread only = yes\nguest ok = yes\n", smb)

	startCmd, _ := fake.File("/srv/tftp/winpe/start.cmd")
	assert.Equal(t, "wpeinit\nnet use Z: \\\\192.168.50.10\\install\ndir\nZ:\\setup.exe\n", startCmd)

	menu, ok := fake.File("/srv/tftp/pxelinux.cfg/default")
	require.True(t, ok)
	assert.Contains(t, menu, "winpe.iso")
}

func TestPipeline_Start_NoAddressIsEmbeddedVerbatim(t *testing.T) {
	fake := runnerfake.New()
	p := New(fake, testConfig())

	sctx := testSetup
	sctx.IPv4 = "No IP Address"
	_, err := p.Start(context.Background(), sctx, nil)
	require.NoError(t, err)

	dnsmasq, _ := fake.File("/etc/dnsmasq.d/pxe.conf")
	assert.Contains(t, dnsmasq, "dhcp-range=192.168.1.100,192.168.1.200,12h\n")

	startCmd, _ := fake.File("/srv/tftp/winpe/start.cmd")
	assert.Contains(t, startCmd, `net use Z: \\No IP Address\install`)
}

func TestPipeline_Start_SambaStanzaAppendedOnEveryRun(t *testing.T) {
	fake := runnerfake.New()
	p := New(fake, testConfig())

	for range 2 {
		_, err := p.Start(context.Background(), testSetup, nil)
		require.NoError(t, err)
	}

	smb, _ := fake.File("/etc/samba/smb.conf")
	assert.Equal(t, 2, strings.Count(smb, "[install]"))
}

func TestPipeline_Start_NoISO(t *testing.T) {
	fake := runnerfake.New()
	p := New(fake, testConfig())

	report, err := p.Start(context.Background(), SetupContext{InterfaceName: "eth0"}, nil)

	assert.ErrorIs(t, err, ErrNoISOSelected)
	assert.Nil(t, report)
	assert.Empty(t, fake.Calls())
	assert.Equal(t, StateIdle, p.State())
}

func TestPipeline_Start_FatalFailures(t *testing.T) {
	tests := []struct {
		name        string
		match       runnerfake.Matcher
		step        string
		message     string
		lastCommand string
		unmounts    int
	}{
		{
			name:        "install packages",
			match:       runnerfake.Command("apt", "install", "-y", "dnsmasq"),
			step:        StepInstallPackages,
			message:     "Failed to install packages!",
			lastCommand: expectedCommands[0],
		},
		{
			name:        "create mount point",
			match:       runnerfake.Command("mkdir", "-p", "/mnt/winiso"),
			step:        StepCreateMountDir,
			message:     "Failed to create mount point!",
			lastCommand: "mkdir -p /mnt/winiso",
		},
		{
			name:        "mount iso",
			match:       runnerfake.Command("mount"),
			step:        StepMountISO,
			message:     "Failed to mount ISO!",
			lastCommand: "mount -o loop,ro /isos/win11.iso /mnt/winiso",
		},
		{
			name:        "create share dir",
			match:       runnerfake.Command("mkdir", "-p", "/srv/samba/install"),
			step:        StepCreateShareDir,
			message:     "Failed to create Samba directory!",
			lastCommand: "umount /mnt/winiso",
			unmounts:    1,
		},
		{
			name:        "copy files",
			match:       runnerfake.Command("rsync"),
			step:        StepCopyFiles,
			message:     "Failed to copy files!",
			lastCommand: "umount /mnt/winiso",
			unmounts:    1,
		},
		{
			name:        "build winpe",
			match:       runnerfake.Command("mkwinpeimg"),
			step:        StepBuildWinPE,
			message:     "Failed to create WinPE ISO!",
			lastCommand: expectedCommands[21],
			unmounts:    1, // the regular unmount step
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := runnerfake.New().Fail(tt.match)
			checker := &fakeChecker{active: true}
			p := New(fake, testConfig(), WithStatusChecker(checker))

			var out bytes.Buffer
			report, err := p.Start(context.Background(), testSetup, &out)

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrStepFailed)

			var stepErr *StepError
			require.ErrorAs(t, err, &stepErr)
			assert.Equal(t, tt.step, stepErr.Step)
			assert.Equal(t, tt.message, stepErr.Message)
			assert.False(t, stepErr.Crashed())

			var cmdErr *CommandError
			require.ErrorAs(t, err, &cmdErr)
			assert.Equal(t, 1, cmdErr.Result.ExitCode)

			assert.Equal(t, StateFailed, report.State)
			assert.Equal(t, StateFailed, p.State())
			assert.Equal(t, tt.step, report.FailedStep)
			assert.Equal(t, 1, strings.Count(out.String(), tt.message))

			lines := fake.Lines()
			assert.Equal(t, tt.lastCommand, lines[len(lines)-1])
			assert.Equal(t, tt.unmounts, fake.Count(runnerfake.Command("umount")))
			assert.Zero(t, fake.Count(runnerfake.Command("ufw")))
			assert.Empty(t, checker.Calls(), "status is only checked after success")
			assert.Nil(t, report.ServiceActive)
		})
	}
}

func TestPipeline_Start_MountFailureSkipsCopy(t *testing.T) {
	fake := runnerfake.New().Fail(runnerfake.Command("mount"))
	p := New(fake, testConfig())

	_, err := p.Start(context.Background(), testSetup, nil)
	require.Error(t, err)

	assert.Zero(t, fake.Count(runnerfake.Command("rsync")))
	assert.Zero(t, fake.Count(runnerfake.Command("umount")))
}

func TestPipeline_Start_BestEffortFailuresContinue(t *testing.T) {
	fake := runnerfake.New().
		Fail(runnerfake.Command("umount")).
		Fail(runnerfake.Command("systemctl", "restart", "smbd")).
		Fail(runnerfake.Command("cp", "/usr/lib/syslinux/memdisk")).
		Fail(runnerfake.Command("ufw"))
	p := New(fake, testConfig())

	var out bytes.Buffer
	report, err := p.Start(context.Background(), testSetup, &out)
	require.NoError(t, err)

	assert.Equal(t, expectedCommands, fake.Lines())
	assert.Equal(t, StateSucceeded, report.State)

	outcomes := make(map[string]Outcome)
	for _, s := range report.Steps {
		outcomes[s.Name] = s.Outcome
	}
	assert.Equal(t, OutcomeIgnored, outcomes[StepUnmountISO])
	assert.Equal(t, OutcomeIgnored, outcomes[StepSetupSamba])
	assert.Equal(t, OutcomeIgnored, outcomes[StepSetupTFTP])
	assert.Equal(t, OutcomeIgnored, outcomes[StepOpenFirewall])
	assert.Equal(t, OutcomeSucceeded, outcomes[StepWriteDnsmasq])
	assert.Contains(t, out.String(), "Warning: systemctl restart smbd exited with code 1")
}

func TestPipeline_Start_StartErrorIsFatal(t *testing.T) {
	fake := runnerfake.New().Error(runnerfake.Command("rsync"), runner.ErrStartCommand)
	p := New(fake, testConfig())

	report, err := p.Start(context.Background(), testSetup, nil)

	assert.ErrorIs(t, err, ErrStepFailed)
	assert.ErrorIs(t, err, runner.ErrStartCommand)
	assert.Equal(t, StepCopyFiles, report.FailedStep)
	assert.Equal(t, 1, fake.Count(runnerfake.Command("umount")))
}

func TestPipeline_Start_Crash(t *testing.T) {
	fake := runnerfake.New().Respond(runnerfake.Command("mkwinpeimg"), runner.Result{ExitCode: -1, Crashed: true})
	p := New(fake, testConfig())

	var out bytes.Buffer
	report, err := p.Start(context.Background(), testSetup, &out)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.True(t, stepErr.Crashed())
	assert.Contains(t, err.Error(), "crashed")
	assert.Equal(t, StateFailed, report.State)
	assert.Contains(t, out.String(), "Failed to create WinPE ISO!")
}

func TestPipeline_Start_AlreadyRunning(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	fake := runnerfake.New()
	fake.OnRun = func(runnerfake.Call) {
		once.Do(func() {
			close(started)
			<-release
		})
	}
	p := New(fake, testConfig())

	type result struct {
		report *Report
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := p.Start(context.Background(), testSetup, nil)
		done <- result{report, err}
	}()

	<-started
	assert.Equal(t, StateRunning, p.State())

	report, err := p.Start(context.Background(), testSetup, nil)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Nil(t, report)

	close(release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, StateSucceeded, p.State())
	assert.Len(t, fake.Calls(), len(expectedCommands))

	// a terminal state re-enables the start action.
	_, err = p.Start(context.Background(), testSetup, nil)
	assert.NoError(t, err)
}

func TestPipeline_Start_Abort(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fake := runnerfake.New()
	fake.OnRun = func(call runnerfake.Call) {
		if call.Command.Name == "rsync" {
			cancel()
		}
	}
	checker := &fakeChecker{active: true}
	p := New(fake, testConfig(), WithStatusChecker(checker))

	var out bytes.Buffer
	report, err := p.Start(ctx, testSetup, &out)

	assert.ErrorIs(t, err, ErrAborted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrStepFailed))
	assert.Equal(t, StateAborted, report.State)
	assert.Equal(t, StateAborted, p.State())
	assert.Equal(t, "rsync -avh --progress /mnt/winiso/ /srv/samba/install/", fake.Lines()[len(fake.Lines())-1])
	assert.Equal(t, OutcomeAborted, report.Steps[len(report.Steps)-1].Outcome)
	assert.Empty(t, checker.Calls())
	assert.Contains(t, out.String(), "Setup aborted.")
}

func TestPipeline_Start_StatusDelay(t *testing.T) {
	clk := testclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	checker := &fakeChecker{active: false}
	cfg := DefaultConfig()
	p := New(runnerfake.New(), cfg, WithClock(clk), WithStatusChecker(checker))

	done := make(chan *Report, 1)
	go func() {
		report, err := p.Start(context.Background(), testSetup, nil)
		assert.NoError(t, err)
		done <- report
	}()

	require.Eventually(t, clk.HasWaiters, 5*time.Second, time.Millisecond)
	assert.Empty(t, checker.Calls())
	assert.Equal(t, StateSucceeded, p.State())

	clk.Step(cfg.StatusDelay)

	select {
	case report := <-done:
		require.NotNil(t, report.ServiceActive)
		assert.False(t, *report.ServiceActive)
		assert.Equal(t, []string{"dnsmasq"}, checker.Calls())
	case <-time.After(5 * time.Second):
		t.Fatal("status check did not run after the delay")
	}
}

func TestPipeline_Start_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewPipeline(reg)
	require.NoError(t, err)

	fake := runnerfake.New().Fail(runnerfake.Command("ufw"))
	p := New(fake, testConfig(), WithMetrics(m))

	_, err = p.Start(context.Background(), testSetup, nil)
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(reg, "winpxe_pipeline_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = testutil.GatherAndCount(reg, "winpxe_step_total")
	require.NoError(t, err)
	assert.Equal(t, len(p.Steps()), n, "one series per step, ufw is ignored")
}

func TestPipeline_CustomPaths(t *testing.T) {
	cfg := testConfig()
	cfg.MountDir = "/mnt/custom"
	cfg.TFTPRoot = "/var/lib/tftpboot"
	cfg.BootloaderFiles = nil
	cfg.WinPEImage = "/var/tmp/build/custom-pe.iso"

	fake := runnerfake.New()
	p := New(fake, cfg)
	_, err := p.Start(context.Background(), testSetup, nil)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, fake.Index("rsync -avh --progress /mnt/custom/ "), 0)
	assert.GreaterOrEqual(t, fake.Index("tee /var/lib/tftpboot/winpe/start.cmd"), 0)
	assert.Zero(t, fake.Count(runnerfake.Command("cp", "/usr/lib/syslinux/memdisk")))

	dnsmasq, _ := fake.File("/etc/dnsmasq.d/pxe.conf")
	assert.Contains(t, dnsmasq, "tftp-root=/var/lib/tftpboot\n")

	assert.GreaterOrEqual(t, fake.Index("cp /var/tmp/build/custom-pe.iso /var/lib/tftpboot/"), 0)
	menu, ok := fake.File("/var/lib/tftpboot/pxelinux.cfg/default")
	require.True(t, ok)
	assert.Contains(t, menu, "INITRD     custom-pe.iso\n", "menu names the copied image")
	assert.NotContains(t, menu, "winpe.iso")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Idle", StateIdle.String())
	assert.Equal(t, "Aborted", StateAborted.String())
	assert.Equal(t, "State(42)", State(42).String())
	assert.False(t, StateRunning.Terminal())
	assert.True(t, StateFailed.Terminal())
}
