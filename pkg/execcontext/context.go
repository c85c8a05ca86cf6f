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

// Package execcontext carries the privilege prefix and environment overrides
// applied to every command winpxe runs on a host.
package execcontext

import (
	"fmt"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
)

type Context interface {
	Envs() map[string]string
	PrependCmd() []string
}

func New(envs map[string]string, prependCmd []string) Context {
	return &context{
		prependCmd: prependCmd,
		envs:       envs,
	}
}

// Sudo returns a Context escalating every command through sudo.
func Sudo(envs map[string]string) Context {
	return New(envs, []string{"sudo"})
}

type context struct {
	envs       map[string]string
	prependCmd []string
}

// Envs implements Context.
func (c *context) Envs() map[string]string {
	out := make(map[string]string, len(c.envs))
	maps.Copy(out, c.envs)
	return out
}

// PrependCmd implements Context.
func (c *context) PrependCmd() []string {
	out := make([]string, len(c.prependCmd))
	copy(out, c.prependCmd)
	return out
}

// Argv returns the full argument vector for name and args, privilege prefix
// included.
func Argv(ctx Context, name string, args ...string) []string {
	out := ctx.PrependCmd()
	out = append(out, name)
	return append(out, args...)
}

// Environ returns the process environment with the context overrides applied.
// Overrides replace inherited values of the same key.
func Environ(ctx Context) []string {
	envs := ctx.Envs()
	out := make([]string, 0, len(os.Environ())+len(envs))
	for _, kv := range os.Environ() {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := envs[k]; ok {
			continue
		}
		out = append(out, kv)
	}
	for _, k := range slices.Sorted(maps.Keys(envs)) {
		out = append(out, fmt.Sprintf("%s=%s", k, envs[k]))
	}
	return out
}

// ApplyToCmd rewrites cmd so that it runs behind the privilege prefix with the
// context environment.
func ApplyToCmd(ctx Context, cmd *exec.Cmd) {
	cmd.Env = Environ(ctx)

	prependCmd := ctx.PrependCmd()
	if len(prependCmd) < 1 {
		return
	}

	tmpCmd := exec.Command(prependCmd[0], prependCmd[1:]...)
	cmd.Path = tmpCmd.Path
	cmd.Err = tmpCmd.Err
	cmd.Args = append(tmpCmd.Args, cmd.Args...)
}

// FormatCmd renders a shell command line, used when the command is executed
// by a remote shell.
func FormatCmd(ctx Context, cmd ...string) string {
	out := ""

	envs := ctx.Envs()
	for _, k := range slices.Sorted(maps.Keys(envs)) {
		out = fmt.Sprintf("%s%s=%q ", out, k, envs[k])
	}

	for _, s := range ctx.PrependCmd() {
		out = safelyAppendToCmd(out, s)
	}

	for _, s := range cmd {
		out = safelyAppendToCmd(out, s)
	}

	return strings.TrimSpace(out)
}

var unquottable = map[string]struct{}{
	"&&": {},
	"||": {},
	";":  {},
	"&":  {},
}

func safelyAppendToCmd(cmd string, s string) string {
	if _, ok := unquottable[s]; ok {
		return fmt.Sprintf("%s%s ", cmd, s)
	}
	return fmt.Sprintf("%s%q ", cmd, s)
}
