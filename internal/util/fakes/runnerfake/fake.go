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

// Package runnerfake provides a recording runner.Runner for tests.
//
// The fake never executes anything. It records every command, answers with
// the first matching expectation (success otherwise), and emulates "tee" on
// an in-memory file system so tests can inspect written files.
package runnerfake

import (
	"context"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/alexandremahdhaoui/winpxe/internal/runner"
)

// Call is a recorded invocation.
type Call struct {
	Command runner.Command
	Stdin   []byte
}

// String implements fmt.Stringer.
func (c Call) String() string {
	return c.Command.String()
}

// Matcher selects commands.
type Matcher = func(cmd runner.Command) bool

type expectation struct {
	match  Matcher
	result runner.Result
	err    error
}

var _ runner.Runner = &Fake{}

type Fake struct {
	mu           sync.Mutex
	calls        []Call
	files        map[string][]byte
	expectations []expectation

	// OnRun is invoked after a call is recorded and before it is answered.
	OnRun func(call Call)
}

func New() *Fake {
	return &Fake{files: make(map[string][]byte)}
}

// Command matches commands named name whose arguments start with args.
func Command(name string, args ...string) Matcher {
	return func(cmd runner.Command) bool {
		if cmd.Name != name || len(cmd.Args) < len(args) {
			return false
		}
		return slices.Equal(cmd.Args[:len(args)], args)
	}
}

// Respond answers commands selected by match with result.
func (f *Fake) Respond(match Matcher, result runner.Result) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expectations = append(f.expectations, expectation{match: match, result: result})
	return f
}

// Fail answers commands selected by match with exit status 1.
func (f *Fake) Fail(match Matcher) *Fake {
	return f.Respond(match, runner.Result{ExitCode: 1, Output: []byte("simulated failure\n")})
}

// Error answers commands selected by match with err, as if they could not be
// started.
func (f *Fake) Error(match Matcher, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expectations = append(f.expectations, expectation{match: match, result: runner.Result{ExitCode: -1}, err: err})
	return f
}

// Run implements runner.Runner.
func (f *Fake) Run(ctx context.Context, cmd runner.Command, sink io.Writer) (runner.Result, error) {
	if sink == nil {
		sink = io.Discard
	}

	call := Call{Command: cmd}
	if cmd.Stdin != nil {
		b, err := io.ReadAll(cmd.Stdin)
		if err != nil {
			return runner.Result{ExitCode: -1}, err
		}
		call.Stdin = b
	}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	onRun := f.OnRun
	f.mu.Unlock()

	if onRun != nil {
		onRun(call)
	}

	if err := ctx.Err(); err != nil {
		return runner.Result{ExitCode: -1, Crashed: true}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, e := range f.expectations {
		if e.match(cmd) {
			_, _ = sink.Write(e.result.Output)
			return e.result, e.err
		}
	}

	if cmd.Name == "tee" {
		f.tee(call)
	}

	out := []byte(cmd.String() + "\n")
	_, _ = sink.Write(out)
	return runner.Result{Output: out}, nil
}

func (f *Fake) tee(call Call) {
	appendMode := false
	for _, arg := range call.Command.Args {
		if arg == "-a" {
			appendMode = true
			continue
		}
		if appendMode {
			f.files[arg] = append(f.files[arg], call.Stdin...)
		} else {
			f.files[arg] = append([]byte(nil), call.Stdin...)
		}
	}
}

// Calls returns the recorded calls in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// Lines returns the recorded command lines in order.
func (f *Fake) Lines() []string {
	calls := f.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

// Count returns how many recorded calls match.
func (f *Fake) Count(match Matcher) int {
	n := 0
	for _, c := range f.Calls() {
		if match(c.Command) {
			n++
		}
	}
	return n
}

// File returns the content written to path through tee.
func (f *Fake) File(path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.files[path]
	return string(b), ok
}

// SetFile seeds the in-memory file system.
func (f *Fake) SetFile(path, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = []byte(content)
}

// Index returns the position of the first call whose line starts with
// prefix, or -1.
func (f *Fake) Index(prefix string) int {
	for i, line := range f.Lines() {
		if strings.HasPrefix(line, prefix) {
			return i
		}
	}
	return -1
}
