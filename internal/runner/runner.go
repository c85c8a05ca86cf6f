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

// Package runner executes privileged external commands and streams their
// merged output to a sink while they run.
package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"strings"
)

var (
	// ErrStartCommand is returned when a command could not be started.
	ErrStartCommand = errors.New("failed to start command")

	// ErrTransport is returned when the connection to a remote host fails.
	ErrTransport = errors.New("transport error")
)

// chunkSize bounds a single chunk handed to the sink.
const chunkSize = 32 * 1024

// Command is an external command invocation.
type Command struct {
	Name string
	Args []string

	// Env overrides the runner environment for this command only.
	Env map[string]string

	// Stdin is optional.
	Stdin io.Reader
}

// String implements fmt.Stringer.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is the outcome of a command that was started.
type Result struct {
	// ExitCode is the exit status. It is -1 when the process was terminated
	// by a signal.
	ExitCode int

	// Crashed reports an abnormal termination, whatever ExitCode says.
	Crashed bool

	// Output is the merged stdout and stderr.
	Output []byte
}

// Success reports a normal exit with status 0.
func (r Result) Success() bool {
	return !r.Crashed && r.ExitCode == 0
}

// Runner runs a Command, writing its merged output to sink as it becomes
// available. Run blocks until the command exits or ctx is cancelled.
//
// A nonzero exit status is not an error: error is only returned when the
// command could not be started, when the transport failed, or when ctx was
// cancelled.
type Runner interface {
	Run(ctx context.Context, cmd Command, sink io.Writer) (Result, error)
}

// Chunks yields the bytes read from r until EOF. A read error other than
// io.EOF is yielded once with a nil chunk and ends the sequence. Yielded
// chunks are owned by the consumer.
func Chunks(r io.Reader) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		buf := make([]byte, chunkSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if !yield(chunk, nil) {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
		}
	}
}

// Pump drains r into sink and returns everything it read. Sink write errors
// do not stop the pump, the producer must never block on a stalled display.
func Pump(r io.Reader, sink io.Writer) []byte {
	var out bytes.Buffer
	for chunk, err := range Chunks(r) {
		if err != nil {
			break
		}
		out.Write(chunk)
		_, _ = sink.Write(chunk)
	}
	_, _ = io.Copy(io.Discard, r)
	return out.Bytes()
}

// WriteFile writes content to path with the runner privileges through tee.
// With appendMode the content is appended instead of replacing the file.
func WriteFile(ctx context.Context, r Runner, path string, content []byte, appendMode bool) (Result, error) {
	args := make([]string, 0, 2)
	if appendMode {
		args = append(args, "-a")
	}
	args = append(args, path)

	return r.Run(ctx, Command{
		Name:  "tee",
		Args:  args,
		Stdin: bytes.NewReader(content),
	}, io.Discard)
}
