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

// Package gracefulshutdown cancels a process-wide context on SIGINT or
// SIGTERM and lets registered work finish before the process exits.
package gracefulshutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// ExitCodeInterrupted is the exit status after a signal-triggered shutdown.
const ExitCodeInterrupted = 130

// GracefulShutdown owns the process context and the work that must complete
// before exit.
type GracefulShutdown struct {
	ctx    context.Context
	cancel context.CancelFunc
	name   string

	once      sync.Once
	readyOnce sync.Once
	wg        sync.WaitGroup

	// ready is closed by Ready, once every Go call has been made.
	ready chan struct{}

	mu       sync.Mutex
	exitCode int

	exitFunc func(int)
}

// NewWithExit is New with an injectable exit function.
func NewWithExit(name string, exitFunc func(int)) *GracefulShutdown {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)

	gs := &GracefulShutdown{
		ctx:      ctx,
		cancel:   cancel,
		name:     name,
		ready:    make(chan struct{}),
		exitFunc: exitFunc,
	}

	go func() {
		select {
		case <-gs.ready:
			<-ctx.Done()
			// the registered work decides how the process exits.
			gs.wg.Wait()
			gs.Shutdown(gs.ExitCode())
		case <-ctx.Done():
			slog.Warn("context cancelled before Ready() was called", "name", name)
			gs.Shutdown(ExitCodeInterrupted)
		}
	}()

	return gs
}

// New returns a GracefulShutdown whose context is cancelled by SIGINT, SIGTERM
// or Shutdown.
func New(name string) *GracefulShutdown {
	return NewWithExit(name, os.Exit)
}

// Go runs fn in a goroutine that Shutdown waits for. It must be called
// before Ready. The code returned by fn is recorded with the highest code
// winning, see ExitCode.
func (s *GracefulShutdown) Go(fn func(ctx context.Context) int) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		code := fn(s.ctx)

		s.mu.Lock()
		s.exitCode = max(s.exitCode, code)
		s.mu.Unlock()
	}()
}

// ExitCode returns the highest code returned by the functions started with
// Go so far.
func (s *GracefulShutdown) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Ready signals that every Go call has been made.
func (s *GracefulShutdown) Ready() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// Wait blocks until every function started with Go returned.
func (s *GracefulShutdown) Wait() {
	s.wg.Wait()
}

// Shutdown cancels the context, waits for the registered work and exits with
// exitCode. Only the first call has an effect.
func (s *GracefulShutdown) Shutdown(exitCode int) {
	s.once.Do(func() {
		slog.Info("gracefully shutting down", "name", s.name, "exitCode", exitCode)
		s.cancel()
		s.wg.Wait()
		s.exitFunc(exitCode)
	})
}

// Context returns the process context.
func (s *GracefulShutdown) Context() context.Context {
	return s.ctx
}
