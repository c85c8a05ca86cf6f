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

// Package tftp serves the PXE boot files of the TFTP root over read-only TFTP.
package tftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/alexandremahdhaoui/winpxe/internal/metrics"
	"github.com/pin/tftp/v3"
)

var (
	// ErrPathTraversal is returned when a file path attempts to escape the root directory
	ErrPathTraversal = errors.New("path traversal attempt detected")

	// ErrFileNotFound is returned when a requested file doesn't exist
	ErrFileNotFound = errors.New("file not found")

	// ErrNotListening is returned by Serve before Listen succeeded.
	ErrNotListening = errors.New("tftp server is not listening")
)

// Option configures a Server.
type Option func(*Server)

// WithMetrics counts served requests and bytes into m.
func WithMetrics(m *metrics.TFTP) Option {
	return func(s *Server) { s.metrics = m }
}

// Server is a read-only TFTP server.
type Server struct {
	config  *ServerConfig
	root    string
	server  *tftp.Server
	logger  *slog.Logger
	metrics *metrics.TFTP

	mu   sync.Mutex
	conn *net.UDPConn
}

// New creates a TFTP server. The root directory must exist.
func New(config *ServerConfig, logger *slog.Logger, opts ...Option) (*Server, error) {
	if config == nil {
		config = NewDefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	root, err := filepath.Abs(config.RootDir)
	if err != nil {
		return nil, fmt.Errorf("root directory %s: %w", config.RootDir, err)
	}
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("root directory %s: %w", config.RootDir, err)
	}

	s := &Server{
		config: config,
		root:   root,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	// write requests are always refused.
	s.server = tftp.NewServer(s.handleRead, nil)
	if config.Timeout > 0 {
		s.server.SetTimeout(config.Timeout)
	}
	if config.Retries > 0 {
		s.server.SetRetries(config.Retries)
	}

	return s, nil
}

// Listen binds the UDP socket.
func (s *Server) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", s.config.Address, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Address, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Serve answers requests until ctx is done. Listen must have been called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotListening
	}

	s.logger.Info("Starting TFTP server",
		"address", conn.LocalAddr().String(),
		"rootDir", s.root)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(conn)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down TFTP server")
		s.server.Shutdown()
		_ = conn.Close()
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("TFTP server error: %w", err)
		}
		return nil
	}
}

// Start listens and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// resolve maps a requested filename into the root directory.
func (s *Server) resolve(filename string) (string, error) {
	clean := strings.TrimLeft(filepath.Clean("/"+filename), "/")
	fullPath := filepath.Join(s.root, clean)

	if fullPath != s.root && !strings.HasPrefix(fullPath, s.root+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	for _, part := range strings.Split(filepath.ToSlash(filename), "/") {
		if part == ".." {
			return "", ErrPathTraversal
		}
	}
	return fullPath, nil
}

func (s *Server) handleRead(filename string, rf io.ReaderFrom) error {
	fullPath, err := s.resolve(filename)
	if err != nil {
		s.logger.Warn("Path traversal attempt detected", "filename", filename)
		s.metrics.Request("denied", 0)
		return err
	}

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn("File not found", "filename", filename, "fullPath", fullPath)
			s.metrics.Request("not_found", 0)
			return ErrFileNotFound
		}
		s.logger.Error("Failed to open file", "filename", filename, "error", err)
		s.metrics.Request("error", 0)
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	fileInfo, err := file.Stat()
	if err != nil {
		s.metrics.Request("error", 0)
		return fmt.Errorf("failed to stat file: %w", err)
	}
	if fileInfo.IsDir() {
		s.metrics.Request("not_found", 0)
		return ErrFileNotFound
	}

	// advertise tsize so clients can report progress.
	if ot, ok := rf.(tftp.OutgoingTransfer); ok {
		ot.SetSize(fileInfo.Size())
	}

	s.logger.Debug("Serving file", "filename", filename, "size", fileInfo.Size())

	n, err := rf.ReadFrom(file)
	if err != nil {
		s.logger.Error("Failed to send file", "filename", filename, "error", err)
		s.metrics.Request("error", n)
		return fmt.Errorf("failed to send file: %w", err)
	}

	s.logger.Info("File sent", "filename", filename, "bytes", n)
	s.metrics.Request("sent", n)
	return nil
}
