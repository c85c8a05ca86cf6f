//go:build unit

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

package tftp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/winpxe/internal/metrics"
	"github.com/pin/tftp/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockReaderFrom implements io.ReaderFrom for testing
type mockReaderFrom struct {
	data bytes.Buffer
}

func (m *mockReaderFrom) ReadFrom(r io.Reader) (int64, error) {
	return m.data.ReadFrom(r)
}

func newTestServer(t *testing.T, root string, opts ...Option) *Server {
	t.Helper()
	server, err := New(&ServerConfig{Address: "127.0.0.1:0", RootDir: root}, slog.Default(), opts...)
	require.NoError(t, err)
	return server
}

func TestNew_InvalidRootDir(t *testing.T) {
	server, err := New(&ServerConfig{Address: ":0", RootDir: "/nonexistent/directory"}, slog.Default())
	assert.Error(t, err)
	assert.Nil(t, server)
	assert.Contains(t, err.Error(), "root directory")
}

func TestHandleRead(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "pxelinux.0"), []byte("bootloader"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "empty"), nil, 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(tmpDir, "pxelinux.cfg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "pxelinux.cfg", "default"), []byte("DEFAULT winpe\n"), 0o644))

	server := newTestServer(t, tmpDir)

	tests := []struct {
		name     string
		filename string
		want     string
		wantErr  error
	}{
		{name: "file", filename: "pxelinux.0", want: "bootloader"},
		{name: "leading slash", filename: "/pxelinux.0", want: "bootloader"},
		{name: "nested", filename: "pxelinux.cfg/default", want: "DEFAULT winpe\n"},
		{name: "empty file", filename: "empty", want: ""},
		{name: "not found", filename: "missing", wantErr: ErrFileNotFound},
		{name: "directory", filename: "pxelinux.cfg", wantErr: ErrFileNotFound},
		{name: "parent traversal", filename: "../outside/file.txt", wantErr: ErrPathTraversal},
		{name: "nested traversal", filename: "pxelinux.cfg/../../etc/passwd", wantErr: ErrPathTraversal},
		{name: "absolute path stays in root", filename: "/etc/passwd", wantErr: ErrFileNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rf := &mockReaderFrom{}
			err := server.handleRead(tt.filename, rf)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, rf.data.String())
		})
	}
}

func TestHandleRead_Metrics(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "memdisk"), []byte("12345"), 0o644))

	reg := prometheus.NewRegistry()
	m, err := metrics.NewTFTP(reg)
	require.NoError(t, err)
	server := newTestServer(t, tmpDir, WithMetrics(m))

	require.NoError(t, server.handleRead("memdisk", &mockReaderFrom{}))
	assert.Error(t, server.handleRead("nope", &mockReaderFrom{}))
	assert.Error(t, server.handleRead("../x", &mockReaderFrom{}))

	expected := `
# HELP winpxe_tftp_sent_bytes_total Bytes sent to TFTP clients.
# TYPE winpxe_tftp_sent_bytes_total counter
winpxe_tftp_sent_bytes_total 5
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "winpxe_tftp_sent_bytes_total"))

	n, err := testutil.GatherAndCount(reg, "winpxe_tftp_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestServe_NotListening(t *testing.T) {
	server := newTestServer(t, t.TempDir())
	assert.Nil(t, server.Addr())
	assert.ErrorIs(t, server.Serve(context.Background()), ErrNotListening)
}

func TestServe_RoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "pxelinux.0"), []byte("bootloader"), 0o644))

	server := newTestServer(t, tmpDir)
	require.NoError(t, server.Listen())
	require.NotNil(t, server.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ctx) }()

	client, err := tftp.NewClient(server.Addr().String())
	require.NoError(t, err)
	client.SetTimeout(time.Second)

	wt, err := client.Receive("pxelinux.0", "octet")
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = wt.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, "bootloader", buf.String())

	cancel()
	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestNewDefaultConfig(t *testing.T) {
	config := NewDefaultConfig()
	assert.Equal(t, ":69", config.Address)
	assert.Equal(t, "/srv/tftp", config.RootDir)
	assert.Equal(t, 5*time.Second, config.Timeout)
	assert.Equal(t, 5, config.Retries)
}
