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

package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeline_Observe(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPipeline(reg)
	require.NoError(t, err)

	m.ObserveStep("mount-iso", "succeeded", 2*time.Second)
	m.ObserveStep("mount-iso", "succeeded", time.Second)
	m.ObserveStep("copy-files", "failed", time.Minute)
	m.ObserveRun("Failed")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.steps.WithLabelValues("mount-iso", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.steps.WithLabelValues("copy-files", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("Failed")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.durations))
}

func TestPipeline_DoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPipeline(reg)
	require.NoError(t, err)

	_, err = NewPipeline(reg)
	assert.Error(t, err)
}

func TestNil_IsNoop(t *testing.T) {
	var p *Pipeline
	var tftp *TFTP

	assert.NotPanics(t, func() {
		p.ObserveStep("x", "succeeded", time.Second)
		p.ObserveRun("Succeeded")
		tftp.Request("sent", 10)
	})
}

func TestTFTP_Request(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewTFTP(reg)
	require.NoError(t, err)

	m.Request("sent", 512)
	m.Request("sent", 100)
	m.Request("not_found", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.files.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.files.WithLabelValues("not_found")))
	assert.Equal(t, 612.0, testutil.ToFloat64(m.served))
}

func TestWriteTextfile(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPipeline(reg)
	require.NoError(t, err)
	m.ObserveRun("Succeeded")

	path := filepath.Join(t.TempDir(), "winpxe.prom")
	require.NoError(t, WriteTextfile(path, reg))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), `winpxe_pipeline_runs_total{state="Succeeded"} 1`)
}
