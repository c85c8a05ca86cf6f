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

// Package metrics holds the Prometheus collectors of the setup pipeline and
// the TFTP server. A nil *Pipeline or *TFTP records nothing.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "winpxe"

// Pipeline collects setup pipeline metrics.
type Pipeline struct {
	steps     *prometheus.CounterVec
	durations *prometheus.HistogramVec
	runs      *prometheus.CounterVec
}

// NewPipeline creates the pipeline collectors and registers them with reg.
func NewPipeline(reg prometheus.Registerer) (*Pipeline, error) {
	m := &Pipeline{
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_total",
			Help:      "Number of executed setup steps by outcome.",
		}, []string{"step", "outcome"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of setup steps.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
		}, []string{"step"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Number of setup runs by terminal state.",
		}, []string{"state"}),
	}

	for _, c := range []prometheus.Collector{m.steps, m.durations, m.runs} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering pipeline metrics: %w", err)
		}
	}

	return m, nil
}

// ObserveStep records a finished step.
func (m *Pipeline) ObserveStep(step, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(step, outcome).Inc()
	m.durations.WithLabelValues(step).Observe(d.Seconds())
}

// ObserveRun records a run reaching a terminal state.
func (m *Pipeline) ObserveRun(state string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(state).Inc()
}

// TFTP collects TFTP server metrics.
type TFTP struct {
	files  *prometheus.CounterVec
	served prometheus.Counter
}

// NewTFTP creates the TFTP collectors and registers them with reg.
func NewTFTP(reg prometheus.Registerer) (*TFTP, error) {
	m := &TFTP{
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tftp",
			Name:      "requests_total",
			Help:      "Number of TFTP read requests by result.",
		}, []string{"result"}),
		served: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tftp",
			Name:      "sent_bytes_total",
			Help:      "Bytes sent to TFTP clients.",
		}),
	}

	for _, c := range []prometheus.Collector{m.files, m.served} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering tftp metrics: %w", err)
		}
	}

	return m, nil
}

// Request records a read request with its result ("sent", "not_found",
// "denied", "error") and the number of bytes sent.
func (m *TFTP) Request(result string, bytes int64) {
	if m == nil {
		return
	}
	m.files.WithLabelValues(result).Inc()
	if bytes > 0 {
		m.served.Add(float64(bytes))
	}
}

// WriteTextfile writes the metrics gathered by g in the text exposition
// format, for the node exporter textfile collector.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("writing metrics textfile %s: %w", path, err)
	}
	return nil
}
