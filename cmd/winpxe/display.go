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

package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/winpxe/internal/pipeline"
	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
)

var _ pipeline.Observer = &display{}

// display reports step progress on w, either as one line per finished step
// or as a progress bar.
type display struct {
	w        io.Writer
	progress bool
	bar      *progressbar.ProgressBar
}

func newTextDisplay(w io.Writer) *display {
	return &display{w: w}
}

func newProgressDisplay(w io.Writer) *display {
	return &display{w: w, progress: true}
}

func (d *display) StepStarted(index, total int, step pipeline.Step) {
	if !d.progress {
		return
	}
	if d.bar == nil {
		d.bar = progressbar.NewOptions(total,
			progressbar.OptionSetWriter(d.w),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(20),
			progressbar.OptionSetPredictTime(false),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(d.w) }),
		)
	}
	d.bar.Describe(strings.TrimSuffix(step.Banner, "..."))
}

func (d *display) StepFinished(index, total int, result pipeline.StepResult) {
	if d.bar != nil {
		_ = d.bar.Add(1)
	}

	if d.progress && result.Outcome == pipeline.OutcomeSucceeded {
		return
	}
	if d.bar != nil {
		_ = d.bar.Clear()
	}
	fmt.Fprintln(d.w, stepLine(index, total, result))
}

// Close finishes the progress bar, if any.
func (d *display) Close() {
	if d.bar != nil {
		_ = d.bar.Finish()
	}
}

func stepLine(index, total int, result pipeline.StepResult) string {
	line := fmt.Sprintf("[%d/%d] %s: %s (%s)", index+1, total, result.Name, result.Outcome, formatDuration(result.Duration))
	if result.Err != nil && result.Outcome != pipeline.OutcomeSucceeded {
		line += ": " + result.Err.Error()
	}
	return line
}

// formatDuration renders d for humans, e.g. "350ms" or "12 minutes".
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	var zero time.Time
	return strings.TrimSpace(humanize.RelTime(zero, zero.Add(d), "", ""))
}
