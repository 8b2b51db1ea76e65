// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package imu

// StepSource identifies which detector produced a StepEvent.
type StepSource string

// Only the peak detector emits per-step events today. Hardware counters and
// the frequency estimator report cumulative or per-window counts instead;
// their sources are reserved for devices that deliver one event per step.
const (
	SourceHardware  StepSource = "hardware"
	SourceFrequency StepSource = "frequency"
	SourcePeak      StepSource = "peak"
)

// StepEvent is a single detected step. Values are never mutated after creation.
type StepEvent struct {
	TimestampMs int64      `json:"ts"`
	Source      StepSource `json:"source"`
	Confidence  float64    `json:"confidence"`
}
