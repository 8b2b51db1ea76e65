// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package pipeline

import (
	"github.com/relabs-tech/inertial_steps/internal/calibration"
	"github.com/relabs-tech/inertial_steps/internal/faults"
	"github.com/relabs-tech/inertial_steps/internal/fusion"
	"github.com/relabs-tech/inertial_steps/internal/power"
)

// StepCount is one update of the monotonic step-count stream.
type StepCount struct {
	TimestampMs int64       `json:"ts"`
	Total       int64       `json:"total"`
	Hardware    int64       `json:"hardware"`
	Frequency   int64       `json:"frequency"`
	Peak        int64       `json:"peak"`
	Mode        fusion.Mode `json:"mode"`
}

// WalkingUpdate is one update of the walking-state stream.
type WalkingUpdate struct {
	TimestampMs int64               `json:"ts"`
	State       fusion.WalkingState `json:"state"`
	CadenceHz   float64             `json:"cadence_hz"`
}

// Sink receives engine outputs. Methods are called from the pipeline
// goroutine only and must not block for long.
type Sink interface {
	Steps(StepCount)
	Walking(WalkingUpdate)
	Power(power.Profile)
	Calibration(calibration.Result)
	Condition(faults.Condition)
}

type sinks []Sink

func (s sinks) steps(v StepCount) {
	for _, k := range s {
		k.Steps(v)
	}
}

func (s sinks) walking(v WalkingUpdate) {
	for _, k := range s {
		k.Walking(v)
	}
}

func (s sinks) power(v power.Profile) {
	for _, k := range s {
		k.Power(v)
	}
}

func (s sinks) calibration(v calibration.Result) {
	for _, k := range s {
		k.Calibration(v)
	}
}

func (s sinks) condition(v faults.Condition) {
	for _, k := range s {
		k.Condition(v)
	}
}
