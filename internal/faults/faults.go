// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package faults holds the error kinds and surfaced conditions of the step engine.
package faults

import (
	"errors"
	"fmt"
)

var (
	// ErrSensorUnavailable means a sensor subscription was lost or denied.
	ErrSensorUnavailable = errors.New("sensor unavailable")
	// ErrCalibrationFailed means a calibration session could not derive a config.
	ErrCalibrationFailed = errors.New("calibration failed")
	// ErrFusionConflict means step sources disagree beyond tolerance.
	ErrFusionConflict = errors.New("fusion conflict")
	// ErrConfigInvalid means a configuration value was out of range and got clamped.
	ErrConfigInvalid = errors.New("config invalid")
)

// ConditionKind names a non-fatal condition surfaced to the host application.
type ConditionKind string

const (
	SensorUnavailable        ConditionKind = "sensor_unavailable"
	SensorRecovered          ConditionKind = "sensor_recovered"
	RecalibrationRecommended ConditionKind = "recalibration_recommended"
	NeedsAttention           ConditionKind = "needs_attention"
	FusionConflict           ConditionKind = "fusion_conflict"
)

// Condition is a surfaced, non-fatal engine condition.
type Condition struct {
	Kind        ConditionKind `json:"kind"`
	TimestampMs int64         `json:"ts"`
	Detail      string        `json:"detail,omitempty"`
}

func (c Condition) String() string {
	if c.Detail == "" {
		return string(c.Kind)
	}
	return fmt.Sprintf("%s: %s", c.Kind, c.Detail)
}
