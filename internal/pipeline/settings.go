// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package pipeline

import (
	"fmt"
	"strings"

	"github.com/relabs-tech/inertial_steps/internal/faults"
	"github.com/relabs-tech/inertial_steps/internal/fusion"
	"github.com/relabs-tech/inertial_steps/internal/power"
	"github.com/relabs-tech/inertial_steps/internal/tuning"
)

// BatteryAuto selects the power mode from the battery/activity signal.
const BatteryAuto = "auto"

// Settings is the whole externally configurable surface. It is always
// applied as one replacement.
type Settings struct {
	PeakThreshold     float64     `json:"peakThreshold"`
	ValleyThreshold   float64     `json:"valleyThreshold"`
	MinStepIntervalMs int64       `json:"minStepIntervalMs"`
	MaxStepIntervalMs int64       `json:"maxStepIntervalMs"`
	Sensitivity       float64     `json:"sensitivity"`
	IsCalibrated      bool        `json:"isCalibrated"`
	FusionMode        fusion.Mode `json:"fusionMode"`
	// BatteryMode is a power mode name or BatteryAuto.
	BatteryMode string `json:"batteryMode"`
}

// DefaultSettings returns uncalibrated thresholds, adaptive fusion and
// automatic power selection.
func DefaultSettings() Settings {
	return NewSettings(tuning.Default(), fusion.Adaptive, BatteryAuto)
}

// NewSettings assembles Settings from its parts.
func NewSettings(cfg tuning.DetectionConfig, mode fusion.Mode, battery string) Settings {
	return Settings{
		PeakThreshold:     cfg.PeakThreshold,
		ValleyThreshold:   cfg.ValleyThreshold,
		MinStepIntervalMs: cfg.MinStepIntervalMs,
		MaxStepIntervalMs: cfg.MaxStepIntervalMs,
		Sensitivity:       cfg.Sensitivity,
		IsCalibrated:      cfg.IsCalibrated,
		FusionMode:        mode,
		BatteryMode:       battery,
	}
}

// Detection returns the detector thresholds part.
func (s Settings) Detection() tuning.DetectionConfig {
	return tuning.DetectionConfig{
		PeakThreshold:     s.PeakThreshold,
		ValleyThreshold:   s.ValleyThreshold,
		MinStepIntervalMs: s.MinStepIntervalMs,
		MaxStepIntervalMs: s.MaxStepIntervalMs,
		Sensitivity:       s.Sensitivity,
		IsCalibrated:      s.IsCalibrated,
	}
}

// PowerOverride resolves BatteryMode. A nil mode means automatic. Unknown
// names fall back to automatic and report ErrConfigInvalid.
func (s Settings) PowerOverride() (*power.Mode, error) {
	name := strings.TrimSpace(s.BatteryMode)
	if name == "" || strings.EqualFold(name, BatteryAuto) {
		return nil, nil
	}
	m, err := power.ParseMode(name)
	if err != nil {
		return nil, fmt.Errorf("%w: batteryMode: %v", faults.ErrConfigInvalid, err)
	}
	return &m, nil
}
