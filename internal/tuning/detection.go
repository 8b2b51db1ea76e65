// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package tuning holds the shared step detection configuration.
//
// A DetectionConfig is a value; the Store publishes it by swapping a pointer
// so readers always observe a complete snapshot. Nothing mutates a published
// config in place.
package tuning

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/relabs-tech/inertial_steps/internal/faults"
)

// DetectionConfig holds the thresholds shared by the step detectors.
// Thresholds are in g of the filtered vertical signal.
type DetectionConfig struct {
	PeakThreshold     float64 `json:"peak_threshold"`
	ValleyThreshold   float64 `json:"valley_threshold"`
	MinStepIntervalMs int64   `json:"min_step_interval_ms"`
	MaxStepIntervalMs int64   `json:"max_step_interval_ms"`
	Sensitivity       float64 `json:"sensitivity"`
	IsCalibrated      bool    `json:"is_calibrated"`
}

// Valid ranges. Values outside are clamped, never rejected.
const (
	MinPeakThreshold   = 0.02
	MaxPeakThreshold   = 2.0
	MinValleyThreshold = -2.0
	MaxValleyThreshold = -0.01

	MinStepIntervalFloorMs = 150
	MinStepIntervalCeilMs  = 800
	MaxStepIntervalFloorMs = 700
	MaxStepIntervalCeilMs  = 3000

	// minIntervalGapMs keeps the accepted interval range non-empty.
	minIntervalGapMs = 100
)

// Default returns the uncalibrated defaults.
func Default() DetectionConfig {
	return DetectionConfig{
		PeakThreshold:     0.15,
		ValleyThreshold:   -0.10,
		MinStepIntervalMs: 250,
		MaxStepIntervalMs: 2000,
		Sensitivity:       0.5,
		IsCalibrated:      false,
	}
}

// Clamp returns c with every field forced into its valid range, plus a
// description of each field that had to change.
func (c DetectionConfig) Clamp() (DetectionConfig, []string) {
	var changed []string
	clampF := func(name string, v *float64, lo, hi float64) {
		orig := *v
		if *v != *v { // NaN
			*v = lo
		}
		if *v < lo {
			*v = lo
		}
		if *v > hi {
			*v = hi
		}
		if *v != orig {
			changed = append(changed, fmt.Sprintf("%s %.4g -> %.4g", name, orig, *v))
		}
	}
	clampI := func(name string, v *int64, lo, hi int64) {
		orig := *v
		if *v < lo {
			*v = lo
		}
		if *v > hi {
			*v = hi
		}
		if *v != orig {
			changed = append(changed, fmt.Sprintf("%s %d -> %d", name, orig, *v))
		}
	}

	clampF("peakThreshold", &c.PeakThreshold, MinPeakThreshold, MaxPeakThreshold)
	clampF("valleyThreshold", &c.ValleyThreshold, MinValleyThreshold, MaxValleyThreshold)
	clampF("sensitivity", &c.Sensitivity, 0, 1)
	clampI("minStepIntervalMs", &c.MinStepIntervalMs, MinStepIntervalFloorMs, MinStepIntervalCeilMs)
	clampI("maxStepIntervalMs", &c.MaxStepIntervalMs, MaxStepIntervalFloorMs, MaxStepIntervalCeilMs)
	if c.MaxStepIntervalMs < c.MinStepIntervalMs+minIntervalGapMs {
		orig := c.MaxStepIntervalMs
		c.MaxStepIntervalMs = c.MinStepIntervalMs + minIntervalGapMs
		changed = append(changed, fmt.Sprintf("maxStepIntervalMs %d -> %d", orig, c.MaxStepIntervalMs))
	}
	return c, changed
}

// Store publishes the active DetectionConfig to concurrent readers.
type Store struct {
	cur atomic.Pointer[DetectionConfig]
	log *slog.Logger
}

// NewStore creates a store holding initial (clamped).
func NewStore(initial DetectionConfig, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{log: log}
	_ = s.Replace(initial)
	return s
}

// Load returns the current snapshot.
func (s *Store) Load() DetectionConfig {
	return *s.cur.Load()
}

// Replace publishes cfg as one atomic replacement. Out-of-range values are
// clamped and logged; the returned error wraps faults.ErrConfigInvalid in that
// case, but the clamped config is still published.
func (s *Store) Replace(cfg DetectionConfig) error {
	clamped, changed := cfg.Clamp()
	s.cur.Store(&clamped)
	if len(changed) == 0 {
		return nil
	}
	detail := strings.Join(changed, ", ")
	s.log.Warn("tuning: config clamped", "changes", detail)
	return fmt.Errorf("%w: %s", faults.ErrConfigInvalid, detail)
}
