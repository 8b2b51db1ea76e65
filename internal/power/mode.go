// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package power

import (
	"fmt"
	"strings"
	"time"
)

// Mode is a power tier controlling sampling rate and processing budget.
type Mode int

const (
	HighPerformance Mode = iota
	Normal
	PowerSaving
	Sleep
)

func (m Mode) String() string {
	switch m {
	case HighPerformance:
		return "high_performance"
	case Normal:
		return "normal"
	case PowerSaving:
		return "power_saving"
	case Sleep:
		return "sleep"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode accepts the names produced by String, case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high_performance", "highperformance", "high":
		return HighPerformance, nil
	case "normal":
		return Normal, nil
	case "power_saving", "powersaving", "saving":
		return PowerSaving, nil
	case "sleep":
		return Sleep, nil
	}
	return Normal, fmt.Errorf("unknown power mode %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Budget bounds the per-window processing cost.
type Budget struct {
	MaxWindowCost time.Duration // wall time ceiling for one window
	FrequencyBins int           // wavelet scales scanned by the frequency estimator
	SmoothingTaps int           // moving-average length in the preprocessor
}

// Profile is everything the pipeline needs to know about a Mode.
type Profile struct {
	Mode              Mode    `json:"mode"`
	SampleRateHz      float64 `json:"sample_rate_hz"`
	Budget            Budget  `json:"-"`
	FrequencyEnabled  bool    `json:"frequency_enabled"`
	PeakEnabled       bool    `json:"peak_enabled"`
	ForceHardwareOnly bool    `json:"force_hardware_only"`
}

// SoftwareEnabled reports whether any software detector runs in this profile.
func (p Profile) SoftwareEnabled() bool {
	return p.FrequencyEnabled || p.PeakEnabled
}

// DefaultProfiles returns the stock tier table.
func DefaultProfiles() map[Mode]Profile {
	return map[Mode]Profile{
		HighPerformance: {
			Mode:             HighPerformance,
			SampleRateHz:     100,
			Budget:           Budget{MaxWindowCost: 40 * time.Millisecond, FrequencyBins: 64, SmoothingTaps: 5},
			FrequencyEnabled: true,
			PeakEnabled:      true,
		},
		Normal: {
			Mode:             Normal,
			SampleRateHz:     50,
			Budget:           Budget{MaxWindowCost: 20 * time.Millisecond, FrequencyBins: 48, SmoothingTaps: 3},
			FrequencyEnabled: true,
			PeakEnabled:      true,
		},
		PowerSaving: {
			Mode:             PowerSaving,
			SampleRateHz:     25,
			Budget:           Budget{MaxWindowCost: 10 * time.Millisecond, FrequencyBins: 32, SmoothingTaps: 1},
			FrequencyEnabled: true,
		},
		Sleep: {
			Mode:              Sleep,
			SampleRateHz:      10,
			Budget:            Budget{MaxWindowCost: 2 * time.Millisecond, FrequencyBins: 0, SmoothingTaps: 1},
			ForceHardwareOnly: true,
		},
	}
}
