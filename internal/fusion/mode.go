// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package fusion

import (
	"fmt"
	"strings"
)

// Mode selects how hardware and software step sources are reconciled.
type Mode int

const (
	// HardwareOnly trusts the hardware counter and ignores software.
	HardwareOnly Mode = iota
	// SoftwareOnly ignores the hardware counter.
	SoftwareOnly
	// GapFill keeps hardware as the baseline and lets software count while
	// hardware updates are stale.
	GapFill
	// FullFusion takes the larger of hardware and software and reports
	// disagreements.
	FullFusion
	// Adaptive picks one of the above from signal quality, hardware
	// availability and power mode.
	Adaptive
)

func (m Mode) String() string {
	switch m {
	case HardwareOnly:
		return "hardware_only"
	case SoftwareOnly:
		return "software_only"
	case GapFill:
		return "hardware_with_software_gap_fill"
	case FullFusion:
		return "full_fusion"
	case Adaptive:
		return "adaptive"
	}
	return fmt.Sprintf("fusion(%d)", int(m))
}

// ParseMode accepts the names produced by String plus a few short forms.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hardware_only", "hardwareonly", "hardware":
		return HardwareOnly, nil
	case "software_only", "softwareonly", "software":
		return SoftwareOnly, nil
	case "hardware_with_software_gap_fill", "hardwarewithsoftwaregapfill", "gap_fill", "gapfill":
		return GapFill, nil
	case "full_fusion", "fullfusion", "full":
		return FullFusion, nil
	case "adaptive":
		return Adaptive, nil
	}
	return Adaptive, fmt.Errorf("unknown fusion mode %q", s)
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

// WalkingState classifies current gait.
type WalkingState string

const (
	Idle    WalkingState = "idle"
	Walking WalkingState = "walking"
	Running WalkingState = "running"
)
