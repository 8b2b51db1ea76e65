// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package gps turns NMEA sentences into fixes and movement hints for the
// power policy.
package gps

import (
	"errors"
	"strings"

	nmea "github.com/adrianmo/go-nmea"

	"github.com/relabs-tech/inertial_steps/internal/power"
)

// Fix represents a single combined GPS fix suitable for JSON and MQTT.
type Fix struct {
	Time       string         `json:"time"`        // e.g. "12:34:56"
	Date       string         `json:"date"`        // e.g. "06/12/25"
	Latitude   float64        `json:"lat"`         // decimal degrees
	Longitude  float64        `json:"lon"`         // decimal degrees
	SpeedKnots float64        `json:"speed_knots"` // speed over ground
	CourseDeg  float64        `json:"course_deg"`  // course over ground
	Validity   string         `json:"validity"`    // "A" (valid) / "V" (void)
	Activity   power.Activity `json:"activity,omitempty"`
}

// Valid reports whether the receiver had a position fix.
func (f Fix) Valid() bool { return f.Validity == nmea.ValidRMC }

// ErrNotRMC is returned for well-formed sentences that carry no fix.
var ErrNotRMC = errors.New("gps: not an RMC sentence")

// Speed bands in m/s.
const (
	StationaryBelowMps = 0.3
	RunningAboveMps    = 2.2

	knotsToMps = 0.514444
)

// ActivityFromSpeed classifies ground speed into a movement hint.
func ActivityFromSpeed(knots float64) power.Activity {
	mps := knots * knotsToMps
	switch {
	case mps < StationaryBelowMps:
		return power.ActivityStationary
	case mps > RunningAboveMps:
		return power.ActivityRunning
	}
	return power.ActivityWalking
}

// ParseRMC parses one NMEA line into a fix. Other sentence types return
// ErrNotRMC; malformed lines return the parser error.
func ParseRMC(line string) (Fix, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return Fix{}, ErrNotRMC
	}
	sentence, err := nmea.Parse(line)
	if err != nil {
		return Fix{}, err
	}
	m, ok := sentence.(nmea.RMC)
	if !ok {
		return Fix{}, ErrNotRMC
	}
	f := Fix{
		Time:       m.Time.String(),
		Date:       m.Date.String(),
		Latitude:   m.Latitude,
		Longitude:  m.Longitude,
		SpeedKnots: m.Speed,
		CourseDeg:  m.Course,
		Validity:   m.Validity,
	}
	if f.Valid() {
		f.Activity = ActivityFromSpeed(m.Speed)
	}
	return f, nil
}
