// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package imu

import "math"

// Sample is a single tri-axial accelerometer reading in g.
type Sample struct {
	TimestampMs int64   `json:"ts"`
	Ax          float64 `json:"ax"`
	Ay          float64 `json:"ay"`
	Az          float64 `json:"az"`
}

// Valid reports whether all axes are finite numbers.
func (s Sample) Valid() bool {
	for _, v := range [3]float64{s.Ax, s.Ay, s.Az} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Norm returns the magnitude of the acceleration vector.
func (s Sample) Norm() float64 {
	return math.Sqrt(s.Ax*s.Ax + s.Ay*s.Ay + s.Az*s.Az)
}

// HardwareReading is a periodic value from the device's step counter.
// CumulativeSteps counts from an arbitrary origin (usually last boot).
type HardwareReading struct {
	TimestampMs     int64 `json:"ts"`
	CumulativeSteps int64 `json:"steps"`
}

// Raw is a raw accelerometer reading in sensor counts, as delivered by
// MPU-9250 class devices.
type Raw struct {
	Source string `json:"source"`

	Ax int16 `json:"ax"`
	Ay int16 `json:"ay"`
	Az int16 `json:"az"`
}

// countsPerG maps the MPU-9250 accel range selector (0=±2g, 1=±4g,
// 2=±8g, 3=±16g) to LSB per g.
var countsPerG = [4]float64{16384, 8192, 4096, 2048}

// ToSample converts raw counts into g using the configured range selector.
func (r Raw) ToSample(tsMs int64, accelRange byte) Sample {
	scale := countsPerG[0]
	if int(accelRange) < len(countsPerG) {
		scale = countsPerG[accelRange]
	}
	return Sample{
		TimestampMs: tsMs,
		Ax:          float64(r.Ax) / scale,
		Ay:          float64(r.Ay) / scale,
		Az:          float64(r.Az) / scale,
	}
}
