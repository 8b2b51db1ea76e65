// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import (
	"math"
)

// Pose is the device tilt derived from the gravity vector.
type Pose struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// ComputePoseFromAccel computes roll and pitch from accelerometer data only.
// Yaw is unobservable without a magnetometer and is left at 0.
//
// Uses simple tilt formulas:
//
//	roll  = atan2(ay, az)
//	pitch = atan2(-ax, sqrt(ay² + az²))
func ComputePoseFromAccel(ax, ay, az float64) Pose {
	rollRad := math.Atan2(ay, az)
	pitchRad := math.Atan2(-ax, math.Sqrt(ay*ay+az*az))

	return Pose{
		Roll:  rollRad * 180.0 / math.Pi,
		Pitch: pitchRad * 180.0 / math.Pi,
	}
}

// minGravityNorm is the smallest tracked gravity magnitude (g) for which the
// vertical direction is considered observable.
const minGravityNorm = 0.3

// GravityTracker follows the slowly varying gravity vector with a first
// order low-pass, so that dynamic acceleration can be projected onto the
// vertical axis whatever the device orientation.
type GravityTracker struct {
	alpha float64
	g     [3]float64
	ready bool
}

// NewGravityTracker builds a tracker with the given cutoff at sample rate rateHz.
func NewGravityTracker(cutoffHz, rateHz float64) *GravityTracker {
	dt := 1.0 / rateHz
	rc := 1.0 / (2 * math.Pi * cutoffHz)
	return &GravityTracker{alpha: dt / (rc + dt)}
}

// Update feeds one raw sample and returns the current gravity estimate.
// The first sample seeds the estimate directly.
func (t *GravityTracker) Update(ax, ay, az float64) [3]float64 {
	if !t.ready {
		t.g = [3]float64{ax, ay, az}
		t.ready = true
		return t.g
	}
	t.g[0] += t.alpha * (ax - t.g[0])
	t.g[1] += t.alpha * (ay - t.g[1])
	t.g[2] += t.alpha * (az - t.g[2])
	return t.g
}

// Gravity returns the current estimate.
func (t *GravityTracker) Gravity() [3]float64 { return t.g }

// Pose returns the tilt implied by the current gravity estimate.
func (t *GravityTracker) Pose() Pose {
	return ComputePoseFromAccel(t.g[0], t.g[1], t.g[2])
}

// Reset forgets the estimate; the next Update reseeds it.
func (t *GravityTracker) Reset() {
	t.g = [3]float64{}
	t.ready = false
}

// Vertical projects the dynamic vector d onto the gravity direction. When
// gravity is not observable it falls back to the vector magnitude signed by
// its dominant axis.
func (t *GravityTracker) Vertical(d [3]float64) float64 {
	g := t.g
	n := math.Sqrt(g[0]*g[0] + g[1]*g[1] + g[2]*g[2])
	if n >= minGravityNorm {
		return (d[0]*g[0] + d[1]*g[1] + d[2]*g[2]) / n
	}
	mag := math.Sqrt(d[0]*d[0] + d[1]*d[1] + d[2]*d[2])
	dom := d[0]
	for _, v := range d[1:] {
		if math.Abs(v) > math.Abs(dom) {
			dom = v
		}
	}
	if dom < 0 {
		return -mag
	}
	return mag
}
