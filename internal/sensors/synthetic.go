// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"context"
	"io"
	"math"
	"math/rand"
	"time"

	"github.com/relabs-tech/inertial_steps/internal/imu"
)

// SyntheticOptions shapes a generated gait signal.
type SyntheticOptions struct {
	RateHz     float64
	CadenceHz  float64 // steps per second; 0 gives a resting device
	AmplitudeG float64
	NoiseG     float64
	TiltDeg    float64 // device tilt around X, so gravity is not on one axis
	Seed       int64
	// Duration ends the stream with io.EOF; 0 runs forever.
	Duration time.Duration
	// HardwareEvery attaches a step counter reading at this period; 0 disables it.
	HardwareEvery time.Duration
	// Realtime paces readings on the wall clock and stamps them with it.
	Realtime bool
}

// Synthetic generates a walking signal: a vertical sinusoid at the cadence
// on top of gravity, with uniform noise on every axis.
type Synthetic struct {
	opts   SyntheticOptions
	rng    *rand.Rand
	up     [3]float64
	n      int64
	baseMs int64
	lastHw int64
	ticker *time.Ticker
}

// NewSynthetic builds a generator. Zero RateHz defaults to 50 Hz.
func NewSynthetic(opts SyntheticOptions) *Synthetic {
	if opts.RateHz <= 0 {
		opts.RateHz = 50
	}
	tilt := opts.TiltDeg * math.Pi / 180
	s := &Synthetic{
		opts:   opts,
		rng:    rand.New(rand.NewSource(opts.Seed)),
		up:     [3]float64{0, math.Sin(tilt), math.Cos(tilt)},
		lastHw: -1,
	}
	if opts.Realtime {
		s.baseMs = time.Now().UnixMilli()
	}
	return s
}

// SyntheticOpener adapts NewSynthetic for Subscribe.
func SyntheticOpener(opts SyntheticOptions) Opener {
	return func(context.Context) (Reader, error) {
		return NewSynthetic(opts), nil
	}
}

// Read returns the next generated reading.
func (s *Synthetic) Read(ctx context.Context) (Reading, error) {
	elapsed := float64(s.n) / s.opts.RateHz
	if s.opts.Duration > 0 && elapsed >= s.opts.Duration.Seconds() {
		return Reading{}, io.EOF
	}
	if s.opts.Realtime {
		if s.ticker == nil {
			s.ticker = time.NewTicker(time.Duration(float64(time.Second) / s.opts.RateHz))
		}
		select {
		case <-s.ticker.C:
		case <-ctx.Done():
			return Reading{}, ctx.Err()
		}
	}
	s.n++

	ts := s.baseMs + int64(math.Round(elapsed*1000))
	mag := 1.0
	if s.opts.CadenceHz > 0 {
		mag += s.opts.AmplitudeG * math.Sin(2*math.Pi*s.opts.CadenceHz*elapsed)
	}
	noise := func() float64 { return (s.rng.Float64() - 0.5) * 2 * s.opts.NoiseG }
	rd := Reading{Sample: &imu.Sample{
		TimestampMs: ts,
		Ax:          mag*s.up[0] + noise(),
		Ay:          mag*s.up[1] + noise(),
		Az:          mag*s.up[2] + noise(),
	}}

	if every := s.opts.HardwareEvery.Milliseconds(); every > 0 {
		if slot := int64(elapsed*1000) / every; slot != s.lastHw {
			s.lastHw = slot
			rd.Hardware = &imu.HardwareReading{
				TimestampMs:     ts,
				CumulativeSteps: int64(math.Floor(s.opts.CadenceHz * elapsed)),
			}
		}
	}
	return rd, nil
}

// Close stops the pacing ticker.
func (s *Synthetic) Close() error {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	return nil
}
