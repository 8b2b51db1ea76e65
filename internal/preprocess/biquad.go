// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package preprocess

import "math"

// biquad is a second order IIR section in direct form I.
//
// The first processed sample primes the delay line with the filter's
// steady-state response to that value, so a constant offset (gravity, bias)
// present from the first sample does not ring through the output.
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64

	x1, x2 float64
	y1, y2 float64
	primed bool
}

const butterworthQ = 1 / math.Sqrt2

// clampCutoff keeps fc strictly below Nyquist so the bilinear design stays stable.
func clampCutoff(fc, fs float64) float64 {
	if lim := 0.45 * fs; fc > lim {
		return lim
	}
	return fc
}

// newLowPass designs an RBJ cookbook low-pass.
func newLowPass(fc, fs, q float64) *biquad {
	w0 := 2 * math.Pi * clampCutoff(fc, fs) / fs
	cos, alpha := math.Cos(w0), math.Sin(w0)/(2*q)
	a0 := 1 + alpha
	return &biquad{
		b0: (1 - cos) / 2 / a0,
		b1: (1 - cos) / a0,
		b2: (1 - cos) / 2 / a0,
		a1: -2 * cos / a0,
		a2: (1 - alpha) / a0,
	}
}

// newHighPass designs an RBJ cookbook high-pass.
func newHighPass(fc, fs, q float64) *biquad {
	w0 := 2 * math.Pi * clampCutoff(fc, fs) / fs
	cos, alpha := math.Cos(w0), math.Sin(w0)/(2*q)
	a0 := 1 + alpha
	return &biquad{
		b0: (1 + cos) / 2 / a0,
		b1: -(1 + cos) / a0,
		b2: (1 + cos) / 2 / a0,
		a1: -2 * cos / a0,
		a2: (1 - alpha) / a0,
	}
}

// newBandPass designs a constant 0 dB peak gain band-pass between lo and hi.
func newBandPass(lo, hi, fs float64) *biquad {
	hi = clampCutoff(hi, fs)
	f0 := math.Sqrt(lo * hi)
	q := f0 / (hi - lo)
	w0 := 2 * math.Pi * f0 / fs
	cos, alpha := math.Cos(w0), math.Sin(w0)/(2*q)
	a0 := 1 + alpha
	return &biquad{
		b0: alpha / a0,
		b1: 0,
		b2: -alpha / a0,
		a1: -2 * cos / a0,
		a2: (1 - alpha) / a0,
	}
}

func (f *biquad) dcGain() float64 {
	return (f.b0 + f.b1 + f.b2) / (1 + f.a1 + f.a2)
}

func (f *biquad) process(x float64) float64 {
	if !f.primed {
		y := f.dcGain() * x
		f.x1, f.x2 = x, x
		f.y1, f.y2 = y, y
		f.primed = true
	}
	y := f.b0*x + f.b1*f.x1 + f.b2*f.x2 - f.a1*f.y1 - f.a2*f.y2
	f.x2, f.x1 = f.x1, x
	f.y2, f.y1 = f.y1, y
	return y
}

// movingAverage is a boxcar smoother over the last n values.
type movingAverage struct {
	buf  []float64
	next int
	full bool
	sum  float64
}

func newMovingAverage(n int) *movingAverage {
	if n < 1 {
		n = 1
	}
	return &movingAverage{buf: make([]float64, n)}
}

func (m *movingAverage) process(x float64) float64 {
	m.sum += x - m.buf[m.next]
	m.buf[m.next] = x
	m.next++
	if m.next == len(m.buf) {
		m.next = 0
		m.full = true
	}
	if m.full {
		return m.sum / float64(len(m.buf))
	}
	return m.sum / float64(m.next)
}
