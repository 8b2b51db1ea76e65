// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package frequency estimates steps per window from the dominant gait
// frequency of the band-passed vertical signal.
package frequency

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/relabs-tech/inertial_steps/internal/preprocess"
)

// ErrWindowTooShort is returned for windows below Options.MinWindow; such
// windows are discarded and never counted.
var ErrWindowTooShort = errors.New("frequency: window too short")

// Reason explains a zero-step result.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonLowEnergy  Reason = "low_energy"
	ReasonOutOfBand  Reason = "out_of_band"
	ReasonUnreliable Reason = "unreliable"
)

// Options configures the estimator. Zero fields take defaults.
type Options struct {
	ValidLowHz  float64
	ValidHighHz float64
	// BandSlackHz widens the valid band to absorb estimation error at its edges.
	BandSlackHz  float64
	ScanLowHz    float64
	ScanHighHz   float64
	MinAmplitude float64 // g
	MinWindow    time.Duration
	Context      time.Duration
	Bins         int
	Omega0       float64
}

// DefaultOptions returns the walking/running band defaults.
func DefaultOptions() Options {
	return Options{
		ValidLowHz:   1.4,
		ValidHighHz:  2.3,
		BandSlackHz:  0.1,
		ScanLowHz:    0.7,
		ScanHighHz:   3.5,
		MinAmplitude: 0.05,
		MinWindow:    500 * time.Millisecond,
		Context:      2 * time.Second,
		Bins:         64,
		Omega0:       6,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ValidLowHz <= 0 {
		o.ValidLowHz = d.ValidLowHz
	}
	if o.ValidHighHz <= o.ValidLowHz {
		o.ValidHighHz = d.ValidHighHz
	}
	if o.BandSlackHz < 0 {
		o.BandSlackHz = 0
	}
	if o.ScanLowHz <= 0 {
		o.ScanLowHz = d.ScanLowHz
	}
	if o.ScanHighHz <= o.ScanLowHz {
		o.ScanHighHz = d.ScanHighHz
	}
	if o.MinAmplitude <= 0 {
		o.MinAmplitude = d.MinAmplitude
	}
	if o.MinWindow <= 0 {
		o.MinWindow = d.MinWindow
	}
	if o.Context < 0 {
		o.Context = 0
	}
	if o.Bins <= 0 {
		o.Bins = d.Bins
	}
	if o.Omega0 <= 0 {
		o.Omega0 = d.Omega0
	}
	return o
}

// Result is the estimate for one window.
type Result struct {
	WindowStartMs int64         `json:"window_start_ms"`
	WindowEndMs   int64         `json:"window_end_ms"`
	Duration      time.Duration `json:"duration"`
	Steps         int           `json:"steps"`
	DominantHz    float64       `json:"dominant_hz"`
	Amplitude     float64       `json:"amplitude"`
	NoGait        bool          `json:"no_gait"`
	Reason        Reason        `json:"reason,omitempty"`
}

// minBins keeps the scan grid usable under tight budgets.
const minBins = 8

// Estimator is stateful across windows: it keeps a short signal context and
// the fractional step remainder. Not safe for concurrent use.
type Estimator struct {
	opts  Options
	bins  int
	grid  []float64
	wav   *morlet
	carry float64

	hist     []float64
	histRate float64
	lastEnd  int64
}

// New builds an estimator.
func New(opts Options) *Estimator {
	opts = opts.withDefaults()
	e := &Estimator{opts: opts, wav: newMorlet(opts.Omega0)}
	e.SetBins(opts.Bins)
	return e
}

// SetBins caps the number of scanned scales (processing budget).
func (e *Estimator) SetBins(n int) {
	if n < minBins {
		n = minBins
	}
	if n == e.bins {
		return
	}
	e.bins = n
	e.grid = logGrid(e.opts.ScanLowHz, e.opts.ScanHighHz, n)
}

// Bins returns the current scan resolution.
func (e *Estimator) Bins() int { return e.bins }

// Reset drops context and the step remainder.
func (e *Estimator) Reset() {
	e.hist = nil
	e.histRate = 0
	e.lastEnd = 0
	e.carry = 0
}

// Estimate returns the step estimate for one window.
func (e *Estimator) Estimate(w preprocess.FilteredSignal) (Result, error) {
	res := Result{WindowStartMs: w.StartMs, WindowEndMs: w.EndMs, Duration: w.Duration()}
	if len(w.Band) == 0 || w.RateHz <= 0 {
		return res, fmt.Errorf("%w: empty window at %d ms", ErrWindowTooShort, w.StartMs)
	}
	if res.Duration < e.opts.MinWindow {
		return res, fmt.Errorf("%w: %v at %d ms", ErrWindowTooShort, res.Duration, w.StartMs)
	}

	e.remember(w)

	if !w.Reliable {
		res.NoGait, res.Reason = true, ReasonUnreliable
		return res, nil
	}
	if w.Still {
		e.carry = 0
		res.NoGait, res.Reason = true, ReasonLowEnergy
		return res, nil
	}

	dt := 1 / w.RateHz
	power := e.wav.spectrum(e.hist, dt, e.grid)
	i := floats.MaxIdx(power)
	f, p := refinePeak(e.grid, power, i)
	res.DominantHz = f
	res.Amplitude = amplitude(p, dt)

	switch {
	case res.Amplitude < e.opts.MinAmplitude:
		res.NoGait, res.Reason = true, ReasonLowEnergy
	case f < e.opts.ValidLowHz-e.opts.BandSlackHz || f > e.opts.ValidHighHz+e.opts.BandSlackHz:
		res.NoGait, res.Reason = true, ReasonOutOfBand
	}
	if res.NoGait {
		e.carry = 0
		return res, nil
	}

	exact := f*res.Duration.Seconds() + e.carry
	res.Steps = int(math.Round(exact))
	if res.Steps < 0 {
		res.Steps = 0
	}
	e.carry = exact - float64(res.Steps)
	return res, nil
}

// remember appends the window to the analysis context, restarting it on a
// rate change or a gap in the stream.
func (e *Estimator) remember(w preprocess.FilteredSignal) {
	gapMs := int64(1.5 * 1000 / w.RateHz)
	if w.RateHz != e.histRate || (e.lastEnd != 0 && w.StartMs-e.lastEnd > gapMs) {
		e.hist = nil
		e.carry = 0
	}
	e.histRate = w.RateHz
	e.lastEnd = w.EndMs

	e.hist = append(e.hist, w.Band...)
	keep := len(w.Band) + int(e.opts.Context.Seconds()*w.RateHz)
	if len(e.hist) > keep {
		e.hist = append([]float64(nil), e.hist[len(e.hist)-keep:]...)
	}
}
