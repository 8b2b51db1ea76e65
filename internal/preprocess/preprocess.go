// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package preprocess turns raw accelerometer samples into a filtered,
// orientation-independent vertical signal with a quality score.
package preprocess

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/relabs-tech/inertial_steps/internal/imu"
	"github.com/relabs-tech/inertial_steps/internal/orientation"
)

var (
	// ErrOutOfOrder is returned for samples whose timestamp does not advance.
	ErrOutOfOrder = errors.New("preprocess: out-of-order sample")
	// ErrMalformed is returned for samples with non-finite axes.
	ErrMalformed = errors.New("preprocess: malformed sample")
)

// Options configures the preprocessor. Zero fields take defaults.
type Options struct {
	LowPassHz        float64
	HighPassHz       float64
	BandLowHz        float64
	BandHighHz       float64
	GravityHz        float64
	Window           time.Duration
	QualityFloor     float64
	UnreliableStreak int
	// StillRMS is the window RMS (g) below which the device is considered
	// at rest: such windows are trustworthy evidence of no steps.
	StillRMS float64
}

// DefaultOptions returns the stock filter chain settings.
func DefaultOptions() Options {
	return Options{
		LowPassHz:        5.0,
		HighPassHz:       0.5,
		BandLowHz:        1.0,
		BandHighHz:       3.0,
		GravityHz:        0.3,
		Window:           time.Second,
		QualityFloor:     0.3,
		UnreliableStreak: 5,
		StillRMS:         0.01,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.LowPassHz <= 0 {
		o.LowPassHz = d.LowPassHz
	}
	if o.HighPassHz <= 0 {
		o.HighPassHz = d.HighPassHz
	}
	if o.BandLowHz <= 0 {
		o.BandLowHz = d.BandLowHz
	}
	if o.BandHighHz <= o.BandLowHz {
		o.BandHighHz = d.BandHighHz
	}
	if o.GravityHz <= 0 {
		o.GravityHz = d.GravityHz
	}
	if o.Window <= 0 {
		o.Window = d.Window
	}
	if o.QualityFloor <= 0 {
		o.QualityFloor = d.QualityFloor
	}
	if o.UnreliableStreak <= 0 {
		o.UnreliableStreak = d.UnreliableStreak
	}
	if o.StillRMS <= 0 {
		o.StillRMS = d.StillRMS
	}
	return o
}

// Point is one filtered sample for streaming consumers.
type Point struct {
	TimestampMs int64
	Value       float64 // smoothed vertical acceleration, g
	Band        float64 // band-passed vertical acceleration, g
	Reliable    bool    // reliability of the most recent completed window
}

// FilteredSignal is one processed window. It is never modified after Push
// returns it.
type FilteredSignal struct {
	StartMs    int64
	EndMs      int64
	RateHz     float64
	Timestamps []int64
	Values     []float64
	Band       []float64

	Quality  float64
	Reliable bool
	Still    bool
	RMS      float64
	Pose     orientation.Pose

	// RecalibrationRecommended is set on the window completing a run of
	// consecutive unreliable windows.
	RecalibrationRecommended bool
}

// Duration is the time span covered by the window's samples.
func (f FilteredSignal) Duration() time.Duration {
	if len(f.Values) == 0 || f.RateHz <= 0 {
		return 0
	}
	return time.Duration(float64(len(f.Values)) / f.RateHz * float64(time.Second))
}

// Preprocessor is a streaming filter chain. It is not safe for concurrent use;
// the pipeline owns it from a single goroutine.
type Preprocessor struct {
	opts   Options
	rateHz float64
	taps   int

	lp, hp  [3]*biquad
	band    *biquad
	smooth  *movingAverage
	gravity *orientation.GravityTracker

	lastTs   int64
	haveLast bool

	cur       FilteredSignal
	varHist   []float64
	streak    int
	reliable  bool
	processed int
}

// New builds a preprocessor for the given sample rate and smoothing taps.
func New(opts Options, rateHz float64, taps int) *Preprocessor {
	p := &Preprocessor{opts: opts.withDefaults(), reliable: true}
	p.Reset(rateHz, taps)
	return p
}

// Options returns the effective options.
func (p *Preprocessor) Options() Options { return p.opts }

// RateHz returns the sample rate the filters are designed for.
func (p *Preprocessor) RateHz() float64 { return p.rateHz }

// Reset redesigns the filters for a new rate and drops the open window.
// The timestamp high-water mark is kept so replays stay rejected.
func (p *Preprocessor) Reset(rateHz float64, taps int) {
	if rateHz <= 0 {
		rateHz = 50
	}
	p.rateHz = rateHz
	p.taps = taps
	for i := range 3 {
		p.lp[i] = newLowPass(p.opts.LowPassHz, rateHz, butterworthQ)
		p.hp[i] = newHighPass(p.opts.HighPassHz, rateHz, butterworthQ)
	}
	p.band = newBandPass(p.opts.BandLowHz, p.opts.BandHighHz, rateHz)
	p.smooth = newMovingAverage(taps)
	p.gravity = orientation.NewGravityTracker(p.opts.GravityHz, rateHz)
	p.cur = FilteredSignal{}
	p.varHist = p.varHist[:0]
	p.streak = 0
	p.reliable = true
}

// Flush drops buffered samples of the open window without emitting them and
// returns how many were dropped.
func (p *Preprocessor) Flush() int {
	n := len(p.cur.Values)
	p.cur = FilteredSignal{}
	return n
}

// Buffered returns the number of samples in the open window.
func (p *Preprocessor) Buffered() int { return len(p.cur.Values) }

// LastTimestamp returns the newest accepted sample timestamp.
func (p *Preprocessor) LastTimestamp() (int64, bool) { return p.lastTs, p.haveLast }

// Push filters one sample. It returns the filtered point and, when s
// completes the current window, the finished FilteredSignal.
func (p *Preprocessor) Push(s imu.Sample) (Point, *FilteredSignal, error) {
	if !s.Valid() {
		return Point{}, nil, fmt.Errorf("%w at %d ms", ErrMalformed, s.TimestampMs)
	}
	if p.haveLast && s.TimestampMs <= p.lastTs {
		return Point{}, nil, fmt.Errorf("%w: %d ms after %d ms", ErrOutOfOrder, s.TimestampMs, p.lastTs)
	}
	p.lastTs, p.haveLast = s.TimestampMs, true

	raw := [3]float64{s.Ax, s.Ay, s.Az}
	var dyn [3]float64
	for i := range 3 {
		dyn[i] = p.hp[i].process(p.lp[i].process(raw[i]))
	}
	p.gravity.Update(s.Ax, s.Ay, s.Az)
	vertical := p.gravity.Vertical(dyn)
	value := p.smooth.process(vertical)
	band := p.band.process(vertical)

	if len(p.cur.Values) == 0 {
		p.cur.StartMs = s.TimestampMs
	}
	p.cur.EndMs = s.TimestampMs
	p.cur.Timestamps = append(p.cur.Timestamps, s.TimestampMs)
	p.cur.Values = append(p.cur.Values, value)
	p.cur.Band = append(p.cur.Band, band)

	pt := Point{TimestampMs: s.TimestampMs, Value: value, Band: band, Reliable: p.reliable}

	periodMs := 1000.0 / p.rateHz
	if float64(s.TimestampMs-p.cur.StartMs)+periodMs < float64(p.opts.Window.Milliseconds()) {
		return pt, nil, nil
	}
	win := p.finish()
	return pt, &win, nil
}

func (p *Preprocessor) finish() FilteredSignal {
	w := p.cur
	p.cur = FilteredSignal{}
	w.RateHz = p.rateHz
	w.Pose = p.gravity.Pose()

	mean, std := stat.MeanStdDev(w.Values, nil)
	variance := std * std
	if len(w.Values) < 2 {
		variance = 0
	}
	w.RMS = math.Sqrt(variance + mean*mean)

	if w.RMS < p.opts.StillRMS {
		w.Still = true
		w.Quality = 1
	} else {
		ratio := bandEnergyRatio(w.Values, w.RateHz, p.opts.BandLowHz, p.opts.BandHighHz)
		w.Quality = clamp01(0.5*varianceStability(variance, p.varHist) + 0.5*ratio)
	}
	w.Reliable = w.Quality >= p.opts.QualityFloor

	p.varHist = append(p.varHist, variance)
	if len(p.varHist) > 5 {
		p.varHist = p.varHist[1:]
	}

	if w.Reliable {
		p.streak = 0
	} else {
		p.streak++
		if p.streak == p.opts.UnreliableStreak {
			w.RecalibrationRecommended = true
		}
	}
	p.reliable = w.Reliable
	p.processed++
	return w
}
