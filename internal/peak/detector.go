// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package peak detects individual steps in the filtered vertical signal by
// adaptive peak/valley analysis.
package peak

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/relabs-tech/inertial_steps/internal/imu"
	"github.com/relabs-tech/inertial_steps/internal/preprocess"
	"github.com/relabs-tech/inertial_steps/internal/tuning"
)

// Options configures the detector. Zero fields take defaults.
type Options struct {
	// Buffer is the span of recent signal the adaptive thresholds follow.
	Buffer time.Duration
	// History is how many accepted intervals feed the consistency check.
	History int
	// MinHistory is how many intervals are needed before the check applies.
	MinHistory int
	// RhythmTolerance is the relative difference under which a rejected
	// candidate and the one after it are taken as a change of cadence.
	RhythmTolerance float64
}

// DefaultOptions returns the stock detector settings.
func DefaultOptions() Options {
	return Options{
		Buffer:          2 * time.Second,
		History:         8,
		MinHistory:      3,
		RhythmTolerance: 0.2,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Buffer <= 0 {
		o.Buffer = d.Buffer
	}
	if o.History <= 0 {
		o.History = d.History
	}
	if o.MinHistory <= 0 {
		o.MinHistory = d.MinHistory
	}
	if o.RhythmTolerance <= 0 {
		o.RhythmTolerance = d.RhythmTolerance
	}
	return o
}

// Thresholds are the adaptive levels in effect for one sample.
type Thresholds struct {
	Peak   float64
	Valley float64
}

type phase int

const (
	seekPeak phase = iota
	inPeak
)

// Detector is a streaming peak/valley step detector. It reads the shared
// DetectionConfig once per sample. Not safe for concurrent use.
type Detector struct {
	opts  Options
	store *tuning.Store

	ts   []int64
	vals []float64

	phase  phase
	peakTs int64
	peakV  float64

	anchorTs  int64
	haveAnch  bool
	pending   bool
	pendingC  float64
	intervals []float64

	// last candidate that failed the consistency check
	rejTs       int64
	rejInterval float64
	haveRej     bool

	rejectedFast int
}

// New builds a detector reading thresholds from store.
func New(store *tuning.Store, opts Options) *Detector {
	return &Detector{opts: opts.withDefaults(), store: store}
}

// Reset drops the signal buffer and rhythm state.
func (d *Detector) Reset() {
	d.ts = d.ts[:0]
	d.vals = d.vals[:0]
	d.phase = seekPeak
	d.haveAnch = false
	d.pending = false
	d.intervals = d.intervals[:0]
	d.haveRej = false
}

// RejectedFast returns how many candidates were discarded as too fast.
func (d *Detector) RejectedFast() int { return d.rejectedFast }

// Thresholds returns the adaptive levels for the buffered signal under cfg.
func (d *Detector) Thresholds(cfg tuning.DetectionConfig) Thresholds {
	th := Thresholds{Peak: cfg.PeakThreshold, Valley: cfg.ValleyThreshold}
	if len(d.vals) < 2 {
		return th
	}
	mean, std := stat.MeanStdDev(d.vals, nil)
	k := 1.2 - cfg.Sensitivity
	th.Peak = math.Max(th.Peak, mean+k*std)
	th.Valley = math.Min(th.Valley, mean-k*std)
	return th
}

// Push feeds one filtered point and returns the steps it confirms, oldest
// first. Points from an unreliable stretch never produce steps.
func (d *Detector) Push(p preprocess.Point) []imu.StepEvent {
	d.buffer(p)
	if !p.Reliable {
		d.phase = seekPeak
		d.pending = false
		return nil
	}

	cfg := d.store.Load()
	th := d.Thresholds(cfg)

	switch d.phase {
	case seekPeak:
		if p.Value > th.Peak {
			d.phase = inPeak
			d.peakTs, d.peakV = p.TimestampMs, p.Value
		}
		return nil
	case inPeak:
		if p.Value > d.peakV {
			d.peakTs, d.peakV = p.TimestampMs, p.Value
		}
		if p.Value >= th.Valley {
			return nil
		}
		d.phase = seekPeak
		return d.candidate(d.peakTs, cfg)
	}
	return nil
}

func (d *Detector) buffer(p preprocess.Point) {
	d.ts = append(d.ts, p.TimestampMs)
	d.vals = append(d.vals, p.Value)
	cut := p.TimestampMs - d.opts.Buffer.Milliseconds()
	i := 0
	for i < len(d.ts) && d.ts[i] <= cut {
		i++
	}
	if i > 0 {
		d.ts = append(d.ts[:0], d.ts[i:]...)
		d.vals = append(d.vals[:0], d.vals[i:]...)
	}
}

// candidate validates a completed peak/valley cycle whose peak is at ts.
func (d *Detector) candidate(ts int64, cfg tuning.DetectionConfig) []imu.StepEvent {
	if !d.haveAnch {
		d.anchor(ts)
		return nil
	}
	interval := ts - d.anchorTs
	switch {
	case interval < cfg.MinStepIntervalMs:
		d.rejectedFast++
		return nil
	case interval > cfg.MaxStepIntervalMs:
		// Gait pause: no event is forced; the rhythm restarts here.
		d.anchor(ts)
		return nil
	}

	if d.haveRej {
		d.haveRej = false
		next := float64(ts - d.rejTs)
		if next >= float64(cfg.MinStepIntervalMs) {
			if math.Abs(next-d.rejInterval) <= d.opts.RhythmTolerance*d.rejInterval {
				// Two matching intervals in a row: the cadence changed.
				out := d.flushPending()
				out = append(out,
					imu.StepEvent{TimestampMs: d.rejTs, Source: imu.SourcePeak, Confidence: 0.6},
					imu.StepEvent{TimestampMs: ts, Source: imu.SourcePeak, Confidence: 0.6})
				d.intervals = append(d.intervals[:0], d.rejInterval, next)
				d.anchorTs = ts
				return out
			}
			if conf, ok := d.consistent(next); ok {
				// A single late or early step: the rhythm resumes from it.
				out := d.flushPending()
				out = append(out,
					imu.StepEvent{TimestampMs: d.rejTs, Source: imu.SourcePeak, Confidence: 0.6},
					imu.StepEvent{TimestampMs: ts, Source: imu.SourcePeak, Confidence: conf})
				d.keepInterval(next)
				d.anchorTs = ts
				return out
			}
		}
	}

	conf, ok := d.consistent(float64(interval))
	if !ok {
		d.rejTs, d.rejInterval, d.haveRej = ts, float64(interval), true
		return nil
	}

	out := d.flushPending()
	out = append(out, imu.StepEvent{TimestampMs: ts, Source: imu.SourcePeak, Confidence: conf})
	d.keepInterval(float64(interval))
	d.anchorTs = ts
	return out
}

func (d *Detector) keepInterval(v float64) {
	d.intervals = append(d.intervals, v)
	if len(d.intervals) > d.opts.History {
		d.intervals = append(d.intervals[:0], d.intervals[len(d.intervals)-d.opts.History:]...)
	}
}

func (d *Detector) flushPending() []imu.StepEvent {
	if !d.pending {
		return nil
	}
	d.pending = false
	return []imu.StepEvent{{TimestampMs: d.anchorTs, Source: imu.SourcePeak, Confidence: d.pendingC}}
}

// anchor restarts the rhythm at ts. The step at ts is held until a following
// step confirms it.
func (d *Detector) anchor(ts int64) {
	d.anchorTs, d.haveAnch = ts, true
	d.pending, d.pendingC = true, 0.6
	d.intervals = d.intervals[:0]
	d.haveRej = false
}

// consistent checks interval against the recent rhythm and returns a
// confidence for the step.
func (d *Detector) consistent(interval float64) (float64, bool) {
	if len(d.intervals) < d.opts.MinHistory {
		return 0.6, true
	}
	mean, std := stat.MeanStdDev(d.intervals, nil)
	allowed := math.Max(3*std, 0.4*mean)
	dev := math.Abs(interval - mean)
	if dev > allowed {
		return 0, false
	}
	return 1 - 0.4*dev/allowed, true
}
