// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package calibration derives user-specific detection thresholds from a
// short session of normal walking.
//
// A session reads finished preprocessor windows until it has seen the
// configured amount of signal, then either publishes a new DetectionConfig
// through the shared tuning.Store or fails and leaves the store untouched.
package calibration

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/relabs-tech/inertial_steps/internal/faults"
	"github.com/relabs-tech/inertial_steps/internal/preprocess"
	"github.com/relabs-tech/inertial_steps/internal/tuning"
)

// Status of a calibration session.
type Status string

const (
	StatusCollecting Status = "collecting"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// Session is the in-flight state of one calibration run. It lives only for
// the duration of Run.
type Session struct {
	ID               uuid.UUID `json:"id"`
	StartTime        time.Time `json:"start_time"`
	CollectedSamples int       `json:"collected_samples"`
	Status           Status    `json:"status"`
}

// Result is the calibration outcome event.
type Result struct {
	SessionID  string                 `json:"session_id"`
	Status     Status                 `json:"status"`
	Config     tuning.DetectionConfig `json:"config"`
	Err        string                 `json:"error,omitempty"`
	Samples    int                    `json:"samples"`
	Cycles     int                    `json:"cycles"`
	AvgQuality float64                `json:"avg_quality"`
	Finished   time.Time              `json:"finished"`
}

// Options configures a calibration session. Zero fields take defaults.
type Options struct {
	Duration time.Duration
	// MinSampleFraction of Duration×rate must be collected.
	MinSampleFraction float64
	MinSamples        int
	QualityFloor      float64
	MinCycles         int
}

// DefaultOptions returns the stock session settings.
func DefaultOptions() Options {
	return Options{
		Duration:          15 * time.Second,
		MinSampleFraction: 0.8,
		MinSamples:        200,
		QualityFloor:      0.3,
		MinCycles:         6,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Duration <= 0 {
		o.Duration = d.Duration
	}
	if o.MinSampleFraction <= 0 || o.MinSampleFraction > 1 {
		o.MinSampleFraction = d.MinSampleFraction
	}
	if o.MinSamples <= 0 {
		o.MinSamples = d.MinSamples
	}
	if o.QualityFloor <= 0 {
		o.QualityFloor = d.QualityFloor
	}
	if o.MinCycles <= 0 {
		o.MinCycles = d.MinCycles
	}
	return o
}

// Physiological limits for derived step intervals.
const (
	minIntervalLoMs = 200
	minIntervalHiMs = 500
	maxIntervalLoMs = 1000
	maxIntervalHiMs = 2500
)

// Manager runs calibration sessions against a shared config store. One
// session runs at a time.
type Manager struct {
	opts  Options
	store *tuning.Store
	log   *slog.Logger
	now   func() time.Time

	run    sync.Mutex
	mu     sync.Mutex
	active *Session
	last   *Result
}

// NewManager builds a manager publishing into store.
func NewManager(store *tuning.Store, opts Options, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{opts: opts.withDefaults(), store: store, log: log, now: time.Now}
}

// Options returns the effective session settings.
func (m *Manager) Options() Options { return m.opts }

// Active returns a copy of the running session, if any.
func (m *Manager) Active() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Session{}, false
	}
	return *m.active, true
}

// Last returns the most recent session outcome.
func (m *Manager) Last() (Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return Result{}, false
	}
	return *m.last, true
}

// Run collects windows until the session duration is covered, windows is
// closed, or ctx ends, then derives and publishes a new config. On failure
// the error wraps faults.ErrCalibrationFailed and the store is not touched.
func (m *Manager) Run(ctx context.Context, windows <-chan preprocess.FilteredSignal) (tuning.DetectionConfig, error) {
	m.run.Lock()
	defer m.run.Unlock()

	sess := &Session{ID: uuid.New(), StartTime: m.now(), Status: StatusCollecting}
	m.mu.Lock()
	m.active = sess
	m.mu.Unlock()
	m.log.Info("calibration: session started", "id", sess.ID, "duration", m.opts.Duration)

	col := collector{}
	var cfg tuning.DetectionConfig
	err := m.collect(ctx, windows, sess, &col)
	if err == nil {
		cfg, err = m.derive(&col)
	}

	res := Result{
		SessionID:  sess.ID.String(),
		Samples:    col.samples,
		Cycles:     len(col.intervals),
		AvgQuality: col.avgQuality(),
		Finished:   m.now(),
	}
	if err != nil {
		res.Status = StatusFailed
		res.Config = m.store.Load()
		res.Err = err.Error()
		m.log.Warn("calibration: session failed", "id", sess.ID, "err", err)
	} else {
		// Replace clamps into the shared bounds; publish what readers will see.
		if rerr := m.store.Replace(cfg); rerr != nil {
			m.log.Debug("calibration: derived config clamped", "err", rerr)
		}
		cfg = m.store.Load()
		res.Status = StatusSucceeded
		res.Config = cfg
		m.log.Info("calibration: session succeeded", "id", sess.ID,
			"peak", cfg.PeakThreshold, "valley", cfg.ValleyThreshold,
			"min_ms", cfg.MinStepIntervalMs, "max_ms", cfg.MaxStepIntervalMs,
			"sensitivity", cfg.Sensitivity)
	}

	m.mu.Lock()
	sess.Status = res.Status
	m.active = nil
	m.last = &res
	m.mu.Unlock()
	return cfg, err
}

func (m *Manager) collect(ctx context.Context, windows <-chan preprocess.FilteredSignal, sess *Session, col *collector) error {
	var covered time.Duration
	for covered < m.opts.Duration {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", faults.ErrCalibrationFailed, ctx.Err())
		case w, ok := <-windows:
			if !ok {
				return nil
			}
			covered += w.Duration()
			col.add(w)
			m.mu.Lock()
			sess.CollectedSamples = col.samples
			m.mu.Unlock()
		}
	}
	return nil
}

func (m *Manager) derive(col *collector) (tuning.DetectionConfig, error) {
	col.finish()
	required := m.opts.MinSamples
	if n := int(m.opts.MinSampleFraction * m.opts.Duration.Seconds() * col.rateHz); n > required {
		required = n
	}
	switch {
	case col.samples < required:
		return tuning.DetectionConfig{}, fmt.Errorf("%w: %d samples, need %d", faults.ErrCalibrationFailed, col.samples, required)
	case col.reliable == 0 || col.avgQuality() < m.opts.QualityFloor:
		return tuning.DetectionConfig{}, fmt.Errorf("%w: signal quality %.2f below floor %.2f", faults.ErrCalibrationFailed, col.avgQuality(), m.opts.QualityFloor)
	case len(col.intervals) < m.opts.MinCycles:
		return tuning.DetectionConfig{}, fmt.Errorf("%w: %d step cycles, need %d", faults.ErrCalibrationFailed, len(col.intervals), m.opts.MinCycles)
	}
	return deriveConfig(col.peaks, col.valleys, col.intervals), nil
}

// deriveConfig maps observed peak/valley amplitudes and step intervals (ms)
// to detection thresholds.
func deriveConfig(peaks, valleys, intervals []float64) tuning.DetectionConfig {
	sort.Float64s(peaks)
	sort.Float64s(valleys)

	// Half of a weak step: a quarter of observed steps are weaker than the
	// quantile, so the threshold sits well below them.
	peakTh := 0.5 * stat.Quantile(0.25, stat.Empirical, peaks, nil)
	valleyTh := 0.5 * stat.Quantile(0.75, stat.Empirical, valleys, nil)

	pm, ps := stat.MeanStdDev(peaks, nil)
	cv := 0.0
	if pm > 0 {
		cv = ps / pm
	}
	sensitivity := math.Max(0.3, math.Min(0.9, 0.4+2*cv))

	im, is := stat.MeanStdDev(intervals, nil)
	minMs := clampMs(im-math.Max(3*is, 0.35*im), minIntervalLoMs, minIntervalHiMs)
	maxMs := clampMs(2*im+3*is, maxIntervalLoMs, maxIntervalHiMs)

	return tuning.DetectionConfig{
		PeakThreshold:     peakTh,
		ValleyThreshold:   valleyTh,
		MinStepIntervalMs: minMs,
		MaxStepIntervalMs: maxMs,
		Sensitivity:       sensitivity,
		IsCalibrated:      true,
	}
}

func clampMs(v float64, lo, hi int64) int64 {
	r := int64(math.Round(v))
	if r < lo {
		return lo
	}
	if r > hi {
		return hi
	}
	return r
}

// collector accumulates window statistics and step cycles.
type collector struct {
	samples  int
	windows  int
	reliable int
	qualSum  float64
	rateHz   float64

	ts   []int64
	vals []float64

	peaks     []float64
	valleys   []float64
	intervals []float64
}

func (c *collector) add(w preprocess.FilteredSignal) {
	c.samples += len(w.Values)
	c.windows++
	c.qualSum += w.Quality
	if w.RateHz > 0 {
		c.rateHz = w.RateHz
	}
	if !w.Reliable || w.Still {
		c.cut()
		return
	}
	c.reliable++
	c.ts = append(c.ts, w.Timestamps...)
	c.vals = append(c.vals, w.Values...)
}

func (c *collector) avgQuality() float64 {
	if c.windows == 0 {
		return 0
	}
	return c.qualSum / float64(c.windows)
}

func (c *collector) finish() { c.cut() }

// cut extracts cycles from the current contiguous reliable stretch.
func (c *collector) cut() {
	if len(c.vals) > 0 {
		p, v, iv := cycles(c.ts, c.vals)
		c.peaks = append(c.peaks, p...)
		c.valleys = append(c.valleys, v...)
		c.intervals = append(c.intervals, iv...)
	}
	c.ts, c.vals = c.ts[:0], c.vals[:0]
}

// cycles splits a signal into peak/valley cycles with a hysteresis of a
// quarter standard deviation and returns the peak heights, valley depths and
// peak-to-peak intervals in ms.
func cycles(ts []int64, vals []float64) (peaks, valleys, intervals []float64) {
	_, sd := stat.MeanStdDev(vals, nil)
	h := 0.25 * sd
	if h == 0 {
		return nil, nil, nil
	}

	const (
		unknown = iota
		above
		below
	)
	state := unknown
	var (
		hi, lo     float64
		hiTs       int64
		lastPeakTs int64
		havePeak   bool
	)
	for i, v := range vals {
		switch state {
		case unknown:
			if v < -h {
				state, lo = below, v
			}
		case below:
			if v < lo {
				lo = v
			}
			if v > h {
				if havePeak {
					valleys = append(valleys, lo)
				}
				state, hi, hiTs = above, v, ts[i]
			}
		case above:
			if v > hi {
				hi, hiTs = v, ts[i]
			}
			if v < -h {
				peaks = append(peaks, hi)
				if havePeak {
					if d := float64(hiTs - lastPeakTs); d <= maxIntervalHiMs {
						intervals = append(intervals, d)
					}
				}
				lastPeakTs, havePeak = hiTs, true
				state, lo = below, v
			}
		}
	}
	return peaks, valleys, intervals
}
