// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package pipeline wires the preprocessor, detectors, fusion engine, power
// controller and calibration manager into one engine instance.
//
// Inputs arrive on bounded channels and are processed in order by the
// goroutine running Run. Configuration changes travel on a command channel
// and are applied there as whole replacements, so nothing else ever mutates
// engine state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/inertial_steps/internal/calibration"
	"github.com/relabs-tech/inertial_steps/internal/faults"
	"github.com/relabs-tech/inertial_steps/internal/frequency"
	"github.com/relabs-tech/inertial_steps/internal/fusion"
	"github.com/relabs-tech/inertial_steps/internal/imu"
	"github.com/relabs-tech/inertial_steps/internal/peak"
	"github.com/relabs-tech/inertial_steps/internal/power"
	"github.com/relabs-tech/inertial_steps/internal/preprocess"
	"github.com/relabs-tech/inertial_steps/internal/tuning"
)

// ErrCalibrationRunning is returned when a second calibration is requested.
var ErrCalibrationRunning = errors.New("pipeline: calibration already running")

// Options configures a pipeline. Zero fields take defaults.
type Options struct {
	QueueSize    int
	ErrorCeiling int
	InitialMode  power.Mode
	Profiles     map[power.Mode]power.Profile
	// ProfileDir receives successful calibration profiles; empty disables saving.
	ProfileDir string

	Preprocess  preprocess.Options
	Frequency   frequency.Options
	Peak        peak.Options
	Fusion      fusion.Options
	Calibration calibration.Options
}

// DefaultOptions returns the stock pipeline settings.
func DefaultOptions() Options {
	return Options{
		QueueSize:    256,
		ErrorCeiling: 10,
		InitialMode:  power.Normal,
		Profiles:     power.DefaultProfiles(),
		Preprocess:   preprocess.DefaultOptions(),
		Frequency:    frequency.DefaultOptions(),
		Peak:         peak.DefaultOptions(),
		Fusion:       fusion.DefaultOptions(),
		Calibration:  calibration.DefaultOptions(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	if o.ErrorCeiling <= 0 {
		o.ErrorCeiling = d.ErrorCeiling
	}
	if o.Profiles == nil {
		o.Profiles = d.Profiles
	}
	return o
}

// Stats are cumulative pipeline counters.
type Stats struct {
	Received  uint64 `json:"received"`
	Decimated uint64 `json:"decimated"`
	Dropped   uint64 `json:"dropped"`
	Windows   uint64 `json:"windows"`
	Errors    uint64 `json:"errors"`
	Resets    uint64 `json:"resets"`
	Overruns  uint64 `json:"overruns"`
	Flushed   uint64 `json:"flushed"`
}

type counters struct {
	received, decimated, dropped, windows atomic.Uint64
	errors, resets, overruns, flushed     atomic.Uint64
}

type calDone struct {
	ch  chan preprocess.FilteredSignal
	res calibration.Result
}

type command struct {
	settings *Settings
	hardware *bool
	calStart chan preprocess.FilteredSignal
	calDone  *calDone
	reply    chan error
}

// Pipeline is one step engine instance.
type Pipeline struct {
	opts  Options
	log   *slog.Logger
	store *tuning.Store
	power *power.Controller
	cal   *calibration.Manager
	sinks sinks

	samples  chan imu.Sample
	hardware chan imu.HardwareReading
	signals  chan power.Signal
	commands chan command

	// owned by the Run goroutine
	pre       *preprocess.Preprocessor
	est       *frequency.Estimator
	det       *peak.Detector
	fus       *fusion.Engine
	profile   power.Profile
	lastKept  int64
	haveKept  bool
	errCount  int
	calCh     chan preprocess.FilteredSignal
	published fusion.State

	settings  atomic.Pointer[Settings]
	state     atomic.Pointer[fusion.State]
	rate      atomic.Uint64
	measured  atomic.Uint64
	attention atomic.Bool
	running   atomic.Bool
	stats     counters
}

// New builds a pipeline applying initial settings. Out-of-range thresholds
// are clamped and logged.
func New(initial Settings, opts Options, log *slog.Logger, out ...Sink) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	opts = opts.withDefaults()

	store := tuning.NewStore(initial.Detection(), log)
	ctl := power.NewController(opts.InitialMode, opts.Profiles, log)
	prof := ctl.Active()

	fopts := opts.Fusion
	fopts.Mode = initial.FusionMode

	p := &Pipeline{
		opts:     opts,
		log:      log,
		store:    store,
		power:    ctl,
		cal:      calibration.NewManager(store, opts.Calibration, log),
		sinks:    sinks(out),
		samples:  make(chan imu.Sample, opts.QueueSize),
		hardware: make(chan imu.HardwareReading, 16),
		signals:  make(chan power.Signal, 4),
		commands: make(chan command),
		pre:      preprocess.New(opts.Preprocess, prof.SampleRateHz, max(1, prof.Budget.SmoothingTaps)),
		est:      frequency.New(opts.Frequency),
		det:      peak.New(store, opts.Peak),
		fus:      fusion.New(fopts, log),
	}
	p.applyProfile(prof)
	p.measured.Store(math.Float64bits(prof.SampleRateHz))
	if err := p.applySettings(initial); err != nil {
		log.Warn("pipeline: initial settings adjusted", "err", err)
	}
	p.commit()
	st := p.fus.Snapshot()
	p.state.Store(&st)
	p.published = st
	return p
}

// Samples returns the bounded sample queue for producers.
func (p *Pipeline) Samples() chan<- imu.Sample { return p.samples }

// Submit queues one sample, blocking while the queue is full.
func (p *Pipeline) Submit(ctx context.Context, s imu.Sample) error {
	select {
	case p.samples <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitHardware queues a hardware step counter reading.
func (p *Pipeline) SubmitHardware(ctx context.Context, r imu.HardwareReading) error {
	select {
	case p.hardware <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitSignal queues a battery/activity signal for the power controller.
func (p *Pipeline) SubmitSignal(ctx context.Context, s power.Signal) error {
	select {
	case p.signals <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply replaces the whole configuration. Clamped or unknown values are
// reported with an error wrapping faults.ErrConfigInvalid; the adjusted
// settings are still applied.
func (p *Pipeline) Apply(ctx context.Context, s Settings) error {
	return p.send(ctx, command{settings: &s})
}

// SetHardwareAvailable reports the hardware step counter subscription state.
func (p *Pipeline) SetHardwareAvailable(ctx context.Context, up bool) error {
	return p.send(ctx, command{hardware: &up})
}

// Calibrate runs a calibration session over the live window stream and
// returns its outcome. A successful result is also saved when ProfileDir is
// set.
func (p *Pipeline) Calibrate(ctx context.Context) (calibration.Result, error) {
	ch := make(chan preprocess.FilteredSignal, 64)
	if err := p.send(ctx, command{calStart: ch}); err != nil {
		return calibration.Result{}, err
	}
	_, err := p.cal.Run(ctx, ch)
	res, _ := p.cal.Last()
	if err == nil {
		p.attention.Store(false)
		if p.opts.ProfileDir != "" {
			if path, serr := calibration.SaveProfile(p.opts.ProfileDir, res); serr != nil {
				p.log.Warn("pipeline: saving calibration profile failed", "err", serr)
			} else {
				p.log.Info("pipeline: calibration profile saved", "path", path)
			}
		}
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if derr := p.send(dctx, command{calDone: &calDone{ch: ch, res: res}}); derr != nil {
		p.log.Debug("pipeline: calibration detach skipped", "err", derr)
	}
	return res, err
}

func (p *Pipeline) send(ctx context.Context, c command) error {
	c.reply = make(chan error, 1)
	select {
	case p.commands <- c:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Settings returns the configuration in effect.
func (p *Pipeline) Settings() Settings { return *p.settings.Load() }

// State returns the last published fusion state.
func (p *Pipeline) State() fusion.State { return *p.state.Load() }

// Profile returns the active power profile.
func (p *Pipeline) Profile() power.Profile { return p.power.Active() }

// EffectiveRateHz is the rate samples are currently accepted at.
func (p *Pipeline) EffectiveRateHz() float64 { return math.Float64frombits(p.rate.Load()) }

// MeasuredRateHz is the sample rate observed over the last completed window.
func (p *Pipeline) MeasuredRateHz() float64 { return math.Float64frombits(p.measured.Load()) }

// NeedsAttention reports whether the error ceiling was hit since the last
// successful calibration.
func (p *Pipeline) NeedsAttention() bool { return p.attention.Load() }

// CalibrationSession returns the running calibration session, if any.
func (p *Pipeline) CalibrationSession() (calibration.Session, bool) { return p.cal.Active() }

// Store returns the shared detection config store.
func (p *Pipeline) Store() *tuning.Store { return p.store }

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	c := &p.stats
	return Stats{
		Received:  c.received.Load(),
		Decimated: c.decimated.Load(),
		Dropped:   c.dropped.Load(),
		Windows:   c.windows.Load(),
		Errors:    c.errors.Load(),
		Resets:    c.resets.Load(),
		Overruns:  c.overruns.Load(),
		Flushed:   c.flushed.Load(),
	}
}

// Run processes inputs until ctx ends. On return, buffered samples are
// dropped without producing steps and the fusion state is kept, so Run may
// be called again.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("pipeline: already running")
	}
	defer p.running.Store(false)

	p.log.Info("pipeline: started", "mode", p.profile.Mode, "rate_hz", p.profile.SampleRateHz,
		"fusion", p.fus.Snapshot().Mode)
	p.sinks.power(p.profile)
	for {
		select {
		case <-ctx.Done():
			p.stop()
			return nil
		case s := <-p.samples:
			p.unit("sample", func() error { return p.handleSample(s) })
		case r := <-p.hardware:
			p.unit("hardware", func() error { return p.handleHardware(r) })
		case sig := <-p.signals:
			p.power.Observe(sig)
			p.commitIfIdle()
		case c := <-p.commands:
			c.reply <- p.handleCommand(c)
		}
	}
}

// unit runs one unit of work, isolating its failure.
func (p *Pipeline) unit(name string, fn func() error) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("pipeline: panic in %s: %v", name, r)
			}
		}()
		return fn()
	}()
	if err == nil {
		return
	}
	p.stats.errors.Add(1)
	p.errCount++
	p.log.Warn("pipeline: unit failed", "unit", name, "err", err, "errors", p.errCount)
	if p.errCount > p.opts.ErrorCeiling {
		p.resetDetectors()
	}
}

func (p *Pipeline) resetDetectors() {
	p.errCount = 0
	p.stats.resets.Add(1)
	p.attention.Store(true)
	p.pre.Reset(p.profile.SampleRateHz, max(1, p.profile.Budget.SmoothingTaps))
	p.est.Reset()
	p.det.Reset()
	ts, _ := p.pre.LastTimestamp()
	p.log.Error("pipeline: error ceiling exceeded, detectors reset", "ceiling", p.opts.ErrorCeiling)
	p.sinks.condition(faults.Condition{Kind: faults.NeedsAttention, TimestampMs: ts,
		Detail: fmt.Sprintf("more than %d processing errors", p.opts.ErrorCeiling)})
}

func (p *Pipeline) handleSample(s imu.Sample) error {
	p.stats.received.Add(1)
	if last, ok := p.pre.LastTimestamp(); ok && s.TimestampMs <= last {
		p.stats.dropped.Add(1)
		return nil
	}
	if p.haveKept {
		periodMs := 1000 / p.profile.SampleRateHz
		// 1 ms slack absorbs timestamp rounding at the source rate.
		if float64(s.TimestampMs-p.lastKept) < periodMs-1 {
			p.stats.decimated.Add(1)
			return nil
		}
	}

	pt, w, err := p.pre.Push(s)
	if err != nil {
		if errors.Is(err, preprocess.ErrOutOfOrder) {
			p.stats.dropped.Add(1)
			return nil
		}
		return err
	}
	p.lastKept, p.haveKept = s.TimestampMs, true

	if p.profile.PeakEnabled {
		for _, ev := range p.det.Push(pt) {
			p.fus.ObservePeak(ev)
		}
	}
	p.fus.Tick(s.TimestampMs)
	if w != nil {
		err = p.handleWindow(*w)
	}
	p.publish(s.TimestampMs)
	return err
}

func (p *Pipeline) handleWindow(w preprocess.FilteredSignal) error {
	start := time.Now()
	p.stats.windows.Add(1)
	if n := len(w.Timestamps); n >= 2 && w.EndMs > w.StartMs {
		p.measured.Store(math.Float64bits(float64(n-1) * 1000 / float64(w.EndMs-w.StartMs)))
	}
	if w.RecalibrationRecommended {
		p.log.Warn("pipeline: signal quality persistently low", "quality", w.Quality)
		p.sinks.condition(faults.Condition{Kind: faults.RecalibrationRecommended, TimestampMs: w.EndMs,
			Detail: fmt.Sprintf("quality %.2f", w.Quality)})
	}
	p.fus.ObserveQuality(w.Reliable, w.EndMs)

	if p.calCh != nil {
		select {
		case p.calCh <- w:
		default:
			p.log.Warn("pipeline: calibration reader behind, window dropped", "start_ms", w.StartMs)
		}
	}

	var err error
	if p.profile.FrequencyEnabled {
		r, eerr := p.est.Estimate(w)
		if eerr != nil {
			err = eerr
		} else {
			p.fus.ObserveFrequency(r)
			p.log.Debug("pipeline: window", "start_ms", r.WindowStartMs, "steps", r.Steps,
				"hz", r.DominantHz, "amp", r.Amplitude, "reason", r.Reason, "quality", w.Quality)
		}
	}

	if cost := time.Since(start); cost > p.profile.Budget.MaxWindowCost {
		p.stats.overruns.Add(1)
		p.log.Warn("pipeline: window over budget", "cost", cost, "budget", p.profile.Budget.MaxWindowCost,
			"mode", p.profile.Mode)
	}
	p.commit()
	return err
}

func (p *Pipeline) handleHardware(r imu.HardwareReading) error {
	if r.CumulativeSteps < 0 {
		return fmt.Errorf("pipeline: negative hardware count %d at %d ms", r.CumulativeSteps, r.TimestampMs)
	}
	p.fus.ObserveHardware(r)
	p.publish(r.TimestampMs)
	return nil
}

func (p *Pipeline) handleCommand(c command) error {
	switch {
	case c.settings != nil:
		err := p.applySettings(*c.settings)
		p.commitIfIdle()
		return err
	case c.hardware != nil:
		ts, _ := p.pre.LastTimestamp()
		p.fus.SetHardwareAvailable(*c.hardware, ts)
		p.publish(ts)
		return nil
	case c.calStart != nil:
		if p.calCh != nil {
			return ErrCalibrationRunning
		}
		p.calCh = c.calStart
		return nil
	case c.calDone != nil:
		if p.calCh == c.calDone.ch {
			p.calCh = nil
		}
		p.sinks.calibration(c.calDone.res)
		return nil
	}
	return nil
}

func (p *Pipeline) applySettings(s Settings) error {
	errConfig := p.store.Replace(s.Detection())
	override, errPower := s.PowerOverride()
	p.power.Override(override)
	p.fus.SetMode(s.FusionMode)

	battery := BatteryAuto
	if override != nil {
		battery = override.String()
	}
	applied := NewSettings(p.store.Load(), s.FusionMode, battery)
	p.settings.Store(&applied)
	return errors.Join(errConfig, errPower)
}

// commitIfIdle commits a pending power mode when no window is open.
func (p *Pipeline) commitIfIdle() {
	if p.pre.Buffered() == 0 {
		p.commit()
	}
}

func (p *Pipeline) commit() {
	if prof, changed := p.power.Commit(); changed {
		p.applyProfile(prof)
		p.sinks.power(prof)
	}
}

func (p *Pipeline) applyProfile(prof power.Profile) {
	p.profile = prof
	p.pre.Reset(prof.SampleRateHz, max(1, prof.Budget.SmoothingTaps))
	if prof.Budget.FrequencyBins > 0 {
		p.est.SetBins(prof.Budget.FrequencyBins)
	}
	p.det.Reset()
	p.fus.SetPowerProfile(prof)
	p.rate.Store(math.Float64bits(prof.SampleRateHz))
}

func (p *Pipeline) publish(ts int64) {
	st := p.fus.Snapshot()
	if st.Merged != p.published.Merged {
		p.sinks.steps(StepCount{TimestampMs: ts, Total: st.Merged, Hardware: st.Hardware,
			Frequency: st.Frequency, Peak: st.Peak, Mode: st.Effective})
	}
	if st.Walking != p.published.Walking {
		p.sinks.walking(WalkingUpdate{TimestampMs: ts, State: st.Walking, CadenceHz: st.CadenceHz})
	}
	for _, c := range p.fus.Conditions() {
		p.sinks.condition(c)
	}
	p.published = st
	p.state.Store(&st)
}

// stop drops buffered input and detector internals without emitting steps.
func (p *Pipeline) stop() {
	flushed := p.pre.Flush()
	for drained := false; !drained; {
		select {
		case <-p.samples:
			flushed++
		default:
			drained = true
		}
	}
	p.det.Reset()
	p.est.Reset()
	p.calCh = nil
	p.stats.flushed.Add(uint64(flushed))
	p.log.Info("pipeline: stopped", "flushed", flushed, "steps", p.published.Merged)
}
