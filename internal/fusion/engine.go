// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package fusion merges the hardware step counter and the software detectors
// into one authoritative, monotonic step count and a walking state.
package fusion

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/relabs-tech/inertial_steps/internal/faults"
	"github.com/relabs-tech/inertial_steps/internal/frequency"
	"github.com/relabs-tech/inertial_steps/internal/imu"
	"github.com/relabs-tech/inertial_steps/internal/power"
)

// Options configures the engine. Zero fields take defaults.
type Options struct {
	Mode Mode
	// Tolerance is the relative disagreement above which a conflict is a warning.
	Tolerance float64
	// ConflictMinSteps is the count below which disagreements are not judged.
	ConflictMinSteps int64
	// StaleAfter is how old a hardware update may get before software fills in.
	StaleAfter    time.Duration
	SilenceWindow time.Duration
	WalkingHz     float64
	RunningHz     float64
	// MaxConflicts bounds the retained conflict records.
	MaxConflicts int
}

// DefaultOptions returns the stock fusion settings.
func DefaultOptions() Options {
	return Options{
		Mode:             Adaptive,
		Tolerance:        0.05,
		ConflictMinSteps: 20,
		StaleAfter:       3 * time.Second,
		SilenceWindow:    3 * time.Second,
		WalkingHz:        0.5,
		RunningHz:        2.4,
		MaxConflicts:     32,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Tolerance <= 0 {
		o.Tolerance = d.Tolerance
	}
	if o.ConflictMinSteps <= 0 {
		o.ConflictMinSteps = d.ConflictMinSteps
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = d.StaleAfter
	}
	if o.SilenceWindow <= 0 {
		o.SilenceWindow = d.SilenceWindow
	}
	if o.WalkingHz <= 0 {
		o.WalkingHz = d.WalkingHz
	}
	if o.RunningHz <= o.WalkingHz {
		o.RunningHz = d.RunningHz
	}
	if o.MaxConflicts <= 0 {
		o.MaxConflicts = d.MaxConflicts
	}
	return o
}

// Conflict records one hardware/software disagreement under FullFusion.
type Conflict struct {
	TimestampMs int64   `json:"ts"`
	Hardware    int64   `json:"hardware"`
	Software    int64   `json:"software"`
	Relative    float64 `json:"relative"`
	Exceeds     bool    `json:"exceeds"`
}

// State is a copy of the engine's fusion state.
type State struct {
	Mode              Mode         `json:"mode"`
	Effective         Mode         `json:"effective"`
	Hardware          int64        `json:"hardware"`
	Frequency         int64        `json:"frequency"`
	Peak              int64        `json:"peak"`
	Merged            int64        `json:"merged"`
	Walking           WalkingState `json:"walking"`
	CadenceHz         float64      `json:"cadence_hz"`
	LastFusionMs      int64        `json:"last_fusion_ms"`
	HardwareAvailable bool         `json:"hardware_available"`
	Holding           bool         `json:"holding"`
	Conflicts         int          `json:"conflicts"`
}

// Engine owns the fusion state. Not safe for concurrent use; the pipeline
// drives it from one goroutine.
type Engine struct {
	opts Options
	log  *slog.Logger

	mode      Mode
	effective Mode
	profile   power.Profile
	reliable  bool
	hwUp      bool

	hw        int64
	hwRaw     int64
	hwSeen    bool
	hwTs      int64
	swAtHw    int64
	freq      int64
	freqStart int64
	freqSeen  bool
	peak      int64
	peakTs    int64
	peakSeen  bool

	merged int64
	offset int64
	lastMs int64
	nowMs  int64

	// counts when the current effective mode began
	hwAtMode, swAtMode int64

	walking     WalkingState
	cadence     float64
	activityMs  int64
	hasActivity bool
	peakTimes   []int64
	prevHw      imu.HardwareReading

	conflicts  []Conflict
	nConflicts int
	conditions []faults.Condition
}

// New builds an engine with both detectors enabled at Normal power.
func New(opts Options, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	opts = opts.withDefaults()
	e := &Engine{
		opts:     opts,
		log:      log,
		mode:     opts.Mode,
		profile:  power.DefaultProfiles()[power.Normal],
		reliable: true,
		hwUp:     true,
		walking:  Idle,
	}
	e.effective = e.selectMode()
	return e
}

// SetMode changes the configured fusion mode.
func (e *Engine) SetMode(m Mode) {
	e.mode = m
	e.fuse()
}

// SetPowerProfile tells the engine which detectors run and whether the
// power tier forces hardware only.
func (e *Engine) SetPowerProfile(p power.Profile) {
	old := e.software()
	e.profile = p
	if delta := e.software() - old; delta != 0 {
		// The detector set changed: keep the software increments already
		// seen and count on from the current total.
		e.swAtHw += delta
		e.swAtMode += delta
		if m := e.selectMode(); m == e.effective {
			e.offset = max(0, e.merged-e.candidate(m))
		}
	}
	e.fuse()
}

// SetHardwareAvailable reports the hardware counter subscription state.
func (e *Engine) SetHardwareAvailable(up bool, atMs int64) {
	if up == e.hwUp {
		return
	}
	e.hwUp = up
	e.advance(atMs)
	if up {
		e.raise(faults.SensorRecovered, "hardware step counter")
		e.log.Info("fusion: hardware counter recovered")
	} else {
		e.raise(faults.SensorUnavailable, "hardware step counter")
		e.log.Warn("fusion: hardware counter unavailable, degrading to software")
	}
	e.fuse()
}

// ObserveQuality reports whether the current software input is reliable.
// While unreliable, software-driven counts and state are held.
func (e *Engine) ObserveQuality(reliable bool, atMs int64) {
	e.advance(atMs)
	if reliable != e.reliable {
		e.log.Debug("fusion: input reliability changed", "reliable", reliable)
	}
	e.reliable = reliable
	e.fuse()
}

// ObserveHardware applies a cumulative counter reading. Readings that do not
// advance in time are ignored; a counter that goes backwards has restarted.
func (e *Engine) ObserveHardware(r imu.HardwareReading) {
	if e.hwSeen && r.TimestampMs <= e.hwTs {
		return
	}
	e.advance(r.TimestampMs)
	if e.hwSeen {
		delta := r.CumulativeSteps - e.hwRaw
		if delta < 0 {
			e.log.Info("fusion: hardware counter restarted", "from", e.hwRaw, "to", r.CumulativeSteps)
			delta = r.CumulativeSteps
		}
		e.hw += delta
		if delta > 0 && e.hwUsed() {
			dt := r.TimestampMs - e.prevHw.TimestampMs
			if dt > 0 && time.Duration(dt)*time.Millisecond <= e.opts.SilenceWindow {
				e.activity(r.TimestampMs, float64(delta)*1000/float64(dt))
			} else {
				e.activity(r.TimestampMs, e.cadence)
			}
		}
	}
	e.hwRaw, e.hwTs, e.hwSeen = r.CumulativeSteps, r.TimestampMs, true
	e.prevHw = r
	e.swAtHw = e.software()
	if !e.hwUp {
		e.hwUp = true
		e.raise(faults.SensorRecovered, "hardware step counter")
	}
	e.fuse()
	e.checkConflict()
}

// ObserveFrequency applies one window estimate. A window starting at or
// before the last applied one is a replay and is ignored.
func (e *Engine) ObserveFrequency(r frequency.Result) {
	if e.freqSeen && r.WindowStartMs <= e.freqStart {
		return
	}
	e.freqStart, e.freqSeen = r.WindowStartMs, true
	e.advance(r.WindowEndMs)
	if r.Reason == frequency.ReasonUnreliable {
		return
	}
	e.freq += int64(r.Steps)
	if r.Steps > 0 && e.profile.FrequencyEnabled {
		e.activity(r.WindowEndMs, r.DominantHz)
	}
	e.fuse()
}

// ObservePeak applies one detected step. Events at or before the last
// applied one are ignored.
func (e *Engine) ObservePeak(ev imu.StepEvent) {
	if e.peakSeen && ev.TimestampMs <= e.peakTs {
		return
	}
	e.peakTs, e.peakSeen = ev.TimestampMs, true
	e.advance(ev.TimestampMs)
	e.peak++
	if e.profile.PeakEnabled {
		e.peakTimes = append(e.peakTimes, ev.TimestampMs)
		if len(e.peakTimes) > 8 {
			e.peakTimes = e.peakTimes[len(e.peakTimes)-8:]
		}
		cad := e.cadence
		if n := len(e.peakTimes); n >= 2 {
			if span := e.peakTimes[n-1] - e.peakTimes[0]; span > 0 {
				cad = float64(n-1) * 1000 / float64(span)
			}
		}
		e.activity(ev.TimestampMs, cad)
	}
	e.fuse()
}

// Tick advances the engine clock so staleness and silence are evaluated
// without new input.
func (e *Engine) Tick(nowMs int64) {
	e.advance(nowMs)
	e.fuse()
}

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() State {
	return State{
		Mode:              e.mode,
		Effective:         e.effective,
		Hardware:          e.hw,
		Frequency:         e.freq,
		Peak:              e.peak,
		Merged:            e.merged,
		Walking:           e.walking,
		CadenceHz:         e.cadence,
		LastFusionMs:      e.lastMs,
		HardwareAvailable: e.hwUp,
		Holding:           e.holding(),
		Conflicts:         e.nConflicts,
	}
}

// Conflicts returns the retained conflict records, oldest first.
func (e *Engine) Conflicts() []Conflict {
	return append([]Conflict(nil), e.conflicts...)
}

// Conditions returns and clears the conditions raised since the last call.
func (e *Engine) Conditions() []faults.Condition {
	out := e.conditions
	e.conditions = nil
	return out
}

func (e *Engine) advance(ms int64) {
	if ms > e.nowMs {
		e.nowMs = ms
	}
}

func (e *Engine) raise(kind faults.ConditionKind, detail string) {
	e.conditions = append(e.conditions, faults.Condition{Kind: kind, TimestampMs: e.nowMs, Detail: detail})
}

// software is the combined count of the enabled detectors.
func (e *Engine) software() int64 {
	var sw int64
	if e.profile.FrequencyEnabled {
		sw = e.freq
	}
	if e.profile.PeakEnabled && e.peak > sw {
		sw = e.peak
	}
	return sw
}

func (e *Engine) hwUsed() bool {
	return e.effective != SoftwareOnly
}

func (e *Engine) holding() bool {
	return !e.reliable && e.effective != HardwareOnly
}

// selectMode resolves the configured mode against current conditions.
func (e *Engine) selectMode() Mode {
	if !e.hwUp {
		return SoftwareOnly
	}
	if e.profile.ForceHardwareOnly {
		return HardwareOnly
	}
	if e.mode != Adaptive {
		return e.mode
	}
	switch {
	case e.profile.Mode == power.Sleep || !e.profile.SoftwareEnabled():
		return HardwareOnly
	case !e.reliable:
		return HardwareOnly
	case e.profile.Mode == power.PowerSaving:
		return GapFill
	}
	return FullFusion
}

func (e *Engine) candidate(m Mode) int64 {
	switch m {
	case HardwareOnly:
		return e.hw
	case SoftwareOnly:
		return e.software()
	case GapFill:
		if e.hwSeen && time.Duration(e.nowMs-e.hwTs)*time.Millisecond <= e.opts.StaleAfter {
			return e.hw
		}
		return e.hw + max(0, e.software()-e.swAtHw)
	case FullFusion:
		return max(e.hw, e.software())
	}
	return 0
}

// fuse recomputes the merged count and walking state.
func (e *Engine) fuse() {
	if m := e.selectMode(); m != e.effective {
		// Start counting the new source's increments from the current total:
		// a source that lags neither stalls the count nor double counts.
		e.offset = max(0, e.merged-e.candidate(m))
		e.hwAtMode, e.swAtMode = e.hw, e.software()
		e.log.Info("fusion: mode changed", "from", e.effective, "to", m, "configured", e.mode)
		e.effective = m
	}
	if e.holding() {
		return
	}
	if c := e.candidate(e.effective) + e.offset; c > e.merged {
		e.merged = c
		e.lastMs = e.nowMs
	}
	e.updateWalking()
}

func (e *Engine) activity(atMs int64, cadenceHz float64) {
	if e.holding() {
		return
	}
	if !e.hasActivity || atMs >= e.activityMs {
		e.activityMs, e.hasActivity = atMs, true
		e.cadence = cadenceHz
	}
}

func (e *Engine) updateWalking() {
	next := Idle
	silence := e.opts.SilenceWindow.Milliseconds()
	if e.hasActivity && e.nowMs-e.activityMs <= silence {
		switch {
		case e.cadence >= e.opts.RunningHz:
			next = Running
		case e.cadence >= e.opts.WalkingHz:
			next = Walking
		}
	}
	if next == Idle {
		e.peakTimes = e.peakTimes[:0]
	}
	if next != e.walking {
		e.log.Info("fusion: walking state changed", "from", e.walking, "to", next, "cadence_hz", math.Round(e.cadence*100)/100)
		e.walking = next
	}
}

// checkConflict compares hardware and software progress since the current
// mode began. Only FullFusion reconciles both sources.
func (e *Engine) checkConflict() {
	if e.effective != FullFusion || e.holding() {
		return
	}
	hw := e.hw - e.hwAtMode
	sw := e.software() - e.swAtMode
	top := max(hw, sw)
	if hw == sw || top < e.opts.ConflictMinSteps {
		return
	}
	rel := math.Abs(float64(hw-sw)) / float64(top)
	c := Conflict{TimestampMs: e.nowMs, Hardware: hw, Software: sw, Relative: rel, Exceeds: rel > e.opts.Tolerance}
	e.conflicts = append(e.conflicts, c)
	if len(e.conflicts) > e.opts.MaxConflicts {
		e.conflicts = e.conflicts[len(e.conflicts)-e.opts.MaxConflicts:]
	}
	e.nConflicts++

	if c.Exceeds {
		err := fmt.Errorf("%w: hardware %d, software %d (%.1f%%)", faults.ErrFusionConflict, hw, sw, rel*100)
		e.log.Warn("fusion: sources disagree", "err", err, "merged", e.merged)
		e.raise(faults.FusionConflict, err.Error())
		return
	}
	e.log.Info("fusion: sources disagree within tolerance",
		"hardware", hw, "software", sw, "relative", rel, "merged", e.merged)
}
