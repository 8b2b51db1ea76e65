package peak

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/inertial_steps/internal/imu"
	"github.com/relabs-tech/inertial_steps/internal/preprocess"
	"github.com/relabs-tech/inertial_steps/internal/tuning"
)

// pulses renders a ±0.5 g bump starting at each peak time, sampled at 100 Hz.
func pulses(endMs int64, reliable bool, peaks ...int64) []preprocess.Point {
	var pts []preprocess.Point
	for ts := int64(0); ts < endMs; ts += 10 {
		v := 0.0
		for _, p := range peaks {
			switch {
			case ts >= p && ts < p+30:
				v = 0.5
			case ts >= p+30 && ts < p+60:
				v = -0.5
			}
		}
		pts = append(pts, preprocess.Point{TimestampMs: ts, Value: v, Reliable: reliable})
	}
	return pts
}

func run(d *Detector, pts []preprocess.Point) []imu.StepEvent {
	var out []imu.StepEvent
	for _, p := range pts {
		out = append(out, d.Push(p)...)
	}
	return out
}

func timestamps(evs []imu.StepEvent) []int64 {
	out := make([]int64, len(evs))
	for i, e := range evs {
		out[i] = e.TimestampMs
	}
	return out
}

func newDetector(cfg tuning.DetectionConfig) *Detector {
	return New(tuning.NewStore(cfg, nil), DefaultOptions())
}

func TestPeakTooCloseIsRejected(t *testing.T) {
	cfg := tuning.Default()
	cfg.MinStepIntervalMs = 250
	d := newDetector(cfg)

	evs := run(d, pulses(2000, true, 0, 500, 600, 1000, 1500))
	assert.Equal(t, []int64{0, 500, 1000, 1500}, timestamps(evs))
	assert.Equal(t, 1, d.RejectedFast())
	for _, e := range evs {
		assert.Equal(t, imu.SourcePeak, e.Source)
		assert.Greater(t, e.Confidence, 0.0)
	}
}

func TestGaitPauseForcesNoStep(t *testing.T) {
	d := newDetector(tuning.Default())
	evs := run(d, pulses(5000, true, 0, 500, 1000, 4000, 4500))
	assert.Equal(t, []int64{0, 500, 1000, 4000, 4500}, timestamps(evs))
}

func TestSingleBumpIsHeld(t *testing.T) {
	d := newDetector(tuning.Default())
	assert.Empty(t, run(d, pulses(3000, true, 1000)))
}

func TestUnreliablePointsEmitNothing(t *testing.T) {
	d := newDetector(tuning.Default())
	assert.Empty(t, run(d, pulses(3000, false, 0, 500, 1000, 1500, 2000)))
}

func TestInconsistentIntervalRejected(t *testing.T) {
	d := newDetector(tuning.Default())
	// Steady 600 ms rhythm with a stray bump 350 ms after a step.
	evs := run(d, pulses(3500, true, 0, 600, 1200, 1800, 2150, 2400, 3000))
	assert.Equal(t, []int64{0, 600, 1200, 1800, 2400, 3000}, timestamps(evs))
}

func TestSingleLateStepKeepsRhythm(t *testing.T) {
	d := newDetector(tuning.Default())
	// Steady 500 ms steps, one of them 220 ms late, then on rhythm again
	// from the late step.
	peaks := []int64{0, 500, 1000, 1500, 2000}
	for ts := int64(2720); ts <= 7220; ts += 500 {
		peaks = append(peaks, ts)
	}
	evs := run(d, pulses(7800, true, peaks...))
	assert.Equal(t, peaks, timestamps(evs))
	assert.Equal(t, 0, d.RejectedFast())
}

func TestRhythmChangeIsFollowed(t *testing.T) {
	d := newDetector(tuning.Default())
	peaks := []int64{0, 1000, 2000, 3000}
	for ts := int64(3400); ts < 6000; ts += 400 {
		peaks = append(peaks, ts)
	}
	evs := run(d, pulses(6500, true, peaks...))
	// The first faster step is held until the next one confirms the new
	// cadence, then both count.
	assert.Equal(t, peaks, timestamps(evs))
}

func TestThresholdsFollowSignal(t *testing.T) {
	cfg := tuning.Default()
	d := newDetector(cfg)
	th := d.Thresholds(cfg)
	assert.Equal(t, cfg.PeakThreshold, th.Peak)
	assert.Equal(t, cfg.ValleyThreshold, th.Valley)

	for i := range 200 {
		ts := int64(i * 10)
		d.buffer(preprocess.Point{TimestampMs: ts, Value: math.Sin(2 * math.Pi * 2 * float64(ts) / 1000)})
	}
	th = d.Thresholds(cfg)
	// sigma of a unit sinusoid is 1/sqrt(2); k = 0.7 at sensitivity 0.5.
	assert.InDelta(t, 0.7/math.Sqrt2, th.Peak, 0.02)
	assert.InDelta(t, -0.7/math.Sqrt2, th.Valley, 0.02)

	cfg.Sensitivity = 1
	assert.Less(t, d.Thresholds(cfg).Peak, th.Peak)
}

func TestBufferSpan(t *testing.T) {
	d := newDetector(tuning.Default())
	for i := range 500 {
		d.buffer(preprocess.Point{TimestampMs: int64(i * 10)})
	}
	assert.Len(t, d.vals, 200)
	assert.Equal(t, int64(4990), d.ts[len(d.ts)-1])
}

// stream runs a vertical signal through the preprocessor into the detector.
func stream(t *testing.T, seconds float64, accel func(ts float64) float64) []imu.StepEvent {
	t.Helper()
	const rate = 100.0
	p := preprocess.New(preprocess.DefaultOptions(), rate, 5)
	d := newDetector(tuning.Default())
	var out []imu.StepEvent
	for i := range int(seconds * rate) {
		ts := float64(i) / rate
		pt, _, err := p.Push(imu.Sample{TimestampMs: int64(math.Round(ts * 1000)), Az: accel(ts)})
		require.NoError(t, err)
		out = append(out, d.Push(pt)...)
	}
	return out
}

func TestTwoHertzGait(t *testing.T) {
	evs := stream(t, 10, func(ts float64) float64 { return 1 + math.Sin(2*math.Pi*2*ts) })
	assert.InDelta(t, 20, len(evs), 2)
	assert.IsIncreasing(t, timestamps(evs))
}

func TestNoiseProducesNoSteps(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	evs := stream(t, 30, func(float64) float64 { return 1 + (rng.Float64()-0.5)*0.08 })
	assert.Empty(t, evs)
}
