package calibration

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/inertial_steps/internal/faults"
	"github.com/relabs-tech/inertial_steps/internal/imu"
	"github.com/relabs-tech/inertial_steps/internal/preprocess"
	"github.com/relabs-tech/inertial_steps/internal/tuning"
)

// walk feeds a vertical sinusoid through the preprocessor and returns a
// closed channel holding its windows.
func walk(t *testing.T, freqHz, amp, seconds float64) <-chan preprocess.FilteredSignal {
	t.Helper()
	const rate = 50.0
	p := preprocess.New(preprocess.DefaultOptions(), rate, 3)
	ch := make(chan preprocess.FilteredSignal, int(seconds)+1)
	for i := range int(seconds * rate) {
		ts := float64(i) / rate
		_, w, err := p.Push(imu.Sample{
			TimestampMs: int64(math.Round(ts * 1000)),
			Az:          1 + amp*math.Sin(2*math.Pi*freqHz*ts),
		})
		require.NoError(t, err)
		if w != nil {
			ch <- *w
		}
	}
	close(ch)
	return ch
}

func TestCalibrationSucceedsOnCleanGait(t *testing.T) {
	store := tuning.NewStore(tuning.Default(), nil)
	m := NewManager(store, DefaultOptions(), nil)

	cfg, err := m.Run(context.Background(), walk(t, 1.8, 0.3, 15))
	require.NoError(t, err)

	assert.True(t, cfg.IsCalibrated)
	assert.Equal(t, cfg, store.Load())
	assert.InDelta(t, 0.15, cfg.PeakThreshold, 0.05)
	assert.InDelta(t, -0.15, cfg.ValleyThreshold, 0.05)
	assert.GreaterOrEqual(t, cfg.MinStepIntervalMs, int64(minIntervalLoMs))
	assert.LessOrEqual(t, cfg.MinStepIntervalMs, int64(minIntervalHiMs))
	assert.GreaterOrEqual(t, cfg.MaxStepIntervalMs, int64(maxIntervalLoMs))
	assert.LessOrEqual(t, cfg.MaxStepIntervalMs, int64(maxIntervalHiMs))
	// A 1.8 Hz cadence is a ~556 ms interval; it must sit inside the range.
	assert.Less(t, cfg.MinStepIntervalMs, int64(556))
	assert.Greater(t, cfg.MaxStepIntervalMs, int64(556))
	assert.GreaterOrEqual(t, cfg.Sensitivity, 0.3)
	assert.LessOrEqual(t, cfg.Sensitivity, 0.9)

	res, ok := m.Last()
	require.True(t, ok)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.NotEmpty(t, res.SessionID)
	assert.GreaterOrEqual(t, res.Cycles, 20)
	_, active := m.Active()
	assert.False(t, active)
}

func TestCalibrationFailurePreservesConfig(t *testing.T) {
	initial := tuning.Default()
	initial.PeakThreshold = 0.21
	initial.MinStepIntervalMs = 310

	lowQuality := func() <-chan preprocess.FilteredSignal {
		ch := make(chan preprocess.FilteredSignal, 15)
		for i := range 15 {
			ch <- preprocess.FilteredSignal{
				StartMs:    int64(i * 1000),
				EndMs:      int64(i*1000 + 980),
				RateHz:     50,
				Values:     make([]float64, 50),
				Timestamps: make([]int64, 50),
				Quality:    0.1,
			}
		}
		close(ch)
		return ch
	}

	cases := map[string]func() <-chan preprocess.FilteredSignal{
		"too few samples": func() <-chan preprocess.FilteredSignal { return walk(t, 1.8, 0.3, 3) },
		"low quality":     lowQuality,
		"no gait":         func() <-chan preprocess.FilteredSignal { return walk(t, 1.8, 0, 15) },
	}
	for name, windows := range cases {
		t.Run(name, func(t *testing.T) {
			store := tuning.NewStore(initial, nil)
			before := store.Load()
			m := NewManager(store, DefaultOptions(), nil)

			_, err := m.Run(context.Background(), windows())
			require.Error(t, err)
			assert.True(t, errors.Is(err, faults.ErrCalibrationFailed))
			if diff := cmp.Diff(before, store.Load()); diff != "" {
				t.Fatalf("config changed (-before +after):\n%s", diff)
			}
			res, ok := m.Last()
			require.True(t, ok)
			assert.Equal(t, StatusFailed, res.Status)
			assert.NotEmpty(t, res.Err)
		})
	}
}

func TestCalibrationCancelled(t *testing.T) {
	store := tuning.NewStore(tuning.Default(), nil)
	m := NewManager(store, DefaultOptions(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	windows := make(chan preprocess.FilteredSignal)
	_, err := m.Run(ctx, windows)
	assert.True(t, errors.Is(err, faults.ErrCalibrationFailed))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, tuning.Default(), store.Load())
}

func TestCyclesOnSinusoid(t *testing.T) {
	var ts []int64
	var vals []float64
	for i := range 500 {
		ts = append(ts, int64(i*10))
		vals = append(vals, 0.4*math.Sin(2*math.Pi*2*float64(i)/100))
	}
	peaks, valleys, intervals := cycles(ts, vals)
	require.NotEmpty(t, intervals)
	for _, iv := range intervals {
		assert.InDelta(t, 500, iv, 10)
	}
	for _, p := range peaks {
		assert.InDelta(t, 0.4, p, 0.01)
	}
	for _, v := range valleys {
		assert.InDelta(t, -0.4, v, 0.01)
	}
}

func TestDeriveConfigClampsIntervals(t *testing.T) {
	peaks := []float64{0.3, 0.3, 0.3}
	valleys := []float64{-0.3, -0.3}
	cfg := deriveConfig(peaks, valleys, []float64{150, 150, 150})
	assert.Equal(t, int64(minIntervalLoMs), cfg.MinStepIntervalMs)
	assert.Equal(t, int64(maxIntervalLoMs), cfg.MaxStepIntervalMs)
	assert.InDelta(t, 0.15, cfg.PeakThreshold, 1e-9)
	assert.InDelta(t, -0.15, cfg.ValleyThreshold, 1e-9)
	assert.InDelta(t, 0.4, cfg.Sensitivity, 1e-9)
}

func TestProfileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	_, err := LatestProfile(dir)
	assert.ErrorIs(t, err, ErrNoProfile)

	cfg := tuning.Default()
	cfg.IsCalibrated = true
	cfg.PeakThreshold = 0.18
	res := Result{SessionID: "abc", Status: StatusSucceeded, Config: cfg,
		Finished: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}

	path, err := SaveProfile(dir, res)
	require.NoError(t, err)
	latest, err := LatestProfile(dir)
	require.NoError(t, err)
	assert.Equal(t, path, latest)

	p, err := LoadProfile(latest)
	require.NoError(t, err)
	assert.Equal(t, cfg, p.Config)
	assert.Equal(t, "abc", p.SessionID)

	_, err = SaveProfile(dir, Result{Status: StatusFailed})
	assert.Error(t, err)
}
