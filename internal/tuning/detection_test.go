package tuning

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/inertial_steps/internal/faults"
)

func TestDefaultIsInRange(t *testing.T) {
	cfg, changed := Default().Clamp()
	assert.Empty(t, changed)
	assert.Equal(t, Default(), cfg)
}

func TestClamp(t *testing.T) {
	tests := []struct {
		name string
		in   DetectionConfig
		want DetectionConfig
	}{
		{
			name: "thresholds out of range",
			in:   DetectionConfig{PeakThreshold: 5, ValleyThreshold: 0.3, MinStepIntervalMs: 250, MaxStepIntervalMs: 2000, Sensitivity: 2},
			want: DetectionConfig{PeakThreshold: MaxPeakThreshold, ValleyThreshold: MaxValleyThreshold, MinStepIntervalMs: 250, MaxStepIntervalMs: 2000, Sensitivity: 1},
		},
		{
			name: "intervals out of range",
			in:   DetectionConfig{PeakThreshold: 0.2, ValleyThreshold: -0.2, MinStepIntervalMs: 10, MaxStepIntervalMs: 99999, Sensitivity: 0.5},
			want: DetectionConfig{PeakThreshold: 0.2, ValleyThreshold: -0.2, MinStepIntervalMs: MinStepIntervalFloorMs, MaxStepIntervalMs: MaxStepIntervalCeilMs, Sensitivity: 0.5},
		},
		{
			name: "max below min",
			in:   DetectionConfig{PeakThreshold: 0.2, ValleyThreshold: -0.2, MinStepIntervalMs: 750, MaxStepIntervalMs: 700, Sensitivity: 0.5},
			want: DetectionConfig{PeakThreshold: 0.2, ValleyThreshold: -0.2, MinStepIntervalMs: 750, MaxStepIntervalMs: 850, Sensitivity: 0.5},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := tt.in.Clamp()
			assert.NotEmpty(t, changed)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStoreReplaceClampsAndReports(t *testing.T) {
	s := NewStore(Default(), nil)

	bad := Default()
	bad.PeakThreshold = -1
	err := s.Replace(bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrConfigInvalid))
	assert.Equal(t, MinPeakThreshold, s.Load().PeakThreshold)

	good := Default()
	good.IsCalibrated = true
	require.NoError(t, s.Replace(good))
	assert.Equal(t, good, s.Load())
}

func TestStoreConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	a := Default()
	b := DetectionConfig{PeakThreshold: 0.4, ValleyThreshold: -0.3, MinStepIntervalMs: 300, MaxStepIntervalMs: 1500, Sensitivity: 0.8, IsCalibrated: true}
	s := NewStore(a, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			if i%2 == 0 {
				_ = s.Replace(b)
			} else {
				_ = s.Replace(a)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			got := s.Load()
			if got != a && got != b {
				t.Errorf("torn read: %+v", got)
				return
			}
		}
	}()
	wg.Wait()
}
