package app

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/inertial_steps/internal/calibration"
	"github.com/relabs-tech/inertial_steps/internal/config"
	"github.com/relabs-tech/inertial_steps/internal/faults"
	"github.com/relabs-tech/inertial_steps/internal/fusion"
	"github.com/relabs-tech/inertial_steps/internal/power"
	"github.com/relabs-tech/inertial_steps/internal/sensors"
	"github.com/relabs-tech/inertial_steps/internal/tuning"
)

func TestInitialSettingsLoadsNewestProfile(t *testing.T) {
	cfg := config.Default()
	cfg.ProfileDir = t.TempDir()
	cfg.FusionMode = fusion.GapFill
	cfg.BatteryMode = "sleep"

	s := InitialSettings(cfg, slog.Default())
	assert.False(t, s.IsCalibrated)
	assert.Equal(t, fusion.GapFill, s.FusionMode)
	assert.Equal(t, "sleep", s.BatteryMode)

	older := tuning.Default()
	older.IsCalibrated, older.PeakThreshold = true, 0.3
	newer := tuning.Default()
	newer.IsCalibrated, newer.PeakThreshold = true, 0.21
	for i, c := range []tuning.DetectionConfig{older, newer} {
		_, err := calibration.SaveProfile(cfg.ProfileDir, calibration.Result{
			Status:   calibration.StatusSucceeded,
			Config:   c,
			Finished: time.Date(2026, 5, 1, 8, i, 0, 0, time.UTC),
		})
		require.NoError(t, err)
	}

	s = InitialSettings(cfg, slog.Default())
	assert.True(t, s.IsCalibrated)
	assert.Equal(t, 0.21, s.PeakThreshold)
	assert.Equal(t, fusion.GapFill, s.FusionMode)
}

func TestPipelineOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.QueueSize, cfg.ErrorCeiling, cfg.InitialPowerMode = 64, 4, power.PowerSaving

	opts := PipelineOptions(cfg)
	assert.Equal(t, 64, opts.QueueSize)
	assert.Equal(t, 4, opts.ErrorCeiling)
	assert.Equal(t, power.PowerSaving, opts.InitialMode)
	assert.Equal(t, cfg.ProfileDir, opts.ProfileDir)
}

func TestSourceFromConfig(t *testing.T) {
	cfg := config.Default()
	for source, hardware := range map[string]bool{
		config.SourceSynthetic: true,
		config.SourceSerial:    true,
		config.SourceMPU9250:   false,
	} {
		cfg.SampleSource = source
		src, err := SourceFromConfig(cfg, slog.Default())
		require.NoError(t, err, source)
		assert.NotNil(t, src.Open, source)
		assert.Equal(t, hardware, src.Hardware, source)
	}

	cfg.SampleSource = config.SourceMQTT
	src, err := SourceFromConfig(cfg, slog.Default())
	require.NoError(t, err)
	assert.Nil(t, src.Open)

	cfg.SampleSource = "bluetooth"
	_, err = SourceFromConfig(cfg, slog.Default())
	assert.Error(t, err)
}

func TestRunSourcePumpsUntilEOF(t *testing.T) {
	src := Source{Name: "synthetic", Open: sensors.SyntheticOpener(sensors.SyntheticOptions{
		RateHz:    50,
		CadenceHz: 2,
		Duration:  2 * time.Second,
	})}
	eng := newFakeEngine()
	var reported []faults.Condition
	err := RunSource(context.Background(), src, eng, func(c faults.Condition) { reported = append(reported, c) },
		slog.Default())
	require.NoError(t, err)
	assert.Len(t, eng.snapshot().samples, 100)
	assert.Empty(t, reported)
}

func TestRunSourceReportsUnavailableSensor(t *testing.T) {
	calls := 0
	src := Source{Name: "mpu9250", Open: func(context.Context) (sensors.Reader, error) {
		calls++
		return nil, errors.New("spi: no such device")
	}}
	var reported []faults.Condition
	err := RunSource(context.Background(), src, newFakeEngine(), func(c faults.Condition) {
		reported = append(reported, c)
	}, slog.Default())

	require.NoError(t, err, "a lost source must not stop the engine")
	assert.Equal(t, sensors.SubscribeAttempts, calls)
	require.Len(t, reported, 1)
	assert.Equal(t, faults.SensorUnavailable, reported[0].Kind)
	assert.Contains(t, reported[0].Detail, "mpu9250")
}
