package app

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/inertial_steps/internal/calibration"
	"github.com/relabs-tech/inertial_steps/internal/config"
	"github.com/relabs-tech/inertial_steps/internal/faults"
	"github.com/relabs-tech/inertial_steps/internal/sensors"
)

func TestRunCalibrationWritesProfile(t *testing.T) {
	cfg := config.Default()
	cfg.ProfileDir = t.TempDir()
	src := Source{Name: "synthetic", Open: sensors.SyntheticOpener(sensors.SyntheticOptions{
		RateHz:     50,
		CadenceHz:  1.8,
		AmplitudeG: 0.3,
		Duration:   18 * time.Second,
	})}

	var out bytes.Buffer
	res, err := RunCalibration(context.Background(), cfg, src, strings.NewReader("\n"), &out, slog.Default())
	require.NoError(t, err, out.String())
	assert.Equal(t, calibration.StatusSucceeded, res.Status)
	assert.True(t, res.Config.IsCalibrated)
	assert.Contains(t, out.String(), "Calibration OK")

	path, err := calibration.LatestProfile(cfg.ProfileDir)
	require.NoError(t, err)
	prof, err := calibration.LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, prof.SessionID)

	// The next stepper start picks the profile up.
	assert.Equal(t, res.Config.PeakThreshold, InitialSettings(cfg, slog.Default()).PeakThreshold)
}

func TestRunCalibrationReportsLostSource(t *testing.T) {
	cfg := config.Default()
	cfg.ProfileDir = t.TempDir()
	src := Source{Name: "serial", Open: func(context.Context) (sensors.Reader, error) {
		return nil, errors.New("open /dev/ttyUSB0: no such file or directory")
	}}

	var out bytes.Buffer
	res, err := RunCalibration(context.Background(), cfg, src, strings.NewReader("\n"), &out, slog.Default())
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrSensorUnavailable)
	assert.ErrorIs(t, err, faults.ErrCalibrationFailed)
	assert.Equal(t, calibration.StatusFailed, res.Status)
	assert.Contains(t, out.String(), "previous configuration is unchanged")

	_, err = calibration.LatestProfile(cfg.ProfileDir)
	assert.ErrorIs(t, err, calibration.ErrNoProfile)
}

func TestRunCalibrationNeedsLocalSource(t *testing.T) {
	_, err := RunCalibration(context.Background(), config.Default(), Source{Name: "mqtt"},
		strings.NewReader(""), &bytes.Buffer{}, slog.Default())
	assert.Error(t, err)
}
