package gps

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/inertial_steps/internal/power"
)

func TestParseRMCActivity(t *testing.T) {
	cases := []struct {
		line string
		want power.Activity
	}{
		{"$GPRMC,120000,A,4807.038,N,01131.000,E,0.1,0.0,061225,,,A*72", power.ActivityStationary},
		{"$GPRMC,120001,A,4807.038,N,01131.000,E,2.5,90.0,061225,,,A*4C", power.ActivityWalking},
		{"$GPRMC,220516,A,5133.82,N,00042.24,W,173.8,231.8,130694,004.2,W*70", power.ActivityRunning},
	}
	for _, tc := range cases {
		f, err := ParseRMC(tc.line)
		require.NoError(t, err, tc.line)
		assert.True(t, f.Valid())
		assert.Equal(t, tc.want, f.Activity, tc.line)
	}

	f, err := ParseRMC("$GPRMC,120001,A,4807.038,N,01131.000,E,2.5,90.0,061225,,,A*4C")
	require.NoError(t, err)
	assert.InDelta(t, 48.1173, f.Latitude, 1e-4)
	assert.InDelta(t, 11.5167, f.Longitude, 1e-4)
	assert.Equal(t, 90.0, f.CourseDeg)
}

func TestParseRMCWithoutFix(t *testing.T) {
	f, err := ParseRMC("$GPRMC,120002,V,,,,,,,061225,,,N*50")
	require.NoError(t, err)
	assert.False(t, f.Valid())
	assert.Empty(t, f.Activity)
}

func TestParseRMCRejects(t *testing.T) {
	_, err := ParseRMC("$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47")
	assert.True(t, errors.Is(err, ErrNotRMC))

	_, err = ParseRMC("garbage")
	assert.True(t, errors.Is(err, ErrNotRMC))

	_, err = ParseRMC("$GPRMC,120001,A,4807.038,N,01131.000,E,2.5,90.0,061225,,,A*00")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotRMC))
}

func TestActivityFromSpeed(t *testing.T) {
	assert.Equal(t, power.ActivityStationary, ActivityFromSpeed(0))
	assert.Equal(t, power.ActivityWalking, ActivityFromSpeed(2))
	assert.Equal(t, power.ActivityRunning, ActivityFromSpeed(6))
}
