package imu

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRawToSample(t *testing.T) {
	r := Raw{Ax: 16384, Ay: -8192, Az: 0}

	s := r.ToSample(1000, 0)
	assert.Equal(t, int64(1000), s.TimestampMs)
	assert.InDelta(t, 1.0, s.Ax, 1e-9)
	assert.InDelta(t, -0.5, s.Ay, 1e-9)
	assert.InDelta(t, 0.0, s.Az, 1e-9)

	s = r.ToSample(1000, 1)
	assert.InDelta(t, 2.0, s.Ax, 1e-9)

	// unknown selector falls back to ±2g
	s = r.ToSample(1000, 9)
	assert.InDelta(t, 1.0, s.Ax, 1e-9)
}

func TestSampleValid(t *testing.T) {
	assert.True(t, Sample{Ax: 0.1, Ay: 0.2, Az: 1}.Valid())
	assert.False(t, Sample{Ax: math.NaN()}.Valid())
	assert.False(t, Sample{Az: math.Inf(1)}.Valid())
	assert.InDelta(t, 5.0, Sample{Ax: 3, Ay: 4}.Norm(), 1e-12)
}
