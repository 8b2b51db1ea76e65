package sensors

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/inertial_steps/internal/faults"
	"github.com/relabs-tech/inertial_steps/internal/imu"
)

type fakeEngine struct {
	mu       sync.Mutex
	samples  []imu.Sample
	hardware []imu.HardwareReading
}

func (f *fakeEngine) Submit(_ context.Context, s imu.Sample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, s)
	return nil
}

func (f *fakeEngine) SubmitHardware(_ context.Context, r imu.HardwareReading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hardware = append(f.hardware, r)
	return nil
}

func TestParseLine(t *testing.T) {
	rd, err := ParseLine("A,1000,0.01,-0.02,0.98")
	require.NoError(t, err)
	require.NotNil(t, rd.Sample)
	assert.Equal(t, imu.Sample{TimestampMs: 1000, Ax: 0.01, Ay: -0.02, Az: 0.98}, *rd.Sample)
	assert.Nil(t, rd.Hardware)

	rd, err = ParseLine("1010, 0, 0, 1")
	require.NoError(t, err)
	assert.Equal(t, int64(1010), rd.Sample.TimestampMs)

	rd, err = ParseLine("S,2000,4312")
	require.NoError(t, err)
	require.NotNil(t, rd.Hardware)
	assert.Equal(t, imu.HardwareReading{TimestampMs: 2000, CumulativeSteps: 4312}, *rd.Hardware)

	for _, bad := range []string{"A,1,2", "S,1,-5", "x,1,2,3", "A,t,0,0,1", "S,1,2,3"} {
		_, err := ParseLine(bad)
		assert.ErrorIs(t, err, ErrBadLine, bad)
	}
}

func TestPumpMovesReadingsUntilEOF(t *testing.T) {
	in := strings.Join([]string{
		"# recorded walk",
		"A,0,0,0,1",
		"",
		"A,20,0,0,1.1",
		"garbage",
		"S,20,7",
		"A,40,0,0,0.9",
	}, "\n")
	e := &fakeEngine{}
	err := Pump(context.Background(), "replay", NewLineReader(strings.NewReader(in)), e, nil)
	require.NoError(t, err)

	require.Len(t, e.samples, 3)
	assert.Equal(t, int64(40), e.samples[2].TimestampMs)
	require.Len(t, e.hardware, 1)
	assert.Equal(t, int64(7), e.hardware[0].CumulativeSteps)
}

type failingReader struct{ closed bool }

func (f *failingReader) Read(context.Context) (Reading, error) {
	return Reading{}, errors.New("bus error")
}

func (f *failingReader) Close() error {
	f.closed = true
	return nil
}

func TestPumpGivesUpOnLostSource(t *testing.T) {
	r := &failingReader{}
	err := Pump(context.Background(), "imu", r, &fakeEngine{}, nil)
	require.ErrorIs(t, err, faults.ErrSensorUnavailable)
	assert.True(t, r.closed)
}

func TestSubscribeRetriesThenSucceeds(t *testing.T) {
	calls := 0
	open := func(context.Context) (Reader, error) {
		calls++
		if calls < 2 {
			return nil, errors.New("device busy")
		}
		return NewLineReader(strings.NewReader("")), nil
	}
	r, err := Subscribe(context.Background(), "serial", open, nil)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, 2, calls)
}

func TestSubscribeGivesUpAfterBoundedAttempts(t *testing.T) {
	calls := 0
	open := func(context.Context) (Reader, error) {
		calls++
		return nil, errors.New("no such device")
	}
	_, err := Subscribe(context.Background(), "mpu9250", open, nil)
	require.ErrorIs(t, err, faults.ErrSensorUnavailable)
	assert.Equal(t, SubscribeAttempts, calls)
}

func TestSyntheticGait(t *testing.T) {
	s := NewSynthetic(SyntheticOptions{
		RateHz:        50,
		CadenceHz:     2,
		AmplitudeG:    0.3,
		TiltDeg:       30,
		Duration:      10 * time.Second,
		HardwareEvery: time.Second,
	})
	defer s.Close()

	var samples []imu.Sample
	var hw []imu.HardwareReading
	for {
		rd, err := s.Read(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		samples = append(samples, *rd.Sample)
		if rd.Hardware != nil {
			hw = append(hw, *rd.Hardware)
		}
	}

	require.Len(t, samples, 500)
	assert.Equal(t, int64(0), samples[0].TimestampMs)
	assert.Equal(t, int64(20), samples[1].TimestampMs)
	// Without noise the magnitude is 1 g plus the vertical oscillation.
	for _, smp := range samples {
		assert.InDelta(t, 1, smp.Norm(), 0.3+1e-9)
	}
	assert.InDelta(t, 0.5, samples[0].Ay, 1e-9)

	require.Len(t, hw, 10)
	assert.Equal(t, int64(0), hw[0].CumulativeSteps)
	assert.Equal(t, int64(18), hw[9].CumulativeSteps)
	for i := 1; i < len(hw); i++ {
		assert.Greater(t, hw[i].TimestampMs, hw[i-1].TimestampMs)
	}
}

func TestSyntheticRestingDevice(t *testing.T) {
	s := NewSynthetic(SyntheticOptions{RateHz: 10, TiltDeg: 90})
	rd, err := s.Read(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 1, rd.Sample.Ay, 1e-9)
	assert.InDelta(t, 0, rd.Sample.Az, 1e-9)
	assert.InDelta(t, 1, rd.Sample.Norm(), 1e-9)
}
