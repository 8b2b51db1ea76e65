package power

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy(t *testing.T) {
	tests := []struct {
		name string
		in   Signal
		want Mode
	}{
		{"charging wins", Signal{BatteryPercent: 3, Charging: true}, HighPerformance},
		{"critical battery", Signal{BatteryPercent: 8}, Sleep},
		{"low battery", Signal{BatteryPercent: 20, Activity: ActivityRunning}, PowerSaving},
		{"stationary", Signal{BatteryPercent: 80, Activity: ActivityStationary}, PowerSaving},
		{"running", Signal{BatteryPercent: 80, Activity: ActivityRunning}, HighPerformance},
		{"walking", Signal{BatteryPercent: 80, Activity: ActivityWalking}, Normal},
		{"unknown", Signal{BatteryPercent: 60}, Normal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Policy(tt.in))
		})
	}
}

func TestControllerDefersToCommit(t *testing.T) {
	c := NewController(Normal, nil, nil)
	require.Equal(t, Normal, c.Active().Mode)

	c.Observe(Signal{BatteryPercent: 5})
	assert.Equal(t, Normal, c.Active().Mode, "mode must not change mid-window")
	m, ok := c.Pending()
	require.True(t, ok)
	assert.Equal(t, Sleep, m)

	p, changed := c.Commit()
	require.True(t, changed)
	assert.Equal(t, Sleep, p.Mode)
	assert.Equal(t, 10.0, p.SampleRateHz)
	assert.True(t, p.ForceHardwareOnly)
	assert.False(t, p.SoftwareEnabled())

	_, changed = c.Commit()
	assert.False(t, changed)
}

func TestControllerOverride(t *testing.T) {
	c := NewController(Normal, nil, nil)
	hp := HighPerformance
	c.Override(&hp)
	c.Observe(Signal{BatteryPercent: 5})
	p, _ := c.Commit()
	assert.Equal(t, HighPerformance, p.Mode)

	c.Override(nil)
	p, changed := c.Commit()
	assert.True(t, changed)
	assert.Equal(t, Sleep, p.Mode)
}

func TestControllerAutoWithoutSignal(t *testing.T) {
	c := NewController(Normal, nil, nil)
	saving := PowerSaving
	c.Override(&saving)
	c.Override(nil)
	_, pending := c.Pending()
	assert.False(t, pending)
	p, changed := c.Commit()
	assert.False(t, changed)
	assert.Equal(t, Normal, p.Mode)
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{HighPerformance, Normal, PowerSaving, Sleep} {
		got, err := ParseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseMode("turbo")
	assert.Error(t, err)
}
