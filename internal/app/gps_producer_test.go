package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/inertial_steps/internal/config"
	"github.com/relabs-tech/inertial_steps/internal/gps"
	"github.com/relabs-tech/inertial_steps/internal/power"
)

func TestPublishFixes(t *testing.T) {
	cfg := config.Default()
	in := strings.Join([]string{
		"$GPGGA,092750.000,5321.6802,N,00630.3372,W,1,8,1.03,61.7,M,55.2,M,,*76",
		"$GPRMC,120001,A,4807.038,N,01131.000,E,2.5,90.0,061225,,,A*4C",
		"garbage",
		"$GPRMC,120002,V,,,,,,,061225,,,N*50",
		"$GPRMC,120001,A,4807.038,N,01131.000,E,2.5,90.0,061225,,,A*00",
	}, "\n")

	type published struct {
		topic   string
		payload []byte
	}
	var got []published
	err := PublishFixes(context.Background(), strings.NewReader(in), cfg, func(topic string, payload []byte) error {
		got = append(got, published{topic, payload})
		return nil
	}, slog.Default())
	require.NoError(t, err)

	// One valid fix with its activity hint, then one void fix without.
	require.Len(t, got, 3)
	assert.Equal(t, cfg.TopicGPS, got[0].topic)
	assert.Equal(t, cfg.TopicActivity, got[1].topic)
	assert.Equal(t, cfg.TopicGPS, got[2].topic)

	var fix gps.Fix
	require.NoError(t, json.Unmarshal(got[0].payload, &fix))
	assert.InDelta(t, 2.5, fix.SpeedKnots, 1e-9)

	var act ActivityMessage
	require.NoError(t, json.Unmarshal(got[1].payload, &act))
	assert.Equal(t, power.ActivityWalking, act.Activity)

	require.NoError(t, json.Unmarshal(got[2].payload, &fix))
	assert.False(t, fix.Valid())
}
