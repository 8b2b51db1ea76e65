package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/inertial_steps/internal/calibration"
	"github.com/relabs-tech/inertial_steps/internal/fusion"
	"github.com/relabs-tech/inertial_steps/internal/pipeline"
	"github.com/relabs-tech/inertial_steps/internal/power"
)

type fakeMonitor struct{ merged int64 }

func (f fakeMonitor) State() fusion.State {
	return fusion.State{Mode: fusion.Adaptive, Merged: f.merged, Walking: fusion.Walking}
}
func (fakeMonitor) Profile() power.Profile      { return power.DefaultProfiles()[power.Normal] }
func (fakeMonitor) Settings() pipeline.Settings { return pipeline.DefaultSettings() }
func (fakeMonitor) Stats() pipeline.Stats       { return pipeline.Stats{Received: 500, Windows: 10} }
func (fakeMonitor) EffectiveRateHz() float64    { return 50 }
func (fakeMonitor) MeasuredRateHz() float64     { return 49.8 }
func (fakeMonitor) NeedsAttention() bool        { return false }
func (fakeMonitor) CalibrationSession() (calibration.Session, bool) {
	return calibration.Session{Status: calibration.StatusCollecting, CollectedSamples: 120}, true
}

func newStreamServer(t *testing.T) (*Stream, *fakeEngine, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := NewStream(nil)
	eng := newFakeEngine()
	srv := httptest.NewServer(s.Handler(ctx, eng, fakeMonitor{merged: 42}, ""))
	t.Cleanup(srv.Close)
	return s, eng, srv
}

func dialStream(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/steps"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type rawResponse struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func readResponse(t *testing.T, conn *websocket.Conn) rawResponse {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var r rawResponse
	require.NoError(t, conn.ReadJSON(&r))
	return r
}

func TestStreamPushesStateThenUpdates(t *testing.T) {
	s, _, srv := newStreamServer(t)
	conn := dialStream(t, srv)

	first := readResponse(t, conn)
	require.Equal(t, "state", first.Type)
	var view StateView
	require.NoError(t, json.Unmarshal(first.Data, &view))
	assert.Equal(t, int64(42), view.Fusion.Merged)
	assert.Equal(t, power.Normal, view.Power.Mode)
	assert.Equal(t, 1, s.Clients())

	s.Steps(pipeline.StepCount{TimestampMs: 1000, Total: 43, Mode: fusion.SoftwareOnly})
	s.Power(power.DefaultProfiles()[power.Sleep])

	r := readResponse(t, conn)
	require.Equal(t, "steps", r.Type)
	var steps pipeline.StepCount
	require.NoError(t, json.Unmarshal(r.Data, &steps))
	assert.Equal(t, int64(43), steps.Total)

	r = readResponse(t, conn)
	require.Equal(t, "power", r.Type)
	var prof power.Profile
	require.NoError(t, json.Unmarshal(r.Data, &prof))
	assert.Equal(t, power.Sleep, prof.Mode)
	assert.True(t, prof.ForceHardwareOnly)
}

func TestStreamCommands(t *testing.T) {
	_, eng, srv := newStreamServer(t)
	conn := dialStream(t, srv)
	readResponse(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "calibrate"}))
	require.Eventually(t, func() bool { return eng.snapshot().calibrate == 1 },
		5*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "dance"}))
	r := readResponse(t, conn)
	assert.Equal(t, "error", r.Type)
	assert.Contains(t, r.Message, "dance")
}

func TestStateEndpoint(t *testing.T) {
	_, _, srv := newStreamServer(t)

	resp, err := http.Get(srv.URL + "/api/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view StateView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, int64(42), view.Fusion.Merged)
	assert.Equal(t, fusion.Walking, view.Fusion.Walking)
	assert.Equal(t, uint64(500), view.Stats.Received)
	assert.Equal(t, pipeline.BatteryAuto, view.Settings.BatteryMode)
	require.NotNil(t, view.Calibration)
	assert.Equal(t, 120, view.Calibration.CollectedSamples)
}

func TestCommandEndpoint(t *testing.T) {
	_, eng, srv := newStreamServer(t)

	resp, err := http.Post(srv.URL+"/api/command", "application/json",
		strings.NewReader(`{"action":"apply","settings":{"batteryMode":"power_saving"}}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	calls := eng.snapshot()
	require.Len(t, calls.applied, 1)
	assert.Equal(t, "power_saving", calls.applied[0].BatteryMode)

	resp, err = http.Post(srv.URL+"/api/command", "application/json",
		strings.NewReader(`{"action":"hardware"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}
