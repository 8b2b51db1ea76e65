// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/inertial_steps/internal/calibration"
	"github.com/relabs-tech/inertial_steps/internal/config"
	"github.com/relabs-tech/inertial_steps/internal/faults"
	"github.com/relabs-tech/inertial_steps/internal/imu"
	"github.com/relabs-tech/inertial_steps/internal/pipeline"
	"github.com/relabs-tech/inertial_steps/internal/power"
)

// Engine is the part of the step pipeline driven by the transports.
type Engine interface {
	Submit(ctx context.Context, s imu.Sample) error
	SubmitHardware(ctx context.Context, r imu.HardwareReading) error
	SubmitSignal(ctx context.Context, s power.Signal) error
	Apply(ctx context.Context, s pipeline.Settings) error
	SetHardwareAvailable(ctx context.Context, up bool) error
	Calibrate(ctx context.Context) (calibration.Result, error)
	Settings() pipeline.Settings
}

// Command is a message on the command topic or the websocket.
type Command struct {
	Action    string          `json:"action"` // apply, calibrate, hardware
	Settings  json.RawMessage `json:"settings,omitempty"`
	Available *bool           `json:"available,omitempty"`
}

// CommandHandler turns Commands into engine calls. Calibration runs in the
// background on the handler's context; its outcome reaches the sinks.
type CommandHandler struct {
	ctx     context.Context
	engine  Engine
	log     *slog.Logger
	timeout time.Duration
}

// NewCommandHandler builds a handler whose calibrations live until ctx ends.
func NewCommandHandler(ctx context.Context, e Engine, log *slog.Logger) *CommandHandler {
	if log == nil {
		log = slog.Default()
	}
	return &CommandHandler{ctx: ctx, engine: e, log: log, timeout: 2 * time.Second}
}

// Handle executes c. Settings are decoded on top of the settings in effect,
// so a partial object only changes the fields it names.
func (h *CommandHandler) Handle(c Command) error {
	ctx, cancel := context.WithTimeout(h.ctx, h.timeout)
	defer cancel()

	switch c.Action {
	case "apply":
		s := h.engine.Settings()
		if len(c.Settings) == 0 {
			return fmt.Errorf("%w: apply without settings", faults.ErrConfigInvalid)
		}
		if err := json.Unmarshal(c.Settings, &s); err != nil {
			return fmt.Errorf("%w: %v", faults.ErrConfigInvalid, err)
		}
		return h.engine.Apply(ctx, s)
	case "hardware":
		if c.Available == nil {
			return fmt.Errorf("hardware command without available flag")
		}
		return h.engine.SetHardwareAvailable(ctx, *c.Available)
	case "calibrate":
		go func() {
			res, err := h.engine.Calibrate(h.ctx)
			if err != nil {
				h.log.Warn("app: calibration ended", "session", res.SessionID, "status", res.Status, "err", err)
				return
			}
			h.log.Info("app: calibration done", "session", res.SessionID, "peak", res.Config.PeakThreshold,
				"valley", res.Config.ValleyThreshold)
		}()
		return nil
	}
	return fmt.Errorf("unknown action %q", c.Action)
}

// BridgeOptions selects which input topics the bridge feeds into the engine.
type BridgeOptions struct {
	// AcceptSamples subscribes to the accelerometer topic.
	AcceptSamples bool
	// HardwareFromMQTT ties hardware counter availability to the broker
	// connection.
	HardwareFromMQTT bool
	// Timeout bounds a blocking submit from a message handler.
	Timeout time.Duration
}

// Bridge connects the engine to MQTT. It is a pipeline.Sink publishing
// retained JSON state, and it feeds input topics into the engine.
type Bridge struct {
	client mqtt.Client
	cfg    *config.Config
	opts   BridgeOptions
	log    *slog.Logger

	ctx    context.Context
	engine Engine
	cmds   *CommandHandler

	ready     chan struct{}
	readyOnce sync.Once

	mu         sync.Mutex
	signal     power.Signal
	hasBattery bool
}

// NewBridge builds a bridge with its own paho client for clientID. Nothing
// is sent before Start.
func NewBridge(cfg *config.Config, clientID string, opts BridgeOptions, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	b := &Bridge{cfg: cfg, opts: opts, log: log, ready: make(chan struct{})}
	b.client = mqtt.NewClient(mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(b.onLost))
	return b
}

// Start connects to the broker and subscribes the input topics, also after
// every reconnect. Messages are delivered to e until ctx ends.
func (b *Bridge) Start(ctx context.Context, e Engine) error {
	b.ctx, b.engine = ctx, e
	b.cmds = NewCommandHandler(ctx, e, b.log)

	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("%w: mqtt connect to %s timed out", faults.ErrSensorUnavailable, b.cfg.MQTTBroker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: mqtt connect: %w", faults.ErrSensorUnavailable, err)
	}
	b.log.Info("app: connected to MQTT", "broker", b.cfg.MQTTBroker)

	select {
	case <-b.ready:
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("mqtt subscribe on %s timed out", b.cfg.MQTTBroker)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects from the broker.
func (b *Bridge) Close() {
	b.client.Disconnect(250)
}

func (b *Bridge) onConnect(c mqtt.Client) {
	filters := map[string]byte{
		b.cfg.TopicHWSteps:  0,
		b.cfg.TopicBattery:  0,
		b.cfg.TopicActivity: 0,
		b.cfg.TopicCommand:  1,
	}
	if b.opts.AcceptSamples {
		filters[b.cfg.TopicAccel] = 0
	}
	token := c.SubscribeMultiple(filters, b.route)
	if token.WaitTimeout(5*time.Second) && token.Error() == nil {
		b.log.Info("app: subscribed", "topics", len(filters))
		if b.opts.HardwareFromMQTT {
			b.setHardware(true)
		}
		b.readyOnce.Do(func() { close(b.ready) })
		return
	}
	b.log.Error("app: subscribe failed", "err", token.Error())
}

func (b *Bridge) onLost(_ mqtt.Client, err error) {
	b.log.Warn("app: MQTT connection lost", "err", err)
	if b.opts.HardwareFromMQTT {
		b.setHardware(false)
	}
}

func (b *Bridge) setHardware(up bool) {
	if b.engine == nil {
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, b.opts.Timeout)
	defer cancel()
	if err := b.engine.SetHardwareAvailable(ctx, up); err != nil {
		b.log.Debug("app: hardware availability not delivered", "err", err)
	}
}

func (b *Bridge) route(_ mqtt.Client, msg mqtt.Message) {
	ctx, cancel := context.WithTimeout(b.ctx, b.opts.Timeout)
	defer cancel()

	var err error
	switch msg.Topic() {
	case b.cfg.TopicAccel:
		err = b.handleSamples(ctx, msg.Payload())
	case b.cfg.TopicHWSteps:
		var r imu.HardwareReading
		if err = json.Unmarshal(msg.Payload(), &r); err == nil {
			err = b.engine.SubmitHardware(ctx, r)
		}
	case b.cfg.TopicBattery:
		err = b.handleBattery(ctx, msg.Payload())
	case b.cfg.TopicActivity:
		err = b.handleActivity(ctx, msg.Payload())
	case b.cfg.TopicCommand:
		var c Command
		if err = json.Unmarshal(msg.Payload(), &c); err == nil {
			err = b.cmds.Handle(c)
		}
	default:
		return
	}
	if err != nil {
		b.log.Warn("app: message rejected", "topic", msg.Topic(), "err", err)
	}
}

// handleSamples accepts one sample object or an array of them.
func (b *Bridge) handleSamples(ctx context.Context, payload []byte) error {
	payload = bytes.TrimSpace(payload)
	var batch []imu.Sample
	if len(payload) > 0 && payload[0] == '[' {
		if err := json.Unmarshal(payload, &batch); err != nil {
			return err
		}
	} else {
		var s imu.Sample
		if err := json.Unmarshal(payload, &s); err != nil {
			return err
		}
		batch = append(batch, s)
	}
	for _, s := range batch {
		if err := b.engine.Submit(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// handleBattery merges the battery level with the last activity hint.
func (b *Bridge) handleBattery(ctx context.Context, payload []byte) error {
	var in struct {
		BatteryPercent *float64 `json:"battery_percent"`
		Charging       bool     `json:"charging"`
	}
	if err := json.Unmarshal(payload, &in); err != nil {
		return err
	}
	if in.BatteryPercent == nil {
		return fmt.Errorf("battery message without battery_percent")
	}
	b.mu.Lock()
	b.signal.BatteryPercent, b.signal.Charging = *in.BatteryPercent, in.Charging
	b.hasBattery = true
	sig := b.signal
	b.mu.Unlock()
	return b.engine.SubmitSignal(ctx, sig)
}

// handleActivity updates the activity hint. Until a battery level is known
// the hint is only stored, since the policy needs both.
func (b *Bridge) handleActivity(ctx context.Context, payload []byte) error {
	var in struct {
		Activity power.Activity `json:"activity"`
	}
	if err := json.Unmarshal(payload, &in); err != nil {
		return err
	}
	b.mu.Lock()
	b.signal.Activity = in.Activity
	sig, ready := b.signal, b.hasBattery
	b.mu.Unlock()
	if !ready {
		return nil
	}
	return b.engine.SubmitSignal(ctx, sig)
}

func (b *Bridge) publish(topic string, retained bool, v any) {
	if !b.client.IsConnected() {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		b.log.Error("app: json marshal error", "topic", topic, "err", err)
		return
	}
	token := b.client.Publish(topic, 0, retained, payload)
	// The pipeline goroutine calls the sink; do not wait on the network here.
	go func() {
		if token.WaitTimeout(2*time.Second) && token.Error() != nil {
			b.log.Warn("app: MQTT publish error", "topic", topic, "err", token.Error())
		}
	}()
}

func (b *Bridge) Steps(v pipeline.StepCount)       { b.publish(b.cfg.TopicSteps, true, v) }
func (b *Bridge) Walking(v pipeline.WalkingUpdate) { b.publish(b.cfg.TopicState, true, v) }
func (b *Bridge) Power(v power.Profile)            { b.publish(b.cfg.TopicPower, true, v) }
func (b *Bridge) Calibration(v calibration.Result) { b.publish(b.cfg.TopicCalibration, true, v) }
func (b *Bridge) Condition(v faults.Condition)     { b.publish(b.cfg.TopicCondition, false, v) }
