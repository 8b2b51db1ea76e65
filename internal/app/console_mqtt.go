// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/inertial_steps/internal/calibration"
	"github.com/relabs-tech/inertial_steps/internal/config"
	"github.com/relabs-tech/inertial_steps/internal/faults"
	"github.com/relabs-tech/inertial_steps/internal/gps"
	"github.com/relabs-tech/inertial_steps/internal/pipeline"
	"github.com/relabs-tech/inertial_steps/internal/power"
)

// ConsoleLine renders one engine output message for the console.
func ConsoleLine(cfg *config.Config, topic string, payload []byte) (string, error) {
	switch topic {
	case cfg.TopicSteps:
		var s pipeline.StepCount
		if err := json.Unmarshal(payload, &s); err != nil {
			return "", err
		}
		return fmt.Sprintf("[STEPS] total=%6d  hw=%6d  freq=%6d  peak=%6d  mode=%s",
			s.Total, s.Hardware, s.Frequency, s.Peak, s.Mode), nil

	case cfg.TopicState:
		var w pipeline.WalkingUpdate
		if err := json.Unmarshal(payload, &w); err != nil {
			return "", err
		}
		return fmt.Sprintf("[STATE] %-8s cadence=%.2f Hz", w.State, w.CadenceHz), nil

	case cfg.TopicPower:
		var p power.Profile
		if err := json.Unmarshal(payload, &p); err != nil {
			return "", err
		}
		return fmt.Sprintf("[POWER] %s  rate=%.0f Hz  frequency=%t peak=%t hw_only=%t",
			p.Mode, p.SampleRateHz, p.FrequencyEnabled, p.PeakEnabled, p.ForceHardwareOnly), nil

	case cfg.TopicCalibration:
		var r calibration.Result
		if err := json.Unmarshal(payload, &r); err != nil {
			return "", err
		}
		if r.Status != calibration.StatusSucceeded {
			return fmt.Sprintf("[CALIB] %s %s: %s", r.SessionID, r.Status, r.Err), nil
		}
		return fmt.Sprintf("[CALIB] %s %s  peak=%.3f valley=%.3f interval=%d..%d ms",
			r.SessionID, r.Status, r.Config.PeakThreshold, r.Config.ValleyThreshold,
			r.Config.MinStepIntervalMs, r.Config.MaxStepIntervalMs), nil

	case cfg.TopicCondition:
		var c faults.Condition
		if err := json.Unmarshal(payload, &c); err != nil {
			return "", err
		}
		return fmt.Sprintf("[COND ] %s", c), nil

	case cfg.TopicGPS:
		var f gps.Fix
		if err := json.Unmarshal(payload, &f); err != nil {
			return "", err
		}
		return fmt.Sprintf("[GPS  ] time=%s lat=%.6f lon=%.6f speed=%.1fkn validity=%s activity=%s",
			f.Time, f.Latitude, f.Longitude, f.SpeedKnots, f.Validity, f.Activity), nil
	}
	return "", fmt.Errorf("unexpected topic %q", topic)
}

// RunConsoleMQTT prints engine outputs to out until ctx ends.
func RunConsoleMQTT(ctx context.Context, cfg *config.Config, out io.Writer, log *slog.Logger) error {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDConsole)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	defer client.Disconnect(250)
	log.Info("console: connected to MQTT broker", "broker", cfg.MQTTBroker)

	topics := []string{cfg.TopicSteps, cfg.TopicState, cfg.TopicPower, cfg.TopicCalibration,
		cfg.TopicCondition, cfg.TopicGPS}
	for _, topic := range topics {
		token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
			line, err := ConsoleLine(cfg, msg.Topic(), msg.Payload())
			if err != nil {
				log.Warn("console: unmarshal error", "topic", msg.Topic(), "err", err)
				return
			}
			fmt.Fprintf(out, "%s %s\n", time.Now().Format("15:04:05"), line)
		})
		if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
			return fmt.Errorf("console: subscribe %s: %v", topic, token.Error())
		}
		log.Info("console: subscribed", "topic", topic)
	}

	<-ctx.Done()
	log.Info("console: shutting down")
	return nil
}
