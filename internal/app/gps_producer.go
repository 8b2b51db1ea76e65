// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	serial "github.com/jacobsa/go-serial/serial"

	"github.com/relabs-tech/inertial_steps/internal/config"
	"github.com/relabs-tech/inertial_steps/internal/gps"
	"github.com/relabs-tech/inertial_steps/internal/power"
)

// ActivityMessage is the payload of the activity topic.
type ActivityMessage struct {
	Activity power.Activity `json:"activity"`
	Source   string         `json:"source,omitempty"`
}

// PublishFixes reads NMEA lines from r and publishes every RMC fix. Valid
// fixes also publish the derived activity hint. It returns at EOF.
func PublishFixes(ctx context.Context, r io.Reader, cfg *config.Config,
	publish func(topic string, payload []byte) error, log *slog.Logger) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		fix, err := gps.ParseRMC(sc.Text())
		switch {
		case errors.Is(err, gps.ErrNotRMC):
			continue
		case err != nil:
			// noisy GPS or partial sentences
			log.Debug("gps: NMEA parse error", "err", err)
			continue
		}

		payload, err := json.Marshal(fix)
		if err != nil {
			log.Error("gps: JSON marshal error", "err", err)
			continue
		}
		if err := publish(cfg.TopicGPS, payload); err != nil {
			log.Warn("gps: publish error", "err", err)
			continue
		}
		if !fix.Valid() {
			continue
		}
		payload, _ = json.Marshal(ActivityMessage{Activity: fix.Activity, Source: "gps"})
		if err := publish(cfg.TopicActivity, payload); err != nil {
			log.Warn("gps: publish error", "err", err)
		}
		log.Debug("gps: published fix", "speed_knots", fix.SpeedKnots, "activity", fix.Activity)
	}
	return sc.Err()
}

// RunGPSProducer opens the GPS serial port and publishes fixes and activity
// hints to MQTT until ctx ends or the port fails.
func RunGPSProducer(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDGPS)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	defer client.Disconnect(250)
	log.Info("gps: connected to MQTT broker", "broker", cfg.MQTTBroker)

	port, err := serial.Open(serial.OpenOptions{
		PortName:        cfg.GPSSerialPort,
		BaudRate:        uint(cfg.GPSBaudRate),
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
		ParityMode:      serial.PARITY_NONE,
	})
	if err != nil {
		return fmt.Errorf("gps: open %s: %w", cfg.GPSSerialPort, err)
	}
	log.Info("gps: serial port opened", "port", cfg.GPSSerialPort, "baud", cfg.GPSBaudRate)

	// Closing the port unblocks the scanner on shutdown.
	go func() {
		<-ctx.Done()
		port.Close()
	}()

	return PublishFixes(ctx, port, cfg, func(topic string, payload []byte) error {
		token := client.Publish(topic, 0, true, payload)
		token.Wait()
		return token.Error()
	}, log)
}
