// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/devices/v3/mpu9250"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/inertial_steps/internal/imu"
)

// MPU9250Options selects the SPI wiring and accelerometer setup.
type MPU9250Options struct {
	Name       string // for logging
	SPIDevice  string
	CSPin      string
	AccelRange byte // 0=±2g, 1=±4g, 2=±8g, 3=±16g
	RateHz     float64
}

// MPU9250 polls an MPU9250 accelerometer over SPI.
type MPU9250 struct {
	name   string
	dev    *mpu9250.MPU9250
	rng    byte
	ticker *time.Ticker
	lastTs int64
}

// OpenMPU9250 initializes the device: range, self-test and offset calibration.
// Self-test and calibration failures are logged, not fatal.
func OpenMPU9250(opts MPU9250Options, log *slog.Logger) (*MPU9250, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = "imu"
	}
	if opts.RateHz <= 0 {
		opts.RateHz = 100
	}
	name := opts.Name

	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("%s IMU: periph host init: %w", name, err)
	}

	cs := gpioreg.ByName(opts.CSPin)
	if cs == nil {
		return nil, fmt.Errorf("%s IMU: CS pin %q not found", name, opts.CSPin)
	}

	tr, err := mpu9250.NewSpiTransport(opts.SPIDevice, cs)
	if err != nil {
		return nil, fmt.Errorf("%s IMU: SPI transport (%s): %w", name, opts.SPIDevice, err)
	}

	dev, err := mpu9250.New(*tr)
	if err != nil {
		return nil, fmt.Errorf("%s IMU: device creation: %w", name, err)
	}

	if err := dev.Init(); err != nil {
		return nil, fmt.Errorf("%s IMU: initialization: %w", name, err)
	}

	if err := dev.SetAccelRange(opts.AccelRange); err != nil {
		return nil, fmt.Errorf("%s IMU: set accel range: %w", name, err)
	}
	log.Info("sensors: accelerometer range set", "imu", name, "range", opts.AccelRange,
		"g", []int{2, 4, 8, 16}[opts.AccelRange&3])

	if _, err := dev.SelfTest(); err != nil {
		log.Warn("sensors: IMU self-test failed", "imu", name, "err", err)
	}
	if err := dev.Calibrate(); err != nil {
		log.Warn("sensors: IMU calibration failed", "imu", name, "err", err)
	}

	return &MPU9250{
		name:   name,
		dev:    dev,
		rng:    opts.AccelRange,
		ticker: time.NewTicker(time.Duration(float64(time.Second) / opts.RateHz)),
	}, nil
}

// MPU9250Opener adapts OpenMPU9250 for Subscribe.
func MPU9250Opener(opts MPU9250Options, log *slog.Logger) Opener {
	return func(context.Context) (Reader, error) {
		return OpenMPU9250(opts, log)
	}
}

// ReadRaw reads the accelerometer in sensor counts.
func (s *MPU9250) ReadRaw() (imu.Raw, error) {
	ax, err := s.dev.GetAccelerationX()
	if err != nil {
		return imu.Raw{}, fmt.Errorf("%s IMU accel X: %w", s.name, err)
	}
	ay, err := s.dev.GetAccelerationY()
	if err != nil {
		return imu.Raw{}, fmt.Errorf("%s IMU accel Y: %w", s.name, err)
	}
	az, err := s.dev.GetAccelerationZ()
	if err != nil {
		return imu.Raw{}, fmt.Errorf("%s IMU accel Z: %w", s.name, err)
	}
	return imu.Raw{Source: s.name, Ax: ax, Ay: ay, Az: az}, nil
}

// Read waits for the next poll tick and returns a sample in g stamped with
// the wall clock.
func (s *MPU9250) Read(ctx context.Context) (Reading, error) {
	var now time.Time
	select {
	case now = <-s.ticker.C:
	case <-ctx.Done():
		return Reading{}, ctx.Err()
	}
	raw, err := s.ReadRaw()
	if err != nil {
		return Reading{}, err
	}
	ts := now.UnixMilli()
	if ts <= s.lastTs {
		ts = s.lastTs + 1
	}
	s.lastTs = ts
	sample := raw.ToSample(ts, s.rng)
	return Reading{Sample: &sample}, nil
}

// Close stops polling.
func (s *MPU9250) Close() error {
	s.ticker.Stop()
	return nil
}
