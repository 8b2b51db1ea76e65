// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package sensors provides accelerometer and step counter sources and the
// loop that moves their readings into a step engine.
package sensors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Azure/iot-operations-sdks/go/mqtt/retrypolicy"

	"github.com/relabs-tech/inertial_steps/internal/faults"
	"github.com/relabs-tech/inertial_steps/internal/imu"
)

// Reading is one item produced by a source: an accelerometer sample, a
// hardware step counter value, or both.
type Reading struct {
	Sample   *imu.Sample
	Hardware *imu.HardwareReading
}

// Reader is an open sensor source.
type Reader interface {
	// Read blocks until the next reading is available.
	Read(ctx context.Context) (Reading, error)
	Close() error
}

// Opener opens a source. It is retried by Subscribe.
type Opener func(ctx context.Context) (Reader, error)

// Engine is the consumer side of Pump.
type Engine interface {
	Submit(ctx context.Context, s imu.Sample) error
	SubmitHardware(ctx context.Context, r imu.HardwareReading) error
}

// SubscribeAttempts bounds the number of open attempts.
const SubscribeAttempts = 3

// Subscribe opens a source with bounded exponential backoff. After the last
// failed attempt the error wraps faults.ErrSensorUnavailable.
func Subscribe(ctx context.Context, name string, open Opener, log *slog.Logger) (Reader, error) {
	if log == nil {
		log = slog.Default()
	}
	policy := retrypolicy.NewExponentialBackoffRetryPolicy(
		retrypolicy.WithMaxRetries(SubscribeAttempts),
		retrypolicy.WithMaxInterval(2*time.Second),
	)

	var r Reader
	err := policy.Start(ctx, func(msg string, args ...any) { log.Debug(msg, args...) }, retrypolicy.Task{
		Name: name,
		Exec: func(ctx context.Context) error {
			var err error
			r, err = open(ctx)
			return err
		},
		Cond: func(err error) bool { return !errors.Is(err, context.Canceled) },
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", faults.ErrSensorUnavailable, name, err)
	}
	log.Info("sensors: subscribed", "source", name)
	return r, nil
}

// maxReadErrors is the number of consecutive read failures after which a
// source is considered lost.
const maxReadErrors = 5

// Pump moves readings from r into e until ctx ends, the source reaches EOF,
// or it keeps failing. A lost source returns an error wrapping
// faults.ErrSensorUnavailable. Pump closes r.
func Pump(ctx context.Context, name string, r Reader, e Engine, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	defer r.Close()

	failures := 0
	for {
		rd, err := r.Read(ctx)
		switch {
		case err == nil:
			failures = 0
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, io.EOF):
			log.Info("sensors: source ended", "source", name)
			return nil
		case errors.Is(err, ErrBadLine):
			log.Debug("sensors: skipping line", "source", name, "err", err)
			continue
		default:
			failures++
			log.Warn("sensors: read failed", "source", name, "err", err, "failures", failures)
			if failures >= maxReadErrors {
				return fmt.Errorf("%w: %s: %w", faults.ErrSensorUnavailable, name, err)
			}
			continue
		}

		if rd.Sample != nil {
			if err := e.Submit(ctx, *rd.Sample); err != nil {
				return nil
			}
		}
		if rd.Hardware != nil {
			if err := e.SubmitHardware(ctx, *rd.Hardware); err != nil {
				return nil
			}
		}
	}
}
