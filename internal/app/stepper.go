// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/inertial_steps/internal/calibration"
	"github.com/relabs-tech/inertial_steps/internal/config"
	"github.com/relabs-tech/inertial_steps/internal/faults"
	"github.com/relabs-tech/inertial_steps/internal/pipeline"
	"github.com/relabs-tech/inertial_steps/internal/sensors"
)

// Source is a named sample source. A nil Open means samples arrive over MQTT.
type Source struct {
	Name string
	Open sensors.Opener
	// Hardware is true when the source also carries the step counter.
	Hardware bool
}

// SourceFromConfig selects the sample source named by cfg.SampleSource.
func SourceFromConfig(cfg *config.Config, log *slog.Logger) (Source, error) {
	rate := 100.0 // decimated down to the active power profile
	switch cfg.SampleSource {
	case config.SourceSynthetic:
		return Source{Name: "synthetic", Hardware: true, Open: sensors.SyntheticOpener(sensors.SyntheticOptions{
			RateHz:        rate,
			CadenceHz:     cfg.SyntheticCadenceHz,
			AmplitudeG:    cfg.SyntheticAmplitudeG,
			NoiseG:        cfg.SyntheticNoiseG,
			TiltDeg:       20,
			Seed:          time.Now().UnixNano(),
			HardwareEvery: time.Second,
			Realtime:      true,
		})}, nil
	case config.SourceSerial:
		return Source{Name: "serial", Hardware: true, Open: sensors.SerialOpener(sensors.SerialOptions{
			PortName: cfg.SerialPort,
			BaudRate: cfg.SerialBaudRate,
		})}, nil
	case config.SourceMPU9250:
		return Source{Name: "mpu9250", Open: sensors.MPU9250Opener(sensors.MPU9250Options{
			Name:       "mpu9250",
			SPIDevice:  cfg.IMUSPIDevice,
			CSPin:      cfg.IMUCSPin,
			AccelRange: cfg.IMUAccelRange,
			RateHz:     rate,
		}, log)}, nil
	case config.SourceMQTT:
		return Source{Name: "mqtt"}, nil
	}
	return Source{}, fmt.Errorf("unknown sample source %q", cfg.SampleSource)
}

// InitialSettings builds the startup configuration from cfg and, when one
// exists, the newest calibration profile in cfg.ProfileDir.
func InitialSettings(cfg *config.Config, log *slog.Logger) pipeline.Settings {
	s := pipeline.DefaultSettings()
	s.FusionMode = cfg.FusionMode
	s.BatteryMode = cfg.BatteryMode

	path, err := calibration.LatestProfile(cfg.ProfileDir)
	switch {
	case errors.Is(err, calibration.ErrNoProfile):
		log.Info("stepper: no calibration profile, using defaults", "dir", cfg.ProfileDir)
		return s
	case err != nil:
		log.Warn("stepper: reading calibration profiles failed", "dir", cfg.ProfileDir, "err", err)
		return s
	}
	prof, err := calibration.LoadProfile(path)
	if err != nil {
		log.Warn("stepper: calibration profile unreadable, using defaults", "path", path, "err", err)
		return s
	}
	log.Info("stepper: loaded calibration profile", "path", path, "session", prof.SessionID,
		"calibrated_at", prof.Timestamp.Format(time.RFC3339))
	return pipeline.NewSettings(prof.Config, cfg.FusionMode, cfg.BatteryMode)
}

// PipelineOptions maps cfg onto pipeline options.
func PipelineOptions(cfg *config.Config) pipeline.Options {
	opts := pipeline.DefaultOptions()
	opts.QueueSize = cfg.QueueSize
	opts.ErrorCeiling = cfg.ErrorCeiling
	opts.InitialMode = cfg.InitialPowerMode
	opts.ProfileDir = cfg.ProfileDir
	return opts
}

// RunSource subscribes to src and pumps it into e. A subscription that
// cannot be established or is lost is reported as SensorUnavailable and not
// retried further; the engine keeps running on its other inputs.
func RunSource(ctx context.Context, src Source, e sensors.Engine, report func(faults.Condition), log *slog.Logger) error {
	if src.Open == nil {
		return nil
	}
	r, err := sensors.Subscribe(ctx, src.Name, src.Open, log)
	if err == nil {
		err = sensors.Pump(ctx, src.Name, r, e, log)
	}
	if err == nil || ctx.Err() != nil {
		return nil
	}
	log.Error("stepper: sample source unavailable", "source", src.Name, "err", err)
	report(faults.Condition{
		Kind:        faults.SensorUnavailable,
		TimestampMs: time.Now().UnixMilli(),
		Detail:      err.Error(),
	})
	return nil
}

// RunStepper runs the step engine with MQTT and websocket transports until
// ctx ends.
func RunStepper(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	log.Info("starting inertial step engine", "source", cfg.SampleSource, "broker", cfg.MQTTBroker)

	src, err := SourceFromConfig(cfg, log)
	if err != nil {
		return err
	}

	bridge := NewBridge(cfg, cfg.MQTTClientIDStepper+"-"+uuid.NewString()[:8], BridgeOptions{
		AcceptSamples:    src.Open == nil,
		HardwareFromMQTT: !src.Hardware,
	}, log)
	stream := NewStream(log)
	p := pipeline.New(InitialSettings(cfg, log), PipelineOptions(cfg), log, bridge, stream)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(ctx) })

	if err := bridge.Start(ctx, p); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	defer bridge.Close()

	report := func(c faults.Condition) {
		bridge.Condition(c)
		stream.Condition(c)
	}
	g.Go(func() error { return RunSource(ctx, src, p, report, log) })

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.WebServerPort),
		Handler:           stream.Handler(ctx, p, p, "web"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		log.Info("stepper: web server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("web server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	err = g.Wait()
	st := p.Stats()
	log.Info("stepper: shutting down", "steps", p.State().Merged, "received", st.Received,
		"windows", st.Windows, "errors", st.Errors)
	return err
}
