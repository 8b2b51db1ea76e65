// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/relabs-tech/inertial_steps/internal/calibration"
	"github.com/relabs-tech/inertial_steps/internal/config"
	"github.com/relabs-tech/inertial_steps/internal/pipeline"
	"github.com/relabs-tech/inertial_steps/internal/sensors"
)

// RunCalibration guides one step calibration session on the console. The
// user starts walking after pressing ENTER; the derived profile is written
// to cfg.ProfileDir. Samples come from src, which must be a local source.
func RunCalibration(ctx context.Context, cfg *config.Config, src Source, in io.Reader, out io.Writer,
	log *slog.Logger) (calibration.Result, error) {
	if src.Open == nil {
		return calibration.Result{}, fmt.Errorf("calibration needs a local sample source, not %q", src.Name)
	}

	fmt.Fprintln(out, "=== Guided Step Calibration ===")
	fmt.Fprintf(out, "Source: %s. Results are stored under ./%s/\n\n", src.Name, cfg.ProfileDir)

	opts := PipelineOptions(cfg)
	p := pipeline.New(InitialSettings(cfg, log), opts, log)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	running := make(chan error, 1)
	go func() { running <- p.Run(ctx) }()

	type outcome struct {
		res calibration.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := p.Calibrate(ctx)
		done <- outcome{res, err}
	}()
	if err := waitSession(ctx, p); err != nil {
		return calibration.Result{}, err
	}

	waitEnter(in, out, fmt.Sprintf("Hold or wear the device as usual. Press ENTER, then walk at your normal pace for %s...",
		opts.Calibration.Duration))

	var lost error
	sourceDone := make(chan struct{})
	go func() {
		defer close(sourceDone)
		r, err := sensors.Subscribe(ctx, src.Name, src.Open, log)
		if err == nil {
			err = sensors.Pump(ctx, src.Name, r, p, log)
		}
		lost = err
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var grace <-chan time.Time
	var o outcome
wait:
	for {
		select {
		case o = <-done:
			break wait
		case <-ticker.C:
			if sess, ok := p.CalibrationSession(); ok {
				fmt.Fprintf(out, "  collected %d samples\n", sess.CollectedSamples)
			}
		case <-sourceDone:
			sourceDone = nil
			if lost != nil && ctx.Err() == nil {
				cancel()
				o = <-done
				o.err = errors.Join(o.err, lost)
				break wait
			}
			// Let the queued samples drain into the session.
			grace = time.After(5 * time.Second)
		case <-grace:
			cancel()
			o = <-done
			if o.err != nil {
				o.err = fmt.Errorf("%w: sample source ended early", o.err)
			}
			break wait
		}
	}
	cancel()
	<-running

	fmt.Fprintln(out)
	if o.err != nil {
		fmt.Fprintf(out, "Calibration FAILED: %v\nThe previous configuration is unchanged.\n", o.err)
		return o.res, o.err
	}
	c := o.res.Config
	fmt.Fprintf(out, "Calibration OK (session %s)\n", o.res.SessionID)
	fmt.Fprintf(out, "  cycles:      %d over %d samples (avg quality %.2f)\n", o.res.Cycles, o.res.Samples, o.res.AvgQuality)
	fmt.Fprintf(out, "  peak:        %.3f g\n", c.PeakThreshold)
	fmt.Fprintf(out, "  valley:      %.3f g\n", c.ValleyThreshold)
	fmt.Fprintf(out, "  interval:    %d..%d ms\n", c.MinStepIntervalMs, c.MaxStepIntervalMs)
	fmt.Fprintf(out, "  sensitivity: %.2f\n", c.Sensitivity)
	return o.res, nil
}

func waitSession(ctx context.Context, p *pipeline.Pipeline) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, ok := p.CalibrationSession(); ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func waitEnter(in io.Reader, out io.Writer, prompt string) {
	fmt.Fprint(out, prompt)
	_, _ = bufio.NewReader(in).ReadString('\n')
	fmt.Fprintln(out)
}
