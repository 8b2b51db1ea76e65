// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// ./cmd/calibration/main.go
//
// Guided step calibration. Reads the configured sample source while the
// user walks at a normal pace, derives detection thresholds from the
// observed step cycles and writes them as a JSON profile under the
// configured profile directory. The stepper loads the newest profile on
// startup.
//
// Run:
//
//	go run ./cmd/calibration -config inertial_config.txt
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/relabs-tech/inertial_steps/internal/app"
)

func main() {
	configPath := flag.String("config", "inertial_config.txt", "Path to configuration file")
	flag.Parse()

	cfg, err := app.LoadConfig(*configPath)
	if err != nil {
		fatal(fmt.Errorf("failed to load config from %s: %w", *configPath, err))
	}
	log := app.NewLogger(os.Stderr, cfg.LogLevel)

	src, err := app.SourceFromConfig(cfg, log)
	if err != nil {
		fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := app.RunCalibration(ctx, cfg, src, os.Stdin, os.Stdout, log); err != nil {
		stop()
		os.Exit(1)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
	os.Exit(1)
}
