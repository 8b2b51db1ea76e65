// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package calibration

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/relabs-tech/inertial_steps/internal/tuning"
)

const profileSuffix = "_step_calibration.json"

// Profile is the persisted form of a calibrated DetectionConfig.
type Profile struct {
	Version   int                    `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	SessionID string                 `json:"session_id,omitempty"`
	Config    tuning.DetectionConfig `json:"config"`
}

// ErrNoProfile is returned by LatestProfile when dir holds no profile.
var ErrNoProfile = errors.New("calibration: no profile found")

// SaveProfile writes res as a timestamped profile file under dir and returns
// its path.
func SaveProfile(dir string, res Result) (string, error) {
	if res.Status != StatusSucceeded {
		return "", fmt.Errorf("calibration: refusing to save %s session %s", res.Status, res.SessionID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("calibration: create %s: %w", dir, err)
	}
	ts := res.Finished
	if ts.IsZero() {
		ts = time.Now()
	}
	p := Profile{Version: 1, Timestamp: ts, SessionID: res.SessionID, Config: res.Config}
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "", err
	}
	name := filepath.Join(dir, ts.UTC().Format("2006-01-02T15-04-05Z")+profileSuffix)
	if err := os.WriteFile(name, b, 0o644); err != nil {
		return "", fmt.Errorf("calibration: write profile: %w", err)
	}
	return name, nil
}

// LoadProfile reads a profile file. The config is clamped into valid bounds.
func LoadProfile(path string) (Profile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, err
	}
	var p Profile
	if err := json.Unmarshal(b, &p); err != nil {
		return Profile{}, fmt.Errorf("calibration: parse %s: %w", path, err)
	}
	p.Config, _ = p.Config.Clamp()
	return p, nil
}

// LatestProfile returns the path of the newest profile in dir.
func LatestProfile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoProfile
		}
		return "", err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), profileSuffix) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", ErrNoProfile
	}
	// Names start with a sortable UTC timestamp.
	sort.Strings(names)
	return filepath.Join(dir, names[len(names)-1]), nil
}
