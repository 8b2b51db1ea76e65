// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package power

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Activity is the externally supplied movement hint.
type Activity string

const (
	ActivityUnknown    Activity = ""
	ActivityStationary Activity = "stationary"
	ActivityWalking    Activity = "walking"
	ActivityRunning    Activity = "running"
)

// Signal is the battery/activity input of the policy.
type Signal struct {
	BatteryPercent float64  `json:"battery_percent"`
	Charging       bool     `json:"charging"`
	Activity       Activity `json:"activity,omitempty"`
}

// Thresholds for the battery policy, in percent.
const (
	CriticalBatteryPercent = 10
	LowBatteryPercent      = 25
)

// Policy maps a Signal to a Mode.
func Policy(s Signal) Mode {
	switch {
	case s.Charging:
		return HighPerformance
	case s.BatteryPercent <= CriticalBatteryPercent:
		return Sleep
	case s.BatteryPercent <= LowBatteryPercent:
		return PowerSaving
	case s.Activity == ActivityStationary:
		return PowerSaving
	case s.Activity == ActivityRunning:
		return HighPerformance
	}
	return Normal
}

// Controller owns the active PowerMode. Requested changes stay pending until
// Commit is called at a window boundary, so a window is never processed under
// two profiles.
type Controller struct {
	profiles map[Mode]Profile
	log      *slog.Logger

	active atomic.Pointer[Profile]

	mu       sync.Mutex
	pending  *Mode
	override *Mode
	last     Signal
	seen     bool
}

// NewController starts in initial with the given tier table.
func NewController(initial Mode, profiles map[Mode]Profile, log *slog.Logger) *Controller {
	if profiles == nil {
		profiles = DefaultProfiles()
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{profiles: profiles, log: log}
	p := profiles[initial]
	c.active.Store(&p)
	return c
}

// Active returns the profile in effect for the current window.
func (c *Controller) Active() Profile {
	return *c.active.Load()
}

// Profile returns the tier definition for m.
func (c *Controller) Profile(m Mode) Profile {
	return c.profiles[m]
}

// Observe feeds a battery/activity signal. The resulting mode is pending
// until the next Commit. An override takes precedence.
func (c *Controller) Observe(s Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last, c.seen = s, true
	if c.override != nil {
		return
	}
	c.request(Policy(s))
}

// Override pins the mode regardless of the battery signal. A nil mode
// returns to automatic selection from the last observed signal.
func (c *Controller) Override(m *Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m == nil {
		c.override = nil
		if c.seen {
			c.request(Policy(c.last))
		} else {
			c.pending = nil
		}
		return
	}
	v := *m
	c.override = &v
	c.request(v)
}

func (c *Controller) request(m Mode) {
	if m == c.active.Load().Mode {
		c.pending = nil
		return
	}
	c.pending = &m
}

// Pending returns the requested mode not yet committed.
func (c *Controller) Pending() (Mode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return 0, false
	}
	return *c.pending, true
}

// Commit applies a pending mode. Callers invoke it only at window boundaries.
// It returns the new profile and whether it changed.
func (c *Controller) Commit() (Profile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return *c.active.Load(), false
	}
	prev := c.active.Load().Mode
	p := c.profiles[*c.pending]
	c.pending = nil
	c.active.Store(&p)
	c.log.Info("power: mode changed", "from", prev, "to", p.Mode, "rate_hz", p.SampleRateHz)
	return p, true
}
