// Package util provides common helpers and defaults shared across tunneltop.
// It imports nothing from other internal packages.
package util

import "time"

const (
	// DefaultRefreshSeconds is the dashboard redraw interval used when neither
	// the --delay flag nor ui.refresh_seconds is set.
	DefaultRefreshSeconds = 5

	// DefaultGracePeriod is how long Terminate waits after each signal before
	// escalating to the next one.
	DefaultGracePeriod = 2 * time.Second

	// DefaultProbeTimeout bounds a probe whose test_timeout is zero.
	DefaultProbeTimeout = 10 * time.Second

	// DefaultInitialProbeDelay is the gap between creating a scheduler entry
	// and its first probe, giving freshly started tunnels a moment to bind.
	DefaultInitialProbeDelay = time.Second

	// ProbeWaitDelay bounds how long a timed-out probe may hold its output
	// pipes open after the process group was killed.
	ProbeWaitDelay = 250 * time.Millisecond

	// ReloadDebounce collapses bursts of file-change events into one reload.
	ReloadDebounce = 500 * time.Millisecond
)
