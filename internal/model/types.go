// Package model holds the data types shared by the engine, the config parser
// and the dashboard.
package model

import "time"

// TunnelDefinition is one parsed [tunnel.<name>] table. It is immutable once
// loaded; reloads replace it wholesale.
type TunnelDefinition struct {
	Name              string        `json:"name"`
	Address           string        `json:"address"`
	Port              int           `json:"port"`
	Command           string        `json:"command"`
	TestCommand       string        `json:"test_command"`
	TestCommandResult string        `json:"test_command_result"`
	TestInterval      time.Duration `json:"test_interval"`
	TestTimeout       time.Duration `json:"test_timeout"`
	// Enabled is the default the unit starts with. The runtime flag lives on
	// the tunnel unit and survives reloads.
	Enabled bool `json:"enabled"`
	PTY     bool `json:"pty,omitempty"`
}

// NeedsRestart reports whether switching from d to next requires the tunnel
// process to be relaunched.
func (d TunnelDefinition) NeedsRestart(next TunnelDefinition) bool {
	return d.Command != next.Command ||
		d.PTY != next.PTY ||
		d.Address != next.Address ||
		d.Port != next.Port
}

// ProbeChanged reports whether any health-check field differs.
func (d TunnelDefinition) ProbeChanged(next TunnelDefinition) bool {
	return d.TestCommand != next.TestCommand ||
		d.TestCommandResult != next.TestCommandResult ||
		d.TestInterval != next.TestInterval ||
		d.TestTimeout != next.TestTimeout
}

// Equal reports whether two definitions are field-for-field identical.
func (d TunnelDefinition) Equal(next TunnelDefinition) bool {
	return d == next
}

// Status is the externally visible state of a tunnel unit.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusDisabled Status = "DISABLED"
	StatusTimeout  Status = "TIMEOUT"
	StatusUnknown  Status = "UNKNOWN"
	StatusDown     Status = "DOWN"
)

// ProbeOutcome is the result class of one health-check run.
type ProbeOutcome string

const (
	OutcomeNone    ProbeOutcome = ""
	OutcomePass    ProbeOutcome = "PASS"
	OutcomeFail    ProbeOutcome = "FAIL"
	OutcomeTimeout ProbeOutcome = "TIMEOUT"
	OutcomeError   ProbeOutcome = "ERROR"
)

// TunnelView is a read-only copy of a unit's runtime state handed to
// renderers.
type TunnelView struct {
	Name        string       `json:"name"`
	Address     string       `json:"address"`
	Port        int          `json:"port"`
	Status      Status       `json:"status"`
	Enabled     bool         `json:"enabled"`
	PID         int          `json:"pid,omitempty"`
	LastTest    time.Time    `json:"last_test,omitempty"`
	LastOutcome ProbeOutcome `json:"last_outcome,omitempty"`
	LastOutput  string       `json:"last_output,omitempty"`
	LastStderr  string       `json:"last_stderr,omitempty"`
	LastError   string       `json:"last_error,omitempty"`
	ProcOutput  string       `json:"proc_output,omitempty"`
	Restarts    int          `json:"restarts"`
}

// ColorScheme carries the [color] table. Values are lipgloss colour strings
// (ANSI indexes like "42" or hex like "#ff8700"); empty means the terminal
// default.
type ColorScheme struct {
	HeaderFG   string `json:"header_fg"`
	HeaderBG   string `json:"header_bg"`
	ActiveFG   string `json:"active_fg"`
	ActiveBG   string `json:"active_bg"`
	DisabledFG string `json:"disabled_fg"`
	DisabledBG string `json:"disabled_bg"`
	TimeoutFG  string `json:"timeout_fg"`
	TimeoutBG  string `json:"timeout_bg"`
	UnknownFG  string `json:"unknown_fg"`
	UnknownBG  string `json:"unknown_bg"`
	DownFG     string `json:"down_fg"`
	DownBG     string `json:"down_bg"`
	SelectedFG string `json:"selected_fg"`
	SelectedBG string `json:"selected_bg"`
	BorderFG   string `json:"border_fg"`
	BorderBG   string `json:"border_bg"`
}

// DefaultColors returns the scheme used when the tunnels file has no [color]
// table or leaves keys out.
func DefaultColors() ColorScheme {
	return ColorScheme{
		HeaderFG:   "39",
		ActiveFG:   "42",
		DisabledFG: "244",
		TimeoutFG:  "214",
		UnknownFG:  "111",
		DownFG:     "196",
		SelectedFG: "0",
		SelectedBG: "44",
		BorderFG:   "63",
	}
}

// Merge fills empty fields of c from fallback.
func (c ColorScheme) Merge(fallback ColorScheme) ColorScheme {
	pick := func(v, f string) string {
		if v == "" {
			return f
		}
		return v
	}
	return ColorScheme{
		HeaderFG:   pick(c.HeaderFG, fallback.HeaderFG),
		HeaderBG:   pick(c.HeaderBG, fallback.HeaderBG),
		ActiveFG:   pick(c.ActiveFG, fallback.ActiveFG),
		ActiveBG:   pick(c.ActiveBG, fallback.ActiveBG),
		DisabledFG: pick(c.DisabledFG, fallback.DisabledFG),
		DisabledBG: pick(c.DisabledBG, fallback.DisabledBG),
		TimeoutFG:  pick(c.TimeoutFG, fallback.TimeoutFG),
		TimeoutBG:  pick(c.TimeoutBG, fallback.TimeoutBG),
		UnknownFG:  pick(c.UnknownFG, fallback.UnknownFG),
		UnknownBG:  pick(c.UnknownBG, fallback.UnknownBG),
		DownFG:     pick(c.DownFG, fallback.DownFG),
		DownBG:     pick(c.DownBG, fallback.DownBG),
		SelectedFG: pick(c.SelectedFG, fallback.SelectedFG),
		SelectedBG: pick(c.SelectedBG, fallback.SelectedBG),
		BorderFG:   pick(c.BorderFG, fallback.BorderFG),
		BorderBG:   pick(c.BorderBG, fallback.BorderBG),
	}
}

// StatusColors returns the foreground and background colours for a status.
func (c ColorScheme) StatusColors(s Status) (fg, bg string) {
	switch s {
	case StatusActive:
		return c.ActiveFG, c.ActiveBG
	case StatusDisabled:
		return c.DisabledFG, c.DisabledBG
	case StatusTimeout:
		return c.TimeoutFG, c.TimeoutBG
	case StatusDown:
		return c.DownFG, c.DownBG
	default:
		return c.UnknownFG, c.UnknownBG
	}
}
