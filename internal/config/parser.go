// Package config parses the tunnels file: an ordered set of tunnel
// definitions plus a colour scheme, in TOML.
//
//	[color]
//	active_fg = "42"
//
//	[tunnel.socks5]
//	address = "127.0.0.1"
//	port = 9997
//	command = "ssh -N -D 9997 user@host"
//	test_command = "curl -s -o /dev/null -w '%{http_code}' --socks5 127.0.0.1:9997 https://example.com"
//	test_command_result = "200"
//	test_interval = 300
//	test_timeout = 10
//
// Parsing either yields a fully validated Result or a *ParseError; it never
// returns a partially populated set.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/pelletier/go-toml/v2/unstable"

	"github.com/treykane/tunneltop/internal/appconfig"
	"github.com/treykane/tunneltop/internal/model"
	"github.com/treykane/tunneltop/internal/util"
)

// Result is a validated tunnels file.
type Result struct {
	Path    string
	Tunnels []model.TunnelDefinition
	Colors  model.ColorScheme
}

// ParseError describes why a tunnels file was rejected. Line is 1-based and
// zero when the failure is not tied to a position.
type ParseError struct {
	Path string
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %v", e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

type rawTunnel struct {
	Address           string `toml:"address"`
	Port              int    `toml:"port"`
	Command           string `toml:"command"`
	TestCommand       string `toml:"test_command"`
	TestCommandResult any    `toml:"test_command_result"`
	TestInterval      any    `toml:"test_interval"`
	TestTimeout       any    `toml:"test_timeout"`
	Enabled           *bool  `toml:"enabled"`
	AutoStart         *bool  `toml:"auto_start"`
	PTY               bool   `toml:"pty"`
}

type rawFile struct {
	Color  map[string]any       `toml:"color"`
	Tunnel map[string]rawTunnel `toml:"tunnel"`
}

// colorFields maps [color] keys onto the scheme. box_fg and box_bg are the
// older names for the panel border.
var colorFields = map[string]func(*model.ColorScheme) *string{
	"header_fg":   func(c *model.ColorScheme) *string { return &c.HeaderFG },
	"header_bg":   func(c *model.ColorScheme) *string { return &c.HeaderBG },
	"active_fg":   func(c *model.ColorScheme) *string { return &c.ActiveFG },
	"active_bg":   func(c *model.ColorScheme) *string { return &c.ActiveBG },
	"disabled_fg": func(c *model.ColorScheme) *string { return &c.DisabledFG },
	"disabled_bg": func(c *model.ColorScheme) *string { return &c.DisabledBG },
	"timeout_fg":  func(c *model.ColorScheme) *string { return &c.TimeoutFG },
	"timeout_bg":  func(c *model.ColorScheme) *string { return &c.TimeoutBG },
	"unknown_fg":  func(c *model.ColorScheme) *string { return &c.UnknownFG },
	"unknown_bg":  func(c *model.ColorScheme) *string { return &c.UnknownBG },
	"down_fg":     func(c *model.ColorScheme) *string { return &c.DownFG },
	"down_bg":     func(c *model.ColorScheme) *string { return &c.DownBG },
	"selected_fg": func(c *model.ColorScheme) *string { return &c.SelectedFG },
	"selected_bg": func(c *model.ColorScheme) *string { return &c.SelectedBG },
	"border_fg":   func(c *model.ColorScheme) *string { return &c.BorderFG },
	"border_bg":   func(c *model.ColorScheme) *string { return &c.BorderBG },
	"box_fg":      func(c *model.ColorScheme) *string { return &c.BorderFG },
	"box_bg":      func(c *model.ColorScheme) *string { return &c.BorderBG },
}

// Load reads and parses the tunnels file at path. A leading "~/" is expanded.
func Load(path string) (Result, error) {
	expanded, err := appconfig.ExpandHome(path)
	if err != nil {
		return Result{}, &ParseError{Path: path, Err: err}
	}
	b, err := os.ReadFile(expanded)
	if err != nil {
		return Result{}, &ParseError{Path: expanded, Err: err}
	}
	return Parse(expanded, b)
}

// Parse decodes and validates tunnels file content. path is only used in
// error messages.
func Parse(path string, data []byte) (Result, error) {
	var raw rawFile
	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return Result{}, decodeError(path, err)
	}

	order, err := tunnelOrder(data)
	if err != nil {
		return Result{}, &ParseError{Path: path, Err: err}
	}

	colors, err := buildColors(raw.Color)
	if err != nil {
		return Result{}, &ParseError{Path: path, Err: err}
	}

	res := Result{Path: path, Colors: colors.Merge(model.DefaultColors())}
	seen := make(map[string]bool, len(order))
	// The decoder already rejects a table defined twice, so names are unique.
	for _, name := range order {
		seen[name] = true
		rt, ok := raw.Tunnel[name]
		if !ok {
			continue
		}
		def, err := buildDefinition(name, rt)
		if err != nil {
			return Result{}, &ParseError{Path: path, Err: fmt.Errorf("tunnel %q: %w", name, err)}
		}
		res.Tunnels = append(res.Tunnels, def)
	}

	// Names the order scan could not place (exotic key layouts) go last, sorted.
	var rest []string
	for name := range raw.Tunnel {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		def, err := buildDefinition(name, raw.Tunnel[name])
		if err != nil {
			return Result{}, &ParseError{Path: path, Err: fmt.Errorf("tunnel %q: %w", name, err)}
		}
		res.Tunnels = append(res.Tunnels, def)
	}
	return res, nil
}

func decodeError(path string, err error) error {
	var derr *toml.DecodeError
	if errors.As(err, &derr) {
		row, _ := derr.Position()
		return &ParseError{Path: path, Line: row, Err: errors.New(derr.Error())}
	}
	var serr *toml.StrictMissingError
	if errors.As(err, &serr) && len(serr.Errors) > 0 {
		row, _ := serr.Errors[0].Position()
		keys := make([]string, 0, len(serr.Errors))
		for _, e := range serr.Errors {
			keys = append(keys, strings.Join(e.Key(), "."))
		}
		return &ParseError{Path: path, Line: row, Err: fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))}
	}
	return &ParseError{Path: path, Err: err}
}

// tunnelOrder walks the document and returns tunnel names in the order their
// tables (or dotted keys) first appear.
func tunnelOrder(data []byte) ([]string, error) {
	var (
		p       unstable.Parser
		current []string
		order   []string
		noted   = map[string]bool{}
	)
	note := func(path []string) {
		if len(path) < 2 || path[0] != "tunnel" || noted[path[1]] {
			return
		}
		noted[path[1]] = true
		order = append(order, path[1])
	}

	p.Reset(data)
	for p.NextExpression() {
		expr := p.Expression()
		switch expr.Kind {
		case unstable.Table, unstable.ArrayTable:
			current = keyPath(expr)
			note(current)
		case unstable.KeyValue:
			full := append(append([]string(nil), current...), keyPath(expr)...)
			note(full)
		}
	}
	if err := p.Error(); err != nil {
		return nil, err
	}
	return order, nil
}

func keyPath(n *unstable.Node) []string {
	var out []string
	it := n.Key()
	for it.Next() {
		out = append(out, string(it.Node().Data))
	}
	return out
}

func buildDefinition(name string, rt rawTunnel) (model.TunnelDefinition, error) {
	if strings.TrimSpace(name) == "" {
		return model.TunnelDefinition{}, errors.New("empty tunnel name")
	}
	if strings.TrimSpace(rt.Command) == "" {
		return model.TunnelDefinition{}, errors.New("command is required")
	}
	if err := util.ValidatePort(rt.Port); err != nil {
		return model.TunnelDefinition{}, err
	}
	interval, err := parseSeconds("test_interval", rt.TestInterval)
	if err != nil {
		return model.TunnelDefinition{}, err
	}
	timeout, err := parseSeconds("test_timeout", rt.TestTimeout)
	if err != nil {
		return model.TunnelDefinition{}, err
	}
	expected, err := scalarString("test_command_result", rt.TestCommandResult)
	if err != nil {
		return model.TunnelDefinition{}, err
	}
	enabled := true
	switch {
	case rt.Enabled != nil && rt.AutoStart != nil && *rt.Enabled != *rt.AutoStart:
		return model.TunnelDefinition{}, errors.New("enabled and auto_start disagree")
	case rt.Enabled != nil:
		enabled = *rt.Enabled
	case rt.AutoStart != nil:
		enabled = *rt.AutoStart
	}
	return model.TunnelDefinition{
		Name:              name,
		Address:           strings.TrimSpace(rt.Address),
		Port:              rt.Port,
		Command:           rt.Command,
		TestCommand:       rt.TestCommand,
		TestCommandResult: expected,
		TestInterval:      interval,
		TestTimeout:       timeout,
		Enabled:           enabled,
		PTY:               rt.PTY,
	}, nil
}

// buildColors applies the [color] table. Integers are terminal colour
// indexes; negative ones mean the terminal default.
func buildColors(raw map[string]any) (model.ColorScheme, error) {
	var c model.ColorScheme
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var unknown []string
	for _, k := range keys {
		field, ok := colorFields[k]
		if !ok {
			unknown = append(unknown, "color."+k)
			continue
		}
		v, err := colorValue(raw[k])
		if err != nil {
			return model.ColorScheme{}, fmt.Errorf("color.%s: %w", k, err)
		}
		*field(&c) = v
	}
	if len(unknown) > 0 {
		return model.ColorScheme{}, fmt.Errorf("unknown keys: %s", strings.Join(unknown, ", "))
	}
	return c, nil
}

func colorValue(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x), nil
	case int64:
		if x < 0 {
			return "", nil
		}
		return strconv.FormatInt(x, 10), nil
	default:
		return "", fmt.Errorf("unsupported value %v", v)
	}
}

// maxSeconds is the largest whole-second count a time.Duration can hold.
const maxSeconds = math.MaxInt64 / int64(time.Second)

// parseSeconds accepts integer or fractional seconds, or a Go duration string.
func parseSeconds(field string, v any) (time.Duration, error) {
	var d time.Duration
	switch x := v.(type) {
	case nil:
		return 0, nil
	case int64:
		if x > maxSeconds {
			return 0, fmt.Errorf("%s: %d seconds is out of range", field, x)
		}
		d = time.Duration(x) * time.Second
	case float64:
		if x > float64(maxSeconds) {
			return 0, fmt.Errorf("%s: %v seconds is out of range", field, x)
		}
		d = time.Duration(x * float64(time.Second))
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			if f > float64(maxSeconds) {
				return 0, fmt.Errorf("%s: %v seconds is out of range", field, f)
			}
			d = time.Duration(f * float64(time.Second))
			break
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(x))
		if err != nil {
			return 0, fmt.Errorf("%s: %w", field, err)
		}
		d = parsed
	default:
		return 0, fmt.Errorf("%s: unsupported value %v", field, v)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must be >= 0", field)
	}
	return d, nil
}

// scalarString renders the expected probe output. Numbers are allowed so that
// test_command_result = 200 means "200".
func scalarString(field string, v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(x), nil
	default:
		return "", fmt.Errorf("%s: unsupported value %v", field, v)
	}
}
