package ui

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/treykane/tunneltop/internal/config"
	"github.com/treykane/tunneltop/internal/model"
	"github.com/treykane/tunneltop/internal/security"
	"github.com/treykane/tunneltop/internal/tunnel"
	"github.com/treykane/tunneltop/internal/util"
)

// Controller is the slice of the supervisor the dashboard drives.
type Controller interface {
	Snapshot() []model.TunnelView
	Apply(name string, cmd tunnel.Command) error
	Reload(defs []model.TunnelDefinition) (tunnel.ReloadReport, error)
}

// Options configures the dashboard.
type Options struct {
	TunnelsFile string
	Colors      model.ColorScheme
	Refresh     time.Duration
	NoHeader    bool
	Logger      *slog.Logger
}

// ReloadMsg asks the dashboard to re-read the tunnels file and reconcile it.
type ReloadMsg struct{ Reason string }

// ShutdownMsg makes the dashboard exit as if the operator pressed q.
type ShutdownMsg struct{ Reason string }

type tickMsg time.Time

type cmdDoneMsg struct {
	name string
	cmd  tunnel.Command
	err  error
}

type reloadDoneMsg struct {
	colors model.ColorScheme
	report tunnel.ReloadReport
	err    error
}

type modelUI struct {
	ctrl     Controller
	opts     Options
	log      *slog.Logger
	keys     keyMap
	help     help.Model
	tunnels  []model.TunnelView
	sel      int
	selName  string
	status   string
	width    int
	height   int
	now      time.Time
	quitting bool

	// reloadMu spans parse and apply so overlapping reloads land in order.
	reloadMu *sync.Mutex
}

func newModel(ctrl Controller, opts Options) modelUI {
	if opts.Refresh <= 0 {
		opts.Refresh = time.Duration(util.DefaultRefreshSeconds) * time.Second
	}
	opts.Colors = opts.Colors.Merge(model.DefaultColors())
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	m := modelUI{
		ctrl:     ctrl,
		opts:     opts,
		log:      log,
		keys:     defaultKeyMap(),
		help:     help.New(),
		status:   "Ready. s toggles, r restarts, t tests the selected tunnel.",
		now:      time.Now(),
		reloadMu: &sync.Mutex{},
	}
	m.refresh()
	return m
}

// NewProgram returns a full-screen program over ctrl. Callers deliver
// ReloadMsg and ShutdownMsg through Program.Send.
func NewProgram(ctrl Controller, opts Options, extra ...tea.ProgramOption) *tea.Program {
	return tea.NewProgram(newModel(ctrl, opts), append([]tea.ProgramOption{tea.WithAltScreen()}, extra...)...)
}

func (m *modelUI) refresh() {
	m.tunnels = m.ctrl.Snapshot()
	if m.selName != "" {
		for i, t := range m.tunnels {
			if t.Name == m.selName {
				m.sel = i
				return
			}
		}
	}
	m.clamp()
}

func (m *modelUI) clamp() {
	if m.sel >= len(m.tunnels) {
		m.sel = len(m.tunnels) - 1
	}
	if m.sel < 0 {
		m.sel = 0
	}
	m.selName = ""
	if len(m.tunnels) > 0 {
		m.selName = m.tunnels[m.sel].Name
	}
}

func (m modelUI) selected() (model.TunnelView, bool) {
	if len(m.tunnels) == 0 {
		return model.TunnelView{}, false
	}
	return m.tunnels[m.sel], true
}

func (m modelUI) tickCmd() tea.Cmd {
	return tea.Tick(m.opts.Refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// apply runs cmd off the event loop; a terminate can take two grace periods.
func (m *modelUI) apply(cmd tunnel.Command) tea.Cmd {
	v, ok := m.selected()
	if !ok {
		return nil
	}
	m.status = fmt.Sprintf("%s %s...", cmd, v.Name)
	ctrl, name := m.ctrl, v.Name
	return func() tea.Msg {
		return cmdDoneMsg{name: name, cmd: cmd, err: ctrl.Apply(name, cmd)}
	}
}

func (m modelUI) reloadCmd() tea.Cmd {
	ctrl, path, mu := m.ctrl, m.opts.TunnelsFile, m.reloadMu
	return func() tea.Msg {
		mu.Lock()
		defer mu.Unlock()
		res, err := config.Load(path)
		if err != nil {
			return reloadDoneMsg{err: err}
		}
		rep, err := ctrl.Reload(res.Tunnels)
		return reloadDoneMsg{colors: res.Colors, report: rep, err: err}
	}
}

func (m modelUI) Init() tea.Cmd {
	return m.tickCmd()
}

func (m modelUI) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.now = time.Time(msg)
		m.refresh()
		return m, m.tickCmd()
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, m.keys.Down):
			if m.sel < len(m.tunnels)-1 {
				m.sel++
			}
			m.clamp()
		case key.Matches(msg, m.keys.Up):
			if m.sel > 0 {
				m.sel--
			}
			m.clamp()
		case key.Matches(msg, m.keys.Top):
			m.sel = 0
			m.clamp()
		case key.Matches(msg, m.keys.Bottom):
			m.sel = len(m.tunnels) - 1
			m.clamp()
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
		case key.Matches(msg, m.keys.Toggle):
			return m, m.apply(tunnel.CommandToggle)
		case key.Matches(msg, m.keys.Restart):
			return m, m.apply(tunnel.CommandRestart)
		case key.Matches(msg, m.keys.TestNow):
			return m, m.apply(tunnel.CommandTestNow)
		}
	case cmdDoneMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("%s %s failed: %s", msg.cmd, msg.name, security.RedactMessage(msg.err.Error()))
			m.log.Warn("command failed", "tunnel", msg.name, "command", msg.cmd, "error", msg.err)
		} else {
			m.status = fmt.Sprintf("%s %s done", msg.cmd, msg.name)
		}
		m.refresh()
	case ReloadMsg:
		m.status = "Reloading " + m.opts.TunnelsFile + "..."
		m.log.Info("reload requested", "reason", msg.Reason)
		return m, m.reloadCmd()
	case reloadDoneMsg:
		if msg.err != nil {
			m.status = "reload failed, keeping current tunnels: " + security.RedactMessage(msg.err.Error())
			m.log.Error("reload failed", "error", msg.err)
			return m, nil
		}
		m.opts.Colors = msg.colors.Merge(model.DefaultColors())
		m.status = msg.report.String()
		m.refresh()
	case ShutdownMsg:
		m.log.Info("shutdown requested", "reason", msg.Reason)
		m.quitting = true
		return m, tea.Quit
	}
	return m, nil
}

func (m modelUI) View() string {
	if m.quitting {
		return ""
	}
	c := m.opts.Colors
	var parts []string
	if !m.opts.NoHeader {
		parts = append(parts, m.header())
	}
	parts = append(parts,
		m.renderPanel("Tunnels", m.table(), m.effectiveWidth(), c.BorderFG, c.BorderBG),
		m.renderPanel("Details", m.details(), m.effectiveWidth(), c.BorderFG, c.BorderBG),
		m.renderPanel("Status", m.status, m.effectiveWidth(), c.BorderFG, c.BorderBG),
		m.help.View(m.keys),
	)
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m modelUI) header() string {
	counts := map[model.Status]int{}
	for _, t := range m.tunnels {
		counts[t.Status]++
	}
	text := fmt.Sprintf(" tunneltop - %s  tunnels=%d active=%d down=%d timeout=%d disabled=%d  refresh=%s ",
		m.now.Format("15:04:05"), len(m.tunnels),
		counts[model.StatusActive], counts[model.StatusDown], counts[model.StatusTimeout], counts[model.StatusDisabled],
		m.opts.Refresh)
	style := lipgloss.NewStyle().Bold(true)
	style = withFG(style, m.opts.Colors.HeaderFG)
	style = withBG(style, m.opts.Colors.HeaderBG)
	return style.Render(text)
}

const rowFormat = "%-20s %-22s %-9s %-7s %-9s %s"

func (m modelUI) table() string {
	if len(m.tunnels) == 0 {
		return "(no tunnels configured in " + m.opts.TunnelsFile + ")"
	}
	c := m.opts.Colors
	var b strings.Builder
	b.WriteString(lipgloss.NewStyle().Bold(true).Render(
		fmt.Sprintf(rowFormat, "NAME", "LISTEN", "STATUS", "PID", "LAST TEST", "OUTPUT")))
	for i, t := range m.tunnels {
		b.WriteString("\n")
		pid := "-"
		if t.PID > 0 {
			pid = strconv.Itoa(t.PID)
		}
		cells := []any{
			util.Truncate(t.Name, 20),
			util.Truncate(listen(t), 22),
			string(t.Status),
			pid,
			lastTest(t),
			util.Truncate(util.EmptyDash(t.LastOutput), 20),
		}
		if i == m.sel {
			style := withBG(withFG(lipgloss.NewStyle(), c.SelectedFG), c.SelectedBG)
			b.WriteString(style.Render(fmt.Sprintf(rowFormat, cells...)))
			continue
		}
		// Pad before colouring so escape codes do not skew the columns.
		fg, bg := c.StatusColors(t.Status)
		cells[2] = withBG(withFG(lipgloss.NewStyle(), fg), bg).Render(fmt.Sprintf("%-9s", t.Status))
		b.WriteString(fmt.Sprintf(strings.Replace(rowFormat, "%-9s", "%s", 1), cells...))
	}
	return b.String()
}

func (m modelUI) details() string {
	t, ok := m.selected()
	if !ok {
		return "Add tunnels to the config file and send SIGHUP to load them."
	}
	enabled := "no"
	if t.Enabled {
		enabled = "yes"
	}
	pid := "-"
	if t.PID > 0 {
		pid = strconv.Itoa(t.PID)
	}
	lines := []string{
		fmt.Sprintf("Name: %s   Listen: %s   Enabled: %s", t.Name, listen(t), enabled),
		fmt.Sprintf("Status: %s   PID: %s   Restarts: %d", t.Status, pid, t.Restarts),
		fmt.Sprintf("Last test: %s   Outcome: %s", lastTest(t), util.EmptyDash(string(t.LastOutcome))),
		"Probe output: " + util.EmptyDash(t.LastOutput),
		"Probe stderr: " + util.EmptyDash(security.RedactMessage(t.LastStderr)),
		"Last error: " + util.EmptyDash(security.RedactMessage(t.LastError)),
		"Process output: " + util.EmptyDash(security.RedactMessage(t.ProcOutput)),
	}
	return strings.Join(lines, "\n")
}

func listen(t model.TunnelView) string {
	if t.Port == 0 {
		return util.NormalizeAddr(t.Address, "-")
	}
	return fmt.Sprintf("%s:%d", util.NormalizeAddr(t.Address, "127.0.0.1"), t.Port)
}

func lastTest(t model.TunnelView) string {
	if t.LastTest.IsZero() {
		return "-"
	}
	return t.LastTest.Format("15:04:05")
}

func (m modelUI) effectiveWidth() int {
	if m.width <= 0 {
		return 100
	}
	return m.width
}

func (m modelUI) renderPanel(title, body string, width int, accent, accentBG string) string {
	if width < 24 {
		width = 24
	}
	header := withFG(lipgloss.NewStyle().Bold(true), accent).Render(title)
	content := strings.TrimSuffix(body, "\n")
	panel := strings.TrimSpace(header + "\n" + content)
	style := lipgloss.NewStyle().
		Width(width-2).
		Border(lipgloss.RoundedBorder()).
		Padding(0, 1)
	if accent != "" {
		style = style.BorderForeground(lipgloss.Color(accent))
	}
	if accentBG != "" {
		style = style.BorderBackground(lipgloss.Color(accentBG))
	}
	return style.Render(panel)
}

func withFG(s lipgloss.Style, color string) lipgloss.Style {
	if color == "" {
		return s
	}
	return s.Foreground(lipgloss.Color(color))
}

func withBG(s lipgloss.Style, color string) lipgloss.Style {
	if color == "" {
		return s
	}
	return s.Background(lipgloss.Color(color))
}
