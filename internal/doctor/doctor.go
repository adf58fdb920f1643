package doctor

import (
	"fmt"
	"os/exec"
	"sort"
	"strings"

	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/treykane/tunneltop/internal/config"
	"github.com/treykane/tunneltop/internal/model"
	"github.com/treykane/tunneltop/internal/security"
	"github.com/treykane/tunneltop/internal/util"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Issue struct {
	Severity       Severity `json:"severity"`
	Check          string   `json:"check"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type Report struct {
	Issues []Issue `json:"issues"`
}

// HasHigh reports whether any issue would stop a tunnel from starting.
func (r Report) HasHigh() bool {
	for _, i := range r.Issues {
		if i.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// Listener is a local TCP socket in LISTEN state.
type Listener struct {
	Addr string
	Port int
	PID  int32
}

// Hooks for tests.
var (
	lookPath  = exec.LookPath
	listeners = tcpListeners
)

// Run checks a tunnels file for problems that would only surface once the
// dashboard is up: unparsable config, missing binaries, clashing or occupied
// local ports, and tunnels that can never be probed.
func Run(tunnelsFile string) (Report, error) {
	var issues []Issue

	res, err := config.Load(tunnelsFile)
	if err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "config-parse",
			Target:         tunnelsFile,
			Message:        security.RedactMessage(err.Error()),
			Recommendation: "fix the tunnels file; `tunneltop validate` prints the same error",
		})
	} else {
		issues = append(issues, binaryIssues(res.Tunnels)...)
		issues = append(issues, duplicateBindIssues(res.Tunnels)...)
		issues = append(issues, probeIssues(res.Tunnels)...)
		portIssues, err := occupiedPortIssues(res.Tunnels)
		if err != nil {
			issues = append(issues, Issue{
				Severity:       SeverityLow,
				Check:          "port-scan",
				Target:         "tcp",
				Message:        fmt.Sprintf("unable to list listening sockets: %v", err),
				Recommendation: "check local ports manually with ss or lsof",
			})
		}
		issues = append(issues, portIssues...)
	}

	if audit, err := security.RunLocalAudit(tunnelsFile); err == nil {
		for _, f := range audit.Findings {
			sev := SeverityLow
			if f.Severity == security.SeverityMedium {
				sev = SeverityMedium
			}
			if f.Severity == security.SeverityHigh {
				sev = SeverityHigh
			}
			issues = append(issues, Issue{
				Severity:       sev,
				Check:          "security-audit",
				Target:         f.Target,
				Message:        f.Message,
				Recommendation: f.Recommendation,
			})
		}
	}

	sort.Slice(issues, func(i, j int) bool {
		ri := severityRank(issues[i].Severity)
		rj := severityRank(issues[j].Severity)
		if ri != rj {
			return ri > rj
		}
		if issues[i].Check != issues[j].Check {
			return issues[i].Check < issues[j].Check
		}
		if issues[i].Target != issues[j].Target {
			return issues[i].Target < issues[j].Target
		}
		return issues[i].Message < issues[j].Message
	})
	return Report{Issues: issues}, nil
}

func binaryIssues(defs []model.TunnelDefinition) []Issue {
	var issues []Issue
	check := func(name, field, command string, sev Severity) {
		bin := firstWord(command)
		if bin == "" {
			return
		}
		if _, err := lookPath(bin); err != nil {
			issues = append(issues, Issue{
				Severity:       sev,
				Check:          "missing-binary",
				Target:         name,
				Message:        fmt.Sprintf("%s: %q not found on PATH", field, bin),
				Recommendation: "install it or use an absolute path",
			})
		}
	}
	for _, d := range defs {
		check(d.Name, "command", d.Command, SeverityHigh)
		check(d.Name, "test_command", d.TestCommand, SeverityMedium)
	}
	return issues
}

// firstWord returns the program a shell command line would run, skipping
// leading VAR=value assignments. Shell builtins and compound commands are
// not resolved.
func firstWord(command string) string {
	for _, f := range strings.Fields(command) {
		if strings.Contains(f, "=") && !strings.HasPrefix(f, "=") {
			continue
		}
		switch f {
		case "exec", "command", "nohup":
			continue
		}
		if strings.ContainsAny(f, "'\"$`(){};|&<>") {
			return ""
		}
		return f
	}
	return ""
}

func duplicateBindIssues(defs []model.TunnelDefinition) []Issue {
	seen := map[string][]string{}
	var order []string
	for _, d := range defs {
		if d.Port == 0 {
			continue
		}
		key := bindKey(d.Address, d.Port)
		if _, ok := seen[key]; !ok {
			order = append(order, key)
		}
		seen[key] = append(seen[key], d.Name)
	}
	var issues []Issue
	for _, bind := range order {
		names := seen[bind]
		if len(names) < 2 {
			continue
		}
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "duplicate-local-bind",
			Target:         bind,
			Message:        fmt.Sprintf("local bind is configured by %d tunnels: %s", len(names), strings.Join(names, ", ")),
			Recommendation: "use unique local ports per tunnel to avoid startup conflicts",
		})
	}
	return issues
}

func probeIssues(defs []model.TunnelDefinition) []Issue {
	var issues []Issue
	for _, d := range defs {
		switch {
		case strings.TrimSpace(d.TestCommand) == "":
			issues = append(issues, Issue{
				Severity:       SeverityLow,
				Check:          "no-probe",
				Target:         d.Name,
				Message:        "no test_command; status stays UNKNOWN while the process runs",
				Recommendation: "add a test_command and test_command_result",
			})
		case d.TestInterval == 0:
			issues = append(issues, Issue{
				Severity:       SeverityLow,
				Check:          "manual-probe",
				Target:         d.Name,
				Message:        "test_interval is 0; the probe only runs on demand",
				Recommendation: "set test_interval if the tunnel should be checked periodically",
			})
		}
	}
	return issues
}

func occupiedPortIssues(defs []model.TunnelDefinition) ([]Issue, error) {
	ls, err := listeners()
	if err != nil {
		return nil, err
	}
	byPort := map[int][]Listener{}
	for _, l := range ls {
		byPort[l.Port] = append(byPort[l.Port], l)
	}

	var issues []Issue
	for _, d := range defs {
		if d.Port == 0 {
			continue
		}
		want := util.NormalizeAddr(d.Address, "127.0.0.1")
		for _, l := range byPort[d.Port] {
			if !bindsOverlap(want, l.Addr) {
				continue
			}
			issues = append(issues, Issue{
				Severity:       SeverityMedium,
				Check:          "port-in-use",
				Target:         d.Name,
				Message:        fmt.Sprintf("%s is already listening (pid %d)", bindKey(l.Addr, l.Port), l.PID),
				Recommendation: "stop the other listener, or ignore this if it is this tunnel already running",
			})
			break
		}
	}
	return issues, nil
}

func bindsOverlap(a, b string) bool {
	wildcard := func(s string) bool { return s == "0.0.0.0" || s == "::" || s == "*" }
	return a == b || wildcard(a) || wildcard(b)
}

func bindKey(addr string, port int) string {
	return fmt.Sprintf("%s:%d", util.NormalizeAddr(addr, "127.0.0.1"), port)
}

func tcpListeners() ([]Listener, error) {
	conns, err := psnet.Connections("tcp")
	if err != nil {
		return nil, err
	}
	var out []Listener
	for _, c := range conns {
		if c.Status != "LISTEN" {
			continue
		}
		out = append(out, Listener{Addr: c.Laddr.IP, Port: int(c.Laddr.Port), PID: c.Pid})
	}
	return out, nil
}

func severityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}
