package security

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/treykane/tunneltop/internal/appconfig"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Finding struct {
	Severity       Severity `json:"severity"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type AuditReport struct {
	Findings []Finding `json:"findings"`
}

func (r AuditReport) HasHigh() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// RunLocalAudit inspects the permissions of the tunnels file and of
// tunneltop's own state. Every command in the tunnels file is run through a
// shell, so anyone who can write it can run code as the operator.
func RunLocalAudit(tunnelsFile string) (AuditReport, error) {
	var findings []Finding

	if tunnelsFile != "" {
		path, err := appconfig.ExpandHome(tunnelsFile)
		if err != nil {
			return AuditReport{}, err
		}
		checkWritable(&findings, path)
		checkWritable(&findings, filepath.Dir(path))
	}

	cfgDir, err := appconfig.ConfigDir()
	if err == nil {
		checkPathPerm(&findings, cfgDir, 0o700, false)
		checkPathPerm(&findings, filepath.Join(cfgDir, "config.yaml"), 0o600, true)
		checkPathPerm(&findings, filepath.Join(cfgDir, "events.jsonl"), 0o600, true)
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Severity != findings[j].Severity {
			return severityRank(findings[i].Severity) > severityRank(findings[j].Severity)
		}
		if findings[i].Target != findings[j].Target {
			return findings[i].Target < findings[j].Target
		}
		return findings[i].Message < findings[j].Message
	})
	return AuditReport{Findings: findings}, nil
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

// checkWritable flags group- or world-writable paths. Sticky directories
// such as /tmp are still flagged: other users can replace files they own.
func checkWritable(findings *[]Finding, path string) {
	st, err := os.Stat(path)
	if err != nil {
		return
	}
	mode := st.Mode().Perm()
	if mode&0o022 == 0 {
		return
	}
	kind := "tunnels file"
	if st.IsDir() {
		kind = "tunnels file directory"
	}
	*findings = append(*findings, Finding{
		Severity:       SeverityHigh,
		Target:         path,
		Message:        fmt.Sprintf("%s is writable by other users (%#o)", kind, mode),
		Recommendation: "remove group/other write permission; its commands run as you",
	})
}

func checkPathPerm(findings *[]Finding, path string, max os.FileMode, isFile bool) {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		*findings = append(*findings, Finding{
			Severity:       SeverityLow,
			Target:         path,
			Message:        fmt.Sprintf("unable to inspect permissions: %v", err),
			Recommendation: "verify path and permissions manually",
		})
		return
	}
	mode := st.Mode().Perm()
	if mode&^max != 0 {
		kind := "directory"
		if isFile {
			kind = "file"
		}
		*findings = append(*findings, Finding{
			Severity:       SeverityMedium,
			Target:         path,
			Message:        fmt.Sprintf("%s permissions are too broad (%#o)", kind, mode),
			Recommendation: fmt.Sprintf("restrict permissions to %#o or tighter", max),
		})
	}
}
