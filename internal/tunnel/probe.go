package tunnel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/treykane/tunneltop/internal/model"
	"github.com/treykane/tunneltop/internal/proc"
)

// ProbeRunner runs one-shot commands with a deadline.
type ProbeRunner interface {
	Run(ctx context.Context, command string, timeout time.Duration) (proc.Result, error)
}

// ProbeResult is one classified run of a tunnel's test command.
type ProbeResult struct {
	Outcome  model.ProbeOutcome `json:"outcome"`
	Status   model.Status       `json:"status"`
	Output   string             `json:"output"`
	Stderr   string             `json:"stderr,omitempty"`
	Err      string             `json:"error,omitempty"`
	Duration time.Duration      `json:"duration"`
}

// RunProbe runs def's test command once and maps the result onto a status:
// matching output is ACTIVE, other output is DOWN, a timeout is TIMEOUT and a
// command that could not run at all is UNKNOWN. A zero test_timeout uses
// defaultTimeout.
func RunProbe(ctx context.Context, r ProbeRunner, def model.TunnelDefinition, defaultTimeout time.Duration) ProbeResult {
	timeout := def.TestTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	res, err := r.Run(ctx, def.TestCommand, timeout)
	out := ProbeResult{Duration: res.Duration}
	switch {
	case errors.Is(err, proc.ErrTimedOut):
		out.Outcome, out.Status, out.Output, out.Stderr = model.OutcomeTimeout, model.StatusTimeout, "-", "-"
		out.Err = fmt.Sprintf("probe exceeded %s", timeout)
	case err != nil:
		out.Outcome, out.Status = model.OutcomeError, model.StatusUnknown
		out.Err = err.Error()
	default:
		out.Output = normalizeOutput(res.Stdout)
		out.Stderr = normalizeOutput(res.Stderr)
		if out.Output == def.TestCommandResult {
			out.Outcome, out.Status = model.OutcomePass, model.StatusActive
		} else {
			out.Outcome, out.Status = model.OutcomeFail, model.StatusDown
			out.Err = fmt.Sprintf("expected %q, got %q", def.TestCommandResult, out.Output)
		}
	}
	return out
}

// normalizeOutput strips surrounding newlines and then surrounding double
// quotes, so `curl -w '"%{http_code}"'` and `echo 200` both yield 200.
func normalizeOutput(s string) string {
	return strings.Trim(strings.Trim(s, "\r\n"), `"`)
}
