package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/treykane/tunneltop/internal/config"
	"github.com/treykane/tunneltop/internal/doctor"
	"github.com/treykane/tunneltop/internal/events"
	"github.com/treykane/tunneltop/internal/model"
	"github.com/treykane/tunneltop/internal/proc"
	"github.com/treykane/tunneltop/internal/tunnel"
	"github.com/treykane/tunneltop/internal/util"
)

func newValidateCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Parse the tunnels file and list its tunnels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadSettings(cmd, f)
			if err != nil {
				return err
			}
			res, err := config.Load(cfg.TunnelsFile)
			if err != nil {
				return err
			}
			fmt.Printf("%-20s %-22s %-8s %-9s %-9s %s\n", "NAME", "LISTEN", "ENABLED", "INTERVAL", "TIMEOUT", "COMMAND")
			for _, d := range res.Tunnels {
				fmt.Printf("%-20s %-22s %-8t %-9s %-9s %s\n",
					d.Name, listenString(d), d.Enabled, durationOrDash(d.TestInterval), durationOrDash(d.TestTimeout), util.Truncate(d.Command, 60))
			}
			fmt.Printf("ok: %d tunnels in %s\n", len(res.Tunnels), res.Path)
			return nil
		},
	}
}

func newProbeCmd(f *rootFlags) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "probe <tunnel>",
		Short: "Run one tunnel's test command once and report the outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadSettings(cmd, f)
			if err != nil {
				return err
			}
			res, err := config.Load(cfg.TunnelsFile)
			if err != nil {
				return err
			}
			def, ok := findTunnel(res.Tunnels, args[0])
			if !ok {
				return fmt.Errorf("%w: %q", tunnel.ErrNotFound, args[0])
			}
			if def.TestCommand == "" {
				return fmt.Errorf("tunnel %q has no test_command", def.Name)
			}
			stderrLogger(parseLevel(cfg.Log.Level, f.verbose)).Debug("running probe", "tunnel", def.Name, "command", def.TestCommand)

			pr := tunnel.RunProbe(cmd.Context(), proc.New(), def, cfg.DefaultProbeTimeout())
			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(pr); err != nil {
					return err
				}
			} else {
				fmt.Printf("[%s] %s status=%s output=%q stderr=%q duration=%s\n",
					pr.Outcome, def.Name, pr.Status, pr.Output, pr.Stderr, pr.Duration.Round(time.Millisecond))
				if pr.Err != "" {
					fmt.Printf("  %s\n", pr.Err)
				}
			}
			if pr.Outcome != model.OutcomePass {
				return fmt.Errorf("probe %s: %s", def.Name, pr.Outcome)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newDoctorCmd(f *rootFlags) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the tunnels file and local environment for problems",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadSettings(cmd, f)
			if err != nil {
				return err
			}
			report, err := doctor.Run(cfg.TunnelsFile)
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				if len(report.Issues) == 0 {
					fmt.Println("no issues found")
				}
				for _, i := range report.Issues {
					fmt.Printf("[%s] %s %s: %s\n", i.Severity, i.Check, i.Target, i.Message)
					fmt.Printf("  -> %s\n", i.Recommendation)
				}
			}
			if report.HasHigh() {
				return errors.New("doctor found high severity issues")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newEventsCmd() *cobra.Command {
	var (
		name      string
		eventType string
		limit     int
		since     time.Duration
		jsonOut   bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recorded tunnel transitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := events.NewStore()
			if err != nil {
				return err
			}
			q := events.Query{Tunnel: name, EventType: eventType, Limit: limit}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			evs, err := store.Read(q)
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if evs == nil {
					evs = []events.Event{}
				}
				return enc.Encode(evs)
			}
			fmt.Printf("%-20s %-20s %-17s %-9s %-8s %s\n", "TIME", "TUNNEL", "EVENT", "STATUS", "PID", "MESSAGE")
			for _, e := range evs {
				pid := "-"
				if e.PID > 0 {
					pid = strconv.Itoa(e.PID)
				}
				fmt.Printf("%-20s %-20s %-17s %-9s %-8s %s\n",
					e.Timestamp.Local().Format(time.DateTime), e.Tunnel, e.EventType, util.EmptyDash(string(e.Status)), pid, e.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "tunnel", "", "only this tunnel")
	cmd.Flags().StringVar(&eventType, "type", "", "only this event type")
	cmd.Flags().IntVar(&limit, "limit", 50, "show at most this many recent events (0 for all)")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this, e.g. 1h")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func findTunnel(defs []model.TunnelDefinition, name string) (model.TunnelDefinition, bool) {
	for _, d := range defs {
		if d.Name == name {
			return d, true
		}
	}
	return model.TunnelDefinition{}, false
}

func listenString(d model.TunnelDefinition) string {
	if d.Port == 0 {
		return util.NormalizeAddr(d.Address, "-")
	}
	return fmt.Sprintf("%s:%d", util.NormalizeAddr(d.Address, "127.0.0.1"), d.Port)
}

func durationOrDash(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return d.String()
}
