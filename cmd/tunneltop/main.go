// Package main is the entry point for the tunneltop binary.
//
// tunneltop runs the tunnel commands listed in a TOML file, checks each one
// with its own test command, and shows the result in a full-screen dashboard
// (built with Bubble Tea). Subcommands (built with Cobra) validate the file,
// run single probes, diagnose the environment and read the event journal.
//
// Usage:
//
//	tunneltop                  # launch the dashboard
//	tunneltop -c tunnels.toml  # use another tunnels file
//	tunneltop validate         # parse the tunnels file and exit
//	tunneltop probe db         # run one tunnel's test command
//
// Send SIGHUP to a running dashboard to reload the tunnels file.
package main

import (
	"fmt"
	"os"

	"github.com/treykane/tunneltop/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tunneltop:", err)
		os.Exit(1)
	}
}
