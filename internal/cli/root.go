// Package cli provides the command-line interface for tunneltop.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/treykane/tunneltop/internal/appconfig"
	"github.com/treykane/tunneltop/internal/config"
	"github.com/treykane/tunneltop/internal/events"
	"github.com/treykane/tunneltop/internal/metrics"
	"github.com/treykane/tunneltop/internal/model"
	"github.com/treykane/tunneltop/internal/proc"
	"github.com/treykane/tunneltop/internal/tunnel"
	"github.com/treykane/tunneltop/internal/ui"
	"github.com/treykane/tunneltop/internal/util"
)

type rootFlags struct {
	configFile  string
	delay       int
	noHeader    bool
	watch       bool
	metricsAddr string
	verbose     bool
}

// NewRootCommand creates the root cobra command.
func NewRootCommand() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *rootFlags) {
	var f rootFlags
	root := &cobra.Command{
		Use:           "tunneltop",
		Short:         "Supervise tunnel commands and watch their health",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadSettings(cmd, &f)
			if err != nil {
				return err
			}
			return runDashboard(cmd.Context(), cfg, f.verbose)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&f.configFile, "config", "c", "", "tunnels file (default from config.yaml, ~/.tunneltop.toml)")
	pf.BoolVarP(&f.verbose, "verbose", "v", false, "debug logging")

	fl := root.Flags()
	fl.IntVarP(&f.delay, "delay", "d", util.DefaultRefreshSeconds, "seconds between screen refreshes")
	fl.BoolVarP(&f.noHeader, "noheader", "n", false, "hide the header line")
	fl.BoolVar(&f.watch, "watch", false, "reload when the tunnels file changes")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	root.AddCommand(newValidateCmd(&f))
	root.AddCommand(newProbeCmd(&f))
	root.AddCommand(newDoctorCmd(&f))
	root.AddCommand(newEventsCmd())
	return root, &f
}

// loadSettings reads config.yaml and lets explicitly set flags win.
func loadSettings(cmd *cobra.Command, f *rootFlags) (appconfig.Config, error) {
	cfg, err := appconfig.Load()
	if err != nil {
		return cfg, fmt.Errorf("load settings: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("config") {
		cfg.TunnelsFile = f.configFile
	}
	if flags.Lookup("delay") != nil && flags.Changed("delay") {
		if f.delay <= 0 {
			return cfg, fmt.Errorf("--delay must be positive, got %d", f.delay)
		}
		cfg.UI.RefreshSeconds = f.delay
	}
	if flags.Lookup("noheader") != nil && flags.Changed("noheader") {
		cfg.UI.NoHeader = f.noHeader
	}
	if flags.Lookup("watch") != nil && flags.Changed("watch") {
		cfg.WatchConfig = f.watch
	}
	if flags.Lookup("metrics-addr") != nil && flags.Changed("metrics-addr") {
		cfg.Metrics.Listen = f.metricsAddr
	}
	if cfg.TunnelsFile, err = appconfig.ExpandHome(cfg.TunnelsFile); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func supervisorOptions(cfg appconfig.Config, log *slog.Logger) tunnel.Options {
	return tunnel.Options{
		GracePeriod:         cfg.GracePeriod(),
		DefaultProbeTimeout: cfg.DefaultProbeTimeout(),
		InitialProbeDelay:   cfg.InitialProbeDelay(),
		Logger:              log,
	}
}

func runDashboard(ctx context.Context, cfg appconfig.Config, verbose bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logPath, err := cfg.LogFilePath()
	if err != nil {
		return err
	}
	log, closeLog, err := openFileLogger(logPath, parseLevel(cfg.Log.Level, verbose))
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(log)

	res, err := config.Load(cfg.TunnelsFile)
	if err != nil {
		return err
	}

	opts := supervisorOptions(cfg, log)
	if cfg.Journal.Enabled {
		store, err := events.NewStore()
		if err != nil {
			log.Warn("transition journal disabled", "error", err)
		} else {
			opts.Journal = store
		}
	}
	var sup *tunnel.Supervisor
	m := metrics.New(metrics.SourceFunc(func() []model.TunnelView { return sup.Snapshot() }))
	opts.Observer = m
	sup = tunnel.New(proc.New(), opts)

	for _, def := range res.Tunnels {
		if err := sup.Add(def); err != nil {
			_ = sup.Shutdown(context.Background())
			return err
		}
	}
	log.Info("tunneltop started", "tunnels", len(res.Tunnels), "file", res.Path)

	p := ui.NewProgram(sup, ui.Options{
		TunnelsFile: res.Path,
		Colors:      res.Colors,
		Refresh:     cfg.RefreshInterval(),
		NoHeader:    cfg.UI.NoHeader,
		Logger:      log,
	}, tea.WithoutSignalHandler(), tea.WithContext(ctx))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				if sig == syscall.SIGHUP {
					p.Send(ui.ReloadMsg{Reason: "SIGHUP"})
					continue
				}
				p.Send(ui.ShutdownMsg{Reason: sig.String()})
			}
		}
	}()

	if cfg.WatchConfig {
		err := watchFile(ctx, res.Path, util.ReloadDebounce, log, func() {
			p.Send(ui.ReloadMsg{Reason: "file changed"})
		})
		if err != nil {
			log.Warn("file watching disabled", "error", err)
		}
	}

	if cfg.Metrics.Listen != "" {
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Listen, log); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	_, runErr := p.Run()
	if errors.Is(runErr, tea.ErrProgramKilled) && ctx.Err() != nil {
		runErr = nil
	}
	cancel()

	fmt.Fprintf(os.Stderr, "stopping %d tunnels...\n", len(sup.Names()))
	// Each terminate may take two grace periods; leave room for stragglers.
	shutdownCtx, stop := context.WithTimeout(context.Background(), 2*cfg.GracePeriod()+5*time.Second)
	defer stop()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown incomplete", "error", err)
		return errors.Join(runErr, err)
	}
	return runErr
}
