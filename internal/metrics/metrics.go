// Package metrics exposes tunnel state and probe results in the Prometheus
// text format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/treykane/tunneltop/internal/model"
)

// Source yields the current tunnel views. *tunnel.Supervisor implements it.
type Source interface {
	Snapshot() []model.TunnelView
}

// SourceFunc adapts a function to Source.
type SourceFunc func() []model.TunnelView

func (f SourceFunc) Snapshot() []model.TunnelView { return f() }

var allStatuses = []model.Status{
	model.StatusActive,
	model.StatusDisabled,
	model.StatusTimeout,
	model.StatusUnknown,
	model.StatusDown,
}

// Metrics owns a private registry so several supervisors (and tests) never
// collide on the global one.
type Metrics struct {
	registry      *prometheus.Registry
	probeTotal    *prometheus.CounterVec
	probeDuration *prometheus.HistogramVec
}

// New registers the tunnel collector over src plus the probe counters.
func New(src Source) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		probeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tunneltop_probe_total",
				Help: "Health-check runs by tunnel and outcome",
			},
			[]string{"tunnel", "outcome"},
		),
		probeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tunneltop_probe_duration_seconds",
				Help:    "Duration of health-check runs",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tunnel"},
		),
	}
	m.registry.MustRegister(m.probeTotal, m.probeDuration, newTunnelCollector(src))
	return m
}

// ObserveProbe records one applied probe.
func (m *Metrics) ObserveProbe(tunnel string, outcome model.ProbeOutcome, d time.Duration) {
	m.probeTotal.WithLabelValues(tunnel, string(outcome)).Inc()
	m.probeDuration.WithLabelValues(tunnel).Observe(d.Seconds())
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve listens on addr and serves /metrics until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, log *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics serve: %w", err)
	}
	return nil
}

type tunnelCollector struct {
	src      Source
	status   *prometheus.Desc
	enabled  *prometheus.Desc
	restarts *prometheus.Desc
	pid      *prometheus.Desc
	info     *prometheus.Desc
}

func newTunnelCollector(src Source) *tunnelCollector {
	return &tunnelCollector{
		src: src,
		status: prometheus.NewDesc("tunneltop_tunnel_status",
			"1 for the tunnel's current status, 0 for the others",
			[]string{"tunnel", "status"}, nil),
		enabled: prometheus.NewDesc("tunneltop_tunnel_enabled",
			"Whether the tunnel is enabled at runtime",
			[]string{"tunnel"}, nil),
		restarts: prometheus.NewDesc("tunneltop_tunnel_restarts",
			"Operator restarts since the tunnel was added",
			[]string{"tunnel"}, nil),
		pid: prometheus.NewDesc("tunneltop_tunnel_pid",
			"PID of the tunnel process, 0 when none is running",
			[]string{"tunnel"}, nil),
		info: prometheus.NewDesc("tunneltop_tunnel_info",
			"Static tunnel labels; value is always 1",
			[]string{"tunnel", "address", "port"}, nil),
	}
}

func (c *tunnelCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.status
	ch <- c.enabled
	ch <- c.restarts
	ch <- c.pid
	ch <- c.info
}

func (c *tunnelCollector) Collect(ch chan<- prometheus.Metric) {
	for _, v := range c.src.Snapshot() {
		for _, s := range allStatuses {
			val := 0.0
			if v.Status == s {
				val = 1
			}
			ch <- prometheus.MustNewConstMetric(c.status, prometheus.GaugeValue, val, v.Name, string(s))
		}
		enabled := 0.0
		if v.Enabled {
			enabled = 1
		}
		ch <- prometheus.MustNewConstMetric(c.enabled, prometheus.GaugeValue, enabled, v.Name)
		ch <- prometheus.MustNewConstMetric(c.restarts, prometheus.CounterValue, float64(v.Restarts), v.Name)
		ch <- prometheus.MustNewConstMetric(c.pid, prometheus.GaugeValue, float64(v.PID), v.Name)
		ch <- prometheus.MustNewConstMetric(c.info, prometheus.GaugeValue, 1,
			v.Name, v.Address, strconv.Itoa(v.Port))
	}
}
