package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/chronologos/craftlink/internal/config"
	"github.com/chronologos/craftlink/internal/metrics"
	"github.com/chronologos/craftlink/internal/registry"
)

// app is the state shared by every subcommand, set up before any of them
// runs.
type app struct {
	configPath string
	logLevel   string

	cfg     *config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
	conns   *registry.Registry
}

func main() {
	a := &app{conns: registry.New()}

	rootCmd := &cobra.Command{
		Use:   "craftlink",
		Short: "Talk to CraftOS-PC emulators over their raw protocol",
		Long: `craftlink connects to CraftOS-PC emulators in raw mode: a locally
spawned process, a websocket server, or a relay reached over QUIC.

It prints window and message events, forwards raw packets typed on
stdin, manipulates the emulator's filesystem, and can itself serve a
local emulator to remote clients.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return a.setup() },
	}
	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default $"+config.EnvVar+")")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log_level: debug, info, warn, error")

	rootCmd.AddCommand(
		attachCmd(a),
		fsCmd(a),
		serveCmd(a),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "craftlink: %v\n", err)
		os.Exit(1)
	}
}

func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if cfg.MetricsAddr == "" {
		return nil
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(metrics.WithRegistry(reg))
	go a.serveMetrics(reg)
	return nil
}

func (a *app) serveMetrics(reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.log.Info("serving metrics", "addr", a.cfg.MetricsAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.log.Error("metrics server", "err", err)
	}
}
