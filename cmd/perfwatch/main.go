package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/yairfalse/perfwatch/internal/api"
	"github.com/yairfalse/perfwatch/internal/config"
	"github.com/yairfalse/perfwatch/internal/notify"
	"github.com/yairfalse/perfwatch/pkg/dashboard"
	"github.com/yairfalse/perfwatch/pkg/metricstore"
	"github.com/yairfalse/perfwatch/pkg/monitoring"
	"github.com/yairfalse/perfwatch/pkg/optimizer"
	"github.com/yairfalse/perfwatch/pkg/shutdown"
)

const version = "0.1.0"

var configPath string

func main() {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "perfwatch",
		Short: "Performance monitoring and self-optimization for HTTP services",
		Long: `perfwatch records every request, keeps a rolling window of latency and
error metrics, raises alerts when thresholds are crossed and watches memory
and latency trends to reclaim resources before they become incidents.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Path to configuration file (yaml, toml or json)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("address", ":8080", "HTTP listen address")
	flags.Bool("nats", false, "Publish alert transitions to NATS")

	// flags win over file and environment
	_ = v.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = v.BindPFlag("server.address", flags.Lookup("address"))
	_ = v.BindPFlag("nats.enabled", flags.Lookup("nats"))

	rootCmd.AddCommand(newServeCommand(v))
	rootCmd.AddCommand(newConfigCommand(v))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newServeCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the monitoring API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			logger, err := cfg.Logger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			return serve(cfg, logger)
		},
	}
}

func newConfigCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(v, configPath); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if used := v.ConfigFileUsed(); used != "" {
				fmt.Fprintf(out, "# %s\n", used)
			}
			for _, line := range config.Describe(v) {
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
}

func serve(cfg *config.Config, logger *zap.Logger) error {
	handler := shutdown.NewHandler(cfg.Server.ShutdownTimeout, logger)
	ctx := handler.Start(context.Background())

	store := metricstore.New(cfg.StoreOptions(metricstore.NewProcessReader(cfg.Monitor.HeapLimitBytes)))
	monitor := monitoring.NewMonitor(store, cfg.MonitorConfig(), logger)
	opt := optimizer.New(monitor, monitor, cfg.OptimizerConfig(), logger)
	opt.RegisterTrimmer("samples", store)
	opt.RegisterTrimmer("alerts", monitor)
	dash := dashboard.New(monitor, opt, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		monitoring.NewCollector(monitor),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if cfg.NATS.Enabled {
		host, _ := os.Hostname()
		pub, err := notify.Connect(cfg.NATS, host, logger)
		if err != nil {
			return err
		}
		monitor.OnAlert(pub.HandleAlert)
		handler.Register("nats", func(context.Context) error { return pub.Close() })
	}

	monitor.Start(ctx)
	handler.Register("monitor", func(context.Context) error { return monitor.Stop() })

	opt.Start(ctx)
	handler.Register("optimizer", func(context.Context) error { return opt.Stop() })

	srv, err := api.NewServer(monitor, opt, dash, registry, logger, api.Config{
		Address:      cfg.Server.Address,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	})
	if err != nil {
		_ = handler.Shutdown()
		return err
	}
	if err := srv.Start(); err != nil {
		_ = handler.Shutdown()
		return err
	}
	handler.Register("http", srv.Shutdown)

	logger.Info("perfwatch started",
		zap.String("version", version),
		zap.String("address", cfg.Server.Address),
		zap.Bool("nats", cfg.NATS.Enabled))

	return handler.Wait()
}
