// Command gpu-scheduler is the daemon entrypoint: it loads
// configuration, starts the control plane and the engine supervisor,
// and waits for a shutdown signal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gpuscheduler/gpu-scheduler/internal/config"
	"github.com/gpuscheduler/gpu-scheduler/internal/controlplane"
	"github.com/gpuscheduler/gpu-scheduler/internal/statuswriter"
	"github.com/gpuscheduler/gpu-scheduler/internal/supervisor"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gpu-scheduler",
		Short: "GPU task scheduler daemon",
		Long:  "Multi-tenant, memory-aware GPU task scheduler for a shared workstation",
		Run:   run,
	}

	rootCmd.Flags().String("config", "", "path to scheduler.yaml (default: ./scheduler.yaml)")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().String("task-file", "", "path to the task command file (overrides config)")

	if err := viper.BindPFlags(rootCmd.Flags()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) {
	logger := initLogger()

	mgr := config.NewManager(viper.GetString("config"))
	cfg, err := mgr.Load()
	if err != nil {
		logger.WithError(err).Fatal("failed to load configuration")
	}
	if taskFile := viper.GetString("task-file"); taskFile != "" {
		cfg.TaskFile = taskFile
	}

	mgr.WatchConfig(func() {
		logger.Warn("configuration file changed on disk; restart gpu-scheduler to apply it")
	})

	status, err := statuswriter.New(cfg.StatusDir, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize status writer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	status.WatchForShutdown(ctx)

	sup := supervisor.New(cfg, status, logger)
	if err := sup.Start(ctx); err != nil {
		status.SetError(err.Error())
		logger.WithError(err).Fatal("failed to start supervisor")
	}

	cp := controlplane.NewServer(controlplane.Config{
		Addr:            cfg.ServerAddress(),
		MetricsAddr:     cfg.MetricsAddress(),
		MetricsEnabled:  cfg.Metrics.Enabled,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, status, logger)

	if err := cp.Start(ctx); err != nil {
		logger.WithError(err).Fatal("failed to start control plane")
	}

	logger.WithFields(logrus.Fields{"version": version, "commit": commit}).Info("gpu-scheduler started")

	waitForShutdown(logger)

	logger.Info("shutting down gpu-scheduler")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := cp.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("failed to stop control plane")
	}
	if err := sup.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("failed to stop supervisor")
	}
	status.Cleanup()

	logger.Info("gpu-scheduler shutdown complete")
}

func waitForShutdown(logger *logrus.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
}

func initLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})

	return logger
}
