package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/analogdevicesinc/libm2k-sub001/internal/config"
	"github.com/analogdevicesinc/libm2k-sub001/internal/system"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "m2kd",
		Short: "ADALM2000 instrument service",
		Long: `m2kd owns an ADALM2000 (or a simulated one) and serves its
analog, digital, trigger and calibration functions over REST, gRPC
and WebSocket.`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Open the instrument and serve the APIs until interrupted",
		RunE:  runServe,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (yaml); defaults and M2KD_* env apply without it")
	rootCmd.AddCommand(serveCmd, calibrateCmd, hashPasswordCmd, genTokenCmd)
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Printf("Failed to create logger: %v", err)
		return err
	}
	defer logger.Sync()

	logger.Info("Config loaded successfully", zap.String("path", configPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lifecycle, err := system.NewLifecycleManager(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize system", zap.Error(err))
		return err
	}

	if err := lifecycle.Start(); err != nil {
		logger.Error("Failed to start system", zap.Error(err))
		shutdown(lifecycle, cfg, logger)
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case <-lifecycle.Done():
		logger.Info("Shutdown requested over the API")
	case runErr = <-lifecycle.Errors():
		logger.Error("Server stopped unexpectedly", zap.Error(runErr))
	}

	if err := shutdown(lifecycle, cfg, logger); err != nil && runErr == nil {
		runErr = err
	}
	if runErr == nil {
		logger.Info("m2kd stopped successfully")
	}
	return runErr
}

func shutdown(lifecycle *system.LifecycleManager, cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := lifecycle.Shutdown(ctx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		return err
	}
	return nil
}
