package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shizukutanaka/seedscan/internal/app"
	"github.com/shizukutanaka/seedscan/internal/hardware"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a worker loop on every device",
	Long: `Start one worker loop per compute device. SIGINT or SIGTERM stops the loops
after their in-flight batches drain.

Examples:
  seedscan run --config seedscan.yaml
  SEEDSCAN_DEVICES_BACKEND=software seedscan run`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Starting seedscan",
		zap.String("version", Version),
		zap.String("config", cfgFile))

	inv, err := hardware.Detect(logger)
	if err != nil {
		logger.Warn("Incomplete hardware inventory", zap.Error(err))
	}
	inv.Log(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(logger, cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer application.Close()

	if err := application.Run(ctx); err != nil {
		logger.Error("Worker stopped with errors", zap.Error(err))
		return err
	}
	return nil
}
