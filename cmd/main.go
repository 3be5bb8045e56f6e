package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"greentrace/internal/bootstrap"
	"greentrace/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:   "greentrace",
	Short: "Mandi price ingestion and crop advisory backend",
	Long: `greentrace ingests Agmarknet mandi prices and produces crop health
advisories from multiple vision providers and local models.

Configuration is read from the environment (and a .env file when present).`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the health/metrics server and the price ingestion worker",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(adviseCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	container := bootstrap.NewContainer()
	container.MustInit()
	defer func() { _ = logger.Sync() }()

	if err := container.Start(); err != nil {
		container.Shutdown()
		return err
	}

	waitForShutdown(container.Context)
	container.Shutdown()
	return nil
}

// waitForShutdown blocks until SIGINT/SIGTERM or until ctx is cancelled by a fatal component error
func waitForShutdown(ctx context.Context) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		logger.Get().Infow("Shutting down...", "signal", sig.String())
	case <-ctx.Done():
		logger.Get().Warn("Shutting down after a fatal component error")
	}
}

// signalContext is cancelled on SIGINT/SIGTERM, for one-shot commands
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func printf(cmd *cobra.Command, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
