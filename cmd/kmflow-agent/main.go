// cmd/kmflow-agent/main.go
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/proth1/kmflow-agent/internal/capture"
	"github.com/proth1/kmflow-agent/internal/config"
	"github.com/proth1/kmflow-agent/internal/intelligence"
)

var rootCmd = &cobra.Command{
	Use:   "kmflow-agent",
	Short: "Endpoint activity agent: capture and intelligence processes",
}

var captureConfigPath string

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Run the capture process (observes activity, no network access)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadCaptureConfig(captureConfigPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return capture.NewRunner(cfg, capture.NewPlatformObserver()).Run(ctx)
	},
}

var intelligenceConfigPath string

var intelligenceCmd = &cobra.Command{
	Use:   "intelligence",
	Short: "Run the intelligence process (scrub, buffer, upload, heartbeat)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadIntelligenceConfig(intelligenceConfigPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		svc, err := intelligence.NewService(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return svc.Run(ctx)
	},
}

func init() {
	captureCmd.Flags().StringVarP(&captureConfigPath, "config", "c", "capture.yaml", "config file path")
	intelligenceCmd.Flags().StringVarP(&intelligenceConfigPath, "config", "c", "intelligence.yaml", "config file path")
	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(intelligenceCmd)
}

func main() {
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
