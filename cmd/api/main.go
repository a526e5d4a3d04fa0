package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/vaidashi/failure-recovery/internal/config"
	"github.com/vaidashi/failure-recovery/pkg/logger"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "failure-recovery",
	Short:         "Failed message recovery service",
	Long:          `failure-recovery ingests failed messages from the error topic, groups them and retries them on request.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "YAML config file applied over the environment")
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		logger.NewLogger("error", logger.FormatText).Error("Command failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and creates the matching logger
func loadConfig() (*config.Config, logger.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}

	format := logger.FormatJSON
	if cfg.IsDevelopment() {
		format = logger.FormatText
	}

	return cfg, logger.NewLogger(cfg.LogLevel, format), nil
}
