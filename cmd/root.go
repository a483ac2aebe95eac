package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"a64fx-hwb/internal/config"
	"a64fx-hwb/internal/logging"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const Version = "0.3.0"

func loadEnvironment() {
	logger := logging.GetLogger()

	// Try to load .env file from current directory
	envFile := ".env"
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
		} else {
			logger.WithField("file", envFile).Debug("Loaded environment variables")
		}
		return
	}

	// Try to load from the application directory
	if execPath, err := os.Executable(); err == nil {
		envFile = filepath.Join(filepath.Dir(execPath), ".env")
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
			} else {
				logger.WithField("file", envFile).Debug("Loaded environment variables")
			}
		}
	}
}

// defaultSocket is the broker socket unless HWB_SOCKET overrides it.
func defaultSocket() string {
	if v := os.Getenv("HWB_SOCKET"); v != "" {
		return v
	}
	return config.DefaultSocketPath
}

func newRootCmd() *cobra.Command {
	var logLevel string

	rootCmd := &cobra.Command{
		Use:     "hwb",
		Short:   "A64FX hardware barrier broker",
		Long:    "Allocates A64FX hardware barrier blades and windows to processes and reclaims them when the processes go away",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logLevel != "" {
				if err := logging.SetLogLevel(logLevel); err != nil {
					return fmt.Errorf("invalid log level: %w", err)
				}
				if err := logging.SetManagerLogLevel(logLevel); err != nil {
					return fmt.Errorf("invalid log level: %w", err)
				}
			}
			return nil
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Set log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newInfoCmd())
	rootCmd.AddCommand(newPeInfoCmd())
	rootCmd.AddCommand(newResetCmd())
	rootCmd.AddCommand(newBarrierCmd())
	return rootCmd
}

func newValidateCmd() *cobra.Command {
	var configFile string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a broker configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConfig(configFile)
		},
	}
	validateCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to broker configuration file")
	validateCmd.MarkFlagRequired("config")
	return validateCmd
}

func validateConfig(configFile string) error {
	logger := logging.GetLogger()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		logger.WithField("config_file", configFile).WithError(err).Error("Configuration validation failed")
		return err
	}
	logger.WithField("config_file", configFile).
		WithField("cpus", config.FormatCPUSpec(cfg.Device.CPUList)).
		Info("Configuration is valid")
	return nil
}

// Execute runs the command line.
func Execute() error {
	loadEnvironment()
	return newRootCmd().Execute()
}
