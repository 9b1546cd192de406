package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/maltedev/olx-scraper/internal/app"
	"github.com/maltedev/olx-scraper/internal/config"
	"github.com/maltedev/olx-scraper/internal/logger"
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "olx-scraper",
		Short: "Extract seller contacts from olx.pt search results",
		Long: `olx-scraper walks the result pages of an olx.pt search, visits every
listing and reveals the seller phone number while logged in.

Configuration is read from the environment (and a .env file in the working
directory). See internal/config for the variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().String("env-file", ".env", "dotenv file loaded before reading configuration")

	cmd.AddCommand(NewExtractCmd())
	cmd.AddCommand(NewExportCmd())
	cmd.AddCommand(NewCredentialsCmd())

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the dotenv file, the environment and sets up logging.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	envFile, err := cmd.Flags().GetString("env-file")
	if err != nil {
		return nil, err
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		return nil, err
	}
	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	slog.SetDefault(logger.NewWithWriter(cmd.ErrOrStderr(), level, cfg.Logging.Format))
	return cfg, nil
}

func openApp(ctx context.Context, cmd *cobra.Command) (*app.App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg)
}

func newApp(cmd *cobra.Command, cfg *config.Config) (*app.App, error) {
	return app.New(cmd.Context(), cfg)
}
