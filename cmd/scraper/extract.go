package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/maltedev/olx-scraper/internal/scrapeerr"
)

// NewExtractCmd creates the extract command.
func NewExtractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extract <search-url>",
		Short: "Run one extraction and save the results",
		Long: `Extract crawls the given olx.pt search URL, reveals the phone number of
every listing and appends the result to the configured store.

Listings processed before an abort are saved as well.

Examples:
  olx-scraper extract "https://www.olx.pt/carros-motos-e-barcos/q-vespa/"
  olx-scraper extract --xlsx vespas.xlsx "https://www.olx.pt/ads/q-vespa/"`,
		Args: cobra.ExactArgs(1),
		RunE: runExtractCmd,
	}

	cmd.Flags().String("xlsx", "", "Also export all stored results to this workbook")
	cmd.Flags().Bool("no-proxy", false, "Connect directly instead of through validated proxies")
	return cmd
}

func runExtractCmd(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	noProxy, err := cmd.Flags().GetBool("no-proxy")
	if err != nil {
		return err
	}
	if noProxy {
		a.Config.Proxy.Enabled = false
		a.Config.Proxy.Required = false
	}

	searchURL := args[0]
	if !a.AllowURL(searchURL) {
		return fmt.Errorf("%s is not a %s URL", searchURL, a.Profile.Host)
	}

	out := cmd.OutOrStdout()
	result, runErr := a.Run(ctx, searchURL, func(percent int, message string) {
		fmt.Fprintf(out, "[%3d%%] %s\n", percent, message)
	})

	if result != nil && len(result.Data) > 0 {
		// partial results are kept
		if err := a.Repository.Save(context.WithoutCancel(ctx), result); err != nil {
			return errors.Join(runErr, fmt.Errorf("failed to save results: %w", err))
		}
		withPhone := 0
		for _, d := range result.Data {
			if d.HasPhone() {
				withPhone++
			}
		}
		fmt.Fprintf(out, "saved %d listings (%d with phone)\n", len(result.Data), withPhone)
	}
	if runErr != nil {
		return fmt.Errorf("extraction failed (%s): %w", scrapeerr.Category(runErr), runErr)
	}

	xlsx, err := cmd.Flags().GetString("xlsx")
	if err != nil {
		return err
	}
	if xlsx != "" {
		if err := a.Repository.ExportSpreadsheet(ctx, xlsx); err != nil {
			return err
		}
		fmt.Fprintf(out, "exported to %s\n", xlsx)
	}
	return nil
}
