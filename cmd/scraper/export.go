package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewExportCmd creates the export command.
func NewExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export [file]",
		Short: "Export stored results to an xlsx workbook",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			// exporting never needs a browser
			cfg.Browser.Backend = "static"

			a, err := newApp(cmd, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			var path string
			if len(args) == 1 {
				path = args[0]
			}
			path = a.ExportPath(path)

			if err := a.Repository.ExportSpreadsheet(cmd.Context(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported to %s\n", path)
			return nil
		},
	}
}
