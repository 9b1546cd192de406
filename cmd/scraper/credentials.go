package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/maltedev/olx-scraper/internal/credentials"
	"github.com/maltedev/olx-scraper/internal/models"
)

// NewCredentialsCmd creates the credentials command group.
func NewCredentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage the olx.pt account used for logging in",
	}
	cmd.AddCommand(newCredentialsSetCmd(), newCredentialsShowCmd())
	return cmd
}

func newCredentialsSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store credentials in the encrypted local store",
		Long: `Set stores the account in the encrypted local store. The password is
read from standard input. OLX_EMAIL and OLX_PASSWORD, when set, still take
precedence.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			email, err := cmd.Flags().GetString("email")
			if err != nil {
				return err
			}

			password, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && password == "" {
				return fmt.Errorf("failed to read password: %w", err)
			}
			password = strings.TrimRight(password, "\r\n")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store := credentials.NewEncryptedStore(cfg.Credentials.Dir)
			if err := store.Save(&models.Credentials{Email: email, Password: password}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "credentials for %s saved to %s\n", email, cfg.Credentials.Dir)
			return nil
		},
	}
	cmd.Flags().String("email", "", "Account email")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newCredentialsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show which account would be used",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			m := credentials.NewManager(
				credentials.EnvSource{DotenvPath: cfg.Credentials.DotenvPath},
				credentials.NewEncryptedStore(cfg.Credentials.Dir),
			)

			c, err := m.Get()
			if errors.Is(err, credentials.ErrNotFound) {
				fmt.Fprintln(cmd.OutOrStdout(), "no credentials configured")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "email: %s\n", c.Email)
			return nil
		},
	}
}
