package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaycrm/internal/config"
)

func NewCheckConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate configuration and print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rootOpts.ConfigPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "addr: %s\n", cfg.Server.Addr)
			fmt.Fprintf(out, "store: %s\n", redactDSN(cfg.Store.DSN))
			fmt.Fprintf(out, "integration: %s\n", orNone(cfg.Integration.BaseURL))
			fmt.Fprintf(out, "import actions: %v\n", cfg.Import.Actions)
			fmt.Fprintf(out, "downstream: %s\n", orNone(cfg.Downstream.WebhookURL))
			fmt.Fprintf(out, "bearer auth: %t, header identity: %t, query identity: %t\n",
				cfg.Auth.JWTSecret != "", cfg.Auth.AllowHeaderIdentity, cfg.Auth.AllowQueryIdentity)
			fmt.Fprintf(out, "signed webhooks: %t\n", cfg.Auth.WebhookSecret != "")
			fmt.Fprintln(out, "config ok")
			return nil
		},
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// redactDSN hides credentials embedded in a store DSN.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, hasPassword := u.User.Password(); hasPassword {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
