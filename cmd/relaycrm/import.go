package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaycrm/internal/logger"
)

type importOptions struct {
	customerID   string
	connectionID string
	actions      []string
}

// NewImportCommand runs a one-shot import outside the HTTP server.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &importOptions{}
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import contacts for one customer connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.customerID == "" {
				return errors.New("--customer is required")
			}
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}
			if cfg.Integration.BaseURL == "" {
				return errors.New("integration.baseUrl must be configured to import")
			}
			ctx := cmd.Context()
			a, err := buildApp(ctx, cfg, logger.L)
			if err != nil {
				return err
			}
			defer a.Close()

			connectionID := opts.connectionID
			if connectionID == "" {
				count, err := a.service.ImportFirstConnection(ctx, opts.customerID, firstOrEmpty(opts.actions))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d records\n", count)
				return nil
			}

			results := a.service.ImportAll(ctx, opts.customerID, connectionID, opts.actions)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(results); err != nil {
				return err
			}
			for _, result := range results {
				if result.Error != "" {
					return fmt.Errorf("action %s failed", result.ActionKey)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.customerID, "customer", "", "customer id to import for")
	cmd.Flags().StringVar(&opts.connectionID, "connection", "", "connection id (default: the customer's first connection)")
	cmd.Flags().StringSliceVar(&opts.actions, "action", nil, "action keys to run (default: import.actions)")
	return cmd
}

func firstOrEmpty(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
