package main

import (
	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaycrm/internal/config"
	"github.com/agentworkforce/relaycrm/internal/logger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
}

// load reads the configuration and initializes logging from it.
func (o *RootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "relaycrm",
		Short: "Contact sync between a CRM UI and an integration platform",
		Long: `relaycrm imports contacts from a unified integration platform, reconciles
the platform's change webhooks against a record store, and serves paginated
contact lists and inline edits to the CRM UI.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file (RELAYCRM_* variables override it)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))
	cmd.AddCommand(NewCheckConfigCommand(opts))

	return cmd
}
