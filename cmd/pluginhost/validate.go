package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zero-day-ai/pluginhost"
	"github.com/zero-day-ai/pluginhost/config"
)

func newValidateCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the host configuration and admission policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			if cfg.Admission != "" {
				if _, err := pluginhost.NewAdmission(cfg.Admission); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: plugins %s/*%s, capability %s\n",
				cfg.GetPluginDir(), cfg.GetExtension(), cfg.GetCapability())
			return nil
		},
	}
}
