package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ticklane/internal/app"
	"ticklane/internal/config"
)

func newValidateCmd(cfgFn func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config, every task trigger and job arguments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(cfgFn()).Parse()
			if err != nil {
				return err
			}
			if err := app.CheckTasks(cfg, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d task(s)\n", len(cfg.Tasks))
			return nil
		},
	}
}
