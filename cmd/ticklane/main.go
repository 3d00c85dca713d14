// Command ticklane runs recurring tasks described in a config file.
//
// Usage:
//
//	ticklane run      --config ticklane.yaml
//	ticklane validate --config ticklane.yaml
//	ticklane next     --cron "0 0 9 * * MON-FRI" --zone Europe/Moscow -n 5
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	_ "time/tzdata"
)

// version is set via ldflags at build time.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "ticklane",
		Short:         "ticklane - recurring task scheduler",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")

	cfgFn := func() string { return cfgPath }
	root.AddCommand(
		newRunCmd(cfgFn),
		newValidateCmd(cfgFn),
		newNextCmd(),
	)
	return root
}
