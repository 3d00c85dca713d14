package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ticklane/internal/task/cronexpr"
)

func newNextCmd() *cobra.Command {
	var (
		expr  string
		zone  string
		count int
		from  string
	)

	cmd := &cobra.Command{
		Use:   "next",
		Short: "Print the next instants a cron expression fires",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := cronexpr.Parse(expr, zone)
			if err != nil {
				return err
			}
			if count <= 0 {
				return fmt.Errorf("-n must be > 0")
			}
			cur := time.Now()
			if from != "" {
				if cur, err = time.Parse(time.RFC3339, from); err != nil {
					return fmt.Errorf("--from: %w", err)
				}
			}
			out := cmd.OutOrStdout()
			for i := 0; i < count; i++ {
				if cur, err = e.Next(cur); err != nil {
					return err
				}
				fmt.Fprintln(out, cur.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&expr, "cron", "", "six-field cron expression (seconds first)")
	cmd.Flags().StringVar(&zone, "zone", "UTC", "IANA time zone")
	cmd.Flags().IntVarP(&count, "count", "n", 5, "number of instants")
	cmd.Flags().StringVar(&from, "from", "", "start instant (RFC3339), default now")
	_ = cmd.MarkFlagRequired("cron")
	return cmd
}
