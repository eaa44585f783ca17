package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Report whether a sync would change the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			runner, err := newRunner(cfg, nil)
			if err != nil {
				return err
			}
			defer runner.Close()

			changed, err := runner.Poll(cmd.Context())
			if err != nil {
				return err
			}
			if changed {
				fmt.Fprintln(cmd.OutOrStdout(), cyan("changes available"))
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), green("up to date"))
			}
			return nil
		},
	}
}
