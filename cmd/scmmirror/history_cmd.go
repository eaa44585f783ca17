package main

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/openmined/scmmirror/internal/mirror"
	"github.com/openmined/scmmirror/internal/scanner"
	"github.com/openmined/scmmirror/internal/utils"
	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [path]",
		Short: "Show recent sync passes, or the recorded changes of one path",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			root, err := utils.ResolvePath(v.GetString("workspace"))
			if err != nil {
				return fmt.Errorf("workspace: %w", err)
			}
			dbPath := v.GetString("audit_db")
			if dbPath == "" {
				dbPath = filepath.Join(root, scanner.MetadataDir, mirror.DefaultAuditFile)
			}
			if !utils.FileExists(dbPath) {
				fmt.Fprintln(cmd.OutOrStdout(), gray("no history at "+dbPath))
				return nil
			}

			journal, err := mirror.OpenAuditJournal(dbPath)
			if err != nil {
				return err
			}
			defer journal.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			if len(args) == 1 {
				entries, err := journal.History(utils.NormPath(args[0]))
				if err != nil {
					return err
				}
				fmt.Fprintln(tw, "TIME\tREVISION\tKIND\tACTOR\tMESSAGE")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", e.Timestamp.UTC().Format(time.RFC3339), e.Revision, e.Kind, e.Actor, e.Message)
				}
				return tw.Flush()
			}

			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := journal.Runs(limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(tw, "STARTED\tRUN\tPHASE\tFETCHED\tDELETED\tFAILED\tTOOK")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
					r.StartedAt.UTC().Format(time.RFC3339), r.ID, r.Phase, r.Fetched, r.Deleted, r.Failed, r.Duration)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "number of passes to show")
	return cmd
}
