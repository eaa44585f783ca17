package main

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/openmined/scmmirror/internal/checkpoint"
	"github.com/openmined/scmmirror/internal/mirror"
	"github.com/openmined/scmmirror/internal/scanner"
	"github.com/openmined/scmmirror/internal/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newCheckpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Print the records of the workspace checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			root, path, err := checkpointPaths(v)
			if err != nil {
				return err
			}

			records, err := checkpoint.NewStore(path, root).Load()
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), gray("no checkpoint at "+path))
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "REVISION\tMODIFIED\tPATH")
			for _, rec := range records {
				fmt.Fprintf(tw, "%d\t%s\t%s\n", rec.Revision, rec.ModTime.UTC().Format(time.RFC3339), rec.Path)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().String("file", "", "checkpoint file, defaults to the workspace checkpoint")
	return cmd
}

func checkpointPaths(v *viper.Viper) (root, path string, err error) {
	root, err = utils.ResolvePath(v.GetString("workspace"))
	if err != nil {
		return "", "", fmt.Errorf("workspace: %w", err)
	}
	path = v.GetString("checkpoint")
	if path == "" {
		path = filepath.Join(root, scanner.MetadataDir, mirror.DefaultCheckpointFile)
	}
	return root, path, nil
}
