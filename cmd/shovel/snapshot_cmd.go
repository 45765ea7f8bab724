package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/openmined/shovel/internal/shovel"
	"github.com/spf13/cobra"
)

func newSnapshotCmd() *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Print the sizes recorded by the last run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := prepare(cmd)
			if err != nil {
				return err
			}
			if err := cfg.ValidateDest(); err != nil {
				return err
			}
			cmd.SilenceUsage = true

			snap, exists, err := shovel.NewSnapshotStore(cfg.SnapshotPath()).Load()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !exists {
				fmt.Fprintln(out, "no snapshot yet; the next run records the current files")
				return nil
			}

			for _, rec := range snap.Records() {
				if raw {
					fmt.Fprintf(out, "%s\t%d\n", rec.Path, rec.Size)
				} else {
					fmt.Fprintf(out, "%s\t%s\n", rec.Path, humanize.Bytes(rec.Size))
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&raw, "bytes", false, "print sizes in bytes")
	return cmd
}
