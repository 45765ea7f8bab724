package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/shovel/internal/shovel"
	"github.com/openmined/shovel/internal/utils"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one pass: upload files that stopped growing, archive them, record the rest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := prepare(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			cmd.SilenceUsage = true

			slog.Debug("config",
				"path", cfg.Path,
				"source", cfg.SourceDir,
				"dest", cfg.DestDir,
				"archive", cfg.ArchiveDir,
				"bucket", cfg.Blob.BucketName,
				"region", cfg.Blob.Region,
				"endpoint", cfg.Blob.Endpoint,
				"accessKey", utils.MaskSecret(cfg.Blob.AccessKey),
				"threshold", humanize.Bytes(cfg.Upload.MultipartThreshold),
				"partSize", humanize.Bytes(cfg.Upload.PartSize),
				"workers", cfg.Upload.Workers,
			)

			coord, err := shovel.NewCoordinatorFromConfig(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			report, err := coord.Run(cmd.Context())
			if errors.Is(err, shovel.ErrAlreadyRunning) {
				// overlapping cron invocations are expected
				fmt.Fprintf(cmd.OutOrStdout(), "another run holds %s, skipping\n", coord.RunLock().Path())
				return nil
			}
			if err != nil {
				return err
			}

			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	return cmd
}

func printReport(w io.Writer, r *shovel.RunReport) {
	if r.FirstRun {
		fmt.Fprintf(w, "first run: recorded %d files, nothing uploaded\n", r.SnapshotRecords)
		return
	}

	fmt.Fprintf(w, "listed %d (new %d, growing %d, stable %d, vanished %d); uploaded %d, archived %d, failed %d in %s\n",
		r.Listed, r.New, r.Growing, r.Stable, r.Vanished,
		len(r.Uploaded), len(r.Archived), len(r.Failures), r.Duration.Round(time.Millisecond))
	for _, f := range r.Failures {
		fmt.Fprintf(w, "  %s failed (%s): %v\n", f.Path, f.Kind, f.Err)
	}
	if len(r.Failures) > 0 {
		slog.Warn("some files failed and will be retried on the next run", "count", len(r.Failures))
	}
}
