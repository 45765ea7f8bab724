package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/openmined/shovel/internal/shovel"
	"github.com/spf13/cobra"
)

func newUnlockCmd() *cobra.Command {
	var force, dryRun bool

	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Remove a run lock left behind by a crashed run",
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

			lock := shovel.NewRunLock(cfg.LockDir())
			status, err := lock.Inspect()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !status.Exists {
				fmt.Fprintf(out, "no lock at %s\n", lock.Path())
				return nil
			}

			fmt.Fprintf(out, "lock %s held=%t age=%s", lock.Path(), status.Held, status.Age.Round(time.Second))
			if status.Owner != nil {
				fmt.Fprintf(out, " run=%s pid=%d host=%s", status.Owner.RunID, status.Owner.PID, status.Owner.Host)
			}
			fmt.Fprintln(out)

			if dryRun {
				return nil
			}

			if err := lock.ForceClear(force); errors.Is(err, shovel.ErrLockHeld) {
				return fmt.Errorf("%w; use --force to remove it anyway", err)
			} else if err != nil {
				return err
			}
			fmt.Fprintln(out, "lock removed")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "remove the lock even if a live process holds it")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only show the lock state")
	return cmd
}
