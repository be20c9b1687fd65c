package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/yourusername/file-forge/internal/cleanup"
)

func (c *cli) sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired jobs and orphaned job directories once",
		Long: `Sweep runs one expiration pass: every job whose expires_at has passed is
removed from storage and then from the job store. Jobs still processing are
deferred to the next sweep.`,
		Args: cobra.NoArgs,
		RunE: c.runSweep,
	}
	cmd.Flags().Duration("orphan-grace", 0, "minimum age before a directory without a job record is removed (default: ORPHAN_GRACE_MINUTES)")
	return cmd
}

func (c *cli) runSweep(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, st, s, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	grace := s.OrphanGrace
	if v, _ := cmd.Flags().GetDuration("orphan-grace"); v > 0 {
		grace = v
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
	scheduler := cleanup.New(store, st, cleanup.WithOrphanGrace(grace), cleanup.WithLogger(logger))

	report, err := scheduler.Sweep(ctx)
	if err != nil {
		return err
	}
	if s.JSON {
		return writeJSON(cmd.OutOrStdout(), report)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %d job(s), freed %s, deferred %d, failed %d, orphans removed %d\n",
		report.DeletedJobs, formatBytes(report.FreedBytes), report.Deferred, report.Failed, report.OrphansRemoved)
	return nil
}
