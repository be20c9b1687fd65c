package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yourusername/file-forge/internal/jobs"
)

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts by status and storage usage",
		Args:  cobra.NoArgs,
		RunE:  c.runStats,
	}
}

func (c *cli) runStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, st, s, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	summary, err := jobs.Summarize(ctx, store)
	if err != nil {
		return err
	}
	used, err := st.Usage()
	if err != nil {
		return err
	}

	if s.JSON {
		return writeJSON(cmd.OutOrStdout(), map[string]any{
			"total_jobs":         summary.Total,
			"by_status":          summary.ByStatus,
			"storage_used_bytes": used,
		})
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, status := range jobs.AllStatuses {
		fmt.Fprintf(tw, "%s\t%d\n", status, summary.ByStatus[status])
	}
	fmt.Fprintf(tw, "total\t%d\n", summary.Total)
	fmt.Fprintf(tw, "storage\t%s (%s)\n", formatBytes(used), st.Root())
	return tw.Flush()
}
