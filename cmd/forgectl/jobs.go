package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourusername/file-forge/internal/jobs"
	"github.com/yourusername/file-forge/internal/storage"
)

func (c *cli) jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List and inspect jobs",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE:  c.runJobsList,
	}
	list.Flags().String("status", "", "filter by status (comma-separated: queued,processing,completed,failed,expired)")
	list.Flags().String("tool", "", "filter by tool name or slug (e.g. merge-pdf)")
	list.Flags().Int("limit", 20, "maximum number of jobs to show")
	list.Flags().Int("offset", 0, "number of jobs to skip")

	show := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job with its metadata and storage usage",
		Args:  cobra.ExactArgs(1),
		RunE:  c.runJobsShow,
	}

	cmd.AddCommand(list, show)
	return cmd
}

func listFilter(cmd *cobra.Command) (jobs.Filter, error) {
	var f jobs.Filter
	if raw, _ := cmd.Flags().GetString("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := jobs.Status(strings.TrimSpace(part))
			if !status.Valid() {
				return f, fmt.Errorf("unknown status %q", part)
			}
			f.Statuses = append(f.Statuses, status)
		}
	}
	if raw, _ := cmd.Flags().GetString("tool"); raw != "" {
		f.Tool = jobs.Tool(strings.ReplaceAll(raw, "-", "_"))
	}
	f.Limit, _ = cmd.Flags().GetInt("limit")
	f.Offset, _ = cmd.Flags().GetInt("offset")
	if f.Limit < 0 || f.Offset < 0 {
		return f, errors.New("limit and offset must not be negative")
	}
	return f, nil
}

func (c *cli) runJobsList(cmd *cobra.Command, args []string) error {
	filter, err := listFilter(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, _, s, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := store.List(ctx, filter)
	if err != nil {
		return err
	}
	if s.JSON {
		if list == nil {
			list = []*jobs.Job{}
		}
		return writeJSON(cmd.OutOrStdout(), list)
	}

	now := time.Now()
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTOOL\tSTATUS\tPROGRESS\tCREATED\tEXPIRES")
	for _, job := range list {
		status := string(job.Status)
		if !job.Status.IsTerminal() && job.Status != jobs.StatusProcessing && job.IsExpired(now) {
			status += " (expired)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d%%\t%s\t%s\n",
			job.ID, job.Tool, status, job.Percent(),
			job.CreatedAt.Local().Format(time.DateTime), job.ExpiresAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func (c *cli) runJobsShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, st, _, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	job, err := store.Get(ctx, args[0])
	if err != nil {
		return err
	}
	size, err := st.SizeOf(job.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), struct {
		Job          *jobs.Job `json:"job"`
		StorageBytes int64     `json:"storageBytes"`
	}{Job: job, StorageBytes: size})
}
