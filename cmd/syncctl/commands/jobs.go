package commands

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"pricesync/internal/export"
	"pricesync/internal/models"
	"pricesync/internal/service"

	"github.com/spf13/cobra"
)

func parseJobID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q", raw)
	}
	return id, nil
}

func printJobs(jobs []*models.SyncJob) func(io.Writer) error {
	return func(out io.Writer) error {
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tENTITY\tFAMILY\tSTATUS\tPRIORITY\tRETRIES\tKIND\tERROR\tUPDATED")
		for _, j := range jobs {
			errMsg := ""
			if j.ErrorMessage != nil {
				errMsg = *j.ErrorMessage
				if len(errMsg) > 60 {
					errMsg = errMsg[:57] + "..."
				}
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
				j.ID, j.EntityID, j.FamilyID, j.Status, j.Priority, j.RetryCount, j.ErrorKind, errMsg,
				j.UpdatedAt.Local().Format(time.DateTime))
		}
		return tw.Flush()
	}
}

func newStatsCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts per status",
		Args:  cobra.NoArgs,
		RunE: e.local(func(cmd *cobra.Command, _ []string) error {
			stats, err := e.service.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return e.print(cmd.OutOrStdout(), stats, func(out io.Writer) error {
				for _, st := range models.AllJobStatuses {
					fmt.Fprintf(out, "%-11s %d\n", st, stats.Counts[st])
				}
				fmt.Fprintf(out, "%-11s %d\n", "total", stats.Total)
				return nil
			})
		}),
	}
}

func newJobsCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect sync jobs",
	}

	var req service.ListJobsRequest
	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: e.local(func(cmd *cobra.Command, _ []string) error {
			jobs, err := e.service.ListJobs(cmd.Context(), req)
			if err != nil {
				return err
			}
			return e.print(cmd.OutOrStdout(), jobs, printJobs(jobs))
		}),
	}
	list.Flags().StringVar(&req.Status, "status", "", "pending|processing|completed|failed|cancelled")
	list.Flags().StringVar(&req.EntityID, "entity", "", "entity id")
	list.Flags().StringVar(&req.FamilyID, "family", "", "family id")
	list.Flags().IntVar(&req.Limit, "limit", models.DefaultListLimit, "maximum rows")

	get := &cobra.Command{
		Use:   "get ID",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: e.local(func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			job, err := e.service.GetJob(cmd.Context(), id)
			if err != nil {
				return err
			}
			return e.print(cmd.OutOrStdout(), job, nil)
		}),
	}

	var exportReq service.ListJobsRequest
	var outPath string
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write jobs to an XLSX workbook",
		Args:  cobra.NoArgs,
		RunE: e.local(func(cmd *cobra.Command, _ []string) error {
			if outPath == "" {
				outPath = export.FileName(time.Now())
			}
			f, err := os.Create(outPath)
			if err != nil {
				return err
			}
			if err := e.service.ExportJobs(cmd.Context(), f, exportReq); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), outPath)
			return nil
		}),
	}
	exportCmd.Flags().StringVar(&exportReq.Status, "status", "", "status filter")
	exportCmd.Flags().StringVar(&exportReq.FamilyID, "family", "", "family id")
	exportCmd.Flags().StringVarP(&outPath, "out", "o", "", "output file")

	cmd.AddCommand(list, get, exportCmd)
	return cmd
}

func newEnqueueCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Schedule a manual sync",
	}

	var priority string
	entity := &cobra.Command{
		Use:   "entity ID",
		Short: "Sync one entity",
		Args:  cobra.ExactArgs(1),
		RunE: e.local(func(cmd *cobra.Command, args []string) error {
			jobs, err := e.service.EnqueueEntity(cmd.Context(), service.EnqueueEntityRequest{EntityID: args[0], Priority: priority})
			if err != nil {
				return err
			}
			return e.print(cmd.OutOrStdout(), jobs, printJobs(jobs))
		}),
	}
	entity.Flags().StringVar(&priority, "priority", "", "low|normal|high (default high)")

	var familyPriority string
	family := &cobra.Command{
		Use:   "family ID",
		Short: "Sync every member of a family",
		Args:  cobra.ExactArgs(1),
		RunE: e.local(func(cmd *cobra.Command, args []string) error {
			jobs, err := e.service.EnqueueFamily(cmd.Context(), service.EnqueueFamilyRequest{FamilyID: args[0], Priority: familyPriority})
			if err != nil {
				return err
			}
			return e.print(cmd.OutOrStdout(), jobs, printJobs(jobs))
		}),
	}
	family.Flags().StringVar(&familyPriority, "priority", "", "low|normal|high (default high)")

	cmd.AddCommand(entity, family)
	return cmd
}

func newCancelCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a pending job",
		Args:  cobra.ExactArgs(1),
		RunE: e.local(func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			job, err := e.service.CancelJob(cmd.Context(), id)
			if err != nil {
				return err
			}
			return e.print(cmd.OutOrStdout(), job, printJobs([]*models.SyncJob{job}))
		}),
	}
}

func printCount(verb string, n int64) func(io.Writer) error {
	return func(out io.Writer) error {
		_, err := fmt.Fprintf(out, "%s %d job(s)\n", verb, n)
		return err
	}
}

func newRetryCommand(e *env) *cobra.Command {
	var pattern string
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Reset FAILED jobs to PENDING",
		Args:  cobra.NoArgs,
		RunE: e.local(func(cmd *cobra.Command, _ []string) error {
			res, err := e.service.RetryFailed(cmd.Context(), pattern)
			if err != nil {
				return err
			}
			return e.print(cmd.OutOrStdout(), res, printCount("reset", res.Affected))
		}),
	}
	cmd.Flags().StringVar(&pattern, "pattern", "", "only jobs whose error message contains this text")
	return cmd
}

func newPurgeCommand(e *env) *cobra.Command {
	var req service.PurgeRequest
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete finished jobs older than an age",
		Args:  cobra.NoArgs,
		RunE: e.local(func(cmd *cobra.Command, _ []string) error {
			res, err := e.service.Purge(cmd.Context(), req)
			if err != nil {
				return err
			}
			return e.print(cmd.OutOrStdout(), res, printCount("purged", res.Affected))
		}),
	}
	cmd.Flags().StringVar(&req.OlderThan, "older-than", "30d", "age, e.g. 7d or 72h")
	cmd.Flags().StringSliceVar(&req.Statuses, "status", nil, "statuses to purge (default pending,failed)")
	return cmd
}

func newReclaimCommand(e *env) *cobra.Command {
	var olderThan string
	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Return jobs stuck in PROCESSING to the queue",
		Args:  cobra.NoArgs,
		RunE: e.local(func(cmd *cobra.Command, _ []string) error {
			res, err := e.service.Reclaim(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			return e.print(cmd.OutOrStdout(), res, func(out io.Writer) error {
				_, err := fmt.Fprintf(out, "reclaimed %d, failed %d\n", res.Reclaimed, res.Failed)
				return err
			})
		}),
	}
	cmd.Flags().StringVar(&olderThan, "older-than", models.DefaultStuckAfter.String(), "claim age")
	return cmd
}
