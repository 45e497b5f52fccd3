package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"pricesync/internal/database"
	"pricesync/internal/service"

	"github.com/spf13/cobra"
)

func newIssuesCommand(e *env) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "issues",
		Short: "List failures that need an operator and items without a Remote link",
		Args:  cobra.NoArgs,
		RunE: e.local(func(cmd *cobra.Command, _ []string) error {
			issues, err := e.service.Issues(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return e.print(cmd.OutOrStdout(), issues, func(out io.Writer) error {
				fmt.Fprintf(out, "Failed jobs (%d):\n", len(issues.FailedJobs))
				if err := printJobs(issues.FailedJobs)(out); err != nil {
					return err
				}
				fmt.Fprintf(out, "\nUnlinked items (%d):\n", len(issues.UnlinkedItems))
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tFAMILY\tNAME\tSKIP")
				for _, it := range issues.UnlinkedItems {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", it.ID, it.FamilyID, it.Name, it.SkipSync)
				}
				return tw.Flush()
			})
		}),
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows per section")
	return cmd
}

func newDeadLetterCommand(e *env) *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Show the most recent dead-lettered jobs (needs redis)",
		Args:  cobra.NoArgs,
		RunE: e.local(func(cmd *cobra.Command, _ []string) error {
			jobs, err := e.service.DeadLetters(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return e.print(cmd.OutOrStdout(), jobs, printJobs(jobs))
		}),
	}
	cmd.Flags().Int64Var(&limit, "limit", 20, "maximum entries")
	return cmd
}

func newLinkCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Manage Source to Remote entity links",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set SOURCE_ID REMOTE_ID",
		Short: "Create or replace the Remote record for an entity",
		Args:  cobra.ExactArgs(2),
		RunE: e.local(func(cmd *cobra.Command, args []string) error {
			link, err := e.service.SetLink(cmd.Context(), service.LinkRequest{SourceID: args[0], RemoteID: args[1]})
			if err != nil {
				return err
			}
			return e.print(cmd.OutOrStdout(), link, func(out io.Writer) error {
				_, err := fmt.Fprintf(out, "%s -> %s\n", link.SourceID, link.RemoteID)
				return err
			})
		}),
	})
	return cmd
}

func newItemCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "item",
		Short: "Manage catalog items",
	}
	var off bool
	skip := &cobra.Command{
		Use:   "skip ID",
		Short: "Set the skip-sync flag on an item",
		Args:  cobra.ExactArgs(1),
		RunE: e.local(func(cmd *cobra.Command, args []string) error {
			if err := e.service.SetSkipSync(cmd.Context(), args[0], !off); err != nil {
				return err
			}
			res := map[string]any{"entity_id": args[0], "skip_sync": !off}
			return e.print(cmd.OutOrStdout(), res, func(out io.Writer) error {
				_, err := fmt.Fprintf(out, "%s skip_sync=%t\n", args[0], !off)
				return err
			})
		}),
	}
	skip.Flags().BoolVar(&off, "off", false, "clear the flag instead")
	cmd.AddCommand(skip)
	return cmd
}

func newAuditCommand(e *env) *cobra.Command {
	var entityID string
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show received webhooks",
		Args:  cobra.NoArgs,
		RunE: e.local(func(cmd *cobra.Command, _ []string) error {
			audits, err := e.service.Audits(cmd.Context(), entityID, limit)
			if err != nil {
				return err
			}
			return e.print(cmd.OutOrStdout(), audits, func(out io.Writer) error {
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "RECEIVED\tEVENT\tENTITY\tSOURCE\tRESULT\tREASON")
				for _, a := range audits {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						a.ReceivedAt.Local().Format(time.DateTime), a.EventType, a.EntityID, a.Source, a.Result, a.Reason)
				}
				return tw.Flush()
			})
		}),
	}
	cmd.Flags().StringVar(&entityID, "entity", "", "entity id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func newBackupCommand(e *env) *cobra.Command {
	var dir string
	var retentionDays int
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the database",
		Args:  cobra.NoArgs,
		RunE: e.local(func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				dir = e.cfg.Database.Backup.Dir
			}
			path, err := e.db.Backup(cmd.Context(), dir)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			if retentionDays > 0 {
				n, err := database.PruneBackups(dir, time.Now().AddDate(0, 0, -retentionDays))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired backup(s)\n", n)
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&dir, "dir", "", "backup directory (default database.backup.dir)")
	cmd.Flags().IntVar(&retentionDays, "retention-days", 0, "also delete backups older than this")
	return cmd
}
