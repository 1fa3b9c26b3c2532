// Package cli implements the invoicectl administration commands.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// NewRootCommand builds the invoicectl command tree on top of backend.
func NewRootCommand(backend Backend) *cobra.Command {
	root := &cobra.Command{
		Use:           "invoicectl",
		Short:         "Administration commands for the invoicing service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().Bool("json", false, "Print results as JSON")

	root.AddCommand(
		newMigrateCommand(backend),
		newSyncCommand(backend),
		newSweepCommand(backend),
		newIdempotencyCommand(backend),
		newJobsCommand(backend),
	)
	return root
}

func newMigrateCommand(backend Backend) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	withMigrations := func(fn func(cmd *cobra.Command, m Migrations) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			m, err := backend.Migrations()
			if err != nil {
				return err
			}
			defer m.Close()
			return fn(cmd, m)
		}
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: withMigrations(func(cmd *cobra.Command, m Migrations) error {
			if err := m.Up(); err != nil {
				return err
			}
			return printVersion(cmd, m)
		}),
	}

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: withMigrations(func(cmd *cobra.Command, m Migrations) error {
			steps, _ := cmd.Flags().GetInt("steps")
			if err := m.Down(steps); err != nil {
				return err
			}
			return printVersion(cmd, m)
		}),
	}
	down.Flags().Int("steps", 1, "Number of migrations to roll back")

	version := &cobra.Command{
		Use:   "version",
		Short: "Show the applied schema version",
		RunE:  withMigrations(printVersion),
	}

	cmd.AddCommand(up, down, version)
	return cmd
}

func printVersion(cmd *cobra.Command, m Migrations) error {
	version, dirty, err := m.Version()
	if err != nil {
		return err
	}
	return output(cmd, map[string]any{"version": version, "dirty": dirty},
		fmt.Sprintf("schema version %d (dirty=%t)", version, dirty))
}

func newSyncCommand(backend Backend) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Recompute paid amounts and statuses from the receipt ledger",
		Example: `  # Repair every invoice
  invoicectl sync

  # Repair a single invoice
  invoicectl sync --user user-1 --invoice 5f0c...`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			userID, _ := cmd.Flags().GetString("user")
			rawID, _ := cmd.Flags().GetString("invoice")

			ledger, err := backend.Ledger(cmd.Context())
			if err != nil {
				return err
			}

			if rawID == "" {
				report, err := ledger.SyncAllInvoices(cmd.Context())
				if err != nil {
					return err
				}
				return output(cmd, report, fmt.Sprintf("checked %d invoices, repaired %d, failed %d",
					report.Checked, report.Repaired, report.Failed))
			}

			if userID == "" {
				return fmt.Errorf("--user is required with --invoice")
			}
			id, err := uuid.Parse(rawID)
			if err != nil {
				return fmt.Errorf("invalid invoice id: %w", err)
			}
			result, err := ledger.SyncInvoicePayments(cmd.Context(), userID, id)
			if err != nil {
				return err
			}
			return output(cmd, result, fmt.Sprintf("invoice %d: paid %s, status %s, changed=%t",
				result.Invoice.Number, result.Invoice.PaidAmount.StringFixed(2), result.Invoice.Status, result.Changed))
		},
	}
	cmd.Flags().String("user", "", "Owner of the invoice")
	cmd.Flags().String("invoice", "", "Invoice id to repair (default: all invoices)")
	return cmd
}

func newSweepCommand(backend Backend) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Flag unpaid invoices past their due date as OVERDUE",
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, _ := cmd.Flags().GetString("date")
			now := time.Now()
			if raw != "" {
				parsed, err := time.Parse(time.DateOnly, raw)
				if err != nil {
					return fmt.Errorf("invalid date format, use YYYY-MM-DD: %w", err)
				}
				now = parsed
			}
			ledger, err := backend.Ledger(cmd.Context())
			if err != nil {
				return err
			}
			flagged, err := ledger.SweepOverdue(cmd.Context(), now)
			if err != nil {
				return err
			}
			return output(cmd, map[string]int{"flagged": flagged}, fmt.Sprintf("flagged %d invoices as overdue", flagged))
		},
	}
	cmd.Flags().String("date", "", "Evaluate due dates as of this day (YYYY-MM-DD, default: today)")
	return cmd
}

func newIdempotencyCommand(backend Backend) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "idempotency",
		Short: "Maintain stored idempotency keys",
	}
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete idempotency keys older than the retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			keys, err := backend.Keys(cmd.Context())
			if err != nil {
				return err
			}
			deleted, err := keys.Cleanup(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			return output(cmd, map[string]int64{"deleted": deleted}, fmt.Sprintf("deleted %d idempotency keys", deleted))
		},
	}
	cleanup.Flags().Duration("older-than", 30*24*time.Hour, "Retention window")
	cmd.AddCommand(cleanup)
	return cmd
}

func newJobsCommand(backend Backend) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and trigger background jobs",
	}

	trigger := &cobra.Command{
		Use:   "trigger <task>",
		Short: "Enqueue a scheduled job now (invoices:overdue-sweep, invoices:ledger-sync)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := backend.Queue()
			if err != nil {
				return err
			}
			defer queue.Close()
			info, err := queue.Trigger(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return output(cmd, map[string]string{"id": info.ID, "type": info.Type, "queue": info.Queue},
				fmt.Sprintf("enqueued %s as %s", info.Type, info.ID))
		},
	}

	inspect := &cobra.Command{
		Use:   "inspect",
		Short: "Show queue depth and archived email tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			queue, err := backend.Queue()
			if err != nil {
				return err
			}
			defer queue.Close()
			stats, err := queue.InspectQueue(cmd.Context())
			if err != nil {
				return err
			}
			size, _ := cmd.Flags().GetInt("archived")
			archived, err := queue.ListArchived(cmd.Context(), size)
			if err != nil {
				return err
			}
			if asJSON(cmd) {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"stats": stats, "archived": len(archived)})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "queue %s: pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
				stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
			for _, task := range archived {
				fmt.Fprintf(out, "  %s %s: %s\n", task.ID, task.Type, task.LastErr)
			}
			return nil
		},
	}
	inspect.Flags().Int("archived", 10, "Number of archived tasks to list")

	cmd.AddCommand(trigger, inspect)
	return cmd
}

func asJSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func output(cmd *cobra.Command, v any, text string) error {
	if asJSON(cmd) {
		return writeJSON(cmd.OutOrStdout(), v)
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), text)
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
