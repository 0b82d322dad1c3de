package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/GoPolymarket/apigate/internal/config"
	"github.com/GoPolymarket/apigate/internal/repository"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

type configLoader func() (*config.Config, error)

func loadConfig() (*config.Config, error) {
	return config.Load()
}

// newRootCommand builds the operator CLI for the audit tables.
func newRootCommand(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auditctl",
		Short: "Inspect and maintain APIGate audit tables",
		Long: `auditctl works against the same configuration as the gateway
(config.yaml or APIGATE_* environment variables).

Examples:
  auditctl tables                   # Show table mode and resolved table names
  auditctl migrate                  # Create audit tables and indexes
  auditctl purge                    # Run one retention sweep now
  auditctl recent Sample --limit 20 # Print the newest audit records`,
		SilenceUsage: true,
	}

	cmd.AddCommand(tablesCommand(load))
	cmd.AddCommand(migrateCommand(load))
	cmd.AddCommand(purgeCommand(load))
	cmd.AddCommand(recentCommand(load))
	return cmd
}

func tablesCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "Show the active table mode and table names",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			tables := repository.ResolveTables(cfg.Audit)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Mode: %s\n", cfg.Audit.Mode())
			fmt.Fprintf(out, "Schema: %s\n", cfg.Audit.Schema)
			fmt.Fprintf(out, "Unified: %s\n", tables.Unified)
			fmt.Fprintf(out, "Request: %s\n", tables.Request)
			fmt.Fprintf(out, "Response: %s\n", tables.Response)
			if cfg.Audit.RetentionDays == nil {
				fmt.Fprintln(out, "Retention: disabled")
			} else {
				fmt.Fprintf(out, "Retention: %d days\n", *cfg.Audit.RetentionDays)
			}
			return nil
		},
	}
}

func migrateCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create audit tables and indexes if missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeDB, err := openStore(load)
			if err != nil {
				return err
			}
			defer closeDB()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			for _, table := range store.ActiveTables() {
				fmt.Fprintf(cmd.OutOrStdout(), "ready: %s\n", table)
			}
			return nil
		},
	}
}

func purgeCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete audit rows older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeDB, err := openStore(load)
			if err != nil {
				return err
			}
			defer closeDB()

			ctx := cmd.Context()
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			removed, err := store.PurgeExpired(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d rows.\n", removed)
			return nil
		},
	}
}

func recentCommand(load configLoader) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "recent <api-name>",
		Short: "Print the newest audit records for an API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeDB, err := openStore(load)
			if err != nil {
				return err
			}
			defer closeDB()

			ctx := cmd.Context()
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			records, err := store.GetRecent(ctx, args[0], limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No audit records found.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "ID\tOPERATION\tMETHOD\tPATH\tSTATUS\tDURATION\tCORRELATION")
			fmt.Fprintln(w, "--\t---------\t------\t----\t------\t--------\t-----------")
			for _, rec := range records {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%dms\t%s\n",
					rec.ID,
					rec.Operation,
					rec.HTTPMethod,
					rec.RequestPath,
					strconv.Itoa(rec.StatusCode),
					rec.DurationMs,
					rec.CorrelationID,
				)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of records to print")
	return cmd
}

func openStore(load configLoader) (*repository.GormAuditStore, func(), error) {
	cfg, err := load()
	if err != nil {
		return nil, nil, err
	}
	db, err := repository.NewDB(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() { closeGorm(db) }

	store, err := repository.NewGormAuditStore(db, cfg.Audit)
	if err != nil {
		closeDB()
		return nil, nil, err
	}
	return store, closeDB, nil
}

func closeGorm(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
