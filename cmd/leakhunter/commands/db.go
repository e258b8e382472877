package commands

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/eventstore"
	"github.com/teranos/leakhunter/logger"
)

// DbCmd groups database maintenance commands
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the LeakHunter database",
	Long: `Manage the SQLite database holding findings, identities, dispatch records,
connector state and export cursors.

Examples:
  leakhunter db migrate   # Apply pending migrations
  leakhunter db stats     # Show row counts and dispatch backlog`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Database.Path == "" {
			return errors.New("database.path is empty; an in-memory database needs no migration")
		}
		conn, err := openDatabase(cfg, logger.Logger.Named("db"))
		if err != nil {
			return errors.Wrap(err, "migration failed")
		}
		defer conn.Close()
		pterm.Success.Printfln("Database %s is up to date", cfg.Database.Path)
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show row counts and dispatch backlog",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := openDatabase(cfg, nil)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer conn.Close()

	ctx := context.Background()
	health, err := eventstore.NewSQLStore(conn).Health(ctx)
	if err != nil {
		return err
	}

	rows := pterm.TableData{{"Table", "Rows"}}
	for _, table := range []string{"findings", "finding_identities", "connector_runs", "export_cursors"} {
		var n int64
		if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return errors.Wrapf(err, "count %s", table)
		}
		rows = append(rows, []string{table, fmt.Sprint(n)})
	}

	dispatchRows, err := conn.QueryContext(ctx, "SELECT status, COUNT(*) FROM dispatch_records GROUP BY status ORDER BY status")
	if err != nil {
		return errors.Wrap(err, "count dispatch_records")
	}
	defer dispatchRows.Close()
	for dispatchRows.Next() {
		var status string
		var n int64
		if err := dispatchRows.Scan(&status, &n); err != nil {
			return errors.Wrap(err, "scan dispatch_records")
		}
		rows = append(rows, []string{"dispatch_records (" + status + ")", fmt.Sprint(n)})
	}
	if err := dispatchRows.Err(); err != nil {
		return errors.Wrap(err, "iterate dispatch_records")
	}

	pterm.DefaultSection.Printfln("Database %s", cfg.Database.Path)
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		return err
	}
	if health.Oldest != nil && health.Newest != nil {
		pterm.Info.Printfln("Findings span %s .. %s", health.Oldest.Format("2006-01-02 15:04"), health.Newest.Format("2006-01-02 15:04"))
	}
	return nil
}
