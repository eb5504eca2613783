package commands

import (
	"database/sql"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/teranos/shiftly/am"
	"github.com/teranos/shiftly/db"
	"github.com/teranos/shiftly/errors"
	"github.com/teranos/shiftly/logger"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the shiftly database",
	Long: `db - Manage the shiftly database

Examples:
  shiftly db migrate              # Apply pending migrations
  shiftly db stats                # Count jobs and escrows by status`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job and escrow counts by status",
	RunE:  runDbStats,
}

var dbPathFlag string

func init() {
	DbCmd.PersistentFlags().StringVar(&dbPathFlag, "db-path", "", "Database path (overrides config)")
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	path := dbPathFlag
	if path == "" {
		cfg, err := am.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		path = cfg.GetDatabasePath()
	}

	database, err := db.Open(path, logger.Logger)
	if err != nil {
		return err
	}
	defer database.Close()

	pending, err := db.Pending(database)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		pterm.Info.Printfln("%s is up to date", path)
		return nil
	}
	for _, m := range pending {
		pterm.Printfln("  applying %s", m.Name)
	}
	if err := db.Migrate(database, logger.Logger); err != nil {
		return err
	}

	versions, err := db.AppliedVersions(database)
	if err != nil {
		return err
	}
	pterm.Success.Printfln("%s is at schema %s (%d migrations applied)", path, last(versions), len(pending))
	return nil
}

func last(versions []string) string {
	if len(versions) == 0 {
		return "none"
	}
	return versions[len(versions)-1]
}

func runDbStats(cmd *cobra.Command, args []string) error {
	database, path, err := openDatabase(dbPathFlag)
	if err != nil {
		return err
	}
	defer database.Close()

	jobs, err := countByStatus(database, "instant_jobs")
	if err != nil {
		return err
	}
	escrows, err := countByStatus(database, "escrows")
	if err != nil {
		return err
	}

	held, err := heldTotal(database)
	if err != nil {
		return err
	}

	pterm.DefaultSection.Printfln("Database %s", path)

	data := pterm.TableData{{"Table", "Status", "Count"}}
	for _, c := range jobs {
		data = append(data, []string{"jobs", c.status, fmt.Sprint(c.count)})
	}
	for _, c := range escrows {
		data = append(data, []string{"escrows", c.status, fmt.Sprint(c.count)})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	pterm.Info.Printfln("Currently held in escrow: %s", held.StringFixed(2))
	return nil
}

// heldTotal sums the held escrow amounts in decimal.
func heldTotal(database *sql.DB) (decimal.Decimal, error) {
	rows, err := database.Query(`SELECT held_amount FROM escrows WHERE status = 'held'`)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "failed to query held escrow")
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var amount decimal.Decimal
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, errors.Wrap(err, "failed to scan held escrow")
		}
		total = total.Add(amount)
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, errors.Wrap(err, "failed to iterate held escrow")
	}
	return total, nil
}

type statusCount struct {
	status string
	count  int
}

// countByStatus groups a table with a status column. table is a constant.
func countByStatus(database *sql.DB, table string) ([]statusCount, error) {
	rows, err := database.Query(`SELECT status, COUNT(*) FROM ` + table + ` GROUP BY status ORDER BY status`)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to count %s", table)
	}
	defer rows.Close()

	var counts []statusCount
	for rows.Next() {
		var c statusCount
		if err := rows.Scan(&c.status, &c.count); err != nil {
			return nil, errors.Wrapf(err, "failed to scan %s count", table)
		}
		counts = append(counts, c)
	}
	return counts, errors.Wrapf(rows.Err(), "failed to iterate %s counts", table)
}
