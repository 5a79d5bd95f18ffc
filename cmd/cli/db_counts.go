package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kosarica/game-ingest/internal/database"
	"github.com/spf13/cobra"
)

var (
	dbCountsRecentGames      bool
	dbCountsRecentGamesLimit int
)

// dbCountsCmd reports per-table row counts, the read-side shape named in
// spec §6.4, carried over from original_source/rust/src/cli/db_counts.rs
// (spec §4.1 supplemented features: "db_counts style read-only reporting").
var dbCountsCmd = &cobra.Command{
	Use:   "db-counts",
	Short: "Print per-table row counts and optionally recent games",
	RunE:  runDBCounts,
}

func init() {
	rootCmd.AddCommand(dbCountsCmd)
	dbCountsCmd.Flags().BoolVar(&dbCountsRecentGames, "recent-games", false, "also list recently added games")
	dbCountsCmd.Flags().IntVar(&dbCountsRecentGamesLimit, "recent-games-limit", 20, "max rows for --recent-games")
}

var countedTables = []string{
	"products",
	"software_titles",
	"sellables",
	"offers",
	"offer_jurisdictions",
	"provider_items",
	"prices",
	"current_prices",
	"ingest_runs",
}

func runDBCounts(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	db := database.Pool()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "TABLE\tROWS")
	for _, table := range countedTables {
		var n int64
		err := db.QueryRow(ctx, fmt.Sprintf(`
			SELECT count(*) FROM %s
		`, table)).Scan(&n)
		if err != nil {
			fmt.Fprintf(w, "%s\t(missing or error: %v)\n", table, err)
			continue
		}
		fmt.Fprintf(w, "%s\t%d\n", table, n)
	}
	w.Flush()

	if dbCountsRecentGames {
		return printRecentGames(ctx, db, dbCountsRecentGamesLimit)
	}
	return nil
}

func printRecentGames(ctx context.Context, db *pgxpool.Pool, limit int) error {
	rows, err := db.Query(ctx, `
		SELECT p.id, p.display_name, p.created_at
		FROM products p
		JOIN software_titles st ON st.product_id = p.id
		ORDER BY p.created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return fmt.Errorf("db-counts: recent games: %w", err)
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "\nID\tNAME\tCREATED_AT")
	for rows.Next() {
		var id int64
		var name string
		var createdAt time.Time
		if err := rows.Scan(&id, &name, &createdAt); err != nil {
			return err
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", id, name, createdAt.Format(time.RFC3339))
	}
	w.Flush()
	return rows.Err()
}
