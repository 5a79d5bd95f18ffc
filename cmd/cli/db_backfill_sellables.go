package main

import (
	"context"
	"fmt"

	"github.com/kosarica/game-ingest/internal/database"
	"github.com/kosarica/game-ingest/internal/orchestrator"
	"github.com/spf13/cobra"
)

var (
	backfillLimit     int
	backfillChunkSize int
	backfillDryRun    bool
)

// dbBackfillSellablesCmd runs spec §4.8 step 2 standalone (spec §6.4).
var dbBackfillSellablesCmd = &cobra.Command{
	Use:   "db-backfill-sellables",
	Short: "Create missing sellable rows for software titles",
	RunE:  runDBBackfillSellables,
}

func init() {
	rootCmd.AddCommand(dbBackfillSellablesCmd)
	dbBackfillSellablesCmd.Flags().IntVar(&backfillLimit, "limit", 0, "max products to backfill (0 = unbounded)")
	dbBackfillSellablesCmd.Flags().IntVar(&backfillChunkSize, "chunk-size", 250, "insert batch size")
	dbBackfillSellablesCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "report the count without writing")
}

func runDBBackfillSellables(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	n, err := orchestrator.BackfillSellables(ctx, database.Pool(), *logger, backfillChunkSize, backfillLimit, backfillDryRun)
	if err != nil {
		return err
	}
	if backfillDryRun {
		fmt.Printf("would create %d sellable rows\n", n)
	} else {
		fmt.Printf("created %d sellable rows\n", n)
	}
	return nil
}
