package main

import (
	"context"
	"fmt"

	"github.com/kosarica/game-ingest/internal/database"
	"github.com/kosarica/game-ingest/internal/orchestrator"
	"github.com/spf13/cobra"
)

var (
	bootstrapCurrency     string
	bootstrapCountry      string
	bootstrapCoverage     string
	bootstrapRetailerName string
	bootstrapRetailerSlug string
	bootstrapLimit        int
	bootstrapChunkSize    int
	bootstrapDryRun       bool
)

// dbBootstrapOffersCmd runs spec §4.8 step 3 standalone (spec §6.4).
var dbBootstrapOffersCmd = &cobra.Command{
	Use:   "db-bootstrap-offers",
	Short: "Ensure currency/country/jurisdiction/retailer and offer coverage for every software sellable",
	RunE:  runDBBootstrapOffers,
}

func init() {
	rootCmd.AddCommand(dbBootstrapOffersCmd)
	dbBootstrapOffersCmd.Flags().StringVar(&bootstrapCurrency, "currency", "USD", "default currency when --coverage is not set")
	dbBootstrapOffersCmd.Flags().StringVar(&bootstrapCountry, "country", "US", "default country when --coverage is not set")
	dbBootstrapOffersCmd.Flags().StringVar(&bootstrapCoverage, "coverage", "", "coverage spec, e.g. GB:GBP,CA:CAD:2 (overrides --currency/--country)")
	dbBootstrapOffersCmd.Flags().StringVar(&bootstrapRetailerName, "retailer-name", "", "retailer display name to bootstrap offers under")
	dbBootstrapOffersCmd.Flags().StringVar(&bootstrapRetailerSlug, "retailer-slug", "", "retailer slug to bootstrap offers under")
	dbBootstrapOffersCmd.Flags().IntVar(&bootstrapLimit, "limit", 0, "max sellables to cover (0 = unbounded)")
	dbBootstrapOffersCmd.Flags().IntVar(&bootstrapChunkSize, "chunk-size", 250, "offer-write batch size")
	dbBootstrapOffersCmd.Flags().BoolVar(&bootstrapDryRun, "dry-run", false, "report counts without writing")
}

func runDBBootstrapOffers(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	coverage := bootstrapCoverage
	if coverage == "" {
		coverage = fmt.Sprintf("%s:%s", bootstrapCountry, bootstrapCurrency)
	}
	opts := orchestrator.Options{
		BootstrapCoverage:     coverage,
		BootstrapRetailerName: bootstrapRetailerName,
		BootstrapRetailerSlug: bootstrapRetailerSlug,
		BootstrapChunkSize:    bootstrapChunkSize,
		BootstrapLimit:        bootstrapLimit,
		DryRun:                bootstrapDryRun,
	}
	n, err := orchestrator.BootstrapOffers(ctx, database.Pool(), *logger, opts)
	if err != nil {
		return err
	}
	if bootstrapDryRun {
		fmt.Printf("would create %d offer_jurisdiction rows\n", n)
	} else {
		fmt.Printf("created %d offer_jurisdiction rows\n", n)
	}
	return nil
}
