package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/kosarica/game-ingest/internal/database"
	"github.com/kosarica/game-ingest/internal/orchestrator"
	"github.com/kosarica/game-ingest/internal/providers"
	"github.com/kosarica/game-ingest/internal/schema"
	"github.com/spf13/cobra"
)

var (
	uiSkipBackfill  bool
	uiSkipBootstrap bool
	uiSkipPSSeed    bool
	uiDryRun        bool
	uiLoopSecs      int
	uiMaxLoops      int
	uiSkipProviders string

	uiBackfillChunkSize int
	uiBackfillLimit     int
	uiBootstrapCoverage string
)

// unifiedIngestCmd drives the full spec §4.8 sequence in one invocation.
var unifiedIngestCmd = &cobra.Command{
	Use:   "unified-ingest",
	Short: "Run backfill, bootstrap, PS seed, then the bounded provider fan-out loop",
	RunE:  runUnifiedIngest,
}

func init() {
	rootCmd.AddCommand(unifiedIngestCmd)
	unifiedIngestCmd.Flags().BoolVar(&uiSkipBackfill, "skip-backfill", false, "skip sellable backfill")
	unifiedIngestCmd.Flags().BoolVar(&uiSkipBootstrap, "skip-bootstrap", false, "skip offer/jurisdiction bootstrap")
	unifiedIngestCmd.Flags().BoolVar(&uiSkipPSSeed, "skip-ps-seed", false, "skip the PS Store seed pipeline")
	unifiedIngestCmd.Flags().BoolVar(&uiDryRun, "dry-run", false, "report counts without writing, skip PS seed and provider fan-out")
	unifiedIngestCmd.Flags().IntVar(&uiLoopSecs, "loop-secs", 0, "if set, repeat the provider fan-out on this interval")
	unifiedIngestCmd.Flags().IntVar(&uiMaxLoops, "max-loops", 0, "max fan-out iterations when --loop-secs is set (0 = unbounded)")
	unifiedIngestCmd.Flags().StringVar(&uiSkipProviders, "skip-providers", "", "comma-separated provider slugs to exclude from fan-out, e.g. xbox-store,rawg")
	unifiedIngestCmd.Flags().IntVar(&uiBackfillChunkSize, "backfill-chunk-size", 250, "sellable-backfill insert batch size")
	unifiedIngestCmd.Flags().IntVar(&uiBackfillLimit, "backfill-limit", 0, "max products to backfill (0 = unbounded)")
	unifiedIngestCmd.Flags().StringVar(&uiBootstrapCoverage, "bootstrap-coverage", "US:USD", "coverage spec, e.g. GB:GBP,CA:CAD:2")
}

func runUnifiedIngest(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	db := database.Pool()

	probe := schema.NewProbe(db)
	caps, err := probe.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("unified-ingest: resolve schema capabilities: %w", err)
	}

	disabled := make(map[string]bool)
	for _, slug := range strings.Split(uiSkipProviders, ",") {
		slug = strings.TrimSpace(slug)
		if slug != "" {
			disabled[slug] = true
		}
	}

	opts := orchestrator.Options{
		SkipBackfill:      uiSkipBackfill,
		SkipBootstrap:     uiSkipBootstrap,
		SkipPSSeed:        uiSkipPSSeed,
		DryRun:            uiDryRun,
		BackfillChunkSize: uiBackfillChunkSize,
		BackfillLimit:     uiBackfillLimit,
		BootstrapCoverage: uiBootstrapCoverage,
		DisabledProviders: disabled,
		LoopSecs:          uiLoopSecs,
		MaxLoops:          uiMaxLoops,
	}

	result, err := orchestrator.Run(ctx, db, caps, *logger, opts)
	if err != nil {
		return fmt.Errorf("unified-ingest: %w", err)
	}

	fmt.Printf("backfilled %d sellables, bootstrapped %d offer_jurisdictions, %d loop(s)\n",
		result.BackfilledSellables, result.BootstrappedOffers, result.Loops)
	for _, slug := range []string{
		providers.SlugPSStore, providers.SlugSteam, providers.SlugXbox, providers.SlugIGDB,
		providers.SlugNexarda, providers.SlugGiantBomb, providers.SlugRAWG, providers.SlugTGDB, providers.SlugITAD,
	} {
		if n, ok := result.ProviderItems[slug]; ok {
			fmt.Printf("  %s: %d items\n", slug, n)
		}
	}
	return nil
}
