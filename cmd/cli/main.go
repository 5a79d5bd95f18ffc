package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/kosarica/game-ingest/config"
	"github.com/kosarica/game-ingest/internal/database"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	dbURL   string
	cfg     *config.Config
	logger  *zerolog.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "gameingest",
	Short: "Multi-provider game catalog and pricing ingestion admin CLI",
	Long: `Admin CLI for the game-catalog and pricing ingestion platform: entity
backfill/bootstrap, the unified provider ingest orchestrator, and read-only
database reporting.`,
	PersistentPreRunE: persistentPreRun,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Persistent flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config/config.yaml or ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", "", "Postgres DSN override (defaults to SUPABASE_IPV6_DB/SUPABASE_DB_URL/DATABASE_URL)")
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		// Config is optional for some commands, don't fail here
		fmt.Fprintf(os.Stderr, "Warning: failed to load config: %v\n", err)
	}
}

// persistentPreRun runs before each command and initializes dependencies
func persistentPreRun(cmd *cobra.Command, args []string) error {
	// Skip initialization for commands that don't need database/config
	if cmd.Name() == "help" || cmd.Name() == "completion" {
		return nil
	}

	// Initialize logger (use console format for CLI)
	logger = initLogger()

	// Every subcommand except exchange-sync (a black-box collaborator
	// shim) and help/completion talks to Postgres.
	cmdNeedsDB := cmd.Name() != "exchange-sync"

	if cmdNeedsDB {
		if cfg == nil {
			return fmt.Errorf("config required for %s command but not loaded", cmd.Name())
		}
		if err := initDatabase(); err != nil {
			return fmt.Errorf("database initialization failed: %w", err)
		}
		logger.Info().Msg("Database connected")
	}

	return nil
}

func initLogger() *zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level := zerolog.InfoLevel
	if cfg != nil && cfg.Logging.Level != "" {
		if parsedLevel, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
			level = parsedLevel
		}
	}

	// Always use console format for CLI
	noColor := false
	if cfg != nil {
		noColor = cfg.Logging.NoColor
	}
	var output io.Writer = zerolog.ConsoleWriter{Out: os.Stdout, NoColor: noColor}

	log := zerolog.New(output).Level(level).With().Timestamp().Logger()
	return &log
}

func initDatabase() error {
	resolved := dbURL
	if resolved == "" {
		resolved = config.GetDatabaseURL()
	}
	if resolved == "" {
		return fmt.Errorf("no database URL: set --db-url or SUPABASE_IPV6_DB/SUPABASE_DB_URL/DATABASE_URL")
	}

	ctx := context.Background()
	if err := database.Connect(
		ctx,
		resolved,
		cfg.Database.MaxConnections,
		cfg.Database.MinConnections,
		cfg.Database.MaxConnLifetime,
		cfg.Database.MaxConnIdleTime,
	); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	return nil
}

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
