package app

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"cidrforge/internal/app/version"
	"cidrforge/internal/asncidr"
	"cidrforge/internal/config"
	"cidrforge/internal/pipeline"
	"cidrforge/internal/support"
)

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	if support.GetEnvBool("DEBUG", false) {
		log.SetLevel(log.DebugLevel)
	}

	configFlag := flag.String("config", config.DefaultPath, "Path to the TOML config file")
	queriesFlag := flag.String("queries", "", "Path to the extraction query list")
	queryFlag := flag.String("query", "", "Run a single extraction query against the local datasets and exit")
	dryRunFlag := flag.Bool("dry-run", false, "Generate the output tree without publishing it")
	versionFlag := flag.Bool("version", false, "Print version information and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("cidrforge %s\n", version.Get())
		return nil
	}

	cfg, err := config.Load(*configFlag, *configFlag == config.DefaultPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	setupLogging(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *queryFlag != "" {
		return runSingleQuery(ctx, cfg, *queryFlag)
	}

	queries, err := asncidr.LoadQueries(resolveQueriesPath(*queriesFlag, cfg))
	if err != nil {
		return fmt.Errorf("load queries: %w", err)
	}
	if len(queries) == 0 {
		log.Warn("Query list is empty, only the filtered anycast lists will be generated")
	}

	return pipeline.Run(ctx, cfg, queries, pipeline.Options{DryRun: *dryRunFlag})
}

// runSingleQuery extracts one ad hoc query from the datasets already on disk,
// skipping the download and publish steps.
func runSingleQuery(ctx context.Context, cfg config.Settings, raw string) error {
	query, err := asncidr.ParseQuery(raw)
	if err != nil {
		return fmt.Errorf("parse query: %w", err)
	}

	outcome, err := asncidr.Run(ctx, []asncidr.Query{query}, cfg.Datasets.Dir, cfg.Output.Dir, cfg.Extract.Aggregate)
	if err != nil {
		return err
	}

	log.Info("Query extracted", "query", query.String(), "rows", outcome.Rows, "prefixes", outcome.Prefixes)
	return nil
}

func resolveQueriesPath(flagValue string, cfg config.Settings) string {
	if flagValue != "" {
		return flagValue
	}
	if cfg.Extract.QueriesFile != "" {
		return cfg.Extract.QueriesFile
	}
	return config.DefaultQueriesFile
}

func setupLogging(cfg config.LoggingConfig) {
	if cfg.File == "" {
		return
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, rotator))
	log.Debug("File logging enabled", "path", cfg.File)
}
