package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/ternarybob/arbor"

	"cnascan/internal/common"
	"cnascan/internal/services/batch"
	"cnascan/internal/services/eligibility"
	"cnascan/internal/services/enrich"
	"cnascan/internal/services/render"
	"cnascan/internal/services/session"
	"cnascan/internal/storage/badger"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles configPaths
	inputPath   = flag.String("input", "", "Batch file with lawyer records (JSON array)")
	showVersion = flag.Bool("version", false, "Print version information")

	config *common.Config
	logger arbor.ILogger
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("CNAScan version %s\n", common.GetFullVersion())
		os.Exit(0)
	}

	// Startup sequence (REQUIRED ORDER):
	// 1. Load config (defaults -> file1 -> file2 -> ... -> env)
	// 2. Initialize logger
	// 3. Print banner
	// 4. Open storage, wire services, run the batch
	var err error

	if len(configFiles) == 0 {
		if _, err := os.Stat("cnascan.toml"); err == nil {
			configFiles = append(configFiles, "cnascan.toml")
		} else if _, err := os.Stat("deployments/local/cnascan.toml"); err == nil {
			configFiles = append(configFiles, "deployments/local/cnascan.toml")
		}
	}

	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		common.GetLogger().Fatal().Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	logger = common.InitLogger(config)
	common.PrintBanner(common.GetVersion())

	if *inputPath == "" {
		logger.Fatal().Msg("No batch file given, use -input")
		os.Exit(1)
	}
	if _, err := os.Stat(*inputPath); err != nil {
		logger.Fatal().Err(err).Str("input", *inputPath).Msg("Batch file not readable")
		os.Exit(1)
	}

	if err := run(*inputPath); err != nil {
		logger.Fatal().Err(err).Msg("Batch run failed")
		os.Exit(1)
	}
}

// run wires the services and executes the batch. Everything constructed
// here is torn down before return, whatever the outcome.
func run(inputPath string) error {
	store, err := badger.New(config.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to open blob store: %w", err)
	}
	defer store.Close()

	sessionManager := session.NewManager(config.Session, config.Proxy, config.Registry, store, logger)
	defer sessionManager.Close()

	renderProvider, err := render.NewProvider(config.Browser, config.Proxy, config.Registry, logger)
	if err != nil {
		return fmt.Errorf("failed to start render sessions: %w", err)
	}
	defer renderProvider.Shutdown()

	fetcher := enrich.NewPartnershipFetcher(renderProvider, store, config.Registry, config.Batch.Workers, logger)
	engine := enrich.NewEngine(sessionManager, fetcher, config.Registry, config.Session, logger)
	classifier := eligibility.New(config.Batch.FixStateFromID, logger)

	driver := batch.NewDriver(config.Batch, sessionManager, renderProvider, engine, classifier, store, logger)
	return driver.Run(context.Background(), inputPath)
}
