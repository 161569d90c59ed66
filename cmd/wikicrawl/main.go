package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/wikicrawl/internal/common"
	"github.com/ternarybob/wikicrawl/internal/crawler"
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
	configFiles  configPaths
	startURL     = flag.String("url", "", "Start URL (overrides config)")
	outputDir    = flag.String("output", "", "Output directory (overrides config)")
	maxDepth     = flag.Int("depth", -1, "Maximum crawl depth (overrides config)")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")

	config *common.Config
	logger arbor.ILogger
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("Wikicrawl version %s\n", common.GetVersion())
		os.Exit(0)
	}

	// Startup sequence (REQUIRED ORDER):
	// 1. Load config (defaults -> file1 -> file2 -> ... -> env)
	// 2. Apply CLI overrides (highest priority)
	// 3. Initialize logger
	// 4. Print banner
	var err error

	if len(configFiles) == 0 {
		if _, err := os.Stat("wikicrawl.toml"); err == nil {
			configFiles = append(configFiles, "wikicrawl.toml")
		}
	}

	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	common.ApplyFlagOverrides(config, *startURL, *outputDir, *maxDepth)

	if err := config.Validate(); err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Err(err).Msg("Configuration validation failed")
		os.Exit(1)
	}

	logger = common.InitLogger(config)
	common.PrintBanner(common.GetVersion())

	logger.Info().
		Strs("config_files", configFiles).
		Str("start_url", config.Crawler.StartURL).
		Int("max_depth", config.Crawler.MaxDepth).
		Str("output_dir", config.Storage.OutputDir).
		Msg("Configuration loaded")

	c, err := crawler.New(config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize crawler")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info().Msg("Interrupt received, finishing current URL and saving state")
		cancel()

		// A second signal aborts without waiting for a clean stop
		<-sigChan
		logger.Warn().Msg("Second interrupt received, aborting")
		os.Exit(1)
	}()

	if err := c.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("Crawl failed")
		os.Exit(1)
	}

	logger.Info().Msg("Crawl finished")
}
