package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string         `toml:"environment"` // "development" relaxes seed URL validation for test servers
	Crawler     CrawlerConfig  `toml:"crawler"`
	Fetch       FetchConfig    `toml:"fetch"`
	Content     ContentConfig  `toml:"content"`
	Language    LanguageConfig `toml:"language"`
	Storage     StorageConfig  `toml:"storage"`
	Dedup       DedupConfig    `toml:"deduplication"`
	Logging     LoggingConfig  `toml:"logging"`
}

// CrawlerConfig controls the crawl loop itself
type CrawlerConfig struct {
	StartURL           string `toml:"start_url" validate:"required,url"`
	MaxDepth           int    `toml:"max_depth" validate:"min=0"`
	StateDir           string `toml:"state_dir"`           // Directory for resumable state files
	CheckpointInterval int    `toml:"checkpoint_interval"` // Save state every N processed URLs
	MaxEmptyChecks     int    `toml:"max_empty_checks"`    // Consecutive empty polls before terminating
	EmptyCheckDelay    string `toml:"empty_check_delay"`   // e.g. "500ms" - wait between empty polls
}

// FetchConfig controls HTTP behavior, pacing and the failure dialog
type FetchConfig struct {
	UserAgent          string `toml:"user_agent"`
	RequestDelay       string `toml:"request_delay" validate:"required"`   // e.g. "1s" - pacing floor between requests
	RequestTimeout     string `toml:"request_timeout" validate:"required"` // e.g. "30s"
	MaxRetries         int    `toml:"max_retries" validate:"min=0"`
	RetryBackoffBase   string `toml:"retry_backoff_base"`  // e.g. "2s" - doubled per attempt
	ConnectivityURL    string `toml:"connectivity_url"`    // Probe target when all retries fail
	MaxContinueCycles  int    `toml:"max_continue_cycles"` // Operator continue cycles before forced skip
	InteractivePrompts bool   `toml:"interactive_prompts"` // Ask the operator on persistent failures
}

// ContentConfig controls the HTML to markdown pipeline
type ContentConfig struct {
	MinContentLength int `toml:"min_content_length" validate:"min=0"` // Shorter outputs are processing errors
}

// LanguageConfig controls language detection and filtering
type LanguageConfig struct {
	Enabled          bool     `toml:"enabled"`
	AllowedLanguages []string `toml:"allowed_languages"`
}

// StorageConfig controls where and how documents land on disk
type StorageConfig struct {
	OutputDir        string `toml:"output_dir" validate:"required"`
	OrganizeBy       string `toml:"organize_by" validate:"oneof=flat category type date"`
	CreateSubfolders bool   `toml:"create_subfolders"`
}

// DedupConfig controls URL canonicalization before duplicate checks
type DedupConfig struct {
	NormalizeURLs   bool `toml:"normalize_urls"`
	RemoveFragments bool `toml:"remove_fragments"`
	SortQueryParams bool `toml:"sort_query_params"`
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for stability; only user-facing
// settings should be exposed in wikicrawl.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "production",
		Crawler: CrawlerConfig{
			StartURL:           "https://en.wikipedia.org/wiki/Category:Linguistics",
			MaxDepth:           2,
			StateDir:           "./state",
			CheckpointInterval: 10,
			MaxEmptyChecks:     10,
			EmptyCheckDelay:    "500ms",
		},
		Fetch: FetchConfig{
			UserAgent:          "WikipediaCrawler/1.0 (Educational Research Project; Contact: researcher@example.com)",
			RequestDelay:       "1s",
			RequestTimeout:     "30s",
			MaxRetries:         3,
			RetryBackoffBase:   "2s",
			ConnectivityURL:    "https://www.google.com",
			MaxContinueCycles:  3,
			InteractivePrompts: true,
		},
		Content: ContentConfig{
			MinContentLength: 20,
		},
		Language: LanguageConfig{
			Enabled:          true,
			AllowedLanguages: []string{"en", "zh-cn", "zh"},
		},
		Storage: StorageConfig{
			OutputDir:        "./crawled_data",
			OrganizeBy:       "category",
			CreateSubfolders: false,
		},
		Dedup: DedupConfig{
			NormalizeURLs:   true,
			RemoveFragments: true,
			SortQueryParams: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority:
// default -> file1 -> file2 -> ... -> env -> CLI. Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies WIKICRAWL_* environment variable overrides
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("WIKICRAWL_ENV"); env != "" {
		config.Environment = env
	}
	if url := os.Getenv("WIKICRAWL_START_URL"); url != "" {
		config.Crawler.StartURL = url
	}
	if depth := os.Getenv("WIKICRAWL_MAX_DEPTH"); depth != "" {
		if d, err := strconv.Atoi(depth); err == nil {
			config.Crawler.MaxDepth = d
		}
	}
	if dir := os.Getenv("WIKICRAWL_STATE_DIR"); dir != "" {
		config.Crawler.StateDir = dir
	}
	if delay := os.Getenv("WIKICRAWL_REQUEST_DELAY"); delay != "" {
		config.Fetch.RequestDelay = delay
	}
	if timeout := os.Getenv("WIKICRAWL_REQUEST_TIMEOUT"); timeout != "" {
		config.Fetch.RequestTimeout = timeout
	}
	if retries := os.Getenv("WIKICRAWL_MAX_RETRIES"); retries != "" {
		if r, err := strconv.Atoi(retries); err == nil {
			config.Fetch.MaxRetries = r
		}
	}
	if ua := os.Getenv("WIKICRAWL_USER_AGENT"); ua != "" {
		config.Fetch.UserAgent = ua
	}
	if dir := os.Getenv("WIKICRAWL_OUTPUT_DIR"); dir != "" {
		config.Storage.OutputDir = dir
	}
	if organize := os.Getenv("WIKICRAWL_ORGANIZE_BY"); organize != "" {
		config.Storage.OrganizeBy = organize
	}
	if langs := os.Getenv("WIKICRAWL_ALLOWED_LANGUAGES"); langs != "" {
		parts := []string{}
		for _, p := range strings.Split(langs, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				parts = append(parts, trimmed)
			}
		}
		if len(parts) > 0 {
			config.Language.AllowedLanguages = parts
		}
	}
	if level := os.Getenv("WIKICRAWL_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("WIKICRAWL_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority)
func ApplyFlagOverrides(config *Config, startURL, outputDir string, maxDepth int) {
	if startURL != "" {
		config.Crawler.StartURL = startURL
	}
	if outputDir != "" {
		config.Storage.OutputDir = outputDir
	}
	if maxDepth >= 0 {
		config.Crawler.MaxDepth = maxDepth
	}
}

// Validate checks the configuration for structural and semantic errors
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	for _, field := range []struct {
		name  string
		value string
	}{
		{"crawler.empty_check_delay", c.Crawler.EmptyCheckDelay},
		{"fetch.request_delay", c.Fetch.RequestDelay},
		{"fetch.request_timeout", c.Fetch.RequestTimeout},
		{"fetch.retry_backoff_base", c.Fetch.RetryBackoffBase},
	} {
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("invalid configuration: %s: %w", field.name, err)
		}
	}

	return nil
}

// RequestDelayDuration returns the parsed pacing floor between requests
func (c *FetchConfig) RequestDelayDuration() time.Duration {
	return parseDurationOr(c.RequestDelay, time.Second)
}

// RequestTimeoutDuration returns the parsed HTTP request timeout
func (c *FetchConfig) RequestTimeoutDuration() time.Duration {
	return parseDurationOr(c.RequestTimeout, 30*time.Second)
}

// RetryBackoffBaseDuration returns the parsed initial retry backoff
func (c *FetchConfig) RetryBackoffBaseDuration() time.Duration {
	return parseDurationOr(c.RetryBackoffBase, 2*time.Second)
}

// EmptyCheckDelayDuration returns the parsed wait between empty queue polls
func (c *CrawlerConfig) EmptyCheckDelayDuration() time.Duration {
	return parseDurationOr(c.EmptyCheckDelay, 500*time.Millisecond)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
