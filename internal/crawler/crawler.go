package crawler

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/wikicrawl/internal/common"
	"github.com/ternarybob/wikicrawl/internal/storage"
)

// State file names inside the configured state directory
const (
	queueStateFile    = "queue_state.json"
	dedupStateFile    = "deduplication_state.json"
	progressStateFile = "progress_state.json"
)

// SessionStats covers the current process lifetime only, as opposed to
// the cumulative counters that survive restarts.
type SessionStats struct {
	SessionID     string `json:"session_id"`
	StartedAt     string `json:"started_at"`
	URLsProcessed int    `json:"urls_processed"`
	Errors        int    `json:"errors"`
	Resumed       bool   `json:"resumed"`
}

// DetailedStats aggregates every component's counters for the summary
type DetailedStats struct {
	Session  SessionStats       `json:"session"`
	Status   CrawlStatus        `json:"status"`
	Queue    QueueStats         `json:"queue"`
	Dedup    DedupStats         `json:"deduplication"`
	Fetch    FetchStats         `json:"fetch"`
	Storage  storage.StoreStats `json:"storage"`
	Language map[string]int     `json:"language_stats"`
	Errors   map[string]int     `json:"error_summary"`
}

// Crawler drives the breadth-first crawl: it owns the frontier, the
// dedup registry, the fetcher, the handlers and the stores, and runs
// the single-threaded processing loop.
type Crawler struct {
	config   *common.Config
	logger   arbor.ILogger
	session  SessionStats
	queue    *URLQueue
	dedup    *DedupRegistry
	progress *ProgressTracker
	fetcher  *Fetcher
	pipeline *ContentPipeline
	language *LanguageFilter
	category *CategoryHandler
	store    *storage.FileStore
}

// Option customizes crawler construction, mainly for tests
type Option func(*Crawler)

// WithFetcher replaces the fetch layer
func WithFetcher(f *Fetcher) Option {
	return func(c *Crawler) { c.fetcher = f }
}

// WithDetector replaces the language detection backend
func WithDetector(d Detector) Option {
	return func(c *Crawler) { c.language.SetDetector(d) }
}

// New validates the seed URL and wires up all crawl components
func New(config *common.Config, logger arbor.ILogger, opts ...Option) (*Crawler, error) {
	seed := config.Crawler.StartURL
	if err := validateSeedURL(seed, config.Environment); err != nil {
		return nil, fmt.Errorf("invalid start URL: %w", err)
	}

	stateDir := config.Crawler.StateDir
	if stateDir == "" {
		stateDir = "./state"
	}

	store, err := storage.NewFileStore(storage.Options{
		OutputDir:        config.Storage.OutputDir,
		OrganizeBy:       config.Storage.OrganizeBy,
		CreateSubfolders: config.Storage.CreateSubfolders,
		CategoryFolder:   CategoryFolderName(seed),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	c := &Crawler{
		config: config,
		logger: logger,
		session: SessionStats{
			SessionID: uuid.NewString(),
			StartedAt: time.Now().UTC().Format(time.RFC3339),
		},
		queue: NewURLQueue(filepath.Join(stateDir, queueStateFile), logger),
		dedup: NewDedupRegistry(DedupSettings{
			NormalizeURLs:   config.Dedup.NormalizeURLs,
			RemoveFragments: config.Dedup.RemoveFragments,
			SortQueryParams: config.Dedup.SortQueryParams,
		}, filepath.Join(stateDir, dedupStateFile), logger),
		progress: NewProgressTracker(filepath.Join(stateDir, progressStateFile), logger),
		fetcher:  NewFetcher(config.Fetch, logger),
		pipeline: NewContentPipeline(config.Content.MinContentLength, logger),
		language: NewLanguageFilter(config.Language.Enabled, config.Language.AllowedLanguages, logger),
		category: NewCategoryHandler(config.Crawler.MaxDepth, logger),
		store:    store,
	}

	c.queue.SetCanonicalizer(c.dedup.Canonicalize)

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// validateSeedURL enforces that production crawls start inside
// wikipedia. Development mode admits test servers.
func validateSeedURL(seed, environment string) error {
	u, err := url.Parse(seed)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if !strings.HasPrefix(u.Path, "/wiki/") {
		return fmt.Errorf("path must start with /wiki/, got %q", u.Path)
	}
	if environment != "development" && !strings.Contains(u.Host, "wikipedia.org") {
		return fmt.Errorf("host %q is not a wikipedia host", u.Host)
	}
	return nil
}

// CategoryFolderName derives the output subfolder for the category
// layout from the seed URL.
func CategoryFolderName(seed string) string {
	if ClassifyURL(seed) != URLTypeCategory {
		return "General_Crawl"
	}

	u, err := url.Parse(seed)
	if err != nil {
		return "General_Crawl"
	}
	segment := u.Path[strings.LastIndex(u.Path, "/")+1:]
	if unescaped, err := url.PathUnescape(segment); err == nil {
		segment = unescaped
	}
	name := strings.TrimPrefix(segment, "Category:")
	if name == "" {
		return "General_Crawl"
	}
	return "Category_" + name
}

// Run executes the crawl until the frontier drains or ctx is canceled.
// State is checkpointed periodically and always saved on the way out.
func (c *Crawler) Run(ctx context.Context) error {
	if err := c.loadState(); err != nil {
		return err
	}

	seed := c.config.Crawler.StartURL
	c.session.Resumed = c.queue.Size() > 0 || c.dedup.ProcessedCount() > 0

	if c.queue.Size() == 0 && !c.dedup.IsProcessed(seed) {
		c.queue.Add(NewURLItem(seed, ClassifyURL(seed), 0))
		c.logger.Info().Str("url", seed).Msg("Seeded crawl frontier")
	}

	c.progress.StartCrawling(seed)
	c.logger.Info().
		Str("session", c.session.SessionID).
		Str("start_url", seed).
		Int("max_depth", c.config.Crawler.MaxDepth).
		Bool("resumed", c.session.Resumed).
		Msg("Crawl started")

	defer func() {
		c.progress.StopCrawling()
		if err := c.saveState(); err != nil {
			c.logger.Error().Err(err).Msg("Failed to save state at shutdown")
		}
		c.logSummary()
	}()

	emptyChecks := 0
	maxEmpty := c.config.Crawler.MaxEmptyChecks
	if maxEmpty <= 0 {
		maxEmpty = 10
	}
	checkpoint := c.config.Crawler.CheckpointInterval
	if checkpoint <= 0 {
		checkpoint = 10
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("Shutdown requested, stopping crawl loop")
			return nil
		default:
		}

		item, ok := c.queue.Next()
		if !ok {
			emptyChecks++
			if emptyChecks >= maxEmpty {
				c.logger.Info().Int("checks", emptyChecks).Msg("Frontier drained, crawl complete")
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.config.Crawler.EmptyCheckDelayDuration()):
			}
			continue
		}
		emptyChecks = 0

		if !c.dedup.MarkProcessed(item.URL) {
			c.queue.MarkCompleted(item.URL)
			c.logger.Debug().Str("url", item.URL).Msg("Duplicate URL skipped")
			continue
		}
		c.queue.MarkCompleted(item.URL)

		c.processItem(ctx, item)

		c.progress.SetPendingURLs(c.queue.Size())
		c.session.URLsProcessed++
		if c.session.URLsProcessed%checkpoint == 0 {
			if err := c.saveState(); err != nil {
				c.logger.Error().Err(err).Msg("Checkpoint save failed")
			}
		}
	}
}

func (c *Crawler) processItem(ctx context.Context, item URLItem) {
	result, err := c.fetcher.Fetch(ctx, item.URL)
	if err != nil {
		c.session.Errors++
		c.progress.Update(item.URL, StatusError, item.Type, "", err.Error())
		if IsSkip(err) {
			c.logger.Warn().Str("url", item.URL).Msg("URL skipped after persistent failures")
		} else {
			c.logger.Error().Err(err).Str("url", item.URL).Msg("Fetch failed")
		}
		return
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(result.Body))
	if err != nil {
		c.session.Errors++
		msg := fmt.Sprintf("content processing failed: %v", err)
		c.progress.Update(item.URL, StatusError, item.Type, "", msg)
		return
	}

	switch ClassifyPage(item.URL, doc) {
	case URLTypeCategory:
		c.processCategory(item, doc)
	default:
		c.processArticle(item, result)
	}
}

func (c *Crawler) processCategory(item URLItem, doc *goquery.Document) {
	record, next := c.category.Process(item, doc)

	if _, err := c.store.Save(record.Title, true, record); err != nil {
		c.session.Errors++
		c.progress.Update(item.URL, StatusError, URLTypeCategory, "", err.Error())
		c.logger.Error().Err(err).Str("url", item.URL).Msg("Failed to save category")
		return
	}

	fresh := next[:0]
	for _, n := range next {
		if !c.dedup.IsProcessed(n.URL) {
			fresh = append(fresh, n)
		}
	}

	accepted := c.queue.AddBatch(fresh)
	c.progress.Update(item.URL, StatusSuccess, URLTypeCategory, "", "")
	c.logger.Debug().
		Str("url", item.URL).
		Int("discovered", len(next)).
		Int("enqueued", accepted).
		Msg("Category links enqueued")
}

func (c *Crawler) processArticle(item URLItem, result *FetchResult) {
	markdown, err := c.pipeline.Process(result.Body, item.URL)
	if err != nil {
		c.session.Errors++
		c.progress.Update(item.URL, StatusError, URLTypeArticle, "", err.Error())
		c.logger.Warn().Err(err).Str("url", item.URL).Msg("Content extraction failed")
		return
	}

	language, allowed := c.language.Check(item.URL, markdown)
	if !allowed {
		c.progress.Update(item.URL, StatusFiltered, URLTypeArticle, language, "")
		c.logger.Debug().
			Str("url", item.URL).
			Str("language", language).
			Msg("Article filtered by language")
		return
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(result.Body))
	if err != nil {
		doc = nil
	}

	record := &ArticleDocument{
		URL:           item.URL,
		Title:         PageTitle(doc, item.URL),
		Type:          string(URLTypeArticle),
		Language:      language,
		Depth:         item.Depth,
		Content:       markdown,
		ContentLength: len(markdown),
		CrawledAt:     result.FetchedAt.Format(time.RFC3339),
	}

	if _, err := c.store.Save(record.Title, false, record); err != nil {
		c.session.Errors++
		c.progress.Update(item.URL, StatusError, URLTypeArticle, language, err.Error())
		c.logger.Error().Err(err).Str("url", item.URL).Msg("Failed to save article")
		return
	}

	c.progress.Update(item.URL, StatusSuccess, URLTypeArticle, language, "")
}

func (c *Crawler) loadState() error {
	if err := c.queue.Load(); err != nil {
		return err
	}
	if err := c.dedup.Load(); err != nil {
		return err
	}
	return c.progress.Load()
}

func (c *Crawler) saveState() error {
	if err := c.queue.Save(); err != nil {
		return err
	}
	if err := c.dedup.Save(); err != nil {
		return err
	}
	return c.progress.Save()
}

// Stats aggregates every component's counters
func (c *Crawler) Stats() DetailedStats {
	return DetailedStats{
		Session:  c.session,
		Status:   c.progress.Status(),
		Queue:    c.queue.Stats(),
		Dedup:    c.dedup.Stats(),
		Fetch:    c.fetcher.Stats(),
		Storage:  c.store.Stats(),
		Language: c.progress.LanguageStats(),
		Errors:   c.progress.ErrorSummary(),
	}
}

func (c *Crawler) logSummary() {
	stats := c.Stats()

	c.logger.Info().
		Str("session", stats.Session.SessionID).
		Bool("resumed", stats.Session.Resumed).
		Int("session_urls", stats.Session.URLsProcessed).
		Int("total_processed", stats.Status.TotalProcessed).
		Int("categories", stats.Status.CategoriesProcessed).
		Int("articles", stats.Status.ArticlesProcessed).
		Int("filtered", stats.Status.FilteredCount).
		Int("errors", stats.Status.ErrorCount).
		Msg("Crawl summary")

	for lang, count := range stats.Language {
		c.logger.Info().Str("language", lang).Int("pages", count).Msg("Language distribution")
	}
	for category, count := range stats.Errors {
		c.logger.Info().Str("category", category).Int("count", count).Msg("Error distribution")
	}

	c.logger.Info().
		Int("files", stats.Storage.TotalFiles).
		Int64("bytes", stats.Storage.TotalBytes).
		Str("output_dir", stats.Storage.OutputDir).
		Msg("Output summary")
}
