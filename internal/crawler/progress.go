package crawler

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/wikicrawl/internal/storage"
)

const recentActivityLimit = 100

// Error categories reported in the crawl summary
const (
	ErrCategoryConnectivity = "connectivity_skip"
	ErrCategoryNetwork      = "network_error"
	ErrCategoryNotFound     = "page_not_found"
	ErrCategoryDenied       = "access_denied"
	ErrCategoryContent      = "content_processing_error"
	ErrCategoryStorage      = "storage_error"
	ErrCategoryOther        = "other_error"
)

// CategorizeError maps an error message onto a summary category.
// Rules are ordered; the first substring match wins.
func CategorizeError(msg string) string {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "skipped") || strings.Contains(lower, "circuit breaker"):
		return ErrCategoryConnectivity
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "connection"):
		return ErrCategoryNetwork
	case strings.Contains(lower, "not found") || strings.Contains(lower, "404"):
		return ErrCategoryNotFound
	case strings.Contains(lower, "permission") || strings.Contains(lower, "forbidden"):
		return ErrCategoryDenied
	case strings.Contains(lower, "content") || strings.Contains(lower, "processing"):
		return ErrCategoryContent
	case strings.Contains(lower, "save") || strings.Contains(lower, "storage"):
		return ErrCategoryStorage
	default:
		return ErrCategoryOther
	}
}

// CrawlStatus is the live view of the crawl carried in the progress file
type CrawlStatus struct {
	IsRunning           bool   `json:"is_running"`
	TotalProcessed      int    `json:"total_processed"`
	PendingURLs         int    `json:"pending_urls"`
	CategoriesProcessed int    `json:"categories_processed"`
	ArticlesProcessed   int    `json:"articles_processed"`
	FilteredCount       int    `json:"filtered_count"`
	ErrorCount          int    `json:"error_count"`
	StartTime           string `json:"start_time"`
	LastActivity        string `json:"last_activity"`
}

// TrackerStats counts tracker-internal events
type TrackerStats struct {
	TotalUpdates int `json:"total_updates"`
	StateSaves   int `json:"state_saves"`
	StateLoads   int `json:"state_loads"`
}

// ProgressTracker accumulates per-URL outcomes, language and error
// histograms, and a bounded recent-activity ring for operator feedback.
type ProgressTracker struct {
	mu            sync.Mutex
	status        CrawlStatus
	recent        []string
	languageStats map[string]int
	errorSummary  map[string]int
	urlStatus     map[string]string
	urlTypes      map[string]string
	urlTimestamps map[string]string
	stats         TrackerStats

	statePath string
	logger    arbor.ILogger
}

// NewProgressTracker creates an empty tracker persisting to statePath
func NewProgressTracker(statePath string, logger arbor.ILogger) *ProgressTracker {
	return &ProgressTracker{
		recent:        []string{},
		languageStats: make(map[string]int),
		errorSummary:  make(map[string]int),
		urlStatus:     make(map[string]string),
		urlTypes:      make(map[string]string),
		urlTimestamps: make(map[string]string),
		statePath:     statePath,
		logger:        logger,
	}
}

// StartCrawling marks the session start in the activity ring
func (p *ProgressTracker) StartCrawling(seedURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	p.status.IsRunning = true
	if p.status.StartTime == "" {
		p.status.StartTime = now.UTC().Format(time.RFC3339)
	}
	p.status.LastActivity = now.UTC().Format(time.RFC3339)
	p.appendActivityLocked(fmt.Sprintf("%s CRAWL STARTED: %s", now.Format("15:04:05"), seedURL))
}

// StopCrawling marks the session end in the activity ring
func (p *ProgressTracker) StopCrawling() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	p.status.IsRunning = false
	p.status.LastActivity = now.UTC().Format(time.RFC3339)
	p.appendActivityLocked(fmt.Sprintf("%s CRAWL STOPPED", now.Format("15:04:05")))
}

// Update records the terminal outcome of one URL
func (p *ProgressTracker) Update(url string, status ProcessStatus, urlType URLType, language, errMsg string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	p.stats.TotalUpdates++
	p.status.TotalProcessed++
	p.status.LastActivity = now.UTC().Format(time.RFC3339)

	switch status {
	case StatusSuccess:
		if urlType == URLTypeCategory {
			p.status.CategoriesProcessed++
		} else {
			p.status.ArticlesProcessed++
		}
	case StatusFiltered:
		p.status.FilteredCount++
	case StatusError:
		p.status.ErrorCount++
		p.errorSummary[CategorizeError(errMsg)]++
	}

	if language != "" {
		p.languageStats[language]++
	}

	p.urlStatus[url] = string(status)
	p.urlTypes[url] = string(urlType)
	p.urlTimestamps[url] = now.UTC().Format(time.RFC3339)

	line := fmt.Sprintf("%s %s", now.Format("15:04:05"), strings.ToUpper(string(status)))
	if language != "" {
		line += fmt.Sprintf(" (%s)", language)
	}
	if errMsg != "" {
		line += " - " + truncateMessage(errMsg, 80)
	}
	line += ": " + url
	p.appendActivityLocked(line)
}

// SetPendingURLs pushes the frontier size into the live status
func (p *ProgressTracker) SetPendingURLs(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.PendingURLs = n
}

// Status returns a snapshot of the live crawl status
func (p *ProgressTracker) Status() CrawlStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// LanguageStats returns a copy of the language histogram
func (p *ProgressTracker) LanguageStats() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return copyCounts(p.languageStats)
}

// ErrorSummary returns a copy of the error-category histogram
func (p *ProgressTracker) ErrorSummary() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return copyCounts(p.errorSummary)
}

// RecentActivity returns a copy of the activity ring, oldest first
func (p *ProgressTracker) RecentActivity() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.recent))
	copy(out, p.recent)
	return out
}

func (p *ProgressTracker) appendActivityLocked(line string) {
	p.recent = append(p.recent, line)
	if len(p.recent) > recentActivityLimit {
		p.recent = p.recent[len(p.recent)-recentActivityLimit:]
	}
}

// progressState is the persisted form of the tracker
type progressState struct {
	Status        CrawlStatus       `json:"status"`
	RecentURLs    []string          `json:"recent_urls"`
	LanguageStats map[string]int    `json:"language_stats"`
	ErrorSummary  map[string]int    `json:"error_summary"`
	URLStatus     map[string]string `json:"url_status"`
	URLTypes      map[string]string `json:"url_types"`
	URLTimestamps map[string]string `json:"url_timestamps"`
	Stats         TrackerStats      `json:"stats"`
	SavedAt       string            `json:"saved_at"`
	Version       string            `json:"version"`
}

// Save writes the tracker to its state file atomically
func (p *ProgressTracker) Save() error {
	p.mu.Lock()
	p.stats.StateSaves++
	state := progressState{
		Status:        p.status,
		RecentURLs:    append([]string{}, p.recent...),
		LanguageStats: copyCounts(p.languageStats),
		ErrorSummary:  copyCounts(p.errorSummary),
		URLStatus:     copyStrings(p.urlStatus),
		URLTypes:      copyStrings(p.urlTypes),
		URLTimestamps: copyStrings(p.urlTimestamps),
		Stats:         p.stats,
		SavedAt:       time.Now().UTC().Format(time.RFC3339),
		Version:       "1.0",
	}
	p.mu.Unlock()

	if err := storage.WriteJSONAtomic(p.statePath, state); err != nil {
		return fmt.Errorf("failed to save progress state: %w", err)
	}

	p.logger.Debug().Int("tracked_urls", len(state.URLStatus)).Msg("Progress state saved")
	return nil
}

// Load restores the tracker from its state file. A missing file is a
// fresh crawl; an unreadable or corrupt one is reported and the
// tracker starts empty rather than blocking the crawl.
func (p *ProgressTracker) Load() error {
	var state progressState
	if err := storage.ReadJSON(p.statePath, &state); err != nil {
		if !os.IsNotExist(err) {
			p.logger.Warn().
				Err(err).
				Str("path", p.statePath).
				Msg("Progress state unreadable, starting with empty tracker")
		}
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.status = state.Status
	p.status.IsRunning = false
	p.recent = append([]string{}, state.RecentURLs...)
	p.languageStats = orEmptyCounts(state.LanguageStats)
	p.errorSummary = orEmptyCounts(state.ErrorSummary)
	p.urlStatus = orEmptyStrings(state.URLStatus)
	p.urlTypes = orEmptyStrings(state.URLTypes)
	p.urlTimestamps = orEmptyStrings(state.URLTimestamps)
	p.stats = state.Stats
	p.stats.StateLoads++

	p.logger.Info().
		Int("total_processed", p.status.TotalProcessed).
		Int("tracked_urls", len(p.urlStatus)).
		Msg("Progress state restored")
	return nil
}

func truncateMessage(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyStrings(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func orEmptyCounts(m map[string]int) map[string]int {
	if m == nil {
		return make(map[string]int)
	}
	return m
}

func orEmptyStrings(m map[string]string) map[string]string {
	if m == nil {
		return make(map[string]string)
	}
	return m
}
