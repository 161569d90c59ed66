package crawler

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/wikicrawl/internal/storage"
)

// DedupSettings are the canonicalization toggles. All default to on;
// turning one off widens what counts as a distinct URL.
type DedupSettings struct {
	NormalizeURLs   bool `json:"normalize_urls"`
	RemoveFragments bool `json:"remove_fragments"`
	SortQueryParams bool `json:"sort_query_params"`
}

// DefaultDedupSettings returns the standard canonicalization behavior
func DefaultDedupSettings() DedupSettings {
	return DedupSettings{
		NormalizeURLs:   true,
		RemoveFragments: true,
		SortQueryParams: true,
	}
}

// DedupStats mirrors the counters persisted in the dedup state file
type DedupStats struct {
	URLsProcessed       int    `json:"urls_processed"`
	DuplicatesPrevented int    `json:"duplicates_prevented"`
	LastUpdated         string `json:"last_updated"`
}

// DedupRegistry guarantees each canonical URL is processed at most once
// for the lifetime of a crawl, across restarts.
type DedupRegistry struct {
	mu        sync.Mutex
	processed map[string]struct{}
	settings  DedupSettings
	stats     DedupStats

	statePath string
	logger    arbor.ILogger
}

// NewDedupRegistry creates an empty registry persisting to statePath
func NewDedupRegistry(settings DedupSettings, statePath string, logger arbor.ILogger) *DedupRegistry {
	return &DedupRegistry{
		processed: make(map[string]struct{}),
		settings:  settings,
		statePath: statePath,
		logger:    logger,
	}
}

// Canonicalize reduces a URL to its duplicate-detection key. The result
// is idempotent: canonicalizing twice yields the same string.
func (d *DedupRegistry) Canonicalize(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	if d.settings.NormalizeURLs {
		u.Scheme = strings.ToLower(u.Scheme)
		u.Host = strings.ToLower(u.Host)
		if len(u.Path) > 1 {
			u.Path = strings.TrimSuffix(u.Path, "/")
		}
	}

	if d.settings.SortQueryParams && u.RawQuery != "" {
		values, err := url.ParseQuery(u.RawQuery)
		if err == nil {
			keys := make([]string, 0, len(values))
			for k := range values {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			var parts []string
			for _, k := range keys {
				vs := values[k]
				sort.Strings(vs)
				for _, v := range vs {
					parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
				}
			}
			u.RawQuery = strings.Join(parts, "&")
		}
	}

	if d.settings.RemoveFragments {
		u.Fragment = ""
	}

	return u.String()
}

// IsProcessed reports whether the URL's canonical form was seen before
func (d *DedupRegistry) IsProcessed(raw string) bool {
	key := d.Canonicalize(raw)

	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.processed[key]
	return ok
}

// MarkProcessed records a URL. Returns false (and counts a prevented
// duplicate) if its canonical form was already registered.
func (d *DedupRegistry) MarkProcessed(raw string) bool {
	key := d.Canonicalize(raw)
	if key == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.processed[key]; ok {
		d.stats.DuplicatesPrevented++
		return false
	}
	d.processed[key] = struct{}{}
	d.stats.URLsProcessed++
	d.stats.LastUpdated = time.Now().UTC().Format(time.RFC3339)
	return true
}

// AddProcessedURLs batch-marks URLs and returns how many were new
func (d *DedupRegistry) AddProcessedURLs(urls []string) int {
	added := 0
	for _, u := range urls {
		if d.MarkProcessed(u) {
			added++
		}
	}
	return added
}

// ProcessedCount returns the number of distinct canonical URLs seen
func (d *DedupRegistry) ProcessedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.processed)
}

// Clear empties the registry and resets its counters
func (d *DedupRegistry) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.processed = make(map[string]struct{})
	d.stats = DedupStats{}
}

// Stats returns a snapshot of the dedup counters
func (d *DedupRegistry) Stats() DedupStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// dedupState is the persisted form of the registry
type dedupState struct {
	ProcessedURLs []string      `json:"processed_urls"`
	Stats         DedupStats    `json:"stats"`
	Settings      DedupSettings `json:"settings"`
	SavedAt       string        `json:"saved_at"`
}

// Save writes the registry to its state file atomically
func (d *DedupRegistry) Save() error {
	d.mu.Lock()
	state := dedupState{
		ProcessedURLs: make([]string, 0, len(d.processed)),
		Stats:         d.stats,
		Settings:      d.settings,
		SavedAt:       time.Now().UTC().Format(time.RFC3339),
	}
	for u := range d.processed {
		state.ProcessedURLs = append(state.ProcessedURLs, u)
	}
	d.mu.Unlock()

	sort.Strings(state.ProcessedURLs)

	if err := storage.WriteJSONAtomic(d.statePath, state); err != nil {
		return fmt.Errorf("failed to save deduplication state: %w", err)
	}

	d.logger.Debug().Int("urls", len(state.ProcessedURLs)).Msg("Deduplication state saved")
	return nil
}

// Load restores the registry from its state file. Missing file means a
// fresh crawl; an unreadable or corrupt one is reported and the
// registry starts empty. Stored URLs are re-canonicalized under the
// current settings so a settings change cannot resurrect duplicates.
func (d *DedupRegistry) Load() error {
	var state dedupState
	if err := storage.ReadJSON(d.statePath, &state); err != nil {
		if !os.IsNotExist(err) {
			d.logger.Warn().
				Err(err).
				Str("path", d.statePath).
				Msg("Deduplication state unreadable, starting with empty registry")
		}
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.processed = make(map[string]struct{}, len(state.ProcessedURLs))
	for _, u := range state.ProcessedURLs {
		d.processed[d.Canonicalize(u)] = struct{}{}
	}
	d.stats = state.Stats

	d.logger.Info().Int("urls", len(d.processed)).Msg("Deduplication state restored")
	return nil
}
