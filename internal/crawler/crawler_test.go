package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/wikicrawl/internal/common"
)

const testArticleBody = "Linguistics is the scientific study of language and its structure. " +
	"It involves the analysis of language form, language meaning, and language in context. " +
	"The earliest activities in this field were associated with the description of languages."

const testFrenchBody = "La linguistique est une discipline scientifique qui étudie le langage humain. " +
	"Elle se distingue de la grammaire traditionnelle par son approche descriptive des langues. " +
	"Les linguistes étudient la phonologie, la morphologie et la syntaxe des langues naturelles."

// testWiki serves a tiny wikipedia-shaped site and counts requests
type testWiki struct {
	server *httptest.Server

	mu       sync.Mutex
	requests map[string]int
}

func newTestWiki(t *testing.T) *testWiki {
	t.Helper()
	w := &testWiki{requests: make(map[string]int)}

	categoryPage := func(title string, subcats, articles []string) string {
		var sb strings.Builder
		sb.WriteString(fmt.Sprintf(`<html><body><h1 id="firstHeading">%s</h1>`, title))
		if len(subcats) > 0 {
			sb.WriteString(`<div id="mw-subcategories"><h2>Subcategories</h2><ul>`)
			for _, s := range subcats {
				sb.WriteString(fmt.Sprintf(`<li><a href="/wiki/Category:%s">%s</a></li>`, s, s))
			}
			sb.WriteString(`</ul></div>`)
		}
		sb.WriteString(`<div id="mw-pages"><h2>Pages in category</h2><ul>`)
		for _, a := range articles {
			sb.WriteString(fmt.Sprintf(`<li><a href="/wiki/%s">%s</a></li>`, a, a))
		}
		sb.WriteString(`</ul></div></body></html>`)
		return sb.String()
	}

	articlePage := func(title, body string) string {
		return fmt.Sprintf(`<html><body><h1 id="firstHeading">%s</h1>`+
			`<div id="mw-content-text"><div class="mw-parser-output"><p>%s</p></div></div>`+
			`</body></html>`, title, body)
	}

	pages := map[string]string{
		"/wiki/Category:Testing": categoryPage("Category:Testing",
			[]string{"Sub"}, []string{"Alpha", "Beta", "French", "Missing"}),
		"/wiki/Category:Sub": categoryPage("Category:Sub",
			nil, []string{"Gamma", "Alpha"}),
		"/wiki/Alpha":  articlePage("Alpha", testArticleBody),
		"/wiki/Beta":   articlePage("Beta", testArticleBody),
		"/wiki/Gamma":  articlePage("Gamma", testArticleBody),
		"/wiki/French": articlePage("French", testFrenchBody),
	}

	w.server = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		w.mu.Lock()
		w.requests[r.URL.Path]++
		w.mu.Unlock()

		page, ok := pages[r.URL.Path]
		if !ok {
			rw.WriteHeader(http.StatusNotFound)
			return
		}
		rw.Write([]byte(page))
	}))
	t.Cleanup(w.server.Close)
	return w
}

func (w *testWiki) count(path string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.requests[path]
}

func (w *testWiki) total() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, c := range w.requests {
		n += c
	}
	return n
}

func testCrawlConfig(t *testing.T, wiki *testWiki) *common.Config {
	t.Helper()
	cfg := common.NewDefaultConfig()
	cfg.Environment = "development"
	cfg.Crawler.StartURL = wiki.server.URL + "/wiki/Category:Testing"
	cfg.Crawler.MaxDepth = 1
	cfg.Crawler.StateDir = filepath.Join(t.TempDir(), "state")
	cfg.Crawler.MaxEmptyChecks = 2
	cfg.Crawler.EmptyCheckDelay = "1ms"
	cfg.Fetch.RequestDelay = "1ms"
	cfg.Fetch.RetryBackoffBase = "1ms"
	cfg.Fetch.InteractivePrompts = false
	cfg.Storage.OutputDir = filepath.Join(t.TempDir(), "out")
	return cfg
}

func TestCrawlEndToEnd(t *testing.T) {
	wiki := newTestWiki(t)
	cfg := testCrawlConfig(t, wiki)

	c, err := New(cfg, common.GetLogger())
	require.NoError(t, err)
	require.NoError(t, c.Run(context.Background()))

	stats := c.Stats()
	assert.False(t, stats.Session.Resumed)
	assert.Equal(t, 2, stats.Status.CategoriesProcessed)
	assert.Equal(t, 3, stats.Status.ArticlesProcessed, "Alpha, Beta and Gamma succeed")
	assert.Equal(t, 1, stats.Status.FilteredCount, "the French article is filtered")
	assert.Equal(t, 1, stats.Status.ErrorCount, "the missing article 404s")
	assert.Equal(t, 1, stats.Errors[ErrCategoryNotFound])

	// Alpha is listed by both categories but fetched exactly once
	assert.Equal(t, 1, wiki.count("/wiki/Alpha"))
	assert.Equal(t, 1, wiki.count("/wiki/Category:Sub"))
	assert.GreaterOrEqual(t, stats.Dedup.URLsProcessed, 7)

	// Documents land under the seed category folder
	categoryDir := filepath.Join(cfg.Storage.OutputDir, "Category_Testing")
	for _, name := range []string{"category_Testing.json", "category_Sub.json", "Alpha.json", "Beta.json", "Gamma.json"} {
		_, err := os.Stat(filepath.Join(categoryDir, name))
		assert.NoError(t, err, "expected %s to exist", name)
	}

	// Filtered and failed pages are not stored
	_, err = os.Stat(filepath.Join(categoryDir, "French.json"))
	assert.True(t, os.IsNotExist(err))

	// All three state files are written at shutdown
	for _, name := range []string{queueStateFile, dedupStateFile, progressStateFile} {
		_, err := os.Stat(filepath.Join(cfg.Crawler.StateDir, name))
		assert.NoError(t, err, "expected state file %s", name)
	}
}

func TestCrawlResume(t *testing.T) {
	wiki := newTestWiki(t)
	cfg := testCrawlConfig(t, wiki)

	first, err := New(cfg, common.GetLogger())
	require.NoError(t, err)
	require.NoError(t, first.Run(context.Background()))

	requestsAfterFirst := wiki.total()
	require.Greater(t, requestsAfterFirst, 0)

	// A second run over the same state dir finds everything processed
	// and fetches nothing.
	second, err := New(cfg, common.GetLogger())
	require.NoError(t, err)
	require.NoError(t, second.Run(context.Background()))

	assert.True(t, second.Stats().Session.Resumed)
	assert.Equal(t, 0, second.Stats().Session.URLsProcessed)
	assert.Equal(t, requestsAfterFirst, wiki.total(), "resumed crawl must not refetch completed URLs")
}

func TestCrawlSkipsPreviouslyProcessedDiscoveries(t *testing.T) {
	wiki := newTestWiki(t)
	cfg := testCrawlConfig(t, wiki)

	c, err := New(cfg, common.GetLogger())
	require.NoError(t, err)

	// Alpha was handled by an earlier crawl; its rediscovery must not
	// even reach the frontier.
	c.dedup.MarkProcessed(wiki.server.URL + "/wiki/Alpha")
	require.NoError(t, c.Run(context.Background()))

	assert.Equal(t, 0, wiki.count("/wiki/Alpha"))
	assert.Equal(t, 6, c.Stats().Queue.URLsAdded, "seed, Sub, Beta, French, Missing and Gamma only")
}

func TestCrawlConnectivitySkip(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(failing.Close)

	cfg := common.NewDefaultConfig()
	cfg.Environment = "development"
	cfg.Crawler.StartURL = failing.URL + "/wiki/Category:Down"
	cfg.Crawler.StateDir = filepath.Join(t.TempDir(), "state")
	cfg.Crawler.MaxEmptyChecks = 2
	cfg.Crawler.EmptyCheckDelay = "1ms"
	cfg.Fetch.RequestDelay = "1ms"
	cfg.Fetch.RetryBackoffBase = "1ms"
	cfg.Fetch.MaxRetries = 1
	cfg.Fetch.InteractivePrompts = false
	cfg.Fetch.ConnectivityURL = "http://127.0.0.1:1/"
	cfg.Storage.OutputDir = filepath.Join(t.TempDir(), "out")

	c, err := New(cfg, common.GetLogger())
	require.NoError(t, err)
	require.NoError(t, c.Run(context.Background()))

	stats := c.Stats()
	assert.Equal(t, 1, stats.Fetch.SkippedURLs)
	assert.Equal(t, 1, stats.Status.ErrorCount, "a skipped URL is recorded as an error")
	assert.Equal(t, 1, stats.Errors[ErrCategoryConnectivity])
}

func TestCrawlDepthGateEndToEnd(t *testing.T) {
	wiki := newTestWiki(t)
	cfg := testCrawlConfig(t, wiki)
	cfg.Crawler.MaxDepth = 0

	c, err := New(cfg, common.GetLogger())
	require.NoError(t, err)
	require.NoError(t, c.Run(context.Background()))

	// The subcategory is recorded but never fetched
	assert.Equal(t, 0, wiki.count("/wiki/Category:Sub"))
	assert.Equal(t, 0, wiki.count("/wiki/Gamma"))

	// Member articles of the seed are still crawled at depth 0
	assert.Equal(t, 1, wiki.count("/wiki/Alpha"))
	assert.Equal(t, 1, c.Stats().Status.CategoriesProcessed)
}

func TestCrawlGracefulCancellation(t *testing.T) {
	wiki := newTestWiki(t)
	cfg := testCrawlConfig(t, wiki)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c, err := New(cfg, common.GetLogger())
	require.NoError(t, err)
	require.NoError(t, c.Run(ctx), "cancellation is a clean stop, not an error")

	// State was still saved on the way out
	_, err = os.Stat(filepath.Join(cfg.Crawler.StateDir, queueStateFile))
	assert.NoError(t, err)
}

func TestValidateSeedURL(t *testing.T) {
	tests := []struct {
		name        string
		seed        string
		environment string
		wantErr     bool
	}{
		{"wikipedia category", "https://en.wikipedia.org/wiki/Category:Physics", "production", false},
		{"wikipedia article", "https://zh.wikipedia.org/wiki/Test", "production", false},
		{"non-wikipedia host in production", "https://example.org/wiki/Test", "production", true},
		{"non-wikipedia host in development", "http://127.0.0.1:8080/wiki/Test", "development", false},
		{"wrong path", "https://en.wikipedia.org/about", "production", true},
		{"bad scheme", "ftp://en.wikipedia.org/wiki/Test", "production", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateSeedURL(tt.seed, tt.environment)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewRejectsInvalidSeed(t *testing.T) {
	cfg := common.NewDefaultConfig()
	cfg.Crawler.StartURL = "https://example.org/not-wiki"
	cfg.Storage.OutputDir = t.TempDir()
	cfg.Crawler.StateDir = t.TempDir()

	_, err := New(cfg, common.GetLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid start URL")
}

func TestCategoryFolderName(t *testing.T) {
	assert.Equal(t, "Category_Linguistics", CategoryFolderName("https://en.wikipedia.org/wiki/Category:Linguistics"))
	assert.Equal(t, "Category_Ancient_history", CategoryFolderName("https://en.wikipedia.org/wiki/Category:Ancient_history"))
	assert.Equal(t, "General_Crawl", CategoryFolderName("https://en.wikipedia.org/wiki/Linguistics"))
}
