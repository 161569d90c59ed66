package crawler

import (
	"time"
)

// URLType distinguishes category listing pages from content articles
type URLType string

const (
	URLTypeCategory URLType = "category"
	URLTypeArticle  URLType = "article"
)

// Priority returns the queue priority class for this page type.
// Categories are always drained before articles.
func (t URLType) Priority() int {
	if t == URLTypeCategory {
		return 1
	}
	return 2
}

// URLItem is a single unit of crawl work
type URLItem struct {
	URL          string  `json:"url"`
	Type         URLType `json:"url_type"`
	Priority     int     `json:"priority"`
	Depth        int     `json:"depth"`
	DiscoveredAt string  `json:"discovered_at"`
}

// NewURLItem builds a work item with its priority derived from the page type
func NewURLItem(url string, urlType URLType, depth int) URLItem {
	return URLItem{
		URL:          url,
		Type:         urlType,
		Priority:     urlType.Priority(),
		Depth:        depth,
		DiscoveredAt: time.Now().UTC().Format(time.RFC3339),
	}
}

// ProcessStatus is the terminal outcome recorded for a processed URL
type ProcessStatus string

const (
	StatusSuccess  ProcessStatus = "success"
	StatusFiltered ProcessStatus = "filtered"
	StatusError    ProcessStatus = "error"
)

// ArticleDocument is the JSON payload stored for a crawled article
type ArticleDocument struct {
	URL           string `json:"url"`
	Title         string `json:"title"`
	Type          string `json:"type"`
	Language      string `json:"language"`
	Depth         int    `json:"depth"`
	Content       string `json:"content"`
	ContentLength int    `json:"content_length"`
	CrawledAt     string `json:"crawled_at"`
}

// CategoryDocument is the JSON payload stored for a crawled category page
type CategoryDocument struct {
	URL              string   `json:"url"`
	Title            string   `json:"title"`
	Type             string   `json:"type"`
	Depth            int      `json:"depth"`
	Subcategories    []string `json:"subcategories"`
	Articles         []string `json:"articles"`
	SubcategoryCount int      `json:"subcategory_count"`
	ArticleCount     int      `json:"article_count"`
	CrawledAt        string   `json:"crawled_at"`
}
