package crawler

import (
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
)

// Namespace prefixes that are never crawlable articles
var excludedNamespaces = []string{
	"Category:", "File:", "Image:", "Media:", "Template:", "Help:",
	"Portal:", "Special:", "Talk:", "User:", "User_talk:", "Wikipedia:",
	"MediaWiki:", "Book:", "Draft:", "TimedText:", "Module:",
}

// CategoryHandler turns a category listing page into a stored document
// and the next batch of crawl work. Subcategories descend one depth
// level and are gated by maxDepth; member articles stay at the current
// depth and are always enqueued.
type CategoryHandler struct {
	maxDepth int
	logger   arbor.ILogger
}

func NewCategoryHandler(maxDepth int, logger arbor.ILogger) *CategoryHandler {
	return &CategoryHandler{maxDepth: maxDepth, logger: logger}
}

// Process extracts the category's members and returns the document to
// store plus the discovered work items.
func (h *CategoryHandler) Process(item URLItem, doc *goquery.Document) (*CategoryDocument, []URLItem) {
	base, err := url.Parse(item.URL)
	if err != nil {
		base = nil
	}

	subcats := h.extractSubcategories(doc, base)
	articles := h.extractArticles(doc, base)

	record := &CategoryDocument{
		URL:              item.URL,
		Title:            strings.TrimSpace(strings.TrimPrefix(PageTitle(doc, item.URL), "Category:")),
		Type:             string(URLTypeCategory),
		Depth:            item.Depth,
		Subcategories:    subcats,
		Articles:         articles,
		SubcategoryCount: len(subcats),
		ArticleCount:     len(articles),
		CrawledAt:        time.Now().UTC().Format(time.RFC3339),
	}

	var next []URLItem
	if item.Depth < h.maxDepth {
		for _, u := range subcats {
			next = append(next, NewURLItem(u, URLTypeCategory, item.Depth+1))
		}
	} else {
		h.logger.Debug().
			Str("url", item.URL).
			Int("depth", item.Depth).
			Int("subcategories", len(subcats)).
			Msg("Depth limit reached, subcategories not enqueued")
	}
	for _, u := range articles {
		next = append(next, NewURLItem(u, URLTypeArticle, item.Depth))
	}

	h.logger.Info().
		Str("category", record.Title).
		Int("subcategories", len(subcats)).
		Int("articles", len(articles)).
		Int("depth", item.Depth).
		Msg("Category processed")

	return record, next
}

// extractSubcategories unions every way MediaWiki marks subcategory
// links: the dedicated listing div, the category tree widget, the
// section under the Subcategories heading, and in-content links whose
// anchor text names a category. The last rule stays inside the main
// content area so the #catlinks footer of parent categories is never
// harvested.
func (h *CategoryHandler) extractSubcategories(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]struct{})

	collect := func(sel *goquery.Selection) {
		sel.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
			href, _ := a.Attr("href")
			if !strings.Contains(href, "/wiki/Category:") && !strings.HasPrefix(href, "Category:") {
				return
			}
			if resolved, ok := resolveLink(base, href); ok {
				seen[resolved] = struct{}{}
			}
		})
	}

	collect(doc.Find("#mw-subcategories"))
	collect(doc.Find(".CategoryTreeTag, .CategoryTreeItem"))

	doc.Find("h2").Each(func(_ int, heading *goquery.Selection) {
		if strings.Contains(strings.ToLower(heading.Text()), "subcategories") {
			collect(heading.NextUntil("h2"))
		}
	})

	doc.Find("#mw-content-text a[href*='/wiki/Category:']").Each(func(_ int, a *goquery.Selection) {
		text := strings.ToLower(a.Text())
		if !strings.Contains(text, "category") && !strings.Contains(text, "categories") {
			return
		}
		href, _ := a.Attr("href")
		if resolved, ok := resolveLink(base, href); ok {
			seen[resolved] = struct{}{}
		}
	})

	return sortedSet(seen)
}

// extractArticles collects member article links from the pages listing,
// the section under the "Pages in category" heading, plain content
// lists, and the media gallery region. Navigation lists are skipped.
func (h *CategoryHandler) extractArticles(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]struct{})

	collect := func(sel *goquery.Selection) {
		sel.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
			href, _ := a.Attr("href")
			if !isArticleLink(href) {
				return
			}
			if resolved, ok := resolveLink(base, href); ok {
				seen[resolved] = struct{}{}
			}
		})
	}

	doc.Find("#mw-pages, #mw-category-media").Each(func(_ int, region *goquery.Selection) {
		collect(region)
	})

	doc.Find("h2").Each(func(_ int, heading *goquery.Selection) {
		if strings.Contains(strings.ToLower(heading.Text()), "pages in category") {
			collect(heading.NextUntil("h2"))
		}
	})

	doc.Find("#mw-content-text ul, #mw-content-text ol").Each(func(_ int, list *goquery.Selection) {
		if isNavigationList(list) {
			return
		}
		collect(list)
	})

	return sortedSet(seen)
}

// isNavigationList reports whether a list sits inside chrome rather
// than content: a nav ancestor, or one classed as nav, menu, or toc.
func isNavigationList(list *goquery.Selection) bool {
	nav := false
	list.Parents().EachWithBreak(func(_ int, parent *goquery.Selection) bool {
		if goquery.NodeName(parent) == "nav" {
			nav = true
			return false
		}
		class := strings.ToLower(parent.AttrOr("class", ""))
		if strings.Contains(class, "nav") || strings.Contains(class, "menu") || strings.Contains(class, "toc") {
			nav = true
			return false
		}
		return true
	})
	return nav
}

// isArticleLink accepts /wiki/ links outside the excluded namespaces
func isArticleLink(href string) bool {
	if href == "" || strings.HasPrefix(href, "#") {
		return false
	}

	trimmed := href
	if u, err := url.Parse(href); err == nil && u.Path != "" {
		trimmed = u.Path
	}
	rest, ok := strings.CutPrefix(trimmed, "/wiki/")
	if !ok {
		return false
	}
	if rest == "" || rest == "Main_Page" {
		return false
	}
	for _, ns := range excludedNamespaces {
		if strings.HasPrefix(rest, ns) {
			return false
		}
	}
	return true
}

// resolveLink makes an absolute same-host URL from an extracted href
func resolveLink(base *url.URL, href string) (string, bool) {
	if href == "" || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
		return "", false
	}
	if base == nil {
		return "", false
	}

	resolved, err := base.Parse(href)
	if err != nil {
		return "", false
	}
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", false
	}
	if resolved.Host != base.Host {
		return "", false
	}
	resolved.Fragment = ""
	return resolved.String(), true
}

// PageTitle reads the page heading, falling back to the last URL path
// segment when the heading is missing.
func PageTitle(doc *goquery.Document, pageURL string) string {
	if doc != nil {
		if title := strings.TrimSpace(doc.Find("h1#firstHeading").First().Text()); title != "" {
			return title
		}
		if title := strings.TrimSpace(doc.Find("h1").First().Text()); title != "" {
			return title
		}
	}

	if u, err := url.Parse(pageURL); err == nil {
		segment := path.Base(u.Path)
		if unescaped, err := url.PathUnescape(segment); err == nil {
			segment = unescaped
		}
		if segment != "" && segment != "/" && segment != "." {
			return strings.ReplaceAll(segment, "_", " ")
		}
	}
	return pageURL
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
