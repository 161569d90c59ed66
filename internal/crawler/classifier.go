package crawler

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ClassifyURL decides the page type from the URL alone. Category pages
// are recognizable without fetching them.
func ClassifyURL(pageURL string) URLType {
	if strings.Contains(pageURL, "/Category:") || strings.Contains(pageURL, "/wiki/Category:") {
		return URLTypeCategory
	}
	return URLTypeArticle
}

// ClassifyPage decides the page type from the fetched document. Rules
// are checked in order; the URL check wins outright, structural category
// markers beat heading text, and anything unrecognized is an article.
func ClassifyPage(pageURL string, doc *goquery.Document) URLType {
	if ClassifyURL(pageURL) == URLTypeCategory {
		return URLTypeCategory
	}
	if doc == nil {
		return URLTypeArticle
	}

	if doc.Find("#mw-subcategories, #mw-pages, #mw-category-media").Length() > 0 {
		return URLTypeCategory
	}
	if doc.Find(".CategoryTreeTag").Length() > 0 {
		return URLTypeCategory
	}

	isCategory := false
	doc.Find("h2").EachWithBreak(func(_ int, h *goquery.Selection) bool {
		text := strings.ToLower(strings.TrimSpace(h.Text()))
		if strings.Contains(text, "subcategories") || strings.Contains(text, "pages in category") {
			isCategory = true
			return false
		}
		return true
	})
	if isCategory {
		return URLTypeCategory
	}

	if strings.HasPrefix(strings.TrimSpace(doc.Find("h1#firstHeading").Text()), "Category:") {
		return URLTypeCategory
	}

	if doc.Find("#mw-content-text, .mw-parser-output").Length() > 0 {
		return URLTypeArticle
	}
	if doc.Find("table.infobox").Length() > 0 {
		return URLTypeArticle
	}

	substantial := false
	doc.Find("p").EachWithBreak(func(_ int, p *goquery.Selection) bool {
		if len(strings.TrimSpace(p.Text())) >= 50 {
			substantial = true
			return false
		}
		return true
	})
	if substantial {
		return URLTypeArticle
	}

	return URLTypeArticle
}
