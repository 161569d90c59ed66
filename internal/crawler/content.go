package crawler

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
	"golang.org/x/net/html"
)

// Selectors for page chrome that never belongs in extracted content
var chromeSelectors = []string{
	"script", "style", "noscript", "meta", "link", "head",
	"nav", "header", "footer", "aside",
	"table.infobox",
	"div.navbox", "div.hatnote", "div.dablink", "div.ambox",
	"div.mbox-small", "div.sistersitebox", "div.reflist",
	"ol.references", "div.refbegin",
	"span.mw-editsection", "div.printfooter", "div.catlinks",
	"div#toc", ".toc", ".toccolours",
	"div.thumb", "div.thumbinner", "div.thumbcaption",
	"div.gallery", "div.gallerybox", "div.gallerytext",
	"img", "figure", "audio", "video",
}

// Trailing sections dropped wholesale from article bodies
var tailSectionTitles = map[string]struct{}{
	"see also":        {},
	"references":      {},
	"external links":  {},
	"further reading": {},
}

var (
	citationRefs   = regexp.MustCompile(`\[\d+\]`)
	editorialNotes = regexp.MustCompile(`(?i)\[(citation needed|clarification needed|according to whom\??|by whom\??|who\??|when\??|where\??|edit)\]`)
	horizontalRuns = regexp.MustCompile(`[ \t]+`)
	blankRuns      = regexp.MustCompile(`\n{3,}`)

	headingMarker = regexp.MustCompile(`^(#{1,6})[ \t]*(\S.*)$`)
	bulletMarker  = regexp.MustCompile(`^([-*+])[ \t]+`)
	orderedMarker = regexp.MustCompile(`^(\d+\.)[ \t]+`)
)

// ContentPipeline converts raw Wikipedia HTML into clean markdown.
// The transform is idempotent: feeding its own output back through
// produces the same text.
type ContentPipeline struct {
	converter *md.Converter
	minLength int
	logger    arbor.ILogger
}

// NewContentPipeline builds the pipeline. Outputs shorter than
// minLength (after trimming) are rejected as processing failures.
func NewContentPipeline(minLength int, logger arbor.ILogger) *ContentPipeline {
	converter := md.NewConverter("", true, &md.Options{
		HeadingStyle:     "atx",
		BulletListMarker: "-",
		CodeBlockStyle:   "fenced",
		EscapeMode:       "disabled",
	})

	return &ContentPipeline{
		converter: converter,
		minLength: minLength,
		logger:    logger,
	}
}

// Process runs the full pipeline over a fetched page body
func (p *ContentPipeline) Process(body []byte, pageURL string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("content processing failed for %s: %w", pageURL, err)
	}

	for _, node := range doc.Nodes {
		removeCommentNodes(node)
	}
	doc.Find(strings.Join(chromeSelectors, ", ")).Remove()

	trimTailSections(doc)
	removeFileLinks(doc)
	pruneAttributes(doc)

	root := contentRoot(doc)

	markdown := p.converter.Convert(root)
	markdown = cleanMarkdown(markdown)
	markdown = formatLines(markdown)

	if len(strings.TrimSpace(markdown)) < p.minLength {
		p.logger.Warn().
			Str("url", pageURL).
			Int("length", len(strings.TrimSpace(markdown))).
			Int("minimum", p.minLength).
			Msg("Content below minimum length")
		return "", fmt.Errorf("content processing failed for %s: extracted content below minimum length %d", pageURL, p.minLength)
	}

	return markdown, nil
}

func removeCommentNodes(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.CommentNode {
			n.RemoveChild(c)
		} else {
			removeCommentNodes(c)
		}
		c = next
	}
}

// trimTailSections drops See also / References / External links /
// Further reading headings and everything under them, up to the next
// heading of equal or higher rank.
func trimTailSections(doc *goquery.Document) {
	doc.Find("h2, h3, h4").Each(func(_ int, heading *goquery.Selection) {
		title := strings.ToLower(strings.TrimSpace(heading.Text()))
		if _, drop := tailSectionTitles[title]; !drop {
			return
		}

		rank := headingRank(heading)
		for sibling := heading.Next(); sibling.Length() > 0; sibling = heading.Next() {
			if r := headingRank(sibling); r > 0 && r <= rank {
				break
			}
			sibling.Remove()
		}
		heading.Remove()
	})
}

func headingRank(sel *goquery.Selection) int {
	if len(sel.Nodes) == 0 || sel.Nodes[0].Type != html.ElementNode {
		return 0
	}
	switch sel.Nodes[0].Data {
	case "h1":
		return 1
	case "h2":
		return 2
	case "h3":
		return 3
	case "h4":
		return 4
	case "h5":
		return 5
	case "h6":
		return 6
	}
	return 0
}

// removeFileLinks drops links into the file and media namespaces
func removeFileLinks(doc *goquery.Document) {
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		lower := strings.ToLower(href)
		if strings.HasPrefix(lower, "/wiki/file:") ||
			strings.HasPrefix(lower, "/wiki/image:") ||
			strings.HasPrefix(lower, "/wiki/media:") {
			a.Remove()
		}
	})
}

// pruneAttributes strips everything except article-internal hrefs and
// image alt text. Ids and classes survive only until root selection;
// the markdown renderer never emits them.
func pruneAttributes(doc *goquery.Document) {
	doc.Find("*").Each(func(_ int, sel *goquery.Selection) {
		for _, node := range sel.Nodes {
			kept := node.Attr[:0]
			for _, attr := range node.Attr {
				switch {
				case attr.Key == "id" || attr.Key == "class":
					kept = append(kept, attr)
				case attr.Key == "href" && node.Data == "a" && isInternalArticleHref(attr.Val):
					kept = append(kept, attr)
				case attr.Key == "alt" && node.Data == "img":
					kept = append(kept, attr)
				}
			}
			node.Attr = kept
		}
	})
}

func isInternalArticleHref(href string) bool {
	rest, ok := strings.CutPrefix(href, "/wiki/")
	return ok && !strings.Contains(rest, ":")
}

// contentRoot picks the most specific element holding article prose
func contentRoot(doc *goquery.Document) *goquery.Selection {
	for _, selector := range []string{
		"#mw-content-text .mw-parser-output",
		"#mw-content-text",
		".mw-parser-output",
		"#bodyContent",
	} {
		if sel := doc.Find(selector).First(); sel.Length() > 0 {
			return sel
		}
	}

	var heuristic *goquery.Selection
	doc.Find("main, article, div[class*='content']").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if len(strings.TrimSpace(sel.Text())) < 100 {
			return true
		}
		found := false
		sel.Find("p").EachWithBreak(func(_ int, p *goquery.Selection) bool {
			if len(strings.TrimSpace(p.Text())) >= 20 {
				found = true
				return false
			}
			return true
		})
		if found {
			heuristic = sel
			return false
		}
		return true
	})
	if heuristic != nil {
		return heuristic
	}

	if body := doc.Find("body").First(); body.Length() > 0 {
		return body
	}
	return doc.Selection
}

// cleanMarkdown removes citation artifacts and normalizes whitespace
func cleanMarkdown(markdown string) string {
	markdown = citationRefs.ReplaceAllString(markdown, "")
	markdown = editorialNotes.ReplaceAllString(markdown, "")
	markdown = horizontalRuns.ReplaceAllString(markdown, " ")
	markdown = blankRuns.ReplaceAllString(markdown, "\n\n")
	return markdown
}

// formatLines normalizes each line: trailing whitespace trimmed, one
// space after heading and list markers, blank runs capped at one line,
// exactly one trailing newline.
func formatLines(markdown string) string {
	lines := strings.Split(markdown, "\n")
	out := make([]string, 0, len(lines))
	lastBlank := true

	for _, line := range lines {
		line = strings.TrimRight(line, " \t")

		if m := headingMarker.FindStringSubmatch(line); m != nil {
			line = m[1] + " " + m[2]
		} else if m := bulletMarker.FindStringSubmatch(line); m != nil {
			line = m[1] + " " + line[len(m[0]):]
		} else if m := orderedMarker.FindStringSubmatch(line); m != nil {
			line = m[1] + " " + line[len(m[0]):]
		}

		if strings.TrimSpace(line) == "" {
			if lastBlank {
				continue
			}
			lastBlank = true
			out = append(out, "")
			continue
		}
		lastBlank = false
		out = append(out, line)
	}

	// Drop a trailing blank line left by the cap pass
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}

	if len(out) == 0 {
		return ""
	}
	return strings.Join(out, "\n") + "\n"
}
