package crawler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/ternarybob/wikicrawl/internal/common"
)

const articlePageHTML = `<html>
<head><title>Linguistics - Wikipedia</title><script>var x = 1;</script></head>
<body>
<nav>Site navigation</nav>
<h1 id="firstHeading">Linguistics</h1>
<div id="mw-content-text">
  <div class="mw-parser-output">
    <!-- parser comment -->
    <div id="toc"><ul><li>Contents entry</li></ul></div>
    <table class="infobox"><tr><td>Infobox factbox row</td></tr></table>
    <div class="hatnote">For other uses, see Linguistics (disambiguation).</div>
    <p>Linguistics is the scientific study of <a href="/wiki/Language">language</a>.[1] It involves analysis of form and meaning.[citation needed]</p>
    <h2>Subfields<span class="mw-editsection">[edit]</span></h2>
    <p>Major subfields include the following areas of study.</p>
    <ul>
      <li>Phonetics</li>
      <li>Syntax</li>
    </ul>
    <p>See the chart at <a href="/wiki/File:Chart.svg">this file</a> for details.</p>
    <img src="/static/photo.jpg" alt="A photo">
    <div class="navbox">Navigation box links</div>
    <h2>See also</h2>
    <ul><li><a href="/wiki/Philology">Philology</a></li></ul>
    <h2>References</h2>
    <ol class="references"><li>Some citation</li></ol>
    <h2>External links</h2>
    <ul><li><a href="https://example.org">Official site</a></li></ul>
  </div>
</div>
<footer>Footer text</footer>
</body>
</html>`

func newTestPipeline(t *testing.T, minLength int) *ContentPipeline {
	t.Helper()
	return NewContentPipeline(minLength, common.GetLogger())
}

func TestProcessArticleHTML(t *testing.T) {
	p := newTestPipeline(t, 20)

	markdown, err := p.Process([]byte(articlePageHTML), "https://en.wikipedia.org/wiki/Linguistics")
	require.NoError(t, err)

	// Prose and structure survive
	assert.Contains(t, markdown, "Linguistics is the scientific study of")
	assert.Contains(t, markdown, "## Subfields")
	assert.Contains(t, markdown, "- Phonetics")
	assert.Contains(t, markdown, "- Syntax")
	assert.Contains(t, markdown, "[language](/wiki/Language)")

	// Chrome is gone
	assert.NotContains(t, markdown, "Site navigation")
	assert.NotContains(t, markdown, "Infobox factbox")
	assert.NotContains(t, markdown, "For other uses")
	assert.NotContains(t, markdown, "Navigation box")
	assert.NotContains(t, markdown, "Contents entry")
	assert.NotContains(t, markdown, "Footer text")
	assert.NotContains(t, markdown, "parser comment")

	// Tail sections are trimmed
	assert.NotContains(t, markdown, "See also")
	assert.NotContains(t, markdown, "Philology")
	assert.NotContains(t, markdown, "References")
	assert.NotContains(t, markdown, "Some citation")
	assert.NotContains(t, markdown, "External links")

	// Citations, editorial markers and file links are removed
	assert.NotContains(t, markdown, "[1]")
	assert.NotContains(t, markdown, "citation needed")
	assert.NotContains(t, markdown, "[edit]")
	assert.NotContains(t, markdown, "File:Chart.svg")
	assert.NotContains(t, markdown, "this file")

	assert.True(t, strings.HasSuffix(markdown, "\n"), "output ends with exactly one newline")
	assert.False(t, strings.HasSuffix(markdown, "\n\n"))
	assert.NotContains(t, markdown, "\n\n\n")
}

func TestProcessOutputIsCleanMarkdown(t *testing.T) {
	p := newTestPipeline(t, 20)

	markdown, err := p.Process([]byte(articlePageHTML), "https://en.wikipedia.org/wiki/Linguistics")
	require.NoError(t, err)

	parser := goldmark.New().Parser()
	root := parser.Parse(text.NewReader([]byte(markdown)))

	rawHTML := false
	ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering && (n.Kind() == ast.KindHTMLBlock || n.Kind() == ast.KindRawHTML) {
			rawHTML = true
		}
		return ast.WalkContinue, nil
	})
	assert.False(t, rawHTML, "rendered markdown must not contain raw HTML")
}

func TestProcessMinimumLength(t *testing.T) {
	p := newTestPipeline(t, 100)

	_, err := p.Process([]byte(`<html><body><div class="mw-parser-output"><p>Tiny.</p></div></body></html>`),
		"https://en.wikipedia.org/wiki/Stub")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "content processing failed")
	assert.Equal(t, ErrCategoryContent, CategorizeError(err.Error()))
}

func TestProcessContentRootFallbacks(t *testing.T) {
	p := newTestPipeline(t, 10)

	t.Run("bodyContent fallback", func(t *testing.T) {
		html := `<html><body><div id="bodyContent"><p>Fallback body content text here.</p></div><p>outside</p></body></html>`
		markdown, err := p.Process([]byte(html), "https://en.wikipedia.org/wiki/X")
		require.NoError(t, err)
		assert.Contains(t, markdown, "Fallback body content text here.")
		assert.NotContains(t, markdown, "outside")
	})

	t.Run("heuristic content div", func(t *testing.T) {
		html := `<html><body><div class="page-content">` +
			`<p>` + strings.Repeat("Long enough paragraph text. ", 10) + `</p></div></body></html>`
		markdown, err := p.Process([]byte(html), "https://en.wikipedia.org/wiki/X")
		require.NoError(t, err)
		assert.Contains(t, markdown, "Long enough paragraph text.")
	})

	t.Run("body fallback", func(t *testing.T) {
		html := `<html><body><p>Plain page without any wiki structure at all.</p></body></html>`
		markdown, err := p.Process([]byte(html), "https://en.wikipedia.org/wiki/X")
		require.NoError(t, err)
		assert.Contains(t, markdown, "Plain page without any wiki structure")
	})
}

func TestTrimTailSectionsKeepsLaterPeers(t *testing.T) {
	p := newTestPipeline(t, 10)

	html := `<html><body><div class="mw-parser-output">
<p>Intro paragraph with enough words to pass the threshold.</p>
<h2>See also</h2>
<ul><li>Dropped entry</li></ul>
<h2>Legacy</h2>
<p>The legacy section stays because it follows a peer heading.</p>
</div></body></html>`

	markdown, err := p.Process([]byte(html), "https://en.wikipedia.org/wiki/X")
	require.NoError(t, err)

	assert.NotContains(t, markdown, "Dropped entry")
	assert.Contains(t, markdown, "## Legacy")
	assert.Contains(t, markdown, "legacy section stays")
}

func TestCleanupStagesIdempotent(t *testing.T) {
	// The text stages must be stable: running them over their own
	// output changes nothing.
	input := "# Title\n\n\n\nSome   text [1] with  [citation needed] noise.\n\n-   item one\n-  item two\n\n\n## Section\n\ntail   \n"

	once := formatLines(cleanMarkdown(input))
	twice := formatLines(cleanMarkdown(once))
	assert.Equal(t, once, twice)

	assert.Contains(t, once, "# Title")
	assert.Contains(t, once, "- item one")
	assert.NotContains(t, once, "[1]")
	assert.NotContains(t, once, "citation needed")
	assert.NotContains(t, once, "  ")
}

func TestProcessIdempotent(t *testing.T) {
	// Feeding the pipeline its own output must reproduce it exactly
	p := newTestPipeline(t, 20)

	first, err := p.Process([]byte(articlePageHTML), "https://en.wikipedia.org/wiki/Linguistics")
	require.NoError(t, err)

	second, err := p.Process([]byte(first), "https://en.wikipedia.org/wiki/Linguistics")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestFormatLines(t *testing.T) {
	assert.Equal(t, "# Heading\n", formatLines("#Heading"))
	assert.Equal(t, "- item\n", formatLines("-   item"))
	assert.Equal(t, "1. first\n", formatLines("1.  first"))
	assert.Equal(t, "a\n\nb\n", formatLines("a\n\n\n\nb"))
	assert.Equal(t, "", formatLines("   \n  \n"))
}
