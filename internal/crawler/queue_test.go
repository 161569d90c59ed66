package crawler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/wikicrawl/internal/common"
)

func newTestQueue(t *testing.T) *URLQueue {
	t.Helper()
	return NewURLQueue(filepath.Join(t.TempDir(), "queue_state.json"), common.GetLogger())
}

func TestQueueCategoriesDrainFirst(t *testing.T) {
	q := newTestQueue(t)

	q.Add(NewURLItem("https://en.wikipedia.org/wiki/Article_A", URLTypeArticle, 0))
	q.Add(NewURLItem("https://en.wikipedia.org/wiki/Category:First", URLTypeCategory, 1))
	q.Add(NewURLItem("https://en.wikipedia.org/wiki/Article_B", URLTypeArticle, 0))
	q.Add(NewURLItem("https://en.wikipedia.org/wiki/Category:Second", URLTypeCategory, 2))

	var order []string
	for {
		item, ok := q.Next()
		if !ok {
			break
		}
		order = append(order, item.URL)
	}

	assert.Equal(t, []string{
		"https://en.wikipedia.org/wiki/Category:First",
		"https://en.wikipedia.org/wiki/Category:Second",
		"https://en.wikipedia.org/wiki/Article_A",
		"https://en.wikipedia.org/wiki/Article_B",
	}, order, "categories dequeue before articles, FIFO within each class")
}

func TestQueueFIFOWithinClass(t *testing.T) {
	q := newTestQueue(t)

	urls := []string{
		"https://en.wikipedia.org/wiki/One",
		"https://en.wikipedia.org/wiki/Two",
		"https://en.wikipedia.org/wiki/Three",
	}
	for _, u := range urls {
		q.Add(NewURLItem(u, URLTypeArticle, 0))
	}

	for _, expected := range urls {
		item, ok := q.Next()
		require.True(t, ok)
		assert.Equal(t, expected, item.URL)
	}
}

func TestQueueRejectsDuplicates(t *testing.T) {
	q := newTestQueue(t)

	assert.True(t, q.Add(NewURLItem("https://en.wikipedia.org/wiki/Dup", URLTypeArticle, 0)))
	assert.False(t, q.Add(NewURLItem("https://en.wikipedia.org/wiki/Dup", URLTypeArticle, 0)), "pending URL rejected")

	item, ok := q.Next()
	require.True(t, ok)
	q.MarkCompleted(item.URL)

	assert.False(t, q.Add(NewURLItem("https://en.wikipedia.org/wiki/Dup", URLTypeArticle, 1)), "completed URL rejected")
	assert.Equal(t, 0, q.Size())
}

func TestQueueEmptyNext(t *testing.T) {
	q := newTestQueue(t)
	_, ok := q.Next()
	assert.False(t, ok)
}

func TestQueueStats(t *testing.T) {
	q := newTestQueue(t)

	q.Add(NewURLItem("https://en.wikipedia.org/wiki/Category:C", URLTypeCategory, 0))
	q.Add(NewURLItem("https://en.wikipedia.org/wiki/A1", URLTypeArticle, 0))
	q.Add(NewURLItem("https://en.wikipedia.org/wiki/A2", URLTypeArticle, 0))

	stats := q.Stats()
	assert.Equal(t, 3, stats.URLsAdded)
	assert.Equal(t, 1, stats.CategoriesPending)
	assert.Equal(t, 2, stats.ArticlesPending)

	item, _ := q.Next()
	q.MarkCompleted(item.URL)
	assert.Equal(t, 1, q.Stats().URLsCompleted)
}

func TestQueueSaveLoadPreservesOrder(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "queue_state.json")
	logger := common.GetLogger()

	q := NewURLQueue(statePath, logger)
	q.Add(NewURLItem("https://en.wikipedia.org/wiki/Article_A", URLTypeArticle, 1))
	q.Add(NewURLItem("https://en.wikipedia.org/wiki/Category:C", URLTypeCategory, 1))
	q.Add(NewURLItem("https://en.wikipedia.org/wiki/Article_B", URLTypeArticle, 1))

	done, _ := q.Next() // Category:C
	q.MarkCompleted(done.URL)
	require.NoError(t, q.Save())

	restored := NewURLQueue(statePath, logger)
	require.NoError(t, restored.Load())

	assert.Equal(t, 2, restored.Size())
	assert.False(t, restored.Add(NewURLItem(done.URL, URLTypeCategory, 1)), "completed set survives reload")

	first, ok := restored.Next()
	require.True(t, ok)
	second, ok := restored.Next()
	require.True(t, ok)
	assert.Equal(t, "https://en.wikipedia.org/wiki/Article_A", first.URL)
	assert.Equal(t, "https://en.wikipedia.org/wiki/Article_B", second.URL)
	assert.Equal(t, 1, first.Depth, "depth survives the round trip")
}

func TestQueueCanonicalizerCollapsesVariants(t *testing.T) {
	q := newTestQueue(t)
	d := newTestRegistry(t, DefaultDedupSettings())
	q.SetCanonicalizer(d.Canonicalize)

	assert.True(t, q.Add(NewURLItem("https://en.wikipedia.org/wiki/Alpha", URLTypeArticle, 0)))
	assert.False(t, q.Add(NewURLItem("HTTPS://EN.wikipedia.org/wiki/Alpha#section", URLTypeArticle, 0)),
		"trivially different spelling of a pending URL rejected")
	assert.Equal(t, 1, q.Size())

	item, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, "https://en.wikipedia.org/wiki/Alpha", item.URL)

	q.MarkCompleted("https://en.wikipedia.org/wiki/Alpha#other")
	assert.False(t, q.Add(NewURLItem("https://en.wikipedia.org/wiki/Alpha", URLTypeArticle, 1)),
		"completed set keyed by canonical form")
}

func TestQueueLoadCorruptState(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "queue_state.json")
	require.NoError(t, os.WriteFile(statePath, []byte("{not json"), 0644))

	q := NewURLQueue(statePath, common.GetLogger())
	require.NoError(t, q.Load(), "corrupt state is reported, not fatal")
	assert.Equal(t, 0, q.Size())
	assert.True(t, q.Add(NewURLItem("https://en.wikipedia.org/wiki/Fresh", URLTypeArticle, 0)))
}

func TestQueueAddBatch(t *testing.T) {
	q := newTestQueue(t)

	accepted := q.AddBatch([]URLItem{
		NewURLItem("https://en.wikipedia.org/wiki/X", URLTypeArticle, 0),
		NewURLItem("https://en.wikipedia.org/wiki/X", URLTypeArticle, 0),
		NewURLItem("https://en.wikipedia.org/wiki/Y", URLTypeArticle, 0),
	})

	assert.Equal(t, 2, accepted)
	assert.Equal(t, 2, q.Size())
}
