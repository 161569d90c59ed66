package crawler

import (
	"container/heap"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/wikicrawl/internal/storage"
)

// queueEntry wraps a URLItem with the insertion sequence that breaks
// priority ties, keeping dequeue order FIFO within a priority class.
type queueEntry struct {
	item URLItem
	seq  uint64
}

type itemHeap []queueEntry

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].item.Priority != h[j].item.Priority {
		return h[i].item.Priority < h[j].item.Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(queueEntry)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}

// QueueStats mirrors the counters persisted in the queue state file
type QueueStats struct {
	URLsAdded         int `json:"urls_added"`
	URLsCompleted     int `json:"urls_completed"`
	CategoriesPending int `json:"categories_pending"`
	ArticlesPending   int `json:"articles_pending"`
}

// URLQueue is the crawl frontier: a priority queue that drains category
// pages before article pages and preserves discovery order within each
// class. Membership sets make Add idempotent across the crawl.
type URLQueue struct {
	mu        sync.Mutex
	heap      itemHeap
	seq       uint64
	pending   map[string]struct{}
	completed map[string]struct{}
	canon     func(string) string
	added     int
	done      int

	statePath string
	logger    arbor.ILogger
}

// NewURLQueue creates an empty frontier persisting to statePath
func NewURLQueue(statePath string, logger arbor.ILogger) *URLQueue {
	return &URLQueue{
		heap:      itemHeap{},
		pending:   make(map[string]struct{}),
		completed: make(map[string]struct{}),
		statePath: statePath,
		logger:    logger,
	}
}

// SetCanonicalizer installs the URL canonicalization applied to every
// URL entering the membership sets, so trivially different spellings of
// one page cannot coexist in the frontier.
func (q *URLQueue) SetCanonicalizer(canon func(string) string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.canon = canon
}

func (q *URLQueue) canonicalLocked(url string) string {
	if q.canon == nil {
		return url
	}
	return q.canon(url)
}

// Add enqueues a work item unless its URL is already pending or completed.
// Returns true if the item was accepted.
func (q *URLQueue) Add(item URLItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.addLocked(item)
}

// AddBatch enqueues a slice of items and returns how many were accepted
func (q *URLQueue) AddBatch(items []URLItem) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	accepted := 0
	for _, item := range items {
		if q.addLocked(item) {
			accepted++
		}
	}
	return accepted
}

func (q *URLQueue) addLocked(item URLItem) bool {
	if item.URL == "" {
		return false
	}
	item.URL = q.canonicalLocked(item.URL)
	if item.URL == "" {
		return false
	}
	if _, ok := q.pending[item.URL]; ok {
		return false
	}
	if _, ok := q.completed[item.URL]; ok {
		return false
	}

	if item.Priority == 0 {
		item.Priority = item.Type.Priority()
	}
	if item.DiscoveredAt == "" {
		item.DiscoveredAt = time.Now().UTC().Format(time.RFC3339)
	}

	q.seq++
	heap.Push(&q.heap, queueEntry{item: item, seq: q.seq})
	q.pending[item.URL] = struct{}{}
	q.added++
	return true
}

// Next pops the highest priority item. Returns false when the frontier
// is empty; it never blocks.
func (q *URLQueue) Next() (URLItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.heap.Len() == 0 {
		return URLItem{}, false
	}
	entry := heap.Pop(&q.heap).(queueEntry)
	delete(q.pending, entry.item.URL)
	return entry.item, true
}

// MarkCompleted records that a dequeued URL finished processing, so
// rediscoveries of it are rejected by Add.
func (q *URLQueue) MarkCompleted(url string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	url = q.canonicalLocked(url)
	if _, ok := q.completed[url]; !ok {
		q.completed[url] = struct{}{}
		q.done++
	}
}

// Size returns the number of items waiting in the frontier
func (q *URLQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Stats returns frontier counters including per-class pending counts
func (q *URLQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statsLocked()
}

func (q *URLQueue) statsLocked() QueueStats {
	stats := QueueStats{
		URLsAdded:     q.added,
		URLsCompleted: q.done,
	}
	for _, entry := range q.heap {
		if entry.item.Type == URLTypeCategory {
			stats.CategoriesPending++
		} else {
			stats.ArticlesPending++
		}
	}
	return stats
}

// queueState is the persisted form of the frontier
type queueState struct {
	QueueItems    []queueStateItem `json:"queue_items"`
	PendingURLs   []string         `json:"pending_urls"`
	CompletedURLs []string         `json:"completed_urls"`
	Stats         QueueStats       `json:"stats"`
	SavedAt       string           `json:"saved_at"`
}

type queueStateItem struct {
	Priority int     `json:"priority"`
	URL      string  `json:"url"`
	URLItem  URLItem `json:"url_item"`
}

// Save writes the frontier to its state file atomically. Items are
// serialized in dequeue order so a restart resumes the exact schedule.
func (q *URLQueue) Save() error {
	q.mu.Lock()

	snapshot := make(itemHeap, len(q.heap))
	copy(snapshot, q.heap)

	state := queueState{
		QueueItems:    make([]queueStateItem, 0, len(snapshot)),
		PendingURLs:   make([]string, 0, len(q.pending)),
		CompletedURLs: make([]string, 0, len(q.completed)),
		Stats:         q.statsLocked(),
		SavedAt:       time.Now().UTC().Format(time.RFC3339),
	}
	for url := range q.pending {
		state.PendingURLs = append(state.PendingURLs, url)
	}
	for url := range q.completed {
		state.CompletedURLs = append(state.CompletedURLs, url)
	}
	q.mu.Unlock()

	// Drain the snapshot heap to emit items in dequeue order
	heap.Init(&snapshot)
	for snapshot.Len() > 0 {
		entry := heap.Pop(&snapshot).(queueEntry)
		state.QueueItems = append(state.QueueItems, queueStateItem{
			Priority: entry.item.Priority,
			URL:      entry.item.URL,
			URLItem:  entry.item,
		})
	}

	if err := storage.WriteJSONAtomic(q.statePath, state); err != nil {
		return fmt.Errorf("failed to save queue state: %w", err)
	}

	q.logger.Debug().
		Int("items", len(state.QueueItems)).
		Int("completed", len(state.CompletedURLs)).
		Msg("Queue state saved")
	return nil
}

// Load restores the frontier from its state file. A missing file is not
// an error; an unreadable or corrupt one is reported and the frontier
// starts empty so the crawl can proceed.
func (q *URLQueue) Load() error {
	var state queueState
	if err := storage.ReadJSON(q.statePath, &state); err != nil {
		if !os.IsNotExist(err) {
			q.logger.Warn().
				Err(err).
				Str("path", q.statePath).
				Msg("Queue state unreadable, starting with empty frontier")
		}
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.heap = itemHeap{}
	q.seq = 0
	q.pending = make(map[string]struct{})
	q.completed = make(map[string]struct{})

	for _, url := range state.CompletedURLs {
		q.completed[q.canonicalLocked(url)] = struct{}{}
	}
	for _, saved := range state.QueueItems {
		item := saved.URLItem
		if item.URL == "" {
			item.URL = saved.URL
			item.Priority = saved.Priority
		}
		item.URL = q.canonicalLocked(item.URL)
		q.seq++
		heap.Push(&q.heap, queueEntry{item: item, seq: q.seq})
		q.pending[item.URL] = struct{}{}
	}

	q.added = state.Stats.URLsAdded
	q.done = state.Stats.URLsCompleted

	q.logger.Info().
		Int("items", q.heap.Len()).
		Int("completed", len(q.completed)).
		Msg("Queue state restored")
	return nil
}
