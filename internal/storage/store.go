package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/wikicrawl/internal/common"
)

// Options controls where documents land and how they are grouped
type Options struct {
	OutputDir        string
	OrganizeBy       string // "flat", "category", "type" or "date"
	CreateSubfolders bool
	CategoryFolder   string // Subfolder name for the "category" layout
}

// StoreStats summarizes what has been written so far
type StoreStats struct {
	TotalFiles    int    `json:"total_files"`
	ArticleFiles  int    `json:"article_files"`
	CategoryFiles int    `json:"category_files"`
	TotalBytes    int64  `json:"total_bytes"`
	OutputDir     string `json:"output_dir"`
}

// FileStore writes crawled documents as human-readable JSON files.
// Every write is atomic (temp file, fsync, rename) and filenames are
// guaranteed unique within their subfolder across restarts.
type FileStore struct {
	opts   Options
	logger arbor.ILogger

	mu       sync.Mutex
	existing map[string]struct{} // relative paths already taken
	stats    StoreStats
}

// NewFileStore prepares the output directory and pre-populates the
// uniqueness set from documents written by earlier runs.
func NewFileStore(opts Options, logger arbor.ILogger) (*FileStore, error) {
	if opts.OutputDir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if opts.OrganizeBy == "" {
		opts.OrganizeBy = "flat"
	}

	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory %s: %w", opts.OutputDir, err)
	}

	s := &FileStore{
		opts:     opts,
		logger:   logger,
		existing: make(map[string]struct{}),
		stats:    StoreStats{OutputDir: opts.OutputDir},
	}

	if removed := s.CleanupTempFiles(); removed > 0 {
		logger.Warn().Int("count", removed).Msg("Removed stale temp files from output directory")
	}

	if err := s.scanExisting(); err != nil {
		return nil, err
	}

	logger.Debug().
		Str("output_dir", opts.OutputDir).
		Str("organize_by", opts.OrganizeBy).
		Int("existing_files", s.stats.TotalFiles).
		Msg("File store initialized")

	return s, nil
}

func (s *FileStore) scanExisting() error {
	return filepath.WalkDir(s.opts.OutputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), documentExtension) {
			return nil
		}

		rel, err := filepath.Rel(s.opts.OutputDir, path)
		if err != nil {
			return err
		}
		s.existing[filepath.ToSlash(rel)] = struct{}{}

		s.stats.TotalFiles++
		if strings.HasPrefix(d.Name(), CategoryPrefix) {
			s.stats.CategoryFiles++
		} else {
			s.stats.ArticleFiles++
		}
		if info, err := d.Info(); err == nil {
			s.stats.TotalBytes += info.Size()
		}
		return nil
	})
}

// Save writes a document for the given page title and returns the path
// it landed at. The payload is augmented with a _metadata block.
func (s *FileStore) Save(title string, isCategory bool, payload any) (string, error) {
	filename, err := DocumentFilename(title, isCategory)
	if err != nil {
		return "", fmt.Errorf("failed to build filename for %q: %w", title, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rel, err := s.reserveUnique(filepath.ToSlash(filepath.Join(s.subdir(isCategory), filename)))
	if err != nil {
		return "", err
	}

	doc, err := toDocument(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode document for %q: %w", title, err)
	}
	doc["_metadata"] = map[string]any{
		"saved_at":            time.Now().UTC().Format(time.RFC3339),
		"crawler_version":     common.GetVersion(),
		"file_format_version": common.FileFormatVersion,
	}

	path := filepath.Join(s.opts.OutputDir, filepath.FromSlash(rel))
	if err := WriteJSONAtomic(path, doc); err != nil {
		delete(s.existing, rel)
		return "", fmt.Errorf("failed to save %q: %w", title, err)
	}

	s.stats.TotalFiles++
	if isCategory {
		s.stats.CategoryFiles++
	} else {
		s.stats.ArticleFiles++
	}
	if info, err := os.Stat(path); err == nil {
		s.stats.TotalBytes += info.Size()
	}

	s.logger.Debug().Str("path", rel).Bool("category", isCategory).Msg("Document saved")

	return path, nil
}

// subdir picks the subfolder for a document per the configured layout.
// CreateSubfolders only affects the category layout, where it nests a
// per-kind folder under the crawl's category folder.
func (s *FileStore) subdir(isCategory bool) string {
	switch s.opts.OrganizeBy {
	case "category":
		if s.opts.CreateSubfolders {
			return filepath.ToSlash(filepath.Join(s.opts.CategoryFolder, kindFolder(isCategory)))
		}
		return s.opts.CategoryFolder
	case "type":
		return kindFolder(isCategory)
	case "date":
		return time.Now().UTC().Format("2006-01-02")
	default:
		return ""
	}
}

func kindFolder(isCategory bool) string {
	if isCategory {
		return "categories"
	}
	return "articles"
}

// reserveUnique claims a free relative path, appending _1, _2, ... before
// the extension when the base name is already taken.
func (s *FileStore) reserveUnique(rel string) (string, error) {
	base := strings.TrimSuffix(rel, documentExtension)
	for i := 0; i < maxUniqueAttempts; i++ {
		candidate := rel
		if i > 0 {
			candidate = fmt.Sprintf("%s_%d%s", base, i, documentExtension)
		}
		if _, taken := s.existing[candidate]; !taken {
			s.existing[candidate] = struct{}{}
			return candidate, nil
		}
	}
	return "", fmt.Errorf("could not find a unique filename for %s after %d attempts", rel, maxUniqueAttempts)
}

// Stats returns a snapshot of storage counters
func (s *FileStore) Stats() StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// CleanupTempFiles removes temp files left behind by a crashed writer
func (s *FileStore) CleanupTempFiles() int {
	removed := 0
	filepath.WalkDir(s.opts.OutputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".tmp") {
			if os.Remove(path) == nil {
				removed++
			}
		}
		return nil
	})
	return removed
}

// toDocument round-trips a payload through JSON into a generic map so a
// _metadata block can be attached regardless of the payload type.
func toDocument(payload any) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	doc := make(map[string]any)
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// WriteJSONAtomic writes v as pretty-printed JSON with sorted keys and no
// HTML escaping, via a temp file in the target directory followed by an
// atomic rename. Readers never observe a partially written file.
func WriteJSONAtomic(path string, v any) error {
	generic, err := toDocument(v)
	if err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(generic); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file into place: %w", err)
	}
	return nil
}

// ReadJSON loads a JSON file into v. A missing file is reported via
// os.IsNotExist on the returned error.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}
