// Package cache is a content-addressed store of prior provider responses.
// Entries live as one JSON file per fingerprint under a configured
// directory; equivalence is decided by the canonical form of the request,
// not its literal bytes. The store trades strictness for availability:
// corrupt entries are purged on read and I/O failures never surface to
// callers.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/pkg/models"
)

// Cache stores responses keyed by request fingerprint. A single mutex
// guards the directory; cross-process writers race with last-writer-wins
// semantics, which is acceptable for a best-effort cache.
type Cache struct {
	dir      string
	ttl      time.Duration
	maxBytes int64
	logger   *observability.Logger

	mu sync.Mutex
}

// entry is the on-disk representation of one cached response.
type entry struct {
	Fingerprint string              `json:"fingerprint"`
	CachedAt    time.Time           `json:"cached_at"`
	Messages    []models.Message    `json:"messages"`
	Kwargs      map[string]any      `json:"kwargs,omitempty"`
	Response    *models.LLMResponse `json:"response"`
}

// Stats summarizes cache occupancy.
type Stats struct {
	Total     int           `json:"total"`
	Expired   int           `json:"expired"`
	SizeBytes int64         `json:"size_bytes"`
	TTL       time.Duration `json:"ttl"`
	Dir       string        `json:"dir"`
}

// New creates a cache rooted at dir, creating the directory if needed.
func New(dir string, ttl time.Duration, maxBytes int64, logger *observability.Logger) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("cache: directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &Cache{
		dir:      dir,
		ttl:      ttl,
		maxBytes: maxBytes,
		logger:   logger,
	}, nil
}

// Get returns the cached response for the request, or nil when absent,
// expired, or unreadable. Hits are returned with Cached set so downstream
// ledger writes record the flag.
func (c *Cache) Get(messages []models.Message, kwargs map[string]any) *models.LLMResponse {
	fp, err := requestFingerprint(messages, kwargs)
	if err != nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.entryPath(fp)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil || e.Response == nil {
		// Corrupt entries are purged so the next set can rebuild them.
		_ = os.Remove(path)
		return nil
	}
	if time.Since(e.CachedAt) > c.ttl {
		_ = os.Remove(path)
		return nil
	}

	resp := *e.Response
	resp.Cached = true
	return &resp
}

// Set persists the response best-effort. Expired entries are purged first;
// if the directory would still exceed the size bound, the oldest half by
// modification time is evicted. Failures are logged and swallowed.
func (c *Cache) Set(messages []models.Message, resp *models.LLMResponse, kwargs map[string]any) {
	if resp == nil {
		return
	}
	fp, err := requestFingerprint(messages, kwargs)
	if err != nil {
		c.logger.Warn(context.Background(), "cache fingerprint failed", "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeExpiredLocked()
	c.evictForSpaceLocked()

	stored := *resp
	stored.Cached = false
	e := entry{
		Fingerprint: fp,
		CachedAt:    time.Now().UTC(),
		Messages:    messages,
		Kwargs:      kwargs,
		Response:    &stored,
	}
	data, err := json.Marshal(e)
	if err != nil {
		c.logger.Warn(context.Background(), "cache encode failed", "error", err)
		return
	}
	if err := os.WriteFile(c.entryPath(fp), data, 0o640); err != nil {
		c.logger.Warn(context.Background(), "cache write failed", "fingerprint", fp, "error", err)
	}
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, info := range c.listLocked() {
		_ = os.Remove(filepath.Join(c.dir, info.Name()))
	}
}

// Stats reports entry counts and total size.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{TTL: c.ttl, Dir: c.dir}
	cutoff := time.Now().Add(-c.ttl)
	for _, info := range c.listLocked() {
		fi, err := info.Info()
		if err != nil {
			continue
		}
		stats.Total++
		stats.SizeBytes += fi.Size()
		if fi.ModTime().Before(cutoff) {
			stats.Expired++
		}
	}
	return stats
}

func (c *Cache) entryPath(fingerprint string) string {
	return filepath.Join(c.dir, fingerprint+".json")
}

func (c *Cache) listLocked() []fs.DirEntry {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil
	}
	files := entries[:0]
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			files = append(files, e)
		}
	}
	return files
}

// purgeExpiredLocked removes entries older than the TTL, judged by file
// modification time so unreadable entries still age out.
func (c *Cache) purgeExpiredLocked() {
	cutoff := time.Now().Add(-c.ttl)
	for _, info := range c.listLocked() {
		fi, err := info.Info()
		if err != nil {
			continue
		}
		if fi.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(c.dir, info.Name()))
		}
	}
}

// evictForSpaceLocked drops the oldest half of entries when the directory
// exceeds the configured size bound.
func (c *Cache) evictForSpaceLocked() {
	if c.maxBytes <= 0 {
		return
	}

	type fileAge struct {
		name    string
		size    int64
		modTime time.Time
	}
	var files []fileAge
	var total int64
	for _, info := range c.listLocked() {
		fi, err := info.Info()
		if err != nil {
			continue
		}
		files = append(files, fileAge{name: info.Name(), size: fi.Size(), modTime: fi.ModTime()})
		total += fi.Size()
	}
	if total <= c.maxBytes {
		return
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})
	evicted := 0
	for _, f := range files[:len(files)/2+1] {
		if err := os.Remove(filepath.Join(c.dir, f.name)); err == nil {
			evicted++
		}
	}
	c.logger.Debug(context.Background(), "cache evicted oldest entries", "count", evicted)
}

// requestFingerprint folds messages and kwargs into one canonical payload.
func requestFingerprint(messages []models.Message, kwargs map[string]any) (string, error) {
	payload := map[string]any{"messages": messages}
	for k, v := range kwargs {
		if v == nil {
			continue
		}
		payload[k] = v
	}
	return Fingerprint(payload)
}
