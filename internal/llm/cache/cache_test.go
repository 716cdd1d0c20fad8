package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/pkg/models"
)

func newTestCache(t *testing.T, ttl time.Duration, maxBytes int64) *Cache {
	t.Helper()
	c, err := New(t.TempDir(), ttl, maxBytes, observability.Nop())
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	return c
}

func sampleResponse(content string) *models.LLMResponse {
	return &models.LLMResponse{
		Content:  content,
		Model:    "gpt-4o",
		Provider: models.ProviderOpenAI,
		Usage:    models.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
}

func TestCacheRoundTrip(t *testing.T) {
	c := newTestCache(t, time.Hour, 0)
	msgs := []models.Message{models.UserMessage("hello")}
	kwargs := map[string]any{"model": "gpt-4o", "temperature": 0.7}

	if got := c.Get(msgs, kwargs); got != nil {
		t.Fatal("expected miss on empty cache")
	}

	c.Set(msgs, sampleResponse("A"), kwargs)

	got := c.Get(msgs, kwargs)
	if got == nil {
		t.Fatal("expected hit after set")
	}
	if got.Content != "A" {
		t.Errorf("expected content A, got %q", got.Content)
	}
	if !got.Cached {
		t.Error("hit should be marked cached")
	}
}

func TestCacheMissOnDifferentRequest(t *testing.T) {
	c := newTestCache(t, time.Hour, 0)
	msgs := []models.Message{models.UserMessage("hello")}

	c.Set(msgs, sampleResponse("A"), map[string]any{"model": "gpt-4o"})

	if got := c.Get(msgs, map[string]any{"model": "gpt-4o-mini"}); got != nil {
		t.Error("different kwargs should miss")
	}
	if got := c.Get([]models.Message{models.UserMessage("other")}, map[string]any{"model": "gpt-4o"}); got != nil {
		t.Error("different messages should miss")
	}
}

func TestFingerprintStability(t *testing.T) {
	t.Run("key order does not matter", func(t *testing.T) {
		a, err := Fingerprint(map[string]any{"model": "m", "temperature": 0.5})
		if err != nil {
			t.Fatal(err)
		}
		b, err := Fingerprint(map[string]any{"temperature": 0.5, "model": "m"})
		if err != nil {
			t.Fatal(err)
		}
		if a != b {
			t.Error("fingerprints differ across key order")
		}
	})

	t.Run("null fields are elided", func(t *testing.T) {
		a, err := Fingerprint(map[string]any{"model": "m"})
		if err != nil {
			t.Fatal(err)
		}
		b, err := Fingerprint(map[string]any{"model": "m", "user": nil})
		if err != nil {
			t.Fatal(err)
		}
		if a != b {
			t.Error("null field changed the fingerprint")
		}
	})

	t.Run("value changes matter", func(t *testing.T) {
		a, _ := Fingerprint(map[string]any{"temperature": 0.5})
		b, _ := Fingerprint(map[string]any{"temperature": 0.500001})
		if a == b {
			t.Error("distinct float values collided")
		}
	})
}

func TestCacheTTLExpiry(t *testing.T) {
	c := newTestCache(t, 10*time.Millisecond, 0)
	msgs := []models.Message{models.UserMessage("hello")}

	c.Set(msgs, sampleResponse("A"), nil)
	time.Sleep(25 * time.Millisecond)

	if got := c.Get(msgs, nil); got != nil {
		t.Fatal("expected expired entry to miss")
	}

	// The expired file is purged by the failed get.
	files, err := os.ReadDir(c.dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 {
		t.Errorf("expected expired entry removed, found %d files", len(files))
	}
}

func TestCacheCorruptEntryPurged(t *testing.T) {
	c := newTestCache(t, time.Hour, 0)
	msgs := []models.Message{models.UserMessage("hello")}

	c.Set(msgs, sampleResponse("A"), nil)

	files, err := os.ReadDir(c.dir)
	if err != nil || len(files) != 1 {
		t.Fatalf("expected one cache file, got %d (err %v)", len(files), err)
	}
	path := filepath.Join(c.dir, files[0].Name())
	if err := os.WriteFile(path, []byte("{not json"), 0o640); err != nil {
		t.Fatal(err)
	}

	if got := c.Get(msgs, nil); got != nil {
		t.Fatal("corrupt entry should miss")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("corrupt entry should be removed")
	}
}

func TestCacheSizeEviction(t *testing.T) {
	// Max of 1 byte forces eviction of the oldest half on every set.
	c := newTestCache(t, time.Hour, 1)

	for i := 0; i < 6; i++ {
		msgs := []models.Message{models.UserMessage(string(rune('a' + i)))}
		c.Set(msgs, sampleResponse("x"), nil)
		time.Sleep(2 * time.Millisecond) // distinct mtimes
	}

	stats := c.Stats()
	if stats.Total >= 6 {
		t.Errorf("expected eviction to keep entry count below 6, got %d", stats.Total)
	}
}

func TestCacheClearAndStats(t *testing.T) {
	c := newTestCache(t, time.Hour, 0)

	for i := 0; i < 3; i++ {
		msgs := []models.Message{models.UserMessage(string(rune('a' + i)))}
		c.Set(msgs, sampleResponse("x"), nil)
	}

	stats := c.Stats()
	if stats.Total != 3 {
		t.Errorf("expected 3 entries, got %d", stats.Total)
	}
	if stats.SizeBytes == 0 {
		t.Error("expected non-zero size")
	}

	c.Clear()
	if after := c.Stats(); after.Total != 0 {
		t.Errorf("expected empty cache after clear, got %d", after.Total)
	}
}
