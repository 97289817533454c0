// Package artifact caches model binaries on local disk under a byte ceiling.
// A JSON index is rewritten after every mutation and reloaded at startup;
// entries whose backing file disappeared are dropped and logged. Mutations
// are serialized by a single writer lock.
package artifact

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"inferd/internal/metrics"
	"inferd/pkg/types"
)

// Entry is the cached artifact record for one model id. Recency and
// frequency fields mutate on every hit.
type Entry struct {
	ModelID        string    `json:"model_id"`
	Key            string    `json:"key"`
	SizeBytes      int64     `json:"size_bytes"`
	Hash           string    `json:"hash"`
	CachedAt       time.Time `json:"cached_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    uint64    `json:"access_count"`
	Path           string    `json:"path"`
}

// Config carries Cache construction options.
type Config struct {
	// Dir is the cache directory; created if missing. The index lives at
	// Dir/index.json and artifact bytes as separate files beside it.
	Dir string
	// MaxBytes is the storage ceiling. Zero disables the ceiling.
	MaxBytes int64
	// Policy selects the eviction policy; defaults to LRU.
	Policy Policy
	// Pinned, when set, marks entries eviction may not touch. A loaded
	// session pins its artifact: evicting it would leave a session with no
	// backing artifact. Pinned entries still count against the ceiling and
	// remain subject to explicit Invalidate.
	Pinned  func(modelID string) bool
	Log     zerolog.Logger
	Metrics *metrics.Aggregator
}

// Cache is the artifact store.
type Cache struct {
	mu         sync.RWMutex
	dir        string
	indexPath  string
	maxBytes   int64
	policy     Policy
	pinned     func(modelID string) bool
	entries    map[string]*Entry
	totalBytes int64

	hits        uint64
	misses      uint64
	evictions   uint64
	corruptions uint64

	log zerolog.Logger
	agg *metrics.Aggregator
}

// Open creates the cache directory if needed and reloads the persisted
// index, dropping entries whose backing file is missing.
func Open(cfg Config) (*Cache, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("artifact cache: empty directory")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact cache: create dir: %w", err)
	}
	policy := cfg.Policy
	if policy == "" {
		policy = PolicyLRU
	}
	c := &Cache{
		dir:       cfg.Dir,
		indexPath: filepath.Join(cfg.Dir, indexFile),
		maxBytes:  cfg.MaxBytes,
		policy:    policy,
		pinned:    cfg.Pinned,
		entries:   make(map[string]*Entry),
		log:       cfg.Log,
		agg:       cfg.Metrics,
	}
	if err := c.loadIndex(); err != nil {
		return nil, err
	}
	return c, nil
}

// GetOrLoad returns the cache key for modelID, copying the artifact from
// source on a miss. A hit updates recency and frequency and returns the
// existing key without touching the bytes. On a miss, eviction runs until
// the incoming size fits; if no evictable entry remains and the artifact
// still does not fit, GetOrLoad fails with a cache-full error.
func (c *Cache) GetOrLoad(modelID, source string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[modelID]; ok {
		if _, err := os.Stat(e.Path); err == nil {
			e.LastAccessedAt = time.Now()
			e.AccessCount++
			c.hits++
			c.agg.CacheEvent("hit")
			c.saveIndexLocked()
			return e.Key, nil
		}
		// Backing file vanished underneath us; drop the entry and fall
		// through to the miss path.
		c.dropCorruptLocked(e)
	}

	c.misses++
	c.agg.CacheEvent("miss")

	fi, err := os.Stat(source)
	if err != nil {
		return "", fmt.Errorf("artifact cache: stat source %s: %w", source, err)
	}
	incoming := fi.Size()
	if err := c.evictUntilFitsLocked(incoming); err != nil {
		return "", err
	}

	e, err := c.copyInLocked(modelID, source, incoming)
	if err != nil {
		return "", err
	}
	c.entries[modelID] = e
	c.totalBytes += e.SizeBytes
	c.agg.CacheBytes(c.totalBytes)
	c.saveIndexLocked()
	c.log.Info().Str("event", "cache_insert").Str("model", modelID).
		Int64("size_bytes", e.SizeBytes).Str("key", e.Key).Msg("artifact cached")
	return e.Key, nil
}

// Path returns the on-disk artifact path for modelID, if cached.
func (c *Cache) Path(modelID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[modelID]
	if !ok {
		return "", false
	}
	return e.Path, true
}

// Invalidate removes the entry and its backing file. Missing ids are a no-op.
func (c *Cache) Invalidate(modelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[modelID]
	if !ok {
		return
	}
	c.removeLocked(e)
	c.saveIndexLocked()
	c.log.Info().Str("event", "cache_invalidate").Str("model", modelID).Msg("artifact invalidated")
}

// Stats returns cache effectiveness counters.
func (c *Cache) Stats() types.CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := types.CacheStats{
		Hits:        c.hits,
		Misses:      c.misses,
		Entries:     len(c.entries),
		TotalBytes:  c.totalBytes,
		MaxBytes:    c.maxBytes,
		Evictions:   c.evictions,
		Corruptions: c.corruptions,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Entries returns a snapshot of the index for status reporting.
func (c *Cache) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	return out
}

// evictUntilFitsLocked removes victims per the configured policy until
// incoming fits under the ceiling, or fails once no evictable entry is left.
// Pinned entries are never victims.
func (c *Cache) evictUntilFitsLocked(incoming int64) error {
	if c.maxBytes <= 0 || c.totalBytes+incoming <= c.maxBytes {
		return nil
	}
	candidates := make(map[string]*Entry, len(c.entries))
	for id, e := range c.entries {
		if c.pinned != nil && c.pinned(id) {
			continue
		}
		candidates[id] = e
	}
	for c.totalBytes+incoming > c.maxBytes {
		v := victim(candidates, c.policy)
		if v == nil {
			return cacheFullError{need: incoming, max: c.maxBytes}
		}
		delete(candidates, v.ModelID)
		c.removeLocked(v)
		c.evictions++
		c.agg.CacheEvent("eviction")
		c.log.Info().Str("event", "cache_evict").Str("model", v.ModelID).
			Str("policy", string(c.policy)).Int64("size_bytes", v.SizeBytes).Msg("artifact evicted")
	}
	return nil
}

// copyInLocked copies source into the cache directory, hashing as it goes.
func (c *Cache) copyInLocked(modelID, source string, expect int64) (*Entry, error) {
	src, err := os.Open(source)
	if err != nil {
		return nil, fmt.Errorf("artifact cache: open source: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(c.dir, ".incoming-*")
	if err != nil {
		return nil, fmt.Errorf("artifact cache: temp file: %w", err)
	}
	digest := xxhash.New()
	written, err := io.Copy(io.MultiWriter(tmp, digest), src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("artifact cache: copy %s: %w", source, err)
	}
	sum := hex.EncodeToString(digest.Sum(nil))
	dest := filepath.Join(c.dir, fmt.Sprintf("%s-%s.bin", sanitizeID(modelID), sum[:8]))
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("artifact cache: place artifact: %w", err)
	}
	now := time.Now()
	return &Entry{
		ModelID:        modelID,
		Key:            sum,
		SizeBytes:      written,
		Hash:           sum,
		CachedAt:       now,
		LastAccessedAt: now,
		AccessCount:    1,
		Path:           dest,
	}, nil
}

func (c *Cache) removeLocked(e *Entry) {
	if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
		c.log.Warn().Str("event", "cache_remove_file").Str("model", e.ModelID).Err(err).Msg("removing artifact file")
	}
	delete(c.entries, e.ModelID)
	c.totalBytes -= e.SizeBytes
	if c.totalBytes < 0 {
		c.totalBytes = 0
	}
	c.agg.CacheBytes(c.totalBytes)
}

// dropCorruptLocked drops an entry whose backing file is missing. Corruption
// self-heals: the entry disappears and the next GetOrLoad recopies.
func (c *Cache) dropCorruptLocked(e *Entry) {
	delete(c.entries, e.ModelID)
	c.totalBytes -= e.SizeBytes
	if c.totalBytes < 0 {
		c.totalBytes = 0
	}
	c.corruptions++
	c.agg.CacheEvent("corruption")
	c.agg.CacheBytes(c.totalBytes)
	c.log.Warn().Str("event", "cache_corruption").Str("model", e.ModelID).
		Str("path", e.Path).Msg("index entry missing backing file, dropped")
}

// sanitizeID makes a model id safe for use in a file name.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
