package artifact

import (
	"encoding/json"
	"fmt"
	"os"
)

const indexFile = "index.json"

// loadIndex reloads the persisted index at startup. Entries whose backing
// file is missing are dropped (logged as corruption); a missing or unreadable
// index starts the cache empty.
func (c *Cache) loadIndex() error {
	b, err := os.ReadFile(c.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("artifact cache: read index: %w", err)
	}
	var data map[string]*Entry
	if err := json.Unmarshal(b, &data); err != nil {
		// A damaged index is not fatal; start empty and let the cache refill.
		c.log.Warn().Str("event", "cache_index_damaged").Err(err).Msg("index unreadable, starting empty")
		return nil
	}
	dropped := false
	for id, e := range data {
		if _, err := os.Stat(e.Path); err != nil {
			c.corruptions++
			c.agg.CacheEvent("corruption")
			c.log.Warn().Str("event", "cache_corruption").Str("model", id).
				Str("path", e.Path).Msg("index entry missing backing file, dropped")
			dropped = true
			continue
		}
		c.entries[id] = e
		c.totalBytes += e.SizeBytes
	}
	c.agg.CacheBytes(c.totalBytes)
	if dropped {
		c.saveIndexLocked()
	}
	return nil
}

// saveIndexLocked rewrites the index file. Called after every mutation with
// the writer lock held. Persistence failures are logged, not fatal: the
// cache remains correct in memory and the next mutation retries the write.
func (c *Cache) saveIndexLocked() {
	b, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		c.log.Error().Str("event", "cache_index_save").Err(err).Msg("marshal index")
		return
	}
	if err := os.WriteFile(c.indexPath, b, 0o644); err != nil {
		c.log.Error().Str("event", "cache_index_save").Err(err).Msg("write index")
	}
}
