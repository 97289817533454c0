package artifact

import "fmt"

// Policy selects which cached artifact is evicted when space is needed.
// Configured once at Open; policies are not mixed.
type Policy string

const (
	// PolicyLRU evicts the entry with the oldest last access.
	PolicyLRU Policy = "lru"
	// PolicyLFU evicts the entry with the lowest access count.
	PolicyLFU Policy = "lfu"
	// PolicyFIFO evicts the oldest cached entry.
	PolicyFIFO Policy = "fifo"
	// PolicySize evicts the largest entry first.
	PolicySize Policy = "size"
)

// ParsePolicy maps a config string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyLRU, PolicyLFU, PolicyFIFO, PolicySize:
		return Policy(s), nil
	case "":
		return PolicyLRU, nil
	default:
		return "", fmt.Errorf("unknown eviction policy %q", s)
	}
}

// victim scans entries for the next eviction candidate under p. Ties break
// by oldest cached-at so eviction order is deterministic. Returns nil when
// the cache is empty.
func victim(entries map[string]*Entry, p Policy) *Entry {
	var v *Entry
	for _, e := range entries {
		if v == nil || evictBefore(e, v, p) {
			v = e
		}
	}
	return v
}

// evictBefore reports whether e should be evicted before v under p.
func evictBefore(e, v *Entry, p Policy) bool {
	switch p {
	case PolicyLFU:
		if e.AccessCount != v.AccessCount {
			return e.AccessCount < v.AccessCount
		}
	case PolicyFIFO:
		return e.CachedAt.Before(v.CachedAt)
	case PolicySize:
		if e.SizeBytes != v.SizeBytes {
			return e.SizeBytes > v.SizeBytes
		}
	default: // PolicyLRU
		if !e.LastAccessedAt.Equal(v.LastAccessedAt) {
			return e.LastAccessedAt.Before(v.LastAccessedAt)
		}
	}
	return e.CachedAt.Before(v.CachedAt)
}
