package artifact

import "fmt"

// cacheFullError signals that eviction emptied the cache and the incoming
// artifact still does not fit under the ceiling.
type cacheFullError struct {
	need int64
	max  int64
}

func (e cacheFullError) Error() string {
	return fmt.Sprintf("cache full: artifact of %d bytes cannot fit ceiling of %d bytes", e.need, e.max)
}

// IsCacheFull reports whether err indicates the cache cannot make room.
func IsCacheFull(err error) bool {
	_, ok := err.(cacheFullError)
	return ok
}
