package types

// CacheStats summarizes artifact cache effectiveness.
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	Entries     int     `json:"entries"`
	TotalBytes  int64   `json:"total_bytes"`
	MaxBytes    int64   `json:"max_bytes"`
	Evictions   uint64  `json:"evictions"`
	Corruptions uint64  `json:"corruptions"`
}

// MetricsSnapshot is a point-in-time aggregate for in-process consumers.
// Prometheus collectors carry the same series for scraping.
type MetricsSnapshot struct {
	RequestsCompleted uint64  `json:"requests_completed"`
	RequestsFailed    uint64  `json:"requests_failed"`
	RequestsTimedOut  uint64  `json:"requests_timed_out"`
	RequestsCancelled uint64  `json:"requests_cancelled"`
	AdmissionDenials  uint64  `json:"admission_denials"`
	BatchesDispatched uint64  `json:"batches_dispatched"`
	AvgBatchSize      float64 `json:"avg_batch_size"`
	AvgQueueMillis    float64 `json:"avg_queue_ms"`
	AvgExecMillis     float64 `json:"avg_exec_ms"`

	Cache          CacheStats    `json:"cache"`
	Resources      UsageSnapshot `json:"resources"`
	LoadedSessions int           `json:"loaded_sessions"`
}
