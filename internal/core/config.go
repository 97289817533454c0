package core

import (
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/artifact"
	"inferd/internal/session"
	"inferd/pkg/types"
)

const (
	defaultIdleSessionTTL    = 5 * time.Minute
	defaultIdleSweepInterval = 30 * time.Second
)

// Config assembles the serving core. Backend is the only required field;
// every other zero value gets a sensible default.
type Config struct {
	// Registry is an explicit model list. When nil and ModelsDir is set,
	// the models dir is scanned instead.
	Registry  []types.Model
	ModelsDir string

	// Resource budget for the governor. Zero components are unconstrained.
	Budget types.ResourceBudget

	// Artifact cache. An empty CacheDir falls back to a temp dir.
	CacheDir       string
	MaxCacheBytes  int64
	EvictionPolicy artifact.Policy

	// Session pool.
	Backend        session.Backend
	MaxSessions    int
	Execution      types.ExecutionConfig
	IdleSessionTTL time.Duration
	// IdleSweepInterval controls how often idle sessions are checked.
	IdleSweepInterval time.Duration

	// Batching.
	MaxBatchSize    int
	BatchTimeout    time.Duration
	SweepInterval   time.Duration
	RequestTimeout  time.Duration
	MaxQueueDepth   int
	DisableBatching bool

	Log zerolog.Logger
}

func (c Config) withDefaults() (Config, error) {
	if c.Backend == nil {
		return c, missingBackendError{}
	}
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(os.TempDir(), "inferd-cache")
	}
	if c.IdleSessionTTL <= 0 {
		c.IdleSessionTTL = defaultIdleSessionTTL
	}
	if c.IdleSweepInterval <= 0 {
		c.IdleSweepInterval = defaultIdleSweepInterval
	}
	return c, nil
}
