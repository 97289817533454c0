package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"inferd/internal/artifact"
	"inferd/internal/config"
	"inferd/internal/core"
	"inferd/internal/session"
	"inferd/pkg/types"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var (
		configPath string
		modelsDir  string
		cacheDir   string
		logLevel   string
	)

	defaultModels := "~/models/llm"
	if v := os.Getenv("INFERD_MODELS_DIR"); v != "" {
		defaultModels = v
	}

	root := &cobra.Command{
		Use:           "inferd",
		Short:         "Local resource-bounded inference serving core",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, modelsDir, cacheDir, logLevel)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "Config file (.yaml/.json/.toml); flags override file values")
	root.Flags().StringVar(&modelsDir, "models-dir", defaultModels, "Directory to scan for model artifacts")
	root.Flags().StringVar(&cacheDir, "cache-dir", "", "Artifact cache directory (default: temp dir)")
	root.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	return root
}

func run(configPath, modelsDir, cacheDir, logLevel string) error {
	log := newLogger(logLevel)

	var fileCfg config.Config
	if configPath != "" {
		var err error
		fileCfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log.Info().Str("event", "config_load").Str("path", configPath).Msg("config file loaded")
	}
	if fileCfg.ModelsDir == "" {
		fileCfg.ModelsDir = modelsDir
	}
	if cacheDir != "" {
		fileCfg.CacheDir = cacheDir
	}

	policy, err := artifact.ParsePolicy(fileCfg.EvictionPolicy)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	c, err := core.New(coreConfig(fileCfg, policy, log))
	if err != nil {
		return fmt.Errorf("build core: %w", err)
	}
	c.Start()
	log.Info().Str("event", "serving").Str("models_dir", fileCfg.ModelsDir).
		Int("models", len(c.Models())).Msg("inferd running")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			snap := c.Metrics()
			log.Info().Str("event", "metrics").
				Uint64("completed", snap.RequestsCompleted).
				Uint64("failed", snap.RequestsFailed).
				Uint64("timed_out", snap.RequestsTimedOut).
				Float64("cache_hit_rate", snap.Cache.HitRate).
				Int("sessions", snap.LoadedSessions).
				Msg("periodic snapshot")
		case sig := <-stop:
			log.Info().Str("event", "shutdown").Str("signal", sig.String()).Msg("shutting down")
			c.Close()
			return nil
		}
	}
}

// coreConfig maps the file/flag configuration onto core.Config, applying
// unit conversions (MB -> bytes, ms/sec -> durations).
func coreConfig(fc config.Config, policy artifact.Policy, log zerolog.Logger) core.Config {
	cfg := core.Config{
		ModelsDir: fc.ModelsDir,
		CacheDir:  fc.CacheDir,
		Budget: types.ResourceBudget{
			MaxCPUPercent:       fc.MaxCPUPercent,
			MaxMemoryBytes:      fc.MaxMemoryMB << 20,
			MaxAcceleratorBytes: fc.MaxAcceleratorMB << 20,
			MaxAllocations:      fc.MaxAllocations,
		},
		MaxCacheBytes:   fc.MaxCacheMB << 20,
		EvictionPolicy:  policy,
		Backend:         session.NewMemoryBackend(),
		MaxSessions:     fc.MaxSessions,
		Execution:       types.ExecutionConfig{Provider: fc.Provider},
		MaxBatchSize:    fc.MaxBatchSize,
		MaxQueueDepth:   fc.MaxQueueDepth,
		DisableBatching: fc.DisableBatching,
		Log:             log,
	}
	if fc.IdleSessionSec > 0 {
		cfg.IdleSessionTTL = time.Duration(fc.IdleSessionSec) * time.Second
	}
	if fc.BatchTimeoutMs > 0 {
		cfg.BatchTimeout = time.Duration(fc.BatchTimeoutMs) * time.Millisecond
	}
	if fc.RequestTimeoutMs > 0 {
		cfg.RequestTimeout = time.Duration(fc.RequestTimeoutMs) * time.Millisecond
	}
	return cfg
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
