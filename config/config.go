package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/INLOpen/nexustree/core"
)

// TreeConfig holds tree-file-level configurations.
type TreeConfig struct {
	BlockSizeBytes int    `yaml:"block_size_bytes"`
	Compression    string `yaml:"compression"`
}

// CacheConfig holds block-cache configurations.
type CacheConfig struct {
	BlockCacheCapacity int `yaml:"block_cache_capacity"`
}

// BackfillConfig holds the admission ceilings for incremental backfills.
// MaxBreadthBlocks bounds the total blocks simultaneously held or pending
// across one traversal; MaxPendingBlocks bounds blocks awaiting acquisition
// completion.
type BackfillConfig struct {
	MaxBreadthBlocks int64 `yaml:"max_breadth_blocks"`
	MaxPendingBlocks int64 `yaml:"max_pending_blocks"`
}

// EngineConfig holds all engine-related configurations, grouped logically.
type EngineConfig struct {
	DataDir  string         `yaml:"data_dir"`
	Tree     TreeConfig     `yaml:"tree"`
	Cache    CacheConfig    `yaml:"cache"`
	Backfill BackfillConfig `yaml:"backfill"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "stderr", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// Config is the root configuration document.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Logging LoggingConfig `yaml:"logging"`
}

const (
	// DefaultMaxBreadthBlocks and DefaultMaxPendingBlocks bound block usage
	// during a backfill independent of tree size. The breadth ceiling covers
	// held plus pending blocks; the pending ceiling covers in-flight
	// acquisitions only.
	DefaultMaxBreadthBlocks int64 = 50000
	DefaultMaxPendingBlocks int64 = 40000

	// MinBreadthBlocks is the smallest usable breadth ceiling. The traversal
	// holds one block per level of an active descent path plus one batch of
	// siblings, so a tiny ceiling can wedge the admission gate.
	MinBreadthBlocks int64 = 16
)

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			DataDir: "./data",
			Tree: TreeConfig{
				BlockSizeBytes: 8 * 1024, // 8 KiB
				Compression:    "snappy",
			},
			Cache: CacheConfig{
				BlockCacheCapacity: 1024,
			},
			Backfill: BackfillConfig{
				MaxBreadthBlocks: DefaultMaxBreadthBlocks,
				MaxPendingBlocks: DefaultMaxPendingBlocks,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "nexustree.log",
		},
	}
}

// Load reads configuration from an io.Reader, layering it over defaults.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config yaml: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads configuration from a file path. A missing file yields
// the defaults.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Engine.Tree.BlockSizeBytes < 512 {
		return fmt.Errorf("tree.block_size_bytes must be at least 512, got %d", c.Engine.Tree.BlockSizeBytes)
	}
	if _, ok := core.ParseCompressionType(c.Engine.Tree.Compression); !ok {
		return fmt.Errorf("unknown tree.compression %q", c.Engine.Tree.Compression)
	}
	bf := c.Engine.Backfill
	if bf.MaxBreadthBlocks < MinBreadthBlocks {
		return fmt.Errorf("backfill.max_breadth_blocks must be at least %d, got %d", MinBreadthBlocks, bf.MaxBreadthBlocks)
	}
	if bf.MaxPendingBlocks < 1 {
		return fmt.Errorf("backfill.max_pending_blocks must be at least 1, got %d", bf.MaxPendingBlocks)
	}
	if bf.MaxPendingBlocks > bf.MaxBreadthBlocks {
		return fmt.Errorf("backfill.max_pending_blocks (%d) must not exceed backfill.max_breadth_blocks (%d)",
			bf.MaxPendingBlocks, bf.MaxBreadthBlocks)
	}
	return nil
}

// NewLogger builds a *slog.Logger from the logging section.
func (lc LoggingConfig) NewLogger() (*slog.Logger, error) {
	var level slog.Level
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown logging level %q", lc.Level)
	}

	var w io.Writer
	switch lc.Output {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	case "none":
		w = io.Discard
	case "file":
		f, err := os.OpenFile(lc.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", lc.File, err)
		}
		w = f
	default:
		return nil, fmt.Errorf("unknown logging output %q", lc.Output)
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}
