package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8*1024, cfg.Engine.Tree.BlockSizeBytes)
	assert.Equal(t, "snappy", cfg.Engine.Tree.Compression)
	assert.Equal(t, DefaultMaxBreadthBlocks, cfg.Engine.Backfill.MaxBreadthBlocks)
	assert.Equal(t, DefaultMaxPendingBlocks, cfg.Engine.Backfill.MaxPendingBlocks)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	yaml := `
engine:
  tree:
    block_size_bytes: 16384
  backfill:
    max_breadth_blocks: 1000
    max_pending_blocks: 800
logging:
  level: "error"
`
	cfg, err := Load(strings.NewReader(yaml))
	require.NoError(t, err)

	assert.Equal(t, 16384, cfg.Engine.Tree.BlockSizeBytes)
	assert.Equal(t, int64(1000), cfg.Engine.Backfill.MaxBreadthBlocks)
	assert.Equal(t, int64(800), cfg.Engine.Backfill.MaxPendingBlocks)
	assert.Equal(t, "error", cfg.Logging.Level)

	// Untouched fields keep their defaults.
	assert.Equal(t, "snappy", cfg.Engine.Tree.Compression)
	assert.Equal(t, 1024, cfg.Engine.Cache.BlockCacheCapacity)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"tiny block size", "engine:\n  tree:\n    block_size_bytes: 64\n"},
		{"unknown compression", "engine:\n  tree:\n    compression: \"brotli\"\n"},
		{"breadth below floor", "engine:\n  backfill:\n    max_breadth_blocks: 2\n"},
		{"pending above breadth", "engine:\n  backfill:\n    max_breadth_blocks: 100\n    max_pending_blocks: 200\n"},
		{"zero pending", "engine:\n  backfill:\n    max_pending_blocks: 0\n"},
		{"malformed yaml", "engine: [not a map"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  data_dir: \"/var/lib/trees\"\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/trees", cfg.Engine.DataDir)
}

func TestNewLogger(t *testing.T) {
	logger, err := LoggingConfig{Level: "debug", Output: "none"}.NewLogger()
	require.NoError(t, err)
	require.NotNil(t, logger)

	_, err = LoggingConfig{Level: "whisper"}.NewLogger()
	assert.Error(t, err)

	_, err = LoggingConfig{Output: "pigeon"}.NewLogger()
	assert.Error(t, err)
}
