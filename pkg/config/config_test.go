package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile(t *testing.T) {
	path := filepath.Join("testdata", "kroute.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "acme", cfg.TopicPrefix)
	assert.Equal(t, "tasks-service", cfg.Group)
	assert.Equal(t, "continue", cfg.ErrorPolicy)
	assert.Equal(t, int32(12), cfg.Partitions)
	assert.Equal(t, "kafka", cfg.Transport.Connector)
	assert.Equal(t, []any{"localhost:9092"}, cfg.Transport.Config["brokers"])
	assert.Equal(t, "3.6.0", cfg.Transport.Config["version"])
	assert.Equal(t, "postgres", cfg.Dedup.Driver)
	assert.Equal(t, 48*time.Hour, cfg.Dedup.TTL)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9200", cfg.Metrics.Addr)
}

func TestLoadDefaultsAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	t.Setenv("KROUTE_GROUP", "from-env")
	t.Setenv("KROUTE_DEDUP_DRIVER", "redis")
	t.Setenv("KROUTE_PARTITIONS", "6")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "kroute", cfg.TopicPrefix)
	assert.Equal(t, "from-env", cfg.Group)
	assert.Equal(t, "fail", cfg.ErrorPolicy)
	assert.Equal(t, int32(6), cfg.Partitions)
	assert.Equal(t, "memory", cfg.Transport.Connector)
	assert.NotNil(t, cfg.Transport.Config)
	assert.Equal(t, "redis", cfg.Dedup.Driver)
	assert.Equal(t, 24*time.Hour, cfg.Dedup.TTL)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
