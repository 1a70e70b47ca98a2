package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/champion-data/champion/internal/errs"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "snappy", cfg.Lake.Compression)
	assert.Equal(t, 4, cfg.Tasks.Parallelism)
	assert.Equal(t, 10_000, cfg.Quarantine.BatchRows)
	assert.Equal(t, 100, cfg.Quarantine.MaxSamples)
	assert.Equal(t, "Asia/Kolkata", cfg.Schedule.Timezone)
	assert.Equal(t, 100_000, cfg.Warehouse.ChunkRows)
}

func TestPrecedenceFileEnvFlag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "champion.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"lake:\n  base_dir: /from/file\ntasks:\n  parallelism: 8\n"), 0o644))

	t.Setenv("CHAMPION_LAKE_BASE", "/from/env")
	t.Setenv("CHAMPION_TASK_PARALLELISM", "6")

	cfg, err := Load(path, func(c *Config) { c.Tasks.Parallelism = 2 })
	require.NoError(t, err)

	// env beats file
	assert.Equal(t, "/from/env", cfg.Lake.BaseDir)
	// CLI override beats env
	assert.Equal(t, 2, cfg.Tasks.Parallelism)
}

func TestEnvDurationsAcceptBareSeconds(t *testing.T) {
	t.Setenv("CHAMPION_HTTP_TIMEOUT_CONNECT", "5")
	t.Setenv("CHAMPION_HTTP_TIMEOUT_READ", "90s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.HTTP.ConnectTimeout)
	assert.Equal(t, 90*time.Second, cfg.HTTP.ReadTimeout)
}

func TestValidationFailures(t *testing.T) {
	cases := []Override{
		func(c *Config) { c.Lake.Compression = "gzip" },
		func(c *Config) { c.Tasks.Parallelism = 0 },
		func(c *Config) { c.Warehouse.Port = 0 },
		func(c *Config) { c.Schedule.Timezone = "Mars/Olympus" },
	}
	for i, o := range cases {
		_, err := Load("", o)
		require.Error(t, err, "case %d", i)
		assert.Equal(t, errs.Config, errs.KindOf(err), "case %d", i)
		assert.Equal(t, errs.ExitMisconfigured, errs.ExitCode(err), "case %d", i)
	}
}

func TestMissingFileIsConfigError(t *testing.T) {
	_, err := Load("/nonexistent/champion.yaml")
	require.Error(t, err)
	assert.Equal(t, errs.Config, errs.KindOf(err))
}
