package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaultConfig(t *testing.T) {
	cfg, err := parse(DefaultConfigYAML)
	require.NoError(t, err)

	assert.Equal(t, "https://files.grouplens.org/datasets/movielens/ml-32m.zip", cfg.Source.URL)
	assert.Equal(t, "movies.csv", cfg.Source.MoviesFile)
	assert.Equal(t, "ratings.csv", cfg.Source.RatingsFile)
	assert.Equal(t, 100000, cfg.Staging.ChunkSize)
	assert.True(t, cfg.Output.Workbook)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestParseMinimalConfig(t *testing.T) {
	data := []byte(`
staging:
  chunk_size: 500
output:
  data_dir: /tmp/ml
`)
	cfg, err := parse(data)
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.Staging.ChunkSize)
	assert.Equal(t, "/tmp/ml", cfg.GetDataDir())
	// Defaults should still be set for unspecified fields
	assert.Equal(t, "ml-32m", cfg.Source.ExtractedDir)
	assert.Equal(t, filepath.Join("/tmp/ml", "raw", "ml-32m", "ratings.csv"), cfg.RatingsPath())
	assert.Equal(t, filepath.Join("/tmp/ml", "output"), cfg.GetReportDir())
}

func TestParseRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"zero chunk size", "staging:\n  chunk_size: 0\n", "ChunkSize"},
		{"bad url", "source:\n  url: not a url\n", "URL"},
		{"unknown level", "logging:\n  level: loud\n", "Level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, DefaultConfigYAML, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ml-32m.zip", cfg.Source.ArchiveName)
}

func TestResolveConfigPathExplicitMissing(t *testing.T) {
	_, err := ResolveConfigPath(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestGetDataDir(t *testing.T) {
	cfg := &Config{}
	assert.NotEmpty(t, cfg.GetDataDir())

	cfg.Output.DataDir = "/custom/path"
	assert.Equal(t, "/custom/path", cfg.GetDataDir())
	assert.Equal(t, filepath.Join("/custom/path", "movielens.db"), cfg.DBPath())
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("warn", false)
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1))

	logger, err = NewLogger("warn", true)
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1))

	_, err = NewLogger("chatty", false)
	assert.Error(t, err)
}
