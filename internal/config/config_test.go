package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(viper.New())
	require.NoError(t, err)

	assert.Equal(t, 8282, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, "content", cfg.Build.ContentDir)
	assert.Equal(t, "**/*.html", cfg.Build.ContentGlob)
	assert.Equal(t, []string{"templates/**", "data/**"}, cfg.Build.DependencyGlobs)
	assert.Equal(t, 4, cfg.Scheduler.Workers)
	assert.Equal(t, 32, cfg.Diff.MaxOpsPerParent)
	assert.Equal(t, 512, cfg.Diff.MaxTotalOps)
	assert.True(t, cfg.Development.HotReload)
	assert.Equal(t, 50*time.Millisecond, cfg.Development.Debounce)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, ".quire.yml")
	require.NoError(t, os.WriteFile(file, []byte(`
server:
  port: 9000
build:
  content_dir: pages
  drafts: true
  dependency_globs:
    - layouts/**
scheduler:
  workers: 2
development:
  debounce: 200ms
`), 0o644))

	v := viper.New()
	v.SetConfigFile(file)
	require.NoError(t, v.ReadInConfig())

	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "pages", cfg.Build.ContentDir)
	assert.True(t, cfg.Build.Drafts)
	assert.Equal(t, []string{"layouts/**"}, cfg.Build.DependencyGlobs)
	assert.Equal(t, 2, cfg.Scheduler.Workers)
	assert.Equal(t, 200*time.Millisecond, cfg.Development.Debounce)
}

func TestLoadCommaSeparatedGlobs(t *testing.T) {
	v := viper.New()
	v.Set("build.ignore", "a/**, b/**")

	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/**", "b/**"}, cfg.Build.Ignore)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  interface{}
	}{
		{"port out of range", "server.port", 70000},
		{"host with shell chars", "server.host", "localhost;rm"},
		{"absolute content dir", "build.content_dir", "/etc"},
		{"escaping output dir", "build.output_dir", "../public"},
		{"output inside content", "build.output_dir", "content/public"},
		{"zero workers", "scheduler.workers", 0},
		{"zero diff threshold", "diff.max_total_ops", 0},
		{"bad glob", "build.content_glob", "[abc"},
		{"bad log format", "log.format", "xml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			v.Set(tt.key, tt.val)
			_, err := LoadFrom(v)
			assert.Error(t, err)
		})
	}
}

func TestPaths(t *testing.T) {
	v := viper.New()
	v.Set("build.root", "/srv/site")
	cfg, err := LoadFrom(v)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join("/srv/site", "content"), cfg.ContentPath())
	assert.Equal(t, filepath.Join("/srv/site", "templates"), cfg.TemplatesPath())
	assert.Equal(t, filepath.Join("/srv/site", "public"), cfg.OutputPath())
	assert.Equal(t, filepath.Join("/srv/site", ".quire/state.db"), cfg.StatePath())

	cfg.Build.StateFile = ""
	assert.Equal(t, "", cfg.StatePath())
}
