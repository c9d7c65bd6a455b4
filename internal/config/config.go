// Package config provides configuration management for quire using Viper
// for loading from files, environment variables, and command-line flags.
//
// The configuration system supports YAML files, environment variable
// overrides with the QUIRE_ prefix and validation. It covers the preview
// server, the site layout on disk, the compile scheduler, the diff engine
// thresholds and development options like hot reload.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Build       BuildConfig       `yaml:"build" mapstructure:"build"`
	Scheduler   SchedulerConfig   `yaml:"scheduler" mapstructure:"scheduler"`
	Diff        DiffConfig        `yaml:"diff" mapstructure:"diff"`
	Development DevelopmentConfig `yaml:"development" mapstructure:"development"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	Host           string   `yaml:"host" mapstructure:"host"`
	Open           bool     `yaml:"open" mapstructure:"open"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

type BuildConfig struct {
	Root            string   `yaml:"root" mapstructure:"root"`
	ContentDir      string   `yaml:"content_dir" mapstructure:"content_dir"`
	TemplatesDir    string   `yaml:"templates_dir" mapstructure:"templates_dir"`
	OutputDir       string   `yaml:"output_dir" mapstructure:"output_dir"`
	ContentGlob     string   `yaml:"content_glob" mapstructure:"content_glob"`
	DependencyGlobs []string `yaml:"dependency_globs" mapstructure:"dependency_globs"`
	Ignore          []string `yaml:"ignore" mapstructure:"ignore"`
	Drafts          bool     `yaml:"drafts" mapstructure:"drafts"`
	MetaSchema      string   `yaml:"meta_schema" mapstructure:"meta_schema"`
	StateFile       string   `yaml:"state_file" mapstructure:"state_file"`
}

type SchedulerConfig struct {
	Workers int `yaml:"workers" mapstructure:"workers"`
}

// DiffConfig holds the structural divergence thresholds of the diff engine.
type DiffConfig struct {
	MaxOpsPerParent int `yaml:"max_ops_per_parent" mapstructure:"max_ops_per_parent"`
	MaxTotalOps     int `yaml:"max_total_ops" mapstructure:"max_total_ops"`
}

type DevelopmentConfig struct {
	HotReload bool          `yaml:"hot_reload" mapstructure:"hot_reload"`
	Debounce  time.Duration `yaml:"debounce" mapstructure:"debounce"`
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8282)
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.open", false)
	v.SetDefault("server.allowed_origins", []string{"localhost:*", "127.0.0.1:*"})

	v.SetDefault("build.root", ".")
	v.SetDefault("build.content_dir", "content")
	v.SetDefault("build.templates_dir", "templates")
	v.SetDefault("build.output_dir", "public")
	v.SetDefault("build.content_glob", "**/*.html")
	v.SetDefault("build.dependency_globs", []string{"templates/**", "data/**"})
	v.SetDefault("build.ignore", []string{".git/**", "node_modules/**", "**/*~", "**/.#*"})
	v.SetDefault("build.drafts", false)
	v.SetDefault("build.state_file", ".quire/state.db")

	v.SetDefault("scheduler.workers", 4)

	v.SetDefault("diff.max_ops_per_parent", 32)
	v.SetDefault("diff.max_total_ops", 512)

	v.SetDefault("development.hot_reload", true)
	v.SetDefault("development.debounce", 50*time.Millisecond)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads the configuration held by the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads and validates the configuration held by v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Slices set through env or flags arrive as one comma separated string
	config.Build.DependencyGlobs = splitList(config.Build.DependencyGlobs)
	config.Build.Ignore = splitList(config.Build.Ignore)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// ContentPath returns the content directory joined to the site root.
func (c *Config) ContentPath() string {
	return filepath.Join(c.Build.Root, c.Build.ContentDir)
}

// TemplatesPath returns the templates directory joined to the site root.
func (c *Config) TemplatesPath() string {
	return filepath.Join(c.Build.Root, c.Build.TemplatesDir)
}

// OutputPath returns the output directory joined to the site root.
func (c *Config) OutputPath() string {
	return filepath.Join(c.Build.Root, c.Build.OutputDir)
}

// StatePath returns the state file joined to the site root, or "" when
// persistence is disabled.
func (c *Config) StatePath() string {
	if c.Build.StateFile == "" {
		return ""
	}
	if filepath.IsAbs(c.Build.StateFile) {
		return c.Build.StateFile
	}
	return filepath.Join(c.Build.Root, c.Build.StateFile)
}

// validateConfig validates configuration values for correctness
func validateConfig(config *Config) error {
	if err := validateServerConfig(&config.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := validateBuildConfig(&config.Build); err != nil {
		return fmt.Errorf("build config: %w", err)
	}

	if config.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler config: workers must be at least 1, got %d", config.Scheduler.Workers)
	}

	if config.Diff.MaxOpsPerParent < 1 || config.Diff.MaxTotalOps < 1 {
		return fmt.Errorf("diff config: thresholds must be at least 1")
	}

	if config.Development.Debounce < 0 {
		return fmt.Errorf("development config: negative debounce %s", config.Development.Debounce)
	}

	switch config.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log config: unknown format %q", config.Log.Format)
	}

	return nil
}

// validateServerConfig validates server configuration values
func validateServerConfig(config *ServerConfig) error {
	// Allow 0 for system-assigned ports in testing
	if config.Port < 0 || config.Port > 65535 {
		return fmt.Errorf("port %d is not in valid range 0-65535", config.Port)
	}

	if strings.ContainsAny(config.Host, ";&|$`()<>\"'\\ ") {
		return fmt.Errorf("host contains invalid characters: %q", config.Host)
	}

	return nil
}

// validateBuildConfig validates build configuration values
func validateBuildConfig(config *BuildConfig) error {
	if err := validateDir("content_dir", config.ContentDir); err != nil {
		return err
	}
	if err := validateDir("templates_dir", config.TemplatesDir); err != nil {
		return err
	}
	if err := validateDir("output_dir", config.OutputDir); err != nil {
		return err
	}

	content := filepath.Clean(config.ContentDir)
	output := filepath.Clean(config.OutputDir)
	if output == content || strings.HasPrefix(output+string(filepath.Separator), content+string(filepath.Separator)) {
		return fmt.Errorf("output_dir %q must not be inside content_dir %q", config.OutputDir, config.ContentDir)
	}

	patterns := append([]string{config.ContentGlob}, config.DependencyGlobs...)
	patterns = append(patterns, config.Ignore...)
	for _, pattern := range patterns {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid glob pattern %q", pattern)
		}
	}

	return nil
}

// validateDir rejects empty, absolute and escaping directories
func validateDir(name, dir string) error {
	if dir == "" {
		return fmt.Errorf("%s must not be empty", name)
	}

	cleanPath := filepath.Clean(dir)
	if filepath.IsAbs(cleanPath) {
		return fmt.Errorf("%s should be a path relative to the site root: %s", name, dir)
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%s contains path traversal: %s", name, dir)
	}

	return nil
}
