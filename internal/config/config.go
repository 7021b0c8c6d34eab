package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Index    IndexConfig    `mapstructure:"index"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Log      LogConfig      `mapstructure:"log"`
}

// DatabaseConfig locates the bbolt file.
type DatabaseConfig struct {
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// IndexConfig locates the bleve index.
type IndexConfig struct {
	Path        string        `mapstructure:"path"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

// FetchConfig controls outbound content fetches.
type FetchConfig struct {
	HTTPTimeout       time.Duration `mapstructure:"http_timeout"`
	UserAgent         string        `mapstructure:"user_agent"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
	// AllowPrivateHosts lets bookmarks on loopback and private addresses be fetched.
	AllowPrivateHosts bool          `mapstructure:"allow_private_hosts"`
}

// JobsConfig sizes the job worker.
type JobsConfig struct {
	Workers      int           `mapstructure:"workers"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

// PipelineConfig tunes indexing retries and maintenance batches.
type PipelineConfig struct {
	IndexBackoff     time.Duration `mapstructure:"index_backoff"`
	IndexMaxAttempts int           `mapstructure:"index_max_attempts"`
	MissingBatch     int           `mapstructure:"missing_batch"`
}

// LogConfig selects the log level and destination.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

func defaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".marks")

	return &Config{
		Database: DatabaseConfig{
			Path:    filepath.Join(dataDir, "marks.db"),
			Timeout: 1 * time.Second,
		},
		Index: IndexConfig{
			Path:        filepath.Join(dataDir, "index.bleve"),
			OpenTimeout: 2 * time.Second,
		},
		Fetch: FetchConfig{
			HTTPTimeout:  30 * time.Second,
			UserAgent:    "marks/1.0 (+https://github.com/pders01/marks)",
			MaxBodyBytes: 5 << 20,
		},
		Jobs: JobsConfig{
			Workers:      4,
			PollInterval: 2 * time.Second,
			MaxAttempts:  3,
		},
		Pipeline: PipelineConfig{
			IndexBackoff:     60 * time.Second,
			IndexMaxAttempts: 5,
			MissingBatch:     500,
		},
		Log: LogConfig{
			Level: "off",
			File:  filepath.Join(dataDir, "marks.log"),
		},
	}
}

// Validate reports the first invalid setting per section.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Database),
		validation.Field(&c.Index),
		validation.Field(&c.Fetch),
		validation.Field(&c.Jobs),
		validation.Field(&c.Pipeline),
	)
}

func (d DatabaseConfig) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Path, validation.Required),
		validation.Field(&d.Timeout, validation.Min(time.Duration(0))),
	)
}

func (i IndexConfig) Validate() error {
	return validation.ValidateStruct(&i,
		validation.Field(&i.Path, validation.Required),
		validation.Field(&i.OpenTimeout, validation.Min(time.Duration(0))),
	)
}

func (f FetchConfig) Validate() error {
	return validation.ValidateStruct(&f,
		validation.Field(&f.HTTPTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&f.UserAgent, validation.Required),
		validation.Field(&f.MaxBodyBytes, validation.Required, validation.Min(int64(1024))),
	)
}

func (j JobsConfig) Validate() error {
	return validation.ValidateStruct(&j,
		validation.Field(&j.Workers, validation.Required, validation.Min(1), validation.Max(256)),
		validation.Field(&j.PollInterval, validation.Required, validation.Min(10*time.Millisecond)),
		validation.Field(&j.MaxAttempts, validation.Required, validation.Min(1)),
	)
}

func (p PipelineConfig) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.IndexBackoff, validation.Required),
		validation.Field(&p.IndexMaxAttempts, validation.Required, validation.Min(1)),
		validation.Field(&p.MissingBatch, validation.Required, validation.Min(1)),
	)
}

// Load reads configPath, or the default locations when it is empty, on top
// of the defaults and MARKS_ environment overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	cfg := defaultConfig()
	v.SetDefault("database", cfg.Database)
	v.SetDefault("index", cfg.Index)
	v.SetDefault("fetch", cfg.Fetch)
	v.SetDefault("jobs", cfg.Jobs)
	v.SetDefault("pipeline", cfg.Pipeline)
	v.SetDefault("log", cfg.Log)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		homeDir, _ := os.UserHomeDir()
		configDir := filepath.Join(homeDir, ".config", "marks")

		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(configDir)
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("MARKS")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	expandPaths(&config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// expandPath expands ~ to home directory and converts to absolute path
func expandPath(path string) string {
	if path == "" || path == "-" {
		return path
	}

	if len(path) >= 2 && path[:2] == "~/" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[2:])
	}

	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}

	return path
}

func expandPaths(cfg *Config) {
	cfg.Database.Path = expandPath(cfg.Database.Path)
	cfg.Index.Path = expandPath(cfg.Index.Path)
	cfg.Log.File = expandPath(cfg.Log.File)
}

// Save writes config to path as TOML.
func Save(config *Config, path string) error {
	v := viper.New()

	// Durations as strings for TOML readability
	v.Set("database", map[string]any{
		"path":    config.Database.Path,
		"timeout": config.Database.Timeout.String(),
	})
	v.Set("index", map[string]any{
		"path":         config.Index.Path,
		"open_timeout": config.Index.OpenTimeout.String(),
	})
	v.Set("fetch", map[string]any{
		"http_timeout":        config.Fetch.HTTPTimeout.String(),
		"user_agent":          config.Fetch.UserAgent,
		"max_body_bytes":      config.Fetch.MaxBodyBytes,
		"allow_private_hosts": config.Fetch.AllowPrivateHosts,
	})
	v.Set("jobs", map[string]any{
		"workers":       config.Jobs.Workers,
		"poll_interval": config.Jobs.PollInterval.String(),
		"max_attempts":  config.Jobs.MaxAttempts,
	})
	v.Set("pipeline", map[string]any{
		"index_backoff":      config.Pipeline.IndexBackoff.String(),
		"index_max_attempts": config.Pipeline.IndexMaxAttempts,
		"missing_batch":      config.Pipeline.MissingBatch,
	})
	v.Set("log", map[string]any{
		"level": config.Log.Level,
		"file":  config.Log.File,
	})

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	return v.WriteConfigAs(path)
}

// GenerateDefaultConfig writes the default configuration to path.
func GenerateDefaultConfig(path string) error {
	return Save(defaultConfig(), path)
}
