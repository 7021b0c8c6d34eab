package config

import (
	"path/filepath"
	"time"
)

// TestConfig returns a config suitable for testing, rooted in dir.
func TestConfig(dir string) *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:    filepath.Join(dir, "marks.db"),
			Timeout: 1 * time.Second,
		},
		Index: IndexConfig{
			Path:        filepath.Join(dir, "index.bleve"),
			OpenTimeout: 500 * time.Millisecond,
		},
		Fetch: FetchConfig{
			HTTPTimeout:       5 * time.Second,
			UserAgent:         "marks-test/1.0",
			MaxBodyBytes:      1 << 20,
			AllowPrivateHosts: true,
		},
		Jobs: JobsConfig{
			Workers:      2,
			PollInterval: 20 * time.Millisecond,
			MaxAttempts:  3,
		},
		Pipeline: PipelineConfig{
			IndexBackoff:     60 * time.Second,
			IndexMaxAttempts: 5,
			MissingBatch:     500,
		},
		Log: LogConfig{Level: "off"},
	}
}
