package testutil

import (
	"path/filepath"
	"testing"

	"github.com/vrsandeep/chapterdl/internal/config"
)

// NewTestConfig returns a config rooted in a temp dir with fast retry
// timings and no scheduled jobs.
func NewTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Database.Path = filepath.Join(dir, "test.db")
	cfg.Library.Path = filepath.Join(dir, "library")
	cfg.Log.Level = "disabled"
	cfg.Source = config.SourceConfig{
		APIBaseURL:     "http://source.test/api",
		TokenParam:     "token",
		ContentPattern: `/chapters?/([A-Za-z0-9_-]+)`,
	}
	cfg.Downloader = config.DownloaderConfig{
		MaxConcurrent:         1,
		WindowSize:            3,
		ImageTimeoutSeconds:   5,
		TokenTimeoutSeconds:   5,
		MaxAttempts:           3,
		BackoffBaseMs:         1,
		RateLimitDelaySeconds: 0,
		AcceptanceRatio:       0.8,
		RedownloadScore:       30,
		AcceptScore:           50,
	}
	return cfg
}
