// This file defines the configuration structure for the application.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration settings for the application.
// It maps directly to the structure of config.yml.
type Config struct {
	Port     int `mapstructure:"port"`
	Database struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`
	Library struct {
		Path       string `mapstructure:"path"`
		QuotaBytes int64  `mapstructure:"quota_bytes"`
	} `mapstructure:"library"`
	Log        LogConfig        `mapstructure:"log"`
	Source     SourceConfig     `mapstructure:"source"`
	Downloader DownloaderConfig `mapstructure:"downloader"`
	Jobs       struct {
		// ValidateInterval is in minutes; 0 disables the scheduled run.
		ValidateInterval int `mapstructure:"validate_interval"`
	} `mapstructure:"jobs"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// SourceConfig describes the content site the collaborators talk to.
type SourceConfig struct {
	APIBaseURL     string `mapstructure:"api_base_url"`
	UserAgent      string `mapstructure:"user_agent"`
	TokenParam     string `mapstructure:"token_param"`
	ContentPattern string `mapstructure:"content_pattern"`
}

// DownloaderConfig holds the tunables of the queue and the download manager.
type DownloaderConfig struct {
	MaxConcurrent           int     `mapstructure:"max_concurrent"`
	WindowSize              int     `mapstructure:"window_size"`
	ImageTimeoutSeconds     int     `mapstructure:"image_timeout_seconds"`
	TokenTimeoutSeconds     int     `mapstructure:"token_timeout_seconds"`
	MaxAttempts             int     `mapstructure:"max_attempts"`
	BackoffBaseMs           int     `mapstructure:"backoff_base_ms"`
	RateLimitDelaySeconds   int     `mapstructure:"rate_limit_delay_seconds"`
	RequiredSpaceBytes      int64   `mapstructure:"required_space_bytes"`
	AcceptanceRatio         float64 `mapstructure:"acceptance_ratio"`
	RedownloadScore         int     `mapstructure:"redownload_score"`
	AcceptScore             int     `mapstructure:"accept_score"`
	PersistDebounceMs       int     `mapstructure:"persist_debounce_ms"`
	PauseOnRecoverableError bool    `mapstructure:"pause_on_recoverable_error"`
	// ResumeErroredInterval is in minutes; 0 disables the scheduled resume.
	ResumeErroredInterval int `mapstructure:"resume_errored_interval"`
}

// Options is DownloaderConfig with typed durations, as consumed by the
// downloader package.
type Options struct {
	MaxConcurrent           int
	WindowSize              int
	ImageTimeout            time.Duration
	TokenTimeout            time.Duration
	MaxAttempts             int
	BackoffBase             time.Duration
	RateLimitDelay          time.Duration
	RequiredSpace           int64
	AcceptanceRatio         float64
	RedownloadScore         int
	AcceptScore             int
	PersistDebounce         time.Duration
	PauseOnRecoverableError bool
}

// Options converts the raw config values.
func (d DownloaderConfig) Options() Options {
	return Options{
		MaxConcurrent:           d.MaxConcurrent,
		WindowSize:              d.WindowSize,
		ImageTimeout:            time.Duration(d.ImageTimeoutSeconds) * time.Second,
		TokenTimeout:            time.Duration(d.TokenTimeoutSeconds) * time.Second,
		MaxAttempts:             d.MaxAttempts,
		BackoffBase:             time.Duration(d.BackoffBaseMs) * time.Millisecond,
		RateLimitDelay:          time.Duration(d.RateLimitDelaySeconds) * time.Second,
		RequiredSpace:           d.RequiredSpaceBytes,
		AcceptanceRatio:         d.AcceptanceRatio,
		RedownloadScore:         d.RedownloadScore,
		AcceptScore:             d.AcceptScore,
		PersistDebounce:         time.Duration(d.PersistDebounceMs) * time.Millisecond,
		PauseOnRecoverableError: d.PauseOnRecoverableError,
	}
}

// DefaultOptions returns the downloader defaults without touching viper.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent:           1,
		WindowSize:              3,
		ImageTimeout:            30 * time.Second,
		TokenTimeout:            45 * time.Second,
		MaxAttempts:             3,
		BackoffBase:             time.Second,
		RateLimitDelay:          30 * time.Second,
		RequiredSpace:           10 * 1024 * 1024,
		AcceptanceRatio:         0.8,
		RedownloadScore:         30,
		AcceptScore:             50,
		PersistDebounce:         2 * time.Second,
		PauseOnRecoverableError: true,
	}
}

// Load reads configuration from a file named "config.yml" in the
// current directory and unmarshals it into a Config struct.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom reads the given config file instead of ./config.yml. An empty
// path falls back to the default lookup, where a missing file is not an
// error.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yml")
		v.AddConfigPath(".")
	}

	// CHAPTERDL_DATABASE_PATH overrides `database.path`, and so on.
	v.SetEnvPrefix("CHAPTERDL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultOptions()

	v.SetDefault("port", 8080)
	v.SetDefault("database.path", "./chapterdl.db")
	v.SetDefault("library.path", "./library")
	v.SetDefault("library.quota_bytes", int64(2*1024*1024*1024))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 20)
	v.SetDefault("log.max_backups", 3)

	v.SetDefault("source.api_base_url", "http://localhost:9000/api")
	v.SetDefault("source.user_agent", "Mozilla/5.0 (Linux; Android 14) AppleWebKit/537.36 (KHTML, like Gecko) Mobile Safari/537.36")
	v.SetDefault("source.token_param", "token")
	v.SetDefault("source.content_pattern", `/chapters?/([A-Za-z0-9_-]+)`)

	v.SetDefault("downloader.max_concurrent", d.MaxConcurrent)
	v.SetDefault("downloader.window_size", d.WindowSize)
	v.SetDefault("downloader.image_timeout_seconds", int(d.ImageTimeout/time.Second))
	v.SetDefault("downloader.token_timeout_seconds", int(d.TokenTimeout/time.Second))
	v.SetDefault("downloader.max_attempts", d.MaxAttempts)
	v.SetDefault("downloader.backoff_base_ms", int(d.BackoffBase/time.Millisecond))
	v.SetDefault("downloader.rate_limit_delay_seconds", int(d.RateLimitDelay/time.Second))
	v.SetDefault("downloader.required_space_bytes", d.RequiredSpace)
	v.SetDefault("downloader.acceptance_ratio", d.AcceptanceRatio)
	v.SetDefault("downloader.redownload_score", d.RedownloadScore)
	v.SetDefault("downloader.accept_score", d.AcceptScore)
	v.SetDefault("downloader.persist_debounce_ms", int(d.PersistDebounce/time.Millisecond))
	v.SetDefault("downloader.pause_on_recoverable_error", d.PauseOnRecoverableError)
	v.SetDefault("downloader.resume_errored_interval", 5)

	v.SetDefault("jobs.validate_interval", 360)
}
