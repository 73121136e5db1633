package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		// SessionTTL caps the life of any active-session marker.
		SessionTTL string `yaml:"session_ttl"`
		// LeaseTTL is how long a replica's markers outlive its last heartbeat.
		LeaseTTL string `yaml:"lease_ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	SQLite struct {
		Path string `yaml:"path"`
	} `yaml:"sqlite"`
	Quiz struct {
		AnswerTimeout   string `yaml:"answer_timeout"`
		ContinueTimeout string `yaml:"continue_timeout"`
		QuestionKind    string `yaml:"question_kind"`
		CacheTTL        string `yaml:"cache_ttl"`
	} `yaml:"quiz"`
	Log struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"log"`
	// Moderators may run resetprogress.
	Moderators []string `yaml:"moderators"`
}

// Load reads YAML config from path and applies environment overrides.
// A missing file is not an error: the bot can run from env alone.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	override(&c.Postgres.URL, "POSTGRES_URL")
	override(&c.Redis.Addr, "REDIS_ADDR")
	override(&c.Redis.Password, "REDIS_PASSWORD")
	override(&c.SQLite.Path, "SQLITE_PATH")
	override(&c.Log.Level, "LOG_LEVEL")
}

// Validate rejects durations that are set but unusable.
func (c Config) Validate() error {
	checks := []struct {
		name string
		raw  string
	}{
		{"redis.session_ttl", c.Redis.SessionTTL},
		{"redis.lease_ttl", c.Redis.LeaseTTL},
		{"quiz.answer_timeout", c.Quiz.AnswerTimeout},
		{"quiz.continue_timeout", c.Quiz.ContinueTimeout},
		{"quiz.cache_ttl", c.Quiz.CacheTTL},
	}
	for _, check := range checks {
		if check.raw == "" {
			continue
		}
		d, err := time.ParseDuration(check.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", check.name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", check.name, check.raw)
		}
	}
	return nil
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
