// Package config loads and validates the agentdash YAML configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"agentdash/window"
)

// Config is the complete dashboard-synchronizer configuration.
type Config struct {
	Refresh    RefreshConfig    `yaml:"refresh"`
	Traces     TracesConfig     `yaml:"traces"`
	Violations ViolationsConfig `yaml:"violations"`
	Feed       FeedConfig       `yaml:"feed"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// RefreshConfig drives the scheduler and coordinator.
type RefreshConfig struct {
	IntervalMs            int    `yaml:"interval_ms"`
	WindowTag             string `yaml:"window_tag"`
	CollaboratorTimeoutMs int    `yaml:"collaborator_timeout_ms"`
	TraceCap              int    `yaml:"trace_cap"`
	ViolationCap          int    `yaml:"violation_cap"`
	TopN                  int    `yaml:"top_n"`
}

// TracesConfig locates the SQLite trace store.
type TracesConfig struct {
	Path string `yaml:"path"`
}

// ViolationsConfig locates the Pebble violation store.
type ViolationsConfig struct {
	Path       string `yaml:"path"`
	CacheBytes int64  `yaml:"cache_bytes"`
}

// FeedConfig contains MQTT push-event feed settings.
type FeedConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Broker              string `yaml:"broker"`
	Port                int    `yaml:"port"`
	TopicPrefix         string `yaml:"topic_prefix"`
	DedupeWindowSeconds int    `yaml:"dedupe_window_seconds"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	File           string `yaml:"file"`
	WithTimestamps bool   `yaml:"with_timestamps"`
}

// Load reads and validates a YAML configuration file.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate applies defaults and rejects values the core would otherwise have
// to guess at. Unknown window tags are a configuration error caught here,
// before the resolution boundary.
func (c *Config) Validate() error {
	if c.Refresh.IntervalMs <= 0 {
		c.Refresh.IntervalMs = 5000
	}
	if strings.TrimSpace(c.Refresh.WindowTag) == "" {
		c.Refresh.WindowTag = string(window.TagDay)
	}
	tag, err := window.ParseTag(c.Refresh.WindowTag)
	if err != nil {
		return fmt.Errorf("refresh.window_tag: %w", err)
	}
	c.Refresh.WindowTag = string(tag)
	if c.Refresh.CollaboratorTimeoutMs < 0 {
		return fmt.Errorf("refresh.collaborator_timeout_ms must not be negative, got %d", c.Refresh.CollaboratorTimeoutMs)
	}
	if c.Refresh.TraceCap <= 0 {
		c.Refresh.TraceCap = 100
	}
	if c.Refresh.ViolationCap <= 0 {
		c.Refresh.ViolationCap = 200
	}
	if c.Refresh.TopN <= 0 {
		c.Refresh.TopN = 5
	}
	if strings.TrimSpace(c.Traces.Path) == "" {
		c.Traces.Path = "data/traces.db"
	}
	if strings.TrimSpace(c.Violations.Path) == "" {
		c.Violations.Path = "data/violations"
	}
	if c.Feed.Enabled {
		if strings.TrimSpace(c.Feed.Broker) == "" {
			return fmt.Errorf("feed.broker is required when the feed is enabled")
		}
		if c.Feed.Port <= 0 {
			c.Feed.Port = 1883
		}
		if strings.TrimSpace(c.Feed.TopicPrefix) == "" {
			c.Feed.TopicPrefix = "agentobs"
		}
		if c.Feed.DedupeWindowSeconds <= 0 {
			c.Feed.DedupeWindowSeconds = 60
		}
	}
	return nil
}

// Interval returns the refresh interval as a duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Refresh.IntervalMs) * time.Millisecond
}

// CollaboratorTimeout returns the per-call bound; zero disables it.
func (c *Config) CollaboratorTimeout() time.Duration {
	return time.Duration(c.Refresh.CollaboratorTimeoutMs) * time.Millisecond
}

// Tag returns the validated default window tag.
func (c *Config) Tag() window.Tag {
	return window.Tag(c.Refresh.WindowTag)
}
