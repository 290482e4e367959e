// rexit - Export Reddit chat history and saved posts.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

// MaxRetriesLimit is the largest accepted max_retries.
const MaxRetriesLimit = 100

//go:embed example-config.yaml
var ExampleConfig string

type Config struct {
	// HomeserverURL is the chat homeserver. Defaults to the Reddit Matrix front.
	HomeserverURL string `yaml:"homeserver_url"`
	// MediaURL is where mxc:// URIs are downloaded from. Defaults to HomeserverURL.
	MediaURL string `yaml:"media_url"`

	// PageLimit is the limit parameter sent with every messages request.
	PageLimit int `yaml:"page_limit"`
	// MaxRetries is how often a malformed or transient response is retried
	// before the room is marked incomplete.
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	DisplayNameCacheSize int `yaml:"display_name_cache_size"`
	MediaCacheSize       int `yaml:"media_cache_size"`

	// RoomWorkers is the number of rooms synchronized at once. 1 keeps the
	// walk strictly sequential.
	RoomWorkers int `yaml:"room_workers"`
	// MediaWorkers is the number of media downloads in flight per room.
	MediaWorkers int `yaml:"media_workers"`

	// Anonymize replaces every author with AnonymousAuthor.
	Anonymize       bool   `yaml:"anonymize"`
	AnonymousAuthor string `yaml:"anonymous_author"`

	// AuthorTemplate formats resolved authors. Available fields are
	// .DisplayName and .UserID.
	AuthorTemplate string `yaml:"author_template"`
	authorTemplate *template.Template

	LogLevel string `yaml:"log_level"`
	logLevel zerolog.Level
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	cfg := &Config{
		HomeserverURL:        DefaultHomeserverURL,
		PageLimit:            10000,
		MaxRetries:           DefaultRetryPolicy.MaxRetries,
		RetryBaseDelay:       DefaultRetryPolicy.BaseDelay,
		RequestTimeout:       60 * time.Second,
		DisplayNameCacheSize: 1024,
		MediaCacheSize:       256,
		RoomWorkers:          1,
		MediaWorkers:         4,
		AnonymousAuthor:      "N/A",
		AuthorTemplate:       "{{.DisplayName}}",
		LogLevel:             "info",
	}
	if err := cfg.PostProcess(); err != nil {
		panic(err)
	}
	return cfg
}

// LoadConfig reads a YAML file on top of DefaultConfig. An empty path
// returns the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

// PostProcess validates the config and parses derived fields. It must be
// called again after fields are changed by hand.
func (c *Config) PostProcess() error {
	var errs []error
	if c.HomeserverURL == "" {
		errs = append(errs, fmt.Errorf("homeserver_url must not be empty"))
	}
	if c.PageLimit <= 0 {
		errs = append(errs, fmt.Errorf("page_limit must be positive, got %d", c.PageLimit))
	}
	if c.MaxRetries < 0 || c.MaxRetries > MaxRetriesLimit {
		errs = append(errs, fmt.Errorf("max_retries must be between 0 and %d, got %d", MaxRetriesLimit, c.MaxRetries))
	}
	if c.RetryBaseDelay < 0 {
		errs = append(errs, fmt.Errorf("retry_base_delay must not be negative"))
	}
	if c.DisplayNameCacheSize <= 0 || c.MediaCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("cache sizes must be positive"))
	}
	if c.RoomWorkers <= 0 || c.MediaWorkers <= 0 {
		errs = append(errs, fmt.Errorf("room_workers and media_workers must be positive"))
	}
	var err error
	c.authorTemplate, err = template.New("author").Option("missingkey=error").Parse(c.AuthorTemplate)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid author_template: %w", err))
	}
	if c.LogLevel == "" {
		c.logLevel = zerolog.InfoLevel
	} else if c.logLevel, err = zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid log_level: %w", err))
	}
	return errors.Join(errs...)
}

// Level is the parsed log_level.
func (c *Config) Level() zerolog.Level {
	return c.logLevel
}

// RetryPolicy builds the backoff policy from the retry fields.
func (c *Config) RetryPolicy() RetryPolicy {
	policy := DefaultRetryPolicy
	policy.MaxRetries = c.MaxRetries
	policy.BaseDelay = c.RetryBaseDelay
	return policy
}

type AuthorParams struct {
	DisplayName string
	UserID      id.UserID
}

// FormatAuthor renders the author template, falling back to the user ID
// when the template fails or renders empty.
func (c *Config) FormatAuthor(params AuthorParams) string {
	if c.authorTemplate == nil {
		return fallbackAuthor(params)
	}
	var buf strings.Builder
	err := c.authorTemplate.Execute(&buf, &params)
	if err != nil {
		return fallbackAuthor(params)
	}
	name := strings.TrimSpace(buf.String())
	if name == "" {
		return fallbackAuthor(params)
	}
	return name
}

func fallbackAuthor(params AuthorParams) string {
	if params.DisplayName != "" {
		return params.DisplayName
	}
	return string(params.UserID)
}
