// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the daemon configuration and per-project
// settings.
//
// The daemon configuration is a single YAML file specified by the
// TETHERD_CONFIG environment variable or the --config flag. There is
// no automatic discovery; configuration is deterministic and
// auditable.
//
// Per-project settings live inside the project tree at
// .tether/settings.json (JSONC: comments and trailing commas
// allowed) and carry the scanner's ignore patterns plus the enabled
// language services.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a yaml-parsable time.Duration ("30s", "50ms").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library form.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the daemon configuration.
type Config struct {
	// Listen is the TCP address the daemon accepts connections on.
	Listen string `yaml:"listen"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// Projects lists the roots the daemon is willing to host. A
	// project-open request for an id not in this list is rejected.
	Projects []ProjectConfig `yaml:"projects"`

	// Sync tunes the worktree synchronizer.
	Sync SyncConfig `yaml:"sync"`

	// Services extends or overrides the built-in language-service
	// catalog.
	Services []ServiceConfig `yaml:"services,omitempty"`
}

// ProjectConfig binds a project id to a root directory.
type ProjectConfig struct {
	ID   string `yaml:"id"`
	Root string `yaml:"root"`
}

// SyncConfig tunes snapshot and diff behavior.
type SyncConfig struct {
	// Retention bounds the per-project diff replay window.
	Retention int `yaml:"retention"`

	// AckTimeout bounds how long an emitted diff may go
	// unacknowledged before the resync is abandoned.
	AckTimeout Duration `yaml:"ack_timeout"`

	// Debounce coalesces filesystem event bursts into one scan.
	Debounce Duration `yaml:"debounce"`

	// HashFiles enables content hashing during scans.
	HashFiles bool `yaml:"hash_files"`
}

// ServiceConfig declares one language service launch command.
type ServiceConfig struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
	Env     []string `yaml:"env,omitempty"`
}

// Default returns the configuration used when the file omits a
// field.
func Default() *Config {
	return &Config{
		Listen:   "127.0.0.1:9735",
		LogLevel: "info",
		Sync: SyncConfig{
			Retention:  64,
			AckTimeout: Duration(30 * time.Second),
			Debounce:   Duration(50 * time.Millisecond),
			HashFiles:  true,
		},
	}
}

// Load reads the configuration from the file named by the
// TETHERD_CONFIG environment variable.
func Load() (*Config, error) {
	path := os.Getenv("TETHERD_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("TETHERD_CONFIG environment variable not set; " +
			"set it to the path of your tetherd.yaml config file, or use --config")
	}
	return LoadFile(path)
}

// LoadFile reads and validates the configuration at path, applying
// defaults for omitted fields.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks for fields whose invalid values would only
// surface later as confusing runtime failures.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel)
	}
	if c.Sync.Retention < 0 {
		return fmt.Errorf("sync.retention must not be negative")
	}
	seen := make(map[string]struct{}, len(c.Projects))
	for _, project := range c.Projects {
		if project.ID == "" {
			return fmt.Errorf("project with root %q has no id", project.Root)
		}
		if project.Root == "" {
			return fmt.Errorf("project %q has no root", project.ID)
		}
		if _, dup := seen[project.ID]; dup {
			return fmt.Errorf("duplicate project id %q", project.ID)
		}
		seen[project.ID] = struct{}{}
	}
	for _, service := range c.Services {
		if service.Name == "" || service.Command == "" {
			return fmt.Errorf("service entries need both name and command")
		}
	}
	return nil
}

// ProjectRoot resolves a project id to its configured root.
func (c *Config) ProjectRoot(id string) (string, error) {
	for _, project := range c.Projects {
		if project.ID == id {
			return project.Root, nil
		}
	}
	return "", fmt.Errorf("project %q is not configured on this daemon", id)
}
