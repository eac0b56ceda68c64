// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"
)

// SettingsPath is the per-project settings file, relative to the
// project root.
const SettingsPath = ".tether/settings.json"

// Settings are per-project options read from the project tree.
type Settings struct {
	// Ignore lists glob patterns excluded from scans. Patterns match
	// the slash-relative path or the bare name; a matched directory
	// is skipped with its subtree.
	Ignore []string `json:"ignore"`

	// Services names the language services enabled for this project.
	Services []string `json:"services"`
}

// DefaultSettings apply when the project has no settings file.
func DefaultSettings() Settings {
	return Settings{
		Ignore: []string{".git", ".tether"},
	}
}

// LoadSettings reads the settings file under root. A missing file
// yields the defaults; a malformed file is an error, since silently
// scanning an unintended tree is worse than failing the open.
func LoadSettings(root string) (Settings, error) {
	settings := DefaultSettings()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(SettingsPath)))
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return Settings{}, fmt.Errorf("reading project settings: %w", err)
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), &settings); err != nil {
		return Settings{}, fmt.Errorf("parsing %s: %w", SettingsPath, err)
	}
	// The settings directory itself never syncs.
	hasTether := false
	for _, pattern := range settings.Ignore {
		if pattern == ".tether" {
			hasTether = true
			break
		}
	}
	if !hasTether {
		settings.Ignore = append(settings.Ignore, ".tether")
	}
	return settings, nil
}
