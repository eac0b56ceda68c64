// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import "fmt"

// ServiceDefinition describes how to launch one language-analysis
// service on the daemon host.
type ServiceDefinition struct {
	// Name is the stable service identifier used in sub-channel
	// method names and client requests.
	Name string `yaml:"name"`

	// Command and Args launch the subprocess. The subprocess speaks
	// newline-delimited messages on stdin/stdout.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	// Env holds extra KEY=VALUE pairs appended to the daemon's
	// environment.
	Env []string `yaml:"env"`
}

// Catalog maps service names to their definitions.
type Catalog map[string]ServiceDefinition

// Lookup finds a service definition by name.
func (c Catalog) Lookup(name string) (ServiceDefinition, error) {
	definition, ok := c[name]
	if !ok {
		return ServiceDefinition{}, fmt.Errorf("unknown language service %q", name)
	}
	return definition, nil
}

// DefaultCatalog returns the built-in service set. Project settings
// can extend or override it.
func DefaultCatalog() Catalog {
	return Catalog{
		"typescript": {
			Name:    "typescript",
			Command: "typescript-language-server",
			Args:    []string{"--stdio"},
		},
		"python": {
			Name:    "python",
			Command: "pyright-langserver",
			Args:    []string{"--stdio"},
		},
	}
}
