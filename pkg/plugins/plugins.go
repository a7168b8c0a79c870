// Package plugins discovers and runs out-of-process tool plugins. A plugin
// is an executable sitting next to a <name>.plugin.yaml manifest; it serves
// tool invocations over go-plugin's net/rpc transport and is bound to agents
// through create_tool with a "plugin:" implementation.
package plugins

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	yaml "gopkg.in/yaml.v3"
)

// Manifest describes one plugin executable.
type Manifest struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`

	// Protocol must be "rpc".
	Protocol string `yaml:"protocol"`
}

func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest missing name")
	}
	if m.Version == "" {
		return fmt.Errorf("manifest missing version")
	}
	if m.Protocol != "rpc" {
		return fmt.Errorf("unsupported protocol %q (only rpc is supported)", m.Protocol)
	}
	return nil
}

// Discovered is one plugin found on disk.
type Discovered struct {
	Manifest Manifest
	Path     string
}

// DiscoveryConfig controls where plugins are looked for.
type DiscoveryConfig struct {
	Enabled bool     `yaml:"enabled"`
	Paths   []string `yaml:"paths"`
}

func (c *DiscoveryConfig) SetDefaults() {
	if len(c.Paths) == 0 {
		c.Paths = []string{"./plugins", "~/.fractal/plugins"}
	}
}

// Discover walks the configured paths for <exe>.plugin.yaml manifests. A
// broken manifest is logged and skipped, never fatal.
func Discover(cfg DiscoveryConfig) []Discovered {
	if !cfg.Enabled {
		return nil
	}
	cfg.SetDefaults()

	var found []Discovered
	seen := make(map[string]bool)

	for _, root := range cfg.Paths {
		root = expandHome(root)
		if _, err := os.Stat(root); err != nil {
			continue
		}

		filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() || !strings.HasSuffix(path, ".plugin.yaml") {
				return nil
			}
			d, err := load(path)
			if err != nil {
				slog.Warn("skipping plugin", "manifest", path, "error", err)
				return nil
			}
			if !seen[d.Path] {
				found = append(found, *d)
				seen[d.Path] = true
			}
			return nil
		})
	}
	return found
}

func load(manifestPath string) (*Discovered, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	var wrapper struct {
		Plugin Manifest `yaml:"plugin"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if err := wrapper.Plugin.Validate(); err != nil {
		return nil, err
	}

	exe := strings.TrimSuffix(manifestPath, ".plugin.yaml")
	info, err := os.Stat(exe)
	if err != nil {
		return nil, fmt.Errorf("plugin executable %s: %w", exe, err)
	}
	if info.Mode()&0o111 == 0 {
		return nil, fmt.Errorf("plugin %s is not executable", exe)
	}

	return &Discovered{Manifest: wrapper.Plugin, Path: exe}, nil
}

func expandHome(path string) string {
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest)
		}
	}
	return path
}
