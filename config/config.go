// Package config loads the aggregation configuration and applies placeholder
// substitution to its string values.
package config

import (
	"fmt"
	"os"
	"strings"

	"go.yaml.in/yaml/v4"

	"github.com/oasmux/oasmux/muxerrors"
)

// API is one configured upstream: a name and a base URL template that may
// reference placeholders.
type API struct {
	// Name is the configured upstream name, used as the schema-name prefix
	// during merging
	Name string
	// URLTemplate is the raw base URL from the config file, before
	// placeholder substitution
	URLTemplate string
}

// ExclusionRule removes exactly one method's operation from one path during
// merging. Method is stored lower-cased; comparison is case-insensitive.
type ExclusionRule struct {
	Method string
	Path   string
}

// Config is the parsed aggregation configuration. It is immutable after Load
// and lives for the process lifetime.
type Config struct {
	// Path is the config file location. The aggregated swagger.yaml is
	// written next to it.
	Path string
	// APIs lists the upstreams in config file document order. Merge
	// iteration follows this order, so later entries win collisions.
	APIs []API
	// Info is the top-level info block of the aggregated document.
	Info map[string]any
	// BasePath is the base path of the aggregated document.
	BasePath string
	// ExcludePaths are the parsed "METHOD /path" exclusion rules.
	ExcludePaths []ExclusionRule
	// ExcludeFields maps a schema name to the field names removed from its
	// definition at merge time and from response payloads at request time.
	ExcludeFields map[string][]string

	// argNames holds placeholder names in declaration order so substitution
	// is deterministic.
	argNames []string
	// argValues maps placeholder name to its bound value.
	argValues map[string]string
}

// rawConfig mirrors the YAML document. The apis block is kept as a yaml.Node
// so the document order of upstreams survives decoding.
type rawConfig struct {
	Args          string              `yaml:"args"`
	APIs          yaml.Node           `yaml:"apis"`
	Info          map[string]any      `yaml:"info"`
	BasePath      string              `yaml:"basePath"`
	ExcludePaths  []string            `yaml:"exclude_paths"`
	ExcludeFields map[string][]string `yaml:"exclude_fields"`
}

// Load reads and parses the configuration file at path. Extra arguments bind
// positionally to the placeholder names declared in the file's args key
// (a comma-separated list; whitespace in names is stripped).
func Load(path string, argValues ...string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	cfg, err := Parse(data, argValues...)
	if err != nil {
		return nil, err
	}
	cfg.Path = path
	return cfg, nil
}

// Parse parses configuration data without touching the filesystem. The YAML
// parser also accepts JSON input.
func Parse(data []byte, argValues ...string) (*Config, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &muxerrors.ConfigError{Message: "invalid YAML", Cause: err}
	}

	cfg := &Config{
		Info:          raw.Info,
		BasePath:      raw.BasePath,
		ExcludeFields: raw.ExcludeFields,
		argValues:     make(map[string]string),
	}

	if err := cfg.bindArgs(raw.Args, argValues); err != nil {
		return nil, err
	}
	if err := cfg.decodeAPIs(&raw.APIs); err != nil {
		return nil, err
	}
	if err := cfg.parseExcludePaths(raw.ExcludePaths); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindArgs associates each declared placeholder name with a positionally
// supplied value.
func (c *Config) bindArgs(args string, values []string) error {
	if strings.TrimSpace(args) == "" {
		return nil
	}
	names := strings.Split(args, ",")
	for i, name := range names {
		// Strip all whitespace from the name, not just the edges.
		name = strings.ReplaceAll(name, " ", "")
		if name == "" {
			continue
		}
		if i >= len(values) {
			return &muxerrors.ConfigError{
				Option:  "args",
				Value:   name,
				Message: fmt.Sprintf("no value bound for placeholder (%d values supplied)", len(values)),
			}
		}
		c.argNames = append(c.argNames, name)
		c.argValues[name] = values[i]
	}
	return nil
}

// decodeAPIs walks the apis mapping node pairwise to preserve document order.
func (c *Config) decodeAPIs(node *yaml.Node) error {
	if node.Kind == 0 {
		// No apis block configured.
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return &muxerrors.ConfigError{Option: "apis", Message: "expected a mapping of name to base URL"}
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i]
		val := node.Content[i+1]
		if val.Kind != yaml.ScalarNode {
			return &muxerrors.ConfigError{Option: "apis", Value: key.Value, Message: "base URL must be a string"}
		}
		c.APIs = append(c.APIs, API{Name: key.Value, URLTemplate: val.Value})
	}
	return nil
}

// parseExcludePaths converts "METHOD /path" strings into ExclusionRules.
func (c *Config) parseExcludePaths(entries []string) error {
	for _, entry := range entries {
		parts := strings.SplitN(entry, " ", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return &muxerrors.ConfigError{
				Option:  "exclude_paths",
				Value:   entry,
				Message: `expected "METHOD /path"`,
			}
		}
		c.ExcludePaths = append(c.ExcludePaths, ExclusionRule{
			Method: strings.ToLower(parts[0]),
			Path:   parts[1],
		})
	}
	return nil
}

// Substitute replaces every placeholder name occurring in s with its bound
// value. The replacement is a blunt substring replace, not token-bounded:
// a placeholder name that happens to be a substring of unrelated text is
// replaced as well. Downstream configs depend on this, so it must not be
// tightened to word boundaries.
func (c *Config) Substitute(s string) string {
	for _, name := range c.argNames {
		s = strings.ReplaceAll(s, name, c.argValues[name])
	}
	return s
}

// Reload re-reads the file the Config was loaded from, binding the same
// placeholder values in the same positional order. It returns a fresh Config
// and leaves the receiver untouched.
func (c *Config) Reload() (*Config, error) {
	if c.Path == "" {
		return nil, &muxerrors.ConfigError{Message: "config was not loaded from a file"}
	}
	values := make([]string, len(c.argNames))
	for i, name := range c.argNames {
		values[i] = c.argValues[name]
	}
	return Load(c.Path, values...)
}

// Args returns the bound placeholder values keyed by name.
func (c *Config) Args() map[string]string {
	out := make(map[string]string, len(c.argValues))
	for k, v := range c.argValues {
		out[k] = v
	}
	return out
}
