// Package config loads the framework configuration from a YAML file plus an
// environment overlay and exposes it through a read-only dot-path accessor.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is a process-wide configuration snapshot. It is immutable after Load;
// concurrent reads need no synchronization.
type Config struct {
	root map[string]any
}

// Load reads a YAML file into a Config. A missing file is an error; use
// LoadOrDefault when the file is optional.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var root map[string]any
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &Config{root: root}, nil
}

// LoadOrDefault loads path, falling back to an empty configuration when the
// file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{root: map[string]any{}}, nil
		}
		return nil, err
	}
	return cfg, nil
}

// FromMap wraps an already-built tree. Intended for tests.
func FromMap(root map[string]any) *Config {
	if root == nil {
		root = map[string]any{}
	}
	return &Config{root: root}
}

// Get resolves a dot path ("server.port") against the tree. Returns nil when
// any segment is missing. An environment variable named after the path with
// dots replaced by underscores and upper-cased (SERVER_PORT) takes precedence.
func (c *Config) Get(path string) any {
	if c == nil {
		return nil
	}
	if env, ok := os.LookupEnv(envKey(path)); ok {
		return env
	}
	var cur any = c.root
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

// GetString returns the value at path as a string, or def when absent.
func (c *Config) GetString(path, def string) string {
	v := c.Get(path)
	if v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// GetInt returns the value at path as an int, or def when absent or
// unparsable.
func (c *Config) GetInt(path string, def int) int {
	switch v := c.Get(path).(type) {
	case nil:
		return def
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

// GetBool returns the value at path as a bool, or def when absent or
// unparsable.
func (c *Config) GetBool(path string, def bool) bool {
	switch v := c.Get(path).(type) {
	case nil:
		return def
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

// GetDuration returns the value at path as a time.Duration. Plain integers are
// taken as milliseconds; strings go through time.ParseDuration.
func (c *Config) GetDuration(path string, def time.Duration) time.Duration {
	switch v := c.Get(path).(type) {
	case nil:
		return def
	case int:
		return time.Duration(v) * time.Millisecond
	case int64:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v) * time.Millisecond
	case string:
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}

func envKey(path string) string {
	return strings.ToUpper(strings.ReplaceAll(path, ".", "_"))
}
