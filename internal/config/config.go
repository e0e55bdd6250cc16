// Package config loads and saves the tower daemon's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults match the thresholds spec.md calls out explicitly.
const (
	DefaultIdleThreshold  = 3 * time.Second
	DefaultFlushInterval  = 500 * time.Millisecond
	DefaultMaxBufferAge   = 60 * time.Second
	DefaultInterruptDelay = 100 * time.Millisecond
	DefaultRingBufferCap  = 10000 // lines
	DefaultPort           = 7420
	DefaultMaxRestarts    = 3
	DefaultRestartDelay   = 2 * time.Second
)

// Config holds the tower daemon's persisted settings, read from
// ~/.tower/tower.yaml. Every field has a workable zero value so a
// freshly-initialized host can run with no config file at all.
type Config struct {
	Paths WorkspaceList `yaml:"paths,omitempty"`

	Port    int    `yaml:"port,omitempty"`
	LogFile string `yaml:"log_file,omitempty"`
	DBPath  string `yaml:"db_path,omitempty"`

	// WebKey is loaded from and saved to the config file, but towerd does
	// not read it: the bearer token enforced by internal/httpapi comes
	// from the WEB_KEY environment variable only.
	WebKey string `yaml:"web_key,omitempty"`

	IdleThreshold  Duration `yaml:"idle_threshold,omitempty"`
	FlushInterval  Duration `yaml:"flush_interval,omitempty"`
	MaxBufferAge   Duration `yaml:"max_buffer_age,omitempty"`
	InterruptDelay Duration `yaml:"interrupt_delay,omitempty"`

	RingBufferCapacity int `yaml:"ring_buffer_capacity,omitempty"`

	Restart RestartPolicy `yaml:"restart,omitempty"`

	Debug bool `yaml:"debug,omitempty"`
}

// RestartPolicy configures the shellper holder's respawn behavior (SPEC_FULL.md §4.9).
type RestartPolicy struct {
	MaxRestarts  int      `yaml:"max_restarts"`
	RestartDelay Duration `yaml:"restart_delay"`
}

// Duration wraps time.Duration so it can be written as "3s"/"500ms" in YAML
// while still decoding plain integers (nanoseconds) for compatibility.
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var ns int64
	if err := value.Decode(&ns); err == nil {
		*d = Duration(ns)
		return nil
	}
	var raw string
	if err := value.Decode(&raw); err != nil || raw == "" {
		return fmt.Errorf("config: duration must be a string or integer nanoseconds")
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// WorkspaceEntry names a known workspace root. Label is an optional
// display name; when absent the base name of Path is used.
type WorkspaceEntry struct {
	Path  string `yaml:"path" json:"path"`
	Label string `yaml:"label,omitempty" json:"label,omitempty"`
}

// WorkspaceList accepts either plain path strings or {path, label}
// mappings within a YAML sequence, mirroring how path lists are
// written by hand in a dotfile.
type WorkspaceList []WorkspaceEntry

func (wl *WorkspaceList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return fmt.Errorf("config: paths must be a sequence")
	}
	var result WorkspaceList
	for _, item := range value.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			result = append(result, WorkspaceEntry{Path: item.Value})
		case yaml.MappingNode:
			var entry WorkspaceEntry
			if err := item.Decode(&entry); err != nil {
				return err
			}
			result = append(result, entry)
		}
	}
	*wl = result
	return nil
}

func (wl WorkspaceList) MarshalYAML() (any, error) {
	var nodes []*yaml.Node
	for _, e := range wl {
		if e.Label == "" {
			nodes = append(nodes, &yaml.Node{Kind: yaml.ScalarNode, Value: e.Path})
		} else {
			var n yaml.Node
			if err := n.Encode(e); err != nil {
				return nil, err
			}
			nodes = append(nodes, &n)
		}
	}
	return &yaml.Node{Kind: yaml.SequenceNode, Content: nodes}, nil
}

// Strings returns just the path strings.
func (wl WorkspaceList) Strings() []string {
	out := make([]string, len(wl))
	for i, e := range wl {
		out[i] = e.Path
	}
	return out
}

// UserDir returns ~/.tower, creating it if necessary.
func UserDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".tower")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Load reads tower.yaml from dir, applying defaults to any zero-valued
// field. A missing file is not an error: it returns an all-defaults Config.
func Load(dir string) (*Config, error) {
	cfg := &Config{}
	path := filepath.Join(dir, "tower.yaml")

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.IdleThreshold == 0 {
		cfg.IdleThreshold = Duration(DefaultIdleThreshold)
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = Duration(DefaultFlushInterval)
	}
	if cfg.MaxBufferAge == 0 {
		cfg.MaxBufferAge = Duration(DefaultMaxBufferAge)
	}
	if cfg.InterruptDelay == 0 {
		cfg.InterruptDelay = Duration(DefaultInterruptDelay)
	}
	if cfg.RingBufferCapacity == 0 {
		cfg.RingBufferCapacity = DefaultRingBufferCap
	}
	if cfg.Restart.MaxRestarts == 0 {
		cfg.Restart.MaxRestarts = DefaultMaxRestarts
	}
	if cfg.Restart.RestartDelay == 0 {
		cfg.Restart.RestartDelay = Duration(DefaultRestartDelay)
	}
	if cfg.DBPath == "" {
		if dir, err := UserDir(); err == nil {
			cfg.DBPath = filepath.Join(dir, "tower.db")
		}
	}
}

// Save writes cfg as tower.yaml in dir.
func Save(dir string, cfg *Config) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "tower.yaml"), data, 0o644)
}

// ExpandPath resolves a leading "~" against the user's home directory.
func ExpandPath(p string) string {
	if !strings.HasPrefix(p, "~") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
