package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	EventKG EventKGConfig `yaml:"eventkg"`
}

// EventKGConfig is the project configuration.
type EventKGConfig struct {
	Input    InputConfig    `yaml:"input"`
	Domain   DomainConfig   `yaml:"domain"`
	Links    []LinkConfig   `yaml:"links"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Rules    RulesConfig    `yaml:"rules"`
	Output   OutputConfig   `yaml:"output"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// InputConfig controls the event table reader.
type InputConfig struct {
	Mode          string            `yaml:"mode"` // file|redis
	File          FileConfig        `yaml:"file"`
	Redis         RedisConfig       `yaml:"redis"`
	Columns       ColumnsConfig     `yaml:"columns"`
	Entities      []EntityConfig    `yaml:"entities"`
	Attributes    map[string]string `yaml:"attributes"` // column -> int|float|bool|string|time
	ListDelimiter string            `yaml:"list_delimiter"`
	AbsentMarker  string            `yaml:"absent_marker"`
}

// ColumnsConfig names the required event columns.
type ColumnsConfig struct {
	ID        string `yaml:"id"`
	Activity  string `yaml:"activity"`
	Timestamp string `yaml:"timestamp"`
}

// EntityConfig maps an identifier column to an entity type.
type EntityConfig struct {
	Type   string `yaml:"type"`
	Column string `yaml:"column"`
}

// DomainConfig points at the domain fact set.
type DomainConfig struct {
	Path string `yaml:"path"`
}

// LinkConfig is one cross-graph link rule.
type LinkConfig struct {
	EntityType string `yaml:"entity_type"`
	Label      string `yaml:"label"`
	Property   string `yaml:"property"`
}

// PipelineConfig controls construction behavior.
type PipelineConfig struct {
	Workers int `yaml:"workers"`
}

// RulesConfig controls Sigma event tagging.
type RulesConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// RedisConfig controls Redis access.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Key       string `yaml:"key"`
	KeyPrefix string `yaml:"key_prefix"`
}

// OutputConfig controls graph export.
type OutputConfig struct {
	Mode   string           `yaml:"mode"` // none|file|sqlite|redis|http
	File   FileConfig       `yaml:"file"`
	SQLite FileConfig       `yaml:"sqlite"`
	Redis  RedisConfig      `yaml:"redis"`
	HTTP   HTTPOutputConfig `yaml:"http"`
}

// FileConfig holds a local path.
type FileConfig struct {
	Path string `yaml:"path"`
}

// HTTPOutputConfig config for remote output.
type HTTPOutputConfig struct {
	URL       string            `yaml:"url"`
	Timeout   time.Duration     `yaml:"timeout"`
	Headers   map[string]string `yaml:"headers"`
	BatchSize int               `yaml:"batch_size"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// LoadConfig reads and parses a YAML config file, then applies defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(&cfg)

	return &cfg, nil
}

// ApplyDefaults fills unset fields.
func ApplyDefaults(cfg *Config) {
	c := &cfg.EventKG

	if c.Input.Mode == "" {
		c.Input.Mode = "file"
	}
	if c.Input.Redis.Addr == "" {
		c.Input.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Input.Redis.Key == "" {
		c.Input.Redis.Key = "eventkg_rows"
	}
	if c.Input.Columns.ID == "" {
		c.Input.Columns.ID = "EventID"
	}
	if c.Input.Columns.Activity == "" {
		c.Input.Columns.Activity = "Activity"
	}
	if c.Input.Columns.Timestamp == "" {
		c.Input.Columns.Timestamp = "Timestamp"
	}
	if c.Input.ListDelimiter == "" {
		c.Input.ListDelimiter = ","
	}
	if c.Input.AbsentMarker == "" {
		c.Input.AbsentMarker = "null"
	}

	if c.Pipeline.Workers <= 0 {
		c.Pipeline.Workers = 8
	}

	if c.Output.Mode == "" {
		c.Output.Mode = "none"
	}
	if c.Output.File.Path == "" {
		c.Output.File.Path = "output/graph.jsonl"
	}
	if c.Output.SQLite.Path == "" {
		c.Output.SQLite.Path = "output/graph.db"
	}
	if c.Output.Redis.Addr == "" {
		c.Output.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Output.Redis.KeyPrefix == "" {
		c.Output.Redis.KeyPrefix = "eventkg"
	}
	if c.Output.HTTP.BatchSize <= 0 {
		c.Output.HTTP.BatchSize = 1000
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks the settings the pipeline cannot run without.
func (c *Config) Validate() error {
	in := c.EventKG.Input
	switch in.Mode {
	case "file":
		if strings.TrimSpace(in.File.Path) == "" {
			return fmt.Errorf("input.file.path is required in file mode")
		}
	case "redis":
	default:
		return fmt.Errorf("unknown input mode: %s", in.Mode)
	}
	if len(in.Entities) == 0 {
		return fmt.Errorf("input.entities must list at least one entity type")
	}
	seen := make(map[string]struct{}, len(in.Entities))
	for i, e := range in.Entities {
		if e.Type == "" || e.Column == "" {
			return fmt.Errorf("input.entities[%d]: type and column are required", i)
		}
		if _, dup := seen[e.Type]; dup {
			return fmt.Errorf("input.entities[%d]: duplicate entity type %s", i, e.Type)
		}
		seen[e.Type] = struct{}{}
	}
	for i, l := range c.EventKG.Links {
		if l.EntityType == "" || l.Label == "" || l.Property == "" {
			return fmt.Errorf("links[%d]: entity_type, label and property are required", i)
		}
	}
	switch c.EventKG.Output.Mode {
	case "none", "file", "sqlite", "redis", "http":
	default:
		return fmt.Errorf("unknown output mode: %s", c.EventKG.Output.Mode)
	}
	return nil
}
