package load

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Facts is a declarative domain fact set.
type Facts struct {
	Nodes         []NodeFact         `yaml:"nodes"`
	Relationships []RelationshipFact `yaml:"relationships"`
}

// NodeFact declares one domain node.
type NodeFact struct {
	Key        string         `yaml:"key"`
	Labels     []string       `yaml:"labels"`
	Properties map[string]any `yaml:"properties"`
}

// RelationshipFact declares one directed domain relationship between node keys.
type RelationshipFact struct {
	From       string         `yaml:"from"`
	To         string         `yaml:"to"`
	Type       string         `yaml:"type"`
	Properties map[string]any `yaml:"properties"`
}

// LoadFacts reads a domain fact set from a YAML file.
func LoadFacts(path string) (*Facts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fact set: %w", err)
	}
	return ParseFacts(data)
}

// ParseFacts decodes a YAML fact set and normalises property values to the
// scalar kinds the graph indexes (int64, float64, bool, string, time) and
// lists of them.
func ParseFacts(data []byte) (*Facts, error) {
	var facts Facts
	if err := yaml.Unmarshal(data, &facts); err != nil {
		return nil, fmt.Errorf("parse fact set: %w", err)
	}
	for i := range facts.Nodes {
		facts.Nodes[i].Properties = normalizeProps(facts.Nodes[i].Properties)
	}
	for i := range facts.Relationships {
		facts.Relationships[i].Properties = normalizeProps(facts.Relationships[i].Properties)
	}
	return &facts, nil
}

func normalizeProps(props map[string]any) map[string]any {
	if len(props) == 0 {
		return nil
	}
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case int:
		return int64(val)
	case int64, float64, bool, string, time.Time:
		return val
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			out = append(out, normalizeValue(item))
		}
		return out
	case nil:
		return nil
	default:
		return fmt.Sprintf("%v", val)
	}
}
