package models

// Record kinds.
const (
	RecordNode = "node"
	RecordEdge = "edge"
)

// GraphRecord is an append-only export row for one node or edge of the fused graph.
type GraphRecord struct {
	BuildID    string         `json:"build_id"`
	RecordType string         `json:"record_type"` // node or edge
	ID         int64          `json:"id"`
	Labels     []string       `json:"labels,omitempty"`
	Type       string         `json:"type,omitempty"`
	From       int64          `json:"from,omitempty"`
	To         int64          `json:"to,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}
