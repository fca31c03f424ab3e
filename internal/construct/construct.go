// Package construct builds the event knowledge graph and the domain graph
// inside a graph.Store and fuses them.
//
// Every stage is a function of (store, stage input) that only merges nodes
// and edges, so running a stage twice adds nothing. Stages record completion
// on the store; a stage whose prerequisites have not completed fails with
// ErrConstructionOrder instead of producing a partial graph.
package construct

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"eventkg/internal/graph"
)

// Stage names, in dependency order.
const (
	StageEvents      = "events"
	StageEntities    = "entities"
	StageCorrelation = "correlation"
	StageSequencing  = "sequencing"
	StageDomain      = "domain"
	StageCrossLink   = "crosslink"
)

// Node labels and edge types owned by construction.
const (
	LabelEvent  = "Event"
	LabelEntity = "Entity"
	LabelDomain = "Domain"

	EdgeCorr = "CORR"
	EdgeDF   = "DF"
	EdgeRel  = "REL"
)

// Property names construction writes on its own labels and edge types. Each
// stage declares them on the store, so queries can name them before any
// instance exists.
var (
	eventProps  = []string{"id", "activity", "timestamp", "row", "tags"}
	entityProps = []string{"type", "id"}
	domainProps = []string{"key"}
	dfProps     = []string{"entity_type", "entity_id"}
	relProps    = []string{"label", "property"}
)

// ErrConstructionOrder is returned when a stage runs before its prerequisites.
var ErrConstructionOrder = errors.New("construction order violation")

// Report summarises one stage run.
type Report struct {
	Stage        string         `json:"stage"`
	NodesCreated int            `json:"nodes_created"`
	EdgesCreated int            `json:"edges_created"`
	Existing     int            `json:"existing"`
	Skips        map[string]int `json:"skips,omitempty"`
	Duration     time.Duration  `json:"duration"`
}

// SkipCount returns the total number of skip events.
func (r *Report) SkipCount() int {
	n := 0
	for _, c := range r.Skips {
		n += c
	}
	return n
}

// SkipReasons returns the skip reasons, sorted.
func (r *Report) SkipReasons() []string {
	out := make([]string, 0, len(r.Skips))
	for k := range r.Skips {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Report) skip(reason string) {
	if r.Skips == nil {
		r.Skips = make(map[string]int)
	}
	r.Skips[reason]++
}

func (r *Report) countNode(created bool) {
	if created {
		r.NodesCreated++
	} else {
		r.Existing++
	}
}

func (r *Report) countEdge(created bool) {
	if created {
		r.EdgesCreated++
	} else {
		r.Existing++
	}
}

func newReport(stage string) *Report {
	return &Report{Stage: stage}
}

func requireStages(s *graph.Store, stage string, deps ...string) error {
	for _, dep := range deps {
		if !s.StageDone(dep) {
			return fmt.Errorf("%s requires %s: %w", stage, dep, ErrConstructionOrder)
		}
	}
	return nil
}

// EventKey is the merge key of an event node.
func EventKey(id string) string {
	return fmt.Sprintf("event:%q", id)
}

// EntityKey is the merge key of the entity node for (entityType, id).
func EntityKey(entityType, id string) string {
	return fmt.Sprintf("entity:%q:%q", entityType, id)
}

// DomainKey is the merge key of a domain node declared under key.
func DomainKey(key string) string {
	return fmt.Sprintf("domain:%q", key)
}

func corrKey(event, entity graph.NodeID) string {
	return fmt.Sprintf("corr:%d:%d", event, entity)
}

func dfKey(entityType, id string, from, to graph.NodeID) string {
	return fmt.Sprintf("df:%q:%q:%d:%d", entityType, id, from, to)
}

func relKey(entity, domain graph.NodeID) string {
	return fmt.Sprintf("rel:%d:%d", entity, domain)
}

func domainEdgeKey(edgeType string, from, to graph.NodeID) string {
	return fmt.Sprintf("domain:%q:%d:%d", edgeType, from, to)
}
