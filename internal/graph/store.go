// Package graph holds the in-memory property graph that every construction
// stage writes into and the query engine reads from.
//
// Nodes and edges are only ever created, never updated or removed. Creation
// goes through MergeNode and MergeEdge, which are atomic get-or-create
// operations keyed by a caller-chosen merge key; this is the only
// synchronisation the construction stages rely on.
package graph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"eventkg/pkg/models"
)

// NodeID identifies a node within one store.
type NodeID int64

// EdgeID identifies an edge within one store.
type EdgeID int64

// Node is a labelled property node. Callers must treat it as read-only.
type Node struct {
	ID     NodeID         `json:"id"`
	Key    string         `json:"key"`
	Labels []string       `json:"labels"`
	Props  map[string]any `json:"properties"`
}

// String returns the merge key, which is unique within a store.
func (n *Node) String() string {
	return n.Key
}

// HasLabel reports whether the node carries label.
func (n *Node) HasLabel(label string) bool {
	for _, l := range n.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Prop returns a property value.
func (n *Node) Prop(name string) (any, bool) {
	v, ok := n.Props[name]
	return v, ok
}

// Edge is a typed directed property edge. Callers must treat it as read-only.
type Edge struct {
	ID    EdgeID         `json:"id"`
	Key   string         `json:"key"`
	Type  string         `json:"type"`
	From  NodeID         `json:"from"`
	To    NodeID         `json:"to"`
	Props map[string]any `json:"properties,omitempty"`
}

// String returns the merge key, which is unique within a store.
func (e *Edge) String() string {
	return e.Key
}

// Prop returns a property value.
func (e *Edge) Prop(name string) (any, bool) {
	v, ok := e.Props[name]
	return v, ok
}

type propKey struct {
	label string
	prop  string
}

// Store is a versioned, append-only property graph.
type Store struct {
	mu      sync.RWMutex
	id      uuid.UUID
	version uint64

	nodes []*Node
	edges []*Edge

	nodeKeys map[string]NodeID
	edgeKeys map[string]EdgeID

	byLabel  map[string][]NodeID
	byProp   map[propKey]map[string][]NodeID
	byType   map[string][]EdgeID
	out      map[NodeID][]EdgeID
	in       map[NodeID][]EdgeID
	labelSet map[string]map[string]struct{} // label -> property names
	typeSet  map[string]map[string]struct{} // edge type -> property names

	stages map[string]struct{}
}

// NewStore creates an empty store with a fresh build id.
func NewStore() *Store {
	return &Store{
		id:       uuid.New(),
		nodeKeys: make(map[string]NodeID),
		edgeKeys: make(map[string]EdgeID),
		byLabel:  make(map[string][]NodeID),
		byProp:   make(map[propKey]map[string][]NodeID),
		byType:   make(map[string][]EdgeID),
		out:      make(map[NodeID][]EdgeID),
		in:       make(map[NodeID][]EdgeID),
		labelSet: make(map[string]map[string]struct{}),
		typeSet:  make(map[string]map[string]struct{}),
		stages:   make(map[string]struct{}),
	}
}

// ID returns the build id of the store.
func (s *Store) ID() uuid.UUID {
	return s.id
}

// Version returns the number of nodes and edges created so far.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// MergeNode returns the node stored under key, creating it with labels and
// props when it does not exist yet. The second result reports creation.
func (s *Store) MergeNode(key string, labels []string, props map[string]any) (*Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.nodeKeys[key]; ok {
		return s.nodes[id-1], false
	}

	n := &Node{
		ID:     NodeID(len(s.nodes) + 1),
		Key:    key,
		Labels: uniqueLabels(labels),
		Props:  copyProps(props),
	}
	s.nodes = append(s.nodes, n)
	s.nodeKeys[key] = n.ID
	s.version++

	for _, label := range n.Labels {
		s.byLabel[label] = append(s.byLabel[label], n.ID)
		declare(s.labelSet, label, nil)
		known := s.labelSet[label]
		for name, v := range n.Props {
			known[name] = struct{}{}
			if !isScalar(v) {
				continue
			}
			pk := propKey{label: label, prop: name}
			idx := s.byProp[pk]
			if idx == nil {
				idx = make(map[string][]NodeID)
				s.byProp[pk] = idx
			}
			cv := models.FormatValue(v)
			idx[cv] = append(idx[cv], n.ID)
		}
	}
	return n, true
}

// MergeEdge returns the edge stored under key, creating it when it does not
// exist yet. Both endpoints must already exist.
func (s *Store) MergeEdge(key, edgeType string, from, to NodeID, props map[string]any) (*Edge, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.edgeKeys[key]; ok {
		return s.edges[id-1], false, nil
	}
	if !s.hasNode(from) {
		return nil, false, fmt.Errorf("merge edge %s: %w: source %d", key, ErrNodeNotFound, from)
	}
	if !s.hasNode(to) {
		return nil, false, fmt.Errorf("merge edge %s: %w: target %d", key, ErrNodeNotFound, to)
	}

	e := &Edge{
		ID:    EdgeID(len(s.edges) + 1),
		Key:   key,
		Type:  edgeType,
		From:  from,
		To:    to,
		Props: copyProps(props),
	}
	s.edges = append(s.edges, e)
	s.edgeKeys[key] = e.ID
	s.byType[edgeType] = append(s.byType[edgeType], e.ID)
	s.out[from] = append(s.out[from], e.ID)
	s.in[to] = append(s.in[to], e.ID)
	declare(s.typeSet, edgeType, nil)
	known := s.typeSet[edgeType]
	for name := range e.Props {
		known[name] = struct{}{}
	}
	s.version++
	return e, true, nil
}

// Node returns a node by id.
func (s *Store) Node(id NodeID) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasNode(id) {
		return nil, false
	}
	return s.nodes[id-1], true
}

// NodeByKey returns the node stored under a merge key.
func (s *Store) NodeByKey(key string) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.nodeKeys[key]
	if !ok {
		return nil, false
	}
	return s.nodes[id-1], true
}

// Edge returns an edge by id.
func (s *Store) Edge(id EdgeID) (*Edge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id <= 0 || int(id) > len(s.edges) {
		return nil, false
	}
	return s.edges[id-1], true
}

// Nodes returns every node in creation order.
func (s *Store) Nodes() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Node(nil), s.nodes...)
}

// Edges returns every edge in creation order.
func (s *Store) Edges() []*Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Edge(nil), s.edges...)
}

// NodesByLabel returns the nodes carrying label in creation order.
func (s *Store) NodesByLabel(label string) []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectNodes(s.byLabel[label])
}

// NodesByProperty is an indexed lookup of the nodes carrying label whose
// scalar property prop equals value in canonical form.
func (s *Store) NodesByProperty(label, prop string, value any) []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.byProp[propKey{label: label, prop: prop}]
	if idx == nil {
		return nil
	}
	return s.collectNodes(idx[models.FormatValue(value)])
}

// EdgesByType returns the edges of one type in creation order.
func (s *Store) EdgesByType(edgeType string) []*Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectEdges(s.byType[edgeType])
}

// Outgoing returns the edges leaving id, filtered by type unless edgeType is empty.
func (s *Store) Outgoing(id NodeID, edgeType string) []*Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filterEdges(s.out[id], edgeType)
}

// Incoming returns the edges entering id, filtered by type unless edgeType is empty.
func (s *Store) Incoming(id NodeID, edgeType string) []*Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filterEdges(s.in[id], edgeType)
}

// DeclareLabel registers label and its property names in the schema without
// creating a node. Queries may then name them before any node exists.
func (s *Store) DeclareLabel(label string, props ...string) {
	if label == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	declare(s.labelSet, label, props)
}

// DeclareEdgeType registers an edge type and its property names in the schema
// without creating an edge.
func (s *Store) DeclareEdgeType(edgeType string, props ...string) {
	if edgeType == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	declare(s.typeSet, edgeType, props)
}

// HasLabel reports whether label is declared or carried by a node.
func (s *Store) HasLabel(label string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.labelSet[label]
	return ok
}

// HasEdgeType reports whether the type is declared or used by an edge.
func (s *Store) HasEdgeType(edgeType string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.typeSet[edgeType]
	return ok
}

// HasNodeProperty reports whether prop is known for one of labels.
// With no labels every label is considered.
func (s *Store) HasNodeProperty(prop string, labels ...string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return hasProperty(s.labelSet, prop, labels)
}

// HasEdgeProperty reports whether prop is known for edgeType.
// An empty edgeType considers every type.
func (s *Store) HasEdgeProperty(prop, edgeType string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if edgeType == "" {
		return hasProperty(s.typeSet, prop, nil)
	}
	return hasProperty(s.typeSet, prop, []string{edgeType})
}

// Stats summarises the store contents.
type Stats struct {
	Version   uint64         `json:"version"`
	Nodes     int            `json:"nodes"`
	Edges     int            `json:"edges"`
	Labels    map[string]int `json:"labels"`
	EdgeTypes map[string]int `json:"edge_types"`
}

// Stats returns node and edge counts by label and type.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Version:   s.version,
		Nodes:     len(s.nodes),
		Edges:     len(s.edges),
		Labels:    make(map[string]int, len(s.byLabel)),
		EdgeTypes: make(map[string]int, len(s.byType)),
	}
	for label, ids := range s.byLabel {
		st.Labels[label] = len(ids)
	}
	for t, ids := range s.byType {
		st.EdgeTypes[t] = len(ids)
	}
	return st
}

// MarkStage records that a construction stage has completed.
func (s *Store) MarkStage(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages[name] = struct{}{}
}

// StageDone reports whether a construction stage has completed.
func (s *Store) StageDone(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.stages[name]
	return ok
}

// Stages returns the completed stage names, sorted.
func (s *Store) Stages() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.stages))
	for name := range s.stages {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *Store) hasNode(id NodeID) bool {
	return id > 0 && int(id) <= len(s.nodes)
}

func (s *Store) collectNodes(ids []NodeID) []*Node {
	if len(ids) == 0 {
		return nil
	}
	out := make([]*Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.nodes[id-1])
	}
	return out
}

func (s *Store) collectEdges(ids []EdgeID) []*Edge {
	if len(ids) == 0 {
		return nil
	}
	out := make([]*Edge, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.edges[id-1])
	}
	return out
}

func (s *Store) filterEdges(ids []EdgeID, edgeType string) []*Edge {
	if len(ids) == 0 {
		return nil
	}
	out := make([]*Edge, 0, len(ids))
	for _, id := range ids {
		e := s.edges[id-1]
		if edgeType != "" && e.Type != edgeType {
			continue
		}
		out = append(out, e)
	}
	return out
}

func declare(set map[string]map[string]struct{}, name string, props []string) {
	known := set[name]
	if known == nil {
		known = make(map[string]struct{}, len(props))
		set[name] = known
	}
	for _, p := range props {
		if p != "" {
			known[p] = struct{}{}
		}
	}
}

func hasProperty(set map[string]map[string]struct{}, prop string, names []string) bool {
	if len(names) == 0 {
		for _, props := range set {
			if _, ok := props[prop]; ok {
				return true
			}
		}
		return false
	}
	for _, name := range names {
		if _, ok := set[name][prop]; ok {
			return true
		}
	}
	return false
}

func uniqueLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	seen := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}

func copyProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}
