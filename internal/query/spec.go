package query

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// SpecSet is a file of named queries.
type SpecSet struct {
	Version int         `yaml:"version"`
	Queries []QuerySpec `yaml:"queries"`
}

// QuerySpec is the YAML form of a query.
type QuerySpec struct {
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	Match       []PathSpec   `yaml:"match"`
	Where       []CondSpec   `yaml:"where"`
	Return      []ColumnSpec `yaml:"return"`
	Distinct    bool         `yaml:"distinct"`
	Having      []CondSpec   `yaml:"having"`
	OrderBy     []OrderSpec  `yaml:"order_by"`
	TopPerGroup *TopSpec     `yaml:"top_per_group"`
	Limit       int          `yaml:"limit"`
}

// PathSpec is a start node and its hops.
type PathSpec struct {
	Start NodeSpec   `yaml:"start"`
	Steps []StepSpec `yaml:"steps"`
}

// NodeSpec describes a node pattern. Eq is shorthand for equality predicates.
type NodeSpec struct {
	Var    string         `yaml:"var"`
	Labels []string       `yaml:"labels"`
	Eq     map[string]any `yaml:"eq"`
	Where  []PredSpec     `yaml:"where"`
}

// StepSpec describes one hop.
type StepSpec struct {
	Dir   string         `yaml:"dir"` // out|in|both
	Var   string         `yaml:"var"`
	Type  string         `yaml:"type"`
	Eq    map[string]any `yaml:"eq"`
	Where []PredSpec     `yaml:"where"`
	Node  NodeSpec       `yaml:"node"`
}

// PredSpec is one property predicate.
type PredSpec struct {
	Prop   string `yaml:"prop"`
	Op     string `yaml:"op"`
	Value  any    `yaml:"value"`
	Values []any  `yaml:"values"`
}

// CondSpec compares a reference with another reference (Right) or a
// literal (Value).
type CondSpec struct {
	Left   string `yaml:"left"`
	Op     string `yaml:"op"`
	Right  string `yaml:"right"`
	Value  any    `yaml:"value"`
	Values []any  `yaml:"values"`
}

// ColumnSpec is one projected column.
type ColumnSpec struct {
	Ref string `yaml:"ref"`
	Agg string `yaml:"agg"`
	As  string `yaml:"as"`
}

// OrderSpec is one sort key.
type OrderSpec struct {
	Col  string `yaml:"col"`
	Desc bool   `yaml:"desc"`
}

// TopSpec keeps the first K rows per value of Col.
type TopSpec struct {
	Col string `yaml:"col"`
	K   int    `yaml:"k"`
}

// LoadSpecs reads a query file.
func LoadSpecs(path string) (*SpecSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read query file: %w", err)
	}
	return ParseSpecs(data)
}

// ParseSpecs decodes a query file and names unnamed queries.
func ParseSpecs(data []byte) (*SpecSet, error) {
	var set SpecSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse query file: %w", err)
	}
	for i := range set.Queries {
		if strings.TrimSpace(set.Queries[i].Name) == "" {
			set.Queries[i].Name = fmt.Sprintf("query-%d", i+1)
		}
	}
	return &set, nil
}

// Find returns the query spec with the given name.
func (s *SpecSet) Find(name string) (QuerySpec, bool) {
	for _, q := range s.Queries {
		if q.Name == name {
			return q, true
		}
	}
	return QuerySpec{}, false
}

// Build converts the spec into a query. Structural mistakes that can be
// detected without a store, like an unknown operator, are reported here.
func (qs QuerySpec) Build() (*Query, error) {
	q := New().Named(qs.Name)
	for _, ps := range qs.Match {
		start, err := ps.Start.pattern(q)
		if err != nil {
			return nil, err
		}
		path := From(start)
		for _, st := range ps.Steps {
			node, err := st.Node.pattern(q)
			if err != nil {
				return nil, err
			}
			preds, err := predicates(q, st.Eq, st.Where)
			if err != nil {
				return nil, err
			}
			edge := Edge(st.Var, st.Type).Where(preds...)
			switch strings.ToLower(strings.TrimSpace(st.Dir)) {
			case "", "out":
				path.Out(edge, node)
			case "in":
				path.In(edge, node)
			case "both":
				path.Both(edge, node)
			default:
				return nil, queryErr(q, ErrInvalidQuery, "direction %q", st.Dir)
			}
		}
		q.Match(path)
	}

	for _, cs := range qs.Where {
		c, err := cs.cond(q)
		if err != nil {
			return nil, err
		}
		q.Where(c)
	}
	for _, cs := range qs.Return {
		agg := AggFunc(strings.ToLower(strings.TrimSpace(cs.Agg)))
		if !agg.valid() {
			return nil, queryErr(q, ErrInvalidQuery, "aggregate %q", cs.Agg)
		}
		q.Return(Column{Ref: cs.Ref, Agg: agg, Alias: cs.As})
	}
	if qs.Distinct {
		q.Distinct()
	}
	for _, cs := range qs.Having {
		c, err := cs.cond(q)
		if err != nil {
			return nil, err
		}
		q.Having(c)
	}
	for _, o := range qs.OrderBy {
		q.OrderBy(o.Col, o.Desc)
	}
	if qs.TopPerGroup != nil {
		q.TopPerGroup(qs.TopPerGroup.Col, qs.TopPerGroup.K)
	}
	if qs.Limit > 0 {
		q.Limit(qs.Limit)
	}
	return q, nil
}

func (ns NodeSpec) pattern(q *Query) (NodePattern, error) {
	preds, err := predicates(q, ns.Eq, ns.Where)
	if err != nil {
		return NodePattern{}, err
	}
	return Node(ns.Var, ns.Labels...).Where(preds...), nil
}

func predicates(q *Query, eq map[string]any, where []PredSpec) ([]Predicate, error) {
	out := make([]Predicate, 0, len(eq)+len(where))
	props := make([]string, 0, len(eq))
	for prop := range eq {
		props = append(props, prop)
	}
	sort.Strings(props)
	for _, prop := range props {
		out = append(out, Eq(prop, eq[prop]))
	}
	for _, ps := range where {
		op, err := parseOp(q, ps.Op)
		if err != nil {
			return nil, err
		}
		out = append(out, Predicate{Prop: ps.Prop, Op: op, Value: ps.Value, Values: ps.Values})
	}
	return out, nil
}

func (cs CondSpec) cond(q *Query) (Cond, error) {
	op, err := parseOp(q, cs.Op)
	if err != nil {
		return Cond{}, err
	}
	if cs.Left == "" {
		return Cond{}, queryErr(q, ErrInvalidQuery, "condition without left reference")
	}
	right := Lit(cs.Value)
	switch {
	case cs.Right != "":
		right = Ref(cs.Right)
	case op == OpIn:
		right = Lit(cs.Values)
	}
	return Cmp(Ref(cs.Left), op, right), nil
}

var opAliases = map[string]Op{
	"":         OpEq,
	"=":        OpEq,
	"==":       OpEq,
	"eq":       OpEq,
	"<>":       OpNe,
	"!=":       OpNe,
	"ne":       OpNe,
	">":        OpGt,
	"gt":       OpGt,
	">=":       OpGe,
	"ge":       OpGe,
	"<":        OpLt,
	"lt":       OpLt,
	"<=":       OpLe,
	"le":       OpLe,
	"in":       OpIn,
	"contains": OpContains,
}

func parseOp(q *Query, raw string) (Op, error) {
	op, ok := opAliases[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return "", queryErr(q, ErrInvalidQuery, "operator %q", raw)
	}
	return op, nil
}
