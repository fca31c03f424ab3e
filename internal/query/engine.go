package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"eventkg/internal/graph"
	"eventkg/internal/logger"
	"eventkg/internal/metrics"
)

var tracer = otel.Tracer("eventkg/query")

// cancelEvery bounds how many candidates are expanded between two
// cancellation checks.
const cancelEvery = 4096

// Engine runs queries against one store. It is safe for concurrent use.
type Engine struct {
	store   *graph.Store
	metrics *metrics.Recorder
}

// NewEngine creates an engine over store.
func NewEngine(store *graph.Store) *Engine {
	return &Engine{store: store}
}

// WithMetrics records query durations and failures on r.
func (e *Engine) WithMetrics(r *metrics.Recorder) *Engine {
	e.metrics = r
	return e
}

// Validate checks a query against the store schema without running it.
func (e *Engine) Validate(q *Query) error {
	_, err := compile(e.store, q)
	return err
}

// Run matches the query and returns the projected rows. An unsatisfiable
// pattern yields an empty result; malformed queries return a *QueryError.
func (e *Engine) Run(ctx context.Context, q *Query) (res *Result, err error) {
	if q == nil {
		return nil, &QueryError{Err: ErrInvalidQuery, Detail: "nil query"}
	}
	start := time.Now()
	ctx, span := tracer.Start(ctx, "eventkg.query",
		trace.WithAttributes(attribute.String("query.name", q.Name)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer func() {
		e.metrics.ObserveQuery(q.Name, time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Int("query.rows", len(res.Rows)))
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	p, err := compile(e.store, q)
	if err != nil {
		return nil, err
	}
	bindings, err := p.match(ctx, e.store)
	if err != nil {
		return nil, err
	}
	res, err = p.project(ctx, bindings)
	if err != nil {
		return nil, err
	}
	logger.Debugf("Query %s matched %d bindings, %d rows in %s", q.Name, len(bindings), len(res.Rows), time.Since(start))
	return res, nil
}

type varKind int

const (
	kindNode varKind = iota
	kindEdge
)

type variable struct {
	name      string
	slot      int
	kind      varKind
	labels    []string
	edgeTypes []string
	anonymous bool
}

type nodeStep struct {
	slot   int
	labels []string
	preds  []Predicate
}

type hop struct {
	edgeSlot int
	edgeType string
	dir      Direction
	preds    []Predicate
	node     nodeStep
}

type compiledPath struct {
	start nodeStep
	hops  []hop
	conds []Cond
}

type plan struct {
	query     *Query
	s         *graph.Store
	vars      []*variable
	byName    map[string]*variable
	edgeSlots []int
	paths     []compiledPath
	columns   []Column
	aggregate bool
}

func compile(s *graph.Store, q *Query) (*plan, error) {
	if len(q.paths) == 0 {
		return nil, queryErr(q, ErrInvalidQuery, "no match pattern")
	}
	p := &plan{query: q, s: s, byName: make(map[string]*variable)}

	declare := func(name string, kind varKind) (*variable, error) {
		if name == "" {
			name = fmt.Sprintf("_anon%d", len(p.vars))
			v := &variable{name: name, slot: len(p.vars), kind: kind, anonymous: true}
			p.vars = append(p.vars, v)
			p.byName[name] = v
			return v, nil
		}
		if strings.ContainsAny(name, ". ") {
			return nil, queryErr(q, ErrInvalidQuery, "variable name %q", name)
		}
		if v, ok := p.byName[name]; ok {
			if v.kind != kind {
				return nil, queryErr(q, ErrInvalidQuery, "variable %s used as both node and edge", name)
			}
			return v, nil
		}
		v := &variable{name: name, slot: len(p.vars), kind: kind}
		p.vars = append(p.vars, v)
		p.byName[name] = v
		return v, nil
	}

	nodeOf := func(n NodePattern) (nodeStep, error) {
		v, err := declare(n.Var, kindNode)
		if err != nil {
			return nodeStep{}, err
		}
		for _, label := range n.Labels {
			if !s.HasLabel(label) {
				return nodeStep{}, queryErr(q, ErrUnknownLabel, "%s", label)
			}
			v.labels = appendUnique(v.labels, label)
		}
		return nodeStep{slot: v.slot, labels: n.Labels, preds: n.Preds}, nil
	}

	for _, path := range q.paths {
		if path == nil {
			return nil, queryErr(q, ErrInvalidQuery, "nil path")
		}
		cp := compiledPath{}
		start, err := nodeOf(path.Start)
		if err != nil {
			return nil, err
		}
		cp.start = start
		for _, st := range path.Steps {
			ev, err := declare(st.Edge.Var, kindEdge)
			if err != nil {
				return nil, err
			}
			if st.Edge.Type != "" {
				if !s.HasEdgeType(st.Edge.Type) {
					return nil, queryErr(q, ErrUnknownEdgeType, "%s", st.Edge.Type)
				}
				ev.edgeTypes = appendUnique(ev.edgeTypes, st.Edge.Type)
			}
			node, err := nodeOf(st.Node)
			if err != nil {
				return nil, err
			}
			if !containsInt(p.edgeSlots, ev.slot) {
				p.edgeSlots = append(p.edgeSlots, ev.slot)
			}
			cp.hops = append(cp.hops, hop{
				edgeSlot: ev.slot,
				edgeType: st.Edge.Type,
				dir:      st.Edge.Dir,
				preds:    st.Edge.Preds,
				node:     node,
			})
		}
		p.paths = append(p.paths, cp)
	}

	// Predicates are checked once every occurrence of a variable has
	// contributed its labels.
	for _, cp := range p.paths {
		if err := p.checkPreds(s, p.vars[cp.start.slot], cp.start.preds); err != nil {
			return nil, err
		}
		for _, h := range cp.hops {
			if err := p.checkPreds(s, p.vars[h.edgeSlot], h.preds); err != nil {
				return nil, err
			}
			if err := p.checkPreds(s, p.vars[h.node.slot], h.node.preds); err != nil {
				return nil, err
			}
		}
	}

	if err := p.scheduleConds(s); err != nil {
		return nil, err
	}
	if err := p.compileReturn(s); err != nil {
		return nil, err
	}
	if err := p.checkResultClauses(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *plan) checkPreds(s *graph.Store, v *variable, preds []Predicate) error {
	q := p.query
	for _, pr := range preds {
		if !pr.Op.valid() {
			return queryErr(q, ErrInvalidQuery, "operator %q", pr.Op)
		}
		if pr.Prop == "" {
			return queryErr(q, ErrInvalidQuery, "predicate without property")
		}
		if !p.propertyKnown(s, v, pr.Prop) {
			if v.anonymous {
				return queryErr(q, ErrUnknownProperty, "%s", pr.Prop)
			}
			return queryErr(q, ErrUnknownProperty, "%s.%s", v.name, pr.Prop)
		}
	}
	return nil
}

func (p *plan) propertyKnown(s *graph.Store, v *variable, prop string) bool {
	if v.kind == kindEdge {
		if len(v.edgeTypes) == 0 {
			return s.HasEdgeProperty(prop, "")
		}
		for _, t := range v.edgeTypes {
			if s.HasEdgeProperty(prop, t) {
				return true
			}
		}
		return false
	}
	return s.HasNodeProperty(prop, v.labels...)
}

// resolveRef validates a "var" or "var.prop" reference.
func (p *plan) resolveRef(s *graph.Store, ref string) (*variable, string, error) {
	q := p.query
	name, prop := splitRef(ref)
	v, ok := p.byName[name]
	if !ok || v.anonymous {
		return nil, "", queryErr(q, ErrUnknownVariable, "%s", name)
	}
	if prop != "" && !p.propertyKnown(s, v, prop) {
		return nil, "", queryErr(q, ErrUnknownProperty, "%s", ref)
	}
	return v, prop, nil
}

// scheduleConds attaches every Where condition to the first path after
// which all of its variables are bound.
func (p *plan) scheduleConds(s *graph.Store) error {
	q := p.query
	boundAfter := make([]map[int]bool, len(p.paths))
	bound := make(map[int]bool)
	for i, cp := range p.paths {
		bound[cp.start.slot] = true
		for _, h := range cp.hops {
			bound[h.edgeSlot] = true
			bound[h.node.slot] = true
		}
		snapshot := make(map[int]bool, len(bound))
		for k := range bound {
			snapshot[k] = true
		}
		boundAfter[i] = snapshot
	}

	for _, c := range q.where {
		if !c.Op.valid() {
			return queryErr(q, ErrInvalidQuery, "operator %q", c.Op)
		}
		var slots []int
		for _, o := range []Operand{c.Left, c.Right} {
			if !o.isRef() {
				continue
			}
			v, _, err := p.resolveRef(s, o.Ref)
			if err != nil {
				return err
			}
			slots = append(slots, v.slot)
		}
		at := len(p.paths) - 1
		for i := range p.paths {
			ready := true
			for _, slot := range slots {
				if !boundAfter[i][slot] {
					ready = false
					break
				}
			}
			if ready {
				at = i
				break
			}
		}
		p.paths[at].conds = append(p.paths[at].conds, c)
	}
	return nil
}

func (p *plan) compileReturn(s *graph.Store) error {
	q := p.query
	cols := q.returns
	if len(cols) == 0 {
		for _, v := range p.vars {
			if !v.anonymous {
				cols = append(cols, Col(v.name))
			}
		}
		if len(cols) == 0 {
			return queryErr(q, ErrInvalidQuery, "nothing to return")
		}
	}

	seen := make(map[string]bool, len(cols))
	for _, c := range cols {
		if !c.Agg.valid() {
			return queryErr(q, ErrInvalidQuery, "aggregate %q", c.Agg)
		}
		if c.Agg != AggNone {
			p.aggregate = true
		}
		if !c.countsRows() {
			if c.Ref == "" {
				return queryErr(q, ErrInvalidQuery, "column without reference")
			}
			if _, _, err := p.resolveRef(s, c.Ref); err != nil {
				return err
			}
		}
		name := c.name()
		if seen[name] {
			return queryErr(q, ErrInvalidQuery, "duplicate column %s", name)
		}
		seen[name] = true
	}
	p.columns = cols
	return nil
}

func (p *plan) checkResultClauses() error {
	q := p.query
	for _, c := range q.having {
		if !c.Op.valid() {
			return queryErr(q, ErrInvalidQuery, "operator %q", c.Op)
		}
		for _, o := range []Operand{c.Left, c.Right} {
			if o.isRef() && p.columnIndex(o.Ref) < 0 {
				return queryErr(q, ErrUnknownVariable, "column %s", o.Ref)
			}
		}
	}
	for _, k := range q.order {
		if p.columnIndex(k.Column) < 0 {
			return queryErr(q, ErrUnknownVariable, "order column %s", k.Column)
		}
	}
	if q.topCol != "" {
		if p.columnIndex(q.topCol) < 0 {
			return queryErr(q, ErrUnknownVariable, "group column %s", q.topCol)
		}
		if q.topK <= 0 {
			return queryErr(q, ErrInvalidQuery, "top per group needs k > 0")
		}
	}
	if q.limit < 0 {
		return queryErr(q, ErrInvalidQuery, "negative limit")
	}
	return nil
}

func (p *plan) columnIndex(name string) int {
	for i, c := range p.columns {
		if c.name() == name {
			return i
		}
	}
	return -1
}

// binding holds one element id per variable slot; zero means unbound.
type binding []int64

func (b binding) with(slot int, id int64) binding {
	out := make(binding, len(b))
	copy(out, b)
	out[slot] = id
	return out
}

func (p *plan) match(ctx context.Context, s *graph.Store) ([]binding, error) {
	bindings := []binding{make(binding, len(p.vars))}
	for _, cp := range p.paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next := make([]binding, 0, len(bindings))
		for _, b := range bindings {
			for _, n := range p.candidates(s, cp.start, b) {
				next = append(next, b.with(cp.start.slot, int64(n.ID)))
			}
		}
		bindings = next

		from := cp.start.slot
		for _, h := range cp.hops {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			expanded, err := p.expand(ctx, s, bindings, from, h)
			if err != nil {
				return nil, err
			}
			bindings = expanded
			from = h.node.slot
		}
		if len(cp.conds) > 0 {
			kept := bindings[:0]
			for _, b := range bindings {
				if p.condsHold(s, cp.conds, b) {
					kept = append(kept, b)
				}
			}
			bindings = kept
		}
		if len(bindings) == 0 {
			return nil, nil
		}
	}
	return bindings, nil
}

func (p *plan) candidates(s *graph.Store, ns nodeStep, b binding) []*graph.Node {
	if id := b[ns.slot]; id != 0 {
		n, ok := s.Node(graph.NodeID(id))
		if ok && nodeMatches(n, ns) {
			return []*graph.Node{n}
		}
		return nil
	}

	var pool []*graph.Node
	switch {
	case len(ns.labels) == 0:
		pool = s.Nodes()
	default:
		if pr, ok := indexablePred(ns.preds); ok {
			pool = s.NodesByProperty(ns.labels[0], pr.Prop, pr.Value)
		} else {
			pool = s.NodesByLabel(ns.labels[0])
		}
	}
	out := make([]*graph.Node, 0, len(pool))
	for _, n := range pool {
		if nodeMatches(n, ns) {
			out = append(out, n)
		}
	}
	return out
}

func indexablePred(preds []Predicate) (Predicate, bool) {
	for _, pr := range preds {
		if pr.Op != OpEq {
			continue
		}
		switch v := pr.Value.(type) {
		case int, int64, bool, time.Time:
			return pr, true
		case string:
			if _, isTime := parseTime(v); !isTime {
				return pr, true
			}
		}
	}
	return Predicate{}, false
}

func (p *plan) expand(ctx context.Context, s *graph.Store, in []binding, from int, h hop) ([]binding, error) {
	out := make([]binding, 0, len(in))
	visited := 0
	for _, b := range in {
		cur := graph.NodeID(b[from])
		for _, step := range adjacent(s, cur, h) {
			visited++
			if visited%cancelEvery == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			e, other := step.edge, step.other
			if bound := b[h.edgeSlot]; bound != 0 && bound != int64(e.ID) {
				continue
			}
			if b[h.edgeSlot] == 0 && p.edgeUsed(b, e.ID) {
				continue
			}
			if !predsHold(e.Props, h.preds) {
				continue
			}
			if bound := b[h.node.slot]; bound != 0 && bound != int64(other.ID) {
				continue
			}
			if !nodeMatches(other, h.node) {
				continue
			}
			out = append(out, b.with(h.edgeSlot, int64(e.ID)).with(h.node.slot, int64(other.ID)))
		}
	}
	return out, nil
}

// edgeUsed reports whether another edge variable already holds id; one edge
// never binds to two edge variables of the same match.
func (p *plan) edgeUsed(b binding, id graph.EdgeID) bool {
	for _, slot := range p.edgeSlots {
		if b[slot] == int64(id) {
			return true
		}
	}
	return false
}

type adjacentStep struct {
	edge  *graph.Edge
	other *graph.Node
}

func adjacent(s *graph.Store, cur graph.NodeID, h hop) []adjacentStep {
	var out []adjacentStep
	if h.dir == DirOut || h.dir == DirBoth {
		for _, e := range s.Outgoing(cur, h.edgeType) {
			if n, ok := s.Node(e.To); ok {
				out = append(out, adjacentStep{edge: e, other: n})
			}
		}
	}
	if h.dir == DirIn || h.dir == DirBoth {
		for _, e := range s.Incoming(cur, h.edgeType) {
			if h.dir == DirBoth && e.From == e.To {
				continue
			}
			if n, ok := s.Node(e.From); ok {
				out = append(out, adjacentStep{edge: e, other: n})
			}
		}
	}
	return out
}

func nodeMatches(n *graph.Node, ns nodeStep) bool {
	for _, label := range ns.labels {
		if !n.HasLabel(label) {
			return false
		}
	}
	return predsHold(n.Props, ns.preds)
}

func predsHold(props map[string]any, preds []Predicate) bool {
	for _, pr := range preds {
		v, ok := props[pr.Prop]
		if !ok || v == nil {
			return false
		}
		right := pr.Value
		if pr.Op == OpIn {
			right = pr.Values
		}
		if !compareOp(v, pr.Op, right) {
			return false
		}
	}
	return true
}

func (p *plan) value(s *graph.Store, b binding, ref string) any {
	name, prop := splitRef(ref)
	v := p.byName[name]
	id := b[v.slot]
	if id == 0 {
		return nil
	}
	if v.kind == kindEdge {
		e, ok := s.Edge(graph.EdgeID(id))
		if !ok {
			return nil
		}
		if prop == "" {
			return e
		}
		return e.Props[prop]
	}
	n, ok := s.Node(graph.NodeID(id))
	if !ok {
		return nil
	}
	if prop == "" {
		return n
	}
	return n.Props[prop]
}

func (p *plan) condsHold(s *graph.Store, conds []Cond, b binding) bool {
	for _, c := range conds {
		left := p.operand(s, b, c.Left)
		right := p.operand(s, b, c.Right)
		if left == nil || right == nil {
			return false
		}
		if !compareOp(left, c.Op, right) {
			return false
		}
	}
	return true
}

func (p *plan) operand(s *graph.Store, b binding, o Operand) any {
	if o.isRef() {
		return p.value(s, b, o.Ref)
	}
	return o.Lit
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
