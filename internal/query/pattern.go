package query

import "strings"

// Op is a comparison operator.
type Op string

// Supported operators.
const (
	OpEq       Op = "="
	OpNe       Op = "<>"
	OpGt       Op = ">"
	OpGe       Op = ">="
	OpLt       Op = "<"
	OpLe       Op = "<="
	OpIn       Op = "in"
	OpContains Op = "contains"
)

func (o Op) valid() bool {
	switch o {
	case OpEq, OpNe, OpGt, OpGe, OpLt, OpLe, OpIn, OpContains:
		return true
	}
	return false
}

// Predicate constrains one property of a node or edge.
type Predicate struct {
	Prop   string
	Op     Op
	Value  any
	Values []any
}

// Eq matches elements whose property equals v.
func Eq(prop string, v any) Predicate { return Predicate{Prop: prop, Op: OpEq, Value: v} }

// Ne matches elements whose property is present and differs from v.
func Ne(prop string, v any) Predicate { return Predicate{Prop: prop, Op: OpNe, Value: v} }

// Gt matches elements whose property is greater than v.
func Gt(prop string, v any) Predicate { return Predicate{Prop: prop, Op: OpGt, Value: v} }

// Ge matches elements whose property is greater than or equal to v.
func Ge(prop string, v any) Predicate { return Predicate{Prop: prop, Op: OpGe, Value: v} }

// Lt matches elements whose property is less than v.
func Lt(prop string, v any) Predicate { return Predicate{Prop: prop, Op: OpLt, Value: v} }

// Le matches elements whose property is less than or equal to v.
func Le(prop string, v any) Predicate { return Predicate{Prop: prop, Op: OpLe, Value: v} }

// In matches elements whose property is one of vs.
func In(prop string, vs ...any) Predicate { return Predicate{Prop: prop, Op: OpIn, Values: vs} }

// Contains matches elements whose list property holds v.
func Contains(prop string, v any) Predicate {
	return Predicate{Prop: prop, Op: OpContains, Value: v}
}

// NodePattern matches one node. Labels are all required.
type NodePattern struct {
	Var    string
	Labels []string
	Preds  []Predicate
}

// Node starts a node pattern bound to v. An empty v is anonymous.
func Node(v string, labels ...string) NodePattern {
	return NodePattern{Var: v, Labels: labels}
}

// Where adds predicates.
func (n NodePattern) Where(preds ...Predicate) NodePattern {
	n.Preds = append(append([]Predicate(nil), n.Preds...), preds...)
	return n
}

// Direction of an edge step relative to the path.
type Direction int

// Edge step directions.
const (
	DirOut Direction = iota
	DirIn
	DirBoth
)

func (d Direction) String() string {
	switch d {
	case DirIn:
		return "in"
	case DirBoth:
		return "both"
	default:
		return "out"
	}
}

// EdgePattern matches one edge. An empty Type matches any type.
type EdgePattern struct {
	Var   string
	Type  string
	Dir   Direction
	Preds []Predicate
}

// Edge starts an edge pattern bound to v.
func Edge(v, edgeType string) EdgePattern {
	return EdgePattern{Var: v, Type: edgeType}
}

// Where adds predicates.
func (e EdgePattern) Where(preds ...Predicate) EdgePattern {
	e.Preds = append(append([]Predicate(nil), e.Preds...), preds...)
	return e
}

// Step is one hop of a path.
type Step struct {
	Edge EdgePattern
	Node NodePattern
}

// PathPattern is a start node followed by hops.
type PathPattern struct {
	Start NodePattern
	Steps []Step
}

// From starts a path at n.
func From(n NodePattern) *PathPattern {
	return &PathPattern{Start: n}
}

// Out follows e from the current node to n.
func (p *PathPattern) Out(e EdgePattern, n NodePattern) *PathPattern {
	return p.step(DirOut, e, n)
}

// In follows e backwards from the current node to n.
func (p *PathPattern) In(e EdgePattern, n NodePattern) *PathPattern {
	return p.step(DirIn, e, n)
}

// Both follows e in either direction.
func (p *PathPattern) Both(e EdgePattern, n NodePattern) *PathPattern {
	return p.step(DirBoth, e, n)
}

func (p *PathPattern) step(dir Direction, e EdgePattern, n NodePattern) *PathPattern {
	e.Dir = dir
	p.Steps = append(p.Steps, Step{Edge: e, Node: n})
	return p
}

// Operand is either a reference to a bound value or a literal.
type Operand struct {
	Ref string
	Lit any
}

// Ref refers to a variable ("o") or one of its properties ("o.id"). In
// Having clauses it names a result column.
func Ref(ref string) Operand { return Operand{Ref: ref} }

// Lit is a literal operand.
func Lit(v any) Operand { return Operand{Lit: v} }

func (o Operand) isRef() bool { return o.Ref != "" }

// Cond compares two operands.
type Cond struct {
	Left  Operand
	Op    Op
	Right Operand
}

// Cmp builds a condition.
func Cmp(left Operand, op Op, right Operand) Cond {
	return Cond{Left: left, Op: op, Right: right}
}

func splitRef(ref string) (string, string) {
	if i := strings.IndexByte(ref, '.'); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return ref, ""
}
