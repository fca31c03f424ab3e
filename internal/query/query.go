// Package query runs pattern queries over a constructed graph.
//
// A query is built with New and a small set of combinators:
//
//	q := query.New().
//		Match(query.From(query.Node("e", "Event").Where(query.Eq("activity", "pay order"))).
//			Out(query.Edge("", "CORR"), query.Node("o", "Entity").Where(query.Eq("type", "Order")))).
//		Return(query.Col("o.id").As("order"), query.Col("e.timestamp").As("paid")).
//		OrderBy("paid", false)
//
// Patterns are validated against the store schema before matching, so a
// misspelt label or property fails with a QueryError instead of silently
// returning nothing.
package query

// AggFunc is an aggregate function.
type AggFunc string

// Aggregate functions.
const (
	AggNone          AggFunc = ""
	AggCount         AggFunc = "count"
	AggCountDistinct AggFunc = "count_distinct"
	AggMin           AggFunc = "min"
	AggMax           AggFunc = "max"
	AggSum           AggFunc = "sum"
	AggAvg           AggFunc = "avg"
	AggCollect       AggFunc = "collect"
)

func (a AggFunc) valid() bool {
	switch a {
	case AggNone, AggCount, AggCountDistinct, AggMin, AggMax, AggSum, AggAvg, AggCollect:
		return true
	}
	return false
}

// Column is one projected result column.
type Column struct {
	Ref   string
	Agg   AggFunc
	Alias string
}

// Col projects a reference.
func Col(ref string) Column { return Column{Ref: ref} }

// Count counts non-null values of ref, or rows when ref is "*" or empty.
func Count(ref string) Column { return Column{Ref: ref, Agg: AggCount} }

// CountDistinct counts distinct non-null values of ref.
func CountDistinct(ref string) Column { return Column{Ref: ref, Agg: AggCountDistinct} }

// Min returns the smallest value of ref.
func Min(ref string) Column { return Column{Ref: ref, Agg: AggMin} }

// Max returns the largest value of ref.
func Max(ref string) Column { return Column{Ref: ref, Agg: AggMax} }

// Sum adds numeric values of ref.
func Sum(ref string) Column { return Column{Ref: ref, Agg: AggSum} }

// Avg averages numeric values of ref.
func Avg(ref string) Column { return Column{Ref: ref, Agg: AggAvg} }

// Collect gathers the values of ref into a list.
func Collect(ref string) Column { return Column{Ref: ref, Agg: AggCollect} }

// As names the column.
func (c Column) As(alias string) Column {
	c.Alias = alias
	return c
}

func (c Column) name() string {
	if c.Alias != "" {
		return c.Alias
	}
	if c.Agg == AggNone {
		return c.Ref
	}
	ref := c.Ref
	if ref == "" {
		ref = "*"
	}
	return string(c.Agg) + "(" + ref + ")"
}

func (c Column) countsRows() bool {
	return c.Agg == AggCount && (c.Ref == "" || c.Ref == "*")
}

// OrderKey sorts result rows by a column.
type OrderKey struct {
	Column string
	Desc   bool
}

// Query is a pattern plus projection, grouping and ordering.
// Non-aggregated return columns are the grouping key when any column
// aggregates.
type Query struct {
	Name string

	paths    []*PathPattern
	where    []Cond
	returns  []Column
	distinct bool
	having   []Cond
	order    []OrderKey
	topCol   string
	topK     int
	limit    int
}

// New starts an empty query.
func New() *Query {
	return &Query{}
}

// Named sets the name used in errors, logs and metrics.
func (q *Query) Named(name string) *Query {
	q.Name = name
	return q
}

// Match adds paths. Variables shared between paths join on identity.
func (q *Query) Match(paths ...*PathPattern) *Query {
	q.paths = append(q.paths, paths...)
	return q
}

// Where adds conditions across bindings.
func (q *Query) Where(conds ...Cond) *Query {
	q.where = append(q.where, conds...)
	return q
}

// Return sets the projected columns. Without it every named variable is
// returned.
func (q *Query) Return(cols ...Column) *Query {
	q.returns = append(q.returns, cols...)
	return q
}

// Distinct removes duplicate result rows.
func (q *Query) Distinct() *Query {
	q.distinct = true
	return q
}

// Having filters result rows; references name result columns.
func (q *Query) Having(conds ...Cond) *Query {
	q.having = append(q.having, conds...)
	return q
}

// OrderBy appends a sort key on a result column.
func (q *Query) OrderBy(col string, desc bool) *Query {
	q.order = append(q.order, OrderKey{Column: col, Desc: desc})
	return q
}

// TopPerGroup keeps the first k rows for every distinct value of col, after
// ordering.
func (q *Query) TopPerGroup(col string, k int) *Query {
	q.topCol = col
	q.topK = k
	return q
}

// Limit caps the number of result rows.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}
