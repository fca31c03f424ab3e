package query

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"eventkg/internal/graph"
	"eventkg/pkg/models"
)

// Result holds projected rows. Node and edge columns hold *graph.Node and
// *graph.Edge values; property columns hold the property value or nil.
type Result struct {
	Columns []string
	Rows    [][]any
}

// Len returns the number of rows.
func (r *Result) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// Column returns every value of the named column, or nil when it does not exist.
func (r *Result) Column(name string) []any {
	idx := -1
	for i, c := range r.Columns {
		if c == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	out := make([]any, 0, len(r.Rows))
	for _, row := range r.Rows {
		out = append(out, row[idx])
	}
	return out
}

// Strings returns the named column rendered with the canonical value form.
func (r *Result) Strings(name string) []string {
	col := r.Column(name)
	if col == nil {
		return nil
	}
	out := make([]string, 0, len(col))
	for _, v := range col {
		out = append(out, models.FormatValue(v))
	}
	return out
}

// Records returns the rows as column-keyed maps.
func (r *Result) Records() []map[string]any {
	out := make([]map[string]any, 0, len(r.Rows))
	for _, row := range r.Rows {
		rec := make(map[string]any, len(r.Columns))
		for i, c := range r.Columns {
			rec[c] = row[i]
		}
		out = append(out, rec)
	}
	return out
}

func (p *plan) project(ctx context.Context, bindings []binding) (*Result, error) {
	s := p.s
	res := &Result{Columns: make([]string, 0, len(p.columns))}
	for _, c := range p.columns {
		res.Columns = append(res.Columns, c.name())
	}

	if p.aggregate {
		res.Rows = p.aggregateRows(s, bindings)
	} else {
		res.Rows = make([][]any, 0, len(bindings))
		for i, b := range bindings {
			if i%cancelEvery == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			row := make([]any, len(p.columns))
			for j, c := range p.columns {
				row[j] = p.value(s, b, c.Ref)
			}
			res.Rows = append(res.Rows, row)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q := p.query
	if q.distinct {
		res.Rows = distinctRows(res.Rows)
	}
	if len(q.having) > 0 {
		kept := res.Rows[:0]
		for _, row := range res.Rows {
			if p.havingHolds(row) {
				kept = append(kept, row)
			}
		}
		res.Rows = kept
	}
	if len(q.order) > 0 {
		keys := make([]int, len(q.order))
		for i, k := range q.order {
			keys[i] = p.columnIndex(k.Column)
		}
		sort.SliceStable(res.Rows, func(i, j int) bool {
			for n, k := range q.order {
				c := orderValues(res.Rows[i][keys[n]], res.Rows[j][keys[n]])
				if c == 0 {
					continue
				}
				if k.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}
	if q.topCol != "" {
		idx := p.columnIndex(q.topCol)
		seen := make(map[string]int)
		kept := res.Rows[:0]
		for _, row := range res.Rows {
			k := groupKey(row[idx])
			if seen[k] >= q.topK {
				continue
			}
			seen[k]++
			kept = append(kept, row)
		}
		res.Rows = kept
	}
	if q.limit > 0 && len(res.Rows) > q.limit {
		res.Rows = res.Rows[:q.limit]
	}
	return res, nil
}

type accumulator struct {
	count    int
	distinct map[string]struct{}
	best     any
	sumInt   int64
	sumFloat float64
	isFloat  bool
	numeric  int
	list     []any
}

func (a *accumulator) add(agg AggFunc, v any, countRows bool) {
	if countRows {
		a.count++
		return
	}
	if v == nil {
		return
	}
	switch agg {
	case AggCount:
		a.count++
	case AggCountDistinct:
		if a.distinct == nil {
			a.distinct = make(map[string]struct{})
		}
		a.distinct[groupKey(v)] = struct{}{}
	case AggMin:
		if a.best == nil || orderValues(v, a.best) < 0 {
			a.best = v
		}
	case AggMax:
		if a.best == nil || orderValues(v, a.best) > 0 {
			a.best = v
		}
	case AggSum, AggAvg:
		switch n := v.(type) {
		case int:
			a.sumInt += int64(n)
			a.sumFloat += float64(n)
			a.numeric++
		case int64:
			a.sumInt += n
			a.sumFloat += float64(n)
			a.numeric++
		case float64:
			a.sumFloat += n
			a.isFloat = true
			a.numeric++
		}
	case AggCollect:
		a.list = append(a.list, v)
	}
}

func (a *accumulator) result(agg AggFunc) any {
	switch agg {
	case AggCount:
		return int64(a.count)
	case AggCountDistinct:
		return int64(len(a.distinct))
	case AggMin, AggMax:
		return a.best
	case AggSum:
		if a.isFloat {
			return a.sumFloat
		}
		return a.sumInt
	case AggAvg:
		if a.numeric == 0 {
			return nil
		}
		return a.sumFloat / float64(a.numeric)
	case AggCollect:
		if a.list == nil {
			return []any{}
		}
		return a.list
	}
	return nil
}

type group struct {
	keys []any
	accs []*accumulator
}

func (p *plan) aggregateRows(s *graph.Store, bindings []binding) [][]any {
	groups := make(map[string]*group)
	order := make([]*group, 0)

	for _, b := range bindings {
		values := make([]any, len(p.columns))
		var key strings.Builder
		for i, c := range p.columns {
			if c.countsRows() {
				continue
			}
			values[i] = p.value(s, b, c.Ref)
			if c.Agg == AggNone {
				key.WriteString(groupKey(values[i]))
				key.WriteByte(0x1f)
			}
		}
		g, ok := groups[key.String()]
		if !ok {
			g = &group{keys: make([]any, len(p.columns)), accs: make([]*accumulator, len(p.columns))}
			for i, c := range p.columns {
				if c.Agg == AggNone {
					g.keys[i] = values[i]
				} else {
					g.accs[i] = &accumulator{}
				}
			}
			groups[key.String()] = g
			order = append(order, g)
		}
		for i, c := range p.columns {
			if c.Agg != AggNone {
				g.accs[i].add(c.Agg, values[i], c.countsRows())
			}
		}
	}

	// A fully aggregated query over no bindings still yields one row.
	if len(order) == 0 && !p.hasGroupKeys() {
		g := &group{keys: make([]any, len(p.columns)), accs: make([]*accumulator, len(p.columns))}
		for i := range p.columns {
			g.accs[i] = &accumulator{}
		}
		order = append(order, g)
	}

	rows := make([][]any, 0, len(order))
	for _, g := range order {
		row := make([]any, len(p.columns))
		for i, c := range p.columns {
			if c.Agg == AggNone {
				row[i] = g.keys[i]
			} else {
				row[i] = g.accs[i].result(c.Agg)
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func (p *plan) hasGroupKeys() bool {
	for _, c := range p.columns {
		if c.Agg == AggNone {
			return true
		}
	}
	return false
}

func (p *plan) havingHolds(row []any) bool {
	for _, c := range p.query.having {
		left := c.Left.Lit
		if c.Left.isRef() {
			left = row[p.columnIndex(c.Left.Ref)]
		}
		right := c.Right.Lit
		if c.Right.isRef() {
			right = row[p.columnIndex(c.Right.Ref)]
		}
		if left == nil || right == nil || !compareOp(left, c.Op, right) {
			return false
		}
	}
	return true
}

func distinctRows(rows [][]any) [][]any {
	seen := make(map[string]struct{}, len(rows))
	out := rows[:0]
	for _, row := range rows {
		var key strings.Builder
		for _, v := range row {
			key.WriteString(groupKey(v))
			key.WriteByte(0x1f)
		}
		if _, ok := seen[key.String()]; ok {
			continue
		}
		seen[key.String()] = struct{}{}
		out = append(out, row)
	}
	return out
}

// groupKey renders a value for grouping and distinctness. Nodes and edges
// group by identity.
func groupKey(v any) string {
	switch val := v.(type) {
	case nil:
		return "\x00"
	case *graph.Node:
		return "n:" + strconv.FormatInt(int64(val.ID), 10)
	case *graph.Edge:
		return "e:" + strconv.FormatInt(int64(val.ID), 10)
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, groupKey(item))
		}
		return "[" + strings.Join(parts, ",") + "]"
	case []string:
		return "[" + strings.Join(val, ",") + "]"
	case int, int64, float64:
		return "#" + models.FormatValue(val)
	default:
		return "s:" + models.FormatValue(val)
	}
}

// orderValues sorts values of mixed kinds deterministically; nil sorts last.
func orderValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	a, b = coerce(a, b)
	if c, ok := graph.Compare(a, b); ok {
		return c
	}
	if na, ok := a.(*graph.Node); ok {
		if nb, ok := b.(*graph.Node); ok {
			return compareInt(int64(na.ID), int64(nb.ID))
		}
	}
	if ea, ok := a.(*graph.Edge); ok {
		if eb, ok := b.(*graph.Edge); ok {
			return compareInt(int64(ea.ID), int64(eb.ID))
		}
	}
	return strings.Compare(models.FormatValue(a), models.FormatValue(b))
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// compareOp evaluates "left op right". Values of incomparable kinds never
// satisfy an ordering operator.
func compareOp(left any, op Op, right any) bool {
	switch op {
	case OpIn:
		var list []any
		switch r := right.(type) {
		case []any:
			list = r
		case []string:
			for _, s := range r {
				list = append(list, s)
			}
		default:
			list = []any{r}
		}
		for _, v := range list {
			l, rv := coerce(left, v)
			if graph.Equal(l, rv) {
				return true
			}
		}
		return false
	case OpContains:
		if s, ok := left.(string); ok {
			return strings.Contains(s, models.FormatValue(right))
		}
		return graph.Contains(left, right)
	}

	left, right = coerce(left, right)
	switch op {
	case OpEq:
		return graph.Equal(left, right)
	case OpNe:
		return !graph.Equal(left, right)
	}
	c, ok := graph.Compare(left, right)
	if !ok {
		return false
	}
	switch op {
	case OpGt:
		return c > 0
	case OpGe:
		return c >= 0
	case OpLt:
		return c < 0
	case OpLe:
		return c <= 0
	}
	return false
}

// coerce parses a string operand as a time when the other side is a time.
func coerce(a, b any) (any, any) {
	if _, ok := a.(time.Time); ok {
		if s, ok := b.(string); ok {
			if t, ok := parseTime(s); ok {
				return a, t
			}
		}
	}
	if _, ok := b.(time.Time); ok {
		if s, ok := a.(string); ok {
			if t, ok := parseTime(s); ok {
				return t, b
			}
		}
	}
	return a, b
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if len(s) < len("2006-01-02") {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
