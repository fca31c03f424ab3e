package query

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownLabel is returned when a pattern names a label no node carries.
	ErrUnknownLabel = errors.New("unknown label")
	// ErrUnknownEdgeType is returned when a pattern names an edge type no edge has.
	ErrUnknownEdgeType = errors.New("unknown edge type")
	// ErrUnknownProperty is returned when a predicate or reference names a
	// property that no matching node or edge carries.
	ErrUnknownProperty = errors.New("unknown property")
	// ErrUnknownVariable is returned for references to unbound variables or
	// missing result columns.
	ErrUnknownVariable = errors.New("unknown variable")
	// ErrInvalidQuery is returned for structurally malformed queries.
	ErrInvalidQuery = errors.New("invalid query")
)

// QueryError reports a malformed query. It is never returned for a query
// that simply has no matches.
type QueryError struct {
	Query  string
	Detail string
	Err    error
}

func (e *QueryError) Error() string {
	name := e.Query
	if name == "" {
		name = "query"
	}
	if e.Detail == "" {
		return fmt.Sprintf("%s: %v", name, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", name, e.Err, e.Detail)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

func queryErr(q *Query, sentinel error, format string, args ...any) *QueryError {
	return &QueryError{Query: q.Name, Detail: fmt.Sprintf(format, args...), Err: sentinel}
}
