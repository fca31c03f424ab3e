package models

import (
	"fmt"
	"strconv"
	"time"
)

// Event is one row of the event table.
type Event struct {
	ID        string              `json:"id"`
	Row       int                 `json:"row"`
	Activity  string              `json:"activity"`
	Timestamp time.Time           `json:"timestamp"`
	Entities  map[string][]string `json:"entities,omitempty"`
	Attrs     map[string]any      `json:"attrs,omitempty"`
	Tags      []string            `json:"tags,omitempty"`
}

// EntityIDs returns the identifiers the event references for an entity type.
func (e *Event) EntityIDs(entityType string) []string {
	if e == nil || e.Entities == nil {
		return nil
	}
	return e.Entities[entityType]
}

// Attr returns an attribute rendered as a string.
func (e *Event) Attr(name string) string {
	if e == nil || e.Attrs == nil {
		return ""
	}
	v, ok := e.Attrs[name]
	if !ok {
		return ""
	}
	return FormatValue(v)
}

// Properties returns the graph properties of the event node.
func (e *Event) Properties() map[string]any {
	props := make(map[string]any, len(e.Attrs)+5)
	for k, v := range e.Attrs {
		props[k] = v
	}
	props["id"] = e.ID
	props["activity"] = e.Activity
	props["timestamp"] = e.Timestamp
	props["row"] = int64(e.Row)
	if len(e.Tags) > 0 {
		props["tags"] = append([]string(nil), e.Tags...)
	}
	return props
}

// FormatValue renders a scalar property value in its canonical string form.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return val.String()
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", val)
	}
}
