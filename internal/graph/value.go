package graph

import (
	"errors"
	"strings"
	"time"

	"eventkg/pkg/models"
)

// ErrNodeNotFound is returned when an edge endpoint does not exist.
var ErrNodeNotFound = errors.New("node not found")

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool, int, int64, float64, time.Time:
		return true
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case float64:
		return val, true
	default:
		return 0, false
	}
}

// Equal compares two property values. Numbers compare numerically, times by
// instant, everything else by canonical string form.
func Equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Equal(tb)
		}
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return models.FormatValue(a) == models.FormatValue(b)
}

// Compare orders two property values. The second result is false when the
// values are not of comparable kinds.
func Compare(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return ta.Compare(tb), true
	}
	sa, ok := a.(string)
	if !ok {
		return 0, false
	}
	sb, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

// Contains reports whether a list property holds value.
func Contains(list, value any) bool {
	switch l := list.(type) {
	case []string:
		for _, v := range l {
			if Equal(v, value) {
				return true
			}
		}
	case []any:
		for _, v := range l {
			if Equal(v, value) {
				return true
			}
		}
	}
	return false
}
