package cypher

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/CaliLuke/go-cypherdb/graph"
)

// TypeName returns the Cypher type name of a runtime value.
func TypeName(v any) string {
	switch v.(type) {
	case nil:
		return "NULL"
	case bool:
		return "BOOLEAN"
	case int64:
		return "INTEGER"
	case float64:
		return "FLOAT"
	case string:
		return "STRING"
	case []any:
		return "LIST"
	case map[string]any:
		return "MAP"
	case *graph.Node:
		return "NODE"
	case *graph.Relationship:
		return "RELATIONSHIP"
	}
	return fmt.Sprintf("%T", v)
}

// TypeError is returned when an operation is applied to values of the wrong
// type.
type TypeError struct {
	Op       string
	Expected string
	Got      any
}

// Error returns the error message for TypeError.
func (e *TypeError) Error() string {
	return fmt.Sprintf("cypher: %s expects %s, got %s", e.Op, e.Expected, TypeName(e.Got))
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

// equalValues implements Cypher equality. The second result is false when the
// comparison involves null and is therefore itself null.
func equalValues(a, b any) (bool, bool) {
	if a == nil || b == nil {
		return false, false
	}
	switch x := a.(type) {
	case int64, float64:
		fa, _ := toFloat(x)
		fb, ok := toFloat(b)
		if !ok {
			return false, true
		}
		return fa == fb, true
	case string:
		y, ok := b.(string)
		return ok && x == y, true
	case bool:
		y, ok := b.(bool)
		return ok && x == y, true
	case *graph.Node:
		y, ok := b.(*graph.Node)
		return ok && x.ID == y.ID, true
	case *graph.Relationship:
		y, ok := b.(*graph.Relationship)
		return ok && x.ID == y.ID, true
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false, true
		}
		for i := range x {
			eq, known := equalValues(x[i], y[i])
			if !known {
				return false, false
			}
			if !eq {
				return false, true
			}
		}
		return true, true
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false, true
		}
		for k, xv := range x {
			yv, ok := y[k]
			if !ok {
				return false, true
			}
			eq, known := equalValues(xv, yv)
			if !known {
				return false, false
			}
			if !eq {
				return false, true
			}
		}
		return true, true
	}
	return false, true
}

// compareValues orders two values of comparable types. ok is false when the
// values are not mutually comparable.
func compareValues(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			if ia, ok := a.(int64); ok {
				if ib, ok := b.(int64); ok {
					return cmp.Compare(ia, ib), true
				}
			}
			return cmp.Compare(fa, fb), true
		}
		return 0, false
	}
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y), true
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0, true
			case !x:
				return -1, true
			default:
				return 1, true
			}
		}
	}
	return 0, false
}

// typeRank gives the global sort order used by ORDER BY across types.
func typeRank(v any) int {
	switch v.(type) {
	case map[string]any:
		return 0
	case *graph.Node:
		return 1
	case *graph.Relationship:
		return 2
	case []any:
		return 3
	case string:
		return 4
	case bool:
		return 5
	case int64, float64:
		return 6
	case nil:
		return 8
	}
	return 7
}

// orderValues is a total order for sorting; nulls sort last ascending.
func orderValues(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	if c, ok := compareValues(a, b); ok {
		return c
	}
	switch x := a.(type) {
	case *graph.Node:
		return cmp.Compare(x.ID, b.(*graph.Node).ID)
	case *graph.Relationship:
		return cmp.Compare(x.ID, b.(*graph.Relationship).ID)
	case []any:
		y := b.([]any)
		for i := 0; i < len(x) && i < len(y); i++ {
			if c := orderValues(x[i], y[i]); c != 0 {
				return c
			}
		}
		return cmp.Compare(len(x), len(y))
	}
	return strings.Compare(valueKey(a), valueKey(b))
}

// valueKey renders a value into a string usable as a grouping key.
func valueKey(v any) string {
	var sb strings.Builder
	writeKey(&sb, v)
	return sb.String()
}

func writeKey(sb *strings.Builder, v any) {
	switch x := v.(type) {
	case nil:
		sb.WriteString("n:")
	case bool:
		sb.WriteString("b:" + strconv.FormatBool(x))
	case int64:
		// integers and integral floats group together
		sb.WriteString("f:" + strconv.FormatFloat(float64(x), 'g', -1, 64))
	case float64:
		sb.WriteString("f:" + strconv.FormatFloat(x, 'g', -1, 64))
	case string:
		sb.WriteString("s:" + strconv.Quote(x))
	case *graph.Node:
		sb.WriteString("N:" + strconv.FormatInt(x.ID, 10))
	case *graph.Relationship:
		sb.WriteString("R:" + strconv.FormatInt(x.ID, 10))
	case []any:
		sb.WriteString("[")
		for i, e := range x {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeKey(sb, e)
		}
		sb.WriteString("]")
	case map[string]any:
		sb.WriteString("{")
		for i, k := range slices.Sorted(maps.Keys(x)) {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Quote(k) + ":")
			writeKey(sb, x[k])
		}
		sb.WriteString("}")
	default:
		fmt.Fprintf(sb, "?:%v", x)
	}
}

// truthy interprets a predicate result; null and non-booleans are false.
func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

// FormatValue renders a value the way the query shell prints it.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case *graph.Node:
		var sb strings.Builder
		fmt.Fprintf(&sb, "Node[%d]", x.ID)
		for _, l := range x.Labels {
			sb.WriteString(":" + l)
		}
		sb.WriteString(formatProps(x.Props))
		return sb.String()
	case *graph.Relationship:
		return fmt.Sprintf(":%s[%d]%s", x.Type, x.ID, formatProps(x.Props))
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = FormatValue(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]any:
		return formatProps(x)
	}
	return fmt.Sprint(v)
}

func formatProps(props map[string]any) string {
	if len(props) == 0 {
		return ""
	}
	keys := slices.Sorted(maps.Keys(props))
	parts := make([]string, len(keys))
	for i, k := range keys {
		val := props[k]
		if s, ok := val.(string); ok {
			parts[i] = k + ":" + strconv.Quote(s)
		} else {
			parts[i] = k + ":" + FormatValue(val)
		}
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
