package graph

import (
	"fmt"
	"maps"
	"slices"
)

// Node is an immutable snapshot of a node as seen by one transaction.
type Node struct {
	// ID is assigned on creation and never reused.
	ID int64
	// Labels holds the node labels in insertion order.
	Labels []string
	// Props maps property keys to values.
	Props map[string]any
}

// HasLabel reports whether the node carries the given label.
func (n *Node) HasLabel(label string) bool {
	return slices.Contains(n.Labels, label)
}

func (n *Node) clone() *Node {
	return &Node{
		ID:     n.ID,
		Labels: slices.Clone(n.Labels),
		Props:  maps.Clone(n.Props),
	}
}

// Relationship is an immutable snapshot of a directed, typed edge.
type Relationship struct {
	ID    int64
	Type  string
	Start int64
	End   int64
	Props map[string]any
}

func (r *Relationship) clone() *Relationship {
	c := *r
	c.Props = maps.Clone(r.Props)
	return &c
}

// Other returns the endpoint of r that is not id.
func (r *Relationship) Other(id int64) int64 {
	if r.Start == id {
		return r.End
	}
	return r.Start
}

// Direction selects relationships relative to a node.
type Direction int

const (
	// Outgoing selects relationships starting at the node.
	Outgoing Direction = iota
	// Incoming selects relationships ending at the node.
	Incoming
	// Both selects relationships in either direction.
	Both
)

func (d Direction) matches(r *Relationship, node int64) bool {
	switch d {
	case Outgoing:
		return r.Start == node
	case Incoming:
		return r.End == node
	default:
		return r.Start == node || r.End == node
	}
}

// PropertyValueError is returned when a value cannot be stored as a property.
type PropertyValueError struct {
	Key   string
	Value any
}

// Error returns the error message for PropertyValueError.
func (e *PropertyValueError) Error() string {
	return fmt.Sprintf("graph: property %q: unsupported value type %T", e.Key, e.Value)
}

// NormalizeValue converts Go numeric kinds to the canonical int64/float64 forms
// and recursively normalizes lists and maps. Values that have no canonical form
// are returned unchanged with ok=false.
func NormalizeValue(v any) (any, bool) {
	switch x := v.(type) {
	case nil, bool, string, int64, float64:
		return x, true
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case uint:
		return int64(x), true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		return int64(x), true
	case float32:
		return float64(x), true
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			n, ok := NormalizeValue(e)
			if !ok {
				return v, false
			}
			out[i] = n
		}
		return out, true
	case []string:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = e
		}
		return out, true
	case []int64:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = e
		}
		return out, true
	case []int:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = int64(e)
		}
		return out, true
	case []float64:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = e
		}
		return out, true
	case []bool:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = e
		}
		return out, true
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			n, ok := NormalizeValue(e)
			if !ok {
				return v, false
			}
			out[k] = n
		}
		return out, true
	case *Node, *Relationship:
		return x, true
	}
	return v, false
}

// normalizeProps validates and copies a property map. Nil values are dropped.
func normalizeProps(props map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(props))
	for k, v := range props {
		if v == nil {
			continue
		}
		n, err := normalizeProperty(k, v)
		if err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, nil
}

func normalizeProperty(key string, v any) (any, error) {
	n, ok := NormalizeValue(v)
	if !ok {
		return nil, &PropertyValueError{Key: key, Value: v}
	}
	switch n.(type) {
	case *Node, *Relationship:
		return nil, &PropertyValueError{Key: key, Value: v}
	case map[string]any:
		// nested maps are not property values
		return nil, &PropertyValueError{Key: key, Value: v}
	}
	return n, nil
}
