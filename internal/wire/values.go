package wire

import (
	"context"
	"errors"

	"github.com/CaliLuke/go-cypherdb/cypher"
	"github.com/CaliLuke/go-cypherdb/graph"
)

// markerKey tags maps that stand for nodes and relationships.
const markerKey = "~graph"

// EncodeValue converts nodes and relationships, at any depth, into tagged
// maps that msgpack can carry.
func EncodeValue(v any) any {
	switch x := v.(type) {
	case *graph.Node:
		labels := make([]any, len(x.Labels))
		for i, l := range x.Labels {
			labels[i] = l
		}
		return map[string]any{
			markerKey: "node",
			"id":      x.ID,
			"labels":  labels,
			"props":   encodeMap(x.Props),
		}
	case *graph.Relationship:
		return map[string]any{
			markerKey: "relationship",
			"id":      x.ID,
			"type":    x.Type,
			"start":   x.Start,
			"end":     x.End,
			"props":   encodeMap(x.Props),
		}
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = EncodeValue(e)
		}
		return out
	case map[string]any:
		return encodeMap(x)
	}
	return v
}

func encodeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = EncodeValue(v)
	}
	return out
}

// DecodeValue reverses EncodeValue and normalizes numbers to int64 and
// float64.
func DecodeValue(v any) any {
	switch x := v.(type) {
	case []any:
		for i, e := range x {
			x[i] = DecodeValue(e)
		}
		return x
	case map[string]any:
		switch x[markerKey] {
		case "node":
			n := &graph.Node{ID: asInt(x["id"]), Props: decodeMap(x["props"])}
			if labels, ok := x["labels"].([]any); ok {
				for _, l := range labels {
					if s, ok := l.(string); ok {
						n.Labels = append(n.Labels, s)
					}
				}
			}
			return n
		case "relationship":
			r := &graph.Relationship{
				ID:    asInt(x["id"]),
				Start: asInt(x["start"]),
				End:   asInt(x["end"]),
				Props: decodeMap(x["props"]),
			}
			r.Type, _ = x["type"].(string)
			return r
		}
		return decodeMap(x)
	}
	if n, ok := graph.NormalizeValue(v); ok {
		return n
	}
	return v
}

func decodeMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	out := make(map[string]any, len(m))
	for k, e := range m {
		out[k] = DecodeValue(e)
	}
	return out
}

func asInt(v any) int64 {
	n, _ := graph.NormalizeValue(v)
	i, _ := n.(int64)
	return i
}

// ErrorFrom classifies an execution error for the wire.
func ErrorFrom(err error) *Error {
	if err == nil {
		return nil
	}
	var (
		we *Error
		se *cypher.SyntaxError
		mp *cypher.MissingParameterError
		pv *cypher.ParameterValueError
	)
	switch {
	case errors.As(err, &we):
		return we
	case errors.As(err, &se):
		return &Error{Code: CodeSyntax, Message: se.Message, Line: se.Line, Column: se.Column}
	case errors.As(err, &mp):
		return &Error{Code: CodeParameter, Message: err.Error(), Ordinal: mp.Ordinal}
	case errors.As(err, &pv):
		return &Error{Code: CodeParameter, Message: err.Error(), Ordinal: pv.Ordinal}
	case errors.Is(err, graph.ErrReadOnly):
		return &Error{Code: CodePermission, Message: err.Error()}
	case errors.Is(err, graph.ErrConflict):
		return &Error{Code: CodeConflict, Message: err.Error()}
	case errors.Is(err, cypher.ErrCancelled), errors.Is(err, context.Canceled):
		return &Error{Code: CodeCancelled, Message: err.Error()}
	}
	return &Error{Code: CodeExecution, Message: err.Error()}
}
