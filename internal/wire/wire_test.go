package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/CaliLuke/go-cypherdb/cypher"
	"github.com/CaliLuke/go-cypherdb/graph"
)

func TestStream(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.FlushEvery = 2

	node := &graph.Node{ID: 7, Labels: []string{"Person"}, Props: map[string]any{"name": "Ann", "tags": []any{"a"}}}
	rel := &graph.Relationship{ID: 3, Type: "KNOWS", Start: 7, End: 8, Props: map[string]any{}}

	if err := w.Header([]string{"n", "r", "x"}); err != nil {
		t.Fatalf("Header failed: %v", err)
	}
	if err := w.Row([]any{node, rel, int64(1)}); err != nil {
		t.Fatalf("Row failed: %v", err)
	}
	if err := w.Row([]any{nil, []any{node}, 2.5}); err != nil {
		t.Fatalf("Row failed: %v", err)
	}
	if err := w.Trailer(cypher.Stats{NodesCreated: 2}, nil); err != nil {
		t.Fatalf("Trailer failed: %v", err)
	}

	r := NewReader(&buf)
	f, err := r.Next()
	if err != nil || f.Kind != FrameHeader || len(f.Columns) != 3 {
		t.Fatalf("unexpected header %+v, %v", f, err)
	}

	f, err = r.Next()
	if err != nil || f.Kind != FrameRow {
		t.Fatalf("unexpected row %+v, %v", f, err)
	}
	n, ok := f.Values[0].(*graph.Node)
	if !ok || n.ID != 7 || n.Props["name"] != "Ann" || !n.HasLabel("Person") {
		t.Errorf("node not restored: %#v", f.Values[0])
	}
	if tags, ok := n.Props["tags"].([]any); !ok || tags[0] != "a" {
		t.Errorf("nested list not restored: %#v", n.Props["tags"])
	}
	gr, ok := f.Values[1].(*graph.Relationship)
	if !ok || gr.Type != "KNOWS" || gr.Start != 7 || gr.End != 8 {
		t.Errorf("relationship not restored: %#v", f.Values[1])
	}
	if f.Values[2] != int64(1) {
		t.Errorf("integer decoded as %T", f.Values[2])
	}

	f, err = r.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if f.Values[0] != nil || f.Values[2] != 2.5 {
		t.Errorf("unexpected values %#v", f.Values)
	}
	if l, ok := f.Values[1].([]any); !ok || len(l) != 1 {
		t.Errorf("list of nodes not restored: %#v", f.Values[1])
	} else if _, ok := l[0].(*graph.Node); !ok {
		t.Errorf("nested node not restored: %#v", l[0])
	}

	f, err = r.Next()
	if err != nil || f.Kind != FrameTrailer || f.Stats == nil || f.Stats.NodesCreated != 2 || f.Error != nil {
		t.Fatalf("unexpected trailer %+v, %v", f, err)
	}

	if _, err := r.Next(); !errors.Is(err, ErrTruncated) {
		t.Errorf("expected ErrTruncated at end of stream, got %v", err)
	}
}

func TestRequestParams(t *testing.T) {
	data, err := Encode(&Request{
		Statement: "CREATE (n {1})",
		Params:    map[int]any{1: map[string]any{"age": int64(3)}, 2: "x"},
	})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	var req Request
	if err := Decode(bytes.NewReader(data), &req); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	m, ok := req.Params[1].(map[string]any)
	if !ok || m["age"] != int64(3) {
		t.Errorf("map parameter not restored: %#v", req.Params[1])
	}
	if req.Params[2] != "x" {
		t.Errorf("string parameter not restored: %#v", req.Params[2])
	}
}

func TestErrorFrom(t *testing.T) {
	tests := []struct {
		err  error
		code Code
	}{
		{&cypher.SyntaxError{Message: "bad", Line: 1, Column: 2}, CodeSyntax},
		{&cypher.MissingParameterError{Ordinal: 2}, CodeParameter},
		{graph.ErrReadOnly, CodePermission},
		{graph.ErrConflict, CodeConflict},
		{cypher.ErrCancelled, CodeCancelled},
		{&graph.NotFoundError{Kind: "node", ID: 1}, CodeExecution},
		{errors.New("boom"), CodeExecution},
		{&Error{Code: CodeNotFound, Message: "tx"}, CodeNotFound},
	}
	for _, tt := range tests {
		if got := ErrorFrom(tt.err); got.Code != tt.code {
			t.Errorf("ErrorFrom(%v).Code = %s, want %s", tt.err, got.Code, tt.code)
		}
	}
	if ErrorFrom(nil) != nil {
		t.Error("ErrorFrom(nil) should be nil")
	}
	se := ErrorFrom(&cypher.SyntaxError{Message: "bad", Line: 3, Column: 4})
	if se.Line != 3 || se.Column != 4 {
		t.Errorf("position lost: %+v", se)
	}
}
