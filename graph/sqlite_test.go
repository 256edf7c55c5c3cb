package graph

import (
	"context"
	"path/filepath"
	"testing"
)

func TestSQLiteBackend_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "graph.db")

	backend, err := OpenSQLiteBackend(ctx, path)
	if err != nil {
		t.Fatalf("OpenSQLiteBackend failed: %v", err)
	}
	db, err := Open(ctx, Options{Backend: backend})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	tx := begin(t, db, false)
	a, _ := tx.CreateNode([]string{"Person"}, map[string]any{"name": "Ann", "tags": []string{"x", "y"}, "score": 1.25})
	b, _ := tx.CreateNode([]string{"Person", "Admin"}, map[string]any{"name": "Bob"})
	c, _ := tx.CreateNode(nil, nil)
	r, _ := tx.CreateRelationship("KNOWS", a.ID, b.ID, map[string]any{"since": 2001})
	tx.CreateRelationship("KNOWS", b.ID, c.ID, nil)
	commit(t, tx)

	tx = begin(t, db, false)
	if err := tx.DeleteNode(c.ID, true); err != nil {
		t.Fatalf("DeleteNode failed: %v", err)
	}
	if err := tx.SetNodeProperty(b.ID, "age", 40); err != nil {
		t.Fatalf("SetNodeProperty failed: %v", err)
	}
	commit(t, tx)
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	backend, err = OpenSQLiteBackend(ctx, path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	db, err = Open(ctx, Options{Backend: backend})
	if err != nil {
		t.Fatalf("Open after reopen failed: %v", err)
	}
	defer db.Close()

	st := db.Stats()
	if st.Nodes != 2 || st.Relationships != 1 {
		t.Fatalf("unexpected stats after reload: %+v", st)
	}
	if st.Timestamp != 2 {
		t.Errorf("commit timestamp = %d, want 2", st.Timestamp)
	}

	rtx := begin(t, db, true)
	defer rtx.Rollback()
	got, err := rtx.Node(a.ID)
	if err != nil {
		t.Fatalf("Node failed: %v", err)
	}
	if got.Props["name"] != "Ann" || got.Props["score"] != 1.25 {
		t.Errorf("unexpected props %v", got.Props)
	}
	if tags, ok := got.Props["tags"].([]any); !ok || len(tags) != 2 || tags[1] != "y" {
		t.Errorf("unexpected tags %#v", got.Props["tags"])
	}
	bob, _ := rtx.Node(b.ID)
	if bob.Props["age"] != int64(40) || !bob.HasLabel("Admin") {
		t.Errorf("unexpected bob %+v", bob)
	}
	rels, _ := rtx.Relationships(a.ID, Outgoing, "KNOWS")
	if len(rels) != 1 || rels[0].ID != r.ID || rels[0].Props["since"] != int64(2001) {
		t.Errorf("unexpected relationships %v", rels)
	}
	if ids := scanIDs(t, rtx, "Person"); len(ids) != 2 {
		t.Errorf("label index not rebuilt: %v", ids)
	}

	// identifiers are never reused after a reload
	wtx := begin(t, db, false)
	defer wtx.Rollback()
	n, _ := wtx.CreateNode(nil, nil)
	if n.ID <= c.ID {
		t.Errorf("new node id %d reuses an earlier id (max %d)", n.ID, c.ID)
	}
}
