package cypher

import (
	"context"
	"errors"
	"testing"

	"github.com/CaliLuke/go-cypherdb/graph"
)

func openDB(t *testing.T) *graph.DB {
	t.Helper()
	db, err := graph.Open(context.Background(), graph.Options{})
	if err != nil {
		t.Fatalf("graph.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// run executes query in its own write transaction, commits, and returns all
// rows.
func run(t *testing.T, db *graph.DB, query string, params map[int]any) ([][]any, Stats) {
	t.Helper()
	rows, stats, err := tryRun(db, query, params)
	if err != nil {
		t.Fatalf("%s: %v", query, err)
	}
	return rows, stats
}

func tryRun(db *graph.DB, query string, params map[int]any) ([][]any, Stats, error) {
	q, err := Parse(query)
	if err != nil {
		return nil, Stats{}, err
	}
	tx, err := db.Begin(false)
	if err != nil {
		return nil, Stats{}, err
	}
	defer func() { _ = tx.Rollback() }()
	cur, err := Execute(context.Background(), tx, q, params)
	if err != nil {
		return nil, Stats{}, err
	}
	defer cur.Close()
	var rows [][]any
	for cur.Next() {
		rows = append(rows, cur.Row())
	}
	if err := cur.Err(); err != nil {
		return nil, Stats{}, err
	}
	if err := tx.Commit(context.Background()); err != nil {
		return nil, Stats{}, err
	}
	return rows, cur.Stats(), nil
}

func seedPeople(t *testing.T, db *graph.DB) {
	t.Helper()
	run(t, db, `CREATE (a:Person {name: 'Ann', age: 31}),
		(b:Person {name: 'Bob', age: 25}),
		(c:Person {name: 'Cid', age: 40}),
		(r:Robot {name: 'R2'}),
		(a)-[:KNOWS {since: 2001}]->(b),
		(b)-[:KNOWS]->(c),
		(a)-[:LIKES]->(r)`, nil)
}

func TestExecute_ForeachRangeCreates(t *testing.T) {
	db := openDB(t)
	_, stats := run(t, db, "START n=node(*) FOREACH (i IN range(0, 10) | CREATE (m {v: i}))", nil)
	if stats.NodesCreated != 0 {
		t.Fatalf("expected no nodes created on an empty graph, got %d", stats.NodesCreated)
	}

	_, stats = run(t, db, "FOREACH (i IN range(0, 10) | CREATE (m {v: i}))", nil)
	if stats.NodesCreated != 11 || stats.PropertiesSet != 11 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	rows, _ := run(t, db, "START n=node(*) RETURN count(*)", nil)
	if rows[0][0] != int64(11) {
		t.Errorf("count = %v, want 11", rows[0][0])
	}
}

func TestExecute_MatchAndWhere(t *testing.T) {
	db := openDB(t)
	seedPeople(t, db)

	rows, _ := run(t, db, "MATCH (p:Person) WHERE p.age > 30 RETURN p.name ORDER BY p.name", nil)
	if len(rows) != 2 || rows[0][0] != "Ann" || rows[1][0] != "Cid" {
		t.Errorf("unexpected rows: %v", rows)
	}

	rows, _ = run(t, db, "MATCH (a:Person {name: 'Ann'})-[r:KNOWS]->(b) RETURN b.name, r.since", nil)
	if len(rows) != 1 || rows[0][0] != "Bob" || rows[0][1] != int64(2001) {
		t.Errorf("unexpected rows: %v", rows)
	}

	rows, _ = run(t, db, "MATCH (a)-[:KNOWS]->()-[:KNOWS]->(c) RETURN a.name, c.name", nil)
	if len(rows) != 1 || rows[0][0] != "Ann" || rows[0][1] != "Cid" {
		t.Errorf("unexpected two-hop rows: %v", rows)
	}

	rows, _ = run(t, db, "MATCH (b {name: 'Bob'})<-[:KNOWS]-(a) RETURN a.name", nil)
	if len(rows) != 1 || rows[0][0] != "Ann" {
		t.Errorf("unexpected incoming rows: %v", rows)
	}

	rows, _ = run(t, db, "MATCH (b {name: 'Bob'})-[:KNOWS]-(x) RETURN x.name ORDER BY x.name", nil)
	if len(rows) != 2 || rows[0][0] != "Ann" || rows[1][0] != "Cid" {
		t.Errorf("unexpected undirected rows: %v", rows)
	}

	rows, _ = run(t, db, "MATCH (a)-[r:KNOWS|LIKES]->(x) WHERE a.name = {1} RETURN type(r) ORDER BY type(r)", map[int]any{1: "Ann"})
	if len(rows) != 2 || rows[0][0] != "KNOWS" || rows[1][0] != "LIKES" {
		t.Errorf("unexpected typed rows: %v", rows)
	}
}

func TestExecute_OptionalMatch(t *testing.T) {
	db := openDB(t)
	seedPeople(t, db)

	rows, _ := run(t, db, "MATCH (p:Person) OPTIONAL MATCH (p)-[:LIKES]->(x) RETURN p.name, x.name ORDER BY p.name", nil)
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %v", rows)
	}
	if rows[0][1] != "R2" || rows[1][1] != nil || rows[2][1] != nil {
		t.Errorf("unexpected optional bindings: %v", rows)
	}
}

func TestExecute_Aggregation(t *testing.T) {
	db := openDB(t)
	seedPeople(t, db)

	rows, _ := run(t, db, "MATCH (p:Person) RETURN count(*), sum(p.age), min(p.age), max(p.age), avg(p.age), count(DISTINCT labels(p))", nil)
	want := []any{int64(3), int64(96), int64(25), int64(40), float64(32), int64(1)}
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %v", rows)
	}
	for i, w := range want {
		if rows[0][i] != w {
			t.Errorf("column %d = %v (%T), want %v", i, rows[0][i], rows[0][i], w)
		}
	}

	rows, _ = run(t, db, "MATCH (n) RETURN labels(n)[0] AS label, count(*) AS c ORDER BY c DESC", nil)
	if len(rows) != 2 || rows[0][0] != "Person" || rows[0][1] != int64(3) || rows[1][1] != int64(1) {
		t.Errorf("unexpected grouped rows: %v", rows)
	}

	rows, _ = run(t, db, "MATCH (n:Nothing) RETURN count(n), collect(n.x)", nil)
	if len(rows) != 1 || rows[0][0] != int64(0) {
		t.Errorf("expected a single zero count row, got %v", rows)
	}
	if l, ok := rows[0][1].([]any); !ok || len(l) != 0 {
		t.Errorf("expected empty collect, got %v", rows[0][1])
	}
}

func TestExecute_DistinctSkipLimit(t *testing.T) {
	db := openDB(t)
	run(t, db, "UNWIND [3, 1, 2, 3, 1] AS v CREATE (n:V {v: v})", nil)

	rows, _ := run(t, db, "MATCH (n:V) RETURN DISTINCT n.v ORDER BY n.v", nil)
	if len(rows) != 3 || rows[0][0] != int64(1) || rows[2][0] != int64(3) {
		t.Errorf("unexpected distinct rows: %v", rows)
	}

	rows, _ = run(t, db, "MATCH (n:V) RETURN n.v ORDER BY n.v DESC SKIP 1 LIMIT 2", nil)
	if len(rows) != 2 || rows[0][0] != int64(3) || rows[1][0] != int64(2) {
		t.Errorf("unexpected paged rows: %v", rows)
	}

	rows, _ = run(t, db, "MATCH (n:V) RETURN n LIMIT {1}", map[int]any{1: 2})
	if len(rows) != 2 {
		t.Errorf("expected 2 rows, got %d", len(rows))
	}
}

func TestExecute_OrderAndAggregateWithoutSkip(t *testing.T) {
	db := openDB(t)

	rows, _ := run(t, db, "UNWIND [3, 1, 2] AS x RETURN x ORDER BY x", nil)
	if len(rows) != 3 || rows[0][0] != int64(1) || rows[2][0] != int64(3) {
		t.Errorf("unexpected ordered rows: %v", rows)
	}

	rows, _ = run(t, db, "UNWIND [3, 1, 2] AS x RETURN count(x) AS c", nil)
	if len(rows) != 1 || rows[0][0] != int64(3) {
		t.Errorf("unexpected count rows: %v", rows)
	}

	rows, _ = run(t, db, "UNWIND [3, 1, 2] AS x RETURN x ORDER BY x DESC LIMIT 2", nil)
	if len(rows) != 2 || rows[0][0] != int64(3) || rows[1][0] != int64(2) {
		t.Errorf("unexpected limited rows: %v", rows)
	}

	rows, _ = run(t, db, "UNWIND [3, 1, 2] AS x RETURN x ORDER BY x SKIP 2", nil)
	if len(rows) != 1 || rows[0][0] != int64(3) {
		t.Errorf("unexpected skipped rows: %v", rows)
	}
}

func TestExecute_SetAndDelete(t *testing.T) {
	db := openDB(t)
	seedPeople(t, db)

	rows, stats := run(t, db, "MATCH (p:Person {name: 'Bob'}) SET p.age = p.age + 1, p:Adult RETURN p.age, p:Adult", nil)
	if len(rows) != 1 || rows[0][0] != int64(26) || rows[0][1] != true {
		t.Errorf("unexpected SET result: %v", rows)
	}
	if stats.PropertiesSet != 1 || stats.LabelsAdded != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	rows, _ = run(t, db, "MATCH (n:Adult) RETURN n.name", nil)
	if len(rows) != 1 || rows[0][0] != "Bob" {
		t.Errorf("label index not updated: %v", rows)
	}

	_, _, err := tryRun(db, "MATCH (p:Person {name: 'Bob'}) DELETE p", nil)
	var hasRels *graph.NodeHasRelationshipsError
	if !errors.As(err, &hasRels) {
		t.Fatalf("expected NodeHasRelationshipsError, got %v", err)
	}

	_, stats = run(t, db, "MATCH (p {name: 'Bob'})-[r]-() DELETE r, p", nil)
	if stats.NodesDeleted != 1 || stats.RelationshipsDeleted != 2 {
		t.Errorf("unexpected delete stats: %+v", stats)
	}

	_, stats = run(t, db, "MATCH (n) DETACH DELETE n", nil)
	if stats.NodesDeleted != 3 || stats.RelationshipsDeleted != 1 {
		t.Errorf("unexpected detach stats: %+v", stats)
	}
	if st := db.Stats(); st.Nodes != 0 || st.Relationships != 0 {
		t.Errorf("graph not empty: %+v", st)
	}
}

func TestExecute_StartByID(t *testing.T) {
	db := openDB(t)
	rows, _ := run(t, db, "CREATE (a {n: 1}), (b {n: 2}) RETURN id(a), id(b)", nil)
	a, b := rows[0][0].(int64), rows[0][1].(int64)

	rows, _ = run(t, db, "START n=node({1}) RETURN n.n", map[int]any{1: b})
	if len(rows) != 1 || rows[0][0] != int64(2) {
		t.Errorf("unexpected rows: %v", rows)
	}
	rows, _ = run(t, db, "START n=node({1}) RETURN n.n ORDER BY n.n", map[int]any{1: []any{a, b}})
	if len(rows) != 2 {
		t.Errorf("unexpected rows: %v", rows)
	}

	_, _, err := tryRun(db, "START n=node(999) RETURN n", nil)
	var nf *graph.NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestExecute_MapParameter(t *testing.T) {
	db := openDB(t)
	rows, stats := run(t, db, "CREATE (n:Person {1}) RETURN n.name, n.age", map[int]any{
		1: map[string]any{"name": "Dee", "age": 7},
	})
	if rows[0][0] != "Dee" || rows[0][1] != int64(7) {
		t.Errorf("unexpected rows: %v", rows)
	}
	if stats.NodesCreated != 1 || stats.PropertiesSet != 2 || stats.LabelsAdded != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestExecute_MissingParameter(t *testing.T) {
	db := openDB(t)
	_, _, err := tryRun(db, "MATCH (n) WHERE n.x = {1} AND n.y = {2} RETURN n", map[int]any{1: 1})
	var mp *MissingParameterError
	if !errors.As(err, &mp) {
		t.Fatalf("expected MissingParameterError, got %v", err)
	}
	if mp.Ordinal != 2 {
		t.Errorf("Ordinal = %d, want 2", mp.Ordinal)
	}
}

func TestExecute_ReadOnlyTransaction(t *testing.T) {
	db := openDB(t)
	tx, err := db.Begin(true)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	defer tx.Rollback()
	_, err = Execute(context.Background(), tx, MustParse("CREATE (n)"), nil)
	if !errors.Is(err, graph.ErrReadOnly) {
		t.Errorf("expected ErrReadOnly, got %v", err)
	}
}

func TestExecute_Expressions(t *testing.T) {
	db := openDB(t)
	tests := []struct {
		query string
		want  any
	}{
		{"RETURN 1 + 2 * 3", int64(7)},
		{"RETURN 7 / 2", int64(3)},
		{"RETURN 7 / 2.0", 3.5},
		{"RETURN 7 % 3", int64(1)},
		{"RETURN -(2 - 5)", int64(3)},
		{"RETURN 'a' + 1", "a1"},
		{"RETURN null = 1", nil},
		{"RETURN null IS NULL", true},
		{"RETURN 1 <> 2", true},
		{"RETURN 1 != 1", false},
		{"RETURN true AND null", nil},
		{"RETURN false AND null", false},
		{"RETURN true OR null", true},
		{"RETURN true XOR true", false},
		{"RETURN NOT false", true},
		{"RETURN 2 IN [1, 2, 3]", true},
		{"RETURN 'abc' STARTS WITH 'ab'", true},
		{"RETURN 'abc' ENDS WITH 'bc'", true},
		{"RETURN 'abc' CONTAINS 'd'", false},
		{"RETURN 'abc' =~ 'a.c'", true},
		{"RETURN size([1, 2, 3])", int64(3)},
		{"RETURN size(range(0, 10))", int64(11)},
		{"RETURN head([4, 5])", int64(4)},
		{"RETURN last([4, 5])", int64(5)},
		{"RETURN [1, 2, 3][-1]", int64(3)},
		{"RETURN {a: {b: 2}}.a.b", int64(2)},
		{"RETURN coalesce(null, null, 'x')", "x"},
		{"RETURN toInteger('42')", int64(42)},
		{"RETURN toFloat(1)", 1.0},
		{"RETURN toString(1.5)", "1.5"},
		{"RETURN abs(-3)", int64(3)},
		{"RETURN toUpper('abc')", "ABC"},
	}
	for _, tt := range tests {
		rows, _ := run(t, db, tt.query, nil)
		if len(rows) != 1 || len(rows[0]) != 1 {
			t.Fatalf("%s: unexpected rows %v", tt.query, rows)
		}
		if rows[0][0] != tt.want {
			t.Errorf("%s = %v (%T), want %v", tt.query, rows[0][0], rows[0][0], tt.want)
		}
	}
}

func TestExecute_TypeErrors(t *testing.T) {
	db := openDB(t)
	for _, query := range []string{
		"RETURN 1 + true",
		"RETURN NOT 1",
		"UNWIND [1] AS x RETURN x.name",
		"RETURN 1 / 0",
	} {
		if _, _, err := tryRun(db, query, nil); err == nil {
			t.Errorf("%s: expected error", query)
		}
	}
}

func TestCursor_Cancel(t *testing.T) {
	db := openDB(t)
	run(t, db, "FOREACH (i IN range(1, 100) | CREATE (n {i: i}))", nil)

	tx, err := db.Begin(true)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	defer tx.Rollback()
	cur, err := Execute(context.Background(), tx, MustParse("START n=node(*) RETURN n.i"), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	defer cur.Close()

	for i := 0; i < 10; i++ {
		if !cur.Next() {
			t.Fatalf("Next returned false at row %d: %v", i, cur.Err())
		}
	}
	cur.Cancel()
	if cur.Next() {
		t.Fatal("Next returned true after Cancel")
	}
	if !errors.Is(cur.Err(), ErrCancelled) {
		t.Errorf("Err() = %v, want ErrCancelled", cur.Err())
	}
	if cur.Row() != nil {
		t.Error("row content escaped after cancel")
	}
	if cur.Next() {
		t.Error("Next returned true on a cancelled cursor")
	}
}

func TestCursor_ContextCancel(t *testing.T) {
	db := openDB(t)
	run(t, db, "FOREACH (i IN range(1, 10) | CREATE (n))", nil)

	ctx, cancel := context.WithCancel(context.Background())
	tx, _ := db.Begin(true)
	defer tx.Rollback()
	cur, err := Execute(ctx, tx, MustParse("MATCH (n) RETURN n"), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !cur.Next() {
		t.Fatalf("Next failed: %v", cur.Err())
	}
	cancel()
	if cur.Next() {
		t.Fatal("Next returned true after context cancel")
	}
	if !errors.Is(cur.Err(), context.Canceled) {
		t.Errorf("Err() = %v, want context.Canceled", cur.Err())
	}
}

func TestCursor_CloseHooks(t *testing.T) {
	db := openDB(t)
	tx, _ := db.Begin(true)
	cur, err := Execute(context.Background(), tx, MustParse("MATCH (n) RETURN n"), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	calls := 0
	cur.OnClose(func() error {
		calls++
		return tx.Rollback()
	})
	if err := cur.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := cur.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("close hook ran %d times, want 1", calls)
	}
	if cur.Next() {
		t.Error("Next returned true after Close")
	}
}

func TestCursor_SnapshotIsolation(t *testing.T) {
	db := openDB(t)
	run(t, db, "CREATE (a), (b)", nil)

	tx, _ := db.Begin(true)
	defer tx.Rollback()
	cur, err := Execute(context.Background(), tx, MustParse("START n=node(*) RETURN n"), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	defer cur.Close()
	if !cur.Next() {
		t.Fatalf("Next failed: %v", cur.Err())
	}

	run(t, db, "CREATE (c), (d)", nil)

	count := 1
	for cur.Next() {
		count++
	}
	if count != 2 {
		t.Errorf("open cursor saw %d nodes, want 2", count)
	}

	rows, _ := run(t, db, "START n=node(*) RETURN count(n)", nil)
	if rows[0][0] != int64(4) {
		t.Errorf("fresh cursor saw %v nodes, want 4", rows[0][0])
	}
}
