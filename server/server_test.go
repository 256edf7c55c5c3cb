package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/CaliLuke/go-cypherdb/graph"
	"github.com/CaliLuke/go-cypherdb/internal/metrics"
	"github.com/CaliLuke/go-cypherdb/internal/wire"
)

type testServer struct {
	*Server
	url string
	db  *graph.DB
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	db, err := graph.Open(context.Background(), graph.Options{})
	if err != nil {
		t.Fatalf("graph.Open failed: %v", err)
	}
	s := New(db, cfg, WithMetrics(metrics.New("cypherdb", Sizer{DB: db})))
	hs := httptest.NewServer(s)
	t.Cleanup(func() {
		hs.Close()
		_ = s.Close()
		_ = db.Close()
	})
	return &testServer{Server: s, url: hs.URL, db: db}
}

type result struct {
	status  int
	columns []string
	rows    [][]any
	trailer *wire.Frame
}

func (ts *testServer) post(t *testing.T, path string, req *wire.Request) *http.Response {
	t.Helper()
	body, err := wire.Encode(req)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	resp, err := http.Post(ts.url+path, wire.ContentType, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	return resp
}

func (ts *testServer) run(t *testing.T, path, statement string, params map[int]any) *result {
	t.Helper()
	resp := ts.post(t, path, &wire.Request{Statement: statement, Params: params})
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != wire.ContentType {
		t.Fatalf("content type %q", ct)
	}
	res := &result{status: resp.StatusCode}
	rd := wire.NewReader(resp.Body)
	for {
		f, err := rd.Next()
		if err != nil {
			t.Fatalf("stream for %q: %v", statement, err)
		}
		switch f.Kind {
		case wire.FrameHeader:
			res.columns = f.Columns
		case wire.FrameRow:
			res.rows = append(res.rows, f.Values)
		case wire.FrameTrailer:
			res.trailer = f
			return res
		}
	}
}

func (ts *testServer) begin(t *testing.T, readOnly bool) string {
	t.Helper()
	resp := ts.post(t, "/db/transaction", &wire.Request{ReadOnly: readOnly})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("begin status %d", resp.StatusCode)
	}
	var info wire.TxInfo
	if err := wire.Decode(resp.Body, &info); err != nil {
		t.Fatalf("decode TxInfo: %v", err)
	}
	return info.ID
}

func (ts *testServer) finish(t *testing.T, method, path string) int {
	t.Helper()
	req, _ := http.NewRequest(method, ts.url+path, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestAutoCommit(t *testing.T) {
	ts := newTestServer(t, Config{FlushEvery: 3})

	res := ts.run(t, "/db/cypher", "FOREACH (x IN range(1, 10) | CREATE (:N {v: x}))", nil)
	if res.trailer.Error != nil {
		t.Fatalf("create failed: %v", res.trailer.Error)
	}
	if res.trailer.Stats.NodesCreated != 10 {
		t.Errorf("nodes created = %d, want 10", res.trailer.Stats.NodesCreated)
	}

	res = ts.run(t, "/db/cypher", "MATCH (n:N) WHERE n.v > {1} RETURN n.v AS v, n ORDER BY v", map[int]any{1: 7})
	if res.status != http.StatusOK || res.trailer.Error != nil {
		t.Fatalf("read failed: %d %v", res.status, res.trailer.Error)
	}
	if len(res.columns) != 2 || res.columns[0] != "v" {
		t.Errorf("columns = %v", res.columns)
	}
	if len(res.rows) != 3 || res.rows[0][0] != int64(8) {
		t.Fatalf("rows = %v", res.rows)
	}
	if n, ok := res.rows[0][1].(*graph.Node); !ok || !n.HasLabel("N") {
		t.Errorf("node column decoded as %#v", res.rows[0][1])
	}
	if st := ts.db.Stats(); st.ActiveTx != 0 {
		t.Errorf("read transaction left open: %+v", st)
	}
}

func TestStatementErrors(t *testing.T) {
	ts := newTestServer(t, Config{})

	tests := []struct {
		name      string
		statement string
		params    map[int]any
		readOnly  bool
		status    int
		code      wire.Code
	}{
		{"syntax", "MATCH (n RETURN n", nil, false, http.StatusBadRequest, wire.CodeSyntax},
		{"missing parameter", "START n=node({1}) RETURN n", nil, false, http.StatusBadRequest, wire.CodeParameter},
		{"read-only", "CREATE (n)", nil, true, http.StatusForbidden, wire.CodePermission},
		{"execution", "RETURN 1 / 0", nil, false, http.StatusOK, wire.CodeExecution},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.post(t, "/db/cypher", &wire.Request{Statement: tt.statement, Params: tt.params, ReadOnly: tt.readOnly})
			defer resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			var trailer *wire.Frame
			rd := wire.NewReader(resp.Body)
			for trailer == nil {
				f, err := rd.Next()
				if err != nil {
					t.Fatalf("stream: %v", err)
				}
				if f.Kind == wire.FrameTrailer {
					trailer = f
				}
			}
			if trailer.Error == nil || trailer.Error.Code != tt.code {
				t.Errorf("trailer error = %v, want code %s", trailer.Error, tt.code)
			}
		})
	}

	if st := ts.db.Stats(); st.Nodes != 0 {
		t.Errorf("rejected statement wrote: %+v", st)
	}
	if res := ts.run(t, "/db/cypher", "RETURN 1 AS one", nil); res.trailer.Error != nil {
		t.Errorf("server unusable after errors: %v", res.trailer.Error)
	}
}

func TestSyntaxErrorPosition(t *testing.T) {
	ts := newTestServer(t, Config{})
	res := ts.run(t, "/db/cypher", "RETURN\n  )", nil)
	e := res.trailer.Error
	if e == nil || e.Line != 2 {
		t.Fatalf("expected a syntax error on line 2, got %+v", e)
	}
}

func TestExplicitTransaction(t *testing.T) {
	ts := newTestServer(t, Config{})
	id := ts.begin(t, false)
	if ts.OpenTransactions() != 1 {
		t.Fatalf("open transactions = %d", ts.OpenTransactions())
	}

	res := ts.run(t, "/db/transaction/"+id, "CREATE (n:T) RETURN id(n)", nil)
	if res.trailer.Error != nil || len(res.rows) != 1 {
		t.Fatalf("create in transaction failed: %v", res.trailer.Error)
	}
	// visible inside the transaction, not outside
	if res := ts.run(t, "/db/transaction/"+id, "MATCH (n:T) RETURN n", nil); len(res.rows) != 1 {
		t.Errorf("own write invisible: %d rows", len(res.rows))
	}
	if res := ts.run(t, "/db/cypher", "MATCH (n:T) RETURN n", nil); len(res.rows) != 0 {
		t.Errorf("uncommitted write visible outside: %d rows", len(res.rows))
	}

	if status := ts.finish(t, http.MethodPost, "/db/transaction/"+id+"/commit"); status != http.StatusNoContent {
		t.Fatalf("commit status %d", status)
	}
	if res := ts.run(t, "/db/cypher", "MATCH (n:T) RETURN n", nil); len(res.rows) != 1 {
		t.Errorf("committed write invisible: %d rows", len(res.rows))
	}
	if status := ts.finish(t, http.MethodPost, "/db/transaction/"+id+"/commit"); status != http.StatusNotFound {
		t.Errorf("second commit status %d, want 404", status)
	}
}

func TestRollback(t *testing.T) {
	ts := newTestServer(t, Config{})
	id := ts.begin(t, false)
	ts.run(t, "/db/transaction/"+id, "CREATE (n:T)", nil)
	if status := ts.finish(t, http.MethodDelete, "/db/transaction/"+id); status != http.StatusNoContent {
		t.Fatalf("rollback status %d", status)
	}
	if st := ts.db.Stats(); st.Nodes != 0 || st.ActiveTx != 0 {
		t.Errorf("rollback left state behind: %+v", st)
	}
	res := ts.run(t, "/db/transaction/"+id, "RETURN 1", nil)
	if res.status != http.StatusNotFound || res.trailer.Error.Code != wire.CodeNotFound {
		t.Errorf("statement on rolled back transaction: %d %v", res.status, res.trailer.Error)
	}
}

func TestCommitConflict(t *testing.T) {
	ts := newTestServer(t, Config{})
	ts.run(t, "/db/cypher", "CREATE (n {v: 0})", nil)

	a := ts.begin(t, false)
	b := ts.begin(t, false)
	ts.run(t, "/db/transaction/"+a, "START n=node(1) SET n.v = 1", nil)
	ts.run(t, "/db/transaction/"+b, "START n=node(1) SET n.v = 2", nil)
	if status := ts.finish(t, http.MethodPost, "/db/transaction/"+a+"/commit"); status != http.StatusNoContent {
		t.Fatalf("first commit status %d", status)
	}
	if status := ts.finish(t, http.MethodPost, "/db/transaction/"+b+"/commit"); status != http.StatusConflict {
		t.Errorf("conflicting commit status %d, want 409", status)
	}
}

func TestMaxOpenTransactions(t *testing.T) {
	ts := newTestServer(t, Config{MaxOpenTransactions: 1})
	ts.begin(t, true)
	resp := ts.post(t, "/db/transaction", &wire.Request{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status %d, want 409", resp.StatusCode)
	}
	var we wire.Error
	if err := wire.Decode(resp.Body, &we); err != nil || we.Code != wire.CodeConflict {
		t.Errorf("unexpected error body %+v, %v", we, err)
	}
}

func TestReapIdle(t *testing.T) {
	ts := newTestServer(t, Config{TxIdleTimeout: time.Minute})
	id := ts.begin(t, false)
	ts.run(t, "/db/transaction/"+id, "CREATE (n)", nil)

	if n := ts.reapIdle(time.Now()); n != 0 {
		t.Fatalf("reaped %d fresh transactions", n)
	}
	if n := ts.reapIdle(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("reaped %d transactions, want 1", n)
	}
	if st := ts.db.Stats(); st.ActiveTx != 0 || st.Nodes != 0 {
		t.Errorf("reaped transaction not rolled back: %+v", st)
	}
	if status := ts.finish(t, http.MethodPost, "/db/transaction/"+id+"/commit"); status != http.StatusNotFound {
		t.Errorf("commit after reap status %d, want 404", status)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, Config{})
	ts.run(t, "/db/cypher", "CREATE (a)-[:R]->(b)", nil)

	resp, err := http.Get(ts.url + "/health")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %v %v", resp, err)
	}
	resp.Body.Close()

	resp, err = http.Get(ts.url + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{
		`cypherdb_statements_total{code="ok",scope="auto"} 1`,
		"cypherdb_graph_nodes 2",
		"cypherdb_graph_relationships 1",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestBadRequestBody(t *testing.T) {
	ts := newTestServer(t, Config{})
	resp, err := http.Post(ts.url+"/db/cypher", wire.ContentType, strings.NewReader("\xc1not msgpack"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status %d, want 400", resp.StatusCode)
	}
}
