package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fixedSizer struct{ nodes, rels int }

func (s fixedSizer) Sizes() (int, int) { return s.nodes, s.rels }

func TestMetrics_Statements(t *testing.T) {
	m := New("cypherdb", fixedSizer{nodes: 3, rels: 1})

	m.ObserveStatement("auto", "ok", 2*time.Millisecond, 10)
	m.ObserveStatement("tx", "cancelled", time.Millisecond, 5)

	if got := testutil.ToFloat64(m.statementsTotal.WithLabelValues("auto", "ok")); got != 1 {
		t.Errorf("statements_total{auto,ok} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.rowsTotal); got != 15 {
		t.Errorf("rows_streamed_total = %v, want 15", got)
	}
	if got := testutil.ToFloat64(m.cancelledTotal); got != 1 {
		t.Errorf("statements_cancelled_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.graphNodes); got != 3 {
		t.Errorf("graph_nodes = %v, want 3", got)
	}
}

func TestMetrics_Transactions(t *testing.T) {
	m := New("cypherdb", nil)
	m.TxOpened()
	m.TxOpened()
	m.TxClosed("commit")

	if got := testutil.ToFloat64(m.openTx); got != 1 {
		t.Errorf("open_transactions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.txTotal.WithLabelValues("commit")); got != 1 {
		t.Errorf("transactions_total{commit} = %v, want 1", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New("cypherdb", nil)
	m.ObserveStatement("auto", "ok", time.Millisecond, 1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "cypherdb_statements_total") {
		t.Errorf("exposition missing statements_total:\n%s", body)
	}
}
