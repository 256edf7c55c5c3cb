// Package driver is the client API of cypherdb: connections, statements,
// prepared statements and forward-only result sets over an embedded graph or
// a cypherdb server.
//
// A connection runs in one of three modes:
//
//   - ModeEmbedded executes in-process against a graph.DB (DSN "mem:" or
//     "file:<path>").
//   - ModeServer sends each statement to a server, which runs it in its own
//     transaction. Auto-commit cannot be disabled.
//   - ModeServerTx sends statements to a server and opens an explicit
//     server-side transaction while auto-commit is disabled.
//
// Updating statements run to completion before ExecuteQuery or
// ExecuteUpdate returns; read statements stream their rows. Statement.Cancel
// may be called from another goroutine while ResultSet.Next blocks; the
// cancelled result set then reports ErrStatementCancelled.
//
// Column and parameter positions are 1-based:
//
//	conn, _ := driver.Open("mem:")
//	ps, _ := conn.PrepareStatement("CREATE (n:Person {1}) RETURN id(n) AS id")
//	_ = ps.SetParameter(1, map[string]any{"name": "Ann"})
//	rs, _ := ps.ExecuteQuery(ctx)
//	for rs.Next() {
//		id, _ := rs.LongByName("id")
//		fmt.Println(id)
//	}
//
// Properties and ResultSet.ScanStruct map tagged structs to and from
// property maps; see FieldTag.
package driver
