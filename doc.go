// Package cypherdb is an embedded property-graph database with a Cypher
// query language and a statement/result-set client API.
//
// The module is organized into these packages:
//
//   - [github.com/CaliLuke/go-cypherdb/graph]: MVCC property-graph store, in memory or persisted in sqlite
//   - [github.com/CaliLuke/go-cypherdb/cypher]: Cypher parser and streaming executor
//   - [github.com/CaliLuke/go-cypherdb/driver]: connections, statements and result sets (embedded or remote)
//   - [github.com/CaliLuke/go-cypherdb/sqldriver]: database/sql driver registered as "cypher"
//   - [github.com/CaliLuke/go-cypherdb/server]: transactional HTTP endpoint
//   - [github.com/CaliLuke/go-cypherdb/cmd/cypherdb]: serve and query from the command line
//
// Everything is pure Go; no CGo or external server is required for the
// embedded mode.
package cypherdb
