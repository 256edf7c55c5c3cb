package graph

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS nodes (
	id     INTEGER PRIMARY KEY,
	labels BLOB NOT NULL,
	props  BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS relationships (
	id       INTEGER PRIMARY KEY,
	type     TEXT NOT NULL,
	start_id INTEGER NOT NULL,
	end_id   INTEGER NOT NULL,
	props    BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
`

// SQLiteBackend persists the graph in a single SQLite file. Labels and
// property maps are stored as msgpack blobs.
type SQLiteBackend struct {
	db   *sql.DB
	path string
}

// OpenSQLiteBackend opens or creates the database file at path.
func OpenSQLiteBackend(ctx context.Context, path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// commits are already serialised by the graph write lock
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %q: %w", pragma, err)
		}
	}
	for _, ddl := range strings.Split(sqliteSchema, ";") {
		if strings.TrimSpace(ddl) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create sqlite schema: %w", err)
		}
	}
	return &SQLiteBackend{db: db, path: path}, nil
}

// Path returns the database file path.
func (b *SQLiteBackend) Path() string { return b.path }

// Load reads every node and relationship.
func (b *SQLiteBackend) Load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}

	meta, err := b.db.QueryContext(ctx, `SELECT key, value FROM meta`)
	if err != nil {
		return nil, fmt.Errorf("load meta: %w", err)
	}
	for meta.Next() {
		var (
			key   string
			value int64
		)
		if err := meta.Scan(&key, &value); err != nil {
			meta.Close()
			return nil, fmt.Errorf("scan meta: %w", err)
		}
		switch key {
		case "commit_ts":
			snap.Timestamp = uint64(value)
		case "node_seq":
			snap.NodeSeq = value
		case "relationship_seq":
			snap.RelationshipSeq = value
		}
	}
	if err := meta.Close(); err != nil {
		return nil, err
	}

	rows, err := b.db.QueryContext(ctx, `SELECT id, labels, props FROM nodes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load nodes: %w", err)
	}
	for rows.Next() {
		var (
			n             Node
			labels, props []byte
		)
		if err := rows.Scan(&n.ID, &labels, &props); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan node: %w", err)
		}
		if err := msgpack.Unmarshal(labels, &n.Labels); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode labels of node %d: %w", n.ID, err)
		}
		if n.Props, err = decodeProps(props); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode props of node %d: %w", n.ID, err)
		}
		snap.Nodes = append(snap.Nodes, &n)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	rows, err = b.db.QueryContext(ctx, `SELECT id, type, start_id, end_id, props FROM relationships ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load relationships: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			r     Relationship
			props []byte
		)
		if err := rows.Scan(&r.ID, &r.Type, &r.Start, &r.End, &props); err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		if r.Props, err = decodeProps(props); err != nil {
			return nil, fmt.Errorf("decode props of relationship %d: %w", r.ID, err)
		}
		snap.Relationships = append(snap.Relationships, &r)
	}
	return snap, rows.Err()
}

// Apply writes one change set in a single SQLite transaction.
func (b *SQLiteBackend) Apply(ctx context.Context, cs *ChangeSet) (err error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if len(cs.Nodes) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO nodes (id, labels, props) VALUES (?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare node upsert: %w", err)
		}
		defer stmt.Close()
		for _, n := range cs.Nodes {
			labels, err := msgpack.Marshal(n.Labels)
			if err != nil {
				return fmt.Errorf("encode labels of node %d: %w", n.ID, err)
			}
			props, err := msgpack.Marshal(n.Props)
			if err != nil {
				return fmt.Errorf("encode props of node %d: %w", n.ID, err)
			}
			if _, err := stmt.ExecContext(ctx, n.ID, labels, props); err != nil {
				return fmt.Errorf("upsert node %d: %w", n.ID, err)
			}
		}
	}
	if len(cs.Relationships) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO relationships (id, type, start_id, end_id, props) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare relationship upsert: %w", err)
		}
		defer stmt.Close()
		for _, r := range cs.Relationships {
			props, err := msgpack.Marshal(r.Props)
			if err != nil {
				return fmt.Errorf("encode props of relationship %d: %w", r.ID, err)
			}
			if _, err := stmt.ExecContext(ctx, r.ID, r.Type, r.Start, r.End, props); err != nil {
				return fmt.Errorf("upsert relationship %d: %w", r.ID, err)
			}
		}
	}
	for _, id := range cs.DeletedRelationships {
		if _, err := tx.ExecContext(ctx, `DELETE FROM relationships WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete relationship %d: %w", id, err)
		}
	}
	for _, id := range cs.DeletedNodes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete node %d: %w", id, err)
		}
	}
	for key, value := range map[string]int64{
		"commit_ts":        int64(cs.Timestamp),
		"node_seq":         cs.NodeSeq,
		"relationship_seq": cs.RelationshipSeq,
	} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, value); err != nil {
			return fmt.Errorf("store %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// Close closes the SQLite handle.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func decodeProps(data []byte) (map[string]any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	var props map[string]any
	if err := dec.Decode(&props); err != nil {
		return nil, err
	}
	for k, v := range props {
		if n, ok := NormalizeValue(v); ok {
			props[k] = n
		}
	}
	if props == nil {
		props = make(map[string]any)
	}
	return props, nil
}
