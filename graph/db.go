// Package graph implements an embedded property-graph store with snapshot
// isolation.
//
// Committed state is kept as per-entity version chains stamped with commit
// timestamps. A transaction reads the newest version at or below its begin
// timestamp, layered with its own uncommitted writes. Node ids are kept in
// append-only lists (all nodes, per label) so scans can walk a frozen prefix
// while other transactions commit.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/CaliLuke/go-cypherdb/internal/logging"
)

// Options configures Open.
type Options struct {
	// Backend persists committed changes. Nil means NewMemoryBackend.
	Backend Backend
}

type nodeVersion struct {
	ts      uint64
	deleted bool
	node    *Node
}

type relVersion struct {
	ts      uint64
	deleted bool
	rel     *Relationship
}

// DB is an embedded graph database. It is safe for concurrent use.
type DB struct {
	mu      sync.RWMutex
	backend Backend
	clock   uint64
	closed  bool

	nodes     map[int64][]nodeVersion
	rels      map[int64][]relVersion
	nodeIDs   []int64
	labelIdx  map[string][]int64
	labelSeen map[string]map[int64]struct{}
	adj       map[int64][]int64

	// active maps a transaction sequence number to its read timestamp.
	active map[uint64]uint64
	txSeq  uint64

	nextNodeID atomic.Int64
	nextRelID  atomic.Int64
}

// Stats summarizes the committed state.
type Stats struct {
	Nodes         int
	Relationships int
	Labels        int
	Timestamp     uint64
	ActiveTx      int
}

// Open loads the backend snapshot and returns a ready database.
func Open(ctx context.Context, opts Options) (*DB, error) {
	backend := opts.Backend
	if backend == nil {
		backend = NewMemoryBackend()
	}
	snap, err := backend.Load(ctx)
	if err != nil {
		return nil, &BackendError{Op: "load", Cause: err}
	}

	db := &DB{
		backend:   backend,
		clock:     snap.Timestamp,
		nodes:     make(map[int64][]nodeVersion),
		rels:      make(map[int64][]relVersion),
		labelIdx:  make(map[string][]int64),
		labelSeen: make(map[string]map[int64]struct{}),
		adj:       make(map[int64][]int64),
		active:    make(map[uint64]uint64),
	}

	var maxNode, maxRel int64
	for _, n := range snap.Nodes {
		db.publishNode(nodeVersion{ts: 0, node: n})
		maxNode = max(maxNode, n.ID)
	}
	for _, r := range snap.Relationships {
		db.publishRel(relVersion{ts: 0, rel: r}, true)
		maxRel = max(maxRel, r.ID)
	}
	db.nextNodeID.Store(max(maxNode, snap.NodeSeq))
	db.nextRelID.Store(max(maxRel, snap.RelationshipSeq))

	logging.Op().Debug("graph opened",
		slog.Int("nodes", len(snap.Nodes)),
		slog.Int("relationships", len(snap.Relationships)),
		slog.Uint64("ts", snap.Timestamp))
	return db, nil
}

// Close releases the backend. Open transactions fail afterwards.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	return db.backend.Close()
}

// Begin starts a transaction reading the latest committed state.
func (db *DB) Begin(readOnly bool) (*Tx, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}
	db.txSeq++
	tx := &Tx{
		db:       db,
		seq:      db.txSeq,
		readTS:   db.clock,
		readOnly: readOnly,
		nodes:    make(map[int64]*nodeWrite),
		rels:     make(map[int64]*relWrite),
	}
	db.active[tx.seq] = tx.readTS
	return tx, nil
}

// Stats returns counts of the latest committed state.
func (db *DB) Stats() Stats {
	db.mu.RLock()
	defer db.mu.RUnlock()
	st := Stats{Timestamp: db.clock, ActiveTx: len(db.active), Labels: len(db.labelIdx)}
	for _, vs := range db.nodes {
		if v, ok := visibleNode(vs, db.clock); ok && v != nil {
			st.Nodes++
		}
	}
	for _, vs := range db.rels {
		if v, ok := visibleRel(vs, db.clock); ok && v != nil {
			st.Relationships++
		}
	}
	return st
}

func (db *DB) allocNodeID() int64 { return db.nextNodeID.Add(1) }
func (db *DB) allocRelID() int64  { return db.nextRelID.Add(1) }

// visibleNode returns the node version visible at ts. ok is false when the
// node did not exist at ts; a nil node with ok=true means it was deleted.
func visibleNode(vs []nodeVersion, ts uint64) (*Node, bool) {
	for i := len(vs) - 1; i >= 0; i-- {
		if vs[i].ts <= ts {
			if vs[i].deleted {
				return nil, true
			}
			return vs[i].node, true
		}
	}
	return nil, false
}

func visibleRel(vs []relVersion, ts uint64) (*Relationship, bool) {
	for i := len(vs) - 1; i >= 0; i-- {
		if vs[i].ts <= ts {
			if vs[i].deleted {
				return nil, true
			}
			return vs[i].rel, true
		}
	}
	return nil, false
}

// committedNode must be called with db.mu held for reading.
func (db *DB) committedNode(id int64, ts uint64) *Node {
	n, _ := visibleNode(db.nodes[id], ts)
	return n
}

func (db *DB) committedRel(id int64, ts uint64) *Relationship {
	r, _ := visibleRel(db.rels[id], ts)
	return r
}

// publishNode must be called with db.mu held for writing.
func (db *DB) publishNode(v nodeVersion) {
	id := v.node.ID
	vs, existed := db.nodes[id]
	db.nodes[id] = append(vs, v)
	if !existed {
		db.nodeIDs = append(db.nodeIDs, id)
	}
	if v.deleted {
		return
	}
	for _, l := range v.node.Labels {
		seen := db.labelSeen[l]
		if seen == nil {
			seen = make(map[int64]struct{})
			db.labelSeen[l] = seen
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			db.labelIdx[l] = append(db.labelIdx[l], id)
		}
	}
}

func (db *DB) publishRel(v relVersion, created bool) {
	id := v.rel.ID
	db.rels[id] = append(db.rels[id], v)
	if created {
		db.adj[v.rel.Start] = append(db.adj[v.rel.Start], id)
		if v.rel.End != v.rel.Start {
			db.adj[v.rel.End] = append(db.adj[v.rel.End], id)
		}
	}
}

// release forgets a finished transaction and prunes versions no reader needs.
func (db *DB) release(seq uint64, written []int64, writtenRels []int64) {
	delete(db.active, seq)
	horizon := db.clock
	for _, ts := range db.active {
		horizon = min(horizon, ts)
	}
	for _, id := range written {
		db.nodes[id] = pruneVersions(db.nodes[id], horizon, func(v nodeVersion) uint64 { return v.ts })
	}
	for _, id := range writtenRels {
		db.rels[id] = pruneVersions(db.rels[id], horizon, func(v relVersion) uint64 { return v.ts })
	}
}

// pruneVersions drops versions shadowed by a newer version that is itself
// visible at horizon.
func pruneVersions[V any](vs []V, horizon uint64, ts func(V) uint64) []V {
	keep := 0
	for i := len(vs) - 1; i >= 0; i-- {
		if ts(vs[i]) <= horizon {
			keep = i
			break
		}
	}
	if keep == 0 {
		return vs
	}
	return append(vs[:0:0], vs[keep:]...)
}

func (db *DB) String() string {
	st := db.Stats()
	return fmt.Sprintf("graph.DB{nodes=%d rels=%d ts=%d}", st.Nodes, st.Relationships, st.Timestamp)
}
