package graph

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/CaliLuke/go-cypherdb/internal/logging"
)

type nodeWrite struct {
	node    *Node
	created bool
	deleted bool
}

type relWrite struct {
	rel     *Relationship
	created bool
	deleted bool
}

// Tx is a snapshot transaction. Nodes and relationships returned by a Tx are
// shared snapshots and must not be modified by the caller.
//
// A Tx is meant to be driven by one goroutine at a time; the internal mutex
// only guards against iterators and writers racing on the same Tx.
type Tx struct {
	db       *DB
	seq      uint64
	readTS   uint64
	readOnly bool

	mu           sync.Mutex
	done         bool
	nodes        map[int64]*nodeWrite
	rels         map[int64]*relWrite
	createdNodes []int64
	createdRels  []int64
	labelAdded   map[string][]int64
}

// ReadOnly reports whether the transaction rejects writes.
func (tx *Tx) ReadOnly() bool { return tx.readOnly }

// Timestamp returns the commit timestamp the transaction reads at.
func (tx *Tx) Timestamp() uint64 { return tx.readTS }

// Dirty reports whether the transaction holds uncommitted writes.
func (tx *Tx) Dirty() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.nodes) > 0 || len(tx.rels) > 0
}

// Done reports whether the transaction was committed or rolled back.
func (tx *Tx) Done() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.done
}

func (tx *Tx) checkWrite() error {
	if tx.done {
		return ErrTxDone
	}
	if tx.readOnly {
		return ErrReadOnly
	}
	return nil
}

// resolveNode must be called with tx.mu held.
func (tx *Tx) resolveNode(id int64) *Node {
	if w, ok := tx.nodes[id]; ok {
		if w.deleted {
			return nil
		}
		return w.node
	}
	tx.db.mu.RLock()
	defer tx.db.mu.RUnlock()
	return tx.db.committedNode(id, tx.readTS)
}

func (tx *Tx) resolveRel(id int64) *Relationship {
	if w, ok := tx.rels[id]; ok {
		if w.deleted {
			return nil
		}
		return w.rel
	}
	tx.db.mu.RLock()
	defer tx.db.mu.RUnlock()
	return tx.db.committedRel(id, tx.readTS)
}

// Node returns the node with the given id as seen by this transaction.
func (tx *Tx) Node(id int64) (*Node, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return nil, ErrTxDone
	}
	n := tx.resolveNode(id)
	if n == nil {
		return nil, &NotFoundError{Kind: "node", ID: id}
	}
	return n, nil
}

// Relationship returns the relationship with the given id.
func (tx *Tx) Relationship(id int64) (*Relationship, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return nil, ErrTxDone
	}
	r := tx.resolveRel(id)
	if r == nil {
		return nil, &NotFoundError{Kind: "relationship", ID: id}
	}
	return r, nil
}

// CreateNode adds a node with the given labels and properties.
func (tx *Tx) CreateNode(labels []string, props map[string]any) (*Node, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkWrite(); err != nil {
		return nil, err
	}
	p, err := normalizeProps(props)
	if err != nil {
		return nil, err
	}
	var ls []string
	for _, l := range labels {
		if !slices.Contains(ls, l) {
			ls = append(ls, l)
		}
	}
	n := &Node{ID: tx.db.allocNodeID(), Labels: ls, Props: p}
	tx.nodes[n.ID] = &nodeWrite{node: n, created: true}
	tx.createdNodes = append(tx.createdNodes, n.ID)
	return n, nil
}

// mutableNode returns a private copy of the node registered in the write set.
func (tx *Tx) mutableNode(id int64) (*Node, error) {
	cur := tx.resolveNode(id)
	if cur == nil {
		return nil, &NotFoundError{Kind: "node", ID: id}
	}
	n := cur.clone()
	w, ok := tx.nodes[id]
	if !ok {
		w = &nodeWrite{}
		tx.nodes[id] = w
	}
	w.node = n
	return n, nil
}

// SetNodeProperty sets or, for a nil value, removes a node property.
func (tx *Tx) SetNodeProperty(id int64, key string, value any) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkWrite(); err != nil {
		return err
	}
	var v any
	if value != nil {
		var err error
		if v, err = normalizeProperty(key, value); err != nil {
			return err
		}
	}
	n, err := tx.mutableNode(id)
	if err != nil {
		return err
	}
	if n.Props == nil {
		n.Props = make(map[string]any)
	}
	if v == nil {
		delete(n.Props, key)
	} else {
		n.Props[key] = v
	}
	return nil
}

// AddLabel adds a label to a node; adding a present label is a no-op.
func (tx *Tx) AddLabel(id int64, label string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkWrite(); err != nil {
		return err
	}
	cur := tx.resolveNode(id)
	if cur == nil {
		return &NotFoundError{Kind: "node", ID: id}
	}
	if cur.HasLabel(label) {
		return nil
	}
	n, err := tx.mutableNode(id)
	if err != nil {
		return err
	}
	n.Labels = append(n.Labels, label)
	if !tx.nodes[id].created {
		if tx.labelAdded == nil {
			tx.labelAdded = make(map[string][]int64)
		}
		if !slices.Contains(tx.labelAdded[label], id) {
			tx.labelAdded[label] = append(tx.labelAdded[label], id)
		}
	}
	return nil
}

// DeleteNode removes a node. With detach=false the node must have no
// relationships.
func (tx *Tx) DeleteNode(id int64, detach bool) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkWrite(); err != nil {
		return err
	}
	if tx.resolveNode(id) == nil {
		// deleting twice in one statement is allowed
		if w, ok := tx.nodes[id]; ok && w.deleted {
			return nil
		}
		return &NotFoundError{Kind: "node", ID: id}
	}
	rels := tx.relationshipsLocked(id, Both, "")
	if len(rels) > 0 && !detach {
		return &NodeHasRelationshipsError{ID: id, Count: len(rels)}
	}
	for _, r := range rels {
		tx.deleteRelLocked(r.ID)
	}
	w, ok := tx.nodes[id]
	if !ok {
		w = &nodeWrite{}
		tx.nodes[id] = w
	}
	w.deleted = true
	w.node = nil
	return nil
}

// CreateRelationship adds a typed relationship from start to end.
func (tx *Tx) CreateRelationship(typ string, start, end int64, props map[string]any) (*Relationship, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkWrite(); err != nil {
		return nil, err
	}
	p, err := normalizeProps(props)
	if err != nil {
		return nil, err
	}
	for _, id := range []int64{start, end} {
		// endpoints join the write set so a concurrent delete conflicts
		if _, err := tx.mutableNode(id); err != nil {
			return nil, err
		}
	}
	r := &Relationship{ID: tx.db.allocRelID(), Type: typ, Start: start, End: end, Props: p}
	tx.rels[r.ID] = &relWrite{rel: r, created: true}
	tx.createdRels = append(tx.createdRels, r.ID)
	return r, nil
}

// SetRelationshipProperty sets or, for a nil value, removes a property.
func (tx *Tx) SetRelationshipProperty(id int64, key string, value any) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkWrite(); err != nil {
		return err
	}
	var v any
	if value != nil {
		var err error
		if v, err = normalizeProperty(key, value); err != nil {
			return err
		}
	}
	cur := tx.resolveRel(id)
	if cur == nil {
		return &NotFoundError{Kind: "relationship", ID: id}
	}
	r := cur.clone()
	if r.Props == nil {
		r.Props = make(map[string]any)
	}
	if v == nil {
		delete(r.Props, key)
	} else {
		r.Props[key] = v
	}
	w, ok := tx.rels[id]
	if !ok {
		w = &relWrite{}
		tx.rels[id] = w
	}
	w.rel = r
	return nil
}

// DeleteRelationship removes a relationship.
func (tx *Tx) DeleteRelationship(id int64) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkWrite(); err != nil {
		return err
	}
	if tx.resolveRel(id) == nil {
		if w, ok := tx.rels[id]; ok && w.deleted {
			return nil
		}
		return &NotFoundError{Kind: "relationship", ID: id}
	}
	tx.deleteRelLocked(id)
	return nil
}

func (tx *Tx) deleteRelLocked(id int64) {
	w, ok := tx.rels[id]
	if !ok {
		w = &relWrite{}
		tx.rels[id] = w
	}
	w.deleted = true
	w.rel = nil
}

// Relationships returns the relationships of a node in the given direction,
// optionally restricted to one type.
func (tx *Tx) Relationships(node int64, dir Direction, typ string) ([]*Relationship, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return nil, ErrTxDone
	}
	return tx.relationshipsLocked(node, dir, typ), nil
}

func (tx *Tx) relationshipsLocked(node int64, dir Direction, typ string) []*Relationship {
	tx.db.mu.RLock()
	ids := slices.Clone(tx.db.adj[node])
	tx.db.mu.RUnlock()

	var out []*Relationship
	keep := func(r *Relationship) {
		if r == nil || !dir.matches(r, node) {
			return
		}
		if typ != "" && r.Type != typ {
			return
		}
		out = append(out, r)
	}
	for _, id := range ids {
		keep(tx.resolveRel(id))
	}
	for _, id := range tx.createdRels {
		if w := tx.rels[id]; w != nil && !w.deleted {
			keep(w.rel)
		}
	}
	return out
}

// Commit publishes the transaction's writes atomically. A read-only or clean
// transaction commits trivially.
func (tx *Tx) Commit(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxDone
	}
	tx.done = true

	db := tx.db
	db.mu.Lock()
	defer db.mu.Unlock()

	if len(tx.nodes) == 0 && len(tx.rels) == 0 {
		db.release(tx.seq, nil, nil)
		return nil
	}
	if db.closed {
		db.release(tx.seq, nil, nil)
		return ErrClosed
	}

	nodeIDs := slices.Sorted(maps.Keys(tx.nodes))
	relIDs := slices.Sorted(maps.Keys(tx.rels))

	for _, id := range nodeIDs {
		if w := tx.nodes[id]; !w.created && latestTS(db.nodes[id], func(v nodeVersion) uint64 { return v.ts }) > tx.readTS {
			db.release(tx.seq, nil, nil)
			return ErrConflict
		}
	}
	for _, id := range relIDs {
		if w := tx.rels[id]; !w.created && latestTS(db.rels[id], func(v relVersion) uint64 { return v.ts }) > tx.readTS {
			db.release(tx.seq, nil, nil)
			return ErrConflict
		}
	}

	ts := db.clock + 1
	cs := &ChangeSet{Timestamp: ts, NodeSeq: db.nextNodeID.Load(), RelationshipSeq: db.nextRelID.Load()}
	for _, id := range nodeIDs {
		w := tx.nodes[id]
		switch {
		case w.deleted && w.created:
		case w.deleted:
			cs.DeletedNodes = append(cs.DeletedNodes, id)
		default:
			cs.Nodes = append(cs.Nodes, w.node)
		}
	}
	for _, id := range relIDs {
		w := tx.rels[id]
		switch {
		case w.deleted && w.created:
		case w.deleted:
			cs.DeletedRelationships = append(cs.DeletedRelationships, id)
		default:
			cs.Relationships = append(cs.Relationships, w.rel)
		}
	}

	if err := db.backend.Apply(ctx, cs); err != nil {
		db.release(tx.seq, nil, nil)
		return &BackendError{Op: "apply", Cause: err}
	}

	for _, id := range nodeIDs {
		w := tx.nodes[id]
		switch {
		case w.deleted && w.created:
		case w.deleted:
			db.publishNode(nodeVersion{ts: ts, deleted: true, node: &Node{ID: id}})
		default:
			db.publishNode(nodeVersion{ts: ts, node: w.node})
		}
	}
	for _, id := range relIDs {
		w := tx.rels[id]
		switch {
		case w.deleted && w.created:
		case w.deleted:
			db.publishRel(relVersion{ts: ts, deleted: true, rel: &Relationship{ID: id}}, false)
		default:
			db.publishRel(relVersion{ts: ts, rel: w.rel}, w.created)
		}
	}
	db.clock = ts
	db.release(tx.seq, nodeIDs, relIDs)

	logging.Op().Debug("graph commit",
		slog.Uint64("ts", ts),
		slog.Int("nodes", len(cs.Nodes)),
		slog.Int("deleted_nodes", len(cs.DeletedNodes)),
		slog.Int("relationships", len(cs.Relationships)),
		slog.Int("deleted_relationships", len(cs.DeletedRelationships)))
	return nil
}

// Rollback discards the transaction's writes. Rolling back a finished
// transaction returns ErrTxDone.
func (tx *Tx) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	tx.db.mu.Lock()
	tx.db.release(tx.seq, nil, nil)
	tx.db.mu.Unlock()
	return nil
}

func latestTS[V any](vs []V, ts func(V) uint64) uint64 {
	if len(vs) == 0 {
		return 0
	}
	return ts(vs[len(vs)-1])
}
