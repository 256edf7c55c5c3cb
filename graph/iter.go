package graph

import "slices"

// NodeIterator walks the nodes visible to a transaction. The set of candidate
// ids is frozen when the iterator is created: nodes created afterwards, by
// this or any other transaction, are not returned.
type NodeIterator struct {
	tx    *Tx
	label string

	committed []int64
	local     []int64
	extra     map[int64]bool
	pos       int
	cur       *Node
	err       error
}

// ScanNodes returns an iterator over all visible nodes carrying label, or over
// every node when label is empty.
func (tx *Tx) ScanNodes(label string) *NodeIterator {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	it := &NodeIterator{tx: tx, label: label}
	if tx.done {
		it.err = ErrTxDone
		return it
	}

	tx.db.mu.RLock()
	if label == "" {
		it.committed = tx.db.nodeIDs[:len(tx.db.nodeIDs):len(tx.db.nodeIDs)]
	} else {
		idx := tx.db.labelIdx[label]
		it.committed = idx[:len(idx):len(idx)]
	}
	tx.db.mu.RUnlock()

	it.local = slices.Clone(tx.createdNodes)
	if label != "" && len(tx.labelAdded[label]) > 0 {
		it.extra = make(map[int64]bool, len(tx.labelAdded[label]))
		for _, id := range tx.labelAdded[label] {
			it.extra[id] = false
			it.local = append(it.local, id)
		}
	}
	return it
}

// Next advances to the next visible node.
func (it *NodeIterator) Next() bool {
	if it.err != nil {
		return false
	}
	it.tx.mu.Lock()
	defer it.tx.mu.Unlock()
	if it.tx.done {
		it.err = ErrTxDone
		return false
	}
	total := len(it.committed) + len(it.local)
	for it.pos < total {
		i := it.pos
		it.pos++
		var id int64
		var n *Node
		if i < len(it.committed) {
			id = it.committed[i]
			n = it.tx.resolveNode(id)
			if n != nil && it.matches(n) {
				if _, ok := it.extra[id]; ok {
					it.extra[id] = true
				}
			}
		} else {
			id = it.local[i-len(it.committed)]
			if yielded := it.extra[id]; yielded {
				continue
			}
			n = it.tx.resolveNode(id)
		}
		if n == nil || !it.matches(n) {
			continue
		}
		it.cur = n
		return true
	}
	it.cur = nil
	return false
}

func (it *NodeIterator) matches(n *Node) bool {
	return it.label == "" || n.HasLabel(it.label)
}

// Node returns the current node.
func (it *NodeIterator) Node() *Node { return it.cur }

// Err returns the error that stopped iteration, if any.
func (it *NodeIterator) Err() error { return it.err }
