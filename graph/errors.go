package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned when the database has been closed.
	ErrClosed = errors.New("graph: database closed")
	// ErrTxDone is returned when a committed or rolled back transaction is used.
	ErrTxDone = errors.New("graph: transaction already finished")
	// ErrReadOnly is returned when a read-only transaction attempts a write.
	ErrReadOnly = errors.New("graph: write in read-only transaction")
	// ErrConflict is returned by Commit when another transaction committed a
	// change to the same entity after this transaction began.
	ErrConflict = errors.New("graph: write conflict")
)

// NotFoundError is returned when a node or relationship does not exist in the
// transaction's view.
type NotFoundError struct {
	Kind string // "node" or "relationship"
	ID   int64
}

// Error returns the error message for NotFoundError.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("graph: %s %d not found", e.Kind, e.ID)
}

// NodeHasRelationshipsError is returned when deleting a node that still has
// relationships without detaching them.
type NodeHasRelationshipsError struct {
	ID    int64
	Count int
}

// Error returns the error message for NodeHasRelationshipsError.
func (e *NodeHasRelationshipsError) Error() string {
	return fmt.Sprintf("graph: node %d still has %d relationship(s); use DETACH DELETE", e.ID, e.Count)
}

// BackendError wraps a failure of the durability backend during commit.
type BackendError struct {
	Op    string
	Cause error
}

// Error returns the error message for BackendError.
func (e *BackendError) Error() string {
	return fmt.Sprintf("graph: backend %s: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause of the BackendError.
func (e *BackendError) Unwrap() error {
	return e.Cause
}
