package graph

import "context"

// ChangeSet is the set of entity states produced by one committed transaction.
// Nodes and Relationships carry full post-commit state. NodeSeq and
// RelationshipSeq are the highest identifiers allocated so far, deleted or not.
type ChangeSet struct {
	Timestamp            uint64
	NodeSeq              int64
	RelationshipSeq      int64
	Nodes                []*Node
	DeletedNodes         []int64
	Relationships        []*Relationship
	DeletedRelationships []int64
}

// Empty reports whether the change set carries no changes.
func (cs *ChangeSet) Empty() bool {
	return len(cs.Nodes) == 0 && len(cs.DeletedNodes) == 0 &&
		len(cs.Relationships) == 0 && len(cs.DeletedRelationships) == 0
}

// Snapshot is the durable state a backend hands to Open.
type Snapshot struct {
	Nodes         []*Node
	Relationships []*Relationship
	Timestamp     uint64

	NodeSeq         int64
	RelationshipSeq int64
}

// Backend persists committed change sets. Apply is called with the database
// write lock held, so implementations see commits strictly in order.
type Backend interface {
	Load(ctx context.Context) (*Snapshot, error)
	Apply(ctx context.Context, cs *ChangeSet) error
	Close() error
}

// MemoryBackend keeps nothing; the graph lives only as long as the DB.
type MemoryBackend struct{}

// NewMemoryBackend returns a backend that does not persist anything.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Load returns an empty snapshot.
func (*MemoryBackend) Load(context.Context) (*Snapshot, error) {
	return &Snapshot{}, nil
}

// Apply discards the change set.
func (*MemoryBackend) Apply(context.Context, *ChangeSet) error {
	return nil
}

// Close is a no-op.
func (*MemoryBackend) Close() error {
	return nil
}
