// Package storage persists context state and the append-only delta log.
package storage

import (
	"errors"
	"fmt"

	"github.com/synclave/synclave/pkg/dag"
	"github.com/synclave/synclave/pkg/types"
)

var (
	ErrContextNotFound = errors.New("context not found")
	ErrStoreClosed     = errors.New("store closed")
)

// ContextRecord is the durable view of one replicated context: the latest
// state snapshot, its root hash, and the ids of deltas already merged so
// restarts can recognize redeliveries.
type ContextRecord struct {
	ContextID types.ContextID     `json:"context_id"`
	RootHash  types.Hash          `json:"root_hash"`
	Status    types.ReplicaStatus `json:"status"`
	Snapshot  []byte              `json:"snapshot"`
	Applied   []types.Hash        `json:"applied"`
}

// Store persists context records and per-context delta logs. The delta
// log is append-only and ordered by application, so replaying it in log
// order reconstructs state.
type Store interface {
	// SaveContext upserts a context record.
	SaveContext(rec *ContextRecord) error

	// LoadContext returns a context record, or ErrContextNotFound.
	LoadContext(id types.ContextID) (*ContextRecord, error)

	// ListContexts returns the ids of all persisted contexts.
	ListContexts() ([]types.ContextID, error)

	// AppendDelta appends an applied delta to the context's log.
	AppendDelta(id types.ContextID, d *dag.Delta) error

	// Deltas returns the context's delta log in append order.
	Deltas(id types.ContextID) ([]*dag.Delta, error)

	// Close releases the underlying engine.
	Close() error
}

// NewStore creates a store of the named engine type.
func NewStore(engine, path string) (Store, error) {
	switch engine {
	case "", "memory":
		return NewMemoryStore(), nil
	case "bbolt":
		return NewBoltStore(path)
	default:
		return nil, fmt.Errorf("unknown storage engine %q", engine)
	}
}
