// Package transport defines how replicas exchange deltas and snapshots.
//
// Delivery is best effort: the network may drop, reorder, or duplicate
// broadcasts. The sync layer is built to converge anyway, so transports
// never need retries or ordering guarantees.
package transport

import (
	"context"
	"errors"

	"github.com/synclave/synclave/pkg/dag"
	"github.com/synclave/synclave/pkg/types"
)

var (
	// ErrNoState is returned by snapshot requests to a peer that has not
	// initialized the context.
	ErrNoState = errors.New("peer has no state for context")

	// ErrPeerUnreachable is returned when a directed request cannot reach
	// its target.
	ErrPeerUnreachable = errors.New("peer unreachable")
)

// Snapshot is a full-state transfer used for bootstrap and catch-up.
type Snapshot struct {
	ContextID types.ContextID `json:"context_id"`
	RootHash  types.Hash      `json:"root_hash"`
	State     []byte          `json:"state"`
}

// Network is the peer-facing surface a replica needs: broadcast of sealed
// deltas, subscription to a context's delta stream, and directed
// state-transfer queries.
type Network interface {
	// Broadcast publishes a sealed delta to all peers in the context.
	Broadcast(ctx context.Context, d *dag.Delta) error

	// Subscribe returns a stream of deltas broadcast by other peers for
	// the context. The cancel func tears the subscription down and closes
	// the channel.
	Subscribe(contextID types.ContextID) (<-chan *dag.Delta, func(), error)

	// QueryHasState asks a peer whether it holds initialized state for
	// the context, and at which root hash.
	QueryHasState(ctx context.Context, peerID string, contextID types.ContextID) (bool, types.Hash, error)

	// RequestSnapshot fetches a peer's full state for the context.
	RequestSnapshot(ctx context.Context, peerID string, contextID types.ContextID) (*Snapshot, error)
}

// SnapshotSource is implemented by the local replica so the transport can
// answer peers' state-transfer queries.
type SnapshotSource interface {
	// HasState reports whether the context is initialized locally, and
	// its current root hash.
	HasState(contextID types.ContextID) (bool, types.Hash)

	// SnapshotFor serializes the context's full state.
	SnapshotFor(contextID types.ContextID) (*Snapshot, error)
}
