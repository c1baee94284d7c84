// Package dag implements the causal delta model: immutable state deltas
// addressed by content hash, linked into a DAG through parent root-hash
// references, with an arena-backed store that decides whether a delta is
// applicable or must wait for its ancestry.
package dag

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/synclave/synclave/pkg/clock"
	"github.com/synclave/synclave/pkg/crdt"
	"github.com/synclave/synclave/pkg/types"
)

// Patch carries the full replacement CRDT value for one touched root field.
// Transmitting the merged value rather than an operation log keeps the wire
// format self-contained: applying a patch is a plain CRDT merge.
type Patch struct {
	Kind  crdt.Kind       `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// Event is an application event emitted by the execution that produced a
// delta, redelivered in order on peers that apply the delta.
type Event struct {
	Name string `json:"name"`
	Data []byte `json:"data,omitempty"`
}

// Delta is an immutable unit of change to a context's root state. Deltas
// reference the root hash(es) they were produced against, forming a causal
// DAG per context.
type Delta struct {
	// ID is the content hash of the delta (everything below except the
	// signature).
	ID types.Hash `json:"id"`

	ContextID types.ContextID `json:"context_id"`

	// Author is the identity that executed the change.
	Author string `json:"author"`

	// Parents are the root hashes this delta was produced against.
	Parents []types.Hash `json:"parents"`

	// Patches maps touched field names to their new values.
	Patches map[string]Patch `json:"patches"`

	// Events were emitted by the originating execution, in order.
	Events []Event `json:"events,omitempty"`

	Timestamp clock.Timestamp `json:"timestamp"`

	// ExpectedRoot is the root hash the author computed after applying
	// this delta. Used for divergence detection, not as a merge input.
	ExpectedRoot types.Hash `json:"expected_root"`

	Signature []byte `json:"signature,omitempty"`
}

// ComputeID hashes the delta content. The ID and signature fields do not
// participate.
func (d *Delta) ComputeID() (types.Hash, error) {
	shadow := *d
	shadow.ID = types.Hash{}
	shadow.Signature = nil

	raw, err := json.Marshal(&shadow)
	if err != nil {
		return types.Hash{}, fmt.Errorf("encode delta: %w", err)
	}
	return sha256.Sum256(raw), nil
}

// Seal computes and stores the delta's ID, then signs it with the author's
// key.
func (d *Delta) Seal(key ed25519.PrivateKey) error {
	id, err := d.ComputeID()
	if err != nil {
		return err
	}
	d.ID = id
	d.Signature = ed25519.Sign(key, d.ID[:])
	return nil
}

// Verify checks that the ID matches the content and the signature matches
// the author's public key.
func (d *Delta) Verify(pub ed25519.PublicKey) bool {
	id, err := d.ComputeID()
	if err != nil || id != d.ID {
		return false
	}
	return ed25519.Verify(pub, d.ID[:], d.Signature)
}

// Encode serializes the delta for transport or the delta log.
func (d *Delta) Encode() ([]byte, error) {
	return json.Marshal(d)
}

// DecodeDelta deserializes a delta.
func DecodeDelta(data []byte) (*Delta, error) {
	var d Delta
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode delta: %w", err)
	}
	return &d, nil
}
