// Package types defines shared identifier types used across packages to avoid
// circular imports. Hashes, context identifiers, and replica status live here
// because the dag, merge, sync, and storage packages all exchange them.
package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// HashSize is the byte length of a content hash.
const HashSize = 32

// Hash is a content hash addressing a delta or a merged root state.
type Hash [HashSize]byte

// ZeroHash is the all-zero hash, used as a "no hash" sentinel.
var ZeroHash Hash

// HashFromBytes copies b into a Hash. Returns an error if b is not HashSize bytes.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("invalid hash length %d, want %d", len(b), HashSize)
	}
	copy(h[:], b)
	return h, nil
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// Equal reports whether two hashes are identical.
func (h Hash) Equal(other Hash) bool {
	return bytes.Equal(h[:], other[:])
}

// String returns a short hex prefix suitable for logging.
func (h Hash) String() string {
	return hex.EncodeToString(h[:8])
}

// Hex returns the full hex encoding.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// MarshalText encodes the hash as lowercase hex for JSON/YAML transport.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h[:])), nil
}

// UnmarshalText decodes a hex-encoded hash.
func (h *Hash) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("decode hash: %w", err)
	}
	if len(b) != HashSize {
		return fmt.Errorf("invalid hash length %d, want %d", len(b), HashSize)
	}
	copy(h[:], b)
	return nil
}

// ContextID identifies an application context. Contexts own their state
// exclusively; all replication happens within a single context.
type ContextID string

// ReplicaStatus tracks the initialization state of a context replica.
type ReplicaStatus uint8

const (
	// StatusUninitialized means the replica has no usable state yet and
	// must bootstrap from a peer (or apply a genesis delta).
	StatusUninitialized ReplicaStatus = iota

	// StatusSynced means the replica holds merged state and mutates it
	// monotonically via delta application. A replica never leaves Synced.
	StatusSynced
)

func (s ReplicaStatus) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusSynced:
		return "synced"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}
