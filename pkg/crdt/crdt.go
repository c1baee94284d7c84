// Package crdt implements the mergeable value variants replicated state is
// built from. Every variant's Merge is commutative, associative, and
// idempotent, so replicas that merge the same values in any order converge.
//
// Merges are pure: both operands are left untouched and a fresh value is
// returned. Merging two different variants for the same logical field is a
// schema versioning bug, reported as a SchemaMismatchError.
package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind tags a CRDT variant on the wire and in schema descriptors. Dispatch
// across variants happens once, at the root-field level, keyed by Kind.
type Kind string

const (
	KindCounter      Kind = "counter"
	KindLWWRegister  Kind = "lww_register"
	KindUnorderedMap Kind = "unordered_map"
	KindUnorderedSet Kind = "unordered_set"
	KindVector       Kind = "vector"
	KindRGA          Kind = "rga"
)

var (
	// ErrSchemaMismatch is returned when two different CRDT variants are
	// merged for the same logical field. This indicates a programming or
	// schema-versioning error, not a recoverable network condition.
	ErrSchemaMismatch = errors.New("crdt schema mismatch")

	// ErrUnknownKind is returned when decoding a value tagged with a Kind
	// this library does not implement.
	ErrUnknownKind = errors.New("unknown crdt kind")
)

// SchemaMismatchError reports the two incompatible variants of a failed merge.
type SchemaMismatchError struct {
	Left  Kind
	Right Kind
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("crdt schema mismatch: cannot merge %s with %s", e.Left, e.Right)
}

func (e *SchemaMismatchError) Unwrap() error {
	return ErrSchemaMismatch
}

func mismatch(left, right Kind) error {
	return &SchemaMismatchError{Left: left, Right: right}
}

// Value is the closed interface over all CRDT variants.
type Value interface {
	// Kind identifies the variant.
	Kind() Kind

	// Merge combines this value with another of the same Kind and returns
	// the result, leaving both operands unchanged.
	Merge(other Value) (Value, error)

	// Clone returns a deep copy.
	Clone() Value
}

// New returns the zero value for a kind.
func New(kind Kind) (Value, error) {
	switch kind {
	case KindCounter:
		return NewCounter(), nil
	case KindLWWRegister:
		return NewLWWRegister(), nil
	case KindUnorderedMap:
		return NewUnorderedMap(), nil
	case KindUnorderedSet:
		return NewUnorderedSet(), nil
	case KindVector:
		return NewVector(), nil
	case KindRGA:
		return NewRGA(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Encode serializes a value to its canonical JSON form. Map keys are emitted
// in sorted order, so equal values encode to equal bytes.
func Encode(v Value) ([]byte, error) {
	return json.Marshal(v)
}

// Decode reconstructs a value of the given kind from its canonical encoding.
func Decode(kind Kind, data []byte) (Value, error) {
	v, err := New(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return v, nil
}
