// Package state models the application-defined root record of a context: a
// fixed set of named CRDT fields described by a schema. The root hash is
// computed over the merged, canonically serialized state, so two replicas
// that applied the same set of deltas in any order hash identically; hash
// equality is the sole criterion for replica state equality.
package state

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/synclave/synclave/pkg/crdt"
	"github.com/synclave/synclave/pkg/types"
)

// FieldSpec describes one root field. Private fields are local-only: they
// are excluded from merge, hashing, and delta transmission.
type FieldSpec struct {
	Name    string    `json:"name" yaml:"name"`
	Kind    crdt.Kind `json:"kind" yaml:"kind"`
	Private bool      `json:"private,omitempty" yaml:"private,omitempty"`
}

// Schema is the ordered set of root fields for a context. The CRDT variant
// of each field is fixed by the schema; dispatching a merge to the right
// variant happens here, once per field.
type Schema struct {
	fields []FieldSpec
	index  map[string]FieldSpec
}

// NewSchema builds a schema from field specs. Duplicate names are rejected.
func NewSchema(fields ...FieldSpec) (*Schema, error) {
	index := make(map[string]FieldSpec, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("schema field with empty name")
		}
		if _, dup := index[f.Name]; dup {
			return nil, fmt.Errorf("duplicate schema field %q", f.Name)
		}
		index[f.Name] = f
	}
	return &Schema{fields: fields, index: index}, nil
}

// MustSchema is NewSchema that panics on error, for fixed schemas in tests
// and examples.
func MustSchema(fields ...FieldSpec) *Schema {
	s, err := NewSchema(fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// Field returns the spec for a named field.
func (s *Schema) Field(name string) (FieldSpec, bool) {
	f, ok := s.index[name]
	return f, ok
}

// Fields returns the specs in declaration order.
func (s *Schema) Fields() []FieldSpec {
	return s.fields
}

// Root is a context's merged root state: one CRDT value per schema field.
// It is owned exclusively by the context's merge engine and mutated only
// via delta application or snapshot adoption.
type Root struct {
	schema *Schema
	fields map[string]crdt.Value
}

// NewRoot creates the genesis root: every field at its variant's zero value.
func NewRoot(schema *Schema) (*Root, error) {
	fields := make(map[string]crdt.Value, len(schema.fields))
	for _, f := range schema.fields {
		v, err := crdt.New(f.Kind)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		fields[f.Name] = v
	}
	return &Root{schema: schema, fields: fields}, nil
}

// Schema returns the root's schema.
func (r *Root) Schema() *Schema {
	return r.schema
}

// Get returns the value of a named field.
func (r *Root) Get(name string) (crdt.Value, bool) {
	v, ok := r.fields[name]
	return v, ok
}

// Set replaces a field's value. The value's kind must match the schema.
func (r *Root) Set(name string, v crdt.Value) error {
	f, ok := r.schema.Field(name)
	if !ok {
		return fmt.Errorf("unknown field %q", name)
	}
	if v.Kind() != f.Kind {
		return &crdt.SchemaMismatchError{Left: f.Kind, Right: v.Kind()}
	}
	r.fields[name] = v
	return nil
}

// MergeField merges an incoming value into the named field and stores the
// result. A kind mismatch against the schema is a SchemaMismatchError.
func (r *Root) MergeField(name string, incoming crdt.Value) error {
	f, ok := r.schema.Field(name)
	if !ok {
		return fmt.Errorf("unknown field %q", name)
	}
	if incoming.Kind() != f.Kind {
		return &crdt.SchemaMismatchError{Left: f.Kind, Right: incoming.Kind()}
	}
	merged, err := r.fields[name].Merge(incoming)
	if err != nil {
		return fmt.Errorf("merge field %q: %w", name, err)
	}
	r.fields[name] = merged
	return nil
}

// Clone deep-copies the root.
func (r *Root) Clone() *Root {
	fields := make(map[string]crdt.Value, len(r.fields))
	for name, v := range r.fields {
		fields[name] = v.Clone()
	}
	return &Root{schema: r.schema, fields: fields}
}

// Hash computes the deterministic digest of the merged state. Private
// fields are excluded; shared fields are folded in schema order with
// length-prefixed canonical encodings.
func (r *Root) Hash() (types.Hash, error) {
	h := sha256.New()
	var lenBuf [8]byte
	for _, f := range r.schema.fields {
		if f.Private {
			continue
		}
		raw, err := crdt.Encode(r.fields[f.Name])
		if err != nil {
			return types.Hash{}, fmt.Errorf("hash field %q: %w", f.Name, err)
		}
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(f.Name)))
		h.Write(lenBuf[:])
		h.Write([]byte(f.Name))
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(raw)))
		h.Write(lenBuf[:])
		h.Write(raw)
	}

	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}

type snapshotField struct {
	Kind  crdt.Kind       `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// Snapshot serializes the shared fields for transfer to a bootstrapping
// peer. Private fields never leave the node.
func (r *Root) Snapshot() ([]byte, error) {
	fields := make(map[string]snapshotField, len(r.fields))
	for _, f := range r.schema.fields {
		if f.Private {
			continue
		}
		raw, err := crdt.Encode(r.fields[f.Name])
		if err != nil {
			return nil, fmt.Errorf("snapshot field %q: %w", f.Name, err)
		}
		fields[f.Name] = snapshotField{Kind: f.Kind, Value: raw}
	}
	return json.Marshal(fields)
}

// FromSnapshot reconstructs a root from a peer snapshot. Fields absent from
// the snapshot (including private ones) start at their zero value.
func FromSnapshot(schema *Schema, data []byte) (*Root, error) {
	var fields map[string]snapshotField
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	root, err := NewRoot(schema)
	if err != nil {
		return nil, err
	}
	for name, f := range fields {
		spec, ok := schema.Field(name)
		if !ok {
			return nil, fmt.Errorf("snapshot carries unknown field %q", name)
		}
		if spec.Kind != f.Kind {
			return nil, &crdt.SchemaMismatchError{Left: spec.Kind, Right: f.Kind}
		}
		v, err := crdt.Decode(f.Kind, f.Value)
		if err != nil {
			return nil, fmt.Errorf("snapshot field %q: %w", name, err)
		}
		root.fields[name] = v
	}
	return root, nil
}
