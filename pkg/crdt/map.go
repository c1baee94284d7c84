package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
)

// UnorderedMap maps string keys to CRDT values. Merge is a key-wise union:
// keys present on both sides have their values merged recursively, keys
// present on one side are kept as-is (add-wins).
type UnorderedMap struct {
	entries map[string]Value
}

// NewUnorderedMap creates an empty map.
func NewUnorderedMap() *UnorderedMap {
	return &UnorderedMap{entries: make(map[string]Value)}
}

func (m *UnorderedMap) Kind() Kind { return KindUnorderedMap }

// Put stores a value under key, replacing any previous value.
func (m *UnorderedMap) Put(key string, v Value) {
	m.entries[key] = v
}

// Get returns the value under key.
func (m *UnorderedMap) Get(key string) (Value, bool) {
	v, ok := m.entries[key]
	return v, ok
}

// Len returns the number of entries.
func (m *UnorderedMap) Len() int {
	return len(m.entries)
}

// Keys returns all keys in sorted order.
func (m *UnorderedMap) Keys() []string {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *UnorderedMap) Clone() Value {
	clone := NewUnorderedMap()
	for k, v := range m.entries {
		clone.entries[k] = v.Clone()
	}
	return clone
}

// Merge unions the key sets, recursively merging values present on both sides.
func (m *UnorderedMap) Merge(other Value) (Value, error) {
	o, ok := other.(*UnorderedMap)
	if !ok {
		return nil, mismatch(m.Kind(), other.Kind())
	}

	merged := m.Clone().(*UnorderedMap)
	for key, theirs := range o.entries {
		ours, exists := merged.entries[key]
		if !exists {
			merged.entries[key] = theirs.Clone()
			continue
		}
		mv, err := ours.Merge(theirs)
		if err != nil {
			return nil, fmt.Errorf("merge map key %q: %w", key, err)
		}
		merged.entries[key] = mv
	}
	return merged, nil
}

// wireEntry is the serialized form of a nested value: its kind tag plus
// canonical encoding, so the correct variant can be reconstructed on decode.
type wireEntry struct {
	Kind  Kind            `json:"kind"`
	Value json.RawMessage `json:"value"`
}

func (m *UnorderedMap) MarshalJSON() ([]byte, error) {
	entries := make(map[string]wireEntry, len(m.entries))
	for k, v := range m.entries {
		raw, err := Encode(v)
		if err != nil {
			return nil, fmt.Errorf("encode map key %q: %w", k, err)
		}
		entries[k] = wireEntry{Kind: v.Kind(), Value: raw}
	}
	return json.Marshal(map[string]map[string]wireEntry{"entries": entries})
}

func (m *UnorderedMap) UnmarshalJSON(data []byte) error {
	var wire struct {
		Entries map[string]wireEntry `json:"entries"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	m.entries = make(map[string]Value, len(wire.Entries))
	for k, e := range wire.Entries {
		v, err := Decode(e.Kind, e.Value)
		if err != nil {
			return fmt.Errorf("decode map key %q: %w", k, err)
		}
		m.entries[k] = v
	}
	return nil
}
