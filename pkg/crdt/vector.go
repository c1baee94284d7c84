package crdt

import (
	"encoding/json"
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// ElemID is the stable insertion identity of a vector element: the replica
// that inserted it plus that replica's local sequence number. The merged
// order of a vector is the total order over ElemIDs.
type ElemID struct {
	Replica string `json:"replica"`
	Seq     uint64 `json:"seq"`
}

// Less orders ids by (Seq, Replica), giving a deterministic total order that
// roughly follows insertion time.
func (id ElemID) Less(other ElemID) bool {
	if id.Seq != other.Seq {
		return id.Seq < other.Seq
	}
	return id.Replica < other.Replica
}

func (id ElemID) key() string {
	return fmt.Sprintf("%s#%d", id.Replica, id.Seq)
}

func (id ElemID) String() string {
	return id.key()
}

type vectorElem struct {
	ID    ElemID
	Value Value
}

// Vector is an ordered sequence of CRDT elements addressed by insertion
// identity. Removal tombstones the element rather than deleting it, so a
// concurrent remove and re-insert of neighbors still converges; merge keeps
// the union of elements ordered by ElemID, with tombstones winning.
type Vector struct {
	elems map[string]vectorElem
	tombs mapset.Set[string]
}

// NewVector creates an empty vector.
func NewVector() *Vector {
	return &Vector{
		elems: make(map[string]vectorElem),
		tombs: mapset.NewThreadUnsafeSet[string](),
	}
}

func (v *Vector) Kind() Kind { return KindVector }

// Append inserts a value with the next sequence number for replica and
// returns its id.
func (v *Vector) Append(replica string, value Value) ElemID {
	var maxSeq uint64
	for _, e := range v.elems {
		if e.ID.Replica == replica && e.ID.Seq > maxSeq {
			maxSeq = e.ID.Seq
		}
	}
	id := ElemID{Replica: replica, Seq: maxSeq + 1}
	v.elems[id.key()] = vectorElem{ID: id, Value: value}
	return id
}

// Remove tombstones the element with the given id. Returns false if the id
// is unknown.
func (v *Vector) Remove(id ElemID) bool {
	if _, ok := v.elems[id.key()]; !ok {
		return false
	}
	v.tombs.Add(id.key())
	return true
}

// Get returns the live element with the given id.
func (v *Vector) Get(id ElemID) (Value, bool) {
	if v.tombs.Contains(id.key()) {
		return nil, false
	}
	e, ok := v.elems[id.key()]
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// Len returns the number of live elements.
func (v *Vector) Len() int {
	n := 0
	for key := range v.elems {
		if !v.tombs.Contains(key) {
			n++
		}
	}
	return n
}

// IDs returns the ids of live elements in merged order.
func (v *Vector) IDs() []ElemID {
	ids := make([]ElemID, 0, len(v.elems))
	for key, e := range v.elems {
		if !v.tombs.Contains(key) {
			ids = append(ids, e.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

// Elements returns the live values in merged order.
func (v *Vector) Elements() []Value {
	ids := v.IDs()
	out := make([]Value, len(ids))
	for i, id := range ids {
		out[i] = v.elems[id.key()].Value
	}
	return out
}

func (v *Vector) Clone() Value {
	clone := NewVector()
	for key, e := range v.elems {
		clone.elems[key] = vectorElem{ID: e.ID, Value: e.Value.Clone()}
	}
	clone.tombs = v.tombs.Clone()
	return clone
}

// Merge unions elements and tombstones. Elements present on both sides have
// their values merged recursively; a tombstone on either side wins.
func (v *Vector) Merge(other Value) (Value, error) {
	o, ok := other.(*Vector)
	if !ok {
		return nil, mismatch(v.Kind(), other.Kind())
	}

	merged := v.Clone().(*Vector)
	for key, theirs := range o.elems {
		ours, exists := merged.elems[key]
		if !exists {
			merged.elems[key] = vectorElem{ID: theirs.ID, Value: theirs.Value.Clone()}
			continue
		}
		mv, err := ours.Value.Merge(theirs.Value)
		if err != nil {
			return nil, fmt.Errorf("merge vector element %s: %w", theirs.ID, err)
		}
		merged.elems[key] = vectorElem{ID: ours.ID, Value: mv}
	}
	merged.tombs = merged.tombs.Union(o.tombs)
	return merged, nil
}

type vectorWireElem struct {
	ID    ElemID          `json:"id"`
	Kind  Kind            `json:"kind"`
	Value json.RawMessage `json:"value"`
}

func (v *Vector) MarshalJSON() ([]byte, error) {
	elems := make([]vectorWireElem, 0, len(v.elems))
	for _, e := range v.elems {
		raw, err := Encode(e.Value)
		if err != nil {
			return nil, fmt.Errorf("encode vector element %s: %w", e.ID, err)
		}
		elems = append(elems, vectorWireElem{ID: e.ID, Kind: e.Value.Kind(), Value: raw})
	}
	sort.Slice(elems, func(i, j int) bool { return elems[i].ID.Less(elems[j].ID) })

	tombs := v.tombs.ToSlice()
	sort.Strings(tombs)

	return json.Marshal(map[string]any{
		"elements":   elems,
		"tombstones": tombs,
	})
}

func (v *Vector) UnmarshalJSON(data []byte) error {
	var wire struct {
		Elements   []vectorWireElem `json:"elements"`
		Tombstones []string         `json:"tombstones"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	v.elems = make(map[string]vectorElem, len(wire.Elements))
	for _, e := range wire.Elements {
		value, err := Decode(e.Kind, e.Value)
		if err != nil {
			return fmt.Errorf("decode vector element %s: %w", e.ID, err)
		}
		v.elems[e.ID.key()] = vectorElem{ID: e.ID, Value: value}
	}
	v.tombs = mapset.NewThreadUnsafeSet(wire.Tombstones...)
	return nil
}
