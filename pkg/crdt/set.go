package crdt

import (
	"encoding/json"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// UnorderedSet is a grow-only set of strings. Merge is set union, which is
// idempotent and commutative with no extra bookkeeping.
type UnorderedSet struct {
	members mapset.Set[string]
}

// NewUnorderedSet creates a set containing the given members.
func NewUnorderedSet(members ...string) *UnorderedSet {
	return &UnorderedSet{members: mapset.NewThreadUnsafeSet(members...)}
}

func (s *UnorderedSet) Kind() Kind { return KindUnorderedSet }

// Add inserts a member. Returns false if it was already present.
func (s *UnorderedSet) Add(member string) bool {
	return s.members.Add(member)
}

// Contains reports membership.
func (s *UnorderedSet) Contains(member string) bool {
	return s.members.Contains(member)
}

// Len returns the number of members.
func (s *UnorderedSet) Len() int {
	return s.members.Cardinality()
}

// Members returns all members in sorted order.
func (s *UnorderedSet) Members() []string {
	members := s.members.ToSlice()
	sort.Strings(members)
	return members
}

func (s *UnorderedSet) Clone() Value {
	return &UnorderedSet{members: s.members.Clone()}
}

// Merge unions both member sets.
func (s *UnorderedSet) Merge(other Value) (Value, error) {
	o, ok := other.(*UnorderedSet)
	if !ok {
		return nil, mismatch(s.Kind(), other.Kind())
	}
	return &UnorderedSet{members: s.members.Union(o.members)}, nil
}

func (s *UnorderedSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string][]string{"members": s.Members()})
}

func (s *UnorderedSet) UnmarshalJSON(data []byte) error {
	var wire struct {
		Members []string `json:"members"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	s.members = mapset.NewThreadUnsafeSet(wire.Members...)
	return nil
}
