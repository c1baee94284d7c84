package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/synclave/synclave/pkg/clock"
)

// ErrPositionOutOfBounds is returned by position-based RGA edits.
var ErrPositionOutOfBounds = errors.New("rga position out of bounds")

// NodeID is the globally unique identity of an RGA node: the hybrid logical
// timestamp of the inserting operation (which embeds the replica id) plus a
// sequence number for runs inserted in one operation.
type NodeID struct {
	Timestamp clock.Timestamp `json:"timestamp"`
	Seq       uint32          `json:"seq"`
}

// Compare orders ids by (timestamp, seq).
func (id NodeID) Compare(other NodeID) int {
	if c := id.Timestamp.Compare(other.Timestamp); c != 0 {
		return c
	}
	switch {
	case id.Seq < other.Seq:
		return -1
	case id.Seq > other.Seq:
		return 1
	default:
		return 0
	}
}

// IsRoot reports whether id is the sentinel marking the document start.
func (id NodeID) IsRoot() bool {
	return id.Timestamp.IsZero() && id.Seq == 0
}

func (id NodeID) key() string {
	return fmt.Sprintf("%s#%d", id.Timestamp, id.Seq)
}

func (id NodeID) String() string {
	return id.key()
}

type rgaNode struct {
	ID   NodeID `json:"id"`
	Left NodeID `json:"left"`
	Rune rune   `json:"rune"`
}

// RGA is a replicated growable array over runes, used for collaborative
// text. Each node records the id of its left neighbor at insertion time;
// the merged document order is derived by walking insertion chains from the
// root sentinel, visiting concurrent siblings in descending id order so a
// later insertion lands closest to its left neighbor. Deletions tombstone
// nodes, keeping them for ordering.
type RGA struct {
	nodes map[string]rgaNode
	tombs mapset.Set[string]
}

// NewRGA creates an empty document.
func NewRGA() *RGA {
	return &RGA{
		nodes: make(map[string]rgaNode),
		tombs: mapset.NewThreadUnsafeSet[string](),
	}
}

func (r *RGA) Kind() Kind { return KindRGA }

// InsertAfter adds a node with the given id and content to the right of
// left. Re-inserting a known id is a no-op, which makes the operation safe
// to replay.
func (r *RGA) InsertAfter(left NodeID, id NodeID, ch rune) {
	if _, ok := r.nodes[id.key()]; ok {
		return
	}
	r.nodes[id.key()] = rgaNode{ID: id, Left: left, Rune: ch}
}

// DeleteID tombstones the node with the given id. Returns false if unknown.
func (r *RGA) DeleteID(id NodeID) bool {
	if _, ok := r.nodes[id.key()]; !ok {
		return false
	}
	r.tombs.Add(id.key())
	return true
}

// Insert places ch at the visible position pos, stamping the new node with
// the clock. Returns the new node's id.
func (r *RGA) Insert(clk *clock.Clock, pos int, ch rune) (NodeID, error) {
	left, err := r.leftOf(pos)
	if err != nil {
		return NodeID{}, err
	}
	id := NodeID{Timestamp: clk.Now()}
	r.InsertAfter(left, id, ch)
	return id, nil
}

// InsertString places s at the visible position pos as a run of nodes
// sharing one timestamp, chained left-to-right.
func (r *RGA) InsertString(clk *clock.Clock, pos int, s string) error {
	left, err := r.leftOf(pos)
	if err != nil {
		return err
	}
	ts := clk.Now()
	for i, ch := range []rune(s) {
		id := NodeID{Timestamp: ts, Seq: uint32(i)}
		r.InsertAfter(left, id, ch)
		left = id
	}
	return nil
}

// Delete tombstones the rune at the visible position pos.
func (r *RGA) Delete(pos int) error {
	visible := r.visible()
	if pos < 0 || pos >= len(visible) {
		return fmt.Errorf("%w: %d", ErrPositionOutOfBounds, pos)
	}
	r.tombs.Add(visible[pos].ID.key())
	return nil
}

// Len returns the number of visible runes.
func (r *RGA) Len() int {
	return len(r.visible())
}

// String renders the visible document text.
func (r *RGA) String() string {
	visible := r.visible()
	runes := make([]rune, len(visible))
	for i, n := range visible {
		runes[i] = n.Rune
	}
	return string(runes)
}

func (r *RGA) Clone() Value {
	clone := NewRGA()
	for key, n := range r.nodes {
		clone.nodes[key] = n
	}
	clone.tombs = r.tombs.Clone()
	return clone
}

// Merge unions nodes and tombstones. A node id maps to identical content on
// every replica that has it, so the union is conflict-free by construction.
func (r *RGA) Merge(other Value) (Value, error) {
	o, ok := other.(*RGA)
	if !ok {
		return nil, mismatch(r.Kind(), other.Kind())
	}

	merged := r.Clone().(*RGA)
	for key, n := range o.nodes {
		if _, exists := merged.nodes[key]; !exists {
			merged.nodes[key] = n
		}
	}
	merged.tombs = merged.tombs.Union(o.tombs)
	return merged, nil
}

func (r *RGA) leftOf(pos int) (NodeID, error) {
	if pos == 0 {
		return NodeID{}, nil
	}
	visible := r.visible()
	if pos < 0 || pos > len(visible) {
		return NodeID{}, fmt.Errorf("%w: %d", ErrPositionOutOfBounds, pos)
	}
	return visible[pos-1].ID, nil
}

// visible returns non-tombstoned nodes in document order.
func (r *RGA) visible() []rgaNode {
	ordered := r.ordered()
	out := make([]rgaNode, 0, len(ordered))
	for _, n := range ordered {
		if !r.tombs.Contains(n.ID.key()) {
			out = append(out, n)
		}
	}
	return out
}

// ordered returns all nodes (tombstoned included) in document order: a
// depth-first walk of the insertion tree rooted at the sentinel, visiting
// the children of each node in descending id order.
func (r *RGA) ordered() []rgaNode {
	children := make(map[string][]rgaNode, len(r.nodes))
	for _, n := range r.nodes {
		leftKey := n.Left.key()
		children[leftKey] = append(children[leftKey], n)
	}
	for _, siblings := range children {
		sort.Slice(siblings, func(i, j int) bool {
			return siblings[i].ID.Compare(siblings[j].ID) > 0
		})
	}

	ordered := make([]rgaNode, 0, len(r.nodes))
	var walk func(parent NodeID)
	walk = func(parent NodeID) {
		for _, n := range children[parent.key()] {
			ordered = append(ordered, n)
			walk(n.ID)
		}
	}
	walk(NodeID{})
	return ordered
}

func (r *RGA) MarshalJSON() ([]byte, error) {
	nodes := make([]rgaNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID.Compare(nodes[j].ID) < 0 })

	tombs := r.tombs.ToSlice()
	sort.Strings(tombs)

	return json.Marshal(map[string]any{
		"nodes":      nodes,
		"tombstones": tombs,
	})
}

func (r *RGA) UnmarshalJSON(data []byte) error {
	var wire struct {
		Nodes      []rgaNode `json:"nodes"`
		Tombstones []string  `json:"tombstones"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	r.nodes = make(map[string]rgaNode, len(wire.Nodes))
	for _, n := range wire.Nodes {
		r.nodes[n.ID.key()] = n
	}
	r.tombs = mapset.NewThreadUnsafeSet(wire.Tombstones...)
	return nil
}
