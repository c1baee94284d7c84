package dag

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dominikbraun/graph"

	"github.com/synclave/synclave/pkg/types"
)

var (
	// ErrMalformedDelta is returned when a delta's ID does not match its
	// content.
	ErrMalformedDelta = errors.New("delta id does not match content")

	// ErrCausalityViolation is returned when recording a delta would
	// create a cycle of root-hash references. Parents are hashes of
	// prior states, so a cycle can only be produced by a buggy or
	// malicious peer.
	ErrCausalityViolation = errors.New("delta ancestry forms a cycle")
)

// Applicability classifies the outcome of recording a delta.
type Applicability int

const (
	// Duplicate means the delta id was already known; recording is a no-op.
	Duplicate Applicability = iota

	// Applicable means every parent root hash is an ancestor of the
	// current state, so the delta can merge now.
	Applicable

	// Pending means at least one parent root hash has not been reached.
	Pending
)

func (a Applicability) String() string {
	switch a {
	case Duplicate:
		return "duplicate"
	case Applicable:
		return "applicable"
	case Pending:
		return "pending"
	default:
		return fmt.Sprintf("unknown(%d)", int(a))
	}
}

type pendingDelta struct {
	delta      *Delta
	receivedAt time.Time
}

// Stats summarizes a store for logging and metrics.
type Stats struct {
	Known        int
	AppliedIDs   int
	Pending      int
	Incorporated int
}

// Store holds a context's known deltas as an arena indexed by content hash,
// never as owned recursive pointers, so adversarial reference patterns
// cannot build unbounded memory graphs.
//
// Two monotonic sets drive applicability: the ids of deltas already merged
// (idempotent redelivery) and the root hashes the local state has
// incorporated. A delta whose parent hashes are all incorporated merges
// correctly even when none of them equals the literal current root: the
// parent state is then a strict ancestor of ours and per-field CRDT merge
// absorbs the difference. A directed graph with cycle prevention mirrors
// the root-hash topology for ancestry queries.
//
// All methods are safe for concurrent use; insertion is idempotent.
type Store struct {
	mu           sync.Mutex
	deltas       map[types.Hash]*Delta
	appliedIDs   map[types.Hash]struct{}
	incorporated map[types.Hash]struct{}
	pending      map[types.Hash]pendingDelta
	current      types.Hash
	topo         graph.Graph[string, string]
}

// NewStore creates a store rooted at the context's genesis root hash.
func NewStore(genesis types.Hash) *Store {
	topo := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())
	_ = topo.AddVertex(genesis.Hex())

	return &Store{
		deltas:       make(map[types.Hash]*Delta),
		appliedIDs:   make(map[types.Hash]struct{}),
		incorporated: map[types.Hash]struct{}{genesis: {}},
		pending:      make(map[types.Hash]pendingDelta),
		current:      genesis,
		topo:         topo,
	}
}

// Record inserts a delta into the arena. Recording an already-known delta
// returns Duplicate without side effects, making redelivery idempotent.
// The caller applies Applicable deltas and then calls MarkApplied.
func (s *Store) Record(d *Delta) (Applicability, error) {
	id, err := d.ComputeID()
	if err != nil {
		return Pending, err
	}
	if id != d.ID {
		return Pending, fmt.Errorf("%w: claimed %s, computed %s", ErrMalformedDelta, d.ID, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, known := s.deltas[d.ID]; known {
		return Duplicate, nil
	}
	if _, done := s.appliedIDs[d.ID]; done {
		return Duplicate, nil
	}

	_ = s.topo.AddVertex(d.ExpectedRoot.Hex())
	for _, parent := range d.Parents {
		_ = s.topo.AddVertex(parent.Hex())
		if parent == d.ExpectedRoot {
			// A no-op delta: the merge changed nothing, so the post-state
			// equals the parent. Valid, just nothing to add to the topology.
			continue
		}
		if err := s.topo.AddEdge(parent.Hex(), d.ExpectedRoot.Hex()); err != nil {
			if errors.Is(err, graph.ErrEdgeCreatesCycle) {
				return Pending, fmt.Errorf("%w: delta %s", ErrCausalityViolation, d.ID)
			}
			if !errors.Is(err, graph.ErrEdgeAlreadyExists) {
				return Pending, fmt.Errorf("record delta %s: %w", d.ID, err)
			}
		}
	}

	s.deltas[d.ID] = d

	if s.canApplyLocked(d) {
		return Applicable, nil
	}
	s.pending[d.ID] = pendingDelta{delta: d, receivedAt: time.Now()}
	return Pending, nil
}

// MarkApplied records a successful merge of a delta: the delta id joins the
// applied set, the author's post-state and our own merged root hash join
// the incorporated set, and the merged hash becomes current.
func (s *Store) MarkApplied(d *Delta, mergedRoot types.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appliedIDs[d.ID] = struct{}{}
	delete(s.pending, d.ID)

	s.incorporated[d.ExpectedRoot] = struct{}{}
	s.incorporated[mergedRoot] = struct{}{}
	s.current = mergedRoot

	_ = s.topo.AddVertex(mergedRoot.Hex())
	if mergedRoot != d.ExpectedRoot {
		// Concurrent histories merged: our new root descends from both
		// the author's post-state and our previous state. Mirroring is
		// best-effort; applicability never depends on the topology.
		_ = s.topo.AddEdge(d.ExpectedRoot.Hex(), mergedRoot.Hex())
	}
}

// Adopt records a bootstrap snapshot: the donor's root joins the
// incorporated set and current becomes the root the local state merged
// to (equal to adopted when the replica had nothing of its own). Pending
// deltas are kept so they can drain against the adopted state; applied
// ids are kept so replayed deltas stay no-ops. Pending deltas whose
// post-state is part of the adopted history are subsumed by the snapshot
// and marked applied without a merge.
func (s *Store) Adopt(adopted, current types.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.incorporated[adopted] = struct{}{}
	s.incorporated[current] = struct{}{}
	s.current = current
	_ = s.topo.AddVertex(adopted.Hex())
	_ = s.topo.AddVertex(current.Hex())
	if adopted != current {
		_ = s.topo.AddEdge(adopted.Hex(), current.Hex())
	}

	for id, p := range s.pending {
		if _, ok := s.incorporated[p.delta.ExpectedRoot]; ok {
			delete(s.pending, id)
			s.appliedIDs[id] = struct{}{}
		}
	}
}

// AppliedIDs returns the ids of all merged deltas, sorted, for
// persistence.
func (s *Store) AppliedIDs() []types.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.Hash, 0, len(s.appliedIDs))
	for id := range s.appliedIDs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}

// SeedApplied marks delta ids as already merged, for reopening a context
// from persisted state. Redeliveries of seeded ids classify as Duplicate.
func (s *Store) SeedApplied(ids []types.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.appliedIDs[id] = struct{}{}
	}
}

// IsApplied reports whether a delta has merged.
func (s *Store) IsApplied(id types.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.appliedIDs[id]
	return ok
}

// Incorporated reports whether a root hash is an ancestor of (or equal to)
// the current state.
func (s *Store) Incorporated(root types.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.incorporated[root]
	return ok
}

// Current returns the root hash the store last advanced to.
func (s *Store) Current() types.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Has reports whether the delta id is known (applied or pending).
func (s *Store) Has(id types.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deltas[id]; ok {
		return true
	}
	_, ok := s.appliedIDs[id]
	return ok
}

// Get returns a known delta by id.
func (s *Store) Get(id types.Hash) (*Delta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deltas[id]
	return d, ok
}

// Ready returns pending deltas whose parents are now all incorporated,
// ordered by (timestamp, id) for deterministic cascade.
func (s *Store) Ready() []*Delta {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []*Delta
	for _, p := range s.pending {
		if s.canApplyLocked(p.delta) {
			ready = append(ready, p.delta)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if c := ready[i].Timestamp.Compare(ready[j].Timestamp); c != 0 {
			return c < 0
		}
		return ready[i].ID.Hex() < ready[j].ID.Hex()
	})
	return ready
}

// MissingParents returns parent root hashes referenced by pending deltas
// that the local state has not reached. These identify the history a
// catch-up exchange must supply.
func (s *Store) MissingParents() []types.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()

	missing := make(map[types.Hash]struct{})
	for _, p := range s.pending {
		for _, parent := range p.delta.Parents {
			if _, ok := s.incorporated[parent]; !ok {
				missing[parent] = struct{}{}
			}
		}
	}

	out := make([]types.Hash, 0, len(missing))
	for h := range missing {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}

// OldestPending returns how long the oldest pending delta has waited, and
// false if nothing is pending. The sync coordinator uses this to decide
// when waiting for predecessors has to give way to a bootstrap.
func (s *Store) OldestPending() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest time.Duration
	for _, p := range s.pending {
		if age := time.Since(p.receivedAt); age > oldest {
			oldest = age
		}
	}
	return oldest, len(s.pending) > 0
}

// EvictStale drops pending deltas older than maxAge and returns how many
// were evicted. Their ids are forgotten, so a rebroadcast re-records them.
func (s *Store) EvictStale(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, p := range s.pending {
		if time.Since(p.receivedAt) > maxAge {
			delete(s.pending, id)
			delete(s.deltas, id)
			evicted++
		}
	}
	return evicted
}

// IsAncestor reports whether root hash a precedes root hash b in the
// recorded topology (or equals it).
func (s *Store) IsAncestor(a, b types.Hash) bool {
	if a == b {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	_ = graph.DFS(s.topo, a.Hex(), func(v string) bool {
		if v == b.Hex() {
			found = true
			return true // stop
		}
		return false
	})
	return found
}

// Stats returns counters for logging and metrics.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Known:        len(s.deltas),
		AppliedIDs:   len(s.appliedIDs),
		Pending:      len(s.pending),
		Incorporated: len(s.incorporated),
	}
}

func (s *Store) canApplyLocked(d *Delta) bool {
	for _, parent := range d.Parents {
		if _, ok := s.incorporated[parent]; !ok {
			return false
		}
	}
	return true
}
