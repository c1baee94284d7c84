// Package merge applies causal deltas to a context's CRDT state tree.
//
// The engine is the only component that mutates state. It holds an
// exclusive per-context lock around every merge, recomputes the root hash
// after each one, and distinguishes the single fatal condition (true
// divergence) from ordinary hash disagreement caused by concurrency.
package merge

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/synclave/synclave/pkg/clock"
	"github.com/synclave/synclave/pkg/crdt"
	"github.com/synclave/synclave/pkg/dag"
	"github.com/synclave/synclave/pkg/state"
	"github.com/synclave/synclave/pkg/types"
)

var (
	// ErrContextDiverged is returned for every operation on a context that
	// hit an unrecoverable root hash mismatch. Automatic replication stops;
	// the context needs a rebootstrap or operator intervention.
	ErrContextDiverged = errors.New("context diverged")

	// ErrCatchUpRequired is returned when a delta's parents are not yet
	// part of local history and it cannot merge directly.
	ErrCatchUpRequired = errors.New("catch-up required before delta can apply")

	// ErrSnapshotIntegrity is returned when an adopted snapshot does not
	// rehash to the root hash its sender claimed.
	ErrSnapshotIntegrity = errors.New("snapshot does not match claimed root hash")
)

// DivergenceError carries the hashes of a detected divergence: the local
// merge result and the author's expectation, computed from an identical
// pre-state.
type DivergenceError struct {
	ContextID types.ContextID
	DeltaID   types.Hash
	Local     types.Hash
	Expected  types.Hash
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("divergence detected in context %s: delta %s expected root %s, local merge produced %s",
		e.ContextID, e.DeltaID, e.Expected, e.Local)
}

func (e *DivergenceError) Unwrap() error {
	return ErrContextDiverged
}

// State is the engine's lifecycle phase.
type State int

const (
	// Idle means the engine is ready to merge.
	Idle State = iota

	// Applying means a merge is in flight under the context lock.
	Applying

	// Diverged means replication halted after a confirmed divergence.
	Diverged
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Applying:
		return "applying"
	case Diverged:
		return "diverged"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Result reports the outcome of a merge.
type Result struct {
	// RootHash is the context's root hash after the merge.
	RootHash types.Hash

	// Events carries the delta's emitted events, in order, when the merge
	// changed state. Nil for replays.
	Events []dag.Event

	// Replayed is true when the delta had already been applied and the
	// call was a no-op.
	Replayed bool
}

// Engine merges deltas into a single context's state tree.
type Engine struct {
	mu        sync.Mutex
	contextID types.ContextID
	schema    *state.Schema
	root      *state.Root
	rootHash  types.Hash
	history   *dag.Store
	logger    *slog.Logger
	phase     State
}

// NewEngine builds an engine over a freshly initialized state tree. The
// genesis root hash is the hash of the zero-valued schema, so every
// replica of a context starts from the same hash without coordination.
func NewEngine(contextID types.ContextID, schema *state.Schema, logger *slog.Logger) (*Engine, error) {
	root, err := state.NewRoot(schema)
	if err != nil {
		return nil, err
	}
	genesis, err := root.Hash()
	if err != nil {
		return nil, fmt.Errorf("hash genesis state: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		contextID: contextID,
		schema:    schema,
		root:      root,
		rootHash:  genesis,
		history:   dag.NewStore(genesis),
		logger:    logger.With("context", string(contextID)),
		phase:     Idle,
	}, nil
}

// History exposes the causal record backing the engine.
func (e *Engine) History() *dag.Store {
	return e.history
}

// RootHash returns the current root hash.
func (e *Engine) RootHash() types.Hash {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rootHash
}

// Phase returns the engine's lifecycle phase.
func (e *Engine) Phase() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Read returns a copy of the named field's current value.
func (e *Engine) Read(field string) (crdt.Value, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.root.Get(field)
	if !ok {
		return nil, false
	}
	return v.Clone(), true
}

// Snapshot serializes the shared state tree. Private fields stay local.
func (e *Engine) Snapshot() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.root.Snapshot()
}

// Apply merges a delta that the causal record has classified applicable.
//
// Patches merge field by field into a working copy; any schema mismatch
// rejects the whole delta and leaves state untouched. After a successful
// merge the root hash is recomputed. A mismatch against the delta's
// expected root is normal when histories were concurrent; it is fatal
// only when our pre-merge state equals the delta's sole parent, because
// then both sides merged identical inputs and disagree on the result.
func (e *Engine) Apply(d *dag.Delta) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.phase == Diverged {
		return nil, fmt.Errorf("context %s: %w", e.contextID, ErrContextDiverged)
	}

	if e.history.IsApplied(d.ID) {
		return &Result{RootHash: e.rootHash, Replayed: true}, nil
	}

	for _, parent := range d.Parents {
		if !e.history.Incorporated(parent) {
			return nil, fmt.Errorf("delta %s parent %s not in local history: %w",
				d.ID, parent, ErrCatchUpRequired)
		}
	}

	e.phase = Applying
	defer func() {
		if e.phase == Applying {
			e.phase = Idle
		}
	}()

	preMerge := e.rootHash
	work := e.root.Clone()

	for _, field := range sortedFields(d.Patches) {
		patch := d.Patches[field]
		incoming, err := crdt.Decode(patch.Kind, patch.Value)
		if err != nil {
			return nil, fmt.Errorf("delta %s field %q: %w", d.ID, field, err)
		}
		if err := work.MergeField(field, incoming); err != nil {
			return nil, fmt.Errorf("delta %s field %q: %w", d.ID, field, err)
		}
	}

	merged, err := work.Hash()
	if err != nil {
		return nil, fmt.Errorf("hash merged state: %w", err)
	}

	if merged != d.ExpectedRoot && len(d.Parents) == 1 && d.Parents[0] == preMerge {
		e.phase = Diverged
		divergence := &DivergenceError{
			ContextID: e.contextID,
			DeltaID:   d.ID,
			Local:     merged,
			Expected:  d.ExpectedRoot,
		}
		e.logger.Error("DIVERGENCE DETECTED",
			"delta", d.ID,
			"expected_root", d.ExpectedRoot,
			"local_root", merged)
		return nil, divergence
	}

	e.root = work
	e.rootHash = merged
	e.history.MarkApplied(d, merged)

	return &Result{RootHash: merged, Events: d.Events}, nil
}

// Propose turns a set of locally produced field values into an unsealed
// delta parented on the current root, and applies it. The caller seals
// and broadcasts the returned delta. Patches carry the full merged value
// of each touched field, so receivers never need our intermediate states.
func (e *Engine) Propose(author string, ts clock.Timestamp, changes map[string]crdt.Value, events []dag.Event) (*dag.Delta, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.phase == Diverged {
		return nil, fmt.Errorf("context %s: %w", e.contextID, ErrContextDiverged)
	}

	work := e.root.Clone()
	patches := make(map[string]dag.Patch, len(changes))
	for field, v := range changes {
		if err := work.MergeField(field, v); err != nil {
			return nil, fmt.Errorf("field %q: %w", field, err)
		}
		mergedValue, ok := work.Get(field)
		if !ok {
			return nil, fmt.Errorf("field %q vanished after merge", field)
		}
		encoded, err := crdt.Encode(mergedValue)
		if err != nil {
			return nil, fmt.Errorf("encode field %q: %w", field, err)
		}
		patches[field] = dag.Patch{Kind: v.Kind(), Value: encoded}
	}

	merged, err := work.Hash()
	if err != nil {
		return nil, fmt.Errorf("hash proposed state: %w", err)
	}

	d := &dag.Delta{
		ContextID:    e.contextID,
		Author:       author,
		Parents:      []types.Hash{e.rootHash},
		Patches:      patches,
		Events:       events,
		Timestamp:    ts,
		ExpectedRoot: merged,
	}
	id, err := d.ComputeID()
	if err != nil {
		return nil, err
	}
	d.ID = id

	e.root = work
	e.rootHash = merged
	e.history.MarkApplied(d, merged)

	return d, nil
}

// Adopt merges a bootstrap snapshot into local state after verifying it
// rehashes to the claimed root. Merging rather than replacing keeps
// local writes the donor never received; on a fresh replica the merge
// against zero-valued fields reproduces the snapshot exactly. Pending
// deltas survive in the causal record and drain against the adopted
// state.
func (e *Engine) Adopt(snapshot []byte, claimed types.Hash) error {
	incoming, err := state.FromSnapshot(e.schema, snapshot)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotIntegrity, err)
	}
	h, err := incoming.Hash()
	if err != nil {
		return fmt.Errorf("hash adopted snapshot: %w", err)
	}
	if h != claimed {
		return fmt.Errorf("%w: claimed %s, computed %s", ErrSnapshotIntegrity, claimed, h)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	work := e.root.Clone()
	for _, f := range e.schema.Fields() {
		if f.Private {
			continue
		}
		v, ok := incoming.Get(f.Name)
		if !ok {
			continue
		}
		if err := work.MergeField(f.Name, v); err != nil {
			return fmt.Errorf("adopt field %q: %w", f.Name, err)
		}
	}
	merged, err := work.Hash()
	if err != nil {
		return fmt.Errorf("hash adopted state: %w", err)
	}

	e.root = work
	e.rootHash = merged
	e.history.Adopt(claimed, merged)
	e.phase = Idle

	e.logger.Info("adopted snapshot", "donor_root", claimed, "root", merged)
	return nil
}

// Restore loads persisted state without integrity checks, for reopening a
// context from local storage on startup.
func (e *Engine) Restore(snapshot []byte, rootHash types.Hash) error {
	root, err := state.FromSnapshot(e.schema, snapshot)
	if err != nil {
		return fmt.Errorf("restore context %s: %w", e.contextID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.root = root
	e.rootHash = rootHash
	e.history.Adopt(rootHash, rootHash)
	return nil
}

func sortedFields(patches map[string]dag.Patch) []string {
	fields := make([]string, 0, len(patches))
	for f := range patches {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}
