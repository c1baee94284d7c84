package merge_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synclave/synclave/pkg/clock"
	"github.com/synclave/synclave/pkg/crdt"
	"github.com/synclave/synclave/pkg/dag"
	"github.com/synclave/synclave/pkg/merge"
	"github.com/synclave/synclave/pkg/state"
	"github.com/synclave/synclave/pkg/types"
)

func testSchema() *state.Schema {
	return state.MustSchema(
		state.FieldSpec{Name: "visits", Kind: crdt.KindCounter},
		state.FieldSpec{Name: "tags", Kind: crdt.KindUnorderedSet},
	)
}

func newEngine(t *testing.T) *merge.Engine {
	t.Helper()
	e, err := merge.NewEngine("ctx-1", testSchema(), nil)
	require.NoError(t, err)
	return e
}

func ts(wall uint64, replica string) clock.Timestamp {
	return clock.Timestamp{WallMicros: wall, Replica: replica}
}

func counterAdd(replica string, n uint64) crdt.Value {
	c := crdt.NewCounter()
	c.Add(replica, n)
	return c
}

func TestEngine_GenesisHashesAgree(t *testing.T) {
	a := newEngine(t)
	b := newEngine(t)
	assert.Equal(t, a.RootHash(), b.RootHash(),
		"replicas with the same schema must start at the same root hash")
}

func TestEngine_ProposeAdvancesRoot(t *testing.T) {
	e := newEngine(t)
	before := e.RootHash()

	d, err := e.Propose("alice", ts(1, "alice"), map[string]crdt.Value{
		"visits": counterAdd("alice", 1),
	}, nil)
	require.NoError(t, err)

	assert.NotEqual(t, before, e.RootHash())
	assert.Equal(t, []types.Hash{before}, d.Parents)
	assert.Equal(t, e.RootHash(), d.ExpectedRoot)
	assert.True(t, e.History().IsApplied(d.ID))
}

func TestEngine_ApplyRemoteDeltaMatchesAuthor(t *testing.T) {
	author := newEngine(t)
	follower := newEngine(t)

	d, err := author.Propose("alice", ts(1, "alice"), map[string]crdt.Value{
		"visits": counterAdd("alice", 3),
	}, []dag.Event{{Name: "visited"}})
	require.NoError(t, err)

	res, err := follower.Apply(d)
	require.NoError(t, err)
	assert.Equal(t, author.RootHash(), follower.RootHash())
	assert.Equal(t, d.ExpectedRoot, res.RootHash)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "visited", res.Events[0].Name)
}

func TestEngine_ApplyIsIdempotent(t *testing.T) {
	author := newEngine(t)
	follower := newEngine(t)

	d, err := author.Propose("alice", ts(1, "alice"), map[string]crdt.Value{
		"visits": counterAdd("alice", 3),
	}, []dag.Event{{Name: "visited"}})
	require.NoError(t, err)

	_, err = follower.Apply(d)
	require.NoError(t, err)
	after := follower.RootHash()

	res, err := follower.Apply(d)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Empty(t, res.Events, "replay must not refire events")
	assert.Equal(t, after, follower.RootHash())
}

func TestEngine_ConcurrentDeltasConverge(t *testing.T) {
	a := newEngine(t)
	b := newEngine(t)

	da, err := a.Propose("alice", ts(1, "alice"), map[string]crdt.Value{
		"visits": counterAdd("alice", 2),
	}, nil)
	require.NoError(t, err)

	db, err := b.Propose("bob", ts(1, "bob"), map[string]crdt.Value{
		"tags": crdt.NewUnorderedSet("blue"),
	}, nil)
	require.NoError(t, err)

	// Cross-apply: each delta lands on a replica whose state moved on.
	// The expected-root mismatch is ordinary concurrency, not divergence.
	_, err = a.Apply(db)
	require.NoError(t, err)
	_, err = b.Apply(da)
	require.NoError(t, err)

	assert.Equal(t, a.RootHash(), b.RootHash())
	assert.Equal(t, merge.Idle, a.Phase())
	assert.Equal(t, merge.Idle, b.Phase())
}

func TestEngine_ConcurrentSameFieldConverges(t *testing.T) {
	a := newEngine(t)
	b := newEngine(t)

	da, err := a.Propose("alice", ts(1, "alice"), map[string]crdt.Value{
		"visits": counterAdd("alice", 2),
	}, nil)
	require.NoError(t, err)
	db, err := b.Propose("bob", ts(1, "bob"), map[string]crdt.Value{
		"visits": counterAdd("bob", 5),
	}, nil)
	require.NoError(t, err)

	_, err = a.Apply(db)
	require.NoError(t, err)
	_, err = b.Apply(da)
	require.NoError(t, err)

	require.Equal(t, a.RootHash(), b.RootHash())

	v, ok := a.Read("visits")
	require.True(t, ok)
	assert.Equal(t, uint64(7), v.(*crdt.Counter).Value())
}

func TestEngine_DivergenceDetected(t *testing.T) {
	e := newEngine(t)

	visits := counterAdd("mallory", 1)
	encoded, err := crdt.Encode(visits)
	require.NoError(t, err)

	d := &dag.Delta{
		ContextID: "ctx-1",
		Author:    "mallory",
		Parents:   []types.Hash{e.RootHash()},
		Patches: map[string]dag.Patch{
			"visits": {Kind: crdt.KindCounter, Value: encoded},
		},
		Timestamp:    ts(1, "mallory"),
		ExpectedRoot: types.Hash{0xBA, 0xD0},
	}
	id, err := d.ComputeID()
	require.NoError(t, err)
	d.ID = id

	_, err = e.Apply(d)
	require.Error(t, err)
	assert.ErrorIs(t, err, merge.ErrContextDiverged)

	var divergence *merge.DivergenceError
	require.ErrorAs(t, err, &divergence)
	assert.Equal(t, d.ID, divergence.DeltaID)
	assert.Equal(t, merge.Diverged, e.Phase())

	// Everything after divergence is refused.
	_, err = e.Apply(d)
	assert.ErrorIs(t, err, merge.ErrContextDiverged)
	_, err = e.Propose("alice", ts(2, "alice"), map[string]crdt.Value{
		"visits": counterAdd("alice", 1),
	}, nil)
	assert.ErrorIs(t, err, merge.ErrContextDiverged)
}

func TestEngine_SchemaMismatchRejectsWholeDelta(t *testing.T) {
	e := newEngine(t)
	before := e.RootHash()

	bad, err := crdt.Encode(crdt.NewUnorderedSet("oops"))
	require.NoError(t, err)
	good, err := crdt.Encode(counterAdd("alice", 1))
	require.NoError(t, err)

	d := &dag.Delta{
		ContextID: "ctx-1",
		Author:    "alice",
		Parents:   []types.Hash{e.RootHash()},
		Patches: map[string]dag.Patch{
			"visits": {Kind: crdt.KindCounter, Value: good},
			"tags":   {Kind: crdt.KindCounter, Value: good},
			"zz":     {Kind: crdt.KindUnorderedSet, Value: bad},
		},
		Timestamp: ts(1, "alice"),
	}
	id, err := d.ComputeID()
	require.NoError(t, err)
	d.ID = id

	_, err = e.Apply(d)
	require.Error(t, err)

	assert.Equal(t, before, e.RootHash(), "rejected delta must not change state")
	assert.False(t, e.History().IsApplied(d.ID))
	assert.Equal(t, merge.Idle, e.Phase())
}

func TestEngine_ApplyUnknownParentNeedsCatchUp(t *testing.T) {
	e := newEngine(t)

	d := &dag.Delta{
		ContextID: "ctx-1",
		Author:    "alice",
		Parents:   []types.Hash{{0x99}},
		Timestamp: ts(1, "alice"),
	}
	id, err := d.ComputeID()
	require.NoError(t, err)
	d.ID = id

	_, err = e.Apply(d)
	assert.ErrorIs(t, err, merge.ErrCatchUpRequired)
}

func TestEngine_AdoptVerifiedSnapshot(t *testing.T) {
	source := newEngine(t)
	_, err := source.Propose("alice", ts(1, "alice"), map[string]crdt.Value{
		"visits": counterAdd("alice", 9),
		"tags":   crdt.NewUnorderedSet("x"),
	}, nil)
	require.NoError(t, err)

	snap, err := source.Snapshot()
	require.NoError(t, err)

	joiner := newEngine(t)
	require.NoError(t, joiner.Adopt(snap, source.RootHash()))
	assert.Equal(t, source.RootHash(), joiner.RootHash())

	v, ok := joiner.Read("visits")
	require.True(t, ok)
	assert.Equal(t, uint64(9), v.(*crdt.Counter).Value())
}

func TestEngine_AdoptMergesIntoLocalState(t *testing.T) {
	donor := newEngine(t)
	_, err := donor.Propose("bob", ts(1, "bob"), map[string]crdt.Value{
		"visits": counterAdd("bob", 2),
		"tags":   crdt.NewUnorderedSet("remote"),
	}, nil)
	require.NoError(t, err)

	snap, err := donor.Snapshot()
	require.NoError(t, err)

	// The adopter holds an acknowledged write the donor never received.
	local := newEngine(t)
	_, err = local.Propose("alice", ts(2, "alice"), map[string]crdt.Value{
		"visits": counterAdd("alice", 5),
	}, nil)
	require.NoError(t, err)

	require.NoError(t, local.Adopt(snap, donor.RootHash()))

	v, ok := local.Read("visits")
	require.True(t, ok)
	assert.Equal(t, uint64(7), v.(*crdt.Counter).Value(),
		"adoption must not roll back the local write")

	tags, ok := local.Read("tags")
	require.True(t, ok)
	assert.Equal(t, []string{"remote"}, tags.(*crdt.UnorderedSet).Members())

	// The donor's root is part of local history, so deltas parented on
	// it apply; the current root reflects the merged state.
	assert.True(t, local.History().Incorporated(donor.RootHash()))
	assert.NotEqual(t, donor.RootHash(), local.RootHash())
}

func TestEngine_AdoptRejectsCorruptSnapshot(t *testing.T) {
	source := newEngine(t)
	_, err := source.Propose("alice", ts(1, "alice"), map[string]crdt.Value{
		"visits": counterAdd("alice", 9),
	}, nil)
	require.NoError(t, err)

	snap, err := source.Snapshot()
	require.NoError(t, err)

	joiner := newEngine(t)
	before := joiner.RootHash()

	err = joiner.Adopt(snap, types.Hash{0xDE, 0xAD})
	require.Error(t, err)
	assert.ErrorIs(t, err, merge.ErrSnapshotIntegrity)
	assert.Equal(t, before, joiner.RootHash(), "rejected snapshot must not change state")
}

func TestEngine_DeltaAfterAdoptApplies(t *testing.T) {
	source := newEngine(t)
	_, err := source.Propose("alice", ts(1, "alice"), map[string]crdt.Value{
		"visits": counterAdd("alice", 1),
	}, nil)
	require.NoError(t, err)

	snap, err := source.Snapshot()
	require.NoError(t, err)

	joiner := newEngine(t)
	require.NoError(t, joiner.Adopt(snap, source.RootHash()))

	next, err := source.Propose("alice", ts(2, "alice"), map[string]crdt.Value{
		"visits": counterAdd("alice", 1),
	}, nil)
	require.NoError(t, err)

	_, err = joiner.Apply(next)
	require.NoError(t, err)
	assert.Equal(t, source.RootHash(), joiner.RootHash())
}
