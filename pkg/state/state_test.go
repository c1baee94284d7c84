package state_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synclave/synclave/pkg/crdt"
	"github.com/synclave/synclave/pkg/state"
)

func testSchema() *state.Schema {
	return state.MustSchema(
		state.FieldSpec{Name: "visits", Kind: crdt.KindCounter},
		state.FieldSpec{Name: "tags", Kind: crdt.KindUnorderedSet},
		state.FieldSpec{Name: "scratch", Kind: crdt.KindCounter, Private: true},
	)
}

func TestNewSchema_RejectsDuplicates(t *testing.T) {
	_, err := state.NewSchema(
		state.FieldSpec{Name: "x", Kind: crdt.KindCounter},
		state.FieldSpec{Name: "x", Kind: crdt.KindUnorderedSet},
	)
	require.Error(t, err)
}

func TestRoot_MergeFieldRejectsKindMismatch(t *testing.T) {
	root, err := state.NewRoot(testSchema())
	require.NoError(t, err)

	before, err := root.Hash()
	require.NoError(t, err)

	err = root.MergeField("visits", crdt.NewUnorderedSet("nope"))
	require.Error(t, err)
	assert.ErrorIs(t, err, crdt.ErrSchemaMismatch)

	after, err := root.Hash()
	require.NoError(t, err)
	assert.Equal(t, before, after, "rejected merge must not change state")
}

func TestRoot_HashIndependentOfMergeOrder(t *testing.T) {
	deltaA := crdt.NewCounter()
	deltaA.Add("a", 2)
	deltaB := crdt.NewCounter()
	deltaB.Add("b", 5)
	tagsA := crdt.NewUnorderedSet("red")
	tagsB := crdt.NewUnorderedSet("blue")

	first, err := state.NewRoot(testSchema())
	require.NoError(t, err)
	require.NoError(t, first.MergeField("visits", deltaA))
	require.NoError(t, first.MergeField("tags", tagsA))
	require.NoError(t, first.MergeField("visits", deltaB))
	require.NoError(t, first.MergeField("tags", tagsB))

	second, err := state.NewRoot(testSchema())
	require.NoError(t, err)
	require.NoError(t, second.MergeField("tags", tagsB.Clone()))
	require.NoError(t, second.MergeField("visits", deltaB.Clone()))
	require.NoError(t, second.MergeField("tags", tagsA.Clone()))
	require.NoError(t, second.MergeField("visits", deltaA.Clone()))

	h1, err := first.Hash()
	require.NoError(t, err)
	h2, err := second.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestRoot_PrivateFieldsExcludedFromHash(t *testing.T) {
	root, err := state.NewRoot(testSchema())
	require.NoError(t, err)

	before, err := root.Hash()
	require.NoError(t, err)

	local := crdt.NewCounter()
	local.Add("me", 99)
	require.NoError(t, root.MergeField("scratch", local))

	after, err := root.Hash()
	require.NoError(t, err)
	assert.Equal(t, before, after, "private fields must not affect the root hash")
}

func TestSnapshot_RoundTripPreservesHash(t *testing.T) {
	root, err := state.NewRoot(testSchema())
	require.NoError(t, err)

	visits := crdt.NewCounter()
	visits.Add("a", 7)
	require.NoError(t, root.MergeField("visits", visits))
	require.NoError(t, root.MergeField("tags", crdt.NewUnorderedSet("x", "y")))

	snap, err := root.Snapshot()
	require.NoError(t, err)

	restored, err := state.FromSnapshot(testSchema(), snap)
	require.NoError(t, err)

	h1, err := root.Hash()
	require.NoError(t, err)
	h2, err := restored.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	v, ok := restored.Get("visits")
	require.True(t, ok)
	assert.Equal(t, uint64(7), v.(*crdt.Counter).Value())
}

func TestSnapshot_ExcludesPrivateFields(t *testing.T) {
	root, err := state.NewRoot(testSchema())
	require.NoError(t, err)

	secret := crdt.NewCounter()
	secret.Add("me", 1)
	require.NoError(t, root.MergeField("scratch", secret))

	snap, err := root.Snapshot()
	require.NoError(t, err)
	assert.NotContains(t, string(snap), "scratch")
}

func TestFromSnapshot_RejectsUnknownField(t *testing.T) {
	_, err := state.FromSnapshot(testSchema(), []byte(`{"bogus":{"kind":"counter","value":{"counts":{}}}}`))
	require.Error(t, err)
}
