package crdt_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synclave/synclave/pkg/clock"
	"github.com/synclave/synclave/pkg/crdt"
)

func ts(wall uint64, replica string) clock.Timestamp {
	return clock.Timestamp{WallMicros: wall, Replica: replica}
}

// mergeAll folds values left to right.
func mergeAll(t *testing.T, values ...crdt.Value) crdt.Value {
	t.Helper()
	acc := values[0].Clone()
	for _, v := range values[1:] {
		merged, err := acc.Merge(v)
		require.NoError(t, err)
		acc = merged
	}
	return acc
}

func TestCounter_SumAcrossReplicas(t *testing.T) {
	c := crdt.NewCounter()
	c.Add("a", 3)
	c.Add("b", 4)
	c.Increment("a")

	assert.Equal(t, uint64(8), c.Value())
}

func TestCounter_MergeTakesPerReplicaMax(t *testing.T) {
	a := crdt.NewCounter()
	a.Add("a", 5)
	a.Add("b", 1)

	b := crdt.NewCounter()
	b.Add("a", 2)
	b.Add("b", 7)

	merged := mergeAll(t, a, b).(*crdt.Counter)
	assert.Equal(t, uint64(12), merged.Value())
}

func TestCounter_MergeLaws(t *testing.T) {
	a := crdt.NewCounter()
	a.Add("a", 5)
	b := crdt.NewCounter()
	b.Add("b", 3)
	c := crdt.NewCounter()
	c.Add("a", 2)
	c.Add("c", 9)

	ab := mergeAll(t, a, b, c).(*crdt.Counter)
	ba := mergeAll(t, c, b, a).(*crdt.Counter)
	assert.Equal(t, ab.Value(), ba.Value(), "merge must commute")

	again := mergeAll(t, ab, ab).(*crdt.Counter)
	assert.Equal(t, ab.Value(), again.Value(), "merge must be idempotent")
}

func TestLWWRegister_LaterTimestampWins(t *testing.T) {
	a := crdt.NewLWWRegister()
	require.NoError(t, a.Set("old", ts(1, "a")))

	b := crdt.NewLWWRegister()
	require.NoError(t, b.Set("new", ts(2, "b")))

	merged := mergeAll(t, a, b).(*crdt.LWWRegister)
	var got string
	ok, err := merged.Get(&got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", got)

	// Same result regardless of merge order.
	merged = mergeAll(t, b, a).(*crdt.LWWRegister)
	ok, err = merged.Get(&got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", got)
}

func TestLWWRegister_ReplicaBreaksTimestampTie(t *testing.T) {
	a := crdt.NewLWWRegister()
	require.NoError(t, a.Set("from-a", ts(5, "a")))

	b := crdt.NewLWWRegister()
	require.NoError(t, b.Set("from-b", ts(5, "b")))

	var got1, got2 string
	m1 := mergeAll(t, a, b).(*crdt.LWWRegister)
	_, err := m1.Get(&got1)
	require.NoError(t, err)
	m2 := mergeAll(t, b, a).(*crdt.LWWRegister)
	_, err = m2.Get(&got2)
	require.NoError(t, err)

	assert.Equal(t, got1, got2, "tie-break must not depend on merge order")
	assert.Equal(t, "from-b", got1)
}

func TestUnorderedSet_MergeIsUnion(t *testing.T) {
	a := crdt.NewUnorderedSet("x", "y")
	b := crdt.NewUnorderedSet("y", "z")

	merged := mergeAll(t, a, b).(*crdt.UnorderedSet)
	assert.Equal(t, []string{"x", "y", "z"}, merged.Members())
}

func TestUnorderedMap_MergeRecursesIntoValues(t *testing.T) {
	a := crdt.NewUnorderedMap()
	ca := crdt.NewCounter()
	ca.Add("a", 2)
	a.Put("hits", ca)

	b := crdt.NewUnorderedMap()
	cb := crdt.NewCounter()
	cb.Add("b", 3)
	b.Put("hits", cb)
	b.Put("only-b", crdt.NewUnorderedSet("v"))

	merged := mergeAll(t, a, b).(*crdt.UnorderedMap)
	require.Equal(t, 2, merged.Len())

	hits, ok := merged.Get("hits")
	require.True(t, ok)
	assert.Equal(t, uint64(5), hits.(*crdt.Counter).Value())
}

func TestUnorderedMap_MergeRejectsKindConflict(t *testing.T) {
	a := crdt.NewUnorderedMap()
	a.Put("k", crdt.NewCounter())

	b := crdt.NewUnorderedMap()
	b.Put("k", crdt.NewUnorderedSet())

	_, err := a.Merge(b)
	require.Error(t, err)
	assert.ErrorIs(t, err, crdt.ErrSchemaMismatch)
}

func TestVector_AppendAndRemove(t *testing.T) {
	v := crdt.NewVector()
	reg := crdt.NewLWWRegister()
	require.NoError(t, reg.Set("one", ts(1, "a")))
	id1 := v.Append("a", reg)

	reg2 := crdt.NewLWWRegister()
	require.NoError(t, reg2.Set("two", ts(2, "a")))
	v.Append("a", reg2)

	require.Equal(t, 2, v.Len())
	require.True(t, v.Remove(id1))
	assert.Equal(t, 1, v.Len())

	_, ok := v.Get(id1)
	assert.False(t, ok, "removed element must not be visible")
}

func TestVector_TombstoneWinsOverConcurrentPresence(t *testing.T) {
	base := crdt.NewVector()
	reg := crdt.NewLWWRegister()
	require.NoError(t, reg.Set("v", ts(1, "a")))
	id := base.Append("a", reg)

	left := base.Clone().(*crdt.Vector)
	right := base.Clone().(*crdt.Vector)
	right.Remove(id)

	m1 := mergeAll(t, left, right).(*crdt.Vector)
	m2 := mergeAll(t, right, left).(*crdt.Vector)

	assert.Equal(t, 0, m1.Len())
	assert.Equal(t, 0, m2.Len())
}

func TestVector_ConcurrentAppendsBothSurvive(t *testing.T) {
	a := crdt.NewVector()
	regA := crdt.NewLWWRegister()
	require.NoError(t, regA.Set("from-a", ts(1, "a")))
	a.Append("a", regA)

	b := crdt.NewVector()
	regB := crdt.NewLWWRegister()
	require.NoError(t, regB.Set("from-b", ts(1, "b")))
	b.Append("b", regB)

	m1 := mergeAll(t, a, b).(*crdt.Vector)
	m2 := mergeAll(t, b, a).(*crdt.Vector)

	assert.Equal(t, 2, m1.Len())
	assert.Equal(t, m1.IDs(), m2.IDs())
}

func TestDecode_RoundTripsEveryKind(t *testing.T) {
	clk := clock.New("a")

	c := crdt.NewCounter()
	c.Add("a", 3)
	reg := crdt.NewLWWRegister()
	require.NoError(t, reg.Set(42, ts(9, "a")))
	s := crdt.NewUnorderedSet("m")
	m := crdt.NewUnorderedMap()
	m.Put("k", c.Clone())
	vec := crdt.NewVector()
	vec.Append("a", reg.Clone())
	doc := crdt.NewRGA()
	require.NoError(t, doc.InsertString(clk, 0, "hi"))

	for _, v := range []crdt.Value{c, reg, s, m, vec, doc} {
		data, err := crdt.Encode(v)
		require.NoError(t, err)

		back, err := crdt.Decode(v.Kind(), data)
		require.NoError(t, err, "kind %s", v.Kind())
		assert.Equal(t, v.Kind(), back.Kind())

		// Decoding must preserve merge identity: v merged with its own
		// decoded copy equals v.
		merged, err := v.Clone().Merge(back)
		require.NoError(t, err)
		reData, err := crdt.Encode(merged)
		require.NoError(t, err)
		orig, err := crdt.Encode(v)
		require.NoError(t, err)
		assert.JSONEq(t, string(orig), string(reData), "kind %s", v.Kind())
	}
}

func TestDecode_UnknownKind(t *testing.T) {
	_, err := crdt.Decode(crdt.Kind("bogus"), []byte("{}"))
	assert.ErrorIs(t, err, crdt.ErrUnknownKind)
}

func TestMergeLaws_RandomizedOrders(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	build := func() []crdt.Value {
		var vs []crdt.Value
		for i := 0; i < 5; i++ {
			s := crdt.NewUnorderedSet()
			for j := 0; j < 4; j++ {
				s.Add(string(rune('a' + rng.Intn(10))))
			}
			vs = append(vs, s)
		}
		return vs
	}

	vs := build()
	reference := mergeAll(t, vs...).(*crdt.UnorderedSet)

	for trial := 0; trial < 20; trial++ {
		shuffled := make([]crdt.Value, len(vs))
		copy(shuffled, vs)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		got := mergeAll(t, shuffled...).(*crdt.UnorderedSet)
		assert.Equal(t, reference.Members(), got.Members(), "trial %d", trial)
	}
}
