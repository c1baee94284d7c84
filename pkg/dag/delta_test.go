package dag_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synclave/synclave/pkg/clock"
	"github.com/synclave/synclave/pkg/dag"
	"github.com/synclave/synclave/pkg/types"
)

func testDelta(author string, parents ...types.Hash) *dag.Delta {
	return &dag.Delta{
		ContextID: "ctx-1",
		Author:    author,
		Parents:   parents,
		Patches: map[string]dag.Patch{
			"visits": {Kind: "counter", Value: json.RawMessage(`{"counts":{"a":1}}`)},
		},
		Timestamp:    clock.Timestamp{WallMicros: 10, Replica: author},
		ExpectedRoot: types.Hash{0xEE},
	}
}

func TestDelta_SealThenVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	d := testDelta("alice", types.Hash{0x01})
	require.NoError(t, d.Seal(priv))

	assert.False(t, d.ID.IsZero())
	assert.True(t, d.Verify(pub))
}

func TestDelta_VerifyRejectsTamperedContent(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	d := testDelta("alice", types.Hash{0x01})
	require.NoError(t, d.Seal(priv))

	d.Author = "mallory"
	assert.False(t, d.Verify(pub), "content change must invalidate the id")
}

func TestDelta_VerifyRejectsWrongKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	d := testDelta("alice", types.Hash{0x01})
	require.NoError(t, d.Seal(priv))

	assert.False(t, d.Verify(otherPub))
}

func TestDelta_VerifyRejectsUnsigned(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	d := testDelta("alice", types.Hash{0x01})
	id, err := d.ComputeID()
	require.NoError(t, err)
	d.ID = id

	assert.False(t, d.Verify(pub))
}

func TestDelta_IDDeterministic(t *testing.T) {
	a := testDelta("alice", types.Hash{0x01})
	b := testDelta("alice", types.Hash{0x01})

	ida, err := a.ComputeID()
	require.NoError(t, err)
	idb, err := b.ComputeID()
	require.NoError(t, err)
	assert.Equal(t, ida, idb)

	c := testDelta("alice", types.Hash{0x02})
	idc, err := c.ComputeID()
	require.NoError(t, err)
	assert.NotEqual(t, ida, idc)
}

func TestDelta_EncodeDecodeKeepsVerifiability(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	d := testDelta("alice", types.Hash{0x01})
	require.NoError(t, d.Seal(priv))

	raw, err := d.Encode()
	require.NoError(t, err)

	back, err := dag.DecodeDelta(raw)
	require.NoError(t, err)
	assert.Equal(t, d.ID, back.ID)
	assert.True(t, back.Verify(pub))
}
