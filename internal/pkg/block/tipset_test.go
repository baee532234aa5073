package block_test

import (
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timber-project/go-timber/internal/pkg/block"
	tf "github.com/timber-project/go-timber/internal/pkg/testhelpers/testflags"
	"github.com/timber-project/go-timber/internal/pkg/types"
)

func mkBlock(t *testing.T, height types.Uint64, parents block.TipSetKey, ticket byte) *block.Block {
	return &block.Block{
		Ticket:    block.Ticket{VRFProof: []byte{ticket}},
		Height:    height,
		Parents:   parents,
		StateRoot: types.CidFromString(t, "state"),
	}
}

func TestTipSetInvariants(t *testing.T) {
	tf.UnitTest(t)

	parents := block.NewTipSetKey(types.CidFromString(t, "parent"))

	t.Run("rejects empty set", func(t *testing.T) {
		_, err := block.NewTipSet()
		assert.Error(t, err)
	})

	t.Run("rejects mismatched heights", func(t *testing.T) {
		_, err := block.NewTipSet(mkBlock(t, 3, parents, 1), mkBlock(t, 4, parents, 2))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "height")
	})

	t.Run("rejects mismatched parents", func(t *testing.T) {
		other := block.NewTipSetKey(types.CidFromString(t, "other"))
		_, err := block.NewTipSet(mkBlock(t, 3, parents, 1), mkBlock(t, 3, other, 2))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "parents")
	})

	t.Run("rejects duplicate members", func(t *testing.T) {
		b := mkBlock(t, 3, parents, 1)
		_, err := block.NewTipSet(b, b)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate")
	})

	t.Run("rejects mismatched state roots", func(t *testing.T) {
		a := mkBlock(t, 3, parents, 1)
		b := mkBlock(t, 3, parents, 2)
		b.StateRoot = types.CidFromString(t, "other state")
		_, err := block.NewTipSet(a, b)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "state root")
	})
}

func TestTipSetCanonicalOrder(t *testing.T) {
	tf.UnitTest(t)

	parents := block.NewTipSetKey(types.CidFromString(t, "parent"))
	b1 := mkBlock(t, 5, parents, 3)
	b2 := mkBlock(t, 5, parents, 1)
	b3 := mkBlock(t, 5, parents, 2)

	// Member order and key are independent of construction order.
	ts1, err := block.NewTipSet(b1, b2, b3)
	require.NoError(t, err)
	ts2, err := block.NewTipSet(b3, b1, b2)
	require.NoError(t, err)

	assert.True(t, ts1.Equals(ts2))
	assert.Equal(t, b2.Cid(), ts1.At(0).Cid())
	assert.Equal(t, b3.Cid(), ts1.At(1).Cid())
	assert.Equal(t, b1.Cid(), ts1.At(2).Cid())

	// The key is the sorted member CIDs.
	var fromMembers []cid.Cid
	for i := 0; i < ts1.Len(); i++ {
		fromMembers = append(fromMembers, ts1.At(i).Cid())
	}
	assert.True(t, ts1.Key().Equals(block.NewTipSetKey(fromMembers...)))

	minTicket, err := ts1.MinTicket()
	require.NoError(t, err)
	assert.Equal(t, block.VRFPi([]byte{1}), minTicket.VRFProof)
}

func TestTipSetKeyOrdering(t *testing.T) {
	tf.UnitTest(t)

	c1 := types.CidFromString(t, "1")
	c2 := types.CidFromString(t, "2")

	// Construction order does not matter.
	assert.True(t, block.NewTipSetKey(c1, c2).Equals(block.NewTipSetKey(c2, c1)))
	// Duplicates collapse.
	assert.Equal(t, 1, block.NewTipSetKey(c1, c1).Len())
	// Less is a total order.
	a, b := block.NewTipSetKey(c1), block.NewTipSetKey(c2)
	assert.NotEqual(t, a.Less(b), b.Less(a))
	// A key contains every CID of its subsets, but not the reverse.
	assert.True(t, block.NewTipSetKey(c1, c2).ContainsAll(a))
	assert.False(t, a.ContainsAll(block.NewTipSetKey(c1, c2)))
}

func TestBlockRoundTrip(t *testing.T) {
	tf.UnitTest(t)

	parents := block.NewTipSetKey(types.CidFromString(t, "parent"))
	b := mkBlock(t, 5, parents, 9)
	b.Timestamp = 1234567890

	raw, err := b.Serialize()
	require.NoError(t, err)
	decoded, err := block.DecodeBlock(raw)
	require.NoError(t, err)
	assert.True(t, b.Equals(decoded))

	// Signature data excludes the signature itself.
	unsigned, err := b.SignatureData()
	require.NoError(t, err)
	b.BlockSig = []byte("signature")
	signed, err := b.SignatureData()
	require.NoError(t, err)
	assert.Equal(t, unsigned, signed)
}
