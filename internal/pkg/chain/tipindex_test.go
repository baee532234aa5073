package chain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timber-project/go-timber/internal/pkg/address"
	"github.com/timber-project/go-timber/internal/pkg/chain"
	tf "github.com/timber-project/go-timber/internal/pkg/testhelpers/testflags"
	"github.com/timber-project/go-timber/internal/pkg/types"
)

func TestTipIndexStatusForwardOnly(t *testing.T) {
	tf.UnitTest(t)

	builder := chain.NewBuilder(t, address.Undef)
	genesis := builder.NewGenesis()
	ts := builder.AppendOn(genesis, 1)

	idx := chain.NewTipIndex()
	require.NoError(t, idx.Put(&chain.TipSetMetadata{TipSet: ts, Status: chain.StatusHeadersOnly}))
	assert.Equal(t, chain.StatusHeadersOnly, idx.Status(ts.Key()))

	// A duplicate insert at a lower status does not demote the entry.
	require.NoError(t, idx.Put(&chain.TipSetMetadata{TipSet: ts, Status: chain.StatusMessagesFetched}))
	require.NoError(t, idx.Put(&chain.TipSetMetadata{TipSet: ts, Status: chain.StatusHeadersOnly}))
	assert.Equal(t, chain.StatusMessagesFetched, idx.Status(ts.Key()))

	stateRoot := types.CidFromString(t, "state")
	receiptRoot := types.CidFromString(t, "receipts")
	require.NoError(t, idx.MarkValidated(ts.Key(), stateRoot, receiptRoot, 42))
	assert.Equal(t, chain.StatusValidated, idx.Status(ts.Key()))
	meta := idx.Get(ts.Key())
	require.NotNil(t, meta)
	assert.Equal(t, uint64(42), meta.Weight)
	assert.True(t, meta.TipSetStateRoot.Equals(stateRoot))

	// Validated entries cannot be invalidated.
	assert.Error(t, idx.MarkInvalid(ts.Key(), "nope"))
}

func TestTipIndexInvalidIsTerminal(t *testing.T) {
	tf.UnitTest(t)

	builder := chain.NewBuilder(t, address.Undef)
	genesis := builder.NewGenesis()
	ts := builder.AppendOn(genesis, 1)

	idx := chain.NewTipIndex()
	require.NoError(t, idx.Put(&chain.TipSetMetadata{TipSet: ts, Status: chain.StatusHeadersOnly}))
	require.NoError(t, idx.MarkInvalid(ts.Key(), "BadSignature"))
	assert.Equal(t, chain.StatusInvalid, idx.Status(ts.Key()))
	assert.Equal(t, "BadSignature", idx.Get(ts.Key()).InvalidReason)

	// No promotion out of invalid, by any path.
	assert.Error(t, idx.MarkValidated(ts.Key(), types.CidFromString(t, "state"), types.CidFromString(t, "receipts"), 1))
	assert.Error(t, idx.Put(&chain.TipSetMetadata{TipSet: ts, Status: chain.StatusValidated}))
	assert.Equal(t, chain.StatusInvalid, idx.Status(ts.Key()))
}

func TestTipIndexByParentsAndHeight(t *testing.T) {
	tf.UnitTest(t)

	builder := chain.NewBuilder(t, address.Undef)
	genesis := builder.NewGenesis()
	a := builder.AppendOn(genesis, 1)
	b := builder.AppendOn(genesis, 2)

	idx := chain.NewTipIndex()
	require.NoError(t, idx.Put(&chain.TipSetMetadata{TipSet: a, Status: chain.StatusHeadersOnly}))
	require.NoError(t, idx.Put(&chain.TipSetMetadata{TipSet: b, Status: chain.StatusHeadersOnly}))

	assert.True(t, idx.HasByParentsAndHeight(genesis.Key(), 1))
	siblings := idx.GetByParentsAndHeight(genesis.Key(), 1)
	assert.Len(t, siblings, 2)
	assert.False(t, idx.HasByParentsAndHeight(genesis.Key(), 2))
}
