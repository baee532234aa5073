package chain_test

import (
	"context"
	"testing"

	blocks "github.com/ipfs/go-block-format"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timber-project/go-timber/internal/pkg/address"
	"github.com/timber-project/go-timber/internal/pkg/block"
	"github.com/timber-project/go-timber/internal/pkg/chain"
	"github.com/timber-project/go-timber/internal/pkg/repo"
	tf "github.com/timber-project/go-timber/internal/pkg/testhelpers/testflags"
	"github.com/timber-project/go-timber/internal/pkg/types"
)

type storeFixture struct {
	builder *chain.Builder
	store   *chain.Store
	repo    repo.Repo
	bs      blockstore.Blockstore
	genesis block.TipSet
}

func newStoreFixture(t *testing.T) *storeFixture {
	ctx := context.Background()
	builder := chain.NewBuilder(t, address.Undef)
	genesis := builder.NewGenesis()

	rep := repo.NewInMemoryRepo()
	bs := blockstore.NewBlockstore(rep.Datastore())
	store := chain.NewStore(rep.ChainDatastore(), bs, genesis.At(0).Cid())
	requirePutValidated(t, builder, store, genesis)
	require.NoError(t, store.SetHead(ctx, genesis))
	return &storeFixture{builder: builder, store: store, repo: rep, bs: bs, genesis: genesis}
}

func requirePutValidated(t *testing.T, builder *chain.Builder, store *chain.Store, tips ...block.TipSet) {
	ctx := context.Background()
	for _, ts := range tips {
		record := builder.StateForKey(ts.Key())
		require.NoError(t, store.PutTipSetAndState(ctx, &chain.TipSetMetadata{
			TipSet:            ts,
			TipSetStateRoot:   record.StateRoot,
			TipSetReceiptRoot: record.ReceiptRoot,
			Weight:            record.Weight,
			Status:            chain.StatusValidated,
		}))
	}
}

func TestBlockStoreContentAddressing(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	bs := blockstore.NewBlockstore(repo.NewInMemoryRepo().Datastore())
	store := chain.NewBlockStore(bs)

	raw := []byte("some chain record")
	c, err := store.Put(ctx, raw)
	require.NoError(t, err)

	// The returned cid retrieves the identical bytes, and the cid is the
	// canonical hash of those bytes.
	got, err := store.Get(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
	expected, err := types.CidOfBytes(raw)
	require.NoError(t, err)
	assert.True(t, c.Equals(expected))

	// Put is idempotent.
	again, err := store.Put(ctx, raw)
	require.NoError(t, err)
	assert.True(t, c.Equals(again))

	// Missing records are not found.
	_, err = store.Get(ctx, types.CidFromString(t, "missing"))
	assert.Equal(t, chain.ErrNotFound, errors.Cause(err))

	has, err := store.Has(ctx, c)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestBlockStoreCorruptedRecord(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	bs := blockstore.NewBlockstore(repo.NewInMemoryRepo().Datastore())
	store := chain.NewBlockStore(bs)

	// Write bytes under a cid that is not their hash, simulating medium
	// corruption below the verifying store.
	wrongCid := types.CidFromString(t, "the wrong cid")
	corrupt, err := blocks.NewBlockWithCid([]byte("corrupted payload"), wrongCid)
	require.NoError(t, err)
	require.NoError(t, bs.Put(corrupt))

	_, err = store.Get(ctx, wrongCid)
	require.Error(t, err)
	assert.Equal(t, chain.ErrCorruptedRecord, errors.Cause(err))
}

func TestStoreHeadPersistsAcrossLoad(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	fix := newStoreFixture(t)

	// Build and validate a short chain, then move the head.
	tips := []block.TipSet{}
	head := fix.genesis
	for i := 0; i < 3; i++ {
		head = fix.builder.AppendOn(head, 1)
		tips = append(tips, head)
	}
	requirePutValidated(t, fix.builder, fix.store, tips...)
	require.NoError(t, fix.store.SetHead(ctx, head))

	// A fresh store over the same datastores recovers the head and the
	// validated statuses.
	reloaded := chain.NewStore(fix.repo.ChainDatastore(), fix.bs, fix.genesis.At(0).Cid())
	require.NoError(t, reloaded.Load(ctx))
	assert.True(t, reloaded.GetHead().Equals(head.Key()))
	for _, ts := range tips {
		assert.Equal(t, chain.StatusValidated, reloaded.Status(ts.Key()))
		stateRoot, err := reloaded.GetTipSetStateRoot(ts.Key())
		require.NoError(t, err)
		assert.True(t, stateRoot.Equals(fix.builder.StateForKey(ts.Key()).StateRoot))
	}
}

func TestStoreSetHeadRequiresValidation(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	fix := newStoreFixture(t)

	next := fix.builder.AppendOn(fix.genesis, 1)
	// Headers alone do not qualify as a head.
	require.NoError(t, fix.store.PutTipSetAndState(ctx, &chain.TipSetMetadata{
		TipSet: next,
		Status: chain.StatusHeadersOnly,
	}))
	err := fix.store.SetHead(ctx, next)
	require.Error(t, err)
	assert.Equal(t, chain.ErrNotValidated, errors.Cause(err))
	assert.True(t, fix.store.GetHead().Equals(fix.genesis.Key()))
}

func TestStoreHeadEventsCarryReorgDiff(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	fix := newStoreFixture(t)

	events := fix.store.HeadEvents().Sub(chain.NewHeadTopic)

	base := fix.builder.AppendOn(fix.genesis, 1)
	left := fix.builder.AppendOn(base, 1)
	right1 := fix.builder.AppendOn(base, 1)
	right2 := fix.builder.AppendOn(right1, 1)
	requirePutValidated(t, fix.builder, fix.store, base, left, right1, right2)

	require.NoError(t, fix.store.SetHead(ctx, left))
	change := (<-events).(*chain.HeadChange)
	assert.Empty(t, change.Reverted)
	assert.Len(t, change.Applied, 2)

	require.NoError(t, fix.store.SetHead(ctx, right2))
	change = (<-events).(*chain.HeadChange)
	require.Len(t, change.Reverted, 1)
	require.Len(t, change.Applied, 2)
	assert.True(t, change.Reverted[0].Equals(left))
	assert.True(t, change.Applied[0].Equals(right1))
	assert.True(t, change.Applied[1].Equals(right2))
}

func TestStoreCheckpointBlocksHeads(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	fix := newStoreFixture(t)

	base := fix.builder.AppendOn(fix.genesis, 1)
	main2 := fix.builder.AppendOn(base, 1)
	main3 := fix.builder.AppendOn(main2, 1)
	fork2 := fix.builder.AppendOn(base, 1)
	fork3 := fix.builder.AppendOn(fork2, 1)
	fork4 := fix.builder.AppendOn(fork3, 1)
	requirePutValidated(t, fix.builder, fix.store, base, main2, main3, fork2, fork3, fork4)

	require.NoError(t, fix.store.SetHead(ctx, main3))
	require.NoError(t, fix.store.SetCheckpoint(ctx, main2.Key()))

	// A head that does not descend from the checkpoint is refused, even
	// when heavier.
	err := fix.store.SetHead(ctx, fork4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checkpoint")
	assert.True(t, fix.store.GetHead().Equals(main3.Key()))

	// The checkpoint may not move backwards.
	err = fix.store.SetCheckpoint(ctx, base.Key())
	require.Error(t, err)
}
