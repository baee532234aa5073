package chainsync_test

import (
	"context"
	"testing"
	"time"

	blockstore "github.com/ipfs/go-ipfs-blockstore"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timber-project/go-timber/internal/pkg/address"
	"github.com/timber-project/go-timber/internal/pkg/block"
	"github.com/timber-project/go-timber/internal/pkg/chain"
	"github.com/timber-project/go-timber/internal/pkg/chainsync"
	"github.com/timber-project/go-timber/internal/pkg/clock"
	"github.com/timber-project/go-timber/internal/pkg/consensus"
	"github.com/timber-project/go-timber/internal/pkg/journal"
	"github.com/timber-project/go-timber/internal/pkg/repo"
	tf "github.com/timber-project/go-timber/internal/pkg/testhelpers/testflags"
)

const testPeer = peer.ID("test-peer")

// fakeScorer records score adjustments.
type fakeScorer struct {
	scored map[peer.ID]int
}

func (s *fakeScorer) Score(p peer.ID, delta int) {
	if s.scored == nil {
		s.scored = make(map[peer.ID]int)
	}
	s.scored[p] += delta
}

// syncTester wires a syncer over a chain builder acting as the network.
type syncTester struct {
	t       *testing.T
	builder *chain.Builder
	store   *chain.Store
	genesis block.TipSet
	syncer  *chainsync.Syncer
	scorer  *fakeScorer
	events  chan interface{}
}

func newSyncTester(t *testing.T, finalityDepth uint64) *syncTester {
	ctx := context.Background()
	builder := chain.NewBuilder(t, address.Undef)
	genesis := builder.NewGenesis()

	rep := repo.NewInMemoryRepo()
	bs := blockstore.NewBlockstore(rep.Datastore())
	store := chain.NewStore(rep.ChainDatastore(), bs, genesis.At(0).Cid())

	genRecord := builder.StateForKey(genesis.Key())
	require.NoError(t, store.PutTipSetAndState(ctx, &chain.TipSetMetadata{
		TipSet:            genesis,
		TipSetStateRoot:   genRecord.StateRoot,
		TipSetReceiptRoot: genRecord.ReceiptRoot,
		Weight:            genRecord.Weight,
		Status:            chain.StatusValidated,
	}))
	require.NoError(t, store.SetHead(ctx, genesis))

	// The fake clock sits far past every built timestamp so no block is
	// ever "from the future".
	fclock := clock.NewFakeClock(time.Unix(1234567890, 0).Add(1000 * time.Hour))
	blockValidator := consensus.NewDefaultBlockValidator(30*time.Second, 2*time.Second, fclock)
	selector := consensus.NewChainSelector(&consensus.FakePowerTableView{})
	validator := consensus.NewTipSetValidator(
		blockValidator,
		consensus.FakeWorkerView{},
		consensus.FakeSignatureValidator{},
		consensus.FakeElectionValidator{},
		consensus.FakeBeaconVerifier{},
		&chain.FakeStateEvaluator{},
		selector,
	)

	scorer := &fakeScorer{}
	syncer := chainsync.NewSyncer(validator, store, builder, builder, scorer,
		chain.NewStatusReporter(), fclock, journal.NewNoopJournal().Topic("sync"),
		finalityDepth, 1, 0)

	return &syncTester{
		t:       t,
		builder: builder,
		store:   store,
		genesis: genesis,
		syncer:  syncer,
		scorer:  scorer,
		events:  store.HeadEvents().Sub(chain.NewHeadTopic),
	}
}

// chainInfo derives the candidate claim for a built tipset.
func (st *syncTester) chainInfo(ts block.TipSet) *block.ChainInfo {
	height, err := ts.Height()
	require.NoError(st.t, err)
	return block.NewChainInfo(testPeer, ts.Key(), height, st.builder.StateForKey(ts.Key()).Weight)
}

// drainEvents collects the head changes published so far.
func (st *syncTester) drainEvents() []*chain.HeadChange {
	var out []*chain.HeadChange
	for {
		select {
		case raw := <-st.events:
			out = append(out, raw.(*chain.HeadChange))
		case <-time.After(100 * time.Millisecond):
			return out
		}
	}
}

func TestSyncerLinearFastForward(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	st := newSyncTester(t, 0)

	head := st.builder.AppendManyOn(10, st.genesis)
	require.NoError(t, st.syncer.HandleNewTipSet(ctx, st.chainInfo(head), true))

	assert.True(t, st.store.GetHead().Equals(head.Key()))

	events := st.drainEvents()
	assert.Len(t, events, 10)
	for _, change := range events {
		assert.Empty(t, change.Reverted)
		assert.Len(t, change.Applied, 1)
		newWeight, err := st.store.WeightOf(change.New.Key())
		require.NoError(t, err)
		oldWeight, err := st.store.WeightOf(change.Old.Key())
		require.NoError(t, err)
		assert.True(t, newWeight > oldWeight)
	}
}

func TestSyncerReorgWithinFinality(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	st := newSyncTester(t, 0)

	base := st.builder.AppendManyOn(3, st.genesis)
	left := st.builder.AppendManyOn(5, base)
	require.NoError(t, st.syncer.HandleNewTipSet(ctx, st.chainInfo(left), true))
	require.True(t, st.store.GetHead().Equals(left.Key()))
	_ = st.drainEvents()

	// A heavier fork from the same base wins the head.
	right := st.builder.AppendManyOn(6, base)
	require.NoError(t, st.syncer.HandleNewTipSet(ctx, st.chainInfo(right), true))
	assert.True(t, st.store.GetHead().Equals(right.Key()))

	events := st.drainEvents()
	require.NotEmpty(t, events)
	reorg := events[len(events)-1]
	assert.True(t, reorg.Old.Equals(st.builder.RequireTipSet(left.Key())))
	assert.True(t, reorg.New.Equals(right))
	assert.Len(t, reorg.Reverted, 5)
	assert.Len(t, reorg.Applied, 6)
	// Both lists are ordered oldest first.
	h0, err := reorg.Reverted[0].Height()
	require.NoError(t, err)
	hLast, err := reorg.Reverted[len(reorg.Reverted)-1].Height()
	require.NoError(t, err)
	assert.True(t, h0 < hLast)
}

func TestSyncerReorgCrossingFinality(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	st := newSyncTester(t, 3)

	// Sync ten tipsets; the checkpoint then trails the head by three.
	var mid block.TipSet
	head := st.genesis
	for i := 0; i < 10; i++ {
		head = st.builder.AppendOn(head, 1)
		if i == 4 {
			mid = head
		}
	}
	require.NoError(t, st.syncer.HandleNewTipSet(ctx, st.chainInfo(head), true))
	require.False(t, st.store.Checkpoint().Empty())

	// A heavier fork diverging below the checkpoint is refused.
	fork := st.builder.AppendManyOn(20, mid)
	err := st.syncer.HandleNewTipSet(ctx, st.chainInfo(fork), true)
	assert.Equal(t, chainsync.ErrViolatesFinality, err)
	assert.True(t, st.store.GetHead().Equals(head.Key()))
	assert.True(t, st.scorer.scored[testPeer] < 0)
}

func TestSyncerInvalidSignature(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	st := newSyncTester(t, 0)

	bad := st.builder.BuildOneOn(st.genesis, func(bb *chain.BlockBuilder) {
		bb.SetBlockSig([]byte("junk"))
	})
	err := st.syncer.HandleNewTipSet(ctx, st.chainInfo(bad), true)
	require.Error(t, err)
	inv := consensus.AsInvalid(err)
	require.NotNil(t, inv)
	assert.Equal(t, consensus.ReasonBadSignature, inv.Reason)

	assert.Equal(t, chain.StatusInvalid, st.store.Status(bad.Key()))
	assert.True(t, st.store.GetHead().Equals(st.genesis.Key()))
	assert.True(t, st.scorer.scored[testPeer] < 0)
	assert.Empty(t, st.drainEvents())

	// The bad chain is cached; resubmission is rejected immediately.
	err = st.syncer.HandleNewTipSet(ctx, st.chainInfo(bad), true)
	assert.Equal(t, chainsync.ErrChainHasBadTipSet, err)
}

func TestSyncerEqualWeightConvergence(t *testing.T) {
	tf.UnitTest(t)

	// Two equal-weight forks submitted in either order must settle on the
	// same head: submission order cannot influence selection. The builder
	// is deterministic, so heads from independent runs are comparable.
	run := func(flip bool) block.TipSetKey {
		ctx := context.Background()
		st := newSyncTester(t, 0)
		base := st.builder.AppendOn(st.genesis, 1)
		forkA := st.builder.AppendManyOn(2, base)
		forkB := st.builder.AppendManyOn(2, base)
		first, second := forkA, forkB
		if flip {
			first, second = forkB, forkA
		}
		require.NoError(t, st.syncer.HandleNewTipSet(ctx, st.chainInfo(first), true))
		require.NoError(t, st.syncer.HandleNewTipSet(ctx, st.chainInfo(second), true))
		return st.store.GetHead()
	}

	headAB := run(false)
	headBA := run(true)
	assert.True(t, headAB.Equals(headBA))
}

func TestSyncerGossipIdempotence(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	st := newSyncTester(t, 0)

	head := st.builder.AppendManyOn(2, st.genesis)
	require.NoError(t, st.syncer.HandleNewTipSet(ctx, st.chainInfo(head), false))
	first := st.drainEvents()
	require.NotEmpty(t, first)

	// The same candidate again produces no further head changes.
	require.NoError(t, st.syncer.HandleNewTipSet(ctx, st.chainInfo(head), false))
	assert.Empty(t, st.drainEvents())
}

func TestSyncerDropsLighterCandidates(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	st := newSyncTester(t, 0)

	heavy := st.builder.AppendManyOn(5, st.genesis)
	require.NoError(t, st.syncer.HandleNewTipSet(ctx, st.chainInfo(heavy), true))

	// A lighter fork is dropped without validation.
	light := st.builder.AppendManyOn(2, st.genesis)
	require.NoError(t, st.syncer.HandleNewTipSet(ctx, st.chainInfo(light), true))
	assert.True(t, st.store.GetHead().Equals(heavy.Key()))
	assert.NotEqual(t, chain.StatusValidated, st.store.Status(light.Key()))
}

func TestSyncerWidensHead(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	st := newSyncTester(t, 0)

	// Two sibling blocks at the same height arrive separately; the head
	// becomes their union.
	forkA := st.builder.AppendOn(st.genesis, 1)
	require.NoError(t, st.syncer.HandleNewTipSet(ctx, st.chainInfo(forkA), true))

	forkB := st.builder.AppendOn(st.genesis, 1)
	require.NoError(t, st.syncer.HandleNewTipSet(ctx, st.chainInfo(forkB), true))

	headKey := st.store.GetHead()
	head, err := st.store.GetTipSet(headKey)
	require.NoError(t, err)
	assert.Equal(t, 2, head.Len())
	assert.True(t, headKey.ContainsAll(forkA.Key()))
	assert.True(t, headKey.ContainsAll(forkB.Key()))
}

func TestSyncerCancellation(t *testing.T) {
	tf.UnitTest(t)
	st := newSyncTester(t, 0)

	head := st.builder.AppendManyOn(3, st.genesis)
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	err := st.syncer.HandleNewTipSet(cancelled, st.chainInfo(head), true)
	require.Error(t, err)
	assert.True(t, st.store.GetHead().Equals(st.genesis.Key()))

	// The cancelled attempt released its validation slot: a fresh sync
	// of the same chain completes.
	require.NoError(t, st.syncer.HandleNewTipSet(context.Background(), st.chainInfo(head), true))
	assert.True(t, st.store.GetHead().Equals(head.Key()))
}
