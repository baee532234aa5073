package net_test

import (
	"context"
	"sync"
	"testing"
	"time"

	ds "github.com/ipfs/go-datastore"
	syncds "github.com/ipfs/go-datastore/sync"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timber-project/go-timber/internal/pkg/address"
	"github.com/timber-project/go-timber/internal/pkg/block"
	"github.com/timber-project/go-timber/internal/pkg/chain"
	"github.com/timber-project/go-timber/internal/pkg/clock"
	"github.com/timber-project/go-timber/internal/pkg/net"
	tf "github.com/timber-project/go-timber/internal/pkg/testhelpers/testflags"
)

// fakeExchange scripts the outcome of successive exchange requests.
type fakeExchange struct {
	mu       sync.Mutex
	calls    int
	outcomes []func(req *net.ChainRequest) (*net.ChainResponse, error)
}

func (f *fakeExchange) SendRequest(ctx context.Context, p peer.ID, req *net.ChainRequest) (*net.ChainResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	outcome := f.outcomes[len(f.outcomes)-1]
	if f.calls < len(f.outcomes) {
		outcome = f.outcomes[f.calls]
	}
	f.calls++
	return outcome(req)
}

// respondFromBuilder serves bundles for the requested range out of a chain
// builder, like a well-behaved peer. Message collections are attached only
// when the request asks for them.
func respondFromBuilder(t *testing.T, builder *chain.Builder) func(req *net.ChainRequest) (*net.ChainResponse, error) {
	return func(req *net.ChainRequest) (*net.ChainResponse, error) {
		key := req.Start
		var bundles []net.TipSetBundle
		for uint64(len(bundles)) < req.Count {
			ts, err := builder.GetTipSet(key)
			if err != nil {
				return &net.ChainResponse{Status: net.StatusNotFound, Message: err.Error()}, nil
			}
			bundle := net.TipSetBundle{}
			for i := 0; i < ts.Len(); i++ {
				raw, err := ts.At(i).Serialize()
				require.NoError(t, err)
				bundle.Headers = append(bundle.Headers, raw)
				if req.IncludeMessages {
					secp, bls, err := builder.LoadMessages(context.Background(), ts.At(i).Messages)
					require.NoError(t, err)
					bundle.SecpCollections = append(bundle.SecpCollections, secp)
					bundle.BLSCollections = append(bundle.BLSCollections, bls)
				}
			}
			bundles = append(bundles, bundle)
			key, err = ts.Parents()
			require.NoError(t, err)
			if key.Empty() {
				return &net.ChainResponse{Status: net.StatusPartial, Bundles: bundles}, nil
			}
		}
		return &net.ChainResponse{Status: net.StatusOK, Bundles: bundles}, nil
	}
}

type fetcherFixture struct {
	builder  *chain.Builder
	exchange *fakeExchange
	tracker  *net.PeerTracker
	fetcher  *net.ChainFetcher
	clock    clock.Clock
}

func newFetcherFixture(t *testing.T, fclock clock.Clock, outcomes ...func(req *net.ChainRequest) (*net.ChainResponse, error)) *fetcherFixture {
	builder := chain.NewBuilder(t, address.Undef)
	exchange := &fakeExchange{outcomes: outcomes}
	tracker := net.NewPeerTracker(peer.ID("self"))

	messages := chain.NewMessageStore(blockstore.NewBlockstore(syncds.MutexWrap(ds.NewMapDatastore())))
	fetcher := net.NewChainFetcher(exchange, tracker, messages, fclock, 10, 2, time.Second)
	return &fetcherFixture{
		builder:  builder,
		exchange: exchange,
		tracker:  tracker,
		fetcher:  fetcher,
		clock:    fclock,
	}
}

func stopAtGenesis(ts block.TipSet) (bool, error) {
	parents, err := ts.Parents()
	if err != nil {
		return true, err
	}
	return parents.Empty(), nil
}

func TestFetcherWalksChain(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	fix := newFetcherFixture(t, clock.NewSystemClock())
	fix.exchange.outcomes = []func(req *net.ChainRequest) (*net.ChainResponse, error){
		respondFromBuilder(t, fix.builder),
	}

	genesis := fix.builder.NewGenesis()
	head := fix.builder.AppendManyOn(25, genesis)

	tips, err := fix.fetcher.FetchTipSets(ctx, head.Key(), peer.ID("serving-peer"), stopAtGenesis)
	require.NoError(t, err)
	// Traversal order, newest first, down to genesis.
	require.Len(t, tips, 26)
	assert.True(t, tips[0].Key().Equals(head.Key()))
	assert.True(t, tips[25].Key().Equals(genesis.Key()))
}

func TestFetcherRetriesWithBackoff(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	fclock := clock.NewFakeClock(time.Unix(1234567890, 0))
	fix := newFetcherFixture(t, fclock)

	genesis := fix.builder.NewGenesis()
	head := fix.builder.AppendManyOn(2, genesis)

	// The only peer times out twice, then recovers.
	timeout := func(req *net.ChainRequest) (*net.ChainResponse, error) {
		return nil, errors.New("request timed out")
	}
	fix.exchange.outcomes = []func(req *net.ChainRequest) (*net.ChainResponse, error){
		timeout,
		timeout,
		respondFromBuilder(t, fix.builder),
	}

	type result struct {
		tips []block.TipSet
		err  error
	}
	done := make(chan result)
	go func() {
		tips, err := fix.fetcher.FetchTipSets(ctx, head.Key(), peer.ID("flaky-peer"), stopAtGenesis)
		done <- result{tips, err}
	}()

	// First failure: the fetcher backs off ~1s before retrying.
	fclock.BlockUntil(1)
	fclock.Advance(2 * time.Second)
	// Second failure: ~2s backoff.
	fclock.BlockUntil(1)
	fclock.Advance(3 * time.Second)

	res := <-done
	require.NoError(t, res.err)
	assert.Len(t, res.tips, 3)
	// Three header attempts, then the window's two message segments.
	assert.Equal(t, 5, fix.exchange.calls)
}

func TestFetcherSurfacesMessageUnavailable(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	fix := newFetcherFixture(t, clock.NewSystemClock())
	genesis := fix.builder.NewGenesis()
	head := fix.builder.AppendManyOn(2, genesis)

	// Headers are served fine, but every request for message collections
	// fails: the chain must park, not invalidate.
	honest := respondFromBuilder(t, fix.builder)
	noMessages := func(req *net.ChainRequest) (*net.ChainResponse, error) {
		if req.IncludeMessages {
			return nil, errors.New("collections lost")
		}
		return honest(req)
	}
	fix.exchange.outcomes = []func(req *net.ChainRequest) (*net.ChainResponse, error){noMessages}
	fix.fetcher.SetBackoffPolicy(net.BackoffPolicy{Base: time.Millisecond, Cap: 10 * time.Millisecond, MaxAttempts: 3})

	_, err := fix.fetcher.FetchTipSets(ctx, head.Key(), peer.ID("forgetful-peer"), stopAtGenesis)
	require.Error(t, err)
	assert.Equal(t, net.ErrMessageUnavailable, errors.Cause(err))
}

func TestFetcherRejectsTamperedResponse(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	fix := newFetcherFixture(t, clock.NewSystemClock())
	genesis := fix.builder.NewGenesis()
	head := fix.builder.AppendManyOn(1, genesis)

	honest := respondFromBuilder(t, fix.builder)
	tampered := func(req *net.ChainRequest) (*net.ChainResponse, error) {
		resp, err := honest(req)
		if err != nil || len(resp.Bundles) == 0 {
			return resp, err
		}
		// Flip a byte in a served header so its payload no longer
		// matches its cid.
		raw := resp.Bundles[0].Headers[0]
		raw[len(raw)-1] ^= 0xff
		return resp, nil
	}
	fix.exchange.outcomes = []func(req *net.ChainRequest) (*net.ChainResponse, error){tampered}
	fix.fetcher.SetBackoffPolicy(net.BackoffPolicy{Base: time.Millisecond, Cap: 10 * time.Millisecond, MaxAttempts: 2})

	badPeer := peer.ID("lying-peer")
	fix.tracker.Track(block.NewChainInfo(badPeer, head.Key(), 1, 20))

	_, err := fix.fetcher.FetchTipSets(ctx, head.Key(), badPeer, stopAtGenesis)
	require.Error(t, err)

	// The whole response was discarded and the peer heavily penalized:
	// enough rounds of failure trim it entirely.
	assert.True(t, fix.exchange.calls >= 1)
	assert.Equal(t, 0, fix.tracker.Count())
}
