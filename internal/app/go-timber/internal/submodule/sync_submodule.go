package submodule

import (
	"context"

	logging "github.com/ipfs/go-log"
	"github.com/pkg/errors"

	"github.com/timber-project/go-timber/internal/pkg/block"
	"github.com/timber-project/go-timber/internal/pkg/chainsync"
	"github.com/timber-project/go-timber/internal/pkg/clock"
	"github.com/timber-project/go-timber/internal/pkg/config"
	"github.com/timber-project/go-timber/internal/pkg/consensus"
	"github.com/timber-project/go-timber/internal/pkg/journal"
	"github.com/timber-project/go-timber/internal/pkg/net"
)

var logSyncSubmodule = logging.Logger("submodule.sync")

// gossipBufferSize bounds the buffered gossip feed; on overflow the oldest
// entries are dropped.
const gossipBufferSize = 64

// SyncSubmodule enhances the node with chain syncing: the fetcher, the
// syncer, the dispatcher and the gossip plumbing that feeds it.
type SyncSubmodule struct {
	Syncer     *chainsync.Syncer
	Dispatcher *chainsync.Dispatcher

	Fetcher        *net.ChainFetcher
	HelloHandler   *net.HelloHandler
	BlockSub       *net.BlockSub
	ExchangeServer *net.ExchangeServer
}

// SyncDependencies names what the sync submodule needs from its siblings
// and from consensus.
type SyncDependencies struct {
	Network   *NetworkSubmodule
	Chain     *ChainSubmodule
	Validator *consensus.TipSetValidator
	Clock     clock.Clock
	Journal   journal.Journal
	Config    *config.Config
}

// NewSyncSubmodule wires the sync pipeline together: hello and gossip feed
// the dispatcher, which drives the syncer over the fetcher.
func NewSyncSubmodule(ctx context.Context, deps SyncDependencies) (SyncSubmodule, error) {
	cfg := deps.Config.Sync

	fetcher := net.NewChainFetcher(
		net.NewHostExchangeClient(deps.Network.Host),
		deps.Network.PeerTracker,
		deps.Chain.MessageStore,
		deps.Clock,
		cfg.HeaderFetchWindow,
		cfg.PeerFanout,
		cfg.RequestTimeout,
	)

	syncer := chainsync.NewSyncer(
		deps.Validator,
		deps.Chain.ChainReader,
		deps.Chain.MessageStore,
		fetcher,
		deps.Network.PeerTracker,
		deps.Chain.StatusReporter,
		deps.Clock,
		deps.Journal.Topic("chainsync"),
		cfg.FinalityDepth,
		cfg.SyncParallelism,
		cfg.TipSetValidationTimeout,
	)
	dispatcher := chainsync.NewDispatcher(syncer)

	// Serve our chain to peers over the exchange protocol.
	server := net.NewExchangeServer(deps.Chain.ChainReader, deps.Chain.MessageStore)
	server.Register(deps.Network.Host)

	// The hello handshake announces our head and feeds remote claims to
	// the dispatcher and the peer tracker.
	genesis := deps.Chain.ChainReader.GenesisCid()
	helloHandler := net.NewHelloHandler(deps.Network.Host, genesis,
		func() (net.HelloMessage, error) {
			headKey := deps.Chain.ChainReader.GetHead()
			height, err := deps.Chain.ChainReader.HeightOf(headKey)
			if err != nil {
				return net.HelloMessage{}, err
			}
			weight, err := deps.Chain.ChainReader.WeightOf(headKey)
			if err != nil {
				return net.HelloMessage{}, err
			}
			return net.HelloMessage{
				HeadKey:    headKey,
				HeadHeight: height,
				HeadWeight: weight,
				GenesisCid: genesis,
			}, nil
		},
		func(ci *block.ChainInfo) {
			deps.Network.PeerTracker.Track(ci)
			if err := dispatcher.ReceiveHello(ci); err != nil {
				logSyncSubmodule.Errorf("failed to dispatch hello from %s: %s", ci.Peer, err)
			}
		})

	return SyncSubmodule{
		Syncer:         syncer,
		Dispatcher:     dispatcher,
		Fetcher:        fetcher,
		HelloHandler:   helloHandler,
		ExchangeServer: server,
	}, nil
}

// Start launches the dispatcher and joins block gossip.
func (ss *SyncSubmodule) Start(ctx context.Context, network *NetworkSubmodule, networkName string, syntaxValidator consensus.BlockSyntaxValidator) error {
	ss.Dispatcher.Start(ctx)

	topicName := net.BlockTopic(networkName)
	validator, opts := net.BlockTopicValidator(syntaxValidator)
	if err := network.Pubsub().RegisterTopicValidator(topicName, validator, opts...); err != nil {
		return errors.Wrap(err, "failed to register block topic validator")
	}
	sub, err := network.Pubsub().Subscribe(topicName)
	if err != nil {
		return errors.Wrap(err, "failed to subscribe block topic")
	}
	ss.BlockSub = net.NewBlockSub(ctx, sub, gossipBufferSize)

	go ss.consumeGossip(ctx, network)
	return nil
}

// consumeGossip turns gossiped headers into dispatcher targets.
func (ss *SyncSubmodule) consumeGossip(ctx context.Context, network *NetworkSubmodule) {
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-ss.BlockSub.Ch():
			if !ok {
				return
			}
			header := entry.Header
			// The gossiped head's exact weight needs the parent state,
			// which is only known after sync; claim the lower bound
			// (parent weight plus one block's fixed contribution). A head
			// heavier than ours only through its power term can still be
			// dropped by the syncer's weight gate.
			claimedWeight := uint64(header.ParentWeight) + consensus.ECV
			ci := block.NewChainInfo(entry.Source, block.NewTipSetKey(header.Cid()), uint64(header.Height), claimedWeight)
			network.PeerTracker.Track(ci)
			if err := ss.Dispatcher.ReceiveGossipBlock(ci); err != nil {
				logSyncSubmodule.Errorf("failed to dispatch gossiped block %s: %s", header.Cid(), err)
			}
		}
	}
}
