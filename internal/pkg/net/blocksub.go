package net

import (
	"context"

	logging "github.com/ipfs/go-log"
	"github.com/libp2p/go-libp2p-core/peer"
	libp2pps "github.com/libp2p/go-libp2p-pubsub"

	"github.com/timber-project/go-timber/internal/pkg/block"
	"github.com/timber-project/go-timber/internal/pkg/consensus"
	"github.com/timber-project/go-timber/internal/pkg/metrics"
)

var logBlockSub = logging.Logger("net.blocksub")

var blockSubDropCt = metrics.NewInt64Counter("blocksub_dropped", "Number of gossiped headers dropped from a full subscriber buffer")
var blockSubInvalidCt = metrics.NewInt64Counter("blocksub_invalid", "Number of gossiped headers rejected by the topic validator")

// GossipedBlock is one entry of the gossip feed: the propagating peer and
// the decoded header.
type GossipedBlock struct {
	Source peer.ID
	Header *block.Block
}

// BlockTopicValidator returns a pubsub validator for the block topic. It
// decodes the payload and runs the syntax checks before the message is
// relayed or delivered; blocks failing it never enter the mesh from this
// node.
func BlockTopicValidator(bv consensus.BlockSyntaxValidator, opts ...libp2pps.ValidatorOpt) (libp2pps.Validator, []libp2pps.ValidatorOpt) {
	return func(ctx context.Context, p peer.ID, msg *libp2pps.Message) bool {
		blk, err := block.DecodeBlock(msg.GetData())
		if err != nil {
			logBlockSub.Debugf("rejecting undecodable gossiped block from %s: %s", p.Pretty(), err)
			blockSubInvalidCt.Inc(ctx, 1)
			return false
		}
		if err := bv.ValidateSyntax(ctx, blk); err != nil {
			logBlockSub.Debugf("rejecting invalid gossiped block %s from %s: %s", blk.Cid(), p.Pretty(), err)
			blockSubInvalidCt.Inc(ctx, 1)
			return false
		}
		return true
	}, opts
}

// BlockSub adapts a pubsub subscription into a bounded channel of decoded
// headers. Delivery is best-effort: when the buffer is full the oldest
// entry is dropped and a counter incremented, so a stalled consumer slows
// nothing down.
type BlockSub struct {
	sub *libp2pps.Subscription
	out chan GossipedBlock
}

// NewBlockSub starts draining the subscription into a buffer of `size`
// entries. It consumes the subscription until `ctx` is done.
func NewBlockSub(ctx context.Context, sub *libp2pps.Subscription, size int) *BlockSub {
	bs := &BlockSub{
		sub: sub,
		out: make(chan GossipedBlock, size),
	}
	go bs.drain(ctx)
	return bs
}

// Ch returns the channel of gossiped headers.
func (bs *BlockSub) Ch() <-chan GossipedBlock {
	return bs.out
}

func (bs *BlockSub) drain(ctx context.Context) {
	defer close(bs.out)
	for {
		msg, err := bs.sub.Next(ctx)
		if err != nil {
			// Context cancelled or subscription closed.
			logBlockSub.Debugf("block subscription closed: %s", err)
			return
		}
		// The topic validator already checked the payload decodes.
		blk, err := block.DecodeBlock(msg.GetData())
		if err != nil {
			continue
		}
		entry := GossipedBlock{Source: msg.GetFrom(), Header: blk}
		select {
		case bs.out <- entry:
		default:
			// Full: drop the oldest entry to make room.
			select {
			case <-bs.out:
				blockSubDropCt.Inc(ctx, 1)
			default:
			}
			select {
			case bs.out <- entry:
			default:
			}
		}
	}
}
