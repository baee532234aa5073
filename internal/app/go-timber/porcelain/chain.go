// Package porcelain is the convenience API over the chain plumbing,
// consumed by the JSON-RPC layer.
package porcelain

import (
	"context"

	"github.com/cskr/pubsub"
	"github.com/ipfs/go-cid"

	"github.com/timber-project/go-timber/internal/pkg/block"
	"github.com/timber-project/go-timber/internal/pkg/chain"
	"github.com/timber-project/go-timber/internal/pkg/types"
)

type chainHeadPlumbing interface {
	ChainHeadKey() block.TipSetKey
	ChainTipSet(key block.TipSetKey) (block.TipSet, error)
}

// ChainHead gets the current head tipset from plumbing.
func ChainHead(plumbing chainHeadPlumbing) (block.TipSet, error) {
	return plumbing.ChainTipSet(plumbing.ChainHeadKey())
}

type fullBlockPlumbing interface {
	ChainGetBlock(context.Context, cid.Cid) (*block.Block, error)
	ChainGetMessages(context.Context, types.TxMeta) ([]*types.SignedMessage, []*types.UnsignedMessage, error)
}

// GetFullBlock returns a full block: header and messages.
func GetFullBlock(ctx context.Context, plumbing fullBlockPlumbing, id cid.Cid) (*block.FullBlock, error) {
	var out block.FullBlock
	var err error

	out.Header, err = plumbing.ChainGetBlock(ctx, id)
	if err != nil {
		return nil, err
	}

	out.SecpMessages, out.BLSMessages, err = plumbing.ChainGetMessages(ctx, out.Header.Messages)
	if err != nil {
		return nil, err
	}

	return &out, nil
}

type headEventsPlumbing interface {
	HeadEvents() *pubsub.PubSub
}

// HeadChanges subscribes to head updates, delivering each *chain.HeadChange
// on the returned channel until the context is done.
func HeadChanges(ctx context.Context, plumbing headEventsPlumbing) <-chan *chain.HeadChange {
	out := make(chan *chain.HeadChange)
	sub := plumbing.HeadEvents().Sub(chain.NewHeadTopic)
	go func() {
		defer plumbing.HeadEvents().Unsub(sub, chain.NewHeadTopic)
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-sub:
				if !ok {
					return
				}
				change, valid := raw.(*chain.HeadChange)
				if !valid {
					continue
				}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
