package block

import (
	"fmt"

	"github.com/libp2p/go-libp2p-core/peer"
)

// ChainInfo is a peer's claim about the head of its chain: where the claim
// came from, the head key, and the claimed height and weight. ChainInfos
// are produced by hello handshakes and gossiped block propagation and feed
// the sync dispatcher.
type ChainInfo struct {
	Peer   peer.ID
	Head   TipSetKey
	Height uint64
	Weight uint64
}

// NewChainInfo creates a chain info from a peer id, a head tipset key, and
// the claimed height and weight.
func NewChainInfo(p peer.ID, head TipSetKey, height, weight uint64) *ChainInfo {
	return &ChainInfo{
		Peer:   p,
		Head:   head,
		Height: height,
		Weight: weight,
	}
}

// String returns a human-readable string representation of the chain info.
func (i *ChainInfo) String() string {
	return fmt.Sprintf("{peer:%s head:%s height:%d weight:%d}", i.Peer.Pretty(), i.Head, i.Height, i.Weight)
}
