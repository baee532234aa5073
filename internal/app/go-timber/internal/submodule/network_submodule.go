package submodule

import (
	"context"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/peer"
	libp2pps "github.com/libp2p/go-libp2p-pubsub"
	"github.com/pkg/errors"

	"github.com/timber-project/go-timber/internal/pkg/net"
)

// NetworkSubmodule enhances the node with networking capabilities.
type NetworkSubmodule struct {
	NetworkName string

	Host host.Host

	// fsub is the pubsub router the gossip topics hang off.
	fsub *libp2pps.PubSub

	PeerTracker *net.PeerTracker
}

// NewNetworkSubmodule creates a new network submodule: a libp2p host, a
// gossipsub router and a peer tracker.
func NewNetworkSubmodule(ctx context.Context, networkName string, opts ...libp2p.Option) (NetworkSubmodule, error) {
	peerHost, err := libp2p.New(ctx, opts...)
	if err != nil {
		return NetworkSubmodule{}, errors.Wrap(err, "failed to build libp2p host")
	}

	// Set up the pubsub router for block gossip.
	fsub, err := libp2pps.NewGossipSub(ctx, peerHost)
	if err != nil {
		return NetworkSubmodule{}, errors.Wrap(err, "failed to set up network pubsub")
	}

	// A peer whose reputation falls below the tracker threshold is not
	// just deprioritized: it is dropped from tracking and its connection
	// closed.
	tracker := net.NewPeerTracker(peerHost.ID())
	tracker.SetTrimmedCallback(func(p peer.ID) {
		_ = peerHost.Network().ClosePeer(p)
	})

	return NetworkSubmodule{
		NetworkName: networkName,
		Host:        peerHost,
		fsub:        fsub,
		PeerTracker: tracker,
	}, nil
}

// Pubsub exposes the pubsub router to sibling submodules.
func (ns *NetworkSubmodule) Pubsub() *libp2pps.PubSub {
	return ns.fsub
}
