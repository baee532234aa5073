// Package net implements the node's chain networking: the hello handshake,
// the header/message exchange protocol, block gossip and peer scoring.
package net

import (
	"fmt"

	"github.com/libp2p/go-libp2p-core/protocol"
)

// HelloProtocol is the protocol id of the head-announcement handshake.
const HelloProtocol = protocol.ID("/timber/hello/1.0.0")

// ChainExchangeProtocol is the protocol id of the header and message
// exchange protocol.
const ChainExchangeProtocol = protocol.ID("/timber/chainxchg/1.0.0")

// BlockTopic returns the network-scoped pubsub topic for block gossip.
func BlockTopic(networkName string) string {
	return fmt.Sprintf("/timber/blocks/%s", networkName)
}
