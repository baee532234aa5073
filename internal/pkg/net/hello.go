package net

import (
	"context"

	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log"
	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"

	"github.com/timber-project/go-timber/internal/pkg/block"
	"github.com/timber-project/go-timber/internal/pkg/metrics"
)

var logHello = logging.Logger("net.hello")

var helloMsgErrCt = metrics.NewInt64Counter("hello_message_error", "Number of errors encountered in hello protocol")
var genesisErrCt = metrics.NewInt64Counter("hello_genesis_error", "Number of errors encountered in hello protocol due to incorrect genesis block")

func init() {
	cbor.RegisterCborType(HelloMessage{})
}

// HelloMessage is the data a node announces on connect: its genesis and its
// current head claim.
type HelloMessage struct {
	HeadKey    block.TipSetKey
	HeadHeight uint64
	HeadWeight uint64
	GenesisCid cid.Cid
}

// helloCallback is invoked with the remote peer's chain claim after a
// successful handshake.
type helloCallback func(ci *block.ChainInfo)

// headGetter reads the local chain head claim to announce.
type headGetter func() (HelloMessage, error)

// HelloHandler implements the hello protocol: on every new connection the
// node announces its head and learns the remote's. Peers on a different
// genesis are rejected.
type HelloHandler struct {
	host    host.Host
	genesis cid.Cid

	getHead  headGetter
	callback helloCallback
}

// NewHelloHandler creates and registers the hello protocol on the host.
// `onChain` receives the chain claim of every peer whose genesis matches.
func NewHelloHandler(h host.Host, genesis cid.Cid, getHead headGetter, onChain helloCallback) *HelloHandler {
	handler := &HelloHandler{
		host:     h,
		genesis:  genesis,
		getHead:  getHead,
		callback: onChain,
	}
	h.SetStreamHandler(HelloProtocol, handler.handleNewStream)
	h.Network().Notify((*helloNotify)(handler))
	return handler
}

// handleNewStream answers an inbound hello with the local claim.
func (h *HelloHandler) handleNewStream(s network.Stream) {
	defer s.Close() // nolint: errcheck
	ctx := context.Background()

	from := s.Conn().RemotePeer()
	var hello HelloMessage
	if err := readCbor(s, &hello); err != nil {
		helloMsgErrCt.Inc(ctx, 1)
		logHello.Debugf("bad hello message from peer %s: %s", from.Pretty(), err)
		return
	}
	if err := h.processHello(&hello, from); err != nil {
		logHello.Debugf("rejecting hello from %s: %s", from.Pretty(), err)
		// The remote speaks a different chain; drop the connection.
		_ = s.Conn().Close()
		return
	}

	local, err := h.getHead()
	if err != nil {
		logHello.Errorf("cannot read local head for hello: %s", err)
		return
	}
	if err := writeCbor(s, &local); err != nil {
		logHello.Debugf("failed to answer hello from %s: %s", from.Pretty(), err)
	}
}

// sayHello initiates the handshake on an outbound connection.
func (h *HelloHandler) sayHello(ctx context.Context, p peer.ID) error {
	s, err := h.host.NewStream(ctx, p, HelloProtocol)
	if err != nil {
		return err
	}
	defer s.Close() // nolint: errcheck

	local, err := h.getHead()
	if err != nil {
		return err
	}
	if err := writeCbor(s, &local); err != nil {
		return err
	}
	var hello HelloMessage
	if err := readCbor(s, &hello); err != nil {
		return err
	}
	return h.processHello(&hello, p)
}

// ErrBadGenesis is the error returned when a peer announces a different
// genesis block.
var ErrBadGenesis = errors.New("bad genesis block")

func (h *HelloHandler) processHello(msg *HelloMessage, from peer.ID) error {
	if !msg.GenesisCid.Equals(h.genesis) {
		genesisErrCt.Inc(context.Background(), 1)
		return ErrBadGenesis
	}
	h.callback(block.NewChainInfo(from, msg.HeadKey, msg.HeadHeight, msg.HeadWeight))
	return nil
}

// helloNotify initiates a hello on every new connection.
type helloNotify HelloHandler

func (hn *helloNotify) hello() *HelloHandler { return (*HelloHandler)(hn) }

// Connected is called when a connection opened.
func (hn *helloNotify) Connected(n network.Network, c network.Conn) {
	go func() {
		p := c.RemotePeer()
		if err := hn.hello().sayHello(context.Background(), p); err != nil {
			logHello.Debugf("hello to %s failed: %s", p.Pretty(), err)
		}
	}()
}

// Disconnected is called when a connection closed.
func (hn *helloNotify) Disconnected(network.Network, network.Conn) {}

// Listen is part of the network notifiee interface.
func (hn *helloNotify) Listen(n network.Network, a ma.Multiaddr) {}

// ListenClose is part of the network notifiee interface.
func (hn *helloNotify) ListenClose(n network.Network, a ma.Multiaddr) {}

// OpenedStream is part of the network notifiee interface.
func (hn *helloNotify) OpenedStream(n network.Network, s network.Stream) {}

// ClosedStream is part of the network notifiee interface.
func (hn *helloNotify) ClosedStream(n network.Network, s network.Stream) {}
