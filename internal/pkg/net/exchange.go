package net

import (
	"bufio"
	"context"

	cbor "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log"
	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/network"
	"github.com/pkg/errors"

	"github.com/timber-project/go-timber/internal/pkg/block"
	"github.com/timber-project/go-timber/internal/pkg/encoding"
	"github.com/timber-project/go-timber/internal/pkg/types"
)

var logExchange = logging.Logger("net.chainxchg")

func init() {
	cbor.RegisterCborType(ChainRequest{})
	cbor.RegisterCborType(ChainResponse{})
	cbor.RegisterCborType(TipSetBundle{})
}

// MaxTipSetsPerRequest is the protocol bound on tipsets served per exchange
// call; requests for more are truncated.
const MaxTipSetsPerRequest = 200

// Response status codes for the exchange protocol.
const (
	// StatusOK means the full requested range was returned.
	StatusOK = uint64(0)
	// StatusPartial means the chain was walked but ended early (the
	// server hit its own genesis or a gap).
	StatusPartial = uint64(101)
	// StatusNotFound means the start key is unknown to the server.
	StatusNotFound = uint64(201)
	// StatusBadRequest means the request was malformed.
	StatusBadRequest = uint64(203)
)

// ChainRequest asks a peer for `Count` tipsets of headers walking parent
// links from `Start`, optionally with the referenced message collections.
type ChainRequest struct {
	Start           block.TipSetKey
	Count           uint64
	IncludeMessages bool
}

// TipSetBundle carries one tipset's raw headers and, when requested, the
// message collections of each member in member order.
type TipSetBundle struct {
	Headers [][]byte

	SecpCollections [][]*types.SignedMessage
	BLSCollections  [][]*types.UnsignedMessage
}

// DecodeHeaders decodes and returns the bundle's headers, verifying that
// each decoded header re-serializes to the bytes received. A mismatch means
// the peer is speaking the protocol incorrectly.
func (b *TipSetBundle) DecodeHeaders() ([]*block.Block, error) {
	headers := make([]*block.Block, 0, len(b.Headers))
	for _, raw := range b.Headers {
		blk, err := block.DecodeBlock(raw)
		if err != nil {
			return nil, errors.Wrap(err, "undecodable header in bundle")
		}
		check, err := types.CidOfBytes(raw)
		if err != nil {
			return nil, err
		}
		if !blk.Cid().Equals(check) {
			return nil, errors.Errorf("header cid %s disagrees with payload hash %s", blk.Cid(), check)
		}
		headers = append(headers, blk)
	}
	return headers, nil
}

// ChainResponse is the server's answer: bundles ordered newest first.
type ChainResponse struct {
	Status  uint64
	Message string
	Bundles []TipSetBundle
}

// chainStateReader is the view of the chain the exchange server serves
// from.
type chainStateReader interface {
	GetTipSet(key block.TipSetKey) (block.TipSet, error)
}

// messageReader loads stored message collections.
type messageReader interface {
	LoadMessages(ctx context.Context, meta types.TxMeta) ([]*types.SignedMessage, []*types.UnsignedMessage, error)
}

// ExchangeServer answers ChainRequests from peers out of the local store.
type ExchangeServer struct {
	chain    chainStateReader
	messages messageReader
}

// NewExchangeServer builds a server over the given chain and message
// stores.
func NewExchangeServer(chain chainStateReader, messages messageReader) *ExchangeServer {
	return &ExchangeServer{chain: chain, messages: messages}
}

// Register installs the server's stream handler on the host.
func (s *ExchangeServer) Register(h host.Host) {
	h.SetStreamHandler(ChainExchangeProtocol, s.handleStream)
}

func (s *ExchangeServer) handleStream(stream network.Stream) {
	defer stream.Close() // nolint: errcheck

	ctx := context.Background()
	var req ChainRequest
	if err := readCbor(stream, &req); err != nil {
		logExchange.Debugf("malformed exchange request from %s: %s", stream.Conn().RemotePeer(), err)
		_ = writeCbor(stream, &ChainResponse{Status: StatusBadRequest, Message: err.Error()})
		return
	}

	resp := s.serve(ctx, &req)
	if err := writeCbor(stream, resp); err != nil {
		logExchange.Debugf("failed to write exchange response to %s: %s", stream.Conn().RemotePeer(), err)
	}
}

func (s *ExchangeServer) serve(ctx context.Context, req *ChainRequest) *ChainResponse {
	count := req.Count
	if count == 0 {
		return &ChainResponse{Status: StatusBadRequest, Message: "zero count"}
	}
	if count > MaxTipSetsPerRequest {
		count = MaxTipSetsPerRequest
	}

	key := req.Start
	var bundles []TipSetBundle
	for uint64(len(bundles)) < count {
		ts, err := s.chain.GetTipSet(key)
		if err != nil {
			if len(bundles) == 0 {
				return &ChainResponse{Status: StatusNotFound, Message: err.Error()}
			}
			return &ChainResponse{Status: StatusPartial, Bundles: bundles}
		}

		bundle := TipSetBundle{}
		for i := 0; i < ts.Len(); i++ {
			raw, err := ts.At(i).Serialize()
			if err != nil {
				return &ChainResponse{Status: StatusPartial, Bundles: bundles}
			}
			bundle.Headers = append(bundle.Headers, raw)
			if req.IncludeMessages {
				secp, bls, err := s.messages.LoadMessages(ctx, ts.At(i).Messages)
				if err != nil {
					return &ChainResponse{Status: StatusPartial, Bundles: bundles}
				}
				bundle.SecpCollections = append(bundle.SecpCollections, secp)
				bundle.BLSCollections = append(bundle.BLSCollections, bls)
			}
		}
		bundles = append(bundles, bundle)

		parents, err := ts.Parents()
		if err != nil || parents.Empty() {
			return &ChainResponse{Status: StatusPartial, Bundles: bundles}
		}
		key = parents
	}
	return &ChainResponse{Status: StatusOK, Bundles: bundles}
}

func readCbor(stream network.Stream, out interface{}) error {
	return cbor.DecodeReader(bufio.NewReader(stream), out)
}

func writeCbor(stream network.Stream, obj interface{}) error {
	raw, err := encoding.Encode(obj)
	if err != nil {
		return err
	}
	_, err = stream.Write(raw)
	return err
}
