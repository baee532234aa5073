package types

import (
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	mh "github.com/multiformats/go-multihash"

	"github.com/timber-project/go-timber/internal/pkg/encoding"
)

// Uint64 is the chain's unsigned integer scalar, used for heights, weights
// and timestamps.
type Uint64 uint64

// Signature is an opaque signature over canonical bytes. Its interpretation
// (secp256k1 vs BLS) is determined by the signer's address protocol.
type Signature []byte

// DefaultHashFunction is the multihash used to derive CIDs of canonical
// serializations throughout the chain.
const DefaultHashFunction = mh.BLAKE2B_MIN + 31

// DefaultCidPrefix is the prefix of every CID the node creates.
var DefaultCidPrefix = cid.Prefix{
	Version:  1,
	Codec:    cid.DagCBOR,
	MhType:   DefaultHashFunction,
	MhLength: -1,
}

// CidOf computes the canonical CID of any registered cbor type.
func CidOf(obj interface{}) (cid.Cid, error) {
	raw, err := encoding.Encode(obj)
	if err != nil {
		return cid.Undef, err
	}
	return CidOfBytes(raw)
}

// CidOfBytes computes the canonical CID of an already-serialized object.
func CidOfBytes(raw []byte) (cid.Cid, error) {
	return DefaultCidPrefix.Sum(raw)
}

// EmptyMessagesCID is the CID of an empty message collection.
var EmptyMessagesCID cid.Cid

// EmptyReceiptsCID is the CID of an empty receipt collection.
var EmptyReceiptsCID cid.Cid

// EmptyTxMetaCID is the CID of a TxMeta referencing empty collections.
var EmptyTxMetaCID cid.Cid

func init() {
	cbor.RegisterCborType(TxMeta{})

	var err error
	EmptyMessagesCID, err = CidOf([]*SignedMessage{})
	if err != nil {
		panic(err)
	}
	EmptyReceiptsCID, err = CidOf([]*MessageReceipt{})
	if err != nil {
		panic(err)
	}
	EmptyTxMetaCID, err = CidOf(TxMeta{SecpRoot: EmptyMessagesCID, BLSRoot: EmptyMessagesCID})
	if err != nil {
		panic(err)
	}
}

// TxMeta tracks the merkleroots of both secp and bls message collections
// referenced from a block header.
type TxMeta struct {
	SecpRoot cid.Cid `json:"secpRoot"`
	BLSRoot  cid.Cid `json:"blsRoot"`
}

// Cid returns the canonical CID of the TxMeta.
func (tm TxMeta) Cid() (cid.Cid, error) {
	return CidOf(tm)
}
