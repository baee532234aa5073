package block

import (
	"fmt"

	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/pkg/errors"

	"github.com/timber-project/go-timber/internal/pkg/address"
	"github.com/timber-project/go-timber/internal/pkg/encoding"
	"github.com/timber-project/go-timber/internal/pkg/types"
)

func init() {
	cbor.RegisterCborType(Block{})
}

// Block is a block header in the chain. A header is immutable once
// constructed; its CID is the hash of its canonical serialization.
type Block struct {
	// Miner is the address of the miner actor that mined this block.
	Miner address.Address `json:"miner"`

	// Ticket is the winning ticket that was submitted with this block.
	Ticket Ticket `json:"ticket"`

	// ElectionProof is the miner's claim to leadership for this epoch.
	ElectionProof ElectionProof `json:"electionProof"`

	// BeaconEntries are the new rounds of the randomness beacon anchored
	// by this block, in round order.
	BeaconEntries []BeaconEntry `json:"beaconEntries"`

	// Parents is the set of parent blocks this block was mined on.
	Parents TipSetKey `json:"parents"`

	// ParentWeight is the aggregate chain weight of the parent tipset.
	ParentWeight types.Uint64 `json:"parentWeight"`

	// Height is the chain epoch of this block.
	Height types.Uint64 `json:"height"`

	// StateRoot is the CID of the state tree after application of the
	// parent tipset's messages.
	StateRoot cid.Cid `json:"stateRoot"`

	// MessageReceipts is the CID of the receipt collection produced by
	// applying the parent tipset's messages.
	MessageReceipts cid.Cid `json:"messageReceipts"`

	// Messages references the secp and bls message collections carried by
	// this block.
	Messages types.TxMeta `json:"messages"`

	// BLSAggregateSig aggregates the signatures of all bls messages in
	// the block.
	BLSAggregateSig types.Signature `json:"blsAggregateSig"`

	// Timestamp is the block's claimed creation time, in seconds since
	// the Unix epoch.
	Timestamp types.Uint64 `json:"timestamp"`

	// BlockSig is the miner worker key's signature over the rest of the
	// header.
	BlockSig types.Signature `json:"blocksig"`
}

// Cid returns the content id of this block.
func (b *Block) Cid() cid.Cid {
	c, err := b.cid()
	if err != nil {
		// Cid computation only fails on an unserializable header, which
		// cannot be built through this package's constructors.
		panic(err)
	}
	return c
}

func (b *Block) cid() (cid.Cid, error) {
	raw, err := b.Serialize()
	if err != nil {
		return cid.Undef, err
	}
	return types.CidOfBytes(raw)
}

// Serialize returns the canonical serialization of the header.
func (b *Block) Serialize() ([]byte, error) {
	raw, err := encoding.Encode(b)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode block header")
	}
	return raw, nil
}

// SignatureData returns the bytes the block signature commits to: the
// canonical serialization of the header with an empty BlockSig.
func (b *Block) SignatureData() ([]byte, error) {
	unsigned := *b
	unsigned.BlockSig = nil
	return encoding.Encode(&unsigned)
}

// DecodeBlock decodes a header from its canonical serialization.
func DecodeBlock(raw []byte) (*Block, error) {
	var b Block
	if err := encoding.Decode(raw, &b); err != nil {
		return nil, errors.Wrap(err, "failed to decode block header")
	}
	return &b, nil
}

// Equals checks two headers for CID equality.
func (b *Block) Equals(other *Block) bool {
	return b.Cid().Equals(other.Cid())
}

func (b *Block) String() string {
	return fmt.Sprintf("block %s (height %d)", b.Cid().String(), b.Height)
}
