package block

import "github.com/timber-project/go-timber/internal/pkg/types"

// FullBlock carries a block header and the message collections referenced
// from the header.
type FullBlock struct {
	Header       *Block
	SecpMessages []*types.SignedMessage
	BLSMessages  []*types.UnsignedMessage
	Receipts     []*types.MessageReceipt
}

// NewFullBlock constructs a new full block.
func NewFullBlock(header *Block, secp []*types.SignedMessage, bls []*types.UnsignedMessage, rcpts []*types.MessageReceipt) *FullBlock {
	return &FullBlock{
		Header:       header,
		SecpMessages: secp,
		BLSMessages:  bls,
		Receipts:     rcpts,
	}
}
