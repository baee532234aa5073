package chain

import (
	"context"

	"github.com/ipfs/go-cid"
	bstore "github.com/ipfs/go-ipfs-blockstore"
	"github.com/pkg/errors"

	"github.com/timber-project/go-timber/internal/pkg/encoding"
	"github.com/timber-project/go-timber/internal/pkg/types"
)

// MessageStore stores and loads collections of signed messages, unsigned
// (bls) messages and receipts, addressed by collection CID. Collections
// referenced by more than one block are stored once.
type MessageStore struct {
	bs *BlockStore
}

// NewMessageStore creates and returns a new store over the given blockstore.
func NewMessageStore(bs bstore.Blockstore) *MessageStore {
	return &MessageStore{bs: NewBlockStore(bs)}
}

// StoreMessages puts the secp and bls message collections and returns the
// TxMeta referencing both.
func (ms *MessageStore) StoreMessages(ctx context.Context, secpMessages []*types.SignedMessage, blsMessages []*types.UnsignedMessage) (types.TxMeta, error) {
	secpRaw, err := encoding.Encode(secpMessages)
	if err != nil {
		return types.TxMeta{}, errors.Wrap(err, "could not encode secp messages")
	}
	secpRoot, err := ms.bs.Put(ctx, secpRaw)
	if err != nil {
		return types.TxMeta{}, err
	}

	blsRaw, err := encoding.Encode(blsMessages)
	if err != nil {
		return types.TxMeta{}, errors.Wrap(err, "could not encode bls messages")
	}
	blsRoot, err := ms.bs.Put(ctx, blsRaw)
	if err != nil {
		return types.TxMeta{}, err
	}

	return types.TxMeta{SecpRoot: secpRoot, BLSRoot: blsRoot}, nil
}

// LoadMessages loads the message collections referenced by a TxMeta.
func (ms *MessageStore) LoadMessages(ctx context.Context, meta types.TxMeta) ([]*types.SignedMessage, []*types.UnsignedMessage, error) {
	secpRaw, err := ms.bs.Get(ctx, meta.SecpRoot)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "could not load secp messages %s", meta.SecpRoot)
	}
	secpMessages := []*types.SignedMessage{}
	if err := encoding.Decode(secpRaw, &secpMessages); err != nil {
		return nil, nil, errors.Wrap(err, "could not decode secp messages")
	}

	blsRaw, err := ms.bs.Get(ctx, meta.BLSRoot)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "could not load bls messages %s", meta.BLSRoot)
	}
	blsMessages := []*types.UnsignedMessage{}
	if err := encoding.Decode(blsRaw, &blsMessages); err != nil {
		return nil, nil, errors.Wrap(err, "could not decode bls messages")
	}

	return secpMessages, blsMessages, nil
}

// StoreReceipts puts a receipt collection and returns its CID.
func (ms *MessageStore) StoreReceipts(ctx context.Context, receipts []*types.MessageReceipt) (cid.Cid, error) {
	raw, err := encoding.Encode(receipts)
	if err != nil {
		return cid.Undef, errors.Wrap(err, "could not encode receipts")
	}
	return ms.bs.Put(ctx, raw)
}

// LoadReceipts loads a receipt collection by CID.
func (ms *MessageStore) LoadReceipts(ctx context.Context, c cid.Cid) ([]*types.MessageReceipt, error) {
	raw, err := ms.bs.Get(ctx, c)
	if err != nil {
		return nil, errors.Wrapf(err, "could not load receipts %s", c)
	}
	receipts := []*types.MessageReceipt{}
	if err := encoding.Decode(raw, &receipts); err != nil {
		return nil, errors.Wrap(err, "could not decode receipts")
	}
	return receipts, nil
}

// Has indicates whether both collections of a TxMeta are stored.
func (ms *MessageStore) Has(ctx context.Context, meta types.TxMeta) (bool, error) {
	hasSecp, err := ms.bs.Has(ctx, meta.SecpRoot)
	if err != nil || !hasSecp {
		return false, err
	}
	return ms.bs.Has(ctx, meta.BLSRoot)
}
