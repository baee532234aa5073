package chain

import (
	"context"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	bstore "github.com/ipfs/go-ipfs-blockstore"
	"github.com/pkg/errors"

	"github.com/timber-project/go-timber/internal/pkg/types"
)

// ErrCorruptedRecord is returned when bytes read from the block store hash
// to a different CID than the one requested. It is fatal: the sync loop must
// stop and wait for operator intervention.
var ErrCorruptedRecord = errors.New("block store returned bytes whose hash disagrees with the requested cid")

// ErrNotFound is returned when a block is absent from the store.
var ErrNotFound = errors.New("block not found")

// BlockStore is a content-addressed store of immutable chain records. Every
// read is re-hashed against the requested CID, so a caller never observes
// silently corrupted bytes.
type BlockStore struct {
	bs bstore.Blockstore
}

// NewBlockStore wraps a raw blockstore in a verifying store.
func NewBlockStore(bs bstore.Blockstore) *BlockStore {
	return &BlockStore{bs: bs}
}

// Put stores `raw` and returns the CID derived from its canonical hash.
// Put is idempotent.
func (s *BlockStore) Put(ctx context.Context, raw []byte) (cid.Cid, error) {
	c, err := types.CidOfBytes(raw)
	if err != nil {
		return cid.Undef, err
	}
	blk, err := blocks.NewBlockWithCid(raw, c)
	if err != nil {
		return cid.Undef, err
	}
	if err := s.bs.Put(blk); err != nil {
		return cid.Undef, errors.Wrap(err, "failed to put block")
	}
	return c, nil
}

// PutMany stores a batch of records, hashing each to derive its CID, and
// returns the CIDs in input order. The batch is atomic with respect to
// readers of the underlying datastore.
func (s *BlockStore) PutMany(ctx context.Context, raws [][]byte) ([]cid.Cid, error) {
	blks := make([]blocks.Block, 0, len(raws))
	cids := make([]cid.Cid, 0, len(raws))
	for _, raw := range raws {
		c, err := types.CidOfBytes(raw)
		if err != nil {
			return nil, err
		}
		blk, err := blocks.NewBlockWithCid(raw, c)
		if err != nil {
			return nil, err
		}
		blks = append(blks, blk)
		cids = append(cids, c)
	}
	if err := s.bs.PutMany(blks); err != nil {
		return nil, errors.Wrap(err, "failed to put block batch")
	}
	return cids, nil
}

// Get retrieves the bytes stored under `c`, verifying their hash.
func (s *BlockStore) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	blk, err := s.bs.Get(c)
	if err == bstore.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get block %s", c)
	}
	raw := blk.RawData()
	check, err := c.Prefix().Sum(raw)
	if err != nil {
		return nil, err
	}
	if !check.Equals(c) {
		return nil, errors.Wrapf(ErrCorruptedRecord, "requested %s, bytes hash to %s", c, check)
	}
	return raw, nil
}

// Has indicates whether the store holds a record for `c`.
func (s *BlockStore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	return s.bs.Has(c)
}
