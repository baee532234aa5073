package block

import (
	"sort"

	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"
)

// UndefTipSet is the undefined tipset. Callers check Defined() before use.
var UndefTipSet = TipSet{}

// TipSet is a set of one or more blocks at the same height sharing the same
// parent key. Members are canonically ordered by ticket, then CID. TipSets
// are immutable once constructed.
type TipSet struct {
	blocks []*Block
	key    TipSetKey
}

// NewTipSet builds a tipset from blocks, enforcing the tipset invariants:
// the set is non-empty and all members agree on height, parent key, parent
// weight and parent state root.
func NewTipSet(blocks ...*Block) (TipSet, error) {
	if len(blocks) == 0 {
		return UndefTipSet, errors.New("no blocks for tipset")
	}

	first := blocks[0]
	for _, blk := range blocks[1:] {
		if blk.Height != first.Height {
			return UndefTipSet, errors.Errorf("inconsistent block heights %d and %d", first.Height, blk.Height)
		}
		if !blk.Parents.Equals(first.Parents) {
			return UndefTipSet, errors.Errorf("inconsistent block parents %s and %s", first.Parents, blk.Parents)
		}
		if blk.ParentWeight != first.ParentWeight {
			return UndefTipSet, errors.Errorf("inconsistent block parent weights %d and %d", first.ParentWeight, blk.ParentWeight)
		}
		if !blk.StateRoot.Equals(first.StateRoot) {
			return UndefTipSet, errors.Errorf("inconsistent block state roots %s and %s", first.StateRoot, blk.StateRoot)
		}
	}

	// Canonical order: by ticket, breaking ties by CID.
	sorted := make([]*Block, len(blocks))
	copy(sorted, blocks)
	sort.Slice(sorted, func(i, j int) bool {
		cmp := sorted[i].Ticket.Compare(sorted[j].Ticket)
		if cmp == 0 {
			return cidLess(sorted[i].Cid(), sorted[j].Cid())
		}
		return cmp < 0
	})

	cids := make([]cid.Cid, len(sorted))
	for i, blk := range sorted {
		cids[i] = blk.Cid()
		if i > 0 && cids[i].Equals(cids[i-1]) {
			return UndefTipSet, errors.Errorf("duplicate block %s in tipset", cids[i])
		}
	}

	return TipSet{blocks: sorted, key: NewTipSetKey(cids...)}, nil
}

// Defined returns true when the tipset is non-empty.
func (ts TipSet) Defined() bool {
	return len(ts.blocks) > 0
}

// Len returns the number of member blocks.
func (ts TipSet) Len() int {
	return len(ts.blocks)
}

// At returns the i'th member in canonical order.
func (ts TipSet) At(i int) *Block {
	return ts.blocks[i]
}

// ToSlice returns an ordered copy of the member blocks.
func (ts TipSet) ToSlice() []*Block {
	out := make([]*Block, len(ts.blocks))
	copy(out, ts.blocks)
	return out
}

// Key returns the tipset's key: the sorted CIDs of its members.
func (ts TipSet) Key() TipSetKey {
	return ts.key
}

// Height returns the height of the tipset.
func (ts TipSet) Height() (uint64, error) {
	if !ts.Defined() {
		return 0, errors.New("height of undefined tipset")
	}
	return uint64(ts.blocks[0].Height), nil
}

// Parents returns the parent tipset key.
func (ts TipSet) Parents() (TipSetKey, error) {
	if !ts.Defined() {
		return TipSetKey{}, errors.New("parents of undefined tipset")
	}
	return ts.blocks[0].Parents, nil
}

// ParentWeight returns the cumulative chain weight of the parent tipset.
func (ts TipSet) ParentWeight() (uint64, error) {
	if !ts.Defined() {
		return 0, errors.New("parent weight of undefined tipset")
	}
	return uint64(ts.blocks[0].ParentWeight), nil
}

// ParentState returns the state root committed by the members, which is the
// root after application of the parent tipset's messages.
func (ts TipSet) ParentState() (cid.Cid, error) {
	if !ts.Defined() {
		return cid.Undef, errors.New("parent state of undefined tipset")
	}
	return ts.blocks[0].StateRoot, nil
}

// MinTimestamp returns the smallest member timestamp.
func (ts TipSet) MinTimestamp() (uint64, error) {
	if !ts.Defined() {
		return 0, errors.New("min timestamp of undefined tipset")
	}
	min := uint64(ts.blocks[0].Timestamp)
	for _, blk := range ts.blocks[1:] {
		if uint64(blk.Timestamp) < min {
			min = uint64(blk.Timestamp)
		}
	}
	return min, nil
}

// MinTicket returns the smallest member ticket, used for equal-weight head
// tie-breaking. Members are ticket-sorted so this is the first member's.
func (ts TipSet) MinTicket() (Ticket, error) {
	if !ts.Defined() {
		return Ticket{}, errors.New("min ticket of undefined tipset")
	}
	return ts.blocks[0].Ticket, nil
}

// Equals tests tipset equality by key.
func (ts TipSet) Equals(other TipSet) bool {
	return ts.Key().Equals(other.Key())
}

// String returns the string of the tipset's key.
func (ts TipSet) String() string {
	return ts.Key().String()
}
