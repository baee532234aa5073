package chain

import (
	"context"

	"github.com/pkg/errors"

	"github.com/timber-project/go-timber/internal/pkg/block"
)

// TipSetProvider provides tipsets for traversal.
type TipSetProvider interface {
	GetTipSet(key block.TipSetKey) (block.TipSet, error)
}

// IterAncestors returns an iterator over tipset ancestry starting at `start`.
func IterAncestors(ctx context.Context, store TipSetProvider, start block.TipSet) *TipsetIterator {
	return &TipsetIterator{ctx: ctx, store: store, value: start}
}

// TipsetIterator walks a chain backwards through parent links.
type TipsetIterator struct {
	ctx   context.Context
	store TipSetProvider
	value block.TipSet
}

// Value returns the iterator's current tipset.
func (it *TipsetIterator) Value() block.TipSet {
	return it.value
}

// Complete tests whether the iterator has run past the genesis tipset.
func (it *TipsetIterator) Complete() bool {
	return !it.value.Defined()
}

// Next advances the iterator to the parent tipset.
func (it *TipsetIterator) Next() error {
	select {
	case <-it.ctx.Done():
		return it.ctx.Err()
	default:
	}

	parentKey, err := it.value.Parents()
	if err != nil {
		return err
	}
	if parentKey.Empty() {
		it.value = block.UndefTipSet
		return nil
	}
	it.value, err = it.store.GetTipSet(parentKey)
	return err
}

// FindCommonAncestor returns the most recent common ancestor of the two
// chains represented by the input iterators. Both chains must share a
// genesis; otherwise ErrNoCommonAncestor is returned.
func FindCommonAncestor(leftIter, rightIter *TipsetIterator) (block.TipSet, error) {
	for !leftIter.Complete() && !rightIter.Complete() {
		left := leftIter.Value()
		right := rightIter.Value()

		leftHeight, err := left.Height()
		if err != nil {
			return block.UndefTipSet, err
		}
		rightHeight, err := right.Height()
		if err != nil {
			return block.UndefTipSet, err
		}

		// The common ancestor is at most at the lesser height, so walk
		// the taller chain down first.
		if leftHeight > rightHeight {
			if err := leftIter.Next(); err != nil {
				return block.UndefTipSet, err
			}
		} else if rightHeight > leftHeight {
			if err := rightIter.Next(); err != nil {
				return block.UndefTipSet, err
			}
		} else {
			if left.Equals(right) {
				return left, nil
			}
			if err := leftIter.Next(); err != nil {
				return block.UndefTipSet, err
			}
			if err := rightIter.Next(); err != nil {
				return block.UndefTipSet, err
			}
		}
	}
	return block.UndefTipSet, ErrNoCommonAncestor
}

// CollectTipSetsToCommonAncestor returns the tipsets strictly between the
// common ancestor of `from` and `to`, and `from` itself inclusive, ordered
// oldest first.
func CollectTipSetsToCommonAncestor(ctx context.Context, store TipSetProvider, from, to block.TipSet) ([]block.TipSet, block.TipSet, error) {
	ancestor, err := FindCommonAncestor(IterAncestors(ctx, store, from), IterAncestors(ctx, store, to))
	if err != nil {
		return nil, block.UndefTipSet, err
	}

	var collected []block.TipSet
	for it := IterAncestors(ctx, store, from); !it.Complete(); {
		if it.Value().Equals(ancestor) {
			break
		}
		collected = append(collected, it.Value())
		if err := it.Next(); err != nil {
			return nil, block.UndefTipSet, err
		}
	}
	Reverse(collected)
	return collected, ancestor, nil
}

// CollectReorgDiff computes the reverted and applied tipsets implied by
// moving the head from `old` to `new`, each ordered oldest first.
func CollectReorgDiff(ctx context.Context, store TipSetProvider, oldHead, newHead block.TipSet) (reverted, applied []block.TipSet, err error) {
	reverted, _, err = CollectTipSetsToCommonAncestor(ctx, store, oldHead, newHead)
	if err != nil {
		return nil, nil, err
	}
	applied, _, err = CollectTipSetsToCommonAncestor(ctx, store, newHead, oldHead)
	if err != nil {
		return nil, nil, err
	}
	return reverted, applied, nil
}

// IsReorg determines if the transition from `old` to `new` head is a reorg:
// the new head is not a descendant extension of the old one.
func IsReorg(old, new, commonAncestor block.TipSet) bool {
	return !old.Equals(commonAncestor)
}

// FindTipSetAtHeight walks from `start` down to the tipset whose height is
// at most `h` on the same chain.
func FindTipSetAtHeight(ctx context.Context, store TipSetProvider, start block.TipSet, h uint64) (block.TipSet, error) {
	for it := IterAncestors(ctx, store, start); !it.Complete(); {
		height, err := it.Value().Height()
		if err != nil {
			return block.UndefTipSet, err
		}
		if height <= h {
			return it.Value(), nil
		}
		if err := it.Next(); err != nil {
			return block.UndefTipSet, err
		}
	}
	return block.UndefTipSet, errors.Errorf("no tipset at height %d", h)
}

// Reverse mutates the input slice of tipsets from first-to-last to
// last-to-first.
func Reverse(chain []block.TipSet) {
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
}
