package consensus

import (
	"context"
	"math/bits"

	"github.com/ipfs/go-cid"

	"github.com/timber-project/go-timber/internal/pkg/block"
)

// ECV is the constant weight contribution of each block in a tipset.
const ECV uint64 = 10

// PowerTableView reads the total storage power committed as of a state
// root. The production view queries the power actor; tests use a fixed
// snapshot.
type PowerTableView interface {
	Total(ctx context.Context, stateRoot cid.Cid) (uint64, error)
}

// ChainSelector weighs tipsets and orders competing chains. Weight
// accumulates monotonically: a tipset's weight is its parent weight plus a
// per-block contribution that grows with the network's committed power.
type ChainSelector struct {
	power PowerTableView
}

// NewChainSelector is the constructor for chain selection.
func NewChainSelector(power PowerTableView) *ChainSelector {
	return &ChainSelector{power: power}
}

// NewWeight returns the cumulative weight of `ts`, given the state root of
// its parent tipset.
func (c *ChainSelector) NewWeight(ctx context.Context, ts block.TipSet, parentStateRoot cid.Cid) (uint64, error) {
	parentWeight, err := ts.ParentWeight()
	if err != nil {
		return 0, err
	}
	total, err := c.power.Total(ctx, parentStateRoot)
	if err != nil {
		return 0, err
	}
	return parentWeight + uint64(ts.Len())*(ECV+uint64(bits.Len64(total))), nil
}

// IsHeavier returns true if tipset a is heavier than tipset b. Equal
// weights are broken by the smaller minimum ticket, then by the
// lexicographically smaller tipset key, so that selection is deterministic
// across nodes.
func (c *ChainSelector) IsHeavier(ctx context.Context, a, b block.TipSet, aStateRoot, bStateRoot cid.Cid) (bool, error) {
	aw, err := c.NewWeight(ctx, a, aStateRoot)
	if err != nil {
		return false, err
	}
	bw, err := c.NewWeight(ctx, b, bStateRoot)
	if err != nil {
		return false, err
	}
	return CompareHeavier(aw, bw, a, b)
}

// CompareHeavier applies the weight ordering with tie-breaks to
// already-computed weights.
func CompareHeavier(aw, bw uint64, a, b block.TipSet) (bool, error) {
	if aw != bw {
		return aw > bw, nil
	}

	aTicket, err := a.MinTicket()
	if err != nil {
		return false, err
	}
	bTicket, err := b.MinTicket()
	if err != nil {
		return false, err
	}
	if cmp := aTicket.Compare(bTicket); cmp != 0 {
		return cmp < 0, nil
	}

	return a.Key().Less(b.Key()), nil
}
