package consensus

import (
	"context"
	"time"

	"github.com/timber-project/go-timber/internal/pkg/block"
	"github.com/timber-project/go-timber/internal/pkg/clock"
)

// BlockValidator defines an interface used to validate a block's syntax and
// semantics.
type BlockValidator interface {
	BlockSemanticValidator
	BlockSyntaxValidator
}

// BlockSemanticValidator defines an interface used to validate a block's
// semantics.
type BlockSemanticValidator interface {
	ValidateSemantic(ctx context.Context, child *block.Block, parents block.TipSet) error
}

// BlockSyntaxValidator defines an interface used to validate a block's
// syntax.
type BlockSyntaxValidator interface {
	ValidateSyntax(ctx context.Context, blk *block.Block) error
}

// DefaultBlockValidator implements the BlockValidator interface.
type DefaultBlockValidator struct {
	clock.Clock
	blockTime    time.Duration
	maxClockSkew time.Duration
}

// NewDefaultBlockValidator returns a new DefaultBlockValidator. It uses
// `blkTime` to validate the epoch spacing of blocks and `maxClockSkew` to
// bound how far into the future a block timestamp may lie.
func NewDefaultBlockValidator(blkTime, maxClockSkew time.Duration, c clock.Clock) *DefaultBlockValidator {
	return &DefaultBlockValidator{
		Clock:        c,
		blockTime:    blkTime,
		maxClockSkew: maxClockSkew,
	}
}

// ValidateSemantic validates a block is correctly derived from its parent.
func (dv *DefaultBlockValidator) ValidateSemantic(ctx context.Context, child *block.Block, parents block.TipSet) error {
	pmin, err := parents.MinTimestamp()
	if err != nil {
		return err
	}

	ph, err := parents.Height()
	if err != nil {
		return err
	}

	if uint64(child.Height) <= ph {
		return NewInvalidTipSetError(ReasonStructure, "block %s has invalid height %d, parent height %d", child.Cid(), child.Height, ph)
	}

	// The child must be at least one epoch duration past its parents,
	// counting the null rounds between them.
	limit := pmin + uint64(dv.blockTime.Seconds())*(uint64(child.Height)-ph)
	if uint64(child.Timestamp) < limit {
		return NewInvalidTipSetError(ReasonTemporal, "block %s with timestamp %d generated too close to parent, expected timestamp >= %d", child.Cid(), child.Timestamp, limit)
	}

	return nil
}

// ValidateSyntax validates a single block is correctly formed.
func (dv *DefaultBlockValidator) ValidateSyntax(ctx context.Context, blk *block.Block) error {
	if blk.Height == 0 {
		// The genesis block is trusted, not validated.
		return nil
	}
	horizon := uint64(dv.Now().Add(dv.maxClockSkew).Unix())
	if uint64(blk.Timestamp) > horizon {
		return NewInvalidTipSetError(ReasonTemporal, "block %s with timestamp %d generated in the future (limit %d)", blk.Cid(), blk.Timestamp, horizon)
	}
	if !blk.StateRoot.Defined() {
		return NewInvalidTipSetError(ReasonStructure, "block %s has nil StateRoot", blk.Cid())
	}
	if blk.Miner.Empty() {
		return NewInvalidTipSetError(ReasonStructure, "block %s has nil miner address", blk.Cid())
	}
	if len(blk.Ticket.VRFProof) == 0 {
		return NewInvalidTipSetError(ReasonStructure, "block %s has nil ticket", blk.Cid())
	}
	return nil
}

// BlockTime returns the block time the validator checks against.
func (dv *DefaultBlockValidator) BlockTime() time.Duration {
	return dv.blockTime
}
