package consensus

import (
	"context"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log"
	"github.com/pkg/errors"

	"github.com/timber-project/go-timber/internal/pkg/address"
	"github.com/timber-project/go-timber/internal/pkg/block"
	"github.com/timber-project/go-timber/internal/pkg/types"
)

var logValidation = logging.Logger("consensus.validation")

// WorkerAddressView resolves a miner's worker key address as of a state
// root. The production view reads the miner actor's state.
type WorkerAddressView interface {
	WorkerAddr(ctx context.Context, stateRoot cid.Cid, miner address.Address) (address.Address, error)
}

// SignatureValidator checks a block signature against the miner's worker
// address.
type SignatureValidator interface {
	VerifyBlockSig(ctx context.Context, blk *block.Block, worker address.Address) error
}

// ElectionValidator verifies a block's claim to leadership for its epoch
// against the beacon entry governing that epoch.
type ElectionValidator interface {
	VerifyElection(ctx context.Context, blk *block.Block, entry block.BeaconEntry) error
}

// BeaconVerifier checks that a block's beacon entries form a valid chain
// from the previous anchored entry.
type BeaconVerifier interface {
	VerifyEntries(entries []block.BeaconEntry, prev block.BeaconEntry) error
	// MaxEntryOf returns the latest beacon entry anchored at or before
	// the tipset.
	MaxEntryOf(ts block.TipSet) (block.BeaconEntry, error)
}

// StateTransitioner deterministically applies a tipset's messages to its
// parent state, producing the new state root and receipt root. The
// production transitioner runs the VM; it is injected so the sync core does
// not depend on execution internals.
type StateTransitioner interface {
	RunStateTransition(ctx context.Context, ts block.TipSet, secpMessages [][]*types.SignedMessage, blsMessages [][]*types.UnsignedMessage, parentStateRoot cid.Cid) (stateRoot cid.Cid, receiptRoot cid.Cid, err error)
}

// TipSetValidator runs the full consensus validation of a tipset whose
// parent is already validated. Checks run in order and short-circuit on the
// first failure. A returned *InvalidTipSetError is terminal for the tipset
// key; any other error is a transient infrastructure failure that the
// scheduler may retry.
type TipSetValidator struct {
	blockValidator BlockValidator
	workerView     WorkerAddressView
	signatures     SignatureValidator
	elections      ElectionValidator
	beacons        BeaconVerifier
	state          StateTransitioner
	selector       *ChainSelector
}

// NewTipSetValidator assembles a validator from its checkers.
func NewTipSetValidator(bv BlockValidator, wv WorkerAddressView, sv SignatureValidator, ev ElectionValidator, bcn BeaconVerifier, st StateTransitioner, sel *ChainSelector) *TipSetValidator {
	return &TipSetValidator{
		blockValidator: bv,
		workerView:     wv,
		signatures:     sv,
		elections:      ev,
		beacons:        bcn,
		state:          st,
		selector:       sel,
	}
}

// ValidationResult carries what a successful validation produced: the roots
// committed to by this tipset's children, and this tipset's cumulative
// weight.
type ValidationResult struct {
	StateRoot   cid.Cid
	ReceiptRoot cid.Cid
	Weight      uint64
}

// ValidateTipSet checks `ts` against its validated parent.
//
// `parentStateRoot` and `parentReceiptRoot` are the roots computed when the
// parent was validated; `ts`'s members must commit to exactly these.
// `grandparentStateRoot` feeds the parent-weight recomputation. The message
// collections are passed per member block, in tipset order.
func (tv *TipSetValidator) ValidateTipSet(
	ctx context.Context,
	ts block.TipSet,
	parent block.TipSet,
	parentStateRoot cid.Cid,
	parentReceiptRoot cid.Cid,
	grandparentStateRoot cid.Cid,
	secpMessages [][]*types.SignedMessage,
	blsMessages [][]*types.UnsignedMessage,
) (*ValidationResult, error) {
	// Structural and temporal checks, per member. Member agreement on
	// height, parents, parent weight and parent state root is enforced
	// by tipset construction; here the members are checked against the
	// parent itself.
	for i := 0; i < ts.Len(); i++ {
		blk := ts.At(i)
		if err := tv.blockValidator.ValidateSyntax(ctx, blk); err != nil {
			return nil, err
		}
		if err := tv.blockValidator.ValidateSemantic(ctx, blk, parent); err != nil {
			return nil, err
		}
		if !blk.StateRoot.Equals(parentStateRoot) {
			return nil, NewInvalidTipSetError(ReasonStateMismatch, "block %s commits parent state root %s, parent computed %s", blk.Cid(), blk.StateRoot, parentStateRoot)
		}
		if !blk.MessageReceipts.Equals(parentReceiptRoot) {
			return nil, NewInvalidTipSetError(ReasonStateMismatch, "block %s commits parent receipt root %s, parent computed %s", blk.Cid(), blk.MessageReceipts, parentReceiptRoot)
		}
	}

	// The parent weight written into the headers must match the weight
	// this node measured for the parent.
	measuredParentWeight, err := tv.selector.NewWeight(ctx, parent, grandparentStateRoot)
	if err != nil {
		return nil, err
	}
	claimedParentWeight, err := ts.ParentWeight()
	if err != nil {
		return nil, err
	}
	if claimedParentWeight != measuredParentWeight {
		return nil, NewInvalidTipSetError(ReasonBadWeight, "tipset %s claims parent weight %d, measured %d", ts.Key(), claimedParentWeight, measuredParentWeight)
	}

	prevEntry, err := tv.beacons.MaxEntryOf(parent)
	if err != nil {
		return nil, err
	}

	for i := 0; i < ts.Len(); i++ {
		blk := ts.At(i)

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Identity and signature.
		worker, err := tv.workerView.WorkerAddr(ctx, parentStateRoot, blk.Miner)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to resolve worker for miner %s", blk.Miner)
		}
		if err := tv.signatures.VerifyBlockSig(ctx, blk, worker); err != nil {
			return nil, NewInvalidTipSetError(ReasonBadSignature, "block %s: %s", blk.Cid(), err)
		}

		// Beacon continuity before the election, since the election is
		// verified against the entries.
		if err := tv.beacons.VerifyEntries(blk.BeaconEntries, prevEntry); err != nil {
			return nil, NewInvalidTipSetError(ReasonBadBeacon, "block %s: %s", blk.Cid(), err)
		}

		electionEntry := prevEntry
		if len(blk.BeaconEntries) > 0 {
			electionEntry = blk.BeaconEntries[len(blk.BeaconEntries)-1]
		}
		if err := tv.elections.VerifyElection(ctx, blk, electionEntry); err != nil {
			return nil, NewInvalidTipSetError(ReasonBadElection, "block %s: %s", blk.Cid(), err)
		}
	}

	// Message application. Cancellation is re-checked here because the
	// transition is the expensive step.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stateRoot, receiptRoot, err := tv.state.RunStateTransition(ctx, ts, secpMessages, blsMessages, parentStateRoot)
	if err != nil {
		return nil, errors.Wrap(err, "state transition failed")
	}

	weight, err := tv.selector.NewWeight(ctx, ts, parentStateRoot)
	if err != nil {
		return nil, err
	}

	logValidation.Debugf("validated tipset %s at weight %d", ts.Key(), weight)
	return &ValidationResult{StateRoot: stateRoot, ReceiptRoot: receiptRoot, Weight: weight}, nil
}
