package consensus

import (
	"bytes"
	"context"

	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"

	"github.com/timber-project/go-timber/internal/pkg/address"
	"github.com/timber-project/go-timber/internal/pkg/block"
)

// FakeBlockSig is the signature carried by blocks built by test chain
// builders; the fake signature validator accepts exactly this value.
var FakeBlockSig = []byte("fake block signature")

// FakePowerTableView is a power table view with a fixed total power.
type FakePowerTableView struct {
	TotalPower uint64
}

// Total returns the fixed total power regardless of state.
func (v *FakePowerTableView) Total(ctx context.Context, stateRoot cid.Cid) (uint64, error) {
	return v.TotalPower, nil
}

// FakeWorkerView resolves every miner to itself.
type FakeWorkerView struct{}

// WorkerAddr returns the miner address as its own worker.
func (FakeWorkerView) WorkerAddr(ctx context.Context, stateRoot cid.Cid, miner address.Address) (address.Address, error) {
	return miner, nil
}

// FakeSignatureValidator accepts exactly FakeBlockSig and rejects
// everything else.
type FakeSignatureValidator struct{}

// VerifyBlockSig checks the fake signature.
func (FakeSignatureValidator) VerifyBlockSig(ctx context.Context, blk *block.Block, worker address.Address) error {
	if !bytes.Equal(blk.BlockSig, FakeBlockSig) {
		return errors.Errorf("signature does not verify against worker %s", worker)
	}
	return nil
}

// FakeElectionValidator accepts any proof with a positive win count.
type FakeElectionValidator struct{}

// VerifyElection checks the fake win count.
func (FakeElectionValidator) VerifyElection(ctx context.Context, blk *block.Block, entry block.BeaconEntry) error {
	if blk.ElectionProof.WinCount <= 0 {
		return errors.Errorf("election proof claims %d wins", blk.ElectionProof.WinCount)
	}
	return nil
}

// FakeBeaconVerifier checks only that entry rounds strictly increase from
// the previous anchored entry.
type FakeBeaconVerifier struct{}

// VerifyEntries checks round monotonicity.
func (FakeBeaconVerifier) VerifyEntries(entries []block.BeaconEntry, prev block.BeaconEntry) error {
	last := prev.Round
	for _, e := range entries {
		if e.Round <= last && !(last == 0 && e.Round == 0) {
			return errors.Errorf("beacon entry round %d does not follow %d", e.Round, last)
		}
		last = e.Round
	}
	return nil
}

// MaxEntryOf returns the latest entry anchored by the tipset's members, or
// the zero entry when none carry one.
func (FakeBeaconVerifier) MaxEntryOf(ts block.TipSet) (block.BeaconEntry, error) {
	var max block.BeaconEntry
	for i := 0; i < ts.Len(); i++ {
		entries := ts.At(i).BeaconEntries
		if len(entries) > 0 && entries[len(entries)-1].Round > max.Round {
			max = entries[len(entries)-1]
		}
	}
	return max, nil
}
