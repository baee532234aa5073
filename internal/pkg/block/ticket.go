package block

import (
	"bytes"

	cbor "github.com/ipfs/go-ipld-cbor"
)

func init() {
	cbor.RegisterCborType(Ticket{})
	cbor.RegisterCborType(ElectionProof{})
	cbor.RegisterCborType(BeaconEntry{})
}

// VRFPi is the proof output of a verifiable random function.
type VRFPi []byte

// Ticket is a verifiable entry in the chain's ticket lottery. Tickets order
// the blocks within a tipset.
type Ticket struct {
	VRFProof VRFPi `json:"vrfProof"`
}

// Compare orders tickets by the bytes of their proofs.
func (t Ticket) Compare(other Ticket) int {
	return bytes.Compare(t.VRFProof, other.VRFProof)
}

// ElectionProof asserts that a miner won the leader election for an epoch.
// WinCount is the number of election wins the proof encodes.
type ElectionProof struct {
	VRFProof VRFPi `json:"vrfProof"`
	WinCount int64 `json:"winCount"`
}

// BeaconEntry is a round of the external randomness beacon, anchored in a
// block header.
type BeaconEntry struct {
	Round uint64 `json:"round"`
	Data  []byte `json:"data"`
}
