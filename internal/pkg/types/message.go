package types

import (
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/pkg/errors"

	"github.com/timber-project/go-timber/internal/pkg/address"
)

func init() {
	cbor.RegisterCborType(UnsignedMessage{})
	cbor.RegisterCborType(SignedMessage{})
	cbor.RegisterCborType(MessageReceipt{})
}

// UnsignedMessage is an exchange of value or a method invocation between two
// actors, before any signature is attached. BLS messages travel on chain in
// this form; their signatures are aggregated into the block header.
type UnsignedMessage struct {
	To   address.Address `json:"to"`
	From address.Address `json:"from"`
	// CallSeqNum orders messages from the same sender.
	CallSeqNum Uint64 `json:"callSeqNum"`

	Value Uint64 `json:"value"`

	Method string `json:"method"`
	Params []byte `json:"params"`

	GasPrice Uint64 `json:"gasPrice"`
	GasLimit Uint64 `json:"gasLimit"`
}

// NewUnsignedMessage creates a message ready to be signed.
func NewUnsignedMessage(from, to address.Address, nonce, value Uint64, method string, params []byte) *UnsignedMessage {
	return &UnsignedMessage{
		To:         to,
		From:       from,
		CallSeqNum: nonce,
		Value:      value,
		Method:     method,
		Params:     params,
	}
}

// Cid returns the canonical CID of the message.
func (msg *UnsignedMessage) Cid() (cid.Cid, error) {
	c, err := CidOf(msg)
	if err != nil {
		return cid.Undef, errors.Wrap(err, "failed to compute message cid")
	}
	return c, nil
}

// Equals tests whether two messages are equal by CID.
func (msg *UnsignedMessage) Equals(other *UnsignedMessage) bool {
	a, err := msg.Cid()
	if err != nil {
		return false
	}
	b, err := other.Cid()
	if err != nil {
		return false
	}
	return a.Equals(b)
}

// SignedMessage wraps an UnsignedMessage with a secp256k1 signature over its
// canonical serialization.
type SignedMessage struct {
	Message   UnsignedMessage `json:"meteredMessage"`
	Signature Signature       `json:"signature"`
}

// NewSignedMessage wraps a message with its signature.
func NewSignedMessage(msg UnsignedMessage, sig Signature) *SignedMessage {
	return &SignedMessage{Message: msg, Signature: sig}
}

// Cid returns the canonical CID of the signed message.
func (smsg *SignedMessage) Cid() (cid.Cid, error) {
	c, err := CidOf(smsg)
	if err != nil {
		return cid.Undef, errors.Wrap(err, "failed to compute signed message cid")
	}
	return c, nil
}

// MessageReceipt is the result of applying a single message to the state.
type MessageReceipt struct {
	ExitCode uint8  `json:"exitCode"`
	Return   []byte `json:"return"`
	GasUsed  Uint64 `json:"gasUsed"`
}
