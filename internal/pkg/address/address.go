package address

import (
	"bytes"
	"encoding/hex"

	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/minio/blake2b-simd"
	"github.com/pkg/errors"
	"github.com/polydawn/refmt/obj/atlas"
)

func init() {
	// Addresses serialize as their raw bytes.
	cbor.RegisterCborType(atlas.BuildEntry(Address{}).Transform().
		TransformMarshal(atlas.MakeMarshalTransformFunc(
			func(a Address) ([]byte, error) {
				return a.Bytes(), nil
			})).
		TransformUnmarshal(atlas.MakeUnmarshalTransformFunc(
			func(raw []byte) (Address, error) {
				if len(raw) == 0 {
					return Undef, nil
				}
				return NewFromBytes(raw)
			})).
		Complete())
}

// PayloadHashLength is the length of the hash carried in actor and worker
// addresses.
const PayloadHashLength = 20

// Protocol byte prefixes for the address payload.
const (
	// Actor is the protocol of addresses derived from hashing arbitrary
	// actor data.
	Actor = byte(iota)
	// SECP256K1 is the protocol of addresses derived from hashing a
	// secp256k1 public key.
	SECP256K1
	// BLS is the protocol of addresses carrying a BLS public key.
	BLS
)

// Undef is the zero-valued address. It is not a valid address on the wire.
var Undef = Address{}

// ErrUnknownProtocol is returned when parsing an address with an
// unrecognized protocol prefix.
var ErrUnknownProtocol = errors.New("unknown address protocol")

// Address identifies an account, miner or other actor on the chain. It is
// a protocol byte followed by a payload whose interpretation depends on the
// protocol. Addresses are value types and are compared by their bytes.
type Address struct {
	str string
}

// NewActorAddress constructs an address for the actor derived from `data`.
func NewActorAddress(data []byte) (Address, error) {
	return newAddress(Actor, addressHash(data))
}

// NewSecp256k1Address constructs an address from a secp256k1 public key.
func NewSecp256k1Address(pubkey []byte) (Address, error) {
	return newAddress(SECP256K1, addressHash(pubkey))
}

// NewBLSAddress constructs an address directly carrying a BLS public key.
func NewBLSAddress(pubkey []byte) (Address, error) {
	return newAddress(BLS, pubkey)
}

// NewFromBytes re-interprets raw bytes as an address.
func NewFromBytes(raw []byte) (Address, error) {
	if len(raw) == 0 {
		return Undef, errors.New("invalid address length")
	}
	switch raw[0] {
	case Actor, SECP256K1:
		if len(raw) != 1+PayloadHashLength {
			return Undef, errors.Errorf("invalid address payload length %d", len(raw)-1)
		}
	case BLS:
	default:
		return Undef, ErrUnknownProtocol
	}
	return Address{string(raw)}, nil
}

func newAddress(protocol byte, payload []byte) (Address, error) {
	var buf bytes.Buffer
	buf.WriteByte(protocol)
	buf.Write(payload)
	return Address{buf.String()}, nil
}

// Empty returns true for the zero-valued address.
func (a Address) Empty() bool { return a == Undef }

// Protocol returns the protocol prefix of the address.
func (a Address) Protocol() byte {
	if a.Empty() {
		return Actor
	}
	return a.str[0]
}

// Payload returns the protocol-specific payload of the address.
func (a Address) Payload() []byte {
	if a.Empty() {
		return nil
	}
	return []byte(a.str[1:])
}

// Bytes returns the wire encoding of the address.
func (a Address) Bytes() []byte { return []byte(a.str) }

func (a Address) String() string {
	if a.Empty() {
		return "<empty>"
	}
	return "t" + hex.EncodeToString(a.Bytes())
}

func addressHash(data []byte) []byte {
	cfg := &blake2b.Config{Size: PayloadHashLength}
	h, err := blake2b.New(cfg)
	if err != nil {
		panic(err)
	}
	if _, err := h.Write(data); err != nil {
		panic(err)
	}
	return h.Sum(nil)
}
