package types

import "github.com/timber-project/go-timber/internal/pkg/address"

// Signer is an interface for SignBytes.
type Signer interface {
	SignBytes(data []byte, addr address.Address) (Signature, error)
}
