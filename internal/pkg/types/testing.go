package types

import (
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"

	"github.com/timber-project/go-timber/internal/pkg/address"
)

// CidFromString generates a Cid from a string for testing purposes.
func CidFromString(t *testing.T, input string) cid.Cid {
	c, err := CidOfBytes([]byte(input))
	require.NoError(t, err)
	return c
}

// NewCidForTestGetter returns a closure that returns a unique Cid on each
// call.
func NewCidForTestGetter() func() cid.Cid {
	i := Uint64(31337)
	return func() cid.Cid {
		c, err := CidOf(i)
		if err != nil {
			panic(err)
		}
		i++
		return c
	}
}

// NewAddressForTestGetter returns a closure that returns a unique address on
// each call.
func NewAddressForTestGetter() func() address.Address {
	i := 0
	return func() address.Address {
		a, err := address.NewActorAddress([]byte{byte(i), byte(i >> 8)})
		if err != nil {
			panic(err)
		}
		i++
		return a
	}
}
