package encoding

import (
	cbor "github.com/ipfs/go-ipld-cbor"
)

// Encode serializes `obj` into its canonical DagCBOR form. The object's type
// must have been registered with the cbor type registry.
func Encode(obj interface{}) ([]byte, error) {
	return cbor.DumpObject(obj)
}

// Decode deserializes canonical DagCBOR bytes into `out`.
func Decode(raw []byte, out interface{}) error {
	return cbor.DecodeInto(raw, out)
}
