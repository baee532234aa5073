package block

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/polydawn/refmt/obj/atlas"
)

func init() {
	// Keys serialize as their bare sorted CID list.
	cbor.RegisterCborType(atlas.BuildEntry(TipSetKey{}).Transform().
		TransformMarshal(atlas.MakeMarshalTransformFunc(
			func(k TipSetKey) ([]cid.Cid, error) {
				return k.cids, nil
			})).
		TransformUnmarshal(atlas.MakeUnmarshalTransformFunc(
			func(cids []cid.Cid) (TipSetKey, error) {
				return NewTipSetKey(cids...), nil
			})).
		Complete())
}

// TipSetKey is an immutable set of CIDs identifying a tipset: the sorted
// list of its members' CIDs. The zero value is the empty key, which is the
// parent key of the genesis tipset.
type TipSetKey struct {
	// The slice is sorted by CID byte order and carries no duplicates.
	// It is never mutated after construction.
	cids []cid.Cid
}

// NewTipSetKey initialises a key from CIDs, sorting and de-duplicating them.
func NewTipSetKey(ids ...cid.Cid) TipSetKey {
	if len(ids) == 0 {
		return TipSetKey{}
	}
	sorted := make([]cid.Cid, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool {
		return cidLess(sorted[i], sorted[j])
	})
	deduped := sorted[:1]
	for _, c := range sorted[1:] {
		if !c.Equals(deduped[len(deduped)-1]) {
			deduped = append(deduped, c)
		}
	}
	return TipSetKey{deduped}
}

// Empty checks whether the set is empty.
func (k TipSetKey) Empty() bool {
	return k.Len() == 0
}

// Has checks whether the set contains `id`.
func (k TipSetKey) Has(id cid.Cid) bool {
	for _, c := range k.cids {
		if c.Equals(id) {
			return true
		}
	}
	return false
}

// Len returns the number of CIDs in the set.
func (k TipSetKey) Len() int {
	return len(k.cids)
}

// ToSlice returns a copy of the sorted CIDs.
func (k TipSetKey) ToSlice() []cid.Cid {
	out := make([]cid.Cid, len(k.cids))
	copy(out, k.cids)
	return out
}

// Iter returns an iterator over the CIDs in canonical order.
func (k TipSetKey) Iter() TipSetKeyIterator {
	return TipSetKeyIterator{s: k.cids, i: 0}
}

// Equals checks whether the set contains exactly the same CIDs as another.
func (k TipSetKey) Equals(other TipSetKey) bool {
	if len(k.cids) != len(other.cids) {
		return false
	}
	for i := range k.cids {
		if !k.cids[i].Equals(other.cids[i]) {
			return false
		}
	}
	return true
}

// String returns a readable representation, also used as a map key for the
// chain index.
func (k TipSetKey) String() string {
	out := "{"
	for _, c := range k.cids {
		out += " " + c.String()
	}
	return out + " }"
}

// Less totally orders keys: lexicographic comparison of the sorted CID
// lists, shorter keys first on shared prefixes.
func (k TipSetKey) Less(other TipSetKey) bool {
	for i := range k.cids {
		if i >= len(other.cids) {
			return false
		}
		if cidLess(k.cids[i], other.cids[i]) {
			return true
		}
		if cidLess(other.cids[i], k.cids[i]) {
			return false
		}
	}
	return len(k.cids) < len(other.cids)
}

// ContainsAll checks if another set is a subset of this one.
func (k TipSetKey) ContainsAll(other TipSetKey) bool {
	for it := other.Iter(); !it.Complete(); it.Next() {
		if !k.Has(it.Value()) {
			return false
		}
	}
	return true
}

// TipSetKeyIterator is a stateful iterator over a key's CIDs.
type TipSetKeyIterator struct {
	s []cid.Cid
	i int
}

// Complete returns true if the iterator has run out of CIDs.
func (it *TipSetKeyIterator) Complete() bool {
	return it.i >= len(it.s)
}

// Next advances the iterator, returning false when complete.
func (it *TipSetKeyIterator) Next() bool {
	if it.Complete() {
		return false
	}
	it.i++
	return !it.Complete()
}

// Value returns the CID at the iterator's position.
func (it *TipSetKeyIterator) Value() cid.Cid {
	if it.Complete() {
		return cid.Undef
	}
	return it.s[it.i]
}

func cidLess(a, b cid.Cid) bool {
	return strings.Compare(a.KeyString(), b.KeyString()) < 0
}

var _ fmt.Stringer = TipSetKey{}
