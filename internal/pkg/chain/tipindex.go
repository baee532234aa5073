package chain

import (
	"fmt"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"

	"github.com/timber-project/go-timber/internal/pkg/block"
)

// TipSetStatus is the validation state of an indexed tipset. Statuses move
// monotonically forward; Invalid is terminal.
type TipSetStatus int

const (
	// StatusUnknown means the index has no information about the key.
	StatusUnknown TipSetStatus = iota
	// StatusHeadersOnly means the headers are stored but their message
	// collections have not been fetched.
	StatusHeadersOnly
	// StatusMessagesFetched means headers and messages are stored and the
	// tipset awaits validation.
	StatusMessagesFetched
	// StatusValidated means the tipset passed full validation and its
	// state root is recorded.
	StatusValidated
	// StatusInvalid means the tipset failed validation. It is never
	// promoted again.
	StatusInvalid
)

func (s TipSetStatus) String() string {
	switch s {
	case StatusHeadersOnly:
		return "HeadersOnly"
	case StatusMessagesFetched:
		return "MessagesFetched"
	case StatusValidated:
		return "Validated"
	case StatusInvalid:
		return "Invalid"
	default:
		return "Unknown"
	}
}

// TipSetMetadata is the information the index tracks per tipset.
type TipSetMetadata struct {
	// TipSet is the tipset object.
	TipSet block.TipSet
	// TipSetStateRoot is the root of the state after applying TipSet's
	// messages; defined only once Status is StatusValidated.
	TipSetStateRoot cid.Cid
	// TipSetReceiptRoot is the root of the receipts produced by applying
	// TipSet's messages; defined once validated.
	TipSetReceiptRoot cid.Cid
	// Weight is the cumulative chain weight at this tipset; defined once
	// validated.
	Weight uint64
	// Status is the tipset's validation state.
	Status TipSetStatus
	// InvalidReason records why validation failed when Status is
	// StatusInvalid.
	InvalidReason string
}

// TipIndex tracks tipsets and their metadata by tipset key, and by parent
// key and height for sibling lookup. Writers take the lock; the maps are
// never handed out.
type TipIndex struct {
	mu sync.RWMutex
	// entries by tipset key string
	entries map[string]*TipSetMetadata
	// entry keys by "parentKey+height"
	byParents map[string][]string
}

// NewTipIndex is the TipIndex constructor.
func NewTipIndex() *TipIndex {
	return &TipIndex{
		entries:   make(map[string]*TipSetMetadata),
		byParents: make(map[string][]string),
	}
}

// Put adds or updates an entry. Status transitions must move forward:
// regressions are ignored so that a late duplicate insert cannot demote an
// entry, and Invalid is never overwritten.
func (ti *TipIndex) Put(meta *TipSetMetadata) error {
	key := meta.TipSet.Key().String()
	h, err := meta.TipSet.Height()
	if err != nil {
		return err
	}
	parents, err := meta.TipSet.Parents()
	if err != nil {
		return err
	}

	ti.mu.Lock()
	defer ti.mu.Unlock()

	prev, found := ti.entries[key]
	if found {
		if prev.Status == StatusInvalid {
			return errors.Errorf("tipset %s is marked invalid: %s", key, prev.InvalidReason)
		}
		if meta.Status <= prev.Status {
			return nil
		}
		*prev = *meta
		return nil
	}

	ti.entries[key] = meta
	pKey := makeParentsKey(parents, h)
	ti.byParents[pKey] = append(ti.byParents[pKey], key)
	return nil
}

// Get returns the metadata for a key, or nil when the key is unknown.
func (ti *TipIndex) Get(key block.TipSetKey) *TipSetMetadata {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	meta, found := ti.entries[key.String()]
	if !found {
		return nil
	}
	out := *meta
	return &out
}

// Has indicates whether the index holds the key.
func (ti *TipIndex) Has(key block.TipSetKey) bool {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	_, found := ti.entries[key.String()]
	return found
}

// Status returns the validation status of the key.
func (ti *TipIndex) Status(key block.TipSetKey) TipSetStatus {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	meta, found := ti.entries[key.String()]
	if !found {
		return StatusUnknown
	}
	return meta.Status
}

// MarkValidated promotes an entry to StatusValidated, recording its
// computed roots and weight.
func (ti *TipIndex) MarkValidated(key block.TipSetKey, stateRoot, receiptRoot cid.Cid, weight uint64) error {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	meta, found := ti.entries[key.String()]
	if !found {
		return errors.Errorf("cannot validate unknown tipset %s", key)
	}
	if meta.Status == StatusInvalid {
		return errors.Errorf("cannot validate invalid tipset %s: %s", key, meta.InvalidReason)
	}
	meta.Status = StatusValidated
	meta.TipSetStateRoot = stateRoot
	meta.TipSetReceiptRoot = receiptRoot
	meta.Weight = weight
	return nil
}

// MarkInvalid moves an entry to the terminal StatusInvalid.
func (ti *TipIndex) MarkInvalid(key block.TipSetKey, reason string) error {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	meta, found := ti.entries[key.String()]
	if !found {
		return errors.Errorf("cannot invalidate unknown tipset %s", key)
	}
	if meta.Status == StatusValidated {
		return errors.Errorf("cannot invalidate validated tipset %s", key)
	}
	meta.Status = StatusInvalid
	meta.InvalidReason = reason
	return nil
}

// GetByParentsAndHeight returns the metadata of all known tipsets with the
// given parent key and height.
func (ti *TipIndex) GetByParentsAndHeight(parents block.TipSetKey, h uint64) []*TipSetMetadata {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	keys := ti.byParents[makeParentsKey(parents, h)]
	out := make([]*TipSetMetadata, 0, len(keys))
	for _, k := range keys {
		meta := *ti.entries[k]
		out = append(out, &meta)
	}
	return out
}

// HasByParentsAndHeight indicates whether any tipset with the given parents
// and height is indexed.
func (ti *TipIndex) HasByParentsAndHeight(parents block.TipSetKey, h uint64) bool {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	return len(ti.byParents[makeParentsKey(parents, h)]) > 0
}

func makeParentsKey(parents block.TipSetKey, h uint64) string {
	return fmt.Sprintf("%s@%d", parents.String(), h)
}
