package chain

import (
	"sync"

	"github.com/timber-project/go-timber/internal/pkg/block"
)

// BadTipSetCache keeps track of bad tipsets that the syncer should not try
// to download or validate again. Readers and writers grab a lock. The cache
// is in-memory only, so it is reset whenever the node is restarted.
type BadTipSetCache struct {
	mu  sync.Mutex
	bad map[string]struct{}
}

// NewBadTipSetCache returns an empty cache.
func NewBadTipSetCache() *BadTipSetCache {
	return &BadTipSetCache{bad: make(map[string]struct{})}
}

// AddChain adds the chain of tipsets to the cache. It just does the
// simplest thing and adds all tipsets of the chain.
func (cache *BadTipSetCache) AddChain(chain []block.TipSet) {
	for _, ts := range chain {
		cache.Add(ts.Key().String())
	}
}

// Add adds a single tipset key to the cache.
func (cache *BadTipSetCache) Add(tsKey string) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	cache.bad[tsKey] = struct{}{}
}

// Has checks for membership in the cache.
func (cache *BadTipSetCache) Has(tsKey string) bool {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	_, ok := cache.bad[tsKey]
	return ok
}
