package testhelpers

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timber-project/go-timber/internal/pkg/block"
)

// RequireNewTipSet instantiates and returns a new tipset of the given blocks
// and requires that the setup validation succeed.
func RequireNewTipSet(t *testing.T, blks ...*block.Block) block.TipSet {
	ts, err := block.NewTipSet(blks...)
	require.NoError(t, err)
	return ts
}

// RequireTipSetChain returns the chain of tipsets from `head` back through
// `count` parents, using the provided lookup.
func RequireTipSetChain(t *testing.T, get func(block.TipSetKey) (block.TipSet, error), head block.TipSetKey, count int) []block.TipSet {
	var out []block.TipSet
	key := head
	for i := 0; i < count; i++ {
		ts, err := get(key)
		require.NoError(t, err)
		out = append(out, ts)
		key, err = ts.Parents()
		require.NoError(t, err)
	}
	return out
}
